package amqp

import (
	"sync"
	"sync/atomic"

	"github.com/peake100/rogerRecover-go/amqp/transport"
)

// session is one physical connection to the broker. A new session is created for every
// successful dial and is never reused once lost.
type session struct {
	// transport is the physical connection.
	transport transport.Connection
	// number is 1 for the initial dial and is incremented with every reconnect.
	number uint64

	// lastChannelID is the last channel id handed out on this session. Accessed
	// atomically.
	lastChannelID uint32

	// lost is closed once the loss of this session has been reported.
	lost     chan struct{}
	lostOnce *sync.Once
}

func newSession(conn transport.Connection, number uint64) *session {
	return &session{
		transport: conn,
		number:    number,
		lost:      make(chan struct{}),
		lostOnce:  new(sync.Once),
	}
}

// nextChannelID returns a new channel id for this session.
func (session *session) nextChannelID() uint16 {
	return uint16(atomic.AddUint32(&session.lastChannelID, 1))
}

// isLost returns true once the loss of the session has been reported.
func (session *session) isLost() bool {
	select {
	case <-session.lost:
		return true
	default:
		return false
	}
}

// sessionLoss is handed from the supervisor to the recovery coordinator when a session
// fails.
type sessionLoss struct {
	session *session
	err     *transport.Error
}
