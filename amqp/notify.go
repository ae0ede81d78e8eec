package amqp

import (
	"context"
	"sync"

	"github.com/peake100/rogerRecover-go/amqp/transport"
)

// subscribers holds the receivers registered on a Connection. Receivers are closed
// when the connection reaches a terminal state.
type subscribers struct {
	lock   sync.Mutex
	closed bool

	supervisor []chan SupervisorEvent
	recovery   []chan RecoveryEvent
	close      []chan *transport.Error
}

// NotifySupervisor registers a receiver for lifecycle events of the physical
// connection: lost, reconnecting, every failed dial attempt, connected, recovered and
// abandoned.
//
// Events are sent from the recovery goroutine. A receiver that is not serviced will
// stall recovery until the connection is closed, so use a buffered channel or a
// dedicated reader. The final abandoned event is dropped if the receiver is full.
func (conn *Connection) NotifySupervisor(
	receiver chan SupervisorEvent,
) chan SupervisorEvent {
	conn.subscribers.lock.Lock()
	defer conn.subscribers.lock.Unlock()

	if conn.subscribers.closed {
		close(receiver)
		return receiver
	}

	conn.subscribers.supervisor = append(conn.subscribers.supervisor, receiver)
	return receiver
}

// NotifyRecovery registers a receiver for topology recovery events: every channel
// recovered or failed, queue renames, consumer re-tags and the outcome of each cycle.
//
// As NotifySupervisor, receivers must be serviced for recovery to progress.
func (conn *Connection) NotifyRecovery(receiver chan RecoveryEvent) chan RecoveryEvent {
	conn.subscribers.lock.Lock()
	defer conn.subscribers.lock.Unlock()

	if conn.subscribers.closed {
		close(receiver)
		return receiver
	}

	conn.subscribers.recovery = append(conn.subscribers.recovery, receiver)
	return receiver
}

// NotifyClose registers a receiver for the final close of the connection. Transport
// losses that are recovered are never sent. When the connection is lost for good the
// transport error is sent if the receiver has room for it, then the receiver is closed. When the connection is closed
// by the application the receiver is closed without a value.
func (conn *Connection) NotifyClose(receiver chan *Error) chan *Error {
	conn.subscribers.lock.Lock()
	defer conn.subscribers.lock.Unlock()

	if conn.subscribers.closed {
		close(receiver)
		return receiver
	}

	conn.subscribers.close = append(conn.subscribers.close, receiver)
	return receiver
}

// deliver sends to a receiver, giving up if ctx is cancelled and the receiver is
// full.
func deliverSupervisorEvent(
	ctx context.Context, receiver chan SupervisorEvent, event SupervisorEvent,
) {
	select {
	case receiver <- event:
		return
	default:
	}

	select {
	case receiver <- event:
	case <-ctx.Done():
	}
}

func deliverChannelError(ctx context.Context, receiver chan *Error, err *Error) {
	select {
	case receiver <- err:
		return
	default:
	}

	select {
	case receiver <- err:
	case <-ctx.Done():
	}
}

func deliverRecoveryEvent(
	ctx context.Context, receiver chan RecoveryEvent, event RecoveryEvent,
) {
	select {
	case receiver <- event:
		return
	default:
	}

	select {
	case receiver <- event:
	case <-ctx.Done():
	}
}

// publishSupervisor sends event to every NotifySupervisor receiver.
func (conn *Connection) publishSupervisor(event SupervisorEvent) {
	conn.subscribers.lock.Lock()
	if conn.subscribers.closed {
		conn.subscribers.lock.Unlock()
		return
	}
	receivers := make([]chan SupervisorEvent, len(conn.subscribers.supervisor))
	copy(receivers, conn.subscribers.supervisor)
	conn.subscribers.lock.Unlock()

	for _, receiver := range receivers {
		deliverSupervisorEvent(conn.ctx, receiver, event)
	}
}

// publishRecovery sends event to every NotifyRecovery receiver.
func (conn *Connection) publishRecovery(event RecoveryEvent) {
	conn.subscribers.lock.Lock()
	if conn.subscribers.closed {
		conn.subscribers.lock.Unlock()
		return
	}
	receivers := make([]chan RecoveryEvent, len(conn.subscribers.recovery))
	copy(receivers, conn.subscribers.recovery)
	conn.subscribers.lock.Unlock()

	for _, receiver := range receivers {
		deliverRecoveryEvent(conn.ctx, receiver, event)
	}
}

// closeSubscribers sends the final events and closes every receiver. Must only be
// called once no other goroutine can publish.
//
// The connection context is already cancelled here, so final values are only handed
// to receivers with room for them or a reader waiting.
func (conn *Connection) closeSubscribers(final *SupervisorEvent, closeErr *Error) {
	conn.subscribers.lock.Lock()
	defer conn.subscribers.lock.Unlock()

	if conn.subscribers.closed {
		return
	}
	conn.subscribers.closed = true

	for _, receiver := range conn.subscribers.supervisor {
		if final != nil {
			select {
			case receiver <- *final:
			default:
			}
		}
		close(receiver)
	}
	for _, receiver := range conn.subscribers.recovery {
		close(receiver)
	}
	for _, receiver := range conn.subscribers.close {
		// We need to send an explicit value only for a loss. A clean close is
		// signalled by closing the receiver.
		if closeErr != nil {
			select {
			case receiver <- closeErr:
			default:
			}
		}
		close(receiver)
	}
}
