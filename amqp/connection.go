package amqp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/peake100/rogerRecover-go/amqp/transport"
	"github.com/peake100/rogerRecover-go/amqp/transport/streadwaytransport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Connection is a robust connection to a single broker endpoint. It redials the
// endpoint when the transport is lost and replays the topology of every open Channel.
//
// Methods on a Connection are safe for concurrent use.
type Connection struct {
	// id is a unique id for this robust connection, attached to errors and logs.
	id string

	// The master context of the robust connection. Cancellation of this context
	// keeps the connection from re-dialing and interrupts any replay in progress.
	ctx context.Context
	// Cancel func that cancels our main context.
	cancel context.CancelFunc

	config     Config
	supervisor *supervisor

	// sessionLock guards session, which is replaced once per successful reconnect.
	sessionLock sync.RWMutex
	session     *session

	status *recoveryStatus

	// channelsLock guards channels and lastChannelUID. It is never held while a
	// channel lock is acquired.
	channelsLock   sync.Mutex
	channels       []*Channel
	lastChannelUID uint64

	owners      *entityOwners
	subscribers subscribers

	// coordinatorDone is closed when the recovery goroutine exits.
	coordinatorDone chan struct{}
	finalizeOnce    *sync.Once

	logger zerolog.Logger
}

// newConnection creates the robust connection object without dialing.
func newConnection(dialer transport.Dialer, config Config) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	id := uuid.NewString()
	logger = logger.With().
		Str("TRANSPORT", "CONNECTION").
		Str("CONNECTION_ID", id).
		Str("ENDPOINT", dialer.Endpoint()).
		Logger()

	conn := &Connection{
		id:              id,
		ctx:             ctx,
		cancel:          cancel,
		config:          config,
		status:          newRecoveryStatus(),
		owners:          newEntityOwners(),
		coordinatorDone: make(chan struct{}),
		finalizeOnce:    new(sync.Once),
		logger:          logger,
	}

	conn.supervisor = &supervisor{
		ctx:         ctx,
		dialer:      dialer,
		interval:    config.recoveryInterval(),
		maxAttempts: config.RecoveryMaxAttempts,
		lossEvents:  make(chan sessionLoss, 1),
		publish:     conn.publishSupervisor,
		logger:      logger,
	}

	return conn
}

// dialerForURL returns the dialer a connection uses for url.
func dialerForURL(url string, config Config) transport.Dialer {
	if config.Dialer != nil {
		return config.Dialer
	}
	return streadwaytransport.NewDialer(url, config.streadwayConfig())
}

// connect makes the initial connection and starts recovery. On failure the connection
// is discarded.
func (conn *Connection) connect(ctx context.Context, retry bool) error {
	session, err := conn.supervisor.dialInitial(ctx, retry)
	if err != nil {
		conn.cancel()
		close(conn.coordinatorDone)
		return err
	}

	conn.installSession(session)
	conn.supervisor.monitor(session)
	go conn.runCoordinator()
	return nil
}

// ID returns the unique id of this robust connection. It does not change across
// reconnects.
func (conn *Connection) ID() string {
	return conn.id
}

// Endpoint returns the endpoint of the connection with credentials removed.
func (conn *Connection) Endpoint() string {
	return conn.supervisor.dialer.Endpoint()
}

func (conn *Connection) currentSession() *session {
	conn.sessionLock.RLock()
	defer conn.sessionLock.RUnlock()
	return conn.session
}

func (conn *Connection) installSession(session *session) {
	conn.sessionLock.Lock()
	conn.session = session
	conn.sessionLock.Unlock()

	conn.status.broadcast()
}

// awaitSessionAfter blocks until old has been replaced or the connection reaches a
// terminal state.
func (conn *Connection) awaitSessionAfter(old *session) error {
	for {
		state, _, closeErr, changed := conn.status.snapshot()
		if state.Terminal() {
			return closeErr
		}
		if conn.currentSession() != old {
			return nil
		}
		<-changed
	}
}

// RecoveryState returns the current state of the recovery state machine.
func (conn *Connection) RecoveryState() RecoveryState {
	state, _, _, _ := conn.status.snapshot()
	return state
}

// AwaitState blocks until the connection is in one of states, then returns it. If the
// connection reaches a terminal state it did not ask for, the terminal state and the
// reason the connection ended are returned. If ctx is cancelled first, the current
// state and ctx.Err() are returned.
func (conn *Connection) AwaitState(
	ctx context.Context, states ...RecoveryState,
) (RecoveryState, error) {
	return conn.status.await(ctx, func(state RecoveryState, _ uint64) bool {
		for _, wanted := range states {
			if state == wanted {
				return true
			}
		}
		return false
	})
}

// IsClosed returns true once the connection has reached a terminal state.
func (conn *Connection) IsClosed() bool {
	return conn.RecoveryState().Terminal()
}

// Channels returns the channels currently open on this connection.
func (conn *Connection) Channels() []*Channel {
	conn.channelsLock.Lock()
	defer conn.channelsLock.Unlock()

	channels := make([]*Channel, len(conn.channels))
	copy(channels, conn.channels)
	return channels
}

/*
Channel opens a unique, concurrent server channel to process the bulk of AMQP
messages. The channel is reopened and its topology replayed whenever the connection
recovers.

If the transport is lost while the channel is being opened, Channel waits for the
connection to recover and tries again.
*/
func (conn *Connection) Channel() (*Channel, error) {
	for {
		state, _, closeErr, _ := conn.status.snapshot()
		if state.Terminal() {
			return nil, closeErr
		}

		session := conn.currentSession()
		channel, err := conn.openChannel(session)
		if err == nil {
			return channel, nil
		}

		transportErr := transport.AsError(err).WithOrigin(conn.id, 0, "")
		if transportErr.IsSoft() {
			return nil, transportErr
		}

		if conn.logger.Debug().Enabled() {
			conn.logger.Debug().
				Err(transportErr).
				Msg("channel open failed, waiting for reconnect")
		}
		conn.supervisor.reportLost(session, transportErr)
		if err := conn.awaitSessionAfter(session); err != nil {
			return nil, err
		}
	}
}

// openChannel opens a channel on session and registers it for recovery.
func (conn *Connection) openChannel(session *session) (*Channel, error) {
	if session.isLost() {
		return nil, transport.ErrClosed
	}

	transportChannel, err := session.transport.Channel()
	if err != nil {
		return nil, err
	}

	conn.channelsLock.Lock()
	conn.lastChannelUID++
	channel := newChannel(conn, conn.lastChannelUID)
	conn.channels = append(conn.channels, channel)
	conn.channelsLock.Unlock()

	channel.lock.Lock()
	channel.installLocked(session, transportChannel)
	channel.lock.Unlock()

	// If the session was lost before we registered, the coordinator may have taken its
	// snapshot of channels without us. Start over on the next session.
	if session.isLost() {
		_ = channel.shutdown(ChannelClosed, transport.ErrClosed)
		return nil, transport.ErrClosed
	}

	if channel.logger.Debug().Enabled() {
		channel.logger.Debug().Uint16("CHANNEL_ID", channel.ID()).Msg("channel opened")
	}

	return channel, nil
}

// forgetChannel removes a closed channel from recovery.
func (conn *Connection) forgetChannel(channel *Channel) {
	conn.channelsLock.Lock()
	defer conn.channelsLock.Unlock()

	for i, existing := range conn.channels {
		if existing == channel {
			conn.channels = append(conn.channels[:i], conn.channels[i+1:]...)
			return
		}
	}
}

// takeChannels removes and returns every channel.
func (conn *Connection) takeChannels() []*Channel {
	conn.channelsLock.Lock()
	defer conn.channelsLock.Unlock()

	channels := conn.channels
	conn.channels = nil
	return channels
}

// Close the robust connection. This closes every channel and the current transport,
// interrupts any reconnect or replay in progress and keeps the connection from
// reconnecting.
func (conn *Connection) Close() error {
	// If the context has already been cancelled, we can exit.
	if conn.ctx.Err() != nil {
		return ErrClosed
	}

	state := conn.RecoveryState()
	if conn.logger.Info().Enabled() {
		conn.logger.Info().Str("STATE", state.String()).Msg("closing connection")
	}

	conn.cancel()
	// Unblock any replay call waiting on the broker.
	if session := conn.currentSession(); session != nil {
		_ = session.transport.Close()
	}
	<-conn.coordinatorDone

	var final *SupervisorEvent
	if state == StateConnectionLost || state == StateReconnecting {
		final = &SupervisorEvent{
			Kind: SupervisorAbandoned,
			Err:  ErrClosed,
		}
	}

	conn.finalize(StateClosed, ErrClosed, nil, final)
	return nil
}

// finalize moves the connection to a terminal state and releases everything it holds.
// closeErr is returned by later operations. lossErr, if any, is sent to NotifyClose
// subscribers. Only the first call has any effect.
func (conn *Connection) finalize(
	state RecoveryState,
	closeErr error,
	lossErr *Error,
	final *SupervisorEvent,
) {
	conn.finalizeOnce.Do(func() {
		conn.cancel()

		if session := conn.currentSession(); session != nil {
			_ = session.transport.Close()
		}

		channelErr := closeErr
		if state == StateClosed {
			channelErr = ErrClosed
		}
		for _, channel := range conn.takeChannels() {
			_ = channel.shutdown(ChannelClosed, channelErr)
		}

		conn.status.terminate(state, closeErr)

		if final != nil {
			final.Cycle = conn.currentCycle()
			final.Time = time.Now()
		}
		conn.closeSubscribers(final, lossErr)

		if conn.logger.Info().Enabled() {
			conn.logger.Info().Str("STATE", state.String()).Msg("connection finalized")
		}
	})
}

func (conn *Connection) currentCycle() uint64 {
	_, cycle, _, _ := conn.status.snapshot()
	return cycle
}
