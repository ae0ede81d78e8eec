package amqp

import (
	"fmt"
	"sync"

	"github.com/peake100/rogerRecover-go/amqp/topology"
	"github.com/peake100/rogerRecover-go/amqp/transport"
	"github.com/rs/zerolog"
)

// channelSettings holds the settings re-applied to every new underlying channel.
type channelSettings struct {
	// qos is the last prefetch setting, nil if Qos was never called.
	qos *transport.ArgsQos
	// publisherConfirms is true once the channel has been put into confirm mode.
	publisherConfirms bool
}

// Channel is a robust channel. Every successful declaration is recorded in the
// channel's own registry and replayed, in declaration order, after the connection
// recovers.
//
// Unless otherwise noted, methods work as their streadway counterparts. An operation
// that fails because the connection was lost waits for the channel to be recovered
// and runs again. A channel-level error closes the channel for good: it is returned to
// the caller and sent to NotifyError subscribers.
//
// Every operation on a channel runs inside its critical section, so a channel's
// operations never interleave with each other or with its recovery.
type Channel struct {
	// uid identifies the channel for its whole life. The AMQP channel id changes on
	// every reopen.
	uid  uint64
	conn *Connection

	// lock is the channel's critical section.
	lock *sync.Mutex
	// stateChanged is broadcast whenever the state or the underlying channel changes.
	stateChanged *sync.Cond

	state ChannelState
	// id is the AMQP channel id of the current underlying channel.
	id uint16
	// generation is incremented every time a new underlying channel is installed.
	generation uint64
	session    *session
	transport  transport.Channel

	registry *topology.Registry
	settings channelSettings

	// queueAliases maps every name a server-named queue has had to its current name.
	queueAliases map[string]string
	// consumerAliases maps every tag a consumer has had to its current tag.
	consumerAliases map[string]string

	// closeErr is returned by operations once the channel is closed or failed.
	closeErr error

	errorSubscribers []chan *Error

	logger zerolog.Logger
}

func newChannel(conn *Connection, uid uint64) *Channel {
	lock := new(sync.Mutex)
	return &Channel{
		uid:             uid,
		conn:            conn,
		lock:            lock,
		stateChanged:    sync.NewCond(lock),
		state:           ChannelOpen,
		registry:        topology.NewRegistry(),
		queueAliases:    make(map[string]string),
		consumerAliases: make(map[string]string),
		logger: conn.logger.With().
			Str("TRANSPORT", "CHANNEL").
			Uint64("CHANNEL_UID", uid).
			Logger(),
	}
}

// installLocked switches the channel to a new underlying channel on session.
func (channel *Channel) installLocked(
	session *session, transportChannel transport.Channel,
) {
	if channel.transport != nil {
		_ = channel.transport.Close()
	}

	channel.session = session
	channel.transport = transportChannel
	channel.id = session.nextChannelID()
	channel.generation++

	closeEvents := transportChannel.NotifyClose(make(chan *transport.Error, 1))
	go channel.watchTransport(closeEvents, channel.generation)

	channel.stateChanged.Broadcast()
}

// watchTransport handles channel-level errors the broker raises asynchronously, such
// as a publish to a missing exchange.
func (channel *Channel) watchTransport(
	closeEvents <-chan *transport.Error, generation uint64,
) {
	closeErr, ok := <-closeEvents
	// Hard errors are handled by the connection supervisor.
	if !ok || closeErr == nil || closeErr.IsHard() {
		return
	}

	channel.lock.Lock()
	defer channel.lock.Unlock()

	if channel.generation != generation || !channel.state.usable() {
		return
	}

	channel.logger.Error().
		Err(closeErr).
		Uint16("CHANNEL_ID", channel.id).
		Msg("channel closed by broker")
	channel.discardLocked(closeErr.WithOrigin(channel.conn.id, channel.id, ""))
}

// markRecovering holds operations until the channel has been replayed.
func (channel *Channel) markRecovering() {
	channel.lock.Lock()
	defer channel.lock.Unlock()

	if channel.state.usable() {
		channel.state = ChannelRecovering
	}
}

// awaitUsableLocked blocks while the channel is recovering and returns an error if it
// can no longer be used.
func (channel *Channel) awaitUsableLocked() error {
	for channel.state == ChannelRecovering {
		channel.stateChanged.Wait()
	}

	switch channel.state {
	case ChannelFailed:
		return fmt.Errorf("%w: %w", ErrChannelFailed, channel.closeErr)
	case ChannelClosed:
		return channel.closeErr
	default:
		return nil
	}
}

// retryOperationOnClosed runs operation against the current underlying channel inside
// the channel's critical section. If the operation fails because the connection was
// lost, the loss is reported and the operation runs again once the channel has been
// recovered. A channel-level error discards the channel.
func (channel *Channel) retryOperationOnClosed(
	entity string, operation func(current transport.Channel) error,
) error {
	channel.lock.Lock()
	defer channel.lock.Unlock()

	for {
		if err := channel.awaitUsableLocked(); err != nil {
			return err
		}

		err := operation(channel.transport)
		if err == nil {
			return nil
		}

		transportErr := transport.AsError(err).WithOrigin(channel.conn.id, channel.id, entity)
		if transportErr.IsSoft() {
			channel.logger.Error().
				Err(transportErr).
				Uint16("CHANNEL_ID", channel.id).
				Str("ENTITY", entity).
				Msg("channel-level error, discarding channel")
			channel.discardLocked(transportErr)
			return transportErr
		}

		if channel.logger.Debug().Enabled() {
			channel.logger.Debug().
				Err(transportErr).
				Caller(1).
				Msg("repeating operation after recovery")
		}

		generation := channel.generation
		channel.conn.supervisor.reportLost(channel.session, transportErr)
		for channel.generation == generation &&
			(channel.state.usable() || channel.state == ChannelRecovering) {
			channel.stateChanged.Wait()
		}
	}
}

// discardLocked closes the channel after a channel-level error and hands the error to
// NotifyError subscribers.
func (channel *Channel) discardLocked(err *Error) {
	if !channel.state.usable() && channel.state != ChannelRecovering {
		return
	}

	for _, receiver := range channel.errorSubscribers {
		deliverChannelError(channel.conn.ctx, receiver, err)
	}
	channel.shutdownLocked(ChannelClosed, fmt.Errorf("%w: %w", ErrChannelClosed, err))
}

// shutdown moves the channel to a final state.
func (channel *Channel) shutdown(state ChannelState, closeErr error) error {
	channel.lock.Lock()
	defer channel.lock.Unlock()

	return channel.shutdownLocked(state, closeErr)
}

// shutdownLocked closes the underlying channel, discards the registry and releases
// every waiter. It returns ErrClosed if the channel was already shut down.
func (channel *Channel) shutdownLocked(state ChannelState, closeErr error) error {
	if channel.state == ChannelClosed || channel.state == ChannelFailed {
		return ErrClosed
	}

	channel.state = state
	channel.closeErr = closeErr

	var err error
	if channel.transport != nil {
		err = channel.transport.Close()
	}

	channel.registry.Reset()
	channel.conn.owners.releaseChannel(channel.uid)
	channel.conn.forgetChannel(channel)

	for _, receiver := range channel.errorSubscribers {
		close(receiver)
	}
	channel.errorSubscribers = nil

	channel.stateChanged.Broadcast()
	return err
}

// Close closes the channel. Entities it declared remain on the broker but are no
// longer recovered.
func (channel *Channel) Close() error {
	channel.lock.Lock()
	defer channel.lock.Unlock()

	if channel.state == ChannelClosed || channel.state == ChannelFailed {
		return ErrClosed
	}

	if channel.logger.Debug().Enabled() {
		channel.logger.Debug().Uint16("CHANNEL_ID", channel.id).Msg("closing channel")
	}

	// The underlying channel may already be gone with its connection. That is not an
	// error for the caller.
	_ = channel.shutdownLocked(ChannelClosed, ErrClosed)
	return nil
}

// NotifyError registers a receiver for channel-level errors. The channel is closed
// after the first such error, so a receiver gets at most one value before it is
// closed. Receivers are also closed when the channel is closed for any other reason.
//
// Errors raised during recovery are sent from the recovery goroutine. As with
// Connection.NotifySupervisor, a receiver that is not serviced stalls recovery until
// the connection is closed.
func (channel *Channel) NotifyError(receiver chan *Error) chan *Error {
	channel.lock.Lock()
	defer channel.lock.Unlock()

	if channel.state == ChannelClosed || channel.state == ChannelFailed {
		close(receiver)
		return receiver
	}

	channel.errorSubscribers = append(channel.errorSubscribers, receiver)
	return receiver
}

// ID returns the AMQP id of the current underlying channel. It changes every time the
// channel is recovered.
func (channel *Channel) ID() uint16 {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return channel.id
}

// State returns the recovery state of the channel.
func (channel *Channel) State() ChannelState {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return channel.state
}

// QueueName returns the current name of a queue declared on this channel. For a
// server-named queue, name may be any name the queue has been given and the name
// assigned on the latest recovery is returned. Other names are returned unchanged.
func (channel *Channel) QueueName(name string) string {
	channel.lock.Lock()
	defer channel.lock.Unlock()
	return channel.currentQueueNameLocked(name)
}

func (channel *Channel) currentQueueNameLocked(name string) string {
	if current, ok := channel.queueAliases[name]; ok {
		return current
	}
	return name
}

func (channel *Channel) currentConsumerTagLocked(tag string) string {
	if current, ok := channel.consumerAliases[tag]; ok {
		return current
	}
	return tag
}

// aliasLocked points every key of aliases that resolved to oldName at newName.
func aliasLocked(aliases map[string]string, oldName string, newName string) {
	for previous, current := range aliases {
		if current == oldName {
			aliases[previous] = newName
		}
	}
	aliases[oldName] = newName
}

// ChannelTopology is a snapshot of the entities a channel will replay on recovery.
type ChannelTopology struct {
	Exchanges        []topology.Exchange
	Queues           []topology.Queue
	Bindings         []topology.Binding
	ExchangeBindings []topology.ExchangeBinding
	Consumers        []topology.Consumer
}

// Topology returns a snapshot of the channel's recorded entities, with current names.
func (channel *Channel) Topology() ChannelTopology {
	channel.lock.Lock()
	defer channel.lock.Unlock()

	return ChannelTopology{
		Exchanges:        channel.registry.Exchanges(),
		Queues:           channel.registry.Queues(),
		Bindings:         channel.registry.Bindings(),
		ExchangeBindings: channel.registry.ExchangeBindings(),
		Consumers:        channel.registry.Consumers(),
	}
}

// isForeignQueueLocked returns true if name is declared on another channel and not on
// this one.
func (channel *Channel) isForeignQueueLocked(name string) bool {
	if _, ok := channel.registry.LookupQueue(name); ok {
		return false
	}
	return channel.conn.owners.queueOwnedElsewhere(name, channel.uid)
}

// isForeignExchangeLocked returns true if name is declared on another channel and not
// on this one.
func (channel *Channel) isForeignExchangeLocked(name string) bool {
	if topology.IsPredefinedExchange(name) || channel.registry.HasExchange(name) {
		return false
	}
	return channel.conn.owners.exchangeOwnedElsewhere(name, channel.uid)
}

func (channel *Channel) warnCrossChannel(operation string, entity string) {
	channel.logger.Warn().
		Str("OPERATION", operation).
		Str("ENTITY", entity).
		Msg("entity was declared on another channel, recovery of this channel will fail")
}
