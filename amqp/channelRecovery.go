package amqp

import (
	"context"
	"errors"
	"time"

	"github.com/peake100/rogerRecover-go/amqp/topology"
	"github.com/peake100/rogerRecover-go/amqp/transport"
	"github.com/rs/zerolog"
)

// RecoveredChannel describes a successful channel replay.
type RecoveredChannel struct {
	ChannelID         uint16
	PreviousChannelID uint16

	Exchanges        int
	Queues           int
	Bindings         int
	ExchangeBindings int
	Consumers        int

	// RenamedQueues maps the pre-recovery name of every server-named queue to its
	// new name.
	RenamedQueues map[string]string
}

// channelRecoverer replays one channel's registry against a new session. It runs with
// the channel's critical section held.
type channelRecoverer struct {
	ctx     context.Context
	channel *Channel
	session *session
	cycle   uint64
	filter  TopologyFilter

	// step is the stage currently running.
	step ReplayStep

	// skippedQueues and skippedExchanges hold records excluded by the filter. Their
	// bindings and consumers are skipped as well.
	skippedQueues    map[topology.QueueRef]bool
	skippedExchanges map[string]bool

	result RecoveredChannel
	logger zerolog.Logger
}

// recoverTopology reopens the channel on session and replays its topology. Failures
// caused by the channel's own topology mark it failed. Connection-level failures leave
// it recovering for the next cycle.
func (channel *Channel) recoverTopology(
	ctx context.Context, session *session, cycle uint64,
) (RecoveredChannel, error) {
	channel.lock.Lock()
	defer channel.lock.Unlock()

	// Closed while waiting for the connection.
	if channel.state == ChannelClosed || channel.state == ChannelFailed {
		return RecoveredChannel{}, nil
	}
	channel.state = ChannelRecovering

	recoverer := &channelRecoverer{
		ctx:              ctx,
		channel:          channel,
		session:          session,
		cycle:            cycle,
		filter:           channel.conn.config.TopologyFilter,
		skippedQueues:    make(map[topology.QueueRef]bool),
		skippedExchanges: make(map[string]bool),
		result: RecoveredChannel{
			PreviousChannelID: channel.id,
			RenamedQueues:     make(map[string]string),
		},
		logger: channel.logger.With().Uint64("RECOVERY_CYCLE", cycle).Logger(),
	}

	err := recoverer.run()
	if err == nil {
		channel.state = ChannelStable
		channel.stateChanged.Broadcast()

		if recoverer.logger.Debug().Enabled() {
			recoverer.logger.Debug().
				Uint16("CHANNEL_ID", channel.id).
				Uint16("PREVIOUS_CHANNEL_ID", recoverer.result.PreviousChannelID).
				Int("EXCHANGES", recoverer.result.Exchanges).
				Int("QUEUES", recoverer.result.Queues).
				Int("BINDINGS", recoverer.result.Bindings+recoverer.result.ExchangeBindings).
				Int("CONSUMERS", recoverer.result.Consumers).
				Msg("channel recovered")
		}
		channel.conn.publishRecovery(RecoveryEvent{
			Kind:              ChannelRecovered,
			ChannelID:         channel.id,
			PreviousChannelID: recoverer.result.PreviousChannelID,
			Cycle:             cycle,
			Time:              time.Now(),
		})
		return recoverer.result, nil
	}

	if ctx.Err() != nil {
		return RecoveredChannel{}, err
	}

	var replayErr *ReplayError
	if errors.As(err, &replayErr) && replayErr.interruptsCycle() {
		recoverer.logger.Warn().
			Err(err).
			Str("STEP", replayErr.Step.String()).
			Msg("channel recovery interrupted by connection loss")
		return RecoveredChannel{}, err
	}

	recoverer.logger.Error().
		Err(err).
		Uint16("CHANNEL_ID", channel.id).
		Msg("channel recovery failed, discarding channel")

	// Broker rejections are channel-level errors and go to the channel's observers
	// like any other.
	var transportErr *Error
	if errors.As(err, &transportErr) {
		for _, receiver := range channel.errorSubscribers {
			deliverChannelError(channel.conn.ctx, receiver, transportErr)
		}
	}
	_ = channel.shutdownLocked(ChannelFailed, err)

	channel.conn.publishRecovery(RecoveryEvent{
		Kind:              ChannelRecoveryFailed,
		ChannelID:         channel.id,
		PreviousChannelID: recoverer.result.PreviousChannelID,
		Err:               err,
		Cycle:             cycle,
		Time:              time.Now(),
	})
	return RecoveredChannel{}, err
}

// run executes every replay step in order.
func (recoverer *channelRecoverer) run() error {
	if err := recoverer.open(); err != nil {
		return err
	}

	channel := recoverer.channel
	if channel.conn.config.DisableTopologyRecovery {
		channel.registry.Reset()
		channel.queueAliases = make(map[string]string)
		channel.consumerAliases = make(map[string]string)
		channel.conn.owners.releaseChannel(channel.uid)
		return nil
	}

	steps := []struct {
		step ReplayStep
		run  func() error
	}{
		{step: StepExchanges, run: recoverer.replayExchanges},
		{step: StepQueues, run: recoverer.replayQueues},
		{step: StepBindings, run: recoverer.replayBindings},
		{step: StepConsumers, run: recoverer.replayConsumers},
	}

	for _, thisStep := range steps {
		recoverer.step = thisStep.step
		if err := recoverer.ctx.Err(); err != nil {
			return recoverer.fail("", err)
		}
		if err := thisStep.run(); err != nil {
			return err
		}
	}

	return nil
}

// fail wraps err in a *ReplayError for the current step. Errors from the transport are
// annotated with where they occurred.
func (recoverer *channelRecoverer) fail(entity string, err error) *ReplayError {
	channel := recoverer.channel

	switch {
	case errors.Is(err, ErrCrossChannelReference),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
	default:
		err = transport.AsError(err).WithOrigin(channel.conn.id, channel.id, entity)
	}

	return &ReplayError{
		ChannelID: channel.id,
		Step:      recoverer.step,
		Entity:    entity,
		Err:       err,
	}
}

// open opens a new underlying channel and re-applies channel settings.
func (recoverer *channelRecoverer) open() error {
	recoverer.step = StepOpen
	channel := recoverer.channel

	transportChannel, err := recoverer.session.transport.Channel()
	if err != nil {
		return recoverer.fail("", err)
	}
	channel.installLocked(recoverer.session, transportChannel)
	recoverer.result.ChannelID = channel.id

	if recoverer.logger.Debug().Enabled() {
		recoverer.logger.Debug().
			Uint16("CHANNEL_ID", channel.id).
			Bool("CONFIRMS", channel.settings.publisherConfirms).
			Bool("QOS", channel.settings.qos != nil).
			Msg("applying channel settings")
	}

	if channel.settings.qos != nil {
		if err := transportChannel.Qos(*channel.settings.qos); err != nil {
			return recoverer.fail("", err)
		}
	}
	if channel.settings.publisherConfirms {
		if err := transportChannel.Confirm(false); err != nil {
			return recoverer.fail("", err)
		}
	}

	return nil
}

func (recoverer *channelRecoverer) replayExchanges() error {
	channel := recoverer.channel

	for _, exchange := range channel.registry.Exchanges() {
		if recoverer.filter.Exchanges != nil && !recoverer.filter.Exchanges(exchange) {
			recoverer.skippedExchanges[exchange.Name] = true
			continue
		}

		if err := channel.transport.ExchangeDeclare(exchange.DeclareArgs()); err != nil {
			return recoverer.fail(exchange.Name, err)
		}
		recoverer.result.Exchanges++
	}

	return nil
}

func (recoverer *channelRecoverer) replayQueues() error {
	channel := recoverer.channel

	for _, queue := range channel.registry.Queues() {
		if recoverer.filter.Queues != nil && !recoverer.filter.Queues(queue) {
			recoverer.skippedQueues[queue.Ref] = true
			continue
		}

		declared, err := channel.transport.QueueDeclare(queue.DeclareArgs())
		if err != nil {
			return recoverer.fail(queue.Name, err)
		}
		recoverer.result.Queues++

		// Bindings and consumers of this queue must see the new name before they are
		// replayed.
		if queue.ServerNamed && declared.Name != "" && declared.Name != queue.Name {
			recoverer.rename(queue.Name, declared.Name)
		}
	}

	return nil
}

// rename propagates a server-assigned queue name through the channel.
func (recoverer *channelRecoverer) rename(oldName string, newName string) {
	channel := recoverer.channel

	rewritten := channel.registry.RenameQueue(oldName, newName)
	aliasLocked(channel.queueAliases, oldName, newName)
	channel.conn.owners.renameQueue(oldName, newName, channel.uid)
	recoverer.result.RenamedQueues[oldName] = newName

	if recoverer.logger.Info().Enabled() {
		recoverer.logger.Info().
			Str("OLD_NAME", oldName).
			Str("NEW_NAME", newName).
			Int("RECORDS", rewritten).
			Msg("server-named queue renamed")
	}

	channel.conn.publishRecovery(RecoveryEvent{
		Kind:      QueueRenamed,
		ChannelID: channel.id,
		OldName:   oldName,
		NewName:   newName,
		Cycle:     recoverer.cycle,
		Time:      time.Now(),
	})
}

// replayBindings re-binds every queue in declaration order, then exchange-to-exchange
// bindings, then bindings of queues declared elsewhere.
func (recoverer *channelRecoverer) replayBindings() error {
	channel := recoverer.channel

	for _, queue := range channel.registry.Queues() {
		if recoverer.skippedQueues[queue.Ref] {
			continue
		}
		for _, binding := range channel.registry.BindingsOf(queue.Ref) {
			if err := recoverer.rebind(binding); err != nil {
				return err
			}
		}
	}

	for _, binding := range channel.registry.ExchangeBindings() {
		if binding.CrossChannel {
			return recoverer.fail(binding.Destination, ErrCrossChannelReference)
		}
		if recoverer.skippedExchanges[binding.Source] ||
			recoverer.skippedExchanges[binding.Destination] {
			continue
		}
		if recoverer.filter.ExchangeBindings != nil &&
			!recoverer.filter.ExchangeBindings(binding) {
			continue
		}

		if err := channel.transport.ExchangeBind(binding.BindArgs()); err != nil {
			return recoverer.fail(binding.Destination, err)
		}
		recoverer.result.ExchangeBindings++
	}

	for _, binding := range channel.registry.BindingsOf(0) {
		if err := recoverer.rebind(binding); err != nil {
			return err
		}
	}

	return nil
}

func (recoverer *channelRecoverer) rebind(binding topology.Binding) error {
	if binding.CrossChannel {
		return recoverer.fail(binding.QueueName, ErrCrossChannelReference)
	}
	if recoverer.skippedExchanges[binding.Exchange] {
		return nil
	}
	if recoverer.filter.Bindings != nil && !recoverer.filter.Bindings(binding) {
		return nil
	}

	if err := recoverer.channel.transport.QueueBind(binding.BindArgs()); err != nil {
		return recoverer.fail(binding.QueueName, err)
	}
	recoverer.result.Bindings++
	return nil
}

// replayConsumers re-registers consumers queue by queue, then consumers of queues
// declared elsewhere.
func (recoverer *channelRecoverer) replayConsumers() error {
	channel := recoverer.channel

	for _, queue := range channel.registry.Queues() {
		if recoverer.skippedQueues[queue.Ref] {
			continue
		}
		for _, consumer := range channel.registry.ConsumersOf(queue.Ref) {
			if err := recoverer.reconsume(consumer); err != nil {
				return err
			}
		}
	}

	for _, consumer := range channel.registry.ConsumersOf(0) {
		if err := recoverer.reconsume(consumer); err != nil {
			return err
		}
	}

	return nil
}

func (recoverer *channelRecoverer) reconsume(consumer topology.Consumer) error {
	channel := recoverer.channel

	if consumer.CrossChannel {
		return recoverer.fail(consumer.QueueName, ErrCrossChannelReference)
	}
	if recoverer.filter.Consumers != nil && !recoverer.filter.Consumers(consumer) {
		return nil
	}

	tag, deliveries, err := channel.transport.Consume(consumer.ConsumeArgs())
	if err != nil {
		return recoverer.fail(consumer.Tag, err)
	}
	recoverer.result.Consumers++

	if tag != consumer.Tag {
		channel.registry.RetagConsumer(consumer.Tag, tag)
		aliasLocked(channel.consumerAliases, consumer.Tag, tag)

		if recoverer.logger.Debug().Enabled() {
			recoverer.logger.Debug().
				Str("OLD_TAG", consumer.Tag).
				Str("NEW_TAG", tag).
				Msg("consumer re-tagged")
		}
		channel.conn.publishRecovery(RecoveryEvent{
			Kind:      ConsumerRetagged,
			ChannelID: channel.id,
			OldName:   consumer.Tag,
			NewName:   tag,
			Cycle:     recoverer.cycle,
			Time:      time.Now(),
		})
	}

	channel.startRelayLocked(tag, deliveries, consumer.Handler)
	return nil
}
