package amqp_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/peake100/rogerRecover-go/amqp"
	"github.com/peake100/rogerRecover-go/amqp/topology"
	"github.com/peake100/rogerRecover-go/amqp/transport"
	"github.com/peake100/rogerRecover-go/amqptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

func callOps(calls []amqptest.Call) []amqptest.Op {
	ops := make([]amqptest.Op, len(calls))
	for i, call := range calls {
		ops[i] = call.Op
	}
	return ops
}

func recoveryEvents(events <-chan amqp.RecoveryEvent) []amqp.RecoveryEvent {
	var received []amqp.RecoveryEvent
	for len(events) > 0 {
		received = append(received, <-events)
	}
	return received
}

func findRecoveryEvent(
	events []amqp.RecoveryEvent, kind amqp.RecoveryEventKind,
) (amqp.RecoveryEvent, bool) {
	for _, event := range events {
		if event.Kind == kind {
			return event, true
		}
	}
	return amqp.RecoveryEvent{}, false
}

// Suite for topology replay.
type TopologyRecoverySuite struct {
	amqptest.RecoverySuite
}

func (suite *TopologyRecoverySuite) Test0010_ReplayOrder() {
	channel := suite.Channel()

	suite.DeclareExchange(channel, "order-source", "direct")
	suite.DeclareExchange(channel, "order-destination", "fanout")
	suite.DeclareQueue(channel, "order-queue", false)
	suite.BindQueue(channel, "order-queue", "order-key", "order-source")

	err := channel.ExchangeBind(
		"order-destination", "order-key", "order-source", false, nil,
	)
	if !suite.NoError(err, "bind exchanges") {
		suite.T().FailNow()
	}

	_, deliveries := suite.ConsumeInto(channel, "order-queue", "order-consumer")

	tester := suite.Tester()
	cycle := tester.Cycle()
	suite.Broker().Restart()
	suite.Equal(amqp.StateStable, tester.AwaitCycle(suite.Ctx(), cycle+1), "recovered")

	calls := suite.Broker().CallsOn(suite.Broker().LastConnection())
	suite.Equal(
		[]amqptest.Op{
			amqptest.OpExchangeDeclare,
			amqptest.OpExchangeDeclare,
			amqptest.OpQueueDeclare,
			amqptest.OpQueueBind,
			amqptest.OpExchangeBind,
			amqptest.OpConsume,
		},
		callOps(calls),
		"exchanges, then queues, then bindings, then consumers",
	)
	if len(calls) == 6 {
		suite.Equal("order-source", calls[0].Name, "declaration order kept")
		suite.Equal("order-destination", calls[1].Name, "declaration order kept")
	}
	for _, call := range calls {
		suite.NoErrorf(call.Err, "%v succeeded", call.Op)
	}

	suite.True(suite.Broker().HasExchange("order-source"), "source exchange")
	suite.True(suite.Broker().HasBinding("order-queue", "order-source", "order-key"))
	suite.True(
		suite.Broker().HasExchangeBinding(
			"order-destination", "order-source", "order-key",
		),
	)
	suite.Equal([]string{"order-consumer"}, suite.Broker().ConsumerTags("order-queue"))

	routed := suite.Broker().Publish(
		"order-source", "order-key", amqp.Publishing{Body: []byte("after recovery")},
	)
	suite.Equal(1, routed, "message routed")

	delivery := suite.AwaitDelivery(deliveries)
	suite.Equal("after recovery", string(delivery.Body), "handler re-attached")
	suite.Equal("order-consumer", delivery.ConsumerTag, "client tag reused")
}

func (suite *TopologyRecoverySuite) Test0020_IdempotentReplay() {
	channel := suite.Channel()

	err := channel.ExchangeDeclare("durable-exchange", "topic", true, false, false, false, nil)
	if !suite.NoError(err, "declare exchange") {
		suite.T().FailNow()
	}
	_, err = channel.QueueDeclare(
		"durable-queue", true, false, false, false, amqp.Table{"x-max-length": 10},
	)
	if !suite.NoError(err, "declare queue") {
		suite.T().FailNow()
	}
	suite.BindQueue(channel, "durable-queue", "durable.#", "durable-exchange")

	for i := 0; i < 3; i++ {
		suite.Equalf(amqp.StateStable, suite.DropAndRecover(), "recovered %v", i)

		calls := suite.Broker().CallsOn(suite.Broker().LastConnection())
		suite.Equal(
			[]amqptest.Op{
				amqptest.OpExchangeDeclare,
				amqptest.OpQueueDeclare,
				amqptest.OpQueueBind,
			},
			callOps(calls),
			"replay calls",
		)
		for _, call := range calls {
			suite.NoErrorf(call.Err, "%v accepted by existing entity", call.Op)
		}
	}

	suite.Equal([]string{"durable-queue"}, suite.Broker().QueueNames(), "one queue")
	suite.Len(channel.Topology().Bindings, 1, "binding recorded once")
}

func (suite *TopologyRecoverySuite) Test0030_ServerNamedQueueRenamed() {
	channel := suite.Channel()
	events := suite.Conn().NotifyRecovery(make(chan amqp.RecoveryEvent, 16))

	queue := suite.DeclareQueue(channel, "", true)
	suite.Equal("amq.gen-1", queue.Name, "server-assigned name")
	suite.BindQueue(channel, queue.Name, "renamed-key", "amq.direct")
	tag, _ := suite.ConsumeInto(channel, queue.Name, "")
	suite.Equal("amq.ctag-1", tag, "server-assigned tag")

	suite.Equal(amqp.StateStable, suite.DropAndRecover(), "recovered")

	const newName = "amq.gen-2"
	suite.Equal(newName, channel.QueueName(queue.Name), "old name resolves")
	suite.Equal(newName, channel.QueueName(newName), "new name resolves")

	_, oldExists := suite.Broker().Queue(queue.Name)
	suite.False(oldExists, "exclusive queue went with its connection")
	suite.True(
		suite.Broker().HasBinding(newName, "amq.direct", "renamed-key"),
		"binding uses new name",
	)
	suite.Equal(
		[]string{"amq.ctag-2"}, suite.Broker().ConsumerTags(newName), "consumer moved",
	)

	recorded := channel.Topology()
	if suite.Len(recorded.Queues, 1) {
		suite.Equal(newName, recorded.Queues[0].Name)
		suite.True(recorded.Queues[0].ServerNamed)
	}
	if suite.Len(recorded.Bindings, 1) {
		suite.Equal(newName, recorded.Bindings[0].QueueName)
	}
	if suite.Len(recorded.Consumers, 1) {
		suite.Equal(newName, recorded.Consumers[0].QueueName)
		suite.Equal("amq.ctag-2", recorded.Consumers[0].Tag)
	}

	received := recoveryEvents(events)
	renamed, ok := findRecoveryEvent(received, amqp.QueueRenamed)
	if suite.True(ok, "rename event sent") {
		suite.Equal(queue.Name, renamed.OldName)
		suite.Equal(newName, renamed.NewName)
	}
	retagged, ok := findRecoveryEvent(received, amqp.ConsumerRetagged)
	if suite.True(ok, "retag event sent") {
		suite.Equal("amq.ctag-1", retagged.OldName)
		suite.Equal("amq.ctag-2", retagged.NewName)
	}
	_, ok = findRecoveryEvent(received, amqp.ConnectionRecovered)
	suite.True(ok, "connection recovered event sent")

	// Old names keep working for later operations.
	suite.BindQueue(channel, queue.Name, "later-key", "amq.direct")
	suite.True(suite.Broker().HasBinding(newName, "amq.direct", "later-key"))

	suite.NoError(channel.Cancel(tag), "cancel with original tag")
	suite.Empty(suite.Broker().ConsumerTags(newName), "consumer cancelled")
	suite.Empty(channel.Topology().Consumers, "consumer forgotten")
}

func (suite *TopologyRecoverySuite) Test0040_CrossChannelReferenceDegrades() {
	owner := suite.Channel()
	borrower := suite.Channel()
	events := suite.Conn().NotifyRecovery(make(chan amqp.RecoveryEvent, 16))

	queue := suite.DeclareQueue(owner, "", false)
	suite.ConsumeInto(borrower, queue.Name, "borrowed")
	errs := borrower.NotifyError(make(chan *amqp.Error, 1))

	suite.Equal(amqp.StateDegraded, suite.DropAndRecover(), "degraded")
	suite.Equal(amqp.ChannelStable, owner.State(), "owner recovered")
	suite.Equal(amqp.ChannelFailed, borrower.State(), "borrower failed")

	suite.Equal("amq.gen-2", owner.QueueName(queue.Name), "owner sees rename")
	suite.Equal(queue.Name, borrower.QueueName(queue.Name), "borrower keeps stale name")

	_, open := <-errs
	suite.False(open, "no broker error for a cross-channel failure")

	_, err := borrower.QueueDeclare("after-failure", false, false, false, false, nil)
	suite.ErrorIs(err, amqp.ErrChannelFailed, "failed channel unusable")
	suite.ErrorIs(err, amqp.ErrCrossChannelReference, "failure reason kept")

	_, err = owner.QueueDeclare("owner-still-works", false, false, false, false, nil)
	suite.NoError(err, "owner usable")

	received := recoveryEvents(events)
	failedEvent, ok := findRecoveryEvent(received, amqp.ChannelRecoveryFailed)
	if suite.True(ok, "channel failure event sent") {
		suite.ErrorIs(failedEvent.Err, amqp.ErrCrossChannelReference)

		var replayErr *amqp.ReplayError
		if suite.True(errors.As(failedEvent.Err, &replayErr), "replay error") {
			suite.Equal(amqp.StepConsumers, replayErr.Step, "failed on consumers")
		}
	}
	cycleFailed, ok := findRecoveryEvent(received, amqp.RecoveryFailed)
	if suite.True(ok, "recovery failed event sent") {
		suite.Equal(1, cycleFailed.Failed, "one channel failed")
	}
}

func (suite *TopologyRecoverySuite) Test0050_IndependentChannelFailure() {
	healthy := suite.Channel()
	doomed := suite.Channel()

	suite.DeclareQueue(healthy, "healthy-queue", false)
	suite.DeclareQueue(doomed, "doomed-queue", false)
	errs := doomed.NotifyError(make(chan *amqp.Error, 1))

	suite.Broker().RejectNext(
		amqptest.OpQueueDeclare, "doomed-queue", transport.PreconditionFailed,
	)

	suite.Equal(amqp.StateDegraded, suite.DropAndRecover(), "degraded")
	suite.Equal(amqp.ChannelStable, healthy.State(), "healthy channel recovered")
	suite.Equal(amqp.ChannelFailed, doomed.State(), "doomed channel failed")

	brokerErr, open := <-errs
	if suite.True(open, "broker error sent") {
		suite.Equal(transport.PreconditionFailed, brokerErr.Code)
		suite.Equal("doomed-queue", brokerErr.Entity)
		suite.True(brokerErr.IsSoft(), "channel-level error")
	}

	_, err := healthy.QueueDeclare("healthy-after", false, false, false, false, nil)
	suite.NoError(err, "healthy channel usable")
	suite.Len(suite.Conn().Channels(), 1, "failed channel discarded")

	// The next cycle only has the healthy channel to recover.
	suite.Equal(amqp.StateStable, suite.DropAndRecover(), "stable again")
}

func (suite *TopologyRecoverySuite) Test0060_SettingsReapplied() {
	channel := suite.Channel()

	suite.NoError(channel.Qos(10, 0, false), "qos")
	suite.NoError(channel.Confirm(false), "confirm")
	suite.DeclareQueue(channel, "settings-queue", false)

	suite.Equal(amqp.StateStable, suite.DropAndRecover(), "recovered")
	suite.Equal(
		[]amqptest.Op{amqptest.OpQos, amqptest.OpConfirm, amqptest.OpQueueDeclare},
		callOps(suite.Broker().CallsOn(suite.Broker().LastConnection())),
		"settings applied before topology",
	)
}

func (suite *TopologyRecoverySuite) Test0070_AutoDeleteQueueForgotten() {
	channel := suite.Channel()

	_, err := channel.QueueDeclare("auto-queue", false, true, false, false, nil)
	if !suite.NoError(err, "declare queue") {
		suite.T().FailNow()
	}
	tag, _ := suite.ConsumeInto(channel, "auto-queue", "auto-consumer")
	suite.NoError(channel.Cancel(tag), "cancel")

	_, exists := suite.Broker().Queue("auto-queue")
	suite.False(exists, "broker deleted queue")
	suite.Empty(channel.Topology().Queues, "queue forgotten")

	suite.Equal(amqp.StateStable, suite.DropAndRecover(), "recovered")
	suite.Empty(
		suite.Broker().CallsOn(suite.Broker().LastConnection()), "nothing replayed",
	)
}

func (suite *TopologyRecoverySuite) Test0080_DeletedEntitiesNotReplayed() {
	channel := suite.Channel()

	suite.DeclareExchange(channel, "deleted-exchange", "direct")
	suite.DeclareQueue(channel, "deleted-queue", false)
	suite.DeclareQueue(channel, "kept-queue", false)
	suite.BindQueue(channel, "kept-queue", "key", "deleted-exchange")

	_, err := channel.QueueDelete("deleted-queue", false, false, false)
	suite.NoError(err, "delete queue")
	suite.NoError(channel.ExchangeDelete("deleted-exchange", false, false), "delete exchange")

	suite.Equal(amqp.StateStable, suite.DropAndRecover(), "recovered")

	calls := suite.Broker().CallsOn(suite.Broker().LastConnection())
	if suite.Len(calls, 1, "only kept queue replayed") {
		suite.Equal(amqptest.OpQueueDeclare, calls[0].Op)
		suite.Equal("kept-queue", calls[0].Name)
	}
}

func (suite *TopologyRecoverySuite) Test0090_SoftErrorDiscardsOnlyItsChannel() {
	good := suite.Channel()
	bad := suite.Channel()
	errs := bad.NotifyError(make(chan *amqp.Error, 1))

	_, err := bad.QueueDeclare("amq.reserved", false, false, false, false, nil)
	var brokerErr *amqp.Error
	if suite.True(errors.As(err, &brokerErr), "broker error returned") {
		suite.Equal(transport.AccessRefused, brokerErr.Code)
	}

	sent, open := <-errs
	if suite.True(open, "error sent to subscriber") {
		suite.Equal(transport.AccessRefused, sent.Code)
	}

	suite.Equal(amqp.ChannelClosed, bad.State(), "bad channel closed")
	_, err = bad.QueueDeclare("after", false, false, false, false, nil)
	suite.ErrorIs(err, amqp.ErrChannelClosed, "closed channel unusable")

	_, err = good.QueueDeclare("good-queue", false, false, false, false, nil)
	suite.NoError(err, "other channel unaffected")
	suite.Equal(amqp.StateIdle, suite.Conn().RecoveryState(), "no recovery cycle")
}

func (suite *TopologyRecoverySuite) Test0100_AsyncChannelError() {
	channel := suite.Channel()
	errs := channel.NotifyError(make(chan *amqp.Error, 1))

	err := channel.Publish("missing-exchange", "key", false, false, amqp.Publishing{})
	suite.NoError(err, "publish returns before the broker answers")

	select {
	case brokerErr, open := <-errs:
		if suite.True(open, "error sent") {
			suite.Equal(transport.NotFound, brokerErr.Code)
		}
	case <-suite.Ctx().Done():
		suite.T().Error("timed out waiting for channel error")
		suite.T().FailNow()
	}

	suite.Equal(amqp.ChannelClosed, channel.State(), "channel discarded")
}

func (suite *TopologyRecoverySuite) Test0110_UnreadErrorReceiverReleasedOnClose() {
	healthy := suite.Channel()
	doomed := suite.Channel()

	suite.DeclareQueue(healthy, "healthy-queue", false)
	suite.DeclareQueue(doomed, "doomed-queue", false)
	// Never read.
	errs := doomed.NotifyError(make(chan *amqp.Error))

	suite.Broker().RejectNext(
		amqptest.OpQueueDeclare, "doomed-queue", transport.PreconditionFailed,
	)
	suite.Broker().DropConnections()

	rejected := func() bool {
		for _, call := range suite.Broker().Calls() {
			if call.Op == amqptest.OpQueueDeclare &&
				call.Name == "doomed-queue" &&
				call.Err != nil {
				return true
			}
		}
		return false
	}
	if !suite.Eventually(
		rejected, amqptest.TestTimeout, amqptest.TestRecoveryInterval, "replay rejected",
	) {
		suite.T().FailNow()
	}

	closed := make(chan error, 1)
	go func() {
		closed <- suite.Conn().Close()
	}()

	select {
	case err := <-closed:
		suite.NoError(err, "close connection")
	case <-suite.Ctx().Done():
		suite.T().Error("close blocked on an unread error receiver")
		suite.T().FailNow()
	}

	suite.Equal(amqp.StateClosed, suite.Conn().RecoveryState(), "connection closed")
	suite.NotEqual(amqp.ChannelStable, doomed.State(), "doomed channel not recovered")

	_, open := <-errs
	suite.False(open, "error receiver closed")
}

func TestTopologyRecovery(t *testing.T) {
	suite.Run(t, new(TopologyRecoverySuite))
}

func TestTopologyRecovery_Disabled(t *testing.T) {
	assert := assert.New(t)

	broker := amqptest.NewBroker()
	config := amqptest.TestConfig()
	config.DisableTopologyRecovery = true
	conn := amqptest.GetTestConnectionConfig(t, broker, config)

	channel, err := conn.Channel()
	if !assert.NoError(err, "open channel") {
		t.FailNow()
	}
	if !assert.NoError(channel.Qos(5, 0, false), "qos") {
		t.FailNow()
	}
	_, err = channel.QueueDeclare("unrecovered", false, false, false, false, nil)
	if !assert.NoError(err, "declare queue") {
		t.FailNow()
	}

	broker.DropConnections()
	assert.Equal(amqp.StateStable, conn.Test(t).AwaitCycle(testCtx(t), 1), "recovered")

	assert.Equal(amqp.ChannelStable, channel.State(), "channel reopened")
	assert.Equal(
		[]amqptest.Op{amqptest.OpQos},
		callOps(broker.CallsOn(broker.LastConnection())),
		"only settings re-applied",
	)
	assert.Empty(channel.Topology().Queues, "registry emptied")

	_, err = channel.QueueDeclare("redeclared", false, false, false, false, nil)
	assert.NoError(err, "channel usable")
}

func TestTopologyRecovery_Filter(t *testing.T) {
	assert := assert.New(t)

	broker := amqptest.NewBroker()
	config := amqptest.TestConfig()
	config.TopologyFilter.Queues = func(queue topology.Queue) bool {
		return !strings.HasPrefix(queue.Name, "temporary-")
	}
	conn := amqptest.GetTestConnectionConfig(t, broker, config)

	channel, err := conn.Channel()
	if !assert.NoError(err, "open channel") {
		t.FailNow()
	}

	for _, name := range []string{"kept", "temporary-1"} {
		_, err = channel.QueueDeclare(name, false, false, false, false, nil)
		if !assert.NoErrorf(err, "declare %v", name) {
			t.FailNow()
		}
		err = channel.QueueBind(name, name, "amq.direct", false, nil)
		if !assert.NoErrorf(err, "bind %v", name) {
			t.FailNow()
		}
	}

	broker.DropConnections()
	assert.Equal(amqp.StateStable, conn.Test(t).AwaitCycle(testCtx(t), 1), "recovered")

	calls := broker.CallsOn(broker.LastConnection())
	assert.Equal(
		[]amqptest.Op{amqptest.OpQueueDeclare, amqptest.OpQueueBind},
		callOps(calls),
		"filtered queue and its binding skipped",
	)
	for _, call := range calls {
		assert.Equal("kept", call.Name)
	}
	assert.Len(channel.Topology().Queues, 2, "filtered queue still recorded")
}
