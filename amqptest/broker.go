package amqptest

import (
	"context"
	"errors"
	"sync"

	"github.com/peake100/rogerRecover-go/amqp/topology"
	"github.com/peake100/rogerRecover-go/amqp/transport"
)

// BrokerEndpoint is the endpoint reported by every Broker.
const BrokerEndpoint = "amqp://guest@amqptest:5672/"

// errConnectionRefused is wrapped in the *transport.DialError of a failed dial.
var errConnectionRefused = errors.New("dial tcp: connection refused")

// Op names a channel method in the call log.
type Op string

// Channel methods recorded by the broker.
const (
	OpQos             Op = "Qos"
	OpConfirm         Op = "Confirm"
	OpExchangeDeclare Op = "ExchangeDeclare"
	OpExchangeDelete  Op = "ExchangeDelete"
	OpExchangeBind    Op = "ExchangeBind"
	OpExchangeUnbind  Op = "ExchangeUnbind"
	OpQueueDeclare    Op = "QueueDeclare"
	OpQueueDelete     Op = "QueueDelete"
	OpQueueBind       Op = "QueueBind"
	OpQueueUnbind     Op = "QueueUnbind"
	OpConsume         Op = "Consume"
	OpCancel          Op = "Cancel"
	OpPublish         Op = "Publish"
)

// Call is one channel method received by the broker.
type Call struct {
	Op Op
	// Name is the entity the method was called with: the exchange for exchange
	// methods, the destination for exchange bindings, the requested queue name for
	// queue methods and the consumer tag for Cancel.
	Name string
	// Target is the second entity of the method: the declared name for QueueDeclare,
	// the exchange for queue bindings, the source for exchange bindings, the tag for
	// Consume and the routing key for Publish.
	Target string

	// Connection is the number of the connection, starting at 1 for the first
	// successful dial.
	Connection uint64
	Channel    uint16

	// Err is the error the broker answered with, if any.
	Err error
}

type rejection struct {
	op   Op
	name string
	code int
}

type notification struct {
	receiver chan *transport.Error
	err      *transport.Error
}

type exchangeState struct {
	args       transport.ArgsExchangeDeclare
	predefined bool
}

type message struct {
	exchange string
	key      string
	msg      transport.Publishing
}

type queueState struct {
	args transport.ArgsQueueDeclare
	// owner is the connection number holding an exclusive queue.
	owner     uint64
	consumers []*consumerState
	messages  []message
	// next is the round-robin position among consumers.
	next int
}

type consumerState struct {
	tag        string
	queue      string
	exclusive  bool
	channel    *brokerChannel
	deliveries chan transport.Delivery
}

type bindingState struct {
	queue    string
	exchange string
	key      string
	args     transport.Table
}

type exchangeBindingState struct {
	destination string
	source      string
	key         string
	args        transport.Table
}

/*
Broker is an in-memory AMQP 0.9.1 broker for tests. It implements transport.Dialer, so
a robust connection can be opened against it with amqp.Open.

Entities follow broker rules closely enough to exercise recovery: re-declaring with
different properties fails with 406, missing entities fail with 404, exclusive queues
belong to their connection and are deleted with it, and auto-delete queues and exchanges
go away with their last consumer or binding. Every failure closes the channel it
occurred on, and hard errors close the whole connection.

Tests drive failures with DropConnections, Restart, FailDials, SetUnreachable and
RejectNext, and inspect what the client did through Calls.
*/
type Broker struct {
	lock sync.Mutex

	exchanges        map[string]*exchangeState
	queues           map[string]*queueState
	bindings         []bindingState
	exchangeBindings []exchangeBindingState

	connections     map[uint64]*brokerConnection
	dials           int
	lastConnection  uint64
	lastQueueName   uint64
	lastConsumerTag uint64
	lastDeliveryTag uint64

	failDials   int
	unreachable bool
	rejections  []rejection
	calls       []Call

	// pending holds close notifications to deliver once the lock is released.
	pending []notification
}

// NewBroker returns an empty broker holding only the predefined exchanges.
func NewBroker() *Broker {
	broker := &Broker{
		exchanges:   make(map[string]*exchangeState),
		queues:      make(map[string]*queueState),
		connections: make(map[uint64]*brokerConnection),
	}
	broker.declarePredefinedLocked()
	return broker
}

func (broker *Broker) declarePredefinedLocked() {
	predefined := map[string]string{
		"":            "direct",
		"amq.direct":  "direct",
		"amq.fanout":  "fanout",
		"amq.topic":   "topic",
		"amq.headers": "headers",
		"amq.match":   "headers",
	}
	for name, kind := range predefined {
		broker.exchanges[name] = &exchangeState{
			args: transport.ArgsExchangeDeclare{
				Name:    name,
				Kind:    kind,
				Durable: true,
			},
			predefined: true,
		}
	}
}

// do runs operation with the broker locked, then delivers any close notifications it
// queued.
func (broker *Broker) do(operation func() error) error {
	broker.lock.Lock()
	err := operation()
	pending := broker.pending
	broker.pending = nil
	broker.lock.Unlock()

	for _, note := range pending {
		if note.err != nil {
			// Receivers are expected to be buffered.
			select {
			case note.receiver <- note.err:
			default:
			}
		}
		close(note.receiver)
	}

	return err
}

func (broker *Broker) notifyLocked(receivers []chan *transport.Error, err *transport.Error) {
	for _, receiver := range receivers {
		broker.pending = append(broker.pending, notification{
			receiver: receiver,
			err:      err,
		})
	}
}

// Dial implements transport.Dialer.
func (broker *Broker) Dial(ctx context.Context) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, &transport.DialError{
			Failure:  transport.DialOther,
			Endpoint: BrokerEndpoint,
			Err:      err,
		}
	}

	broker.lock.Lock()
	defer broker.lock.Unlock()

	broker.dials++
	if broker.unreachable || broker.failDials > 0 {
		if broker.failDials > 0 {
			broker.failDials--
		}
		return nil, &transport.DialError{
			Failure:  transport.DialUnreachable,
			Endpoint: BrokerEndpoint,
			Err:      errConnectionRefused,
		}
	}

	broker.lastConnection++
	conn := &brokerConnection{
		broker:   broker,
		number:   broker.lastConnection,
		channels: make(map[uint16]*brokerChannel),
	}
	broker.connections[conn.number] = conn
	return conn, nil
}

// Endpoint implements transport.Dialer.
func (broker *Broker) Endpoint() string {
	return BrokerEndpoint
}

// FailDials makes the next count dials fail as if the broker refused the connection.
func (broker *Broker) FailDials(count int) {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	broker.failDials = count
}

// SetUnreachable makes every dial fail until it is called again with false.
func (broker *Broker) SetUnreachable(unreachable bool) {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	broker.unreachable = unreachable
}

// RejectNext makes the next call of op on name fail with code. Soft codes close the
// channel, hard codes close the connection. Name is matched against Call.Name.
func (broker *Broker) RejectNext(op Op, name string, code int) {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	broker.rejections = append(broker.rejections, rejection{
		op:   op,
		name: name,
		code: code,
	})
}

func (broker *Broker) takeRejectionLocked(op Op, name string) *transport.Error {
	for i, rejected := range broker.rejections {
		if rejected.op != op || rejected.name != name {
			continue
		}
		broker.rejections = append(broker.rejections[:i], broker.rejections[i+1:]...)
		return transport.NewError(
			rejected.code, "rejected by test broker", transport.InitiatorBroker,
		)
	}
	return nil
}

// DropConnections force-closes every open connection with CONNECTION_FORCED, the
// same as a broker shutting down. Entities survive except for exclusive queues and
// auto-delete queues that lose their consumers. The number of dropped connections is
// returned.
func (broker *Broker) DropConnections() int {
	dropped := 0
	_ = broker.do(func() error {
		dropped = broker.dropConnectionsLocked()
		return nil
	})
	return dropped
}

func (broker *Broker) dropConnectionsLocked() int {
	closeErr := transport.NewError(
		transport.ConnectionForced,
		"CONNECTION_FORCED - broker forced connection closure with reason 'shutdown'",
		transport.InitiatorBroker,
	)

	dropped := 0
	for _, conn := range broker.connections {
		conn.shutdownLocked(closeErr)
		dropped++
	}
	return dropped
}

// Restart drops every connection and deletes everything that is not durable, the
// way a broker restart does.
func (broker *Broker) Restart() {
	_ = broker.do(func() error {
		broker.dropConnectionsLocked()

		for name, queue := range broker.queues {
			if !queue.args.Durable {
				broker.deleteQueueLocked(name)
			}
		}
		for name, exchange := range broker.exchanges {
			if !exchange.predefined && !exchange.args.Durable {
				broker.deleteExchangeLocked(name)
			}
		}
		return nil
	})
}

// Dials returns the number of dial attempts made so far, including failed ones.
func (broker *Broker) Dials() int {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return broker.dials
}

// OpenConnections returns the number of connections currently open.
func (broker *Broker) OpenConnections() int {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return len(broker.connections)
}

// LastConnection returns the number of the most recently opened connection.
func (broker *Broker) LastConnection() uint64 {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return broker.lastConnection
}

// Calls returns every channel method received so far, in order.
func (broker *Broker) Calls() []Call {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	calls := make([]Call, len(broker.calls))
	copy(calls, broker.calls)
	return calls
}

// CallsOn returns the channel methods received on connection.
func (broker *Broker) CallsOn(connection uint64) []Call {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	var calls []Call
	for _, call := range broker.calls {
		if call.Connection == connection {
			calls = append(calls, call)
		}
	}
	return calls
}

// ResetCalls clears the call log.
func (broker *Broker) ResetCalls() {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	broker.calls = nil
}

// Queue returns the broker's view of a queue.
func (broker *Broker) Queue(name string) (transport.Queue, bool) {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	queue, ok := broker.queues[name]
	if !ok {
		return transport.Queue{}, false
	}
	return transport.Queue{
		Name:      name,
		Messages:  len(queue.messages),
		Consumers: len(queue.consumers),
	}, true
}

// QueueNames returns the names of every queue.
func (broker *Broker) QueueNames() []string {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	names := make([]string, 0, len(broker.queues))
	for name := range broker.queues {
		names = append(names, name)
	}
	return names
}

// HasExchange returns true if the exchange exists.
func (broker *Broker) HasExchange(name string) bool {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	_, ok := broker.exchanges[name]
	return ok
}

// HasBinding returns true if queue is bound to exchange with key.
func (broker *Broker) HasBinding(queue string, exchange string, key string) bool {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	for _, binding := range broker.bindings {
		if binding.queue == queue && binding.exchange == exchange && binding.key == key {
			return true
		}
	}
	return false
}

// HasExchangeBinding returns true if destination is bound to source with key.
func (broker *Broker) HasExchangeBinding(destination string, source string, key string) bool {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	for _, binding := range broker.exchangeBindings {
		if binding.destination == destination &&
			binding.source == source &&
			binding.key == key {
			return true
		}
	}
	return false
}

// ConsumerTags returns the tags of the consumers attached to queue.
func (broker *Broker) ConsumerTags(queue string) []string {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	state, ok := broker.queues[queue]
	if !ok {
		return nil
	}

	tags := make([]string, len(state.consumers))
	for i, consumer := range state.consumers {
		tags[i] = consumer.tag
	}
	return tags
}

// DeclareQueue declares a queue from outside any client connection, as another
// application sharing the broker would. The queue is never exclusive.
func (broker *Broker) DeclareQueue(args transport.ArgsQueueDeclare) {
	broker.lock.Lock()
	defer broker.lock.Unlock()

	args.Exclusive = false
	args.Args = args.Args.Copy()
	broker.queues[args.Name] = &queueState{args: args}
}

// DeleteQueue deletes a queue from outside any client connection. Consumers of the
// queue have their delivery streams closed.
func (broker *Broker) DeleteQueue(name string) bool {
	deleted := false
	_ = broker.do(func() error {
		if _, ok := broker.queues[name]; ok {
			broker.deleteQueueLocked(name)
			deleted = true
		}
		return nil
	})
	return deleted
}

// Publish routes a message through exchange as an outside publisher would, returning
// the number of queues it reached.
func (broker *Broker) Publish(exchange string, key string, msg transport.Publishing) int {
	routed := 0
	_ = broker.do(func() error {
		routed = broker.routeLocked(exchange, key, msg)
		return nil
	})
	return routed
}

// deleteQueueLocked removes a queue, its bindings and its consumers.
func (broker *Broker) deleteQueueLocked(name string) int {
	queue, ok := broker.queues[name]
	if !ok {
		return 0
	}
	delete(broker.queues, name)

	for _, consumer := range queue.consumers {
		delete(consumer.channel.consumers, consumer.tag)
		close(consumer.deliveries)
	}
	queue.consumers = nil

	var sources []string
	kept := broker.bindings[:0]
	for _, binding := range broker.bindings {
		if binding.queue == name {
			sources = append(sources, binding.exchange)
			continue
		}
		kept = append(kept, binding)
	}
	broker.bindings = kept

	for _, source := range sources {
		broker.collectExchangeLocked(source)
	}
	return len(queue.messages)
}

// deleteExchangeLocked removes an exchange and every binding it takes part in.
func (broker *Broker) deleteExchangeLocked(name string) {
	delete(broker.exchanges, name)

	keptBindings := broker.bindings[:0]
	for _, binding := range broker.bindings {
		if binding.exchange != name {
			keptBindings = append(keptBindings, binding)
		}
	}
	broker.bindings = keptBindings

	var sources []string
	keptExchangeBindings := broker.exchangeBindings[:0]
	for _, binding := range broker.exchangeBindings {
		if binding.source == name {
			continue
		}
		if binding.destination == name {
			sources = append(sources, binding.source)
			continue
		}
		keptExchangeBindings = append(keptExchangeBindings, binding)
	}
	broker.exchangeBindings = keptExchangeBindings

	for _, source := range sources {
		broker.collectExchangeLocked(source)
	}
}

// collectExchangeLocked deletes an auto-delete exchange once nothing is bound to it.
func (broker *Broker) collectExchangeLocked(name string) {
	exchange, ok := broker.exchanges[name]
	if !ok || exchange.predefined || !exchange.args.AutoDelete {
		return
	}
	if broker.exchangeInUseLocked(name) {
		return
	}
	broker.deleteExchangeLocked(name)
}

func (broker *Broker) exchangeInUseLocked(name string) bool {
	for _, binding := range broker.bindings {
		if binding.exchange == name {
			return true
		}
	}
	for _, binding := range broker.exchangeBindings {
		if binding.source == name {
			return true
		}
	}
	return false
}

// removeConsumerLocked detaches a consumer and deletes its queue if it was the last
// consumer of an auto-delete queue.
func (broker *Broker) removeConsumerLocked(consumer *consumerState) {
	delete(consumer.channel.consumers, consumer.tag)
	close(consumer.deliveries)

	queue, ok := broker.queues[consumer.queue]
	if !ok {
		return
	}
	for i, existing := range queue.consumers {
		if existing == consumer {
			queue.consumers = append(queue.consumers[:i], queue.consumers[i+1:]...)
			break
		}
	}
	if queue.args.AutoDelete && len(queue.consumers) == 0 {
		broker.deleteQueueLocked(consumer.queue)
	}
}

// predefined reports whether name is reserved for the broker.
func predefined(name string) bool {
	return topology.IsPredefinedExchange(name)
}
