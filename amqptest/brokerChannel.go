package amqptest

import (
	"fmt"

	"github.com/peake100/rogerRecover-go/amqp/transport"
)

// deliveryBuffer is the number of deliveries a consumer can hold before the broker
// keeps messages on the queue.
const deliveryBuffer = 256

// brokerChannel is a channel on a brokerConnection.
type brokerChannel struct {
	conn *brokerConnection
	id   uint16

	closed    bool
	receivers []chan *transport.Error
	consumers map[string]*consumerState

	qos             transport.ArgsQos
	confirm         bool
	lastDeliveryTag uint64
}

func reply(code int, format string, args ...interface{}) *transport.Error {
	return transport.NewError(code, fmt.Sprintf(format, args...), transport.InitiatorBroker)
}

func inequivalent(field string, kind string, name string) *transport.Error {
	return reply(
		transport.PreconditionFailed,
		"PRECONDITION_FAILED - inequivalent arg '%v' for %v '%v' in vhost '/'",
		field,
		kind,
		name,
	)
}

// do runs a channel method with the broker locked and records it in the call log.
// A failed method closes the channel, or the connection for hard errors.
func (channel *brokerChannel) do(
	op Op, name string, operation func(call *Call) *transport.Error,
) error {
	broker := channel.conn.broker
	return broker.do(func() error {
		if channel.closed {
			return transport.ErrClosed
		}

		call := Call{
			Op:         op,
			Name:       name,
			Connection: channel.conn.number,
			Channel:    channel.id,
		}

		failure := broker.takeRejectionLocked(op, name)
		if failure == nil {
			failure = operation(&call)
		}
		if failure == nil {
			broker.calls = append(broker.calls, call)
			return nil
		}

		call.Err = failure
		broker.calls = append(broker.calls, call)
		channel.failLocked(failure)
		return failure
	})
}

func (channel *brokerChannel) failLocked(failure *transport.Error) {
	if failure.IsHard() {
		channel.conn.shutdownLocked(failure)
		return
	}
	channel.shutdownLocked(failure)
}

// lockedQueueLocked fails when queue is exclusive to another connection.
func (channel *brokerChannel) lockedQueueLocked(queue *queueState) *transport.Error {
	if queue.owner == 0 || queue.owner == channel.conn.number {
		return nil
	}
	return reply(
		transport.ResourceLocked,
		"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%v' in vhost '/'",
		queue.args.Name,
	)
}

func noQueue(name string) *transport.Error {
	return reply(transport.NotFound, "NOT_FOUND - no queue '%v' in vhost '/'", name)
}

func noExchange(name string) *transport.Error {
	return reply(transport.NotFound, "NOT_FOUND - no exchange '%v' in vhost '/'", name)
}

// Qos implements transport.Channel.
func (channel *brokerChannel) Qos(args transport.ArgsQos) error {
	return channel.do(OpQos, "", func(*Call) *transport.Error {
		channel.qos = args
		return nil
	})
}

// Confirm implements transport.Channel.
func (channel *brokerChannel) Confirm(bool) error {
	return channel.do(OpConfirm, "", func(*Call) *transport.Error {
		channel.confirm = true
		return nil
	})
}

// ExchangeDeclare implements transport.Channel.
func (channel *brokerChannel) ExchangeDeclare(args transport.ArgsExchangeDeclare) error {
	broker := channel.conn.broker
	return channel.do(OpExchangeDeclare, args.Name, func(*Call) *transport.Error {
		existing, ok := broker.exchanges[args.Name]
		if !ok {
			if predefined(args.Name) {
				return reply(
					transport.AccessRefused,
					"ACCESS_REFUSED - exchange name '%v' contains reserved prefix 'amq.*'",
					args.Name,
				)
			}

			declared := args
			declared.NoWait = false
			declared.Args = args.Args.Copy()
			broker.exchanges[args.Name] = &exchangeState{args: declared}
			return nil
		}

		switch {
		case existing.args.Kind != args.Kind:
			return inequivalent("type", "exchange", args.Name)
		case existing.args.Durable != args.Durable:
			return inequivalent("durable", "exchange", args.Name)
		case existing.args.AutoDelete != args.AutoDelete:
			return inequivalent("auto_delete", "exchange", args.Name)
		case existing.args.Internal != args.Internal:
			return inequivalent("internal", "exchange", args.Name)
		case !existing.predefined && !tablesEqual(existing.args.Args, args.Args):
			return inequivalent("arguments", "exchange", args.Name)
		}
		return nil
	})
}

// ExchangeDelete implements transport.Channel.
func (channel *brokerChannel) ExchangeDelete(args transport.ArgsExchangeDelete) error {
	broker := channel.conn.broker
	return channel.do(OpExchangeDelete, args.Name, func(*Call) *transport.Error {
		exchange, ok := broker.exchanges[args.Name]
		switch {
		case !ok:
			return noExchange(args.Name)
		case exchange.predefined:
			return reply(
				transport.AccessRefused,
				"ACCESS_REFUSED - operation not permitted on exchange '%v'",
				args.Name,
			)
		case args.IfUnused && broker.exchangeInUseLocked(args.Name):
			return reply(
				transport.PreconditionFailed,
				"PRECONDITION_FAILED - exchange '%v' in use",
				args.Name,
			)
		}

		broker.deleteExchangeLocked(args.Name)
		return nil
	})
}

// ExchangeBind implements transport.Channel.
func (channel *brokerChannel) ExchangeBind(args transport.ArgsExchangeBind) error {
	broker := channel.conn.broker
	return channel.do(OpExchangeBind, args.Destination, func(call *Call) *transport.Error {
		call.Target = args.Source

		if _, ok := broker.exchanges[args.Destination]; !ok {
			return noExchange(args.Destination)
		}
		if _, ok := broker.exchanges[args.Source]; !ok {
			return noExchange(args.Source)
		}

		for _, existing := range broker.exchangeBindings {
			if existing.destination == args.Destination &&
				existing.source == args.Source &&
				existing.key == args.Key {
				return nil
			}
		}

		broker.exchangeBindings = append(broker.exchangeBindings, exchangeBindingState{
			destination: args.Destination,
			source:      args.Source,
			key:         args.Key,
			args:        args.Args.Copy(),
		})
		return nil
	})
}

// ExchangeUnbind implements transport.Channel.
func (channel *brokerChannel) ExchangeUnbind(args transport.ArgsExchangeUnbind) error {
	broker := channel.conn.broker
	return channel.do(OpExchangeUnbind, args.Destination, func(call *Call) *transport.Error {
		call.Target = args.Source

		for i, existing := range broker.exchangeBindings {
			if existing.destination == args.Destination &&
				existing.source == args.Source &&
				existing.key == args.Key {
				broker.exchangeBindings = append(
					broker.exchangeBindings[:i], broker.exchangeBindings[i+1:]...,
				)
				broker.collectExchangeLocked(args.Source)
				break
			}
		}
		return nil
	})
}

// QueueDeclare implements transport.Channel. Server-named queues are called
// amq.gen-N, counting up from 1 for the life of the broker.
func (channel *brokerChannel) QueueDeclare(
	args transport.ArgsQueueDeclare,
) (transport.Queue, error) {
	broker := channel.conn.broker

	var declared transport.Queue
	err := channel.do(OpQueueDeclare, args.Name, func(call *Call) *transport.Error {
		name := args.Name
		if name == "" {
			broker.lastQueueName++
			name = fmt.Sprintf("amq.gen-%d", broker.lastQueueName)
		}
		call.Target = name

		queue, ok := broker.queues[name]
		if !ok {
			if args.Name != "" && predefined(args.Name) {
				return reply(
					transport.AccessRefused,
					"ACCESS_REFUSED - queue name '%v' contains reserved prefix 'amq.*'",
					args.Name,
				)
			}

			queueArgs := args
			queueArgs.Name = name
			queueArgs.NoWait = false
			queueArgs.Args = args.Args.Copy()
			queue = &queueState{args: queueArgs}
			if args.Exclusive {
				queue.owner = channel.conn.number
			}
			broker.queues[name] = queue
		} else {
			if err := channel.lockedQueueLocked(queue); err != nil {
				return err
			}

			switch {
			case queue.args.Durable != args.Durable:
				return inequivalent("durable", "queue", name)
			case queue.args.Exclusive != args.Exclusive:
				return inequivalent("exclusive", "queue", name)
			case queue.args.AutoDelete != args.AutoDelete:
				return inequivalent("auto_delete", "queue", name)
			case !tablesEqual(queue.args.Args, args.Args):
				return inequivalent("arguments", "queue", name)
			}
		}

		declared = transport.Queue{
			Name:      name,
			Messages:  len(queue.messages),
			Consumers: len(queue.consumers),
		}
		return nil
	})

	return declared, err
}

// QueueDelete implements transport.Channel.
func (channel *brokerChannel) QueueDelete(args transport.ArgsQueueDelete) (int, error) {
	broker := channel.conn.broker

	purged := 0
	err := channel.do(OpQueueDelete, args.Name, func(*Call) *transport.Error {
		queue, ok := broker.queues[args.Name]
		if !ok {
			return noQueue(args.Name)
		}
		if err := channel.lockedQueueLocked(queue); err != nil {
			return err
		}
		if args.IfUnused && len(queue.consumers) > 0 {
			return reply(
				transport.PreconditionFailed,
				"PRECONDITION_FAILED - queue '%v' in vhost '/' in use",
				args.Name,
			)
		}
		if args.IfEmpty && len(queue.messages) > 0 {
			return reply(
				transport.PreconditionFailed,
				"PRECONDITION_FAILED - queue '%v' in vhost '/' not empty",
				args.Name,
			)
		}

		purged = broker.deleteQueueLocked(args.Name)
		return nil
	})

	return purged, err
}

// QueueBind implements transport.Channel.
func (channel *brokerChannel) QueueBind(args transport.ArgsQueueBind) error {
	broker := channel.conn.broker
	return channel.do(OpQueueBind, args.Name, func(call *Call) *transport.Error {
		call.Target = args.Exchange

		queue, ok := broker.queues[args.Name]
		if !ok {
			return noQueue(args.Name)
		}
		if err := channel.lockedQueueLocked(queue); err != nil {
			return err
		}
		if args.Exchange == "" {
			return reply(
				transport.AccessRefused,
				"ACCESS_REFUSED - operation not permitted on the default exchange",
			)
		}
		if _, ok := broker.exchanges[args.Exchange]; !ok {
			return noExchange(args.Exchange)
		}

		for _, existing := range broker.bindings {
			if existing.queue == args.Name &&
				existing.exchange == args.Exchange &&
				existing.key == args.Key {
				return nil
			}
		}

		broker.bindings = append(broker.bindings, bindingState{
			queue:    args.Name,
			exchange: args.Exchange,
			key:      args.Key,
			args:     args.Args.Copy(),
		})
		return nil
	})
}

// QueueUnbind implements transport.Channel.
func (channel *brokerChannel) QueueUnbind(args transport.ArgsQueueUnbind) error {
	broker := channel.conn.broker
	return channel.do(OpQueueUnbind, args.Name, func(call *Call) *transport.Error {
		call.Target = args.Exchange

		queue, ok := broker.queues[args.Name]
		if !ok {
			return noQueue(args.Name)
		}
		if err := channel.lockedQueueLocked(queue); err != nil {
			return err
		}

		for i, existing := range broker.bindings {
			if existing.queue == args.Name &&
				existing.exchange == args.Exchange &&
				existing.key == args.Key {
				broker.bindings = append(broker.bindings[:i], broker.bindings[i+1:]...)
				broker.collectExchangeLocked(args.Exchange)
				break
			}
		}
		return nil
	})
}

// Consume implements transport.Channel. Generated tags are called amq.ctag-N.
func (channel *brokerChannel) Consume(
	args transport.ArgsConsume,
) (string, <-chan transport.Delivery, error) {
	broker := channel.conn.broker

	var consumer *consumerState
	err := channel.do(OpConsume, args.Queue, func(call *Call) *transport.Error {
		queue, ok := broker.queues[args.Queue]
		if !ok {
			return noQueue(args.Queue)
		}
		if err := channel.lockedQueueLocked(queue); err != nil {
			return err
		}

		exclusiveInUse := args.Exclusive && len(queue.consumers) > 0
		for _, existing := range queue.consumers {
			exclusiveInUse = exclusiveInUse || existing.exclusive
		}
		if exclusiveInUse {
			return reply(
				transport.AccessRefused,
				"ACCESS_REFUSED - queue '%v' in vhost '/' in exclusive use",
				args.Queue,
			)
		}

		tag := args.Consumer
		if tag == "" {
			broker.lastConsumerTag++
			tag = fmt.Sprintf("amq.ctag-%d", broker.lastConsumerTag)
		} else if _, inUse := channel.consumers[tag]; inUse {
			return reply(
				transport.NotAllowed,
				"NOT_ALLOWED - attempt to reuse consumer tag '%v'",
				tag,
			)
		}
		call.Target = tag

		consumer = &consumerState{
			tag:        tag,
			queue:      args.Queue,
			exclusive:  args.Exclusive,
			channel:    channel,
			deliveries: make(chan transport.Delivery, deliveryBuffer),
		}
		queue.consumers = append(queue.consumers, consumer)
		channel.consumers[tag] = consumer

		broker.dispatchLocked(queue)
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	return consumer.tag, consumer.deliveries, nil
}

// Cancel implements transport.Channel. Unknown tags are ignored.
func (channel *brokerChannel) Cancel(consumerTag string) error {
	broker := channel.conn.broker
	return channel.do(OpCancel, consumerTag, func(*Call) *transport.Error {
		if consumer, ok := channel.consumers[consumerTag]; ok {
			broker.removeConsumerLocked(consumer)
		}
		return nil
	})
}

// Publish implements transport.Channel. Publishing to a missing exchange closes the
// channel with 404 after the call has returned, as a real broker does.
func (channel *brokerChannel) Publish(args transport.ArgsPublish) error {
	broker := channel.conn.broker
	return channel.do(OpPublish, args.Exchange, func(call *Call) *transport.Error {
		call.Target = args.Key

		if _, ok := broker.exchanges[args.Exchange]; !ok {
			call.Err = noExchange(args.Exchange)
			channel.shutdownLocked(noExchange(args.Exchange))
			return nil
		}

		broker.routeLocked(args.Exchange, args.Key, args.Msg)
		return nil
	})
}

// NotifyClose implements transport.Channel.
func (channel *brokerChannel) NotifyClose(
	receiver chan *transport.Error,
) chan *transport.Error {
	channel.conn.broker.lock.Lock()
	defer channel.conn.broker.lock.Unlock()

	if channel.closed {
		close(receiver)
		return receiver
	}
	channel.receivers = append(channel.receivers, receiver)
	return receiver
}

// Close implements transport.Channel.
func (channel *brokerChannel) Close() error {
	return channel.conn.broker.do(func() error {
		if channel.closed {
			return transport.ErrClosed
		}
		channel.shutdownLocked(nil)
		return nil
	})
}

// shutdownLocked closes the channel and cancels its consumers.
func (channel *brokerChannel) shutdownLocked(closeErr *transport.Error) {
	if channel.closed {
		return
	}
	channel.closed = true
	delete(channel.conn.channels, channel.id)

	for _, consumer := range channel.consumers {
		channel.conn.broker.removeConsumerLocked(consumer)
	}

	channel.conn.broker.notifyLocked(channel.receivers, closeErr)
	channel.receivers = nil
}

// Ack implements transport.Acknowledger. Messages are settled when delivered, so
// acknowledgements only check that the channel is still open.
func (channel *brokerChannel) Ack(uint64, bool) error {
	return channel.settle()
}

// Nack implements transport.Acknowledger.
func (channel *brokerChannel) Nack(uint64, bool, bool) error {
	return channel.settle()
}

// Reject implements transport.Acknowledger.
func (channel *brokerChannel) Reject(uint64, bool) error {
	return channel.settle()
}

func (channel *brokerChannel) settle() error {
	channel.conn.broker.lock.Lock()
	defer channel.conn.broker.lock.Unlock()

	if channel.closed {
		return transport.ErrClosed
	}
	return nil
}
