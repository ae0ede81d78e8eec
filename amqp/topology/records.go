package topology

import (
	"strings"

	"github.com/peake100/rogerRecover-go/amqp/transport"
)

// QueueRef is a logical reference to a queue record within a Registry. The zero value
// refers to no local queue.
type QueueRef uint64

// IsPredefinedExchange returns true for exchanges the broker guarantees to exist: the
// default exchange and the amq.* exchanges. These are never replayed.
func IsPredefinedExchange(name string) bool {
	return name == "" || strings.HasPrefix(name, "amq.")
}

// Exchange is a recorded exchange declaration.
type Exchange struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       transport.Table
}

// DeclareArgs returns the arguments to re-declare the exchange with. NoWait is always
// false so replay blocks on the broker's acknowledgement.
func (exchange Exchange) DeclareArgs() transport.ArgsExchangeDeclare {
	return transport.ArgsExchangeDeclare{
		Name:       exchange.Name,
		Kind:       exchange.Kind,
		Durable:    exchange.Durable,
		AutoDelete: exchange.AutoDelete,
		Internal:   exchange.Internal,
		NoWait:     false,
		Args:       exchange.Args.Copy(),
	}
}

// Queue is a recorded queue declaration.
type Queue struct {
	// Ref is the logical reference bindings and consumers use to find this queue.
	Ref QueueRef
	// Name is the current, broker-assigned name of the queue.
	Name string
	// ServerNamed is set when the application asked the broker to name the queue.
	// Such queues are re-declared with an empty name and renamed on recovery.
	ServerNamed bool

	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       transport.Table
}

// DeclareArgs returns the arguments to re-declare the queue with.
func (queue Queue) DeclareArgs() transport.ArgsQueueDeclare {
	name := queue.Name
	if queue.ServerNamed {
		name = ""
	}

	return transport.ArgsQueueDeclare{
		Name:       name,
		Durable:    queue.Durable,
		AutoDelete: queue.AutoDelete,
		Exclusive:  queue.Exclusive,
		NoWait:     false,
		Args:       queue.Args.Copy(),
	}
}

// Binding is a recorded queue-to-exchange binding.
type Binding struct {
	// Queue is the local queue this binding belongs to, or 0 if the queue was not
	// declared on this channel.
	Queue QueueRef
	// QueueName is the current name of the bound queue, resolved through Queue when
	// it is set.
	QueueName string
	Exchange  string
	Key       string
	Args      transport.Table
	// CrossChannel is set when the queue or exchange was owned by a different channel
	// at the time the binding was made.
	CrossChannel bool
}

// BindArgs returns the arguments to re-bind with.
func (binding Binding) BindArgs() transport.ArgsQueueBind {
	return transport.ArgsQueueBind{
		Name:     binding.QueueName,
		Key:      binding.Key,
		Exchange: binding.Exchange,
		NoWait:   false,
		Args:     binding.Args.Copy(),
	}
}

// ExchangeBinding is a recorded exchange-to-exchange binding.
type ExchangeBinding struct {
	Destination  string
	Key          string
	Source       string
	Args         transport.Table
	CrossChannel bool
}

// BindArgs returns the arguments to re-bind with.
func (binding ExchangeBinding) BindArgs() transport.ArgsExchangeBind {
	return transport.ArgsExchangeBind{
		Destination: binding.Destination,
		Key:         binding.Key,
		Source:      binding.Source,
		NoWait:      false,
		Args:        binding.Args.Copy(),
	}
}

// Consumer is a recorded consumer registration.
type Consumer struct {
	// Tag is the consumer tag currently in use.
	Tag string
	// ServerTag is set when the tag was assigned rather than chosen by the
	// application. Such consumers get a fresh tag on recovery.
	ServerTag bool

	// Queue is the local queue consumed from, or 0 if it was not declared on this
	// channel.
	Queue     QueueRef
	QueueName string

	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	Args      transport.Table

	// Handler receives deliveries and is re-attached verbatim on recovery.
	Handler transport.Handler

	CrossChannel bool
}

// ConsumeArgs returns the arguments to re-register the consumer with.
func (consumer Consumer) ConsumeArgs() transport.ArgsConsume {
	tag := consumer.Tag
	if consumer.ServerTag {
		tag = ""
	}

	return transport.ArgsConsume{
		Queue:     consumer.QueueName,
		Consumer:  tag,
		AutoAck:   consumer.AutoAck,
		Exclusive: consumer.Exclusive,
		NoLocal:   consumer.NoLocal,
		NoWait:    false,
		Args:      consumer.Args.Copy(),
	}
}
