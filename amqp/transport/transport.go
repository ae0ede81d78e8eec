package transport

import "context"

// Dialer opens physical connections to a single broker endpoint. Every call to Dial
// must use identical endpoint parameters; the engine relies on this when it redials
// after a transport failure.
type Dialer interface {
	// Dial opens a new physical connection. Implementations should return a
	// *DialError on failure and abort when ctx is cancelled.
	Dial(ctx context.Context) (Connection, error)
	// Endpoint returns a loggable description of the endpoint, with credentials
	// removed.
	Endpoint() string
}

// Connection is one physical session with the broker.
type Connection interface {
	// Channel opens a new logical channel on this connection.
	Channel() (Channel, error)
	// NotifyClose registers a receiver for the close event of this connection. The
	// receiver is sent a *Error if the connection was lost and is closed without a
	// value on a clean shutdown. Each receiver gets at most one value.
	NotifyClose(receiver chan *Error) chan *Error
	// Close performs a clean shutdown of the connection.
	Close() error
}

// Channel is a logical session multiplexed over a Connection. All methods block until
// the broker acknowledges the request.
type Channel interface {
	Qos(args ArgsQos) error
	Confirm(noWait bool) error

	ExchangeDeclare(args ArgsExchangeDeclare) error
	ExchangeDelete(args ArgsExchangeDelete) error
	ExchangeBind(args ArgsExchangeBind) error
	ExchangeUnbind(args ArgsExchangeUnbind) error

	// QueueDeclare returns the queue as declared by the broker. When args.Name is
	// empty the returned Queue.Name holds the broker-assigned name.
	QueueDeclare(args ArgsQueueDeclare) (Queue, error)
	QueueDelete(args ArgsQueueDelete) (int, error)
	QueueBind(args ArgsQueueBind) error
	QueueUnbind(args ArgsQueueUnbind) error

	// Consume registers a consumer. When args.Consumer is empty a unique tag is
	// assigned and returned.
	Consume(args ArgsConsume) (consumerTag string, deliveries <-chan Delivery, err error)
	Cancel(consumerTag string) error

	Publish(args ArgsPublish) error

	// NotifyClose behaves as Connection.NotifyClose for this channel. A channel closed
	// because its connection was lost receives the connection's error.
	NotifyClose(receiver chan *Error) chan *Error
	Close() error
}
