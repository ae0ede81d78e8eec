package amqp

import "github.com/peake100/rogerRecover-go/amqp/transport"

// Table stores user supplied fields of the following types: bool, byte, float32,
// float64, int, int16, int32, int64, nil, string, time.Time, Decimal, []byte,
// []interface{} and Table.
type Table = transport.Table

// Queue captures the current server state of the queue on the server returned from
// Channel.QueueDeclare.
type Queue = transport.Queue

// Publishing captures the client message sent to the server.
type Publishing = transport.Publishing

// Delivery captures the fields for a previously delivered message resident in a queue
// to be delivered by the server to a consumer from Channel.Consume.
type Delivery = transport.Delivery

// Handler is invoked once per delivery of a consumer, in delivery order. It is kept
// with the consumer record and re-attached verbatim when the consumer is replayed.
type Handler = transport.Handler

// Error captures the code and reason a channel or connection has been closed by the
// server or the client, tagged as soft (channel-level) or hard (connection-level).
type Error = transport.Error

// Reply codes a caller is likely to switch on.
const (
	AccessRefused      = transport.AccessRefused
	NotFound           = transport.NotFound
	ResourceLocked     = transport.ResourceLocked
	PreconditionFailed = transport.PreconditionFailed
	ConnectionForced   = transport.ConnectionForced
	ChannelError       = transport.ChannelError
)
