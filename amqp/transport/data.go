package transport

import "time"

// Table stores user supplied fields for arguments and headers. See the AMQP library in
// use for the value types it can encode.
type Table map[string]interface{}

// Copy returns a shallow copy of the table, or nil for a nil table.
func (table Table) Copy() Table {
	if table == nil {
		return nil
	}

	newTable := make(Table, len(table))
	for key, value := range table {
		newTable[key] = value
	}

	return newTable
}

// Queue captures the broker's view of a queue returned from Channel.QueueDeclare.
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

// Acknowledger is implemented by the channel a Delivery arrived on.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
	Reject(tag uint64, requeue bool) error
}

// Publishing is a message sent to the broker.
type Publishing struct {
	Headers Table

	ContentType     string
	ContentEncoding string
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       time.Time
	Type            string
	AppId           string

	Body []byte
}

// Delivery is a message received from a consumer.
type Delivery struct {
	Acknowledger Acknowledger

	Headers Table

	ContentType   string
	CorrelationId string
	ReplyTo       string
	MessageId     string
	Timestamp     time.Time
	Type          string
	AppId         string

	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string

	Body []byte
}

// Ack acknowledges the delivery on the channel it arrived on.
func (delivery Delivery) Ack(multiple bool) error {
	if delivery.Acknowledger == nil {
		return ErrClosed
	}
	return delivery.Acknowledger.Ack(delivery.DeliveryTag, multiple)
}

// Nack negatively acknowledges the delivery.
func (delivery Delivery) Nack(multiple bool, requeue bool) error {
	if delivery.Acknowledger == nil {
		return ErrClosed
	}
	return delivery.Acknowledger.Nack(delivery.DeliveryTag, multiple, requeue)
}

// Reject rejects the delivery.
func (delivery Delivery) Reject(requeue bool) error {
	if delivery.Acknowledger == nil {
		return ErrClosed
	}
	return delivery.Acknowledger.Reject(delivery.DeliveryTag, requeue)
}

// Handler processes deliveries for a consumer. The same Handler value is re-attached
// to the consumer every time it is recovered.
type Handler func(delivery Delivery)
