package amqp

import (
	"errors"

	"github.com/peake100/rogerRecover-go/amqp/transport"
)

// ConsumeOptions holds the flags of a Consume call.
type ConsumeOptions struct {
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	NoWait    bool
	Args      Table
}

// errNilHandler is returned by Consume when no handler is given.
var errNilHandler = errors.New("consume requires a non-nil handler")

/*
Consume immediately starts delivering queued messages to handler, one at a time and in
delivery order, until the consumer is cancelled or its queue or channel is gone.

When consumer is empty the library generates a unique tag. The effective tag is
returned. On recovery the consumer is registered again with the same flags and the same
handler. A generated tag is replaced with a freshly generated one, and Cancel accepts
any tag the consumer has had.

Consuming from a queue declared on a different channel is recorded but fails this
channel's recovery with ErrCrossChannelReference.
*/
func (channel *Channel) Consume(
	queue, consumer string, opts ConsumeOptions, handler Handler,
) (tag string, err error) {
	if handler == nil {
		return "", errNilHandler
	}

	err = channel.retryOperationOnClosed(queue, func(current transport.Channel) error {
		consumeArgs := transport.ArgsConsume{
			Queue:     channel.currentQueueNameLocked(queue),
			Consumer:  consumer,
			AutoAck:   opts.AutoAck,
			Exclusive: opts.Exclusive,
			NoLocal:   opts.NoLocal,
			NoWait:    opts.NoWait,
			Args:      opts.Args,
		}

		crossChannel := channel.isForeignQueueLocked(consumeArgs.Queue)
		if crossChannel {
			channel.warnCrossChannel("Consume", consumeArgs.Queue)
		}

		var deliveries <-chan Delivery
		var consumeErr error
		tag, deliveries, consumeErr = current.Consume(consumeArgs)
		if consumeErr != nil {
			return consumeErr
		}

		channel.registry.RecordConsumer(consumeArgs, tag, handler, crossChannel)
		channel.startRelayLocked(tag, deliveries, handler)
		return nil
	})

	return tag, err
}

// Cancel stops deliveries to the consumer and removes it from recovery. Cancelling
// the last consumer of an auto-delete queue removes the queue from recovery as well.
func (channel *Channel) Cancel(consumer string) error {
	return channel.retryOperationOnClosed(consumer, func(current transport.Channel) error {
		tag := channel.currentConsumerTagLocked(consumer)
		if err := current.Cancel(tag); err != nil {
			return err
		}

		removed, ok := channel.registry.DeleteConsumer(tag)
		if !ok || removed.Queue == 0 {
			return nil
		}
		if _, stillDeclared := channel.registry.Queue(removed.Queue); !stillDeclared {
			channel.conn.owners.releaseQueue(removed.QueueName, channel.uid)
		}
		return nil
	})
}

// startRelayLocked feeds deliveries to handler until the delivery stream of the
// underlying channel ends.
func (channel *Channel) startRelayLocked(
	tag string, deliveries <-chan Delivery, handler Handler,
) {
	logger := channel.logger.With().
		Str("CONSUMER_TAG", tag).
		Uint16("CHANNEL_ID", channel.id).
		Logger()

	go func() {
		for delivery := range deliveries {
			handler(delivery)
		}
		if logger.Debug().Enabled() {
			logger.Debug().Msg("consumer delivery stream ended")
		}
	}()
}
