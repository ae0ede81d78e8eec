package amqp091transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/peake100/rogerRecover-go/amqp/transport"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

type channel struct {
	channel *amqp091.Channel
}

func (ch *channel) Qos(args transport.ArgsQos) error {
	return convertErr(ch.channel.Qos(args.PrefetchCount, args.PrefetchSize, args.Global))
}

func (ch *channel) Confirm(noWait bool) error {
	return convertErr(ch.channel.Confirm(noWait))
}

func (ch *channel) ExchangeDeclare(args transport.ArgsExchangeDeclare) error {
	return convertErr(ch.channel.ExchangeDeclare(
		args.Name,
		args.Kind,
		args.Durable,
		args.AutoDelete,
		args.Internal,
		args.NoWait,
		amqp091.Table(args.Args),
	))
}

func (ch *channel) ExchangeDelete(args transport.ArgsExchangeDelete) error {
	return convertErr(ch.channel.ExchangeDelete(args.Name, args.IfUnused, args.NoWait))
}

func (ch *channel) ExchangeBind(args transport.ArgsExchangeBind) error {
	return convertErr(ch.channel.ExchangeBind(
		args.Destination, args.Key, args.Source, args.NoWait, amqp091.Table(args.Args),
	))
}

func (ch *channel) ExchangeUnbind(args transport.ArgsExchangeUnbind) error {
	return convertErr(ch.channel.ExchangeUnbind(
		args.Destination, args.Key, args.Source, args.NoWait, amqp091.Table(args.Args),
	))
}

func (ch *channel) QueueDeclare(args transport.ArgsQueueDeclare) (transport.Queue, error) {
	queue, err := ch.channel.QueueDeclare(
		args.Name,
		args.Durable,
		args.AutoDelete,
		args.Exclusive,
		args.NoWait,
		amqp091.Table(args.Args),
	)
	if err != nil {
		return transport.Queue{}, convertErr(err)
	}

	return transport.Queue{
		Name:      queue.Name,
		Messages:  queue.Messages,
		Consumers: queue.Consumers,
	}, nil
}

func (ch *channel) QueueDelete(args transport.ArgsQueueDelete) (int, error) {
	count, err := ch.channel.QueueDelete(args.Name, args.IfUnused, args.IfEmpty, args.NoWait)
	return count, convertErr(err)
}

func (ch *channel) QueueBind(args transport.ArgsQueueBind) error {
	return convertErr(ch.channel.QueueBind(
		args.Name, args.Key, args.Exchange, args.NoWait, amqp091.Table(args.Args),
	))
}

func (ch *channel) QueueUnbind(args transport.ArgsQueueUnbind) error {
	return convertErr(ch.channel.QueueUnbind(
		args.Name, args.Key, args.Exchange, amqp091.Table(args.Args),
	))
}

func (ch *channel) Consume(
	args transport.ArgsConsume,
) (string, <-chan transport.Delivery, error) {
	// amqp091 generates a tag for an empty consumer but does not hand it back.
	tag := args.Consumer
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	amqpDeliveries, err := ch.channel.Consume(
		args.Queue,
		tag,
		args.AutoAck,
		args.Exclusive,
		args.NoLocal,
		args.NoWait,
		amqp091.Table(args.Args),
	)
	if err != nil {
		return "", nil, convertErr(err)
	}

	deliveries := make(chan transport.Delivery)
	go func() {
		defer close(deliveries)
		for delivery := range amqpDeliveries {
			deliveries <- convertDelivery(delivery)
		}
	}()

	return tag, deliveries, nil
}

func (ch *channel) Cancel(consumerTag string) error {
	return convertErr(ch.channel.Cancel(consumerTag, false))
}

func (ch *channel) Publish(args transport.ArgsPublish) error {
	msg := args.Msg
	return convertErr(ch.channel.PublishWithContext(
		context.Background(),
		args.Exchange,
		args.Key,
		args.Mandatory,
		args.Immediate,
		amqp091.Publishing{
			Headers:         amqp091.Table(msg.Headers),
			ContentType:     msg.ContentType,
			ContentEncoding: msg.ContentEncoding,
			DeliveryMode:    msg.DeliveryMode,
			Priority:        msg.Priority,
			CorrelationId:   msg.CorrelationId,
			ReplyTo:         msg.ReplyTo,
			Expiration:      msg.Expiration,
			MessageId:       msg.MessageId,
			Timestamp:       msg.Timestamp,
			Type:            msg.Type,
			AppId:           msg.AppId,
			Body:            msg.Body,
		},
	))
}

func (ch *channel) NotifyClose(receiver chan *transport.Error) chan *transport.Error {
	relayCloseEvents(ch.channel.NotifyClose(make(chan *amqp091.Error, 1)), receiver)
	return receiver
}

func (ch *channel) Close() error {
	return convertErr(ch.channel.Close())
}

func convertDelivery(delivery amqp091.Delivery) transport.Delivery {
	return transport.Delivery{
		Acknowledger:  delivery.Acknowledger,
		Headers:       transport.Table(delivery.Headers),
		ContentType:   delivery.ContentType,
		CorrelationId: delivery.CorrelationId,
		ReplyTo:       delivery.ReplyTo,
		MessageId:     delivery.MessageId,
		Timestamp:     delivery.Timestamp,
		Type:          delivery.Type,
		AppId:         delivery.AppId,
		ConsumerTag:   delivery.ConsumerTag,
		DeliveryTag:   delivery.DeliveryTag,
		Redelivered:   delivery.Redelivered,
		Exchange:      delivery.Exchange,
		RoutingKey:    delivery.RoutingKey,
		Body:          delivery.Body,
	}
}
