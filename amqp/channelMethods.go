package amqp

import (
	"github.com/peake100/rogerRecover-go/amqp/transport"
)

/*
Qos controls how many messages or how many bytes the server will try to keep on
the network for consumers before receiving delivery acks. The setting is re-applied
every time the channel is recovered.
*/
func (channel *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	args := transport.ArgsQos{
		PrefetchCount: prefetchCount,
		PrefetchSize:  prefetchSize,
		Global:        global,
	}

	return channel.retryOperationOnClosed("", func(current transport.Channel) error {
		if err := current.Qos(args); err != nil {
			return err
		}
		channel.settings.qos = &args
		return nil
	})
}

/*
Confirm puts this channel into confirm mode. Every recovered channel is put back into
confirm mode before its topology is replayed.
*/
func (channel *Channel) Confirm(noWait bool) error {
	return channel.retryOperationOnClosed("", func(current transport.Channel) error {
		if err := current.Confirm(noWait); err != nil {
			return err
		}
		channel.settings.publisherConfirms = true
		return nil
	})
}

/*
ExchangeDeclare declares an exchange on the server. If the exchange does not
already exist, the server will create it. If the exchange exists, the server
verifies that it is of the provided type, durability and auto-delete flags.

The declaration is recorded and replayed on recovery unless name is the default
exchange or starts with "amq.".
*/
func (channel *Channel) ExchangeDeclare(
	name, kind string, durable, autoDelete, internal, noWait bool, args Table,
) error {
	declareArgs := transport.ArgsExchangeDeclare{
		Name:       name,
		Kind:       kind,
		Durable:    durable,
		AutoDelete: autoDelete,
		Internal:   internal,
		NoWait:     noWait,
		Args:       args,
	}

	return channel.retryOperationOnClosed(name, func(current transport.Channel) error {
		if err := current.ExchangeDeclare(declareArgs); err != nil {
			return err
		}
		if channel.registry.RecordExchange(declareArgs) {
			channel.conn.owners.claimExchange(name, channel.uid)
		}
		return nil
	})
}

/*
ExchangeDelete removes the named exchange from the server. The exchange and every
binding it takes part in are removed from this channel's recovery.
*/
func (channel *Channel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	deleteArgs := transport.ArgsExchangeDelete{
		Name:     name,
		IfUnused: ifUnused,
		NoWait:   noWait,
	}

	return channel.retryOperationOnClosed(name, func(current transport.Channel) error {
		if channel.isForeignExchangeLocked(name) {
			channel.warnCrossChannel("ExchangeDelete", name)
		}
		if err := current.ExchangeDelete(deleteArgs); err != nil {
			return err
		}
		channel.registry.DeleteExchange(name)
		channel.conn.owners.releaseExchange(name, channel.uid)
		return nil
	})
}

/*
ExchangeBind binds an exchange to another exchange to create inter-exchange routing
topologies on the server. The binding is replayed on recovery after every queue
binding of this channel.
*/
func (channel *Channel) ExchangeBind(
	destination, key, source string, noWait bool, args Table,
) error {
	bindArgs := transport.ArgsExchangeBind{
		Destination: destination,
		Key:         key,
		Source:      source,
		NoWait:      noWait,
		Args:        args,
	}

	return channel.retryOperationOnClosed(destination, func(current transport.Channel) error {
		crossChannel := false
		for _, exchange := range [2]string{source, destination} {
			if channel.isForeignExchangeLocked(exchange) {
				channel.warnCrossChannel("ExchangeBind", exchange)
				crossChannel = true
			}
		}

		if err := current.ExchangeBind(bindArgs); err != nil {
			return err
		}
		channel.registry.RecordExchangeBinding(bindArgs, crossChannel)
		return nil
	})
}

// ExchangeUnbind unbinds the destination exchange from the source exchange and removes
// the binding from recovery.
func (channel *Channel) ExchangeUnbind(
	destination, key, source string, noWait bool, args Table,
) error {
	unbindArgs := transport.ArgsExchangeUnbind{
		Destination: destination,
		Key:         key,
		Source:      source,
		NoWait:      noWait,
		Args:        args,
	}

	return channel.retryOperationOnClosed(destination, func(current transport.Channel) error {
		if err := current.ExchangeUnbind(unbindArgs); err != nil {
			return err
		}
		channel.registry.DeleteExchangeBinding(unbindArgs)
		return nil
	})
}

/*
QueueDeclare declares a queue to hold messages and deliver to consumers.
Declaring creates a queue if it doesn't already exist, or ensures that an
existing queue matches the same parameters.

When name is empty the server assigns a name, which is returned in Queue.Name. Such a
queue is given a new name every time the channel is recovered: use QueueName to find
its current name.
*/
func (channel *Channel) QueueDeclare(
	name string, durable, autoDelete, exclusive, noWait bool, args Table,
) (queue Queue, err error) {
	err = channel.retryOperationOnClosed(name, func(current transport.Channel) error {
		declareArgs := transport.ArgsQueueDeclare{
			Name:       channel.currentQueueNameLocked(name),
			Durable:    durable,
			AutoDelete: autoDelete,
			Exclusive:  exclusive,
			NoWait:     noWait,
			Args:       args,
		}

		var declareErr error
		queue, declareErr = current.QueueDeclare(declareArgs)
		if declareErr != nil {
			return declareErr
		}
		if queue.Name == "" {
			queue.Name = declareArgs.Name
		}

		// A server-named queue declared without waiting has no name to record.
		if queue.Name == "" {
			return nil
		}

		channel.registry.RecordQueue(declareArgs, queue.Name)
		channel.conn.owners.claimQueue(queue.Name, channel.uid)
		return nil
	})

	return queue, err
}

/*
QueueDelete removes the queue from the server including all bindings then purges the
messages based on server configuration, returning the number of messages purged.

The queue, its bindings and its consumers are removed from recovery.
*/
func (channel *Channel) QueueDelete(
	name string, ifUnused, ifEmpty, noWait bool,
) (count int, err error) {
	err = channel.retryOperationOnClosed(name, func(current transport.Channel) error {
		queueName := channel.currentQueueNameLocked(name)
		if channel.isForeignQueueLocked(queueName) {
			channel.warnCrossChannel("QueueDelete", queueName)
		}

		var deleteErr error
		count, deleteErr = current.QueueDelete(transport.ArgsQueueDelete{
			Name:     queueName,
			IfUnused: ifUnused,
			IfEmpty:  ifEmpty,
			NoWait:   noWait,
		})
		if deleteErr != nil {
			return deleteErr
		}

		channel.registry.DeleteQueue(queueName)
		channel.conn.owners.releaseQueue(queueName, channel.uid)
		return nil
	})

	return count, err
}

/*
QueueBind binds an exchange to a queue so that publishings to the exchange will be
routed to the queue when the publishing routing key matches the binding routing key.

The binding follows the queue through renames on recovery. Binding a queue or
exchange declared on a different channel is recorded but fails this channel's
recovery with ErrCrossChannelReference.
*/
func (channel *Channel) QueueBind(
	name, key, exchange string, noWait bool, args Table,
) error {
	return channel.retryOperationOnClosed(name, func(current transport.Channel) error {
		bindArgs := transport.ArgsQueueBind{
			Name:     channel.currentQueueNameLocked(name),
			Key:      key,
			Exchange: exchange,
			NoWait:   noWait,
			Args:     args,
		}

		crossChannel := false
		if channel.isForeignQueueLocked(bindArgs.Name) {
			channel.warnCrossChannel("QueueBind", bindArgs.Name)
			crossChannel = true
		}
		if channel.isForeignExchangeLocked(exchange) {
			channel.warnCrossChannel("QueueBind", exchange)
			crossChannel = true
		}

		if err := current.QueueBind(bindArgs); err != nil {
			return err
		}
		channel.registry.RecordBinding(bindArgs, crossChannel)
		return nil
	})
}

// QueueUnbind removes a binding between an exchange and queue matching the key and
// arguments, and removes it from recovery.
func (channel *Channel) QueueUnbind(name, key, exchange string, args Table) error {
	return channel.retryOperationOnClosed(name, func(current transport.Channel) error {
		unbindArgs := transport.ArgsQueueUnbind{
			Name:     channel.currentQueueNameLocked(name),
			Key:      key,
			Exchange: exchange,
			Args:     args,
		}

		if err := current.QueueUnbind(unbindArgs); err != nil {
			return err
		}
		channel.registry.DeleteBinding(unbindArgs)
		return nil
	})
}

/*
Publish sends a Publishing from the client to an exchange on the server. Publishing
is not recorded. A publish attempted while the channel is recovering waits for the
recovery to finish.
*/
func (channel *Channel) Publish(
	exchange, key string, mandatory, immediate bool, msg Publishing,
) error {
	publishArgs := transport.ArgsPublish{
		Exchange:  exchange,
		Key:       key,
		Mandatory: mandatory,
		Immediate: immediate,
		Msg:       msg,
	}

	return channel.retryOperationOnClosed(exchange, func(current transport.Channel) error {
		return current.Publish(publishArgs)
	})
}
