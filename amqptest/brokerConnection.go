package amqptest

import (
	"github.com/peake100/rogerRecover-go/amqp/transport"
)

// brokerConnection is a physical connection to a Broker.
type brokerConnection struct {
	broker *Broker
	number uint64

	closed      bool
	receivers   []chan *transport.Error
	channels    map[uint16]*brokerChannel
	lastChannel uint16
}

// Channel implements transport.Connection.
func (conn *brokerConnection) Channel() (transport.Channel, error) {
	var channel *brokerChannel
	err := conn.broker.do(func() error {
		if conn.closed {
			return transport.ErrClosed
		}

		conn.lastChannel++
		channel = &brokerChannel{
			conn:      conn,
			id:        conn.lastChannel,
			consumers: make(map[string]*consumerState),
		}
		conn.channels[channel.id] = channel
		return nil
	})
	if err != nil {
		return nil, err
	}
	return channel, nil
}

// NotifyClose implements transport.Connection.
func (conn *brokerConnection) NotifyClose(receiver chan *transport.Error) chan *transport.Error {
	conn.broker.lock.Lock()
	defer conn.broker.lock.Unlock()

	if conn.closed {
		close(receiver)
		return receiver
	}
	conn.receivers = append(conn.receivers, receiver)
	return receiver
}

// Close implements transport.Connection.
func (conn *brokerConnection) Close() error {
	return conn.broker.do(func() error {
		if conn.closed {
			return transport.ErrClosed
		}
		conn.shutdownLocked(nil)
		return nil
	})
}

// shutdownLocked closes the connection and its channels, and deletes the exclusive
// queues it owns. A nil closeErr is a clean shutdown.
func (conn *brokerConnection) shutdownLocked(closeErr *transport.Error) {
	if conn.closed {
		return
	}
	conn.closed = true
	delete(conn.broker.connections, conn.number)

	for _, channel := range conn.channels {
		channel.shutdownLocked(closeErr)
	}

	for name, queue := range conn.broker.queues {
		if queue.owner == conn.number {
			conn.broker.deleteQueueLocked(name)
		}
	}

	conn.broker.notifyLocked(conn.receivers, closeErr)
	conn.receivers = nil
}
