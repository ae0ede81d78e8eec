package amqptest

import (
	"context"
	"testing"

	"github.com/peake100/rogerRecover-go/amqp/transport"
	"github.com/stretchr/testify/assert"
)

func dialBroker(t *testing.T, broker *Broker) (transport.Connection, transport.Channel) {
	conn, err := broker.Dial(context.Background())
	if !assert.NoError(t, err, "dial") {
		t.FailNow()
	}
	t.Cleanup(func() { _ = conn.Close() })

	channel, err := conn.Channel()
	if !assert.NoError(t, err, "open channel") {
		t.FailNow()
	}
	return conn, channel
}

func TestTopicMatches(t *testing.T) {
	testCases := []struct {
		pattern  string
		key      string
		expected bool
	}{
		{"orders.created", "orders.created", true},
		{"orders.*", "orders.created", true},
		{"orders.*", "orders.created.eu", false},
		{"orders.#", "orders", true},
		{"orders.#", "orders.created.eu", true},
		{"#.eu", "orders.created.eu", true},
		{"*.created.*", "orders.created.eu", true},
		{"*", "", true},
		{"#", "anything.at.all", true},
		{"orders.*", "invoices.created", false},
	}

	for _, thisCase := range testCases {
		t.Run(thisCase.pattern+" "+thisCase.key, func(t *testing.T) {
			assert.Equal(
				t,
				thisCase.expected,
				routes("topic", thisCase.pattern, nil, thisCase.key, nil),
			)
		})
	}
}

func TestHeadersMatch(t *testing.T) {
	assert := assert.New(t)

	headers := transport.Table{"region": "eu", "priority": "high"}

	assert.True(headersMatch(transport.Table{"region": "eu"}, headers), "all")
	assert.False(
		headersMatch(transport.Table{"region": "eu", "priority": "low"}, headers),
		"all requires every field",
	)
	assert.True(
		headersMatch(
			transport.Table{"x-match": "any", "region": "us", "priority": "high"},
			headers,
		),
		"any requires one field",
	)
}

func TestBroker_DialFailures(t *testing.T) {
	assert := assert.New(t)

	broker := NewBroker()
	broker.FailDials(2)

	for i := 0; i < 2; i++ {
		_, err := broker.Dial(context.Background())
		var dialErr *transport.DialError
		if !assert.ErrorAs(err, &dialErr, "dial %v fails", i) {
			t.FailNow()
		}
		assert.Equal(transport.DialUnreachable, dialErr.Failure)
	}

	broker.SetUnreachable(true)
	_, err := broker.Dial(context.Background())
	assert.Error(err, "unreachable")

	broker.SetUnreachable(false)
	conn, err := broker.Dial(context.Background())
	if !assert.NoError(err, "dial succeeds") {
		t.FailNow()
	}
	defer conn.Close()

	assert.Equal(4, broker.Dials())
	assert.Equal(1, broker.OpenConnections())
	assert.Equal(uint64(1), broker.LastConnection())
	assert.Equal(BrokerEndpoint, broker.Endpoint())
}

func TestBroker_InequivalentDeclareClosesChannel(t *testing.T) {
	assert := assert.New(t)

	broker := NewBroker()
	_, channel := dialBroker(t, broker)
	closeEvents := channel.NotifyClose(make(chan *transport.Error, 1))

	_, err := channel.QueueDeclare(transport.ArgsQueueDeclare{Name: "orders"})
	if !assert.NoError(err, "declare") {
		t.FailNow()
	}

	_, err = channel.QueueDeclare(
		transport.ArgsQueueDeclare{Name: "orders", Durable: true},
	)
	assert.ErrorIs(err, transport.NewError(transport.PreconditionFailed, "", 0))

	closeErr := <-closeEvents
	if !assert.NotNil(closeErr, "close event") {
		t.FailNow()
	}
	assert.Equal(transport.PreconditionFailed, closeErr.Code)

	_, err = channel.QueueDeclare(transport.ArgsQueueDeclare{Name: "orders"})
	assert.ErrorIs(err, transport.ErrClosed, "channel closed")

	calls := broker.Calls()
	if !assert.Len(calls, 2, "closed channel calls not logged") {
		t.FailNow()
	}
	assert.Error(calls[1].Err, "rejection logged")
}

func TestBroker_ReservedNames(t *testing.T) {
	assert := assert.New(t)

	broker := NewBroker()
	conn, channel := dialBroker(t, broker)

	err := channel.ExchangeDeclare(
		transport.ArgsExchangeDeclare{Name: "amq.direct", Kind: "direct", Durable: true},
	)
	assert.NoError(err, "predefined exchange redeclared")

	err = channel.ExchangeDeclare(
		transport.ArgsExchangeDeclare{Name: "amq.custom", Kind: "direct"},
	)
	assert.ErrorIs(err, transport.NewError(transport.AccessRefused, "", 0))

	channel, err = conn.Channel()
	if !assert.NoError(err, "reopen channel") {
		t.FailNow()
	}
	queue, err := channel.QueueDeclare(transport.ArgsQueueDeclare{})
	if !assert.NoError(err, "server-named declare") {
		t.FailNow()
	}
	assert.Equal("amq.gen-1", queue.Name)
}

func TestBroker_Routing(t *testing.T) {
	assert := assert.New(t)

	broker := NewBroker()
	_, channel := dialBroker(t, broker)

	for _, args := range []transport.ArgsExchangeDeclare{
		{Name: "events", Kind: "topic"},
		{Name: "audit", Kind: "fanout"},
	} {
		if !assert.NoError(channel.ExchangeDeclare(args)) {
			t.FailNow()
		}
	}
	for _, name := range []string{"orders", "everything"} {
		_, err := channel.QueueDeclare(transport.ArgsQueueDeclare{Name: name})
		if !assert.NoError(err) {
			t.FailNow()
		}
	}

	assert.NoError(channel.QueueBind(
		transport.ArgsQueueBind{Name: "orders", Key: "orders.*", Exchange: "events"},
	))
	assert.NoError(channel.ExchangeBind(
		transport.ArgsExchangeBind{Destination: "audit", Key: "#", Source: "events"},
	))
	assert.NoError(channel.QueueBind(
		transport.ArgsQueueBind{Name: "everything", Exchange: "audit"},
	))

	assert.True(broker.HasBinding("orders", "events", "orders.*"))
	assert.True(broker.HasExchangeBinding("audit", "events", "#"))

	msg := transport.Publishing{Body: []byte("created")}
	assert.Equal(2, broker.Publish("events", "orders.created", msg), "both queues")
	assert.Equal(1, broker.Publish("events", "invoices.created", msg), "audit only")
	assert.Equal(1, broker.Publish("", "orders", msg), "default exchange")

	queue, _ := broker.Queue("orders")
	assert.Equal(2, queue.Messages)

	_, deliveries, err := channel.Consume(transport.ArgsConsume{Queue: "orders"})
	if !assert.NoError(err, "consume") {
		t.FailNow()
	}
	first := <-deliveries
	assert.Equal([]byte("created"), first.Body)
	assert.Equal("orders.created", first.RoutingKey)
	assert.Equal("amq.ctag-1", first.ConsumerTag)
}

func TestBroker_ExclusiveQueueDeletedWithConnection(t *testing.T) {
	assert := assert.New(t)

	broker := NewBroker()
	_, channel := dialBroker(t, broker)

	_, err := channel.QueueDeclare(
		transport.ArgsQueueDeclare{Name: "private", Exclusive: true},
	)
	if !assert.NoError(err) {
		t.FailNow()
	}

	_, other := dialBroker(t, broker)
	_, err = other.QueueDeclare(
		transport.ArgsQueueDeclare{Name: "private", Exclusive: true},
	)
	assert.ErrorIs(err, transport.NewError(transport.ResourceLocked, "", 0))

	assert.Equal(2, broker.DropConnections())
	_, ok := broker.Queue("private")
	assert.False(ok, "exclusive queue deleted")
}

func TestBroker_AutoDelete(t *testing.T) {
	assert := assert.New(t)

	broker := NewBroker()
	_, channel := dialBroker(t, broker)

	_, err := channel.QueueDeclare(
		transport.ArgsQueueDeclare{Name: "temp", AutoDelete: true},
	)
	if !assert.NoError(err) {
		t.FailNow()
	}

	tag, _, err := channel.Consume(transport.ArgsConsume{Queue: "temp"})
	if !assert.NoError(err) {
		t.FailNow()
	}
	assert.Equal([]string{tag}, broker.ConsumerTags("temp"))

	assert.NoError(channel.Cancel(tag))
	_, ok := broker.Queue("temp")
	assert.False(ok, "queue deleted with last consumer")
}

func TestBroker_Restart(t *testing.T) {
	assert := assert.New(t)

	broker := NewBroker()
	conn, channel := dialBroker(t, broker)
	closeEvents := conn.NotifyClose(make(chan *transport.Error, 1))

	_, err := channel.QueueDeclare(transport.ArgsQueueDeclare{Name: "kept", Durable: true})
	assert.NoError(err)
	_, err = channel.QueueDeclare(transport.ArgsQueueDeclare{Name: "lost"})
	assert.NoError(err)

	broker.Restart()

	closeErr := <-closeEvents
	if !assert.NotNil(closeErr, "connection closed") {
		t.FailNow()
	}
	assert.Equal(transport.ConnectionForced, closeErr.Code)
	assert.Equal([]string{"kept"}, broker.QueueNames())
	assert.True(broker.HasExchange("amq.topic"), "predefined exchanges kept")
}

func TestBroker_RejectNext(t *testing.T) {
	assert := assert.New(t)

	broker := NewBroker()
	conn, channel := dialBroker(t, broker)
	connClosed := conn.NotifyClose(make(chan *transport.Error, 1))

	broker.RejectNext(OpQos, "", transport.InternalError)
	err := channel.Qos(transport.ArgsQos{PrefetchCount: 10})
	assert.ErrorIs(err, transport.NewError(transport.InternalError, "", 0))

	closeErr := <-connClosed
	if !assert.NotNil(closeErr, "hard rejection closes the connection") {
		t.FailNow()
	}
	assert.Equal(0, broker.OpenConnections())
}
