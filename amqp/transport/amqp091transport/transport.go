// Package amqp091transport adapts github.com/rabbitmq/amqp091-go, the maintained fork
// of streadway/amqp, to the transport interfaces used by the recovery engine.
package amqp091transport

import (
	"context"
	"errors"

	"github.com/peake100/rogerRecover-go/amqp/transport"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

var dialRules = transport.DialErrorRules{
	Authentication: []error{amqp091.ErrSASL, amqp091.ErrCredentials, amqp091.ErrVhost},
	InvalidURI:     []error{amqp091.ErrSyntax},
}

// Dialer dials a single broker endpoint with amqp091-go.
type Dialer struct {
	url      string
	endpoint string
	config   amqp091.Config
}

// NewDialer returns a Dialer for url. The same url and config are used on every dial.
func NewDialer(url string, config amqp091.Config) *Dialer {
	endpoint := url
	if uri, err := amqp091.ParseURI(url); err == nil {
		uri.Password = ""
		endpoint = uri.String()
	}

	return &Dialer{
		url:      url,
		endpoint: endpoint,
		config:   config,
	}
}

// Endpoint implements transport.Dialer.
func (dialer *Dialer) Endpoint() string {
	return dialer.endpoint
}

// Dial implements transport.Dialer.
func (dialer *Dialer) Dial(ctx context.Context) (transport.Connection, error) {
	if _, err := amqp091.ParseURI(dialer.url); err != nil {
		return nil, &transport.DialError{
			Failure:  transport.DialInvalidURI,
			Endpoint: dialer.endpoint,
			Err:      err,
		}
	}

	type dialResult struct {
		conn *amqp091.Connection
		err  error
	}

	results := make(chan dialResult, 1)
	go func() {
		conn, err := amqp091.DialConfig(dialer.url, dialer.config)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case result := <-results:
		if result.err != nil {
			return nil, transport.ClassifyDialError(dialer.endpoint, result.err, dialRules)
		}
		return &connection{conn: result.conn}, nil
	case <-ctx.Done():
		go func() {
			if result := <-results; result.conn != nil {
				_ = result.conn.Close()
			}
		}()
		return nil, &transport.DialError{
			Failure:  transport.DialOther,
			Endpoint: dialer.endpoint,
			Err:      ctx.Err(),
		}
	}
}

type connection struct {
	conn *amqp091.Connection
}

func (conn *connection) Channel() (transport.Channel, error) {
	amqpChan, err := conn.conn.Channel()
	if err != nil {
		return nil, convertErr(err)
	}
	return &channel{channel: amqpChan}, nil
}

func (conn *connection) NotifyClose(receiver chan *transport.Error) chan *transport.Error {
	relayCloseEvents(conn.conn.NotifyClose(make(chan *amqp091.Error, 1)), receiver)
	return receiver
}

func (conn *connection) Close() error {
	return convertErr(conn.conn.Close())
}

func relayCloseEvents(source chan *amqp091.Error, receiver chan *transport.Error) {
	go func() {
		defer close(receiver)
		event, ok := <-source
		if !ok || event == nil {
			return
		}
		receiver <- convertAmqpErr(event)
	}()
}

func convertAmqpErr(err *amqp091.Error) *transport.Error {
	initiator := transport.InitiatorApplication
	if err.Server {
		initiator = transport.InitiatorBroker
	}
	return transport.NewError(err.Code, err.Reason, initiator)
}

func convertErr(err error) error {
	if err == nil {
		return nil
	}

	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		return convertAmqpErr(amqpErr)
	}

	return transport.AsError(err)
}
