// Package streadwaytransport adapts github.com/streadway/amqp to the transport
// interfaces used by the recovery engine.
package streadwaytransport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/peake100/rogerRecover-go/amqp/transport"
	streadway "github.com/streadway/amqp"
)

// Config holds the tuning parameters handed to streadway.DialConfig.
type Config struct {
	Vhost           string
	ChannelMax      int
	FrameSize       int
	Heartbeat       time.Duration
	TLSClientConfig *tls.Config
	Properties      transport.Table
	Locale          string
	// DialTimeout bounds the TCP connect and handshake. Zero uses the streadway
	// default of 30 seconds.
	DialTimeout time.Duration
}

var dialRules = transport.DialErrorRules{
	Authentication: []error{streadway.ErrSASL, streadway.ErrCredentials, streadway.ErrVhost},
	InvalidURI:     []error{streadway.ErrSyntax},
}

// Dialer dials a single broker endpoint with streadway.
type Dialer struct {
	url      string
	endpoint string
	config   Config
}

// NewDialer returns a Dialer for url. The same url and config are used on every dial.
func NewDialer(url string, config Config) *Dialer {
	endpoint := url
	if uri, err := streadway.ParseURI(url); err == nil {
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

func (dialer *Dialer) streadwayConfig() streadway.Config {
	config := streadway.Config{
		Vhost:           dialer.config.Vhost,
		ChannelMax:      dialer.config.ChannelMax,
		FrameSize:       dialer.config.FrameSize,
		Heartbeat:       dialer.config.Heartbeat,
		TLSClientConfig: dialer.config.TLSClientConfig,
		Properties:      streadway.Table(dialer.config.Properties),
		Locale:          dialer.config.Locale,
	}

	if dialer.config.DialTimeout > 0 {
		timeout := dialer.config.DialTimeout
		config.Dial = func(network, addr string) (net.Conn, error) {
			conn, err := net.DialTimeout(network, addr, timeout)
			if err != nil {
				return nil, err
			}
			if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
				return nil, err
			}
			return conn, nil
		}
	}

	return config
}

// Dial implements transport.Dialer. streadway does not take a context, so a
// cancelled ctx abandons the attempt and closes the connection if it arrives later.
func (dialer *Dialer) Dial(ctx context.Context) (transport.Connection, error) {
	if _, err := streadway.ParseURI(dialer.url); err != nil {
		return nil, &transport.DialError{
			Failure:  transport.DialInvalidURI,
			Endpoint: dialer.endpoint,
			Err:      err,
		}
	}

	type dialResult struct {
		conn *streadway.Connection
		err  error
	}

	results := make(chan dialResult, 1)
	go func() {
		conn, err := streadway.DialConfig(dialer.url, dialer.streadwayConfig())
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
	conn *streadway.Connection
}

func (conn *connection) Channel() (transport.Channel, error) {
	streadwayChan, err := conn.conn.Channel()
	if err != nil {
		return nil, convertErr(err)
	}
	return &channel{channel: streadwayChan}, nil
}

func (conn *connection) NotifyClose(receiver chan *transport.Error) chan *transport.Error {
	relayCloseEvents(conn.conn.NotifyClose(make(chan *streadway.Error, 1)), receiver)
	return receiver
}

func (conn *connection) Close() error {
	return convertErr(conn.conn.Close())
}

// relayCloseEvents forwards a single streadway close event to receiver, converting
// it, and then closes receiver.
func relayCloseEvents(source chan *streadway.Error, receiver chan *transport.Error) {
	go func() {
		defer close(receiver)
		event, ok := <-source
		if !ok || event == nil {
			return
		}
		receiver <- convertStreadwayErr(event)
	}()
}

func convertStreadwayErr(err *streadway.Error) *transport.Error {
	initiator := transport.InitiatorApplication
	if err.Server {
		initiator = transport.InitiatorBroker
	}
	return transport.NewError(err.Code, err.Reason, initiator)
}

// convertErr converts streadway errors into *transport.Error values. Other errors are
// wrapped as hard application errors.
func convertErr(err error) error {
	if err == nil {
		return nil
	}

	var streadwayErr *streadway.Error
	if errors.As(err, &streadwayErr) {
		return convertStreadwayErr(streadwayErr)
	}

	return transport.AsError(err)
}

// newConsumerTag generates a tag for consumers registered without one. streadway
// generates its own tag in that case but does not return it.
func newConsumerTag() string {
	return "ctag-" + uuid.NewString()
}
