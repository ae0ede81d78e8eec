package amqp

import (
	"context"
	"crypto/tls"

	"github.com/peake100/rogerRecover-go/amqp/transport"
)

// Dial accepts a string in the AMQP URI format and returns a new Connection
// over TCP using PlainAuth. Defaults to a server heartbeat interval of 10
// seconds and a reconnect interval of 5 seconds.
//
// The initial dial is attempted exactly once. Its failure is returned as a
// *transport.DialError describing why the endpoint could not be reached. Once
// connected, the connection is recovered silently in the background.
func Dial(url string) (*Connection, error) {
	return DialConfig(url, DefaultConfig())
}

// DialConfig accepts a string in the AMQP URI format and a configuration for
// the transport and recovery, returning a new Connection.
func DialConfig(url string, config Config) (*Connection, error) {
	return Open(dialerForURL(url, config), config)
}

// DialTLS accepts a string in the AMQP URI format and returns a new Connection
// over TCP using PlainAuth.
//
// DialTLS uses the provided tls.Config when encountering an amqps:// scheme.
func DialTLS(url string, amqps *tls.Config) (*Connection, error) {
	config := DefaultConfig()
	config.TLSClientConfig = amqps

	return DialConfig(url, config)
}

// Open returns a new Connection made with dialer. config.Dialer is ignored.
func Open(dialer transport.Dialer, config Config) (*Connection, error) {
	conn := newConnection(dialer, config)
	if err := conn.connect(conn.ctx, false); err != nil {
		return nil, err
	}
	return conn, nil
}

// As DialConfig, but redials the connection on the recovery interval until ctx is
// cancelled. Once returned, cancelling ctx does not affect the connection.
func DialConfigCtx(
	ctx context.Context, url string, config Config,
) (*Connection, error) {
	return OpenCtx(ctx, dialerForURL(url, config), config)
}

// As Dial, but redials the connection on the recovery interval until ctx is
// cancelled. Once returned, cancelling ctx does not affect the connection.
func DialCtx(ctx context.Context, url string) (*Connection, error) {
	return DialConfigCtx(ctx, url, DefaultConfig())
}

// As DialTLS, but redials the connection on the recovery interval until ctx is
// cancelled. Once returned, cancelling ctx does not affect the connection.
func DialTLSCtx(
	ctx context.Context, url string, amqps *tls.Config,
) (*Connection, error) {
	config := DefaultConfig()
	config.TLSClientConfig = amqps

	return DialConfigCtx(ctx, url, config)
}

// As Open, but redials until ctx is cancelled.
func OpenCtx(
	ctx context.Context, dialer transport.Dialer, config Config,
) (*Connection, error) {
	conn := newConnection(dialer, config)
	if err := conn.connect(ctx, true); err != nil {
		return nil, err
	}
	return conn, nil
}
