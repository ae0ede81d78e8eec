package amqp

import (
	"crypto/tls"
	"time"

	"github.com/peake100/rogerRecover-go/amqp/topology"
	"github.com/peake100/rogerRecover-go/amqp/transport"
	"github.com/peake100/rogerRecover-go/amqp/transport/streadwaytransport"
	"github.com/rs/zerolog"
)

// TopologyFilter selects which recorded entities are replayed on recovery. A nil
// function includes every record of its kind. Bindings and consumers of a filtered
// queue or exchange are skipped with it.
type TopologyFilter struct {
	Exchanges        func(exchange topology.Exchange) bool
	Queues           func(queue topology.Queue) bool
	Bindings         func(binding topology.Binding) bool
	ExchangeBindings func(binding topology.ExchangeBinding) bool
	Consumers        func(consumer topology.Consumer) bool
}

// Config is used in DialConfig to specify the desired tuning parameters used during a
// connection open handshake and the recovery behavior of the connection.
//
// The zero value of every recovery option keeps the corresponding recovery enabled.
type Config struct {
	// Vhost specifies the namespace of permissions, exchanges, queues and
	// bindings on the server. Dial sets this to the path parsed from the URL.
	Vhost string

	ChannelMax int           // 0 max channels means 2^16 - 1
	FrameSize  int           // 0 max bytes means unlimited
	Heartbeat  time.Duration // less than 1s uses the server's interval

	// TLSClientConfig specifies the client configuration of the TLS connection
	// when establishing a tls transport.
	TLSClientConfig *tls.Config

	// Properties is table of properties that the client advertises to the server.
	Properties Table

	// Connection locale that we expect to always be en_US.
	Locale string

	// Dialer opens physical connections. When nil, a streadway dialer is built from
	// the url passed to DialConfig and the tuning fields above.
	Dialer transport.Dialer

	// DisableAutomaticRecovery stops the connection from redialing when the transport
	// is lost. The loss is then terminal and is sent to NotifyClose subscribers.
	DisableAutomaticRecovery bool

	// DisableTopologyRecovery reopens channels after a reconnect without replaying
	// their entities. Channel registries are emptied and the application is expected
	// to declare everything again.
	DisableTopologyRecovery bool

	// RecoveryInterval is the fixed wait before every reconnect attempt. There is no
	// backoff.
	RecoveryInterval time.Duration

	// RecoveryMaxAttempts caps the reconnect attempts of a single recovery cycle. Zero
	// retries until the connection is closed.
	RecoveryMaxAttempts int

	// ChannelRecoveryConcurrency caps how many channels replay their topology at once.
	// Zero recovers every channel concurrently.
	ChannelRecoveryConcurrency int

	// TopologyFilter excludes recorded entities from replay.
	TopologyFilter TopologyFilter

	// The logger to use for internal logging. If nil, the global zerolog logger will
	// be used.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default config for Dial().
func DefaultConfig() Config {
	return Config{
		Heartbeat:        defaultHeartbeat,
		Locale:           defaultLocale,
		RecoveryInterval: defaultRecoveryInterval,
	}
}

// streadwayConfig returns the tuning parameters for the default dialer.
func (config Config) streadwayConfig() streadwaytransport.Config {
	return streadwaytransport.Config{
		Vhost:           config.Vhost,
		ChannelMax:      config.ChannelMax,
		FrameSize:       config.FrameSize,
		Heartbeat:       config.Heartbeat,
		TLSClientConfig: config.TLSClientConfig,
		Properties:      config.Properties,
		Locale:          config.Locale,
	}
}

func (config Config) recoveryInterval() time.Duration {
	if config.RecoveryInterval <= 0 {
		return defaultRecoveryInterval
	}
	return config.RecoveryInterval
}
