//revive:disable:import-shadowing

package amqptest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/peake100/rogerRecover-go/amqp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

const (
	// TestRecoveryInterval is the reconnect interval used by TestConfig.
	TestRecoveryInterval = 10 * time.Millisecond

	// TestTimeout bounds every wait made by the helpers in this package.
	TestTimeout = 5 * time.Second
)

// TestConfig returns amqp.DefaultConfig with a short recovery interval and a logger
// that only reports warnings, for use against a Broker.
func TestConfig() amqp.Config {
	config := amqp.DefaultConfig()
	config.RecoveryInterval = TestRecoveryInterval

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.WarnLevel).
		With().
		Timestamp().
		Logger()
	config.Logger = &logger

	return config
}

// GetTestConnection opens a new connection to broker with TestConfig.
//
// t.FailNow() is called on any errors.
func GetTestConnection(t *testing.T, broker *Broker) *amqp.Connection {
	return GetTestConnectionConfig(t, broker, TestConfig())
}

// GetTestConnectionConfig opens a new connection to broker with config. The connection
// is closed when the test ends.
//
// t.FailNow() is called on any errors.
func GetTestConnectionConfig(
	t *testing.T, broker *Broker, config amqp.Config,
) *amqp.Connection {
	assert := assert.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	conn, err := amqp.OpenCtx(ctx, broker, config)
	if !assert.NoError(err, "open connection") {
		t.FailNow()
	}

	if !assert.NotNil(conn, "connection is not nil") {
		t.FailNow()
	}

	t.Cleanup(
		func() {
			_ = conn.Close()
		},
	)

	return conn
}
