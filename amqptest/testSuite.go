//revive:disable:import-shadowing

package amqptest

import (
	"context"
	"time"

	"github.com/peake100/rogerRecover-go/amqp"
	"github.com/stretchr/testify/suite"
)

// RecoverySuiteOpts is used to configure RecoverySuite, which can be embedded into a
// testify suite.Suite to gain a number of useful testing methods.
type RecoverySuiteOpts struct {
	dialConfig *amqp.Config
	timeout    time.Duration
}

// WithDialConfig sets the amqp.Config to open test connections with.
// Default: TestConfig()
func (opts *RecoverySuiteOpts) WithDialConfig(config *amqp.Config) *RecoverySuiteOpts {
	opts.dialConfig = config
	return opts
}

// WithTimeout sets how long helpers wait for the connection before failing the test.
// Default: TestTimeout
func (opts *RecoverySuiteOpts) WithTimeout(timeout time.Duration) *RecoverySuiteOpts {
	opts.timeout = timeout
	return opts
}

// NewRecoverySuiteOpts returns a new RecoverySuiteOpts with default values.
func NewRecoverySuiteOpts() *RecoverySuiteOpts {
	config := TestConfig()
	return new(RecoverySuiteOpts).
		WithDialConfig(&config).
		WithTimeout(TestTimeout)
}

// RecoverySuite Embed into other suite types to get a fresh Broker and a connection to
// it for every test method, as well as helpers for failing the broker and waiting on
// recovery.
type RecoverySuite struct {
	// Suite is the embedded suite type.
	suite.Suite

	// Opts is our Options object and can be set on suite instantiation or during setup.
	Opts *RecoverySuiteOpts

	broker *Broker
	conn   *amqp.Connection
}

// SetupSuite implements suite.SetupAllSuite, and sets suite.Opts to
// NewRecoverySuiteOpts if no other opts has been provided.
func (suite *RecoverySuite) SetupSuite() {
	if suite.Opts == nil {
		suite.Opts = NewRecoverySuiteOpts()
	}
}

// SetupTest implements suite.SetupTestSuite and starts every test with an empty
// broker.
func (suite *RecoverySuite) SetupTest() {
	suite.broker = NewBroker()
	suite.conn = nil
}

// TearDownTest implements suite.TearDownTestSuite and closes the test connection.
func (suite *RecoverySuite) TearDownTest() {
	if suite.conn != nil {
		_ = suite.conn.Close()
	}
}

// Broker returns the broker of the current test.
func (suite *RecoverySuite) Broker() *Broker {
	return suite.broker
}

// Ctx returns a context that expires after the suite timeout. It is cancelled when the
// current test ends.
func (suite *RecoverySuite) Ctx() context.Context {
	timeout := suite.Opts.timeout
	if timeout <= 0 {
		timeout = TestTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	suite.T().Cleanup(cancel)
	return ctx
}

// Conn returns the connection of the current test, opening it on first use.
func (suite *RecoverySuite) Conn() *amqp.Connection {
	if suite.conn != nil {
		return suite.conn
	}

	config := suite.Opts.dialConfig
	if config == nil {
		defaultConfig := TestConfig()
		config = &defaultConfig
	}

	conn, err := amqp.OpenCtx(suite.Ctx(), suite.broker, *config)
	if !suite.NoError(err, "open connection") {
		suite.T().FailNow()
	}

	suite.conn = conn
	return suite.conn
}

// Tester returns the amqp.ConnectionTesting of Conn for the current suite.T().
func (suite *RecoverySuite) Tester() *amqp.ConnectionTesting {
	return suite.Conn().Test(suite.T())
}

// Channel opens a new channel on Conn. The test fails immediately on error.
func (suite *RecoverySuite) Channel() *amqp.Channel {
	channel, err := suite.Conn().Channel()
	if !suite.NoError(err, "open channel") {
		suite.T().FailNow()
	}
	return channel
}

// DropAndRecover drops every broker connection and waits for the recovery cycle that
// follows to finish, returning the state it finished in.
func (suite *RecoverySuite) DropAndRecover() amqp.RecoveryState {
	tester := suite.Tester()
	cycle := tester.Cycle()

	if !suite.Equal(1, suite.broker.DropConnections(), "one connection dropped") {
		suite.T().FailNow()
	}
	return tester.AwaitCycle(suite.Ctx(), cycle+1)
}

// AwaitState waits for Conn to reach one of states. The test fails immediately if it
// does not.
func (suite *RecoverySuite) AwaitState(states ...amqp.RecoveryState) amqp.RecoveryState {
	state, err := suite.Conn().AwaitState(suite.Ctx(), states...)
	if !suite.NoError(err, "await connection state") {
		suite.T().FailNow()
	}
	return state
}

// DeclareQueue declares a non-durable queue on channel. An empty name declares a
// server-named queue.
func (suite *RecoverySuite) DeclareQueue(
	channel *amqp.Channel, name string, exclusive bool,
) amqp.Queue {
	queue, err := channel.QueueDeclare(
		name,
		false,
		false,
		exclusive,
		false,
		nil,
	)
	if !suite.NoError(err, "declare queue") {
		suite.T().FailNow()
	}
	return queue
}

// DeclareExchange declares a non-durable exchange on channel.
func (suite *RecoverySuite) DeclareExchange(
	channel *amqp.Channel, name string, kind string,
) {
	err := channel.ExchangeDeclare(
		name,
		kind,
		false,
		false,
		false,
		false,
		nil,
	)
	if !suite.NoError(err, "declare exchange") {
		suite.T().FailNow()
	}
}

// BindQueue binds queue to exchange on channel.
func (suite *RecoverySuite) BindQueue(
	channel *amqp.Channel, queue string, key string, exchange string,
) {
	err := channel.QueueBind(queue, key, exchange, false, nil)
	if !suite.NoError(err, "bind queue") {
		suite.T().FailNow()
	}
}

// ConsumeInto starts a consumer on queue that forwards every delivery to the returned
// channel.
func (suite *RecoverySuite) ConsumeInto(
	channel *amqp.Channel, queue string, consumer string,
) (tag string, deliveries <-chan amqp.Delivery) {
	received := make(chan amqp.Delivery, deliveryBuffer)
	tag, err := channel.Consume(
		queue,
		consumer,
		amqp.ConsumeOptions{AutoAck: true},
		func(delivery amqp.Delivery) {
			received <- delivery
		},
	)
	if !suite.NoError(err, "consume") {
		suite.T().FailNow()
	}
	return tag, received
}

// AwaitDelivery waits for the next delivery on deliveries.
func (suite *RecoverySuite) AwaitDelivery(deliveries <-chan amqp.Delivery) amqp.Delivery {
	select {
	case delivery := <-deliveries:
		return delivery
	case <-suite.Ctx().Done():
		suite.T().Error("timed out waiting for delivery")
		suite.T().FailNow()
	}
	return amqp.Delivery{}
}
