package probe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/peake100/rogerRecover-go/amqp"
	"github.com/peake100/rogerRecover-go/amqptest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
)

type ProbeSuite struct {
	suite.Suite

	broker *amqptest.Broker
	probe  *Probe
	server *httptest.Server
}

func (suite *ProbeSuite) SetupTest() {
	topology, err := ParseTopology([]byte(testTopology))
	if !suite.NoError(err, "parse topology") {
		suite.T().FailNow()
	}

	config := DefaultConfig()
	config.RecoveryInterval = amqptest.TestRecoveryInterval
	config.MetricsNamespace = "test"

	ctx, cancel := context.WithTimeout(context.Background(), amqptest.TestTimeout)
	defer cancel()

	suite.broker = amqptest.NewBroker()
	suite.probe, err = New(ctx, config, suite.broker, topology, zerolog.Nop())
	if !suite.NoError(err, "start probe") {
		suite.T().FailNow()
	}

	suite.server = httptest.NewServer(suite.probe.Handler())
}

func (suite *ProbeSuite) TearDownTest() {
	suite.server.Close()
	_ = suite.probe.Close()
}

func (suite *ProbeSuite) get(path string) (int, string) {
	response, err := http.Get(suite.server.URL + path)
	if !suite.NoError(err, "GET %v", path) {
		suite.T().FailNow()
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if !suite.NoError(err, "read body") {
		suite.T().FailNow()
	}
	return response.StatusCode, string(body)
}

func (suite *ProbeSuite) status() (int, Status) {
	code, body := suite.get("/status")

	var status Status
	if !suite.NoError(json.Unmarshal([]byte(body), &status), "decode status") {
		suite.T().FailNow()
	}
	return code, status
}

func (suite *ProbeSuite) awaitDeliveries(queue string, expected float64) {
	suite.Eventually(
		func() bool {
			return testutil.ToFloat64(suite.probe.deliveries.WithLabelValues(queue)) == expected
		},
		amqptest.TestTimeout,
		amqptest.TestRecoveryInterval,
		"deliveries of %v", queue,
	)
}

func (suite *ProbeSuite) Test0010_TopologyDeclared() {
	suite.True(suite.broker.HasExchange("events"))
	suite.True(suite.broker.HasBinding("orders", "events", "orders.*"))
	suite.True(suite.broker.HasExchangeBinding("audit", "events", "#"))
	suite.Equal("amq.gen-1", suite.probe.QueueName("probe"))
	suite.Equal("orders", suite.probe.QueueName("orders"))
	suite.Equal([]string{"probe-orders"}, suite.broker.ConsumerTags("orders"))

	reached := suite.broker.Publish("events", "orders.created", amqp.Publishing{})
	suite.Equal(2, reached, "orders and probe queues")

	suite.awaitDeliveries("orders", 1)
	suite.awaitDeliveries("probe", 1)
}

func (suite *ProbeSuite) Test0020_Status() {
	code, status := suite.status()
	suite.Equal(http.StatusOK, code)
	suite.Equal("idle", status.State)
	suite.True(status.Healthy)
	suite.Equal(amqptest.BrokerEndpoint, status.Endpoint)

	if !suite.Len(status.Channels, 1, "one channel") {
		suite.T().FailNow()
	}
	suite.ElementsMatch([]string{"orders", "amq.gen-1"}, status.Channels[0].Queues)
	suite.Len(status.Channels[0].Consumers, 2)

	code, _ = suite.get("/healthz")
	suite.Equal(http.StatusOK, code)
}

func (suite *ProbeSuite) Test0030_RecoveryFollowsRenames() {
	conn := suite.probe.Connection()
	suite.Equal(1, suite.broker.DropConnections())

	ctx, cancel := context.WithTimeout(context.Background(), amqptest.TestTimeout)
	defer cancel()
	state := conn.Test(suite.T()).AwaitCycle(ctx, 1)
	suite.Equal(amqp.StateStable, state)

	suite.Equal("amq.gen-2", suite.probe.QueueName("probe"), "rename followed")
	suite.True(suite.broker.HasBinding("amq.gen-2", "audit", ""), "binding rewired")

	suite.broker.Publish("audit", "", amqp.Publishing{})
	suite.awaitDeliveries("probe", 1)

	code, status := suite.status()
	suite.Equal(http.StatusOK, code)
	suite.Equal("stable", status.State)
	suite.ElementsMatch([]string{"orders", "amq.gen-2"}, status.Channels[0].Queues)

	suite.Eventually(
		func() bool {
			_, body := suite.get("/metrics")
			return strings.Contains(body, "test_amqp_recovery_queue_renames_total") &&
				strings.Contains(body, `outcome="recovered"} 1`)
		},
		amqptest.TestTimeout,
		amqptest.TestRecoveryInterval,
	)
}

func (suite *ProbeSuite) Test0040_Unhealthy() {
	suite.broker.SetUnreachable(true)
	suite.Equal(1, suite.broker.DropConnections())

	_, err := suite.probe.Connection().AwaitState(
		suite.ctx(), amqp.StateReconnecting,
	)
	if !suite.NoError(err, "await reconnecting") {
		suite.T().FailNow()
	}

	code, status := suite.status()
	suite.Equal(http.StatusServiceUnavailable, code)
	suite.False(status.Healthy)
	suite.Equal("reconnecting", status.State)

	code, _ = suite.get("/healthz")
	suite.Equal(http.StatusServiceUnavailable, code)
}

func (suite *ProbeSuite) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), amqptest.TestTimeout)
	suite.T().Cleanup(cancel)
	return ctx
}

func TestProbe(t *testing.T) {
	suite.Run(t, new(ProbeSuite))
}
