/*
Package probe implements the recoveryprobe daemon: it opens a recovering connection,
declares a topology from a YAML file on it, counts the deliveries of its consumers and
serves the recovery status and Prometheus metrics over HTTP.
*/
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/peake100/rogerRecover-go/amqp"
	"github.com/peake100/rogerRecover-go/amqp/recoverymetrics"
	"github.com/peake100/rogerRecover-go/amqp/transport"
	"github.com/peake100/rogerRecover-go/amqp/transport/amqp091transport"
	"github.com/peake100/rogerRecover-go/amqp/transport/streadwaytransport"
	"github.com/prometheus/client_golang/prometheus"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// shutdownTimeout bounds the graceful shutdown of the HTTP server.
const shutdownTimeout = 10 * time.Second

// eventBuffer is the capacity of the probe's event log receivers.
const eventBuffer = 16

// Probe owns a connection, the topology declared on it and its metrics.
type Probe struct {
	conn    *amqp.Connection
	channel *amqp.Channel

	registry   *prometheus.Registry
	collector  *recoverymetrics.Collector
	deliveries *prometheus.CounterVec

	// queueNames maps topology queue names and aliases to the names they were
	// declared with.
	queueNames map[string]string

	logger zerolog.Logger
}

// NewDialer returns the transport.Dialer of config.Driver.
func NewDialer(config Config) (transport.Dialer, error) {
	defaults := amqp.DefaultConfig()

	switch config.Driver {
	case DriverStreadway, "":
		return streadwaytransport.NewDialer(config.URL, streadwaytransport.Config{
			Heartbeat: defaults.Heartbeat,
			Locale:    defaults.Locale,
		}), nil
	case DriverAmqp091:
		return amqp091transport.NewDialer(config.URL, amqp091.Config{
			Heartbeat: defaults.Heartbeat,
			Locale:    defaults.Locale,
		}), nil
	default:
		return nil, fmt.Errorf("unknown driver '%v'", config.Driver)
	}
}

// New connects to dialer, retrying until ctx is cancelled, and declares topology.
func New(
	ctx context.Context,
	config Config,
	dialer transport.Dialer,
	topology Topology,
	logger zerolog.Logger,
) (*Probe, error) {
	connConfig := amqp.DefaultConfig()
	connConfig.RecoveryInterval = config.RecoveryInterval
	connConfig.RecoveryMaxAttempts = config.MaxAttempts
	connConfig.Logger = &logger

	conn, err := amqp.OpenCtx(ctx, dialer, connConfig)
	if err != nil {
		return nil, fmt.Errorf("error connecting: %w", err)
	}

	probe := &Probe{
		conn:     conn,
		registry: prometheus.NewRegistry(),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.MetricsNamespace,
			Name:      "deliveries_total",
			Help:      "Messages received by the probe's consumers.",
		}, []string{"queue"}),
		logger: logger.With().Str("TRANSPORT", "PROBE").Logger(),
	}
	go probe.logEvents(
		conn.NotifySupervisor(make(chan amqp.SupervisorEvent, eventBuffer)),
		conn.NotifyRecovery(make(chan amqp.RecoveryEvent, eventBuffer)),
	)

	probe.collector = recoverymetrics.Watch(conn, config.MetricsNamespace)
	probe.registry.MustRegister(probe.collector, probe.deliveries)

	probe.channel, err = conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("error opening channel: %w", err)
	}

	probe.queueNames, err = topology.Declare(probe.channel, probe.countDeliveries)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	probe.logger.Info().
		Int("EXCHANGES", len(topology.Exchanges)).
		Int("QUEUES", len(topology.Queues)).
		Int("CONSUMERS", len(topology.Consumers)).
		Msg("PROBE TOPOLOGY DECLARED")

	return probe, nil
}

func (probe *Probe) countDeliveries(queue string) amqp.Handler {
	counter := probe.deliveries.WithLabelValues(queue)
	return func(delivery amqp.Delivery) {
		counter.Inc()
		if probe.logger.Debug().Enabled() {
			probe.logger.Debug().
				Str("QUEUE", queue).
				Str("ROUTING_KEY", delivery.RoutingKey).
				Uint64("DELIVERY_TAG", delivery.DeliveryTag).
				Msg("delivery received")
		}
	}
}

func (probe *Probe) logEvents(
	supervisorEvents <-chan amqp.SupervisorEvent, recoveryEvents <-chan amqp.RecoveryEvent,
) {
	for supervisorEvents != nil || recoveryEvents != nil {
		select {
		case event, ok := <-supervisorEvents:
			if !ok {
				supervisorEvents = nil
				continue
			}
			logEvent := probe.logger.Info()
			if event.Err != nil {
				logEvent = probe.logger.Warn().Err(event.Err)
			}
			logEvent.
				Str("EVENT", event.Kind.String()).
				Uint64("RECOVERY_CYCLE", event.Cycle).
				Int("ATTEMPT", event.Attempt).
				Msg("AMQP SUPERVISOR EVENT")
		case event, ok := <-recoveryEvents:
			if !ok {
				recoveryEvents = nil
				continue
			}
			logEvent := probe.logger.Info()
			if event.Err != nil {
				logEvent = probe.logger.Warn().Err(event.Err)
			}
			logEvent.
				Str("EVENT", event.Kind.String()).
				Uint64("RECOVERY_CYCLE", event.Cycle).
				Uint16("CHANNEL_ID", event.ChannelID).
				Str("OLD_NAME", event.OldName).
				Str("NEW_NAME", event.NewName).
				Msg("AMQP RECOVERY EVENT")
		}
	}
}

// Connection returns the probe's connection.
func (probe *Probe) Connection() *amqp.Connection {
	return probe.conn
}

// QueueName returns the current broker name of a topology queue, following renames
// of server-named queues.
func (probe *Probe) QueueName(ref string) string {
	name, ok := probe.queueNames[ref]
	if !ok {
		return ref
	}
	return probe.channel.QueueName(name)
}

// Handler returns the probe's HTTP routes.
func (probe *Probe) Handler() http.Handler {
	return NewRouter(probe.conn, probe.registry, probe.logger)
}

// Close closes the connection and waits for its metrics to be counted.
func (probe *Probe) Close() error {
	err := probe.conn.Close()
	<-probe.collector.Done()
	return err
}

// Run runs the probe described by config until ctx is cancelled.
func Run(ctx context.Context, config Config, logger zerolog.Logger) error {
	var topology Topology
	if config.TopologyFile != "" {
		var err error
		topology, err = LoadTopology(config.TopologyFile)
		if err != nil {
			return err
		}
	}

	dialer, err := NewDialer(config)
	if err != nil {
		return err
	}

	probe, err := New(ctx, config, dialer, topology, logger)
	if err != nil {
		return err
	}
	defer func() { _ = probe.Close() }()

	server := &http.Server{
		Addr:              config.Listen,
		Handler:           probe.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("LISTEN", config.Listen).Msg("status server listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("status server shutdown")
	}
	return nil
}
