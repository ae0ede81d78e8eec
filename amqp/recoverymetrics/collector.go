/*
Package recoverymetrics exports the recovery activity of an amqp.Connection as
Prometheus metrics.

The collector subscribes to the connection's supervisor and recovery event streams and
services them for as long as the connection lives, so registering it never stalls
recovery.

	conn, _ := amqp.Dial(url)
	collector := recoverymetrics.Watch(conn, "orders_service")
	prometheus.MustRegister(collector)
*/
package recoverymetrics

import (
	"sync"
	"time"

	"github.com/peake100/rogerRecover-go/amqp"
	"github.com/prometheus/client_golang/prometheus"
)

// eventBuffer is the capacity of the receivers registered on the connection.
const eventBuffer = 64

// Label values of the outcome label.
const (
	outcomeConnected = "connected"
	outcomeFailed    = "failed"
	outcomeRecovered = "recovered"
	outcomeDegraded  = "degraded"
	outcomeAbandoned = "abandoned"
)

var recoveryStates = []amqp.RecoveryState{
	amqp.StateIdle,
	amqp.StateConnectionLost,
	amqp.StateReconnecting,
	amqp.StateChannelsRecovering,
	amqp.StateStable,
	amqp.StateDegraded,
	amqp.StateLost,
	amqp.StateClosed,
}

// Collector implements prometheus.Collector for a single connection.
type Collector struct {
	conn *amqp.Connection

	stateDesc *prometheus.Desc

	transportLosses prometheus.Counter
	dialAttempts    *prometheus.CounterVec
	cycles          *prometheus.CounterVec
	channels        *prometheus.CounterVec
	queueRenames    prometheus.Counter
	consumerRetags  prometheus.Counter
	cycleDuration   prometheus.Histogram

	starts *cycleStarts

	done chan struct{}
}

// Watch subscribes a new Collector to conn. Metric names are prefixed with namespace,
// and every metric carries the endpoint of conn as a constant label.
func Watch(conn *amqp.Connection, namespace string) *Collector {
	labels := prometheus.Labels{"endpoint": conn.Endpoint()}
	const subsystem = "amqp_recovery"

	collector := &Collector{
		conn: conn,
		stateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "state"),
			"1 for the current recovery state of the connection, 0 for the others.",
			[]string{"state"},
			labels,
		),
		transportLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "transport_losses_total",
			Help:        "Number of times the broker connection was lost.",
			ConstLabels: labels,
		}),
		dialAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "dial_attempts_total",
			Help:        "Reconnect attempts by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cycles_total",
			Help:        "Finished recovery cycles by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		channels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "channels_total",
			Help:        "Channel topology replays by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		queueRenames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "queue_renames_total",
			Help:        "Server-named queues given a new name during recovery.",
			ConstLabels: labels,
		}),
		consumerRetags: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "consumer_retags_total",
			Help:        "Consumers given a new server-generated tag during recovery.",
			ConstLabels: labels,
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cycle_duration_seconds",
			Help:        "Time from losing the connection to the end of its recovery cycle.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		starts: newCycleStarts(),
		done:   make(chan struct{}),
	}

	supervisorEvents := conn.NotifySupervisor(make(chan amqp.SupervisorEvent, eventBuffer))
	recoveryEvents := conn.NotifyRecovery(make(chan amqp.RecoveryEvent, eventBuffer))

	waitGroup := new(sync.WaitGroup)
	waitGroup.Add(2)
	go func() {
		defer waitGroup.Done()
		for event := range supervisorEvents {
			collector.observeSupervisor(event)
		}
	}()
	go func() {
		defer waitGroup.Done()
		for event := range recoveryEvents {
			collector.observeRecovery(event)
		}
	}()
	go func() {
		waitGroup.Wait()
		close(collector.done)
	}()

	return collector
}

// Done is closed once the connection has closed its event streams and every event has
// been counted.
func (collector *Collector) Done() <-chan struct{} {
	return collector.done
}

func (collector *Collector) observeSupervisor(event amqp.SupervisorEvent) {
	switch event.Kind {
	case amqp.SupervisorLost:
		collector.transportLosses.Inc()
		collector.starts.start(event.Cycle, event.Time)
	case amqp.SupervisorDialFailed:
		collector.dialAttempts.WithLabelValues(outcomeFailed).Inc()
	case amqp.SupervisorConnected:
		collector.dialAttempts.WithLabelValues(outcomeConnected).Inc()
	case amqp.SupervisorAbandoned:
		collector.cycles.WithLabelValues(outcomeAbandoned).Inc()
		collector.observeCycleEnd(event.Cycle, event.Time)
	}
}

func (collector *Collector) observeRecovery(event amqp.RecoveryEvent) {
	switch event.Kind {
	case amqp.ChannelRecovered:
		collector.channels.WithLabelValues(outcomeRecovered).Inc()
	case amqp.ChannelRecoveryFailed:
		collector.channels.WithLabelValues(outcomeFailed).Inc()
	case amqp.QueueRenamed:
		collector.queueRenames.Inc()
	case amqp.ConsumerRetagged:
		collector.consumerRetags.Inc()
	case amqp.ConnectionRecovered:
		collector.cycles.WithLabelValues(outcomeRecovered).Inc()
		collector.observeCycleEnd(event.Cycle, event.Time)
	case amqp.RecoveryFailed:
		collector.cycles.WithLabelValues(outcomeDegraded).Inc()
		collector.observeCycleEnd(event.Cycle, event.Time)
	}
}

// observeCycleEnd records the duration of cycle. The supervisor and recovery streams
// are read on separate goroutines, so a cycle whose start has not been seen yet is
// not timed.
func (collector *Collector) observeCycleEnd(cycle uint64, endedAt time.Time) {
	if duration, ok := collector.starts.end(cycle, endedAt); ok {
		collector.cycleDuration.Observe(duration.Seconds())
	}
}

// Describe implements prometheus.Collector.
func (collector *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- collector.stateDesc
	collector.transportLosses.Describe(descs)
	collector.dialAttempts.Describe(descs)
	collector.cycles.Describe(descs)
	collector.channels.Describe(descs)
	collector.queueRenames.Describe(descs)
	collector.consumerRetags.Describe(descs)
	collector.cycleDuration.Describe(descs)
}

// Collect implements prometheus.Collector. The state gauge is read from the connection
// at collection time.
func (collector *Collector) Collect(metrics chan<- prometheus.Metric) {
	current := collector.conn.RecoveryState()
	for _, state := range recoveryStates {
		value := 0.0
		if state == current {
			value = 1
		}
		metrics <- prometheus.MustNewConstMetric(
			collector.stateDesc, prometheus.GaugeValue, value, state.String(),
		)
	}

	collector.transportLosses.Collect(metrics)
	collector.dialAttempts.Collect(metrics)
	collector.cycles.Collect(metrics)
	collector.channels.Collect(metrics)
	collector.queueRenames.Collect(metrics)
	collector.consumerRetags.Collect(metrics)
	collector.cycleDuration.Collect(metrics)
}
