package probe

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/peake100/rogerRecover-go/amqp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ChannelStatus is the status of one channel in a Status document.
type ChannelStatus struct {
	ID        uint16   `json:"id"`
	State     string   `json:"state"`
	Queues    []string `json:"queues"`
	Consumers []string `json:"consumers"`
}

// Status is the document served on /status.
type Status struct {
	ConnectionID string          `json:"connection_id"`
	Endpoint     string          `json:"endpoint"`
	State        string          `json:"state"`
	Healthy      bool            `json:"healthy"`
	Channels     []ChannelStatus `json:"channels"`
}

// healthy returns true for states where the declared topology is fully in place.
func healthy(state amqp.RecoveryState) bool {
	return state == amqp.StateIdle || state == amqp.StateStable
}

// StatusOf snapshots the recovery status of conn.
func StatusOf(conn *amqp.Connection) Status {
	state := conn.RecoveryState()
	status := Status{
		ConnectionID: conn.ID(),
		Endpoint:     conn.Endpoint(),
		State:        state.String(),
		Healthy:      healthy(state),
		Channels:     make([]ChannelStatus, 0),
	}

	for _, channel := range conn.Channels() {
		channelTopology := channel.Topology()

		channelStatus := ChannelStatus{
			ID:        channel.ID(),
			State:     channel.State().String(),
			Queues:    make([]string, 0, len(channelTopology.Queues)),
			Consumers: make([]string, 0, len(channelTopology.Consumers)),
		}
		for _, queue := range channelTopology.Queues {
			channelStatus.Queues = append(channelStatus.Queues, queue.Name)
		}
		for _, consumer := range channelTopology.Consumers {
			channelStatus.Consumers = append(channelStatus.Consumers, consumer.Tag)
		}
		status.Channels = append(status.Channels, channelStatus)
	}

	return status
}

// NewRouter returns the probe's HTTP routes:
//
//	GET /status   the Status of conn, 503 when not healthy
//	GET /healthz  an empty 200 or 503
//	GET /metrics  the metrics in gatherer
func NewRouter(
	conn *amqp.Connection, gatherer prometheus.Gatherer, logger zerolog.Logger,
) http.Handler {
	router := chi.NewRouter()

	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		status := StatusOf(conn)

		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Warn().Err(err).Msg("error writing status")
		}
	})

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !healthy(conn.RecoveryState()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	router.Method(
		http.MethodGet,
		"/metrics",
		promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	)

	return router
}
