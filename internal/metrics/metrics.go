package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Evaluation metrics
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagelimit_evaluations_total",
			Help: "Total URL evaluations by path and outcome",
		},
		[]string{"path", "outcome"},
	)

	EvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagelimit_evaluation_duration_seconds",
			Help:    "URL evaluation duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"path"},
	)

	// Usage metrics
	SecondsAddedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagelimit_seconds_added_total",
			Help: "Total tracked seconds added to group usage",
		},
		[]string{"group"},
	)

	AddTimeDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagelimit_add_time_discarded_total",
			Help: "Add-time reports that were not recorded",
		},
		[]string{"reason"},
	)

	UsageEntriesPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagelimit_usage_entries_pruned_total",
			Help: "Usage day entries removed by retention",
		},
	)

	// Blocking metrics
	BlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagelimit_blocks_total",
			Help: "Total pages blocked",
		},
		[]string{"reason"},
	)

	// Bus metrics
	BusClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagelimit_bus_clients",
			Help: "Number of connected bus clients",
		},
	)

	BusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagelimit_bus_messages_total",
			Help: "Bus messages received by event",
		},
		[]string{"event"},
	)

	BusDeliveryDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pagelimit_bus_delivery_dropped_total",
			Help: "Bus messages dropped because a client could not take them",
		},
	)

	// Lock metrics
	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagelimit_lock_wait_seconds",
			Help:    "Time spent waiting to enter a critical section",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"name"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		EvaluationsTotal,
		EvaluationDuration,
		SecondsAddedTotal,
		AddTimeDiscarded,
		UsageEntriesPruned,
		BlocksTotal,
		BusClients,
		BusMessagesTotal,
		BusDeliveryDropped,
		LockWaitDuration,
	)
}

// Server serves /metrics and a /health probe.
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener
}

// NewServer creates a metrics server. /health answers 503 while healthy
// returns an error; a nil healthy always reports OK.
func NewServer(addr string, healthy func(ctx context.Context) error, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "metrics").Logger()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil {
			if err := healthy(r.Context()); err != nil {
				logger.Warn().Err(err).Msg("Health check failed")
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the server's mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener serves on ln, a systemd-activated socket, instead of binding.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start serves in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop waits for in-flight scrapes until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
