package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Scheduler metrics
	RestrictedDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kguard_restricted_devices",
			Help: "Number of devices currently outside their time contingents",
		},
	)

	RestrictionChanges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kguard_restriction_changes_total",
			Help: "Number of times the restricted device set changed",
		},
	)

	SchedulerFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kguard_scheduler_faults_total",
			Help: "Scheduler passes aborted by a configuration fault",
		},
	)

	// Usage metrics
	UsageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_usage_transitions_total",
			Help: "Usage start/stop transitions",
		},
		[]string{"transition", "reason"},
	)

	UsageMinutesAccounted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_usage_minutes_accounted_total",
			Help: "Total usage minutes charged against quotas",
		},
		[]string{"user"},
	)

	EventAppendErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kguard_event_append_errors_total",
			Help: "Usage events that could not be persisted on first attempt",
		},
	)

	PendingEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kguard_pending_events",
			Help: "Usage events waiting to be persisted",
		},
	)

	// Driver metrics
	PassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kguard_pass_duration_seconds",
			Help:    "Duration of periodic scheduler and accounting passes",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"stage"},
	)

	// DNS metrics
	DNSQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_dns_queries_total",
			Help: "Total DNS queries received",
		},
		[]string{"device", "action", "query_type"},
	)

	DNSUpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_dns_upstream_errors_total",
			Help: "DNS upstream query errors",
		},
		[]string{"upstream"},
	)
)

func init() {
	prometheus.MustRegister(
		RestrictedDevices,
		RestrictionChanges,
		SchedulerFaults,
		UsageTransitions,
		UsageMinutesAccounted,
		EventAppendErrors,
		PendingEvents,
		PassDuration,
		DNSQueriesTotal,
		DNSUpstreamErrors,
	)
}

// HealthFunc reports nil when the service is healthy.
type HealthFunc func() error

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. health may be nil.
func NewServer(addr string, health HealthFunc, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", HealthHandler(health))

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// HealthHandler answers 200 OK, or 503 with the error text when health fails.
func HealthHandler(health HealthFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
