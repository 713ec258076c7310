package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Lifecycle metrics
	LifecycleOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_lifecycle_operations_total",
			Help: "Lifecycle operations by outcome",
		},
		[]string{"op", "result"},
	)

	UpdateConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_update_conflicts_total",
			Help: "Compare-and-update attempts that lost the race and were retried",
		},
		[]string{"op"},
	)

	UpdateFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_update_failures_total",
			Help: "Session updates that failed after classification",
		},
		[]string{"op"},
	)

	// Accrual metrics
	AccruedMilliseconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_accrued_milliseconds_total",
			Help: "Milliseconds folded into session totals",
		},
		[]string{"kind"},
	)

	Ticks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_ticks_total",
			Help: "Accrual clock ticks run",
		},
	)

	TickFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_tick_failures_total",
			Help: "Ticks skipped because open sessions could not be listed",
		},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "presence_tick_duration_seconds",
			Help:    "Time taken by one accrual tick",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	OpenSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_open_sessions",
			Help: "Open session windows after the last tick",
		},
	)

	WindowsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_windows_closed_total",
			Help: "Windows closed by the accrual clock",
		},
		[]string{"reason"},
	)

	// Query metrics
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_cache_lookups_total",
			Help: "Presence record cache lookups",
		},
		[]string{"result"},
	)

	// Audit metrics
	AuditRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_audit_runs_total",
			Help: "Consistency audit runs",
		},
		[]string{"result"},
	)

	AuditDriftAccounts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_audit_drift_accounts",
			Help: "Accounts whose aggregate drifted beyond tolerance in the last audit",
		},
	)

	AuditViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_audit_violations_total",
			Help: "Invariant violations found by the auditor",
		},
		[]string{"kind"},
	)

	// API metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_api_requests_total",
			Help: "API requests by route and status",
		},
		[]string{"route", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "presence_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		LifecycleOps,
		UpdateConflicts,
		UpdateFailures,
		AccruedMilliseconds,
		Ticks,
		TickFailures,
		TickDuration,
		OpenSessions,
		WindowsClosed,
		CacheLookups,
		AuditRuns,
		AuditDriftAccounts,
		AuditViolations,
		RequestsTotal,
		RequestDuration,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. ready backs /health; nil means
// always healthy.
func NewServer(addr string, ready func() error, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler exposes the mux for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
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

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
