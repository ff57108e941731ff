// Package metrics exposes watch and monitor loop counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crewpilot/crewpilot/internal/logging"
)

var metricsLog = logging.ForComponent(logging.CompMetrics)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewpilot_cycles_total",
			Help: "Total number of polling cycles",
		},
		[]string{"loop"}, // watch, monitor
	)

	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crewpilot_cycle_duration_seconds",
			Help:    "Duration of one polling cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	captureFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crewpilot_capture_failures_total",
			Help: "Total number of failed pane captures",
		},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewpilot_state_transitions_total",
			Help: "Total number of runner state transitions",
		},
		[]string{"state"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewpilot_notifications_total",
			Help: "Total number of notification decisions",
		},
		[]string{"kind", "result"}, // result: sent, rate_limited
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewpilot_alerts_total",
			Help: "Total number of stuck/dead alerts raised",
		},
		[]string{"kind"},
	)

	panesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crewpilot_panes",
			Help: "Number of panes seen in the last cycle, by state",
		},
		[]string{"state"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crewpilot_build_info",
			Help: "Build information",
		},
		[]string{"version"},
	)
)

var initOnce sync.Once

// Init registers the collectors once per process.
func Init(version string) {
	initOnce.Do(func() {
		prometheus.MustRegister(
			cyclesTotal,
			cycleDuration,
			captureFailuresTotal,
			transitionsTotal,
			notificationsTotal,
			alertsTotal,
			panesGauge,
			buildInfo,
		)
		buildInfo.WithLabelValues(version).Set(1)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCycle records one completed cycle of loop.
func RecordCycle(loop string, d time.Duration) {
	cyclesTotal.WithLabelValues(loop).Inc()
	cycleDuration.WithLabelValues(loop).Observe(d.Seconds())
}

// RecordCaptureFailure counts a failed capture.
func RecordCaptureFailure() {
	captureFailuresTotal.Inc()
}

// RecordTransition counts a state change into state.
func RecordTransition(state string) {
	transitionsTotal.WithLabelValues(state).Inc()
}

// RecordNotification counts a notification decision.
func RecordNotification(kind string, sent bool) {
	result := "sent"
	if !sent {
		result = "rate_limited"
	}
	notificationsTotal.WithLabelValues(kind, result).Inc()
}

// RecordAlert counts a raised alert.
func RecordAlert(kind string) {
	alertsTotal.WithLabelValues(kind).Inc()
}

// SetPaneStates replaces the per-state pane gauge with counts.
func SetPaneStates(counts map[string]int) {
	panesGauge.Reset()
	for state, n := range counts {
		panesGauge.WithLabelValues(state).Set(float64(n))
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	metricsLog.Info("metrics_listening", slog.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
