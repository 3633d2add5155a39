// ABOUTME: Prometheus metrics for the monitoring path
// ABOUTME: Counts transport, decode and scheduling activity on a private registry
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all collectors exported by the client
type Metrics struct {
	registry *prometheus.Registry

	// Transport
	Connects        prometheus.Counter
	Disconnects     prometheus.Counter
	TransportErrors prometheus.Counter
	Connected       prometheus.Gauge
	MessagesDropped prometheus.Counter

	// Decode
	FramesReceived prometheus.Counter
	DecodeErrors   *prometheus.CounterVec
	Snapshots      prometheus.Counter

	// Playback
	BlocksScheduled  prometheus.Counter
	BlocksDropped    prometheus.Counter
	TimelineSnaps    *prometheus.CounterVec
	ScheduleFailures prometheus.Counter
	ScheduledLead    prometheus.Histogram
}

// NewMetrics creates and registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Connects: f.NewCounter(prometheus.CounterOpts{
			Name: "capmon_transport_connects_total",
			Help: "Total number of websocket connections opened",
		}),
		Disconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "capmon_transport_disconnects_total",
			Help: "Total number of websocket connections lost",
		}),
		TransportErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "capmon_transport_errors_total",
			Help: "Total number of dial, read and write errors",
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "capmon_transport_connected",
			Help: "1 while the websocket is open",
		}),
		MessagesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "capmon_transport_sends_dropped_total",
			Help: "Outbound control messages dropped because the connection was not open",
		}),

		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "capmon_frames_received_total",
			Help: "Total number of binary stream frames received",
		}),
		DecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capmon_decode_errors_total",
			Help: "Frames dropped by the decoder",
		}, []string{"kind"}),
		Snapshots: f.NewCounter(prometheus.CounterOpts{
			Name: "capmon_state_snapshots_total",
			Help: "Session state snapshots applied",
		}),

		BlocksScheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "capmon_blocks_scheduled_total",
			Help: "Sample blocks handed to the audio sink",
		}),
		BlocksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "capmon_blocks_dropped_total",
			Help: "Sample blocks discarded while monitoring was off or after a failure",
		}),
		TimelineSnaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capmon_timeline_snaps_total",
			Help: "Playback timeline resynchronisations by cause",
		}, []string{"reason"}),
		ScheduleFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "capmon_schedule_failures_total",
			Help: "Sink scheduling or open failures",
		}),
		ScheduledLead: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "capmon_scheduled_lead_seconds",
			Help:    "Distance between the sink clock and a block's start time",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 0.75, 1.0},
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics endpoint listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server failed", slog.String("error", err.Error()))
	}
}
