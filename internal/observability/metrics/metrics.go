// Package metrics exports dispatcher and resolver observations to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"calnotify/internal/notifier"
	"calnotify/internal/reconcile"
)

// Recorder implements notifier.Metrics and reconcile.Observer on one
// registry.
type Recorder struct {
	reg prometheus.Gatherer

	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	retryDepth       prometheus.Gauge
	retriesDropped   prometheus.Counter
	conflicts        *prometheus.CounterVec
}

var (
	_ notifier.Metrics   = (*Recorder)(nil)
	_ reconcile.Observer = (*Recorder)(nil)
)

// New registers the calnotify collectors on reg. A nil reg gets a fresh
// registry with the Go and process collectors.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calnotify_deliveries_total",
				Help: "Channel delivery attempts by channel and status.",
			},
			[]string{"channel", "status"},
		),
		deliveryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "calnotify_delivery_duration_seconds",
				Help:    "Duration of channel sends.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"channel"},
		),
		retryDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "calnotify_retry_queue_depth",
			Help: "Retry messages waiting for their backoff.",
		}),
		retriesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "calnotify_retries_dropped_total",
			Help: "Retries dropped because the queue was full or the dispatcher was stopping.",
		}),
		conflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calnotify_conflicts_total",
				Help: "Event conflicts by final state.",
			},
			[]string{"state"},
		),
	}
}

// Gatherer is what the ops server serves on /metrics.
func (r *Recorder) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Recorder) ObserveDelivery(d notifier.DeliveryResult) {
	r.deliveries.WithLabelValues(d.Channel, string(d.Status)).Inc()
	if d.Status != notifier.StatusRateLimited {
		r.deliveryDuration.WithLabelValues(d.Channel).Observe(d.Duration.Seconds())
	}
}

func (r *Recorder) SetRetryQueueDepth(n int) { r.retryDepth.Set(float64(n)) }

func (r *Recorder) RetryDropped() { r.retriesDropped.Inc() }

func (r *Recorder) ObserveConflict(state reconcile.State) {
	r.conflicts.WithLabelValues(string(state)).Inc()
}
