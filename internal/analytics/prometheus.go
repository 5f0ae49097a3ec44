package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bizjournal/internal/types"
)

// Metrics holds the Prometheus collectors for the delivery pipeline.
type Metrics struct {
	deliveries    *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	activeWorkers prometheus.Gauge
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bizjournal",
			Subsystem: "delivery",
			Name:      "events_total",
			Help:      "Delivery attempt outcomes by job type.",
		}, []string{"job_type", "outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bizjournal",
			Subsystem: "queue",
			Name:      "jobs",
			Help:      "Jobs in the queue by status.",
		}, []string{"status"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bizjournal",
			Subsystem: "workers",
			Name:      "active",
			Help:      "Workers with a fresh heartbeat.",
		}),
	}
	for _, c := range []prometheus.Collector{m.deliveries, m.queueDepth, m.activeWorkers} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) Name() string { return "prometheus" }

// Emit counts the event.
func (m *Metrics) Emit(_ context.Context, e types.AnalyticsEvent) error {
	m.deliveries.WithLabelValues(string(e.JobType), string(e.Outcome)).Inc()
	return nil
}

// StatusCounter reports queue depth.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[types.JobStatus]int, error)
}

// ActiveCounter reports live workers.
type ActiveCounter interface {
	CountActive(ctx context.Context, cutoff time.Time) (int, error)
}

// ObserveQueue sets the queue depth gauges. Statuses missing from counts
// are reported as zero.
func (m *Metrics) ObserveQueue(counts map[types.JobStatus]int) {
	for _, s := range types.AllJobStatuses {
		m.queueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// ObserveWorkers sets the active worker gauge.
func (m *Metrics) ObserveWorkers(n int) {
	m.activeWorkers.Set(float64(n))
}

// Sample refreshes the gauges from the store.
func (m *Metrics) Sample(ctx context.Context, jobs StatusCounter, workers ActiveCounter, cutoff time.Time) error {
	counts, err := jobs.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("sample queue depth: %w", err)
	}
	m.ObserveQueue(counts)

	n, err := workers.CountActive(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("sample active workers: %w", err)
	}
	m.ObserveWorkers(n)
	return nil
}
