// Package analytics records delivery outcomes. Events fan out to the
// delivery_analytics table, Prometheus counters and, when configured,
// CloudWatch metrics and an SQS queue. Recording never blocks or fails a
// delivery: sink errors are logged and dropped.
package analytics

import (
	"context"
	"log/slog"

	"bizjournal/internal/types"
)

// Sink receives analytics events.
type Sink interface {
	Name() string
	Emit(ctx context.Context, e types.AnalyticsEvent) error
}

// EventStore appends events to durable storage.
type EventStore interface {
	Insert(ctx context.Context, e types.AnalyticsEvent) error
}

// StoreSink adapts an EventStore to Sink.
type StoreSink struct {
	Store EventStore
}

func (s StoreSink) Name() string { return "store" }

func (s StoreSink) Emit(ctx context.Context, e types.AnalyticsEvent) error {
	return s.Store.Insert(ctx, e)
}

// Recorder is a write-only fan-out over sinks.
type Recorder struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRecorder creates a Recorder over sinks. Nil sinks are skipped.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{logger: logger}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// Record emits e to every sink.
func (r *Recorder) Record(ctx context.Context, e types.AnalyticsEvent) {
	for _, s := range r.sinks {
		if err := s.Emit(ctx, e); err != nil {
			r.logger.WarnContext(ctx, "analytics sink failed",
				"sink", s.Name(),
				"job_id", e.JobID,
				"outcome", string(e.Outcome),
				"error", err,
			)
		}
	}
}
