package cadence

import "log/slog"

// MetricsSink is the telemetry capability the adapter's constraints
// telemetry (C5) reports through. Implementations are assumed
// process-wide and concurrency-safe; the adapter only ever calls one
// from its own work queue.
type MetricsSink interface {
	// RecordEnum records a discrete/boolean-ish sample under key.
	RecordEnum(key string, value int)
	// RecordSample records a scalar sample under key.
	RecordSample(key string, value float64)
}

// SlogMetricsSink is a MetricsSink that logs every sample through
// log/slog, matching this codebase's habit of using structured logging
// in place of a bespoke metrics client (cmd/prism/main.go,
// internal/pipeline/pipeline.go, ingest/srt/server.go all reach for
// slog rather than a metrics library). It is a stand-in: wiring a real
// aggregation backend is out of scope per spec.md §1, but any backend
// can implement MetricsSink and be substituted for this default.
type SlogMetricsSink struct {
	log *slog.Logger
}

var _ MetricsSink = (*SlogMetricsSink)(nil)

// NewSlogMetricsSink returns a SlogMetricsSink. If log is nil,
// slog.Default() is used.
func NewSlogMetricsSink(log *slog.Logger) *SlogMetricsSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogMetricsSink{log: log.With("component", "cadence-metrics")}
}

func (s *SlogMetricsSink) RecordEnum(key string, value int) {
	s.log.Debug("metric", "key", key, "value", value)
}

func (s *SlogMetricsSink) RecordSample(key string, value float64) {
	s.log.Debug("metric", "key", key, "value", value)
}
