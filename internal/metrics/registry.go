package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds the domain instruments: log pipeline, queue, rule engine,
// integrity and archive. Observable gauges read from registry state updated
// by the owning components.
type Registry struct {
	meter metric.Meter

	// Log pipeline
	EntriesWritten metric.Int64Counter
	AppendDuration metric.Float64Histogram
	EventsPerSec   metric.Float64ObservableGauge

	// Queue
	JobsProcessed metric.Int64Counter
	JobRetries    metric.Int64Counter
	QueueWaiting metric.Int64ObservableGauge
	QueueActive  metric.Int64ObservableGauge
	QueueDelayed metric.Int64ObservableGauge
	QueueFailed  metric.Int64ObservableGauge

	// Rule engine
	RuleEvaluations metric.Int64Counter
	RuleEvalLatency metric.Float64Histogram
	RuleTimeouts    metric.Int64Counter
	ThreatsDetected metric.Int64Counter

	// Integrity and archive
	ChainVerifications metric.Int64Counter
	VerifyDuration     metric.Float64Histogram
	ArchivedEntries    metric.Int64Counter
	ArchiveBytes       metric.Int64Counter
	EntriesDeleted     metric.Int64Counter

	// System
	DBPoolSize metric.Int64ObservableGauge

	mu             sync.RWMutex
	queueWaiting   int64
	queueActive    int64
	queueDelayed   int64
	queueFailed    int64
	dbPoolSize     int64
	eventsWritten  int64
	lastEventCount int64
	lastEventTime  time.Time
}

// NewRegistry creates the registry and its instruments.
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{
		meter:         otel.Meter(meterName),
		lastEventTime: time.Now(),
	}

	if err := r.initPipelineMetrics(); err != nil {
		return nil, err
	}
	if err := r.initQueueMetrics(); err != nil {
		return nil, err
	}
	if err := r.initRuleMetrics(); err != nil {
		return nil, err
	}
	if err := r.initIntegrityMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initPipelineMetrics() error {
	var err error

	r.EntriesWritten, err = r.meter.Int64Counter(
		"aegis.audit.entries_written_total",
		metric.WithDescription("Total log entries appended to the chain"),
	)
	if err != nil {
		return err
	}

	r.AppendDuration, err = r.meter.Float64Histogram(
		"aegis.audit.append_duration",
		metric.WithDescription("Chain append duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000),
	)
	if err != nil {
		return err
	}

	r.EventsPerSec, err = r.meter.Float64ObservableGauge(
		"aegis.audit.events_per_second",
		metric.WithDescription("Current event write throughput per second"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			r.mu.Lock()
			defer r.mu.Unlock()

			now := time.Now()
			elapsed := now.Sub(r.lastEventTime).Seconds()
			if elapsed > 0 {
				o.Observe(float64(r.eventsWritten-r.lastEventCount) / elapsed)
				r.lastEventCount = r.eventsWritten
				r.lastEventTime = now
			}
			return nil
		}),
	)
	return err
}

func (r *Registry) initQueueMetrics() error {
	var err error

	r.JobsProcessed, err = r.meter.Int64Counter(
		"aegis.queue.jobs_total",
		metric.WithDescription("Total queue jobs processed, by kind and outcome"),
	)
	if err != nil {
		return err
	}

	r.JobRetries, err = r.meter.Int64Counter(
		"aegis.queue.retries_total",
		metric.WithDescription("Total job retry attempts"),
	)
	if err != nil {
		return err
	}

	gauge := func(name, desc string, value *int64) (metric.Int64ObservableGauge, error) {
		return r.meter.Int64ObservableGauge(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				r.mu.RLock()
				defer r.mu.RUnlock()
				o.Observe(*value)
				return nil
			}),
		)
	}

	if r.QueueWaiting, err = gauge("aegis.queue.waiting_depth",
		"Jobs waiting across both lanes", &r.queueWaiting); err != nil {
		return err
	}
	if r.QueueActive, err = gauge("aegis.queue.active_depth",
		"Jobs claimed and in flight", &r.queueActive); err != nil {
		return err
	}
	if r.QueueDelayed, err = gauge("aegis.queue.delayed_depth",
		"Jobs scheduled for retry", &r.queueDelayed); err != nil {
		return err
	}
	r.QueueFailed, err = gauge("aegis.queue.failed_depth",
		"Jobs retained after exhausting retries", &r.queueFailed)
	return err
}

func (r *Registry) initRuleMetrics() error {
	var err error

	r.RuleEvaluations, err = r.meter.Int64Counter(
		"aegis.rules.evaluations_total",
		metric.WithDescription("Total rule evaluations, by rule and verdict"),
	)
	if err != nil {
		return err
	}

	r.RuleEvalLatency, err = r.meter.Float64Histogram(
		"aegis.rules.evaluation_duration",
		metric.WithDescription("Rule evaluation duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 50, 100, 250, 500),
	)
	if err != nil {
		return err
	}

	r.RuleTimeouts, err = r.meter.Int64Counter(
		"aegis.rules.timeouts_total",
		metric.WithDescription("Rule evaluations cancelled by the engine deadline"),
	)
	if err != nil {
		return err
	}

	r.ThreatsDetected, err = r.meter.Int64Counter(
		"aegis.rules.threats_detected_total",
		metric.WithDescription("Matched verdicts, by severity"),
	)
	return err
}

func (r *Registry) initIntegrityMetrics() error {
	var err error

	r.ChainVerifications, err = r.meter.Int64Counter(
		"aegis.integrity.verifications_total",
		metric.WithDescription("Chain verification runs, by result"),
	)
	if err != nil {
		return err
	}

	r.VerifyDuration, err = r.meter.Float64Histogram(
		"aegis.integrity.verify_duration",
		metric.WithDescription("Chain verification duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return err
	}

	r.ArchivedEntries, err = r.meter.Int64Counter(
		"aegis.archive.entries_total",
		metric.WithDescription("Log entries written to archives"),
	)
	if err != nil {
		return err
	}

	r.ArchiveBytes, err = r.meter.Int64Counter(
		"aegis.archive.bytes_total",
		metric.WithDescription("Compressed archive bytes written"),
	)
	if err != nil {
		return err
	}

	r.EntriesDeleted, err = r.meter.Int64Counter(
		"aegis.audit.entries_deleted_total",
		metric.WithDescription("Log entries removed by retention cleanup"),
	)
	if err != nil {
		return err
	}

	r.DBPoolSize, err = r.meter.Int64ObservableGauge(
		"aegis.system.db_pool_size",
		metric.WithDescription("Acquired database connections"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.dbPoolSize)
			return nil
		}),
	)
	return err
}

// SetQueueDepths updates the queue gauges from a depth snapshot.
func (r *Registry) SetQueueDepths(waiting, active, delayed, failed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueWaiting = waiting
	r.queueActive = active
	r.queueDelayed = delayed
	r.queueFailed = failed
}

// SetDBPoolSize updates the connection pool gauge.
func (r *Registry) SetDBPoolSize(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dbPoolSize = size
}

// RecordAppend records one chain append.
func (r *Registry) RecordAppend(ctx context.Context, duration time.Duration, eventType, severity string) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("severity", severity),
	)
	r.EntriesWritten.Add(ctx, 1, attrs)
	r.AppendDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)

	r.mu.Lock()
	r.eventsWritten++
	r.mu.Unlock()
}

// RecordJob records a completed or failed queue job.
func (r *Registry) RecordJob(ctx context.Context, kind, outcome string) {
	r.JobsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordRetry records a job re-queued for another attempt.
func (r *Registry) RecordRetry(ctx context.Context, kind string) {
	r.JobRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRuleEvaluation records one rule run.
func (r *Registry) RecordRuleEvaluation(ctx context.Context, ruleName string, matched, timedOut bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("rule", ruleName),
		attribute.Bool("matched", matched),
	)
	r.RuleEvaluations.Add(ctx, 1, attrs)
	r.RuleEvalLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if timedOut {
		r.RuleTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", ruleName)))
	}
}

// RecordThreat records a matched verdict.
func (r *Registry) RecordThreat(ctx context.Context, severity string) {
	r.ThreatsDetected.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

// RecordVerification records a chain verification run.
func (r *Registry) RecordVerification(ctx context.Context, duration time.Duration, ok bool) {
	attrs := metric.WithAttributes(attribute.Bool("ok", ok))
	r.ChainVerifications.Add(ctx, 1, attrs)
	r.VerifyDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordArchive records one written archive file.
func (r *Registry) RecordArchive(ctx context.Context, entries int64, compressedBytes int64) {
	r.ArchivedEntries.Add(ctx, entries)
	r.ArchiveBytes.Add(ctx, compressedBytes)
}

// RecordCleanup records entries removed by retention.
func (r *Registry) RecordCleanup(ctx context.Context, deleted int64) {
	r.EntriesDeleted.Add(ctx, deleted)
}
