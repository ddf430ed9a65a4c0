package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/threat"
	"github.com/bluelight-hub/aegis/internal/infrastructure/queue"
	"github.com/bluelight-hub/aegis/internal/infrastructure/telemetry"
	"github.com/bluelight-hub/aegis/internal/metrics"
)

// Evaluator runs the rule engine against an event in context. Matched
// verdicts trigger the engine's own side effects (broadcasts, alerts,
// suspicious-activity re-enqueue).
type Evaluator interface {
	Evaluate(ctx context.Context, ec *threat.Context) []*threat.EvaluationResult
}

// Cleaner runs retention cleanup for CLEANUP jobs.
type Cleaner interface {
	Cleanup(ctx context.Context, daysToKeep int) (*CleanupReport, error)
}

// Verifier runs chain verification for VERIFY_INTEGRITY jobs.
type Verifier interface {
	VerifyRange(ctx context.Context, startSeq, endSeq uint64) (*audit.ChainVerificationResult, error)
}

// WriterConfig tunes the consumer loop.
type WriterConfig struct {
	// Workers is the number of consumer goroutines. Chain appends stay
	// serial regardless; the store lock serializes them.
	Workers int
	// PollInterval is the sleep between polls of an empty queue.
	PollInterval time.Duration
	// JobTimeout bounds one job attempt.
	JobTimeout time.Duration
	// RecentWindow bounds the rule context lookback.
	RecentWindow time.Duration
	// RecentLimit caps the rule context size.
	RecentLimit int
}

// DefaultWriterConfig returns production defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Workers:      4,
		PollInterval: 250 * time.Millisecond,
		JobTimeout:   30 * time.Second,
		RecentWindow: 60 * time.Minute,
		RecentLimit:  500,
	}
}

func (c *WriterConfig) normalize() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 60 * time.Minute
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = 500
	}
}

// Writer is the queue consumer that turns queued events into chain entries.
// Per job it enriches metadata with queue provenance, appends under the
// chain lock, refreshes the cached chain head, and hands the appended event
// to the rule engine. Jobs that exhaust their retries are preserved on the
// failed list and reported to the fallback sink.
type Writer struct {
	queue    queue.Queue
	store    audit.LogStore
	cache    audit.ChainStateCache
	engine   Evaluator
	cleaner  Cleaner
	verifier Verifier
	breaker  *CircuitBreaker
	metrics  *metrics.Registry
	tracer   *telemetry.AppTracer
	logger   *zap.Logger
	cfg      WriterConfig

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewWriter wires the consumer. cleaner and verifier may be nil when the
// deployment does not process CLEANUP or VERIFY_INTEGRITY jobs.
func NewWriter(
	q queue.Queue,
	store audit.LogStore,
	cache audit.ChainStateCache,
	engine Evaluator,
	cleaner Cleaner,
	verifier Verifier,
	breaker *CircuitBreaker,
	reg *metrics.Registry,
	logger *zap.Logger,
	cfg WriterConfig,
) *Writer {
	cfg.normalize()
	return &Writer{
		queue:    q,
		store:    store,
		cache:    cache,
		engine:   engine,
		cleaner:  cleaner,
		verifier: verifier,
		breaker:  breaker,
		metrics:  reg,
		tracer:   telemetry.NewTracer("aegis.audit.writer"),
		logger:   logger,
		cfg:      cfg,
	}
}

// Start launches the consumer goroutines.
func (w *Writer) Start(ctx context.Context) {
	w.stop = make(chan struct{})
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
	w.logger.Info("log writer started", zap.Int("workers", w.cfg.Workers))
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
	w.logger.Info("log writer stopped")
}

func (w *Writer) run(ctx context.Context, worker int) {
	defer w.wg.Done()
	log := w.logger.With(zap.Int("worker", worker))

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", zap.Error(err))
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Writer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.stop:
	case <-time.After(w.cfg.PollInterval):
	}
}

// process runs one job attempt and settles it with the queue.
func (w *Writer) process(ctx context.Context, job *queue.Job) {
	ctx, span := w.tracer.StartQueueSpan(ctx, "process", job.Kind.String())
	defer span.End()

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	err := w.handle(jobCtx, job)
	telemetry.WithSpanError(span, err)
	if err == nil {
		if ackErr := w.queue.Ack(ctx, job); ackErr != nil {
			w.logger.Error("failed to ack job",
				zap.String("job_id", job.ID), zap.Error(ackErr))
		}
		w.metrics.RecordJob(ctx, job.Kind.String(), "completed")
		return
	}

	retrying, nackErr := w.queue.Nack(ctx, job, err)
	if nackErr != nil {
		w.logger.Error("failed to nack job",
			zap.String("job_id", job.ID), zap.Error(nackErr))
		return
	}
	if retrying {
		w.metrics.RecordRetry(ctx, job.Kind.String())
		return
	}

	w.metrics.RecordJob(ctx, job.Kind.String(), "failed")
	// Fallback sink: the event is not lost, the job stays on the failed
	// list; this line is what operators page on.
	telemetry.WithTrace(ctx, w.logger).Error("job exhausted retries, preserved on failed list",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind.String()),
		zap.Int("attempts", job.Attempt),
		zap.Error(err))
}

func (w *Writer) handle(ctx context.Context, job *queue.Job) error {
	switch job.Kind {
	case queue.JobLogEvent:
		return w.writeEvent(ctx, job, job.Event)

	case queue.JobBatchLog:
		return w.writeBatch(ctx, job)

	case queue.JobCleanup:
		if w.cleaner == nil {
			return errors.NewInternalError("no cleanup service configured")
		}
		report, err := w.cleaner.Cleanup(ctx, job.DaysToKeep)
		if err != nil {
			return err
		}
		w.logger.Info("cleanup job finished",
			zap.String("job_id", job.ID),
			zap.Int64("archived", report.Archived),
			zap.Int64("deleted", report.Deleted))
		return nil

	case queue.JobVerifyIntegrity:
		if w.verifier == nil {
			return errors.NewInternalError("no integrity service configured")
		}
		result, err := w.verifier.VerifyRange(ctx, job.StartSeq, job.EndSeq)
		if err != nil {
			return err
		}
		w.logger.Info("integrity job finished",
			zap.String("job_id", job.ID),
			zap.Bool("valid", result.Valid),
			zap.Int("entries_verified", result.EntriesVerified))
		return nil

	default:
		return errors.NewValidationError("UNKNOWN_JOB_KIND",
			"job kind "+job.Kind.String()+" is not handled")
	}
}

func (w *Writer) writeEvent(ctx context.Context, job *queue.Job, event *audit.SecurityEvent) error {
	if event == nil {
		return errors.NewValidationError("NIL_EVENT", "job carries no event")
	}

	enriched := w.enrich(job, event)
	start := time.Now()

	var entry *audit.LogEntry
	err := w.breaker.Execute(func() error {
		var appendErr error
		entry, appendErr = w.store.Append(ctx, enriched, time.Now().UTC())
		return appendErr
	})
	if err != nil {
		return errors.NewJobFailedError(job.Kind.String(), err)
	}

	w.metrics.RecordAppend(ctx, time.Since(start),
		string(entry.EventType), string(entry.Severity))
	w.refreshHead(ctx, entry)
	w.evaluate(ctx, entry)
	return nil
}

func (w *Writer) writeBatch(ctx context.Context, job *queue.Job) error {
	if len(job.Events) == 0 {
		return errors.ErrEmptyBatch
	}

	enriched := make([]*audit.SecurityEvent, len(job.Events))
	for i, event := range job.Events {
		if event == nil {
			return errors.NewValidationError("NIL_EVENT", "batch contains a nil event")
		}
		enriched[i] = w.enrich(job, event)
	}

	start := time.Now()
	var entries []*audit.LogEntry
	err := w.breaker.Execute(func() error {
		var appendErr error
		entries, appendErr = w.store.AppendBatch(ctx, enriched, time.Now().UTC())
		return appendErr
	})
	if err != nil {
		return errors.NewJobFailedError(job.Kind.String(), err)
	}

	elapsed := time.Since(start)
	perEntry := elapsed / time.Duration(len(entries))
	for _, entry := range entries {
		w.metrics.RecordAppend(ctx, perEntry, string(entry.EventType), string(entry.Severity))
	}
	if len(entries) > 0 {
		w.refreshHead(ctx, entries[len(entries)-1])
	}
	for _, entry := range entries {
		w.evaluate(ctx, entry)
	}
	return nil
}

// enrich clones the event and stamps queue provenance into its metadata.
func (w *Writer) enrich(job *queue.Job, event *audit.SecurityEvent) *audit.SecurityEvent {
	clone := event.Clone()
	if clone.Metadata == nil {
		clone.Metadata = audit.Metadata{}
	}
	clone.Metadata["jobId"] = job.ID
	clone.Metadata["attempt"] = job.Attempt
	clone.Metadata["queuedAt"] = audit.FormatTimestamp(job.EnqueuedAt)
	clone.Metadata["processedAt"] = audit.FormatTimestamp(time.Now().UTC())
	return clone
}

func (w *Writer) refreshHead(ctx context.Context, entry *audit.LogEntry) {
	err := w.cache.SetHead(ctx, &audit.ChainState{
		SequenceNumber: entry.SequenceNumber,
		Hash:           entry.CurrentHash,
		UpdatedAt:      entry.CreatedAt,
	})
	if err != nil {
		w.logger.Warn("failed to refresh cached chain head",
			zap.Uint64("sequence", entry.SequenceNumber), zap.Error(err))
	}
}

// evaluate hands the appended entry to the rule engine with its recent
// context window. SUSPICIOUS_ACTIVITY entries are never evaluated; they are
// the engine's own output and would feed back.
func (w *Writer) evaluate(ctx context.Context, entry *audit.LogEntry) {
	if w.engine == nil || entry.EventType == audit.EventSuspiciousActivity {
		return
	}

	since := entry.CreatedAt.Add(-w.cfg.RecentWindow)
	recent, err := w.store.Recent(ctx, since, w.cfg.RecentLimit)
	if err != nil {
		w.logger.Warn("skipping rule evaluation, recent window unavailable",
			zap.Uint64("sequence", entry.SequenceNumber), zap.Error(err))
		return
	}

	events := make([]*audit.SecurityEvent, 0, len(recent))
	for _, prior := range recent {
		if prior.ID == entry.ID {
			continue
		}
		events = append(events, prior.ToEvent())
	}

	w.engine.Evaluate(ctx, &threat.Context{
		Event:        entry.ToEvent(),
		RecentEvents: events,
	})
}
