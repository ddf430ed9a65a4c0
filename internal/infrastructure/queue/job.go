package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
)

// JobKind selects the payload and handling of a queued job.
type JobKind string

const (
	JobLogEvent        JobKind = "LOG_EVENT"
	JobBatchLog        JobKind = "BATCH_LOG"
	JobCleanup         JobKind = "CLEANUP"
	JobVerifyIntegrity JobKind = "VERIFY_INTEGRITY"
)

func (k JobKind) String() string {
	return string(k)
}

// PriorityCritical routes a job to the LIFO critical lane.
const PriorityCritical = 0

// Job is one durable unit of queue work. Exactly one payload section is set
// depending on Kind.
type Job struct {
	ID         string    `json:"id"`
	Kind       JobKind   `json:"kind"`
	Priority   int       `json:"priority"`
	Attempt    int       `json:"attempt"`
	MaxRetries int       `json:"max_retries"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	ReadyAt    time.Time `json:"ready_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`

	// LOG_EVENT payload.
	Event *audit.SecurityEvent `json:"event,omitempty"`

	// BATCH_LOG payload; processed sequentially to preserve chain order.
	Events []*audit.SecurityEvent `json:"events,omitempty"`

	// CLEANUP payload.
	DaysToKeep int `json:"days_to_keep,omitempty"`

	// VERIFY_INTEGRITY payload; zero values verify the whole chain.
	StartSeq uint64 `json:"start_seq,omitempty"`
	EndSeq   uint64 `json:"end_seq,omitempty"`
}

// EnqueueOptions tune placement of a single job. The zero value keeps the
// job on the normal FIFO lane with queue-default retries.
type EnqueueOptions struct {
	// Priority overrides the normal priority when set; 0 is highest and
	// selects the critical LIFO lane.
	Priority *int
	// Delay holds the job in the delayed set until it becomes ready.
	Delay time.Duration
	// MaxRetries overrides the queue default when positive.
	MaxRetries int
}

// Priority boxes an explicit priority override for EnqueueOptions.
func Priority(p int) *int {
	return &p
}

// NewJob creates a job shell with a fresh id, stamped now.
func NewJob(kind JobKind, maxRetries int) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Priority:   1,
		Attempt:    0,
		MaxRetries: maxRetries,
		EnqueuedAt: time.Now().UTC(),
	}
}

// IsCritical reports whether the job belongs on the critical lane.
func (j *Job) IsCritical() bool {
	return j.Priority <= PriorityCritical
}

// AttemptsExhausted reports whether the job has no retries left.
func (j *Job) AttemptsExhausted() bool {
	return j.Attempt >= j.MaxRetries
}

// Counts reports queue depth per observable state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}
