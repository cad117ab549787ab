// Package async provides the bounded in-memory job queue that executes
// scheduled crawl work.
//
// The queue knows nothing about storage: it admits callbacks, runs at most
// MaxActive of them at once, and reports each completion through the job's
// lifecycle hooks. The pulse/schedule coordinator is what ties those hooks
// to durable job records.
package async

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Runnable is a unit of work admitted by the queue. The returned value is
// opaque to the queue and handed to OnDone hooks unchanged; the coordinator
// uses it for follow-up job requests.
type Runnable interface {
	Run(ctx context.Context) (any, error)
}

// Func adapts a plain function to Runnable.
type Func func(ctx context.Context) (any, error)

// Run calls f(ctx).
func (f Func) Run(ctx context.Context) (any, error) {
	return f(ctx)
}

// DoneFunc adapts a completion-callback style function to Runnable. The job
// settles when done is called; later calls are ignored.
type DoneFunc func(ctx context.Context, done func(error))

// Run blocks until f signals completion.
func (f DoneFunc) Run(ctx context.Context) (any, error) {
	result := make(chan error, 1)
	var once sync.Once
	f(ctx, func(err error) {
		once.Do(func() { result <- err })
	})
	return nil, <-result
}

// StartHook runs right before a job's callback.
type StartHook func(ctx context.Context) error

// DoneHook runs after a job's callback settled, on success and failure alike.
type DoneHook func(ctx context.Context, result Result) error

// Result is what a settled job hands to its DoneHook.
type Result struct {
	Value   any     // Whatever the callback returned
	Message Message // Counters collected in the job context
	Err     error   // Callback error, nil on success
}

// Failed reports whether the callback returned an error or panicked.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Job is the caller-visible handle for one admitted unit of work. It only
// exposes lifecycle registration; execution state stays with the queue.
//
// Several handles may carry the same ID. The queue does not enforce
// uniqueness, callers that need it keep their own index.
type Job struct {
	id  int64
	run Runnable

	mu      sync.Mutex
	onStart StartHook
	onDone  DoneHook

	// Owned by the queue, guarded by Queue.mu
	running  bool
	removed  bool
	queuedAt time.Time
	startRun time.Time
	lastRun  time.Time
	executed int
}

// JobOption configures a job at admission time.
type JobOption func(*Job)

// WithOnStart registers the start hook before the job can possibly run.
func WithOnStart(hook StartHook) JobOption {
	return func(j *Job) { j.onStart = hook }
}

// WithOnDone registers the done hook before the job can possibly run.
func WithOnDone(hook DoneHook) JobOption {
	return func(j *Job) { j.onDone = hook }
}

// ID returns the caller-supplied job id.
func (j *Job) ID() int64 {
	return j.id
}

// OnStart replaces the start hook. Prefer WithOnStart when the hook must be
// in place before the first tick.
func (j *Job) OnStart(hook StartHook) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onStart = hook
}

// OnDone replaces the done hook.
func (j *Job) OnDone(hook DoneHook) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onDone = hook
}

func (j *Job) hooks() (StartHook, DoneHook) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.onStart, j.onDone
}

// JobInfo is a read-only snapshot of a queued or running job.
type JobInfo struct {
	JobID    int64     `json:"job_id"`
	Running  bool      `json:"running"`
	QueuedAt time.Time `json:"queued_at"`
	StartRun time.Time `json:"start_run,omitempty"`
	LastRun  time.Time `json:"last_run,omitempty"`
	Executed int       `json:"executed"`
}

func (j *Job) info() JobInfo {
	return JobInfo{
		JobID:    j.id,
		Running:  j.running,
		QueuedAt: j.queuedAt,
		StartRun: j.startRun,
		LastRun:  j.lastRun,
		Executed: j.executed,
	}
}

// PanicError wraps a value recovered from a panicking callback or hook.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
