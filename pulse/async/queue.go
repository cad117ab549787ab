package async

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/lector/logger"
)

const (
	// DefaultMaxActive is used when Config.MaxActive is zero
	DefaultMaxActive = 5
	// FullInterval is the tick rate while there is slack to start more jobs
	FullInterval = 500 * time.Millisecond
	// ConstrainedInterval is the tick rate while nothing can be started
	ConstrainedInterval = 1000 * time.Millisecond
	// SubscriberChannelBufferSize is the buffer size for diagnostics subscribers
	SubscriberChannelBufferSize = 100
)

// Config configures a Queue. Zero values select the defaults.
type Config struct {
	// MaxActive caps concurrently running jobs. 0 selects DefaultMaxActive,
	// negative values clamp to 1.
	MaxActive int

	// MemoryLimit blocks new admissions while MemoryProbe() / MemorySize
	// exceeds it. <= 0 disables the check. The probe reads the RSS of the
	// whole process, so queues sharing a process share the budget.
	MemoryLimit int64
	// MemorySize is the unit of MemoryLimit in bytes (default 1).
	MemorySize int64
	// MemoryProbe reports current memory use in bytes (default ProcessRSS).
	MemoryProbe func() (uint64, error)

	// Tick rates, overridable for tests.
	FullInterval        time.Duration
	ConstrainedInterval time.Duration
}

// Snapshot is what diagnostics subscribers receive on every tick.
type Snapshot struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
	Max    int `json:"max"`
}

// Queue admits jobs in FIFO order and runs at most MaxActive of them at once.
//
// A single loop goroutine ticks at an adaptive rate: FullInterval while
// there is slack, ConstrainedInterval while admission is blocked. Each tick
// starts at most one job. The loop exits when the queue is empty and is
// restarted by the next AddJob.
type Queue struct {
	ctx    context.Context
	logger *zap.SugaredLogger

	maxActive           int
	memoryLimit         int64
	memorySize          int64
	memoryProbe         func() (uint64, error)
	fullInterval        time.Duration
	constrainedInterval time.Duration

	mu          sync.Mutex
	waiting     []*Job
	active      []*Job
	started     bool
	interval    time.Duration
	ticker      *time.Ticker
	stopLoop    chan struct{}
	subscribers []chan Snapshot

	inflight sync.WaitGroup
}

// NewQueue creates a paused queue. Call Start to begin admitting jobs.
func NewQueue(cfg Config, log *zap.SugaredLogger) *Queue {
	return NewQueueWithContext(context.Background(), cfg, log)
}

// NewQueueWithContext creates a paused queue whose jobs run with ctx as
// parent. Cancelling ctx stops the tick loop; jobs already running see the
// cancellation through their own context.
func NewQueueWithContext(ctx context.Context, cfg Config, log *zap.SugaredLogger) *Queue {
	maxActive := cfg.MaxActive
	switch {
	case maxActive == 0:
		maxActive = DefaultMaxActive
	case maxActive < 0:
		maxActive = 1
	}

	memorySize := cfg.MemorySize
	if memorySize <= 0 {
		memorySize = 1
	}

	q := &Queue{
		ctx:                 ctx,
		logger:              logger.AddPulseSymbol(log.Named("pulse.queue")),
		maxActive:           maxActive,
		memoryLimit:         cfg.MemoryLimit,
		memorySize:          memorySize,
		memoryProbe:         cfg.MemoryProbe,
		fullInterval:        cfg.FullInterval,
		constrainedInterval: cfg.ConstrainedInterval,
	}
	if q.memoryProbe == nil {
		q.memoryProbe = ProcessRSS
	}
	if q.fullInterval <= 0 {
		q.fullInterval = FullInterval
	}
	if q.constrainedInterval <= 0 {
		q.constrainedInterval = ConstrainedInterval
	}
	return q
}

// AddJob appends a waiting job and returns its handle. Options register
// lifecycle hooks before the job can be picked up by a tick.
func (q *Queue) AddJob(jobID int64, run Runnable, opts ...JobOption) *Job {
	j := &Job{id: jobID, run: run, queuedAt: time.Now()}
	for _, opt := range opts {
		opt(j)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.waiting = append(q.waiting, j)
	if q.stopLoop == nil {
		q.startLoopLocked()
	}
	return j
}

// RemoveJob drops the job from the waiting or running set. A running
// callback is not interrupted, but its completion is no longer reported.
// Returns false if the handle is not (or no longer) in the queue.
func (q *Queue) RemoveJob(j *Job) bool {
	if j == nil {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if i := slices.Index(q.waiting, j); i >= 0 {
		q.waiting = slices.Delete(q.waiting, i, i+1)
		j.removed = true
		return true
	}
	if i := slices.Index(q.active, j); i >= 0 {
		q.active = slices.Delete(q.active, i, i+1)
		j.removed = true
		return true
	}
	return false
}

// Start lets ticks admit jobs and resumes the tick loop if there is work.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.started = true
	if q.stopLoop == nil && q.totalLocked() > 0 {
		q.startLoopLocked()
	}
}

// Pause stops admitting new jobs. Running jobs are unaffected.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.started = false
}

// Clear pauses the queue and forgets every waiting and running job.
// In-flight callbacks keep running but report nothing.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.started = false
	for _, j := range q.waiting {
		j.removed = true
	}
	for _, j := range q.active {
		j.removed = true
	}
	q.waiting = nil
	q.active = nil
	q.stopLoopLocked()
}

// Wait blocks until every started callback returned, or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel receiving a Snapshot on every tick, and a
// function that unsubscribes and closes it. Slow subscribers miss snapshots
// rather than block the queue.
func (q *Queue) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, SubscriberChannelBufferSize)

	q.mu.Lock()
	q.subscribers = append(q.subscribers, ch)
	q.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			if i := slices.Index(q.subscribers, ch); i >= 0 {
				q.subscribers = slices.Delete(q.subscribers, i, i+1)
			}
			close(ch)
		})
	}
}

// RunningJobs returns the number of jobs currently executing.
func (q *Queue) RunningJobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// QueuedJobs returns the number of jobs waiting for a slot.
func (q *Queue) QueuedJobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// SchedulableJobs is min(queued, maxActive - running).
func (q *Queue) SchedulableJobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.schedulableLocked()
}

// TotalJobs is running + queued.
func (q *Queue) TotalJobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalLocked()
}

// MaxActive returns the concurrency cap after defaulting and clamping.
func (q *Queue) MaxActive() int {
	return q.maxActive
}

// IsEmpty reports whether nothing is waiting or running.
func (q *Queue) IsEmpty() bool {
	return q.TotalJobs() == 0
}

// IsFull reports whether running >= maxActive.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active) >= q.maxActive
}

// IsStarted reports whether ticks may admit jobs.
func (q *Queue) IsStarted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.started
}

// Interval returns the current tick interval, 0 while the loop is stopped.
func (q *Queue) Interval() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopLoop == nil {
		return 0
	}
	return q.interval
}

// InvalidRunning reports whether at least atLeast running jobs started
// before cutoff.
func (q *Queue) InvalidRunning(cutoff time.Time, atLeast int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, j := range q.active {
		if j.startRun.Before(cutoff) {
			n++
		}
	}
	return n >= atLeast
}

// GetJobs returns a snapshot of all running then waiting jobs.
func (q *Queue) GetJobs() []JobInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	infos := make([]JobInfo, 0, len(q.active)+len(q.waiting))
	for _, j := range q.active {
		infos = append(infos, j.info())
	}
	for _, j := range q.waiting {
		infos = append(infos, j.info())
	}
	return infos
}

func (q *Queue) totalLocked() int {
	return len(q.active) + len(q.waiting)
}

func (q *Queue) schedulableLocked() int {
	return max(min(len(q.waiting), q.maxActive-len(q.active)), 0)
}

func (q *Queue) startLoopLocked() {
	stop := make(chan struct{})
	q.stopLoop = stop
	q.interval = q.fullInterval
	q.ticker = time.NewTicker(q.interval)
	go q.loop(q.ticker, stop)
}

func (q *Queue) stopLoopLocked() {
	if q.stopLoop == nil {
		return
	}
	close(q.stopLoop)
	q.stopLoop = nil
	q.ticker = nil
}

// setIntervalLocked changes the tick rate. Setting the current value again
// is a no-op so the ticker is not reset on every tick.
func (q *Queue) setIntervalLocked(d time.Duration) {
	if d == q.interval || q.ticker == nil {
		return
	}
	q.interval = d
	q.ticker.Reset(d)
}

func (q *Queue) loop(ticker *time.Ticker, stop chan struct{}) {
	defer ticker.Stop()

	// First tick right away so a job added to an idle queue starts promptly
	q.tick(stop)
	for {
		select {
		case <-stop:
			return
		case <-q.ctx.Done():
			q.mu.Lock()
			if q.stopLoop == stop {
				q.stopLoopLocked()
			}
			q.mu.Unlock()
			return
		case <-ticker.C:
			q.tick(stop)
		}
	}
}

func (q *Queue) tick(stop chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// A loop replaced by Clear/AddJob must not touch the new ticker
	if q.stopLoop != stop {
		return
	}

	q.publishLocked()

	if q.totalLocked() == 0 {
		q.stopLoopLocked()
		return
	}

	if q.schedulableLocked() == 0 || !q.started || len(q.active) >= q.maxActive || q.memoryExceededLocked() {
		q.setIntervalLocked(q.constrainedInterval)
		return
	}

	j := q.waiting[0]
	q.waiting = q.waiting[1:]
	j.running = true
	j.startRun = time.Now()
	q.active = append(q.active, j)

	if q.schedulableLocked() > len(q.active) {
		q.setIntervalLocked(q.fullInterval)
	}

	q.inflight.Add(1)
	go q.execute(j)
}

func (q *Queue) memoryExceededLocked() bool {
	if q.memoryLimit <= 0 {
		return false
	}
	used, err := q.memoryProbe()
	if err != nil {
		q.logger.Debugw("Memory probe failed, not limiting admission", "error", err)
		return false
	}
	return float64(used)/float64(q.memorySize) > float64(q.memoryLimit)
}

func (q *Queue) publishLocked() {
	if len(q.subscribers) == 0 {
		return
	}
	snap := Snapshot{Active: len(q.active), Queued: len(q.waiting), Max: q.maxActive}
	for _, ch := range q.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

// execute runs one admitted job: start hook, callback, bookkeeping, done
// hook. Nothing a job or its hooks do can escape into the queue.
func (q *Queue) execute(j *Job) {
	defer q.inflight.Done()

	ec := &ExecutionContext{
		JobID:     j.id,
		TraceID:   uuid.NewString(),
		QueuedAt:  j.queuedAt,
		StartedAt: j.startRun,
	}
	ctx := withExecutionContext(q.ctx, ec)
	ctx = logger.WithJobID(ctx, strconv.FormatInt(j.id, 10))
	ctx = logger.WithTraceID(ctx, ec.TraceID)
	log := logger.WithContext(q.logger, ctx)

	onStart, _ := j.hooks()
	if onStart != nil {
		if err := protect(func() error { return onStart(ctx) }); err != nil {
			log.Warnw("Job start hook failed", "error", err)
		}
	}

	q.mu.Lock()
	j.executed++
	q.mu.Unlock()

	var value any
	err := protect(func() error {
		var runErr error
		value, runErr = j.run.Run(ctx)
		return runErr
	})

	result := Result{Value: value, Err: err, Message: ec.result(err)}
	removed := q.finish(j, err != nil)

	finished := time.Now()
	fields := []interface{}{
		logger.FieldDurationMS, finished.Sub(ec.StartedAt).Milliseconds(),
		logger.FieldWaitedMS, ec.StartedAt.Sub(ec.QueuedAt).Milliseconds(),
		"modifications", result.Message.Modifications,
		"network", result.Message.Network,
	}
	if err != nil {
		log.Warnw("Job failed", append(fields, logger.FieldError, err)...)
	} else {
		log.Debugw("Job finished", fields...)
	}

	if removed {
		return
	}

	_, onDone := j.hooks()
	if onDone != nil {
		if err := protect(func() error { return onDone(ctx, result) }); err != nil {
			log.Warnw("Job done hook failed", "error", err)
		}
	}
}

// finish takes the job out of the running set. A failed job is also purged
// from the waiting list in case it was queued again while running.
// Returns whether the job had been removed by RemoveJob or Clear.
func (q *Queue) finish(j *Job, failed bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	j.running = false
	j.lastRun = time.Now()
	if i := slices.Index(q.active, j); i >= 0 {
		q.active = slices.Delete(q.active, i, i+1)
	}
	if failed {
		if i := slices.Index(q.waiting, j); i >= 0 {
			q.waiting = slices.Delete(q.waiting, i, i+1)
		}
	}
	return j.removed
}

// protect converts a panic in fn into a *PanicError.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn()
}
