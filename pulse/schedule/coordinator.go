package schedule

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/lector/db"
	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/logger"
	"github.com/teranos/lector/pulse/async"
)

const (
	// DefaultMaxActive is the queue size of a crawler process
	DefaultMaxActive = 50
	// DefaultInterval is how often the coordinator fetches, checks and reconciles
	DefaultInterval = 60 * time.Second
	// MaxPendingAttempts is how many AddJobs calls a request with an
	// unresolved dependency survives before it is dropped
	MaxPendingAttempts = 3
)

// JobStore is the durable job storage the coordinator drives
type JobStore interface {
	CandidateSource
	GetJobsByID(ctx context.Context, ids ...int64) ([]JobItem, error)
	GetJobsByName(ctx context.Context, names ...string) ([]JobItem, error)
	GetJobsByToken(ctx context.Context, tokens ...string) ([]JobItem, error)
	GetJobsInState(ctx context.Context, state JobState) ([]JobItem, error)
	GetAfterJobs(ctx context.Context, id int64) ([]JobItem, error)
	AddJobs(ctx context.Context, reqs ...JobRequest) ([]JobItem, error)
	UpdateJobs(ctx context.Context, items []JobItem, completedAt *time.Time) error
	ClaimJob(ctx context.Context, item JobItem) (bool, error)
	RemoveJobs(ctx context.Context, items []JobItem, completedAt *time.Time) error
	RemoveJob(ctx context.Context, idOrName string) error
	StopJobs(ctx context.Context) (int64, error)
}

// HookRegistry is the part of the hook registry the coordinator needs
type HookRegistry interface {
	Load(ctx context.Context) error
	// NewsHooks names the enabled hooks that have a news adapter
	NewsHooks() []string
}

// Dispatcher binds a decoded job to the routine that runs it. A job's
// Runnable may return []JobRequest, which are added as follow-up jobs.
type Dispatcher interface {
	Dispatch(kind JobKind) (async.Runnable, error)
}

// DispatchFunc adapts a function to Dispatcher
type DispatchFunc func(kind JobKind) (async.Runnable, error)

// Dispatch calls f(kind)
func (f DispatchFunc) Dispatch(kind JobKind) (async.Runnable, error) {
	return f(kind)
}

// Config configures a Coordinator
type Config struct {
	Queue        async.Config      // MaxActive 0 selects DefaultMaxActive
	Interval     time.Duration     // Coordinator loop period, default DefaultInterval
	NewsInterval time.Duration     // Period of seeded news jobs, default DefaultNewsInterval
	Strategy     Strategy          // Default RequestQueueBalanced
	Automatic    bool              // Fetch due jobs on every cycle
	Probe        ConnectivityProbe // nil disables stuck-job detection
}

type managedJob struct {
	item   JobItem
	handle *async.Job
	lost   bool // another process claimed the record first
}

type pendingRequest struct {
	req      JobRequest
	attempts int
}

// Coordinator bridges durable job records and the bounded async queue. It
// owns one queue and a loop that periodically admits due jobs, checks for
// stuck jobs and reconciles storage with memory.
type Coordinator struct {
	store      JobStore
	hooks      HookRegistry
	dispatcher Dispatcher
	queue      *async.Queue
	strategy   Strategy
	probe      ConnectivityProbe
	logger     *zap.SugaredLogger
	now        func() time.Time
	owner      string

	interval     time.Duration
	newsInterval time.Duration
	automatic    bool

	mu       sync.Mutex
	byID     map[int64]*managedJob
	byName   map[string]*managedJob
	pending  []pendingRequest
	failures []time.Time
	loopStop chan struct{}
	loopDone chan struct{}

	fatal chan error
}

// NewCoordinator creates a paused coordinator. Jobs run with ctx as parent.
func NewCoordinator(ctx context.Context, store JobStore, hooks HookRegistry, dispatcher Dispatcher, cfg Config, log *zap.SugaredLogger) *Coordinator {
	if cfg.Queue.MaxActive == 0 {
		cfg.Queue.MaxActive = DefaultMaxActive
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.NewsInterval <= 0 {
		cfg.NewsInterval = DefaultNewsInterval
	}
	if cfg.Strategy == nil {
		cfg.Strategy = RequestQueueBalanced
	}

	return &Coordinator{
		store:        store,
		hooks:        hooks,
		dispatcher:   dispatcher,
		queue:        async.NewQueueWithContext(ctx, cfg.Queue, log),
		strategy:     cfg.Strategy,
		probe:        cfg.Probe,
		logger:       logger.AddPulseSymbol(log.Named("pulse.coordinator")),
		now:          time.Now,
		owner:        uuid.NewString(),
		interval:     cfg.Interval,
		newsInterval: cfg.NewsInterval,
		automatic:    cfg.Automatic,
		byID:         make(map[int64]*managedJob),
		byName:       make(map[string]*managedJob),
		fatal:        make(chan error, 1),
	}
}

// Queue returns the coordinator's queue for introspection.
func (c *Coordinator) Queue() *async.Queue {
	return c.queue
}

// Fatal delivers a *errors.FatalSchedulerError when the health check decides
// the process must restart. The coordinator keeps running; acting on it is
// up to the caller.
func (c *Coordinator) Fatal() <-chan error {
	return c.fatal
}

// Setup prepares a fresh process: refreshes the hook registry, resets jobs
// left RUNNING by a previous lifetime and seeds the recurring jobs.
func (c *Coordinator) Setup(ctx context.Context) error {
	if err := c.hooks.Load(ctx); err != nil {
		return errors.Wrap(err, "failed to load hooks")
	}

	stopped, err := c.store.StopJobs(ctx)
	if err != nil {
		return err
	}
	if stopped > 0 {
		c.logger.Infow("Reset jobs left running by previous process", logger.FieldCount, stopped)
	}

	var seeds []JobRequest
	for _, hook := range c.hooks.NewsHooks() {
		seeds = append(seeds, NewsJob(hook, c.newsInterval))
	}
	seeds = append(seeds, HousekeepingJobs()...)
	if _, err := c.AddJobs(ctx, seeds...); err != nil {
		return errors.Wrap(err, "failed to seed recurring jobs")
	}
	c.logger.Infow("Coordinator set up", logger.FieldCount, len(seeds))
	return nil
}

// Start starts the queue and the coordinator loop. The first cycle runs
// right away.
func (c *Coordinator) Start(ctx context.Context) {
	c.queue.Start()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loopStop != nil {
		return
	}
	c.loopStop = make(chan struct{})
	c.loopDone = make(chan struct{})
	go c.loop(ctx, c.loopStop, c.loopDone)
	logger.AddPulseOpenSymbol(c.logger).Infow("Coordinator started", logger.FieldInterval, c.interval, logger.FieldMax, c.queue.MaxActive())
}

// Pause stops the loop and new admissions. Running jobs finish normally.
func (c *Coordinator) Pause() {
	c.queue.Pause()

	c.mu.Lock()
	stop, done := c.loopStop, c.loopDone
	c.loopStop, c.loopDone = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Stop pauses, waits for running jobs to settle and forgets everything
// in memory. Storage is left as the running jobs left it.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.Pause()
	err := c.queue.Wait(ctx)
	c.queue.Clear()

	c.mu.Lock()
	c.byID = make(map[int64]*managedJob)
	c.byName = make(map[string]*managedJob)
	c.mu.Unlock()

	if err != nil {
		return errors.Wrap(err, "jobs still running at shutdown")
	}
	logger.AddPulseCloseSymbol(c.logger).Infow("Coordinator stopped")
	return nil
}

// AddJobs persists requests. A full request in RunAfter is persisted before
// its dependant; a request whose dependency cannot be found yet is held back
// and retried on the next AddJobs calls, then dropped with a warning.
func (c *Coordinator) AddJobs(ctx context.Context, reqs ...JobRequest) ([]JobItem, error) {
	batch := expandRequests(reqs)

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	resolved := make(map[string]int64)
	var added []JobItem
	var stillPending []pendingRequest

	add := func(p pendingRequest) error {
		req := p.req
		if req.RunAfter != nil && req.RunAfterID == nil {
			id, ok, err := c.resolveDependency(ctx, req.RunAfter, resolved)
			if err != nil {
				return err
			}
			if !ok {
				stillPending = append(stillPending, pendingRequest{req: req, attempts: p.attempts + 1})
				return nil
			}
			req.RunAfterID = &id
		}

		items, err := c.store.AddJobs(ctx, req)
		if err != nil {
			return err
		}
		for _, item := range items {
			resolved["name:"+item.Name] = item.ID
			if item.Token != "" {
				resolved["token:"+item.Token] = item.ID
			}
			added = append(added, item)
		}
		return nil
	}

	var firstErr error
	for _, req := range batch {
		if err := add(pendingRequest{req: req}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, p := range pending {
		if err := add(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var keep []pendingRequest
	for _, p := range stillPending {
		if p.attempts >= MaxPendingAttempts {
			c.logger.Warnw("Dropping job whose dependency never appeared",
				logger.FieldJobName, p.req.Name,
				"run_after", describeRequest(p.req.RunAfter),
				"attempts", p.attempts,
			)
			continue
		}
		keep = append(keep, p)
	}

	c.mu.Lock()
	c.pending = append(c.pending, keep...)
	c.mu.Unlock()

	return added, firstErr
}

// PendingRequests returns how many requests wait for their dependency.
func (c *Coordinator) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RemoveDependant removes a job, by numeric id or name, from memory and the
// queue, then deletes it from storage. A running callback is not stopped.
func (c *Coordinator) RemoveDependant(ctx context.Context, key string) error {
	c.mu.Lock()
	var m *managedJob
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		m = c.byID[id]
	}
	if m == nil {
		m = c.byName[key]
	}
	if m != nil {
		c.queue.RemoveJob(m.handle)
		c.forgetLocked(m)
	}
	c.mu.Unlock()

	return c.store.RemoveJob(ctx, key)
}

// RunJobs loads the given jobs and admits them like the periodic fetch
// does, regardless of their schedule.
func (c *Coordinator) RunJobs(ctx context.Context, ids ...int64) error {
	items, err := c.store.GetJobsByID(ctx, ids...)
	if err != nil {
		return err
	}
	if len(items) < len(ids) {
		c.logger.Warnw("Some requested jobs do not exist", "requested", len(ids), "found", len(items))
	}
	c.admit(ctx, items...)
	return nil
}

// ActiveItems returns the jobs currently queued or running.
func (c *Coordinator) ActiveItems() []JobItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]JobItem, 0, len(c.byID))
	for _, m := range c.byID {
		items = append(items, m.item)
	}
	return items
}

func (c *Coordinator) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.runCycle(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

func (c *Coordinator) runCycle(ctx context.Context) {
	err := c.cycle(ctx)
	if err == nil {
		return
	}
	if errors.IsFatalSchedulerError(err) {
		c.logger.Errorw("Scheduler is stuck, requesting restart", logger.FieldError, err)
		select {
		case c.fatal <- err:
		default:
		}
		return
	}
	if db.IsDatabaseClosed(err) {
		c.logger.Debugw("Coordinator cycle after database closed", logger.FieldError, err)
		return
	}
	c.logger.Warnw("Coordinator cycle failed", logger.FieldError, err)
}

// cycle is one coordinator period: admit due jobs, check for stuck jobs,
// reconcile storage with memory.
func (c *Coordinator) cycle(ctx context.Context) error {
	if c.automatic {
		if err := c.fetchAndAdmit(ctx); err != nil && !db.IsDatabaseClosed(err) {
			c.logger.Warnw("Failed to fetch due jobs", logger.FieldError, err)
		}
	}
	if err := c.checkConnectivity(ctx); err != nil {
		return err
	}
	return c.reconcile(ctx)
}

func (c *Coordinator) fetchAndAdmit(ctx context.Context) error {
	source := &runnableSource{c: c, runs: make(map[int64]async.Runnable)}
	items, err := c.strategy(ctx, c.queue, source, c.ActiveItems())
	if err != nil {
		return err
	}
	admitted := 0
	for _, item := range items {
		run, ok := source.runs[item.ID]
		if !ok {
			continue
		}
		if c.enqueue(item, run) {
			admitted++
		}
	}
	if admitted > 0 {
		c.logger.Debugw("Admitted due jobs", logger.FieldCount, admitted, logger.FieldQueued, c.queue.QueuedJobs())
	}
	return nil
}

// runnableSource narrows the candidates a strategy sees to jobs that can be
// run now, so records that cannot never use up the admission budget.
type runnableSource struct {
	c    *Coordinator
	runs map[int64]async.Runnable
}

func (s *runnableSource) GetJobs(ctx context.Context, dueOnly bool) ([]JobItem, error) {
	items, err := s.c.store.GetJobs(ctx, dueOnly)
	if err != nil {
		return nil, err
	}
	return s.filter(ctx, items), nil
}

func (s *runnableSource) QueryJobs(ctx context.Context) ([]JobItem, error) {
	items, err := s.c.store.QueryJobs(ctx)
	if err != nil {
		return nil, err
	}
	return s.filter(ctx, items), nil
}

func (s *runnableSource) filter(ctx context.Context, items []JobItem) []JobItem {
	var kept []JobItem
	for _, item := range items {
		if s.c.managed(item) {
			continue
		}
		run, ok := s.c.prepare(ctx, item)
		if !ok {
			continue
		}
		s.runs[item.ID] = run
		kept = append(kept, item)
	}
	return kept
}

// admit hands items to the queue. Items already in memory or running
// elsewhere, and items without a runnable routine, are skipped.
func (c *Coordinator) admit(ctx context.Context, items ...JobItem) int {
	admitted := 0
	for _, item := range items {
		if c.managed(item) {
			continue
		}
		run, ok := c.prepare(ctx, item)
		if !ok {
			continue
		}
		if c.enqueue(item, run) {
			admitted++
		}
	}
	return admitted
}

func (c *Coordinator) managed(item JobItem) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byID[item.ID] != nil || c.byName[item.Name] != nil
}

// prepare decodes item and binds its routine. Records that can never run
// (malformed, unknown hook, no matching scraper) are finished like a failed
// run so they leave the due set. Jobs of disabled hooks stay for later.
func (c *Coordinator) prepare(ctx context.Context, item JobItem) (async.Runnable, bool) {
	if item.State == StateRunning {
		c.logger.Warnw("Skipping job that is already running",
			logger.FieldJobID, item.ID, logger.FieldJobName, item.Name, "owner", item.Owner)
		return nil, false
	}

	kind, err := DecodeKind(item)
	if err != nil {
		c.logger.Warnw("Retiring malformed job", logger.FieldJobID, item.ID, logger.FieldJobName, item.Name, logger.FieldError, err)
		c.retire(ctx, item)
		return nil, false
	}
	run, err := c.dispatcher.Dispatch(kind)
	switch {
	case err == nil:
		return run, true
	case errors.IsHookDisabledError(err):
		c.logger.Debugw("Skipping job of disabled hook", logger.FieldJobID, item.ID, logger.FieldError, err)
	case errors.IsNotFoundError(err), errors.IsInvalidRequestError(err):
		c.logger.Warnw("Retiring job without routine", logger.FieldJobID, item.ID, logger.FieldJobName, item.Name, logger.FieldError, err)
		c.retire(ctx, item)
	default:
		c.logger.Warnw("Skipping job without routine", logger.FieldJobID, item.ID, logger.FieldJobType, item.Type, logger.FieldError, err)
	}
	return nil, false
}

// retire records a run that could not start: one-shot deletable jobs are
// removed, all others finished and rescheduled by their interval.
func (c *Coordinator) retire(ctx context.Context, item JobItem) {
	now := c.now()
	var err error
	if item.DeleteAfterRun {
		err = c.store.RemoveJobs(ctx, []JobItem{item}, &now)
	} else {
		item.MarkFinished(now)
		err = c.store.UpdateJobs(ctx, []JobItem{item}, &now)
	}
	if err != nil {
		c.logger.Warnw("Failed to retire job", logger.FieldJobID, item.ID, logger.FieldError, err)
	}
}

// enqueue adds a prepared item to the queue unless it is already managed.
// The routine only runs if onStart claimed the stored record.
func (c *Coordinator) enqueue(item JobItem, run async.Runnable) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byID[item.ID] != nil || c.byName[item.Name] != nil {
		return false
	}
	m := &managedJob{item: item}
	c.byID[item.ID] = m
	c.byName[item.Name] = m
	guarded := async.Func(func(ctx context.Context) (any, error) {
		c.mu.Lock()
		lost := m.lost
		c.mu.Unlock()
		if lost {
			return nil, errors.Newf("job %d is running in another process", item.ID)
		}
		return run.Run(ctx)
	})
	m.handle = c.queue.AddJob(item.ID, guarded,
		async.WithOnStart(c.onStart(m)),
		async.WithOnDone(c.onDone(m)),
	)
	return true
}

// onStart persists WAITING -> RUNNING
func (c *Coordinator) onStart(m *managedJob) async.StartHook {
	return func(ctx context.Context) error {
		now := c.now()
		c.mu.Lock()
		m.item.MarkRunning(now)
		m.item.Owner = c.owner
		item := m.item
		c.mu.Unlock()

		claimed, err := c.store.ClaimJob(ctx, item)
		if err != nil {
			if db.IsDatabaseClosed(err) {
				return nil
			}
			return err
		}
		if !claimed {
			c.mu.Lock()
			m.lost = true
			c.mu.Unlock()
			return errors.WithDetailf(errors.New("job record is no longer waiting"), "Job ID: %d", item.ID)
		}
		return nil
	}
}

// onDone persists RUNNING -> WAITING or deletes the record, adds follow-up
// jobs and releases jobs chained to this one.
func (c *Coordinator) onDone(m *managedJob) async.DoneHook {
	return func(ctx context.Context, result async.Result) error {
		now := c.now()
		c.mu.Lock()
		item := m.item
		if m.lost {
			c.forgetLocked(m)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		// Before any delete, which would unlink them
		after, afterErr := c.store.GetAfterJobs(ctx, item.ID)

		var err error
		if item.DeleteAfterRun {
			err = c.store.RemoveJobs(ctx, []JobItem{item}, &now)
		} else {
			item.MarkFinished(now)
			err = c.store.UpdateJobs(ctx, []JobItem{item}, &now)
		}

		c.mu.Lock()
		m.item = item
		c.forgetLocked(m)
		c.mu.Unlock()

		if err != nil {
			if db.IsDatabaseClosed(err) {
				c.logger.Debugw("Job finished after database closed", logger.FieldJobID, item.ID)
				return nil
			}
			return errors.WithDetailf(err, "Job ID: %d", item.ID)
		}

		if reqs, ok := result.Value.([]JobRequest); ok && len(reqs) > 0 {
			if _, err := c.AddJobs(ctx, reqs...); err != nil {
				c.logger.Warnw("Failed to add follow-up jobs", logger.FieldJobID, item.ID, logger.FieldCount, len(reqs), logger.FieldError, err)
			}
		}

		if afterErr != nil {
			return afterErr
		}
		if len(after) == 0 {
			return nil
		}
		for i := range after {
			after[i].MarkDue(now)
		}
		if err := c.store.UpdateJobs(ctx, after, nil); err != nil {
			return err
		}
		c.admit(ctx, after...)
		return nil
	}
}

func (c *Coordinator) forgetLocked(m *managedJob) {
	if c.byID[m.item.ID] == m {
		delete(c.byID, m.item.ID)
	}
	if c.byName[m.item.Name] == m {
		delete(c.byName, m.item.Name)
	}
}

// resolveDependency finds the record dep refers to, by token first and by
// name second.
func (c *Coordinator) resolveDependency(ctx context.Context, dep *JobRequest, resolved map[string]int64) (int64, bool, error) {
	if dep.Token != "" {
		if id, ok := resolved["token:"+dep.Token]; ok {
			return id, true, nil
		}
		items, err := c.store.GetJobsByToken(ctx, dep.Token)
		if err != nil {
			return 0, false, err
		}
		if len(items) > 0 {
			return items[0].ID, true, nil
		}
	}
	if dep.Name != "" {
		if id, ok := resolved["name:"+dep.Name]; ok {
			return id, true, nil
		}
		items, err := c.store.GetJobsByName(ctx, dep.Name)
		if err != nil {
			return 0, false, err
		}
		if len(items) > 0 {
			return items[0].ID, true, nil
		}
	}
	return 0, false, nil
}

// expandRequests orders dependencies before their dependants, adds full
// RunAfter requests missing from reqs and gives them a token. The first
// request of a name wins.
func expandRequests(reqs []JobRequest) []JobRequest {
	var out []JobRequest
	seen := make(map[string]bool)
	visiting := make(map[*JobRequest]bool)

	var visit func(r *JobRequest)
	visit = func(r *JobRequest) {
		if visiting[r] {
			return
		}
		visiting[r] = true
		if dep := r.RunAfter; dep != nil && dep.isFullRequest() {
			if dep.Token == "" {
				dep.Token = uuid.NewString()
			}
			visit(dep)
		}
		if !seen[r.Name] {
			seen[r.Name] = true
			out = append(out, *r)
		}
	}
	for i := range reqs {
		visit(&reqs[i])
	}
	return out
}

func describeRequest(r *JobRequest) string {
	if r == nil {
		return ""
	}
	if r.Name != "" {
		return r.Name
	}
	return "token:" + r.Token
}
