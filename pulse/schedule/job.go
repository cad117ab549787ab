// Package schedule persists crawl jobs and drives them through the bounded
// async queue.
package schedule

import "time"

// JobState is the durable lifecycle state of a job record
type JobState string

// State constants for job records
const (
	StateWaiting JobState = "waiting" // Not executing, runs once NextRun is due
	StateRunning JobState = "running" // Admitted and executing in some process
)

// JobType tags which crawl routine a record runs
type JobType string

const (
	TypeNews              JobType = "news"
	TypeToc               JobType = "toc"
	TypeSearchToc         JobType = "search_toc"
	TypeOneTimeToc        JobType = "one_time_toc"
	TypeOneTimeUser       JobType = "one_time_user"
	TypeCheckTocs         JobType = "check_tocs"
	TypeQueueTocs         JobType = "queue_tocs"
	TypeRemapMediaParts   JobType = "remap_media_parts"
	TypeQueueExternalUser JobType = "queue_external_user"
)

// MinInterval is the floor applied to every recurring job
const MinInterval = 60 * time.Second

// EffectiveInterval floors d at MinInterval
func EffectiveInterval(d time.Duration) time.Duration {
	return max(d, MinInterval)
}

// JobRequest describes a job that does not exist in storage yet
type JobRequest struct {
	Name           string        `yaml:"name" json:"name"`
	Type           JobType       `yaml:"type" json:"type"`
	Arguments      string        `yaml:"arguments,omitempty" json:"arguments,omitempty"`
	Interval       time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	DeleteAfterRun bool          `yaml:"delete_after_run,omitempty" json:"deleteAfterRun,omitempty"`
	RunImmediately bool          `yaml:"run_immediately,omitempty" json:"runImmediately,omitempty"`

	// RunAfter names the job this one waits for. It is either a full request
	// (Name and Type set), which AddJobs persists first, or a reference
	// carrying only the Token of a request persisted elsewhere.
	RunAfter *JobRequest `yaml:"run_after,omitempty" json:"runAfter,omitempty"`
	// RunAfterID chains onto an existing record directly.
	RunAfterID *int64 `yaml:"-" json:"-"`
	// Token correlates this request with dependants. Generated on demand.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`
}

// JobItem is a persisted job record
type JobItem struct {
	ID             int64
	Name           string
	Type           JobType
	Arguments      string
	Interval       time.Duration
	DeleteAfterRun bool
	RunImmediately bool
	State          JobState
	RunAfterID     *int64
	Token          string

	LastRun             *time.Time
	NextRun             *time.Time
	PreviousScheduledAt *time.Time
	RunningSince        *time.Time // Set iff State == StateRunning
	Owner               string     // Coordinator that claimed the RUNNING record
	CreatedAt           time.Time
}

// MarkRunning moves the item to RUNNING.
func (j *JobItem) MarkRunning(now time.Time) {
	j.State = StateRunning
	j.RunningSince = &now
}

// MarkFinished records a completed run and moves the item back to WAITING.
// Recurring jobs are rescheduled one effective interval after now; one-shot
// jobs get no next run and stay dormant until triggered again.
func (j *JobItem) MarkFinished(now time.Time) {
	j.State = StateWaiting
	j.RunningSince = nil
	j.Owner = ""
	j.LastRun = &now
	j.PreviousScheduledAt = j.NextRun
	if j.Interval > 0 {
		next := now.Add(EffectiveInterval(j.Interval))
		j.NextRun = &next
	} else {
		j.NextRun = nil
	}
}

// Reset returns an orphaned RUNNING item to WAITING without recording a run.
// A one-shot job becomes due right away so its interrupted run is retried.
func (j *JobItem) Reset(now time.Time) {
	j.State = StateWaiting
	j.RunningSince = nil
	j.Owner = ""
	j.PreviousScheduledAt = j.NextRun
	next := now
	if j.Interval > 0 {
		next = now.Add(EffectiveInterval(j.Interval))
	}
	j.NextRun = &next
}

// MarkDue makes the item run on the next fetch and releases its dependency.
func (j *JobItem) MarkDue(now time.Time) {
	j.RunAfterID = nil
	j.NextRun = &now
}

// Due reports whether a WAITING item should run at now.
func (j *JobItem) Due(now time.Time) bool {
	return j.State == StateWaiting && j.NextRun != nil && !j.NextRun.After(now)
}

// Request returns the item as a request, e.g. for re-adding under a new name.
func (j *JobItem) Request() JobRequest {
	return JobRequest{
		Name:           j.Name,
		Type:           j.Type,
		Arguments:      j.Arguments,
		Interval:       j.Interval,
		DeleteAfterRun: j.DeleteAfterRun,
		RunImmediately: j.RunImmediately,
		RunAfterID:     j.RunAfterID,
		Token:          j.Token,
	}
}

// firstRun computes NextRun for a freshly inserted request. Chained jobs get
// none and are released by their dependency.
func (r *JobRequest) firstRun(now time.Time) *time.Time {
	if r.RunAfterID != nil {
		return nil
	}
	if r.RunImmediately || r.Interval <= 0 {
		return &now
	}
	next := now.Add(EffectiveInterval(r.Interval))
	return &next
}

// isFullRequest reports whether r can be persisted on its own rather than
// merely referencing another request by token.
func (r *JobRequest) isFullRequest() bool {
	return r.Name != "" && r.Type != ""
}
