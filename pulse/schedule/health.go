package schedule

import (
	"context"
	"net"
	"time"

	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/logger"
)

const (
	// StuckJobThreshold jobs running since StuckJobAge before the first
	// connectivity failure mean the queue is wedged
	StuckJobThreshold = 5
	StuckJobAge       = 30 * time.Minute
	// A single job running since SingleStuckJobAge before the first
	// connectivity failure is wedged on its own
	SingleStuckJobAge = 2 * time.Hour
	// StaleRunningAge is the longest a stored RUNNING record may have been running
	StaleRunningAge = 2 * time.Hour

	maxRecordedFailures = 64
	probeTimeout        = 10 * time.Second
)

// ConnectivityProbe reports whether the outside world is reachable
type ConnectivityProbe func(ctx context.Context) error

// DNSProbe resolves host as a liveness proxy for the network.
func DNSProbe(host string) ConnectivityProbe {
	resolver := net.DefaultResolver
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if _, err := resolver.LookupHost(ctx, host); err != nil {
			return errors.Wrapf(err, "failed to resolve %s", host)
		}
		return nil
	}
}

// checkConnectivity probes the network and records failures. While the
// network is down, jobs that were already running long before the first
// failure are considered stuck and the process must restart.
func (c *Coordinator) checkConnectivity(ctx context.Context) error {
	if c.probe == nil {
		return nil
	}

	log := logger.AddHealthSymbol(c.logger)
	now := c.now()
	err := c.probe(ctx)

	c.mu.Lock()
	if err == nil {
		recovered := len(c.failures) > 0
		c.failures = nil
		c.mu.Unlock()
		if recovered {
			log.Infow("Connectivity restored")
		}
		return nil
	}
	c.failures = append(c.failures, now)
	if len(c.failures) > maxRecordedFailures {
		// Keep the oldest, it anchors the stuck check
		c.failures = append(c.failures[:1], c.failures[len(c.failures)-maxRecordedFailures+1:]...)
	}
	oldest := c.failures[0]
	failures := len(c.failures)
	c.mu.Unlock()

	log.Warnw("Connectivity probe failed", logger.FieldError, err, logger.FieldCount, failures)

	if cutoff := oldest.Add(-StuckJobAge); c.queue.InvalidRunning(cutoff, StuckJobThreshold) {
		return &errors.FatalSchedulerError{
			Reason:    "jobs running since long before connectivity was lost",
			StuckJobs: c.runningSince(cutoff),
			Since:     oldest,
		}
	}
	if cutoff := oldest.Add(-SingleStuckJobAge); c.queue.InvalidRunning(cutoff, 1) {
		return &errors.FatalSchedulerError{
			Reason:    "job running since long before connectivity was lost",
			StuckJobs: c.runningSince(cutoff),
			Since:     oldest,
		}
	}
	return nil
}

// ownedElsewhere reports whether item was claimed by another live
// coordinator, such as a 'jobs run' next to the daemon. Claims older than
// StaleRunningAge are presumed dead and handled as orphans.
func (c *Coordinator) ownedElsewhere(item JobItem, now time.Time) bool {
	if item.Owner == "" || item.Owner == c.owner {
		return false
	}
	return item.RunningSince != nil && now.Sub(*item.RunningSince) <= StaleRunningAge
}

func (c *Coordinator) runningSince(cutoff time.Time) int {
	n := 0
	for _, info := range c.queue.GetJobs() {
		if info.Running && info.StartRun.Before(cutoff) {
			n++
		}
	}
	return n
}

// reconcile compares stored RUNNING records with the jobs held in memory.
// Records without a job in memory were orphaned by an unclean shutdown and
// are reset (or deleted for one-shot jobs), unless another live process
// claimed them. Records of jobs that really run here are checked for a missing or stale running timestamp.
func (c *Coordinator) reconcile(ctx context.Context) error {
	// Jobs enter memory before their record turns RUNNING and leave it only
	// after the record left RUNNING, so holding mu across the query keeps
	// both views consistent.
	c.mu.Lock()
	running, err := c.store.GetJobsInState(ctx, StateRunning)
	inMemory := make(map[int64]bool, len(c.byID))
	for id := range c.byID {
		inMemory[id] = true
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if len(running) == 0 {
		return nil
	}

	log := logger.AddHealthSymbol(c.logger)
	now := c.now()

	var resets, removals []JobItem
	stale := 0
	var staleSince time.Time
	for _, item := range running {
		if item.RunningSince == nil {
			log.Errorw("Running job has no running timestamp", logger.FieldJobID, item.ID, logger.FieldJobName, item.Name)
		}

		if !inMemory[item.ID] && c.ownedElsewhere(item, now) {
			log.Debugw("Job running in another process", logger.FieldJobID, item.ID, "owner", item.Owner)
			continue
		}
		if !inMemory[item.ID] {
			log.Warnw("Running job not active in memory, resetting",
				logger.FieldJobID, item.ID, logger.FieldJobName, item.Name, "delete_after_run", item.DeleteAfterRun)
			if item.DeleteAfterRun {
				removals = append(removals, item)
			} else {
				item.Reset(now)
				resets = append(resets, item)
			}
			continue
		}

		if item.RunningSince != nil && now.Sub(*item.RunningSince) > StaleRunningAge {
			stale++
			if staleSince.IsZero() || item.RunningSince.Before(staleSince) {
				staleSince = *item.RunningSince
			}
		}
	}

	if err := c.store.RemoveJobs(ctx, removals, nil); err != nil {
		return err
	}
	if err := c.store.UpdateJobs(ctx, resets, nil); err != nil {
		return err
	}

	if stale > 0 {
		return &errors.FatalSchedulerError{
			Reason:    "jobs stored as running for too long",
			StuckJobs: stale,
			Since:     staleSince,
		}
	}
	return nil
}
