package schedule

import (
	"context"
	"strings"

	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/internal/httpclient"
)

// Strategy names accepted by StrategyByName
const (
	StrategyFCFS     = "fcfs"
	StrategyBalanced = "balanced"
)

// QueueView is what strategies read from the queue
type QueueView interface {
	MaxActive() int
	QueuedJobs() int
}

// CandidateSource supplies the jobs a strategy may pick from
type CandidateSource interface {
	GetJobs(ctx context.Context, dueOnly bool) ([]JobItem, error)
	QueryJobs(ctx context.Context) ([]JobItem, error)
}

// Strategy selects which due jobs to admit now, given the jobs the queue
// already holds. Strategies are stateless.
type Strategy func(ctx context.Context, q QueueView, source CandidateSource, current []JobItem) ([]JobItem, error)

// StrategyByName returns the strategy configured as pulse.strategy
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case StrategyFCFS:
		return FirstComeFirstServed, nil
	case StrategyBalanced, "":
		return RequestQueueBalanced, nil
	}
	return nil, errors.NewInvalidRequestError("unknown scheduling strategy %q", name)
}

// FirstComeFirstServed returns every due job, unfiltered.
func FirstComeFirstServed(ctx context.Context, _ QueueView, source CandidateSource, _ []JobItem) ([]JobItem, error) {
	return source.GetJobs(ctx, true)
}

// RequestQueueBalanced spreads admissions over request-queue domains. It
// admits at most maxActive - queued jobs, each time taking the next
// candidate of the domain with the fewest jobs already in the queue, so no
// single site can monopolize the workers.
func RequestQueueBalanced(ctx context.Context, q QueueView, source CandidateSource, current []JobItem) ([]JobItem, error) {
	candidates, err := source.QueryJobs(ctx)
	if err != nil {
		return nil, err
	}
	return balance(q.MaxActive()-q.QueuedJobs(), current, candidates), nil
}

func balance(budget int, current, candidates []JobItem) []JobItem {
	budget = max(budget, 0)

	known := make(map[int64]bool, len(current))
	futureShares := make(map[string]int)
	for _, item := range current {
		known[item.ID] = true
		futureShares[DomainKey(item.Name)]++
	}

	// Keys in order of first appearance, for a stable FIFO tie-break
	var keys []string
	sharesToStake := make(map[string][]JobItem)
	for _, item := range candidates {
		if known[item.ID] {
			continue
		}
		key := DomainKey(item.Name)
		if _, ok := sharesToStake[key]; !ok {
			keys = append(keys, key)
		}
		sharesToStake[key] = append(sharesToStake[key], item)
	}

	var selected []JobItem
	for i := 0; i < budget; i++ {
		best := ""
		for _, key := range keys {
			if len(sharesToStake[key]) == 0 {
				continue
			}
			if best == "" || futureShares[key] < futureShares[best] {
				best = key
			}
		}
		if best == "" {
			break
		}

		pool := sharesToStake[best]
		selected = append(selected, pool[0])
		sharesToStake[best] = pool[1:]
		futureShares[best]++
	}
	return selected
}

// DomainKey extracts the request queue of a job from the URL embedded in its
// name, starting at the first "http". Jobs without one share
// httpclient.UnknownQueueKey.
func DomainKey(name string) string {
	i := strings.Index(name, "http")
	if i < 0 {
		return httpclient.UnknownQueueKey
	}
	return httpclient.QueueKey(name[i:])
}
