package async

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names a per-job metric.
type Counter int

const (
	CounterModifications Counter = iota // rows written by storage
	CounterQueryCount                   // storage queries issued
	CounterNetwork                      // outgoing HTTP requests
)

// Message summarizes one execution. If a job does not set its own, the queue
// builds it from the counters, adding Reason on failure.
type Message struct {
	Modifications int64  `json:"modifications"`
	QueryCount    int64  `json:"queryCount"`
	Network       int64  `json:"network"`
	Reason        string `json:"reason,omitempty"`
}

// ExecutionContext is the isolated per-job store every callback runs with.
// Concurrent jobs never share one.
type ExecutionContext struct {
	JobID     int64
	TraceID   string
	QueuedAt  time.Time
	StartedAt time.Time

	modifications atomic.Int64
	queryCount    atomic.Int64
	network       atomic.Int64

	mu      sync.Mutex
	values  map[string]any
	message *Message
}

type executionContextKey struct{}

func withExecutionContext(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, executionContextKey{}, ec)
}

// FromContext returns the execution context of the running job, or nil
// outside of a queue job.
func FromContext(ctx context.Context) *ExecutionContext {
	if ec, ok := ctx.Value(executionContextKey{}).(*ExecutionContext); ok {
		return ec
	}
	return nil
}

// Count adds n to a counter of the current job. No-op outside a job.
func Count(ctx context.Context, c Counter, n int64) {
	if ec := FromContext(ctx); ec != nil {
		ec.Add(c, n)
	}
}

// SetMessage overrides the message built from counters. No-op outside a job.
func SetMessage(ctx context.Context, m Message) {
	if ec := FromContext(ctx); ec != nil {
		ec.mu.Lock()
		ec.message = &m
		ec.mu.Unlock()
	}
}

// Add increments a counter.
func (ec *ExecutionContext) Add(c Counter, n int64) {
	switch c {
	case CounterModifications:
		ec.modifications.Add(n)
	case CounterQueryCount:
		ec.queryCount.Add(n)
	case CounterNetwork:
		ec.network.Add(n)
	}
}

// Get reads a counter.
func (ec *ExecutionContext) Get(c Counter) int64 {
	switch c {
	case CounterModifications:
		return ec.modifications.Load()
	case CounterQueryCount:
		return ec.queryCount.Load()
	case CounterNetwork:
		return ec.network.Load()
	}
	return 0
}

// Set stores a job-scoped value.
func (ec *ExecutionContext) Set(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.values == nil {
		ec.values = make(map[string]any)
	}
	ec.values[key] = value
}

// Value returns a job-scoped value.
func (ec *ExecutionContext) Value(key string) (any, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.values[key]
	return v, ok
}

// result returns the explicit message if one was set, otherwise one built
// from the counters.
func (ec *ExecutionContext) result(err error) Message {
	ec.mu.Lock()
	explicit := ec.message
	ec.mu.Unlock()
	if explicit != nil {
		return *explicit
	}

	m := Message{
		Modifications: ec.modifications.Load(),
		QueryCount:    ec.queryCount.Load(),
		Network:       ec.network.Load(),
	}
	if err != nil {
		m.Reason = err.Error()
	}
	return m
}
