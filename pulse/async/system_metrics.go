package async

import (
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/teranos/lector/errors"
)

// SystemMetrics is the resource view shown by `lector pulse status`
type SystemMetrics struct {
	JobsRunning    int     `json:"jobs_running"`     // Jobs currently executing
	JobsQueued     int     `json:"jobs_queued"`      // Jobs waiting for a slot
	MaxActive      int     `json:"max_active"`       // Concurrency cap
	ProcessRSSMB   float64 `json:"process_rss_mb"`   // Resident set of this process
	MemoryUsedGB   float64 `json:"memory_used_gb"`   // Host memory in use
	MemoryTotalGB  float64 `json:"memory_total_gb"`  // Host memory installed
	MemoryPercent  float64 `json:"memory_percent"`   // Host memory utilization
	MemoryLimitHit bool    `json:"memory_limit_hit"` // Admission currently blocked by the memory ceiling
}

// ProcessRSS returns the resident set size of the current process in bytes.
// It is the default memory probe of the queue.
func ProcessRSS() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, errors.Wrap(err, "failed to open own process")
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read process memory")
	}
	return info.RSS, nil
}

// getMemoryStats returns host memory totals in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// SystemMetrics returns the queue's counts alongside process and host memory.
// Probe failures leave the memory fields at zero.
func (q *Queue) SystemMetrics() SystemMetrics {
	q.mu.Lock()
	m := SystemMetrics{
		JobsRunning: len(q.active),
		JobsQueued:  len(q.waiting),
		MaxActive:   q.maxActive,
	}
	m.MemoryLimitHit = q.memoryExceededLocked()
	q.mu.Unlock()

	if rss, err := q.memoryProbe(); err == nil {
		m.ProcessRSSMB = float64(rss) / 1024 / 1024
	}

	total, available, err := getMemoryStats()
	if err == nil && total > 0 {
		m.MemoryTotalGB = float64(total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(total-available) / 1024 / 1024 / 1024
		m.MemoryPercent = m.MemoryUsedGB / m.MemoryTotalGB * 100
	}
	return m
}
