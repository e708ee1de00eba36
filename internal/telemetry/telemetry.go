// Package telemetry measures sync operation performance.
//
// Samples (duration, entity throughput, bytes per second) land in a
// bounded ring buffer, most-recent N kept, oldest evicted first. The
// monitor is purely observational: it never alters sync outcomes, and
// every method tolerates a nil receiver so a missing or broken monitor
// can never abort a cycle.
package telemetry

import (
	"sync"
	"time"
)

// Sample is one recorded measurement.
type Sample struct {
	Operation        string
	StartedAt        time.Time
	Duration         time.Duration
	EntityCount      int
	BytesTransferred int64
}

// Throughput returns entities per second for this sample.
func (s Sample) Throughput() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.EntityCount) / s.Duration.Seconds()
}

// BytesPerSecond returns transfer rate for this sample.
func (s Sample) BytesPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.BytesTransferred) / s.Duration.Seconds()
}

// Monitor records samples into a bounded ring buffer.
type Monitor struct {
	mu      sync.Mutex
	samples []Sample
	next    int
	filled  bool

	now func() time.Time // injectable clock for tests
}

// NewMonitor creates a monitor keeping the most recent capacity samples.
// A capacity below 1 defaults to 256.
func NewMonitor(capacity int) *Monitor {
	if capacity < 1 {
		capacity = 256
	}
	return &Monitor{
		samples: make([]Sample, capacity),
		now:     time.Now,
	}
}

// Measurement is an in-progress timing started by StartMeasuring.
type Measurement struct {
	m         *Monitor
	operation string
	startedAt time.Time
}

// StartMeasuring begins timing a named operation.
func (m *Monitor) StartMeasuring(operation string) *Measurement {
	if m == nil {
		return &Measurement{operation: operation}
	}
	return &Measurement{m: m, operation: operation, startedAt: m.now()}
}

// Finish records the sample. Safe to call on a measurement from a nil
// monitor; it simply drops the sample.
func (me *Measurement) Finish(entityCount int, bytesTransferred int64) {
	if me == nil || me.m == nil {
		return
	}
	me.m.record(Sample{
		Operation:        me.operation,
		StartedAt:        me.startedAt,
		Duration:         me.m.now().Sub(me.startedAt),
		EntityCount:      entityCount,
		BytesTransferred: bytesTransferred,
	})
}

func (m *Monitor) record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples[m.next] = s
	m.next++
	if m.next == len(m.samples) {
		m.next = 0
		m.filled = true
	}
}

// snapshot returns the recorded samples, oldest first.
func (m *Monitor) snapshot() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.filled {
		out := make([]Sample, m.next)
		copy(out, m.samples[:m.next])
		return out
	}

	out := make([]Sample, 0, len(m.samples))
	out = append(out, m.samples[m.next:]...)
	out = append(out, m.samples[:m.next]...)
	return out
}

// Samples returns all recorded samples, oldest first.
func (m *Monitor) Samples() []Sample {
	if m == nil {
		return nil
	}
	return m.snapshot()
}

// AverageThroughput returns mean entity throughput over samples whose
// start time falls within the trailing window.
func (m *Monitor) AverageThroughput(window time.Duration) float64 {
	if m == nil {
		return 0
	}

	cutoff := m.now().Add(-window)
	var sum float64
	var n int
	for _, s := range m.snapshot() {
		if s.StartedAt.Before(cutoff) {
			continue
		}
		sum += s.Throughput()
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// OpStats summarizes the recorded samples for one named operation.
type OpStats struct {
	Count         int
	MinDuration   time.Duration
	MaxDuration   time.Duration
	AvgDuration   time.Duration
	MinThroughput float64
	MaxThroughput float64
	AvgThroughput float64
}

// Stats returns min/max/avg duration and throughput for an operation.
func (m *Monitor) Stats(operation string) OpStats {
	if m == nil {
		return OpStats{}
	}

	var stats OpStats
	var totalDur time.Duration
	var totalTp float64

	for _, s := range m.snapshot() {
		if s.Operation != operation {
			continue
		}

		tp := s.Throughput()
		if stats.Count == 0 {
			stats.MinDuration = s.Duration
			stats.MaxDuration = s.Duration
			stats.MinThroughput = tp
			stats.MaxThroughput = tp
		} else {
			if s.Duration < stats.MinDuration {
				stats.MinDuration = s.Duration
			}
			if s.Duration > stats.MaxDuration {
				stats.MaxDuration = s.Duration
			}
			if tp < stats.MinThroughput {
				stats.MinThroughput = tp
			}
			if tp > stats.MaxThroughput {
				stats.MaxThroughput = tp
			}
		}

		totalDur += s.Duration
		totalTp += tp
		stats.Count++
	}

	if stats.Count > 0 {
		stats.AvgDuration = totalDur / time.Duration(stats.Count)
		stats.AvgThroughput = totalTp / float64(stats.Count)
	}

	return stats
}
