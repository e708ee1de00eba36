package telemetry

import (
	"fmt"
	"testing"
	"time"
)

// fakeClock lets tests control measurement durations.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func clockedMonitor(capacity int) (*Monitor, *fakeClock) {
	m := NewMonitor(capacity)
	clock := &fakeClock{now: time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)}
	m.now = func() time.Time { return clock.now }
	return m, clock
}

func TestMeasurementRecordsSample(t *testing.T) {
	m, clock := clockedMonitor(8)

	meas := m.StartMeasuring("sync.trip")
	clock.advance(2 * time.Second)
	meas.Finish(100, 4096)

	samples := m.Samples()
	if len(samples) != 1 {
		t.Fatalf("Samples = %d, want 1", len(samples))
	}
	s := samples[0]
	if s.Operation != "sync.trip" || s.Duration != 2*time.Second {
		t.Errorf("sample = %+v", s)
	}
	if got := s.Throughput(); got != 50 {
		t.Errorf("Throughput = %v, want 50 entities/s", got)
	}
	if got := s.BytesPerSecond(); got != 2048 {
		t.Errorf("BytesPerSecond = %v, want 2048", got)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	m, clock := clockedMonitor(3)

	for i := 0; i < 5; i++ {
		meas := m.StartMeasuring(fmt.Sprintf("op-%d", i))
		clock.advance(time.Second)
		meas.Finish(1, 0)
	}

	samples := m.Samples()
	if len(samples) != 3 {
		t.Fatalf("Samples = %d, want capacity 3", len(samples))
	}
	// Oldest first: op-2, op-3, op-4.
	for i, want := range []string{"op-2", "op-3", "op-4"} {
		if samples[i].Operation != want {
			t.Errorf("samples[%d] = %s, want %s", i, samples[i].Operation, want)
		}
	}
}

func TestAverageThroughputWindow(t *testing.T) {
	m, clock := clockedMonitor(8)

	// An old sample outside the window: 10 entities/s.
	meas := m.StartMeasuring("sync.trip")
	clock.advance(time.Second)
	meas.Finish(10, 0)

	clock.advance(time.Hour)

	// Two recent samples: 20 and 40 entities/s.
	for _, n := range []int{20, 40} {
		meas := m.StartMeasuring("sync.trip")
		clock.advance(time.Second)
		meas.Finish(n, 0)
	}

	if got := m.AverageThroughput(time.Minute); got != 30 {
		t.Errorf("AverageThroughput = %v, want 30 (old sample excluded)", got)
	}
	if got := m.AverageThroughput(2 * time.Hour); got != (10.0+20+40)/3 {
		t.Errorf("AverageThroughput = %v, want all samples", got)
	}
}

func TestStats(t *testing.T) {
	m, clock := clockedMonitor(8)

	durations := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	for _, d := range durations {
		meas := m.StartMeasuring("sync.memory")
		clock.advance(d)
		meas.Finish(60, 0)
	}

	// A different operation must not pollute the stats.
	other := m.StartMeasuring("sync.trip")
	clock.advance(time.Minute)
	other.Finish(1, 0)

	stats := m.Stats("sync.memory")
	if stats.Count != 3 {
		t.Fatalf("Count = %d, want 3", stats.Count)
	}
	if stats.MinDuration != time.Second || stats.MaxDuration != 3*time.Second {
		t.Errorf("duration range = [%v, %v]", stats.MinDuration, stats.MaxDuration)
	}
	if stats.AvgDuration != 2*time.Second {
		t.Errorf("AvgDuration = %v, want 2s", stats.AvgDuration)
	}
	if stats.MaxThroughput != 60 || stats.MinThroughput != 20 {
		t.Errorf("throughput range = [%v, %v]", stats.MinThroughput, stats.MaxThroughput)
	}
}

func TestNilMonitorIsSafe(t *testing.T) {
	var m *Monitor

	meas := m.StartMeasuring("sync.trip")
	meas.Finish(10, 100)

	if got := m.Samples(); got != nil {
		t.Errorf("Samples = %v, want nil", got)
	}
	if got := m.AverageThroughput(time.Minute); got != 0 {
		t.Errorf("AverageThroughput = %v, want 0", got)
	}
	if got := m.Stats("sync.trip"); got.Count != 0 {
		t.Errorf("Stats = %+v, want zero", got)
	}

	var meas2 *Measurement
	meas2.Finish(1, 1) // must not panic
}
