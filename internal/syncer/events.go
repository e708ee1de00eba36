package syncer

import (
	"sync"
	"time"

	"github.com/trailbook/trailbook/internal/entity"
)

// EventType identifies what an Event describes.
type EventType string

const (
	// EventStateChanged fires on every orchestrator state transition.
	EventStateChanged EventType = "state_changed"

	// EventQueueDrained fires after the offline queue drain phase.
	EventQueueDrained EventType = "queue_drained"

	// EventStageCompleted fires after each entity-type stage succeeds.
	EventStageCompleted EventType = "stage_completed"

	// EventCycleFinished fires once per cycle with the full report.
	EventCycleFinished EventType = "cycle_finished"
)

// Event is one state-change notification published by the orchestrator.
// Consumers receive events on channels obtained from Subscribe; there is
// no global observable state.
type Event struct {
	Type     EventType
	State    State
	Stage    entity.Type // set for stage_completed
	Progress float64
	Report   *Report // set for cycle_finished
	Time     time.Time
}

// bus fans events out to subscribers. Publishing never blocks: a
// subscriber that falls behind loses events rather than stalling a cycle.
type bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan Event)}
}

// subscribe returns a buffered event channel and a cancel function that
// removes the subscription and closes the channel.
func (b *bus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *bus) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow consumer; drop rather than stall the cycle.
		}
	}
}

// close terminates all subscriptions. Called on orchestrator shutdown.
func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
