package dispatch

import (
	"sync"

	"github.com/scanq/scanq/internal/jobqueue"
)

// Event records one job state transition.
type Event struct {
	Queue    string         `json:"queue"`
	JobID    string         `json:"jobId"`
	State    jobqueue.State `json:"state"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error,omitempty"`
	AtMs     int64          `json:"at"`
}

// Broadcaster fans job events out to subscribers. Slow subscribers drop
// events rather than stall the workers.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns an event channel and its cancel function. buffer
// bounds how far the subscriber may fall behind.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers e to every subscriber with room.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
