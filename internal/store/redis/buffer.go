package redis

import (
	"sync"

	"klinefeed/internal/model"
)

// buffer holds events written while the breaker was open. When full the
// oldest event is dropped.
type buffer struct {
	mu     sync.Mutex
	events []model.Event
	max    int

	// OnDrop is called when the oldest event is evicted.
	OnDrop func()
}

func newBuffer(max int) *buffer {
	return &buffer{events: make([]model.Event, 0, 256), max: max}
}

func (b *buffer) push(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) >= b.max {
		b.events = b.events[1:]
		if b.OnDrop != nil {
			b.OnDrop()
		}
	}
	b.events = append(b.events, ev)
}

// drain takes ownership of the buffered events.
func (b *buffer) drain() []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = make([]model.Event, 0, 256)
	return out
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
