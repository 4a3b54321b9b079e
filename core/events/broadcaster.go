package events

import (
	"sync"

	"bobvault/core/types"
)

// Broadcaster fans rendered events out to live subscribers. Slow subscribers
// drop events rather than block the ledger.
type Broadcaster struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan *types.Event
	buffer int
}

// NewBroadcaster constructs a broadcaster whose subscriber channels hold up to
// buffer pending events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{subs: make(map[uint64]chan *types.Event), buffer: buffer}
}

// Emit implements the Emitter interface.
func (b *Broadcaster) Emit(ev Event) {
	if b == nil || ev == nil {
		return
	}
	rendered := ev.Event()
	if rendered == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- rendered.Clone():
		default:
		}
	}
}

// Subscribe registers a new listener. The returned cancel function must be
// called to release the subscription; it closes the channel.
func (b *Broadcaster) Subscribe() (<-chan *types.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan *types.Event, b.buffer)
	b.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers reports the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
