// Package eventbus decouples the dispatch pipeline from its observers
// (history, metrics, debugging) with an in-memory fanout.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Delivery lifecycle event types published by the dispatcher.
const (
	EventPersisted  = "dispatch.persisted"
	EventQueued     = "dispatch.queued"
	EventSent       = "dispatch.sent"
	EventFailed     = "dispatch.failed"
	EventSuppressed = "dispatch.suppressed"
	EventMuted      = "dispatch.muted"
	EventDropped    = "dispatch.dropped"
)

// Event is a lightweight in-memory signal.
//
// Contract: Publish never blocks; subscribers get buffered channels and a
// slow subscriber loses events rather than stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a fanout bus with no background goroutines of its own.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close the channel under us; the
		// recover absorbs the resulting send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
