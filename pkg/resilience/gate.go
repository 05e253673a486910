package resilience

import (
	"errors"
	"sync"
)

// ErrOffline is returned by callers that gate on connectivity instead of
// issuing a doomed network call.
var ErrOffline = errors.New("offline")

// Gate tracks connectivity as observed by the owner (usually the push
// connection). It is checked before issuing network calls and notifies
// watchers when the state flips back to online so queued work can replay.
type Gate struct {
	mu       sync.Mutex
	online   bool
	watchers []chan struct{}
}

func NewGate(online bool) *Gate {
	return &Gate{online: online}
}

func (g *Gate) Online() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online
}

// SetOnline flips the state. The offline→online edge wakes all watchers.
func (g *Gate) SetOnline(online bool) {
	g.mu.Lock()
	wake := online && !g.online
	g.online = online
	var ws []chan struct{}
	if wake {
		ws = g.watchers
		g.watchers = nil
	}
	g.mu.Unlock()

	for _, ch := range ws {
		close(ch)
	}
}

// OnlineEdge returns a channel closed on the next offline→online transition.
// If already online, the returned channel is closed immediately.
func (g *Gate) OnlineEdge() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan struct{})
	if g.online {
		close(ch)
		return ch
	}
	g.watchers = append(g.watchers, ch)
	return ch
}
