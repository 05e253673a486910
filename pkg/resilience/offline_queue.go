package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueueEntry is one deferred side-effecting request.
type QueueEntry struct {
	ID         string          `json:"id"`
	Endpoint   string          `json:"endpoint"`
	Method     string          `json:"method"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

type queueState struct {
	Entries []QueueEntry `json:"entries"`
}

// OfflineQueue is a durable FIFO of requests issued while disconnected.
//
// The queue is persisted to a JSON state file on every mutation
// (write-then-rename), so queued writes survive a process restart.
// Replay is strictly sequential in enqueue order to preserve per-user
// causal ordering of side effects.
type OfflineQueue struct {
	path       string
	maxAttempt int

	mu      sync.Mutex
	entries []QueueEntry

	// onDrop is invoked (outside the lock) when an entry hits the retry
	// ceiling and is discarded as a permanent failure.
	onDrop func(QueueEntry, error)
}

type QueueOption func(*OfflineQueue)

// WithDropHandler installs a callback for entries discarded at the retry
// ceiling.
func WithDropHandler(fn func(QueueEntry, error)) QueueOption {
	return func(q *OfflineQueue) { q.onDrop = fn }
}

// WithRetryCeiling caps replay attempts per entry. Default 5.
func WithRetryCeiling(n int) QueueOption {
	return func(q *OfflineQueue) {
		if n > 0 {
			q.maxAttempt = n
		}
	}
}

// OpenOfflineQueue loads (or creates) the queue state file.
func OpenOfflineQueue(path string, opts ...QueueOption) (*OfflineQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("offline queue path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	q := &OfflineQueue{path: path, maxAttempt: 5}
	for _, o := range opts {
		o(q)
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *OfflineQueue) load() error {
	b, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			q.entries = nil
			return nil
		}
		return err
	}
	var st queueState
	if err := json.Unmarshal(b, &st); err != nil {
		return err
	}
	q.entries = st.Entries
	return nil
}

func (q *OfflineQueue) saveLocked() error {
	b, err := json.Marshal(queueState{Entries: q.entries})
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// Enqueue appends a request to the tail of the queue and persists it.
func (q *OfflineQueue) Enqueue(endpoint, method string, payload json.RawMessage) (QueueEntry, error) {
	e := QueueEntry{
		ID:         uuid.NewString(),
		Endpoint:   endpoint,
		Method:     method,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	q.mu.Lock()
	q.entries = append(q.entries, e)
	err := q.saveLocked()
	if err != nil {
		q.entries = q.entries[:len(q.entries)-1]
	}
	q.mu.Unlock()
	if err != nil {
		return QueueEntry{}, err
	}
	return e, nil
}

// Len reports the number of pending entries.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the pending entries in replay order.
func (q *OfflineQueue) Snapshot() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueueEntry(nil), q.entries...)
}

// Replay sends pending entries head-first through send.
//
// On success the entry is removed. On failure its attempt counter is
// bumped; entries that hit the retry ceiling are dropped and surfaced via
// the drop handler, everything behind a still-retryable failure stays
// queued and Replay returns the error (ordering must hold, later entries
// may depend on the failed one).
func (q *OfflineQueue) Replay(ctx context.Context, send func(ctx context.Context, e QueueEntry) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return nil
		}
		head := q.entries[0]
		q.mu.Unlock()

		err := send(ctx, head)
		if err == nil {
			q.mu.Lock()
			q.dropHeadLocked(head.ID)
			_ = q.saveLocked()
			q.mu.Unlock()
			continue
		}

		q.mu.Lock()
		var dropped *QueueEntry
		if len(q.entries) > 0 && q.entries[0].ID == head.ID {
			q.entries[0].Attempts++
			if q.entries[0].Attempts >= q.maxAttempt || IsPermanent(err) {
				e := q.entries[0]
				dropped = &e
				q.dropHeadLocked(head.ID)
			}
			_ = q.saveLocked()
		}
		onDrop := q.onDrop
		q.mu.Unlock()

		if dropped != nil {
			if onDrop != nil {
				onDrop(*dropped, err)
			}
			// Permanent failure consumed; keep replaying the rest.
			continue
		}
		return err
	}
}

func (q *OfflineQueue) dropHeadLocked(id string) {
	if len(q.entries) > 0 && q.entries[0].ID == id {
		q.entries = q.entries[1:]
	}
}
