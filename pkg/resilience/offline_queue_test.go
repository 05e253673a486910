package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOfflineQueueReplayFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := OpenOfflineQueue(path)
	require.NoError(t, err)

	_, err = q.Enqueue("/v1/notifications/1/read", "POST", nil)
	require.NoError(t, err)
	_, err = q.Enqueue("/v1/notifications/2/read", "POST", nil)
	require.NoError(t, err)

	var order []string
	err = q.Replay(context.Background(), func(ctx context.Context, e QueueEntry) error {
		order = append(order, e.Endpoint)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"/v1/notifications/1/read", "/v1/notifications/2/read"}, order)
	require.Equal(t, 0, q.Len())
}

func TestOfflineQueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := OpenOfflineQueue(path)
	require.NoError(t, err)

	payload := json.RawMessage(`{"ids":["a","b"]}`)
	_, err = q.Enqueue("/v1/notifications/read-all", "POST", payload)
	require.NoError(t, err)

	// Simulate a process restart: reopen from the same state file.
	q2, err := OpenOfflineQueue(path)
	require.NoError(t, err)
	require.Equal(t, 1, q2.Len())
	entries := q2.Snapshot()
	require.Equal(t, "/v1/notifications/read-all", entries[0].Endpoint)
	require.JSONEq(t, string(payload), string(entries[0].Payload))
}

func TestOfflineQueueStopsOnTransientFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, err := OpenOfflineQueue(path, WithRetryCeiling(3))
	require.NoError(t, err)

	_, err = q.Enqueue("/a", "POST", nil)
	require.NoError(t, err)
	_, err = q.Enqueue("/b", "POST", nil)
	require.NoError(t, err)

	boom := errors.New("timeout")
	err = q.Replay(context.Background(), func(ctx context.Context, e QueueEntry) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	// Head failed transiently: nothing may be skipped past it.
	require.Equal(t, 2, q.Len())
	require.Equal(t, 1, q.Snapshot()[0].Attempts)
}

func TestOfflineQueueDropsAtRetryCeiling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	var dropped []QueueEntry
	q, err := OpenOfflineQueue(path,
		WithRetryCeiling(2),
		WithDropHandler(func(e QueueEntry, err error) { dropped = append(dropped, e) }),
	)
	require.NoError(t, err)

	_, err = q.Enqueue("/doomed", "POST", nil)
	require.NoError(t, err)
	_, err = q.Enqueue("/fine", "POST", nil)
	require.NoError(t, err)

	boom := errors.New("bad gateway")
	sent := map[string]int{}
	send := func(ctx context.Context, e QueueEntry) error {
		sent[e.Endpoint]++
		if e.Endpoint == "/doomed" {
			return boom
		}
		return nil
	}

	// First pass: /doomed fails (attempt 1), replay stops.
	require.ErrorIs(t, q.Replay(context.Background(), send), boom)
	// Second pass: /doomed hits the ceiling, is dropped, /fine replays.
	require.NoError(t, q.Replay(context.Background(), send))

	require.Len(t, dropped, 1)
	require.Equal(t, "/doomed", dropped[0].Endpoint)
	require.Equal(t, 1, sent["/fine"])
	require.Equal(t, 0, q.Len())
}

func TestOfflineQueueDropsPermanentFailureImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	var dropped int
	q, err := OpenOfflineQueue(path,
		WithRetryCeiling(10),
		WithDropHandler(func(QueueEntry, error) { dropped++ }),
	)
	require.NoError(t, err)

	_, err = q.Enqueue("/rejected", "POST", nil)
	require.NoError(t, err)

	err = q.Replay(context.Background(), func(ctx context.Context, e QueueEntry) error {
		return Permanent(errors.New("validation failed"))
	})
	require.NoError(t, err)
	require.Equal(t, 1, dropped)
	require.Equal(t, 0, q.Len())
}
