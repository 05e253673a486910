package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"beacon/internal/model"
	"beacon/internal/push"
	logx "beacon/pkg/logx"
	"beacon/pkg/resilience"
)

var fastPolicy = resilience.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

type apiRecorder struct {
	mu    sync.Mutex
	calls []string
	snap  Snapshot
	fail  atomic.Bool
}

func (a *apiRecorder) record(r *http.Request) {
	a.mu.Lock()
	a.calls = append(a.calls, r.Method+" "+r.URL.Path)
	a.mu.Unlock()
}

func (a *apiRecorder) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func startAPI(t *testing.T, rec *apiRecorder) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		if rec.fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		rec.mu.Lock()
		snap := rec.snap
		rec.mu.Unlock()
		_ = json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("/v1/notifications/", func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		if rec.fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newStore(t *testing.T, srv *httptest.Server, gate *resilience.Gate, queue *resilience.OfflineQueue) *Store {
	t.Helper()
	rest := NewClient(srv.URL, "tok", gate, queue, logx.Nop(), Options{Policy: fastPolicy})
	s := NewStore(rest, logx.Nop())
	t.Cleanup(s.Close)
	return s
}

func TestFetchReplacesStateAndFailureSetsFlag(t *testing.T) {
	rec := &apiRecorder{snap: Snapshot{
		Notifications: []model.Notification{
			model.NewNotification("u1", model.TypeSystem, "a", "", nil),
		},
		UnreadCount: 1,
		Preferences: []model.Preference{{Type: model.TypeSystem, Enabled: false}},
	}}
	srv := startAPI(t, rec)
	s := newStore(t, srv, nil, nil)

	s.FetchNotifications(context.Background(), false)
	require.NoError(t, s.Err())
	require.Len(t, s.Notifications(), 1)
	require.Equal(t, 1, s.Unread())
	require.False(t, s.IsPreferenceEnabled(model.TypeSystem))
	require.True(t, s.IsPreferenceEnabled(model.TypeAchievement), "missing row fails open")

	rec.fail.Store(true)
	s.FetchNotifications(context.Background(), false)
	require.Error(t, s.Err(), "failure surfaces as a flag, not a panic")
	require.Len(t, s.Notifications(), 1, "stale state kept on failed fetch")
}

func TestMarkAsReadOptimisticNoRollback(t *testing.T) {
	n := model.NewNotification("u1", model.TypeTaskDueSoon, "due", "", nil)
	rec := &apiRecorder{snap: Snapshot{Notifications: []model.Notification{n}, UnreadCount: 1}}
	srv := startAPI(t, rec)
	s := newStore(t, srv, nil, nil)
	s.FetchNotifications(context.Background(), false)

	rec.fail.Store(true)
	s.MarkAsRead(context.Background(), n.ID)

	// Local transition stands even though the remote confirm failed.
	require.Zero(t, s.Unread())
	require.Empty(t, s.UnreadNotifications())
	require.Error(t, s.Err())
	got := s.Notifications()[0]
	require.True(t, got.Read)
	require.NotNil(t, got.ReadAt)
}

func TestMarkAsReadIdempotentCounter(t *testing.T) {
	n := model.NewNotification("u1", model.TypeSystem, "x", "", nil)
	rec := &apiRecorder{snap: Snapshot{Notifications: []model.Notification{n}, UnreadCount: 1}}
	srv := startAPI(t, rec)
	s := newStore(t, srv, nil, nil)
	s.FetchNotifications(context.Background(), false)

	s.MarkAsRead(context.Background(), n.ID)
	s.MarkAsRead(context.Background(), n.ID)
	require.Zero(t, s.Unread(), "second mark finds nothing to transition")
}

func TestAddNotificationIdempotentOnID(t *testing.T) {
	rec := &apiRecorder{}
	srv := startAPI(t, rec)
	s := newStore(t, srv, nil, nil)

	n := model.NewNotification("u1", model.TypeAchievement, "badge", "", nil)
	s.AddNotification(n)
	s.AddNotification(n)
	require.Len(t, s.Notifications(), 1)
	require.Equal(t, 1, s.Unread())

	newer := model.NewNotification("u1", model.TypeSystem, "newer", "", nil)
	s.AddNotification(newer)
	require.Equal(t, "newer", s.Notifications()[0].Title, "pushed items prepend")
}

func TestDeleteUnreadDecrements(t *testing.T) {
	rec := &apiRecorder{}
	srv := startAPI(t, rec)
	s := newStore(t, srv, nil, nil)

	n := model.NewNotification("u1", model.TypeSystem, "x", "", nil)
	s.AddNotification(n)
	s.DeleteNotification(context.Background(), n.ID)
	require.Zero(t, s.Unread())
	require.Empty(t, s.Notifications())
	require.Contains(t, rec.recorded(), "DELETE /v1/notifications/"+n.ID)
}

func TestOfflineMutationsQueueAndReplayInOrder(t *testing.T) {
	rec := &apiRecorder{}
	srv := startAPI(t, rec)

	gate := resilience.NewGate(false)
	queue, err := resilience.OpenOfflineQueue(filepath.Join(t.TempDir(), "queue.json"))
	require.NoError(t, err)

	rest := NewClient(srv.URL, "tok", gate, queue, logx.Nop(), Options{Policy: fastPolicy})
	s := NewStore(rest, logx.Nop())
	t.Cleanup(s.Close)

	a := model.NewNotification("u1", model.TypeSystem, "a", "", nil)
	b := model.NewNotification("u1", model.TypeSystem, "b", "", nil)
	s.AddNotification(a)
	s.AddNotification(b)

	s.MarkAsRead(context.Background(), a.ID)
	s.DeleteNotification(context.Background(), b.ID)
	require.Empty(t, rec.recorded(), "offline: nothing reaches the server")
	require.Equal(t, 2, queue.Len())
	require.NoError(t, s.Err(), "queued mutations are not failures")

	gate.SetOnline(true)
	require.NoError(t, rest.Replay(context.Background()))
	require.Zero(t, queue.Len())
	require.Equal(t, []string{
		"POST /v1/notifications/" + a.ID + "/read",
		"DELETE /v1/notifications/" + b.ID,
	}, rec.recorded(), "replay preserves enqueue order")
}

// --- connection manager against a live hub ---

type hubFixture struct {
	hub     *push.Hub
	wsURL   string
	httpURL string
	rec     *apiRecorder
}

func startHubAndAPI(t *testing.T) *hubFixture {
	t.Helper()
	hub := push.NewHub(push.Config{HeartbeatEvery: 50 * time.Millisecond, PongTimeout: 400 * time.Millisecond}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	t.Cleanup(cancel)

	rec := &apiRecorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		hub.Handle(w, r, "u1")
	})
	mux.HandleFunc("/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		_ = json.NewEncoder(w).Encode(Snapshot{UnreadCount: 3})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &hubFixture{
		hub:     hub,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws",
		httpURL: srv.URL,
		rec:     rec,
	}
}

func newManager(t *testing.T, f *hubFixture, token string, prompter PermissionPrompter) (*Manager, *Store) {
	t.Helper()
	rest := NewClient(f.httpURL, token, nil, nil, logx.Nop(), Options{Policy: fastPolicy})
	store := NewStore(rest, logx.Nop())
	m := NewManager(f.wsURL, token, store, logx.Nop(), ManagerOptions{
		Policy:   resilience.Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		Prompter: prompter,
	})
	t.Cleanup(m.Close)
	return m, store
}

func TestManagerOpensAndReconciles(t *testing.T) {
	f := startHubAndAPI(t)
	m, store := newManager(t, f, "tok", nil)
	m.Start(context.Background())

	require.Eventually(t, func() bool { return m.State() == StateOpen }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return store.Connected() }, 3*time.Second, 10*time.Millisecond)
	// Snapshot requested on open; unread reconciled from it.
	require.Eventually(t, func() bool { return store.Unread() == 3 }, 3*time.Second, 10*time.Millisecond)
}

func TestManagerReceivesPushedNotification(t *testing.T) {
	f := startHubAndAPI(t)
	m, store := newManager(t, f, "tok", nil)
	m.Start(context.Background())
	require.Eventually(t, func() bool { return f.hub.Connections("u1") == 1 }, 3*time.Second, 10*time.Millisecond)

	n := model.NewNotification("u1", model.TypeSourceItemReady, "Item", "Ready", nil)
	f.hub.Notify("u1", n)
	require.Eventually(t, func() bool {
		for _, got := range store.Notifications() {
			if got.ID == n.ID {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	f.hub.UnreadCount("u1", 9)
	require.Eventually(t, func() bool { return store.Unread() == 9 }, 3*time.Second, 10*time.Millisecond)
}

func TestManagerAnswersHeartbeats(t *testing.T) {
	f := startHubAndAPI(t)
	m, _ := newManager(t, f, "tok", nil)
	m.Start(context.Background())
	require.Eventually(t, func() bool { return f.hub.Connections("u1") == 1 }, 3*time.Second, 10*time.Millisecond)

	// Outlive the pong timeout several times over: pong replies must keep
	// the hub from reaping us.
	time.Sleep(900 * time.Millisecond)
	require.Equal(t, 1, f.hub.Connections("u1"))
}

func TestManagerWithoutTokenIsTerminalNoop(t *testing.T) {
	f := startHubAndAPI(t)
	m, store := newManager(t, f, "", nil)
	m.Start(context.Background())
	require.Equal(t, StateClosed, m.State())
	require.False(t, store.Connected())
}

type countingPrompter struct {
	state    PermissionState
	requests atomic.Int32
}

func (p *countingPrompter) State() PermissionState      { return p.state }
func (p *countingPrompter) Request(ctx context.Context) { p.requests.Add(1) }

func TestPermissionRequestedOncePerLifetime(t *testing.T) {
	// A server that drops every connection right after accepting it forces
	// the manager through repeated open/reconnect cycles.
	var opens atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		opens.Add(1)
		_ = conn.Close(websocket.StatusGoingAway, "flaky server")
	})
	mux.HandleFunc("/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Snapshot{})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	prompter := &countingPrompter{state: PermissionDefault}
	rest := NewClient(srv.URL, "tok", nil, nil, logx.Nop(), Options{Policy: fastPolicy})
	store := NewStore(rest, logx.Nop())
	t.Cleanup(store.Close)
	m := NewManager("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", "tok", store, logx.Nop(), ManagerOptions{
		Policy:   resilience.Policy{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Jitter: true},
		Prompter: prompter,
	})
	t.Cleanup(m.Close)
	m.Start(context.Background())

	require.Eventually(t, func() bool { return opens.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(1), prompter.requests.Load(), "prompt happens on the first open only")
}

func TestPermissionNotRequestedWhenDecided(t *testing.T) {
	f := startHubAndAPI(t)
	prompter := &countingPrompter{state: PermissionDenied}
	m, _ := newManager(t, f, "tok", prompter)
	m.Start(context.Background())
	require.Eventually(t, func() bool { return m.State() == StateOpen }, 3*time.Second, 10*time.Millisecond)
	require.Zero(t, prompter.requests.Load())
}

func TestCloseIsUnconditionalCleanup(t *testing.T) {
	f := startHubAndAPI(t)
	m, store := newManager(t, f, "tok", nil)
	m.Start(context.Background())
	require.Eventually(t, func() bool { return f.hub.Connections("u1") == 1 }, 3*time.Second, 10*time.Millisecond)

	m.Close()
	require.Equal(t, StateClosed, m.State())
	require.False(t, store.Connected())
	require.Eventually(t, func() bool { return f.hub.Connections("u1") == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestUnauthorizedDialTriggersReauth(t *testing.T) {
	f := startHubAndAPI(t)
	rest := NewClient(f.httpURL, "expired", nil, nil, logx.Nop(), Options{Policy: fastPolicy})
	store := NewStore(rest, logx.Nop())
	t.Cleanup(store.Close)

	var refreshed atomic.Int32
	m := NewManager(f.wsURL, "expired", store, logx.Nop(), ManagerOptions{
		Policy: resilience.Policy{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		Reauth: func(context.Context) (string, error) {
			refreshed.Add(1)
			return "tok", nil
		},
	})
	t.Cleanup(m.Close)
	m.Start(context.Background())

	require.Eventually(t, func() bool { return m.State() == StateOpen }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(1), refreshed.Load())
}

func TestUnauthorizedDialWithoutReauthCloses(t *testing.T) {
	f := startHubAndAPI(t)
	m, store := newManager(t, f, "expired", nil)
	m.Start(context.Background())

	require.Eventually(t, func() bool { return m.State() == StateClosed }, 3*time.Second, 10*time.Millisecond)
	require.False(t, store.Connected())
	require.Zero(t, f.hub.Connections("u1"))
}
