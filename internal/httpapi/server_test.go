package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"beacon/internal/digest"
	"beacon/internal/dispatch"
	"beacon/internal/eventbus"
	"beacon/internal/model"
	"beacon/internal/pattern"
	"beacon/internal/prefs"
	"beacon/internal/rules"
	"beacon/internal/source"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

type ghStub struct {
	authErr error
	items   []source.Item
}

func (g *ghStub) Type() string { return "github" }

func (g *ghStub) TestAuth(ctx context.Context, src model.Source) error { return g.authErr }

func (g *ghStub) Collect(ctx context.Context, src model.Source) ([]source.Item, error) {
	return g.items, nil
}

type fixture struct {
	ts       *httptest.Server
	store    *storage.Store
	patterns *pattern.Service
	gh       *ghStub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "beacon.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := prefs.NewRegistry(st, logx.Nop())
	eng := rules.NewEngine(st, logx.Nop())
	pat := pattern.NewService(st, logx.Nop())
	gen := digest.NewGenerator(st, logx.Nop())
	disp := dispatch.New(dispatch.Config{}, st, reg, eng, nil, nil, eventbus.New(), logx.Nop())
	gh := &ghStub{}
	srcs := source.NewManager(st, disp, logx.Nop(), gh)

	srv := NewServer(Config{}, Deps{
		Store:      st,
		Dispatcher: disp,
		Prefs:      reg,
		Rules:      eng,
		Patterns:   pat,
		Digests:    gen,
		Sources:    srcs,
		Auth:       StaticTokens(map[string]string{"tok-u1": "u1", "tok-u2": "u2"}),
	}, logx.Nop())

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, store: st, patterns: pat, gh: gh}
}

// do issues a request as u1 and decodes the JSON response into out (nil to
// ignore the body).
func (f *fixture) do(t *testing.T, method, path string, body, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-u1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (f *fixture) createNotification(t *testing.T, typ, title string) string {
	t.Helper()
	var created struct {
		Notification model.Notification `json:"notification"`
	}
	resp := f.do(t, http.MethodPost, "/v1/notifications",
		map[string]any{"type": typ, "title": title, "message": "m"}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return created.Notification.ID
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/v1/notifications")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/notifications", nil)
	req.Header.Set("Authorization", "Bearer nope")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestHealthNeedsNoToken(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNotificationLifecycle(t *testing.T) {
	f := newFixture(t)

	id := f.createNotification(t, "task_due_soon", "Water the plants")
	f.createNotification(t, "system", "Maintenance window")

	var snap struct {
		Notifications []model.Notification `json:"notifications"`
		UnreadCount   int                  `json:"unread_count"`
		Preferences   []model.Preference   `json:"preferences"`
	}
	resp := f.do(t, http.MethodGet, "/v1/notifications", nil, &snap)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, snap.Notifications, 2)
	require.Equal(t, 2, snap.UnreadCount)

	var marked struct {
		Updated bool `json:"updated"`
	}
	f.do(t, http.MethodPost, "/v1/notifications/"+id+"/read", nil, &marked)
	require.True(t, marked.Updated)

	// Idempotent: a second mark-read reports no transition.
	f.do(t, http.MethodPost, "/v1/notifications/"+id+"/read", nil, &marked)
	require.False(t, marked.Updated)

	f.do(t, http.MethodGet, "/v1/notifications?unread_only=1", nil, &snap)
	require.Len(t, snap.Notifications, 1)
	require.Equal(t, 1, snap.UnreadCount)

	resp = f.do(t, http.MethodDelete, "/v1/notifications/"+id, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/v1/notifications/"+id, nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateNotificationRejectsUnknownType(t *testing.T) {
	f := newFixture(t)

	var errResp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	resp := f.do(t, http.MethodPost, "/v1/notifications",
		map[string]any{"type": "party_time", "title": "x"}, &errResp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "bad_request", errResp.Error.Code)
}

func TestPreferenceRoundTrip(t *testing.T) {
	f := newFixture(t)

	var p model.Preference
	resp := f.do(t, http.MethodPut, "/v1/preferences/task_due_soon",
		map[string]any{"enabled": false}, &p)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, p.Enabled)

	f.do(t, http.MethodGet, "/v1/preferences/task_due_soon", nil, &p)
	require.False(t, p.Enabled)

	resp = f.do(t, http.MethodPut, "/v1/preferences/party_time", map[string]any{}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/v1/preferences/task_due_soon", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Deleting the override reverts to the enabled default.
	f.do(t, http.MethodGet, "/v1/preferences/task_due_soon", nil, &p)
	require.True(t, p.Enabled)
}

func TestRuleCRUDAndTest(t *testing.T) {
	f := newFixture(t)

	body := map[string]any{
		"name":     "mute chatter",
		"enabled":  true,
		"priority": 10,
		"condition": map[string]any{
			"kind": "type_is", "type": "system",
		},
		"actions": []map[string]any{{"kind": "suppress"}},
	}
	var rule model.Rule
	resp := f.do(t, http.MethodPost, "/v1/rules", body, &rule)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, rule.ID)

	// Missing actions fail validation synchronously.
	bad := map[string]any{
		"name":      "broken",
		"condition": map[string]any{"kind": "type_is", "type": "system"},
	}
	var errResp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	resp = f.do(t, http.MethodPost, "/v1/rules", bad, &errResp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "validation_failed", errResp.Error.Code)

	nid := f.createNotification(t, "task_due_soon", "Pay rent")

	var tr rules.TestResult
	resp = f.do(t, http.MethodPost, fmt.Sprintf("/v1/rules/%s/test", rule.ID),
		map[string]any{"notification_id": nid}, &tr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, tr.Matched, "type_is system must not match a task_due_soon notification")

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/v1/rules/%s/test", rule.ID),
		map[string]any{"notification_id": "missing"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/v1/rules/"+rule.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSourceCollectFlowsIntoNotifications(t *testing.T) {
	f := newFixture(t)
	f.gh.items = []source.Item{{Title: "PR merged", Message: "beacon#12"}}

	var src model.Source
	resp := f.do(t, http.MethodPost, "/v1/sources",
		map[string]any{"type": "github", "name": "gh", "enabled": true}, &src)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/sources/"+src.ID+"/test", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var col source.CollectResult
	resp = f.do(t, http.MethodPost, "/v1/sources/"+src.ID+"/collect", nil, &col)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, source.CollectResult{Collected: 1, Dispatched: 1}, col)

	var snap struct {
		Notifications []model.Notification `json:"notifications"`
	}
	f.do(t, http.MethodGet, "/v1/notifications", nil, &snap)
	require.Len(t, snap.Notifications, 1)
	require.Equal(t, model.TypeSourceItemReady, snap.Notifications[0].Type)
	require.Equal(t, src.ID, snap.Notifications[0].Metadata["source_id"])

	resp = f.do(t, http.MethodPost, "/v1/sources",
		map[string]any{"type": "gitlab", "name": "gl"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDigestGenerateAndLatest(t *testing.T) {
	f := newFixture(t)
	f.createNotification(t, "task_due_soon", "Pay rent")

	now := time.Now()
	var d model.Digest
	resp := f.do(t, http.MethodPost, "/v1/digests/daily/generate",
		map[string]any{"start": now.Add(-24 * time.Hour), "end": now.Add(time.Hour)}, &d)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, 1, d.NotificationCount)

	var latest model.Digest
	resp = f.do(t, http.MethodGet, "/v1/digests/daily/latest", nil, &latest)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, d.ID, latest.ID)

	// No weekly digest yet: a miss, not a fault.
	var errResp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	resp = f.do(t, http.MethodGet, "/v1/digests/weekly/latest", nil, &errResp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", errResp.Error.Code)

	resp = f.do(t, http.MethodGet, "/v1/digests/hourly/latest", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInsightsSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.patterns.Observe(ctx, "u1", pattern.Observation{
			Key: "task_due_soon:big_rock=Health", Type: "task_due_soon", At: time.Now(),
		})
		require.NoError(t, err)
	}

	var ins pattern.Insights
	resp := f.do(t, http.MethodGet, "/v1/insights?top=3", nil, &ins)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, ins.TotalPatterns)
	require.Len(t, ins.TopByFrequency, 1)
	require.EqualValues(t, 3, ins.TopByFrequency[0].Frequency)
}
