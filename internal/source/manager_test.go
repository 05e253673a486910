package source

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"beacon/internal/dispatch"
	"beacon/internal/model"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

type stubConnector struct {
	typ     string
	authErr error
	items   []Item
	pullErr error
}

func (c *stubConnector) Type() string { return c.typ }

func (c *stubConnector) TestAuth(context.Context, model.Source) error { return c.authErr }

func (c *stubConnector) Collect(context.Context, model.Source) ([]Item, error) {
	return c.items, c.pullErr
}

type stubDispatcher struct {
	seen []model.Notification
	err  error
}

func (d *stubDispatcher) Dispatch(_ context.Context, n model.Notification) (dispatch.Result, error) {
	if d.err != nil {
		return dispatch.Result{}, d.err
	}
	d.seen = append(d.seen, n)
	return dispatch.Result{Persisted: true}, nil
}

func newFixture(t *testing.T, conn Connector) (*Manager, *stubDispatcher, *storage.Store) {
	t.Helper()
	s, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "beacon.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	d := &stubDispatcher{}
	return NewManager(s, d, logx.Nop(), conn), d, s
}

func TestCreateRejectsUnknownType(t *testing.T) {
	m, _, _ := newFixture(t, &stubConnector{typ: "github"})

	_, err := m.Create(context.Background(), model.Source{UserID: "u1", Name: "repo", Type: "gitlab"})
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = m.Create(context.Background(), model.Source{UserID: "u1", Type: "github"})
	require.Error(t, err, "empty name must be rejected")
}

func TestCollectDispatchesItemsAndRecordsSync(t *testing.T) {
	conn := &stubConnector{typ: "github", items: []Item{
		{Title: "PR merged", Message: "beacon#12 merged", Metadata: model.Metadata{"repo": "beacon"}},
		{Title: "Issue opened", Message: "beacon#13"},
	}}
	m, d, store := newFixture(t, conn)
	ctx := context.Background()

	src, err := m.Create(ctx, model.Source{UserID: "u1", Name: "gh", Type: "github", Enabled: true})
	require.NoError(t, err)

	res, err := m.Collect(ctx, "u1", src.ID)
	require.NoError(t, err)
	require.Equal(t, CollectResult{Collected: 2, Dispatched: 2}, res)

	require.Len(t, d.seen, 2)
	require.Equal(t, model.TypeSourceItemReady, d.seen[0].Type)
	require.Equal(t, src.ID, d.seen[0].Metadata["source_id"])
	require.Equal(t, "beacon", d.seen[0].Metadata["repo"])

	got, err := store.GetSource(ctx, "u1", src.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSync)
	require.Empty(t, got.LastError)
}

func TestCollectFailureRecordsError(t *testing.T) {
	conn := &stubConnector{typ: "github", pullErr: errors.New("rate limited")}
	m, d, store := newFixture(t, conn)
	ctx := context.Background()

	src, err := m.Create(ctx, model.Source{UserID: "u1", Name: "gh", Type: "github", Enabled: true})
	require.NoError(t, err)

	_, err = m.Collect(ctx, "u1", src.ID)
	require.Error(t, err)
	require.Empty(t, d.seen)

	got, err := store.GetSource(ctx, "u1", src.ID)
	require.NoError(t, err)
	require.Contains(t, got.LastError, "rate limited")
	require.NotNil(t, got.LastSync, "failed runs still count as a sync attempt")
}

func TestCollectDisabledSource(t *testing.T) {
	m, _, _ := newFixture(t, &stubConnector{typ: "github"})
	ctx := context.Background()

	src, err := m.Create(ctx, model.Source{UserID: "u1", Name: "gh", Type: "github", Enabled: false})
	require.NoError(t, err)

	_, err = m.Collect(ctx, "u1", src.ID)
	require.ErrorIs(t, err, ErrDisabled)
}

func TestTestAuthPassesThroughConnector(t *testing.T) {
	conn := &stubConnector{typ: "github", authErr: errors.New("bad token")}
	m, _, _ := newFixture(t, conn)
	ctx := context.Background()

	src, err := m.Create(ctx, model.Source{UserID: "u1", Name: "gh", Type: "github", Enabled: true})
	require.NoError(t, err)

	require.EqualError(t, m.TestAuth(ctx, "u1", src.ID), "bad token")

	conn.authErr = nil
	require.NoError(t, m.TestAuth(ctx, "u1", src.ID))

	require.ErrorIs(t, m.TestAuth(ctx, "u1", "missing"), storage.ErrNotFound)
}
