package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"beacon/internal/channel"
	"beacon/internal/eventbus"
	"beacon/internal/model"
	"beacon/internal/prefs"
	"beacon/internal/rules"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
	"beacon/pkg/resilience"
)

type fakeSink struct {
	mu       sync.Mutex
	notified []model.Notification
	counts   []int
	conns    int
}

func (f *fakeSink) Notify(userID string, n model.Notification) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, n)
	return f.conns
}

func (f *fakeSink) UnreadCount(userID string, count int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = append(f.counts, count)
	return f.conns
}

func (f *fakeSink) lastCount(t *testing.T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.counts)
	return f.counts[len(f.counts)-1]
}

type fakeAdapter struct {
	name model.Channel

	mu    sync.Mutex
	sent  []model.Notification
	fails int // fail this many sends before succeeding
	err   error
}

func (f *fakeAdapter) Name() model.Channel { return f.name }

func (f *fakeAdapter) Send(ctx context.Context, userID string, n model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.fails > 0 {
		f.fails--
		return errors.New("transient send failure")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	svc   *Service
	store *storage.Store
	prefs *prefs.Registry
	sink  *fakeSink
	email *fakeAdapter
	bus   eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "beacon.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store: st,
		prefs: prefs.NewRegistry(st, logx.Nop()),
		sink:  &fakeSink{conns: 1},
		email: &fakeAdapter{name: model.ChannelEmail},
		bus:   eventbus.New(),
	}
	f.svc = New(
		Config{Workers: 1, RatePerSec: 1000, Retry: resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}},
		st, f.prefs, rules.NewEngine(st, logx.Nop()), f.sink, []channel.Adapter{f.email}, f.bus, logx.Nop(),
	)
	f.svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		f.svc.Stop(ctx)
	})
	return f
}

func enableEmail(t *testing.T, f *fixture, typ model.NotificationType) {
	t.Helper()
	on := true
	_, err := f.prefs.Update(context.Background(), "u1", typ, model.PreferencePatch{Email: &on})
	require.NoError(t, err)
}

func TestDispatchPersistsAndDeliversInApp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n := model.NewNotification("u1", model.TypeTaskDueSoon, "Due", "Task due soon", nil)
	res, err := f.svc.Dispatch(ctx, n)
	require.NoError(t, err)
	require.True(t, res.Persisted)
	require.True(t, res.Delivered)
	require.Contains(t, res.Channels, model.ChannelInApp)
	require.Equal(t, 1, res.InAppConns)

	stored, err := f.store.GetNotification(ctx, "u1", n.ID)
	require.NoError(t, err)
	require.Equal(t, n.Title, stored.Title)
	require.Equal(t, 1, f.sink.lastCount(t), "unread counter pushed after delivery")
}

func TestDisabledPreferenceKeepsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	off := false
	_, err := f.prefs.Update(ctx, "u1", model.TypeSystem, model.PreferencePatch{Enabled: &off})
	require.NoError(t, err)

	n := model.NewNotification("u1", model.TypeSystem, "Maintenance", "", nil)
	res, err := f.svc.Dispatch(ctx, n)
	require.NoError(t, err)
	require.True(t, res.Persisted)
	require.False(t, res.Delivered)
	require.Empty(t, res.Channels)

	// The row still exists for history.
	_, err = f.store.GetNotification(ctx, "u1", n.ID)
	require.NoError(t, err)
	require.Empty(t, f.sink.notified)
}

func TestSuppressingRuleStopsAllChannels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enableEmail(t, f, model.TypeSystem)

	rule := model.Rule{
		ID: "r1", Name: "quiet system noise", Enabled: true, Priority: 10,
		Condition: model.Condition{Kind: model.CondTypeIs, Type: model.TypeSystem},
		Actions:   []model.RuleAction{{Kind: model.ActionSuppress}},
	}
	require.NoError(t, f.store.InsertRule(ctx, "u1", rule))

	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	n := model.NewNotification("u1", model.TypeSystem, "Noise", "", nil)
	res, err := f.svc.Dispatch(ctx, n)
	require.NoError(t, err)
	require.True(t, res.Persisted)
	require.False(t, res.Delivered)
	require.Contains(t, res.Reason, "r1")

	select {
	case ev := <-events:
		require.Equal(t, eventbus.EventSuppressed, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no suppression event published")
	}
	require.Empty(t, f.sink.notified)
	require.Zero(t, f.email.sentCount())
}

func TestForceAndMuteOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Email preference flag is off by default, but a rule forces it.
	// Another rule mutes the in-app channel.
	force := model.Rule{
		ID: "r1", Name: "escalate due tasks", Enabled: true, Priority: 5,
		Condition: model.Condition{Kind: model.CondTypeIs, Type: model.TypeTaskDueSoon},
		Actions:   []model.RuleAction{{Kind: model.ActionForceChannel, Channel: model.ChannelEmail}},
	}
	mute := model.Rule{
		ID: "r2", Name: "no in-app for due tasks", Enabled: true, Priority: 4,
		Condition: model.Condition{Kind: model.CondTypeIs, Type: model.TypeTaskDueSoon},
		Actions:   []model.RuleAction{{Kind: model.ActionMuteChannel, Channel: model.ChannelInApp}},
	}
	require.NoError(t, f.store.InsertRule(ctx, "u1", force))
	require.NoError(t, f.store.InsertRule(ctx, "u1", mute))

	n := model.NewNotification("u1", model.TypeTaskDueSoon, "Due", "", nil)
	res, err := f.svc.Dispatch(ctx, n)
	require.NoError(t, err)
	require.NotContains(t, res.Channels, model.ChannelInApp)
	require.Contains(t, res.Channels, model.ChannelEmail)

	require.Eventually(t, func() bool { return f.email.sentCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Empty(t, f.sink.notified)
}

func TestAnnotationReachesChannelPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enableEmail(t, f, model.TypeAchievement)

	rule := model.Rule{
		ID: "r1", Name: "tag achievements", Enabled: true, Priority: 1,
		Condition: model.Condition{Kind: model.CondTypeIs, Type: model.TypeAchievement},
		Actions:   []model.RuleAction{{Kind: model.ActionAnnotate, Key: "badge", Value: "gold"}},
	}
	require.NoError(t, f.store.InsertRule(ctx, "u1", rule))

	n := model.NewNotification("u1", model.TypeAchievement, "Streak", "", nil)
	_, err := f.svc.Dispatch(ctx, n)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.email.sentCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	f.email.mu.Lock()
	defer f.email.mu.Unlock()
	require.Equal(t, "gold", f.email.sent[0].Metadata["badge"])
}

func TestChannelSendRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enableEmail(t, f, model.TypeSystem)
	f.email.fails = 2

	n := model.NewNotification("u1", model.TypeSystem, "Retry me", "", nil)
	_, err := f.svc.Dispatch(ctx, n)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.email.sentCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestPermanentChannelFailureIsReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enableEmail(t, f, model.TypeSystem)
	f.email.err = resilience.Permanent(errors.New("no recipient"))

	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	n := model.NewNotification("u1", model.TypeSystem, "Lost", "", nil)
	_, err := f.svc.Dispatch(ctx, n)
	require.NoError(t, err, "channel failures never fail the dispatch itself")

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.EventFailed {
				return
			}
		case <-deadline:
			t.Fatal("no failure event published")
		}
	}
}
