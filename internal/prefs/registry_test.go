package prefs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"beacon/internal/model"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "beacon.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewRegistry(s, logx.Nop())
}

func TestEffectiveFallsBackToDefault(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p, err := r.Effective(ctx, "u1", model.TypeCapacityOverload)
	require.NoError(t, err)
	require.True(t, p.Enabled)
	require.True(t, p.InApp)
	require.True(t, p.Push)
	require.False(t, p.Email)
}

func TestIsEnabledFailOpen(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.True(t, r.IsEnabled(ctx, "u1", model.TypeSystem))

	off := false
	_, err := r.Update(ctx, "u1", model.TypeSystem, model.PreferencePatch{Enabled: &off})
	require.NoError(t, err)
	require.False(t, r.IsEnabled(ctx, "u1", model.TypeSystem))
}

func TestUpdateMergesPartially(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	on := true
	p, err := r.Update(ctx, "u1", model.TypeTaskDueSoon, model.PreferencePatch{Email: &on})
	require.NoError(t, err)
	require.True(t, p.Email)
	// Untouched fields keep the default, not zero values.
	require.True(t, p.Enabled)
	require.True(t, p.InApp)

	off := false
	p, err = r.Update(ctx, "u1", model.TypeTaskDueSoon, model.PreferencePatch{Push: &off})
	require.NoError(t, err)
	require.False(t, p.Push)
	require.True(t, p.Email, "earlier override must survive later patches")
}

func TestUpdateMergesSettingsPerKey(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Update(ctx, "u1", model.TypeSystem, model.PreferencePatch{
		Settings: model.Metadata{"quiet_start": "22:00", "quiet_end": "07:00"},
	})
	require.NoError(t, err)

	p, err := r.Update(ctx, "u1", model.TypeSystem, model.PreferencePatch{
		Settings: model.Metadata{"quiet_end": "08:00"},
	})
	require.NoError(t, err)
	require.Equal(t, "22:00", p.Settings["quiet_start"])
	require.Equal(t, "08:00", p.Settings["quiet_end"])
}

func TestUpdateRejectsUnknownType(t *testing.T) {
	r := newTestRegistry(t)
	on := true
	_, err := r.Update(context.Background(), "u1", "bogus", model.PreferencePatch{Enabled: &on})
	require.ErrorIs(t, err, ErrInvalidType)
}

func TestDeleteRevertsToDefault(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	off := false
	_, err := r.Update(ctx, "u1", model.TypeAchievement, model.PreferencePatch{Enabled: &off})
	require.NoError(t, err)
	require.False(t, r.IsEnabled(ctx, "u1", model.TypeAchievement))

	require.NoError(t, r.Delete(ctx, "u1", model.TypeAchievement))
	require.True(t, r.IsEnabled(ctx, "u1", model.TypeAchievement))

	list, err := r.List(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, list)
}
