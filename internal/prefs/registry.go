// Package prefs is the server-side preference registry: per notification
// type, per channel delivery enablement with a fail-open default.
package prefs

import (
	"context"
	"errors"
	"fmt"

	"beacon/internal/model"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

// ErrInvalidType rejects writes for types outside the closed enum.
var ErrInvalidType = errors.New("unknown notification type")

type Registry struct {
	store *storage.Store
	log   logx.Logger
}

func NewRegistry(store *storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log}
}

// Effective returns the stored preference for (user, type), or the
// fail-open default when no override row exists.
func (r *Registry) Effective(ctx context.Context, userID string, typ model.NotificationType) (model.Preference, error) {
	p, err := r.store.GetPreference(ctx, userID, typ)
	if errors.Is(err, storage.ErrNotFound) {
		return model.DefaultPreference(typ), nil
	}
	if err != nil {
		return model.Preference{}, err
	}
	return p, nil
}

// IsEnabled reports whether the type is enabled for the user.
// Missing rows default to enabled; store errors are logged and also fail
// open so a degraded preference lookup never swallows notifications.
func (r *Registry) IsEnabled(ctx context.Context, userID string, typ model.NotificationType) bool {
	p, err := r.Effective(ctx, userID, typ)
	if err != nil {
		r.log.Warn("preference lookup failed, failing open",
			logx.String("user", userID), logx.String("type", string(typ)), logx.Err(err))
		return true
	}
	return p.Enabled
}

// List returns the user's stored overrides (types without a row simply take
// the default and are not listed).
func (r *Registry) List(ctx context.Context, userID string) ([]model.Preference, error) {
	return r.store.ListPreferences(ctx, userID)
}

// Update applies a partial patch on top of the current effective preference.
// Unspecified fields keep their prior value, never reset to defaults.
func (r *Registry) Update(ctx context.Context, userID string, typ model.NotificationType, patch model.PreferencePatch) (model.Preference, error) {
	if !typ.Valid() {
		return model.Preference{}, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	cur, err := r.Effective(ctx, userID, typ)
	if err != nil {
		return model.Preference{}, err
	}
	next := patch.Apply(cur)
	next.Type = typ
	if err := r.store.UpsertPreference(ctx, userID, next); err != nil {
		return model.Preference{}, err
	}
	return next, nil
}

// Delete removes the override, reverting the type to the fail-open default.
func (r *Registry) Delete(ctx context.Context, userID string, typ model.NotificationType) error {
	return r.store.DeletePreference(ctx, userID, typ)
}
