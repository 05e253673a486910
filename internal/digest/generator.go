// Package digest builds on-demand textual summaries of a user's
// notification history over a half-open period.
package digest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"beacon/internal/model"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

// ErrNoDigest is returned by Latest when no digest of the requested type
// exists yet. Callers must treat this as a normal outcome, not a failure.
var ErrNoDigest = storage.ErrNotFound

type Generator struct {
	store *storage.Store
	log   logx.Logger
	now   func() time.Time
}

func NewGenerator(store *storage.Store, log logx.Logger) *Generator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Generator{store: store, log: log, now: time.Now}
}

// Generate summarizes all of the user's notifications in [start, end) into
// a new digest row. Repeated calls over the same period append further
// rows; Latest picks the newest by creation time.
func (g *Generator) Generate(ctx context.Context, userID string, typ model.DigestType, start, end time.Time) (model.Digest, error) {
	if !typ.Valid() {
		return model.Digest{}, fmt.Errorf("unknown digest type %q", typ)
	}
	if !end.After(start) {
		return model.Digest{}, fmt.Errorf("digest period end %s not after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	notifications, err := g.store.ListNotificationsBetween(ctx, userID, start, end)
	if err != nil {
		return model.Digest{}, err
	}

	d := model.Digest{
		ID:                uuid.NewString(),
		UserID:            userID,
		Type:              typ,
		PeriodStart:       start,
		PeriodEnd:         end,
		Summary:           summarize(typ, notifications),
		NotificationCount: len(notifications),
		CreatedAt:         g.now(),
	}
	if err := g.store.InsertDigest(ctx, d); err != nil {
		return model.Digest{}, err
	}
	g.log.Debug("digest generated",
		logx.String("user", userID),
		logx.String("type", string(typ)),
		logx.Int("notifications", d.NotificationCount))
	return d, nil
}

// Latest returns the most recently created digest of the given type, or
// ErrNoDigest when the user has none yet.
func (g *Generator) Latest(ctx context.Context, userID string, typ model.DigestType) (model.Digest, error) {
	return g.store.LatestDigest(ctx, userID, typ)
}

// List returns up to limit recent digests of the given type, newest first.
func (g *Generator) List(ctx context.Context, userID string, typ model.DigestType, limit int) ([]model.Digest, error) {
	return g.store.ListDigests(ctx, userID, typ, limit)
}

// summarize renders the synopsis text: total, unread remainder, and a
// per-type breakdown in descending count order.
func summarize(typ model.DigestType, notifications []model.Notification) string {
	if len(notifications) == 0 {
		return fmt.Sprintf("No notifications in this %s period.", typ)
	}

	unread := 0
	counts := map[model.NotificationType]int{}
	for _, n := range notifications {
		counts[n.Type]++
		if !n.Read {
			unread++
		}
	}

	types := make([]model.NotificationType, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if counts[types[i]] != counts[types[j]] {
			return counts[types[i]] > counts[types[j]]
		}
		return types[i] < types[j]
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%d notifications", len(notifications))
	if unread > 0 {
		fmt.Fprintf(&b, " (%d unread)", unread)
	}
	b.WriteString(": ")
	for i, t := range types {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d %s", counts[t], t)
	}
	b.WriteString(".")
	return b.String()
}
