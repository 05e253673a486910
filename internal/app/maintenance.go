package app

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"beacon/internal/config"
	"beacon/internal/pattern"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

const (
	defaultDecaySchedule  = "0 3 * * *"
	defaultPruneSchedule  = "30 3 * * *"
	defaultDecayAfter     = 7 * 24 * time.Hour
	defaultPruneReadAfter = 30 * 24 * time.Hour
)

// maintenance runs the periodic background jobs: pattern confidence decay
// and read-notification retention.
type maintenance struct {
	c   *cron.Cron
	log logx.Logger
}

func newMaintenance(mc config.MaintenanceConfig, store *storage.Store, pat *pattern.Service, log logx.Logger) (*maintenance, error) {
	if !mc.Enabled {
		return nil, nil
	}
	if err := validateMaintenance(mc); err != nil {
		return nil, err
	}

	loc := time.Local
	if tz := strings.TrimSpace(mc.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, err
		}
		loc = l
	}

	decayAfter, _ := config.ParseDurationOrDefault("maintenance.decay_after", mc.DecayAfter, defaultDecayAfter)
	pruneAfter, err := config.ParseDurationField("maintenance.prune_read_after", mc.PruneReadAfter)
	if err != nil {
		return nil, err
	}
	if mc.PruneReadAfter == "" {
		pruneAfter = defaultPruneReadAfter
	}

	decaySchedule := mc.DecaySchedule
	if strings.TrimSpace(decaySchedule) == "" {
		decaySchedule = defaultDecaySchedule
	}
	pruneSchedule := mc.PruneSchedule
	if strings.TrimSpace(pruneSchedule) == "" {
		pruneSchedule = defaultPruneSchedule
	}

	m := &maintenance{
		c:   cron.New(cron.WithLocation(loc)),
		log: log,
	}

	if _, err := m.c.AddFunc(decaySchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		decayed, err := pat.DecaySweep(ctx, time.Now().Add(-decayAfter))
		if err != nil {
			log.Warn("pattern decay sweep failed", logx.Err(err))
			return
		}
		log.Info("pattern decay sweep done", logx.Int("decayed", decayed))
	}); err != nil {
		return nil, err
	}

	if pruneAfter > 0 {
		if _, err := m.c.AddFunc(pruneSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			pruned, err := store.PruneReadNotifications(ctx, time.Now().Add(-pruneAfter))
			if err != nil {
				log.Warn("notification prune failed", logx.Err(err))
				return
			}
			log.Info("read notifications pruned", logx.Int("pruned", pruned))
		}); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *maintenance) start(ctx context.Context) {
	m.c.Start()
	go func() {
		<-ctx.Done()
		m.c.Stop()
	}()
}

func (m *maintenance) stop() {
	ctx := m.c.Stop()
	// Let an in-flight job finish briefly.
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}
