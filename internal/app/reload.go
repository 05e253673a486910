package app

import (
	"context"
	"strings"

	"beacon/internal/config"
	logx "beacon/pkg/logx"
)

// Sections that only take effect on process restart: they own sockets,
// file handles, or background goroutine topology fixed at startup.
var restartOnly = map[string]struct{}{
	"storage":     {},
	"api":         {},
	"push":        {},
	"email":       {},
	"telegram":    {},
	"maintenance": {},
	"pprof":       {},
}

// reloadLoop applies hot-reloadable config sections (logging, dispatch)
// and flags the rest as restart-required.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}

			changed, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(changed) == 0 {
				a.log.Debug("config reload received, no effective changes")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
			a.log.Info("config changed", fields...)

			for _, section := range changed {
				switch {
				case section == "logging":
					a.logs.Apply(logx.Config{
						Level:   newCfg.Logging.Level,
						Console: newCfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: newCfg.Logging.File.Enabled,
							Path:    newCfg.Logging.File.Path,
						},
					})
				case section == "dispatch":
					dcfg, err := mapDispatchConfig(newCfg)
					if err != nil {
						// The validator should have caught this; keep the
						// previous settings.
						a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
						continue
					}
					a.disp.Apply(dcfg)
				default:
					if _, ok := restartOnly[section]; ok {
						a.log.Warn("config section changed; restart required",
							logx.String("section", section))
					}
				}
			}
		}
	}
}
