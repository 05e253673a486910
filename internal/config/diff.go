package config

import (
	"reflect"
	"sort"
	"strings"

	logx "beacon/pkg/logx"
)

// SummarizeChange returns the changed top-level sections plus structured
// attrs safe for logging. Secrets (tokens, passwords) never appear in the
// attrs, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Int("api.token_count", len(newCfg.API.Tokens)),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
		)
	}

	if oldCfg.Push != newCfg.Push {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.String("push.heartbeat_every", newCfg.Push.HeartbeatEvery),
			logx.Int("push.send_buffer", newCfg.Push.SendBuffer),
		)
	}

	if !emailEqual(oldCfg.Email, newCfg.Email) {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.Bool("email.present", newCfg.Email != nil),
			logx.Bool("email.password_set", newCfg.Email != nil && newCfg.Email.Password != ""),
		)
		if newCfg.Email != nil {
			attrs = append(attrs,
				logx.String("email.host", newCfg.Email.Host),
				logx.Int("email.recipient_count", len(newCfg.Email.Recipients)),
			)
		}
	}

	if !telegramEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.present", newCfg.Telegram != nil),
			logx.Bool("telegram.token_set", newCfg.Telegram != nil && strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
		if newCfg.Telegram != nil {
			attrs = append(attrs, logx.Int("telegram.chat_count", len(newCfg.Telegram.ChatIDs)))
		}
	}

	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.Bool("pprof.token_set", newCfg.Pprof.Token != ""),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.decay_schedule", newCfg.Maintenance.DecaySchedule),
			logx.String("maintenance.prune_schedule", newCfg.Maintenance.PruneSchedule),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func emailEqual(a, b *EmailConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return reflect.DeepEqual(*a, *b)
}

func telegramEqual(a, b *TelegramConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return reflect.DeepEqual(*a, *b)
}
