package app

import (
	"fmt"
	"strings"
	"time"

	"beacon/internal/config"
	"beacon/internal/dispatch"
	"beacon/internal/push"
	"beacon/pkg/resilience"
)

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	sendTimeout, err := config.ParseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryBase, err := config.ParseDurationField("dispatch.retry_base", d.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("dispatch.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	if d.Workers < 0 || d.QueueSize < 0 || d.RatePerSec < 0 || d.RetryMax < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch: counts must be >= 0")
	}

	policy := resilience.DefaultPolicy()
	if d.RetryMax > 0 {
		policy.MaxAttempts = d.RetryMax
	}
	if retryBase > 0 {
		policy.BaseDelay = retryBase
	}
	if retryMaxDelay > 0 {
		policy.MaxDelay = retryMaxDelay
	}

	return dispatch.Config{
		Workers:     d.Workers,
		QueueSize:   d.QueueSize,
		RatePerSec:  d.RatePerSec,
		SendTimeout: sendTimeout,
		Retry:       policy,
	}, nil
}

func mapPushConfig(cfg *config.Config) (push.Config, error) {
	p := cfg.Push
	heartbeat, err := config.ParseDurationField("push.heartbeat_every", p.HeartbeatEvery)
	if err != nil {
		return push.Config{}, err
	}
	pongTimeout, err := config.ParseDurationField("push.pong_timeout", p.PongTimeout)
	if err != nil {
		return push.Config{}, err
	}
	if p.SendBuffer < 0 {
		return push.Config{}, fmt.Errorf("push.send_buffer must be >= 0")
	}
	return push.Config{
		HeartbeatEvery: heartbeat,
		PongTimeout:    pongTimeout,
		SendBuffer:     p.SendBuffer,
	}, nil
}

// validateConfig runs before a hot reload is committed, so a bad edit
// keeps the previous config live instead of breaking a running process.
func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPushConfig(cfg); err != nil {
		return err
	}
	if _, err := buildHTTPServer(cfg.API, nil); err != nil {
		return err
	}
	if ec := cfg.Email; ec != nil {
		if strings.TrimSpace(ec.Host) == "" || strings.TrimSpace(ec.From) == "" {
			return fmt.Errorf("email: host and from are required")
		}
	}
	if tc := cfg.Telegram; tc != nil && strings.TrimSpace(tc.Token) == "" {
		return fmt.Errorf("telegram.token is required when the section is present")
	}
	if err := validateMaintenance(cfg.Maintenance); err != nil {
		return err
	}
	return nil
}

func validateMaintenance(mc config.MaintenanceConfig) error {
	if tz := strings.TrimSpace(mc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := config.ParseDurationField("maintenance.decay_after", mc.DecayAfter); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("maintenance.prune_read_after", mc.PruneReadAfter); err != nil {
		return err
	}
	return nil
}
