package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	API     APIConfig     `json:"api"`

	// Dispatch controls the delivery worker pool.
	Dispatch DispatchConfig `json:"dispatch"`

	// Push controls the websocket hub (heartbeats, buffers).
	Push PushConfig `json:"push"`

	// Channel adapters. A nil section leaves that channel unconfigured;
	// deliveries to it are skipped.
	Email    *EmailConfig    `json:"email,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance"`

	Pprof PprofConfig `json:"pprof,omitempty"`
}

// PprofConfig controls the optional profiling listener. Bind to loopback
// or set a token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token   string `json:"token,omitempty"` // do not log
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// APIConfig controls the HTTP surface.
//
// Tokens maps bearer token -> user id. Static token auth keeps the
// deployment self-contained; front it with a real identity provider by
// replacing the resolver in code.
type APIConfig struct {
	Addr   string            `json:"addr"` // default: "127.0.0.1:8480"
	Tokens map[string]string `json:"tokens"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0
	// (disabled) so long-lived websocket upgrades are not cut off.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// DispatchConfig controls the async delivery pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type DispatchConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type PushConfig struct {
	HeartbeatEvery string `json:"heartbeat_every,omitempty"` // default: "30s"
	PongTimeout    string `json:"pong_timeout,omitempty"`    // default: 3x heartbeat
	SendBuffer     int    `json:"send_buffer,omitempty"`
}

type EmailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"` // default: 587
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from"`

	// Recipients maps user id -> email address.
	Recipients map[string]string `json:"recipients,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// ChatIDs maps user id -> telegram chat id.
	ChatIDs map[string]int64 `json:"chat_ids,omitempty"`
}

// MaintenanceConfig controls the cron jobs: pattern confidence decay and
// read-notification retention.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`

	// DecaySchedule is a cron expression; default "0 3 * * *" (daily 03:00).
	DecaySchedule string `json:"decay_schedule,omitempty"`
	// DecayAfter marks patterns stale when not seen this long; default "168h".
	DecayAfter string `json:"decay_after,omitempty"`

	// PruneSchedule is a cron expression; default "30 3 * * *".
	PruneSchedule string `json:"prune_schedule,omitempty"`
	// PruneReadAfter deletes read notifications older than this; "0s"
	// disables pruning. Default "720h" (30 days).
	PruneReadAfter string `json:"prune_read_after,omitempty"`

	Timezone string `json:"timezone,omitempty"`
}
