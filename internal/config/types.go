package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration (JSON or YAML). Fields tagged env can
// be overridden by RELAYBOT_* environment variables after parsing.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Routing   RoutingConfig   `json:"routing"`
	Forward   ForwardConfig   `json:"forward"`
	Media     MediaConfig     `json:"media"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`

	Plugins map[string]PluginConfigRaw `json:"plugins"`
}

type TelegramConfig struct {
	Token string `env:"RELAYBOT_TELEGRAM_TOKEN" json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `env:"RELAYBOT_TELEGRAM_POLL_TIMEOUT" json:"poll_timeout"`
	// OperatorChat receives operator log lines (chat id).
	OperatorChat string `env:"RELAYBOT_TELEGRAM_OPERATOR_CHAT" json:"operator_chat,omitempty"`
}

type LoggingConfig struct {
	Level    string          `env:"RELAYBOT_LOG_LEVEL" json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `env:"RELAYBOT_LOG_FILE" json:"path"`
}

// LoggingOperator mirrors log lines into the operator chat.
type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RoutingConfig points at the routing table (.xlsx, .yaml, .yml or .json).
type RoutingConfig struct {
	Table string `env:"RELAYBOT_ROUTING_TABLE" json:"table"`
}

// ForwardConfig tunes fan-out delivery. Durations are Go duration strings.
//
// Defaults:
//   - pending_ttl: "60s"
//   - pace: "500ms" ("0s" keeps the default; use a negative value such as "-1s" to disable)
//   - send_timeout: "30s"
type ForwardConfig struct {
	PendingTTL  string `json:"pending_ttl,omitempty"`
	Pace        string `json:"pace,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// MediaConfig controls the media cache.
type MediaConfig struct {
	Dir      string `env:"RELAYBOT_MEDIA_DIR" json:"dir,omitempty"`
	MaxBytes int64  `json:"max_bytes,omitempty"`
	// Retention is how long cached files are kept. Empty keeps them forever.
	Retention string `json:"retention,omitempty"`
}

// DispatchConfig controls the plugin dispatch loop.
type DispatchConfig struct {
	// HandlerTimeout bounds one plugin's handling of one message. Default "2m".
	HandlerTimeout string `json:"handler_timeout,omitempty"`
	// ResetEvery clears the seen-message set on a schedule (cron spec, Go
	// duration or HH:MM). Empty never resets.
	ResetEvery string `json:"reset_every,omitempty"`
	// QueueSize is the inbound update buffer. Default 256.
	QueueSize int `json:"queue_size,omitempty"`
}

// SchedulerConfig controls periodic maintenance jobs.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone decides cron and HH:MM schedules and the ledger's calendar day.
	Timezone string `env:"RELAYBOT_TIMEZONE" json:"timezone,omitempty"`
	// SweepEvery expires pending routes in the background. Default "30s".
	SweepEvery string `json:"sweep_every,omitempty"`
	// DefaultTimeout bounds each job run. "0s" disables.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// StorageConfig controls the ledger and audit persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/relaybot" }
type StorageConfig struct {
	Driver      string `env:"RELAYBOT_STORAGE_DRIVER" json:"driver"`
	Path        string `env:"RELAYBOT_STORAGE_PATH" json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos surface on reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
