package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Validate checks fields that can be verified without touching the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)
	_, err = ParseDurationField("forward.pending_ttl", cfg.Forward.PendingTTL)
	add(err)
	_, err = ParseSignedDuration("forward.pace", cfg.Forward.Pace)
	add(err)
	_, err = ParseDurationField("forward.send_timeout", cfg.Forward.SendTimeout)
	add(err)
	_, err = ParseDurationField("media.retention", cfg.Media.Retention)
	add(err)
	_, err = ParseDurationField("dispatch.handler_timeout", cfg.Dispatch.HandlerTimeout)
	add(err)
	_, err = ParseDurationField("scheduler.sweep_every", cfg.Scheduler.SweepEvery)
	add(err)
	_, err = ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	add(err)
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Media.MaxBytes < 0 {
		add(errors.New("media.max_bytes must be >= 0"))
	}
	if cfg.Dispatch.QueueSize < 0 {
		add(errors.New("dispatch.queue_size must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3", "none", "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if t := strings.TrimSpace(cfg.Routing.Table); t != "" {
		switch strings.ToLower(filepath.Ext(t)) {
		case ".xlsx", ".xlsm", ".yaml", ".yml", ".json":
		default:
			add(fmt.Errorf("routing.table: unsupported format %q", filepath.Ext(t)))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	return errors.Join(errs...)
}
