package app

import (
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/conv"
	"relaybot/internal/forward"
	"relaybot/internal/storage"
	"relaybot/internal/task/scheduler"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const (
	defaultPollTimeout    = 10 * time.Second
	defaultSweepEvery     = 30 * time.Second
	defaultHandlerTimeout = 2 * time.Minute
	defaultQueueSize      = 256
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Operator.Enabled,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerSec: cfg.Logging.Operator.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapForwardConfig(cfg *config.Config) (forward.Config, error) {
	ttl, err := config.ParseDurationField("forward.pending_ttl", cfg.Forward.PendingTTL)
	if err != nil {
		return forward.Config{}, err
	}
	pace, err := config.ParseSignedDuration("forward.pace", cfg.Forward.Pace)
	if err != nil {
		return forward.Config{}, err
	}
	send, err := config.ParseDurationField("forward.send_timeout", cfg.Forward.SendTimeout)
	if err != nil {
		return forward.Config{}, err
	}
	return forward.Config{PendingTTL: ttl, Pace: pace, SendTimeout: send}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: cfg.Scheduler.Timezone, DefaultTimeout: timeout}, nil
}

// operatorTarget resolves the operator chat through the transport directory,
// falling back to a bare id. An empty setting disables the operator sink.
func operatorTarget(r kit.Resolver, raw string) conv.Ref {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return conv.Ref{}
	}
	if r != nil {
		if ref, ok := r.Resolve(raw); ok {
			return ref
		}
	}
	return conv.Ref{ID: raw, Kind: conv.Group}
}
