// Package health reports liveness to systemd and answers a chat ping.
//
// On start the plugin sends READY=1. When a watchdog interval is configured,
// or systemd exports WATCHDOG_USEC, WATCHDOG=1 is sent on a schedule as long
// as the bot keeps receiving updates within max_silence.
package health

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"relaybot/internal/config"
	core "relaybot/internal/plugin"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const Name = "health"

type Config struct {
	// Notify sends sd_notify states. Default true; a no-op outside systemd.
	Notify *bool `json:"notify,omitempty"`
	// Watchdog is the heartbeat interval. Empty derives half of WATCHDOG_USEC.
	Watchdog string `json:"watchdog,omitempty"`
	// MaxSilence withholds heartbeats once no update arrived for this long.
	MaxSilence string `json:"max_silence,omitempty"`
	// Ping and Pong form the private chat liveness check. Default "ding" / "dong".
	Ping string `json:"ping,omitempty"`
	Pong string `json:"pong,omitempty"`
}

type settings struct {
	notify     bool
	watchdog   time.Duration
	maxSilence time.Duration
	ping       string
	pong       string
}

func (c Config) settings() (settings, error) {
	s := settings{
		notify: c.Notify == nil || *c.Notify,
		ping:   strings.TrimSpace(c.Ping),
		pong:   strings.TrimSpace(c.Pong),
	}
	var err error
	if s.watchdog, err = config.ParseDurationField("watchdog", c.Watchdog); err != nil {
		return settings{}, err
	}
	if s.maxSilence, err = config.ParseDurationField("max_silence", c.MaxSilence); err != nil {
		return settings{}, err
	}
	if s.ping == "" {
		s.ping = "ding"
	}
	if s.pong == "" {
		s.pong = "dong"
	}
	return s, nil
}

type Plugin struct {
	core.PluginBase

	mu  sync.RWMutex
	cfg settings

	lastSeen atomic.Int64
	beats    atomic.Int64

	// notify and watchdogInterval wrap go-systemd; tests replace them.
	notify           func(state string) (bool, error)
	watchdogInterval func() (time.Duration, error)
	now              func() time.Time
}

func New() *Plugin {
	p := &Plugin{
		notify:           func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdogInterval: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
		now:              time.Now,
	}
	p.cfg, _ = Config{}.settings()
	return p
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(ctx context.Context, deps core.Deps) error {
	p.InitBase(deps, p.Name())
	p.lastSeen.Store(p.now().UnixNano())
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	cfg := p.settings()
	if cfg.notify {
		p.sdNotify(daemon.SdNotifyReady)
	}
	return p.scheduleWatchdog(cfg)
}

func (p *Plugin) Stop(ctx context.Context) error {
	if p.settings().notify {
		p.sdNotify(daemon.SdNotifyStopping)
	}
	return p.StopBase(ctx)
}

func (p *Plugin) ValidateConfig(ctx context.Context, raw json.RawMessage) error {
	c, err := core.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	_, err = c.settings()
	return err
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	c, err := core.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	s, err := c.settings()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = s
	p.mu.Unlock()
	if p.Context() != nil {
		return p.scheduleWatchdog(s)
	}
	return nil
}

func (p *Plugin) settings() settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Beats returns how many heartbeats were sent.
func (p *Plugin) Beats() int64 { return p.beats.Load() }

func (p *Plugin) sdNotify(state string) {
	sent, err := p.notify(state)
	if err != nil {
		p.Log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		p.Log.Debug("sd_notify", logx.String("state", state))
	}
}

func (p *Plugin) interval(cfg settings) time.Duration {
	if cfg.watchdog > 0 {
		return cfg.watchdog
	}
	d, err := p.watchdogInterval()
	if err != nil {
		p.Log.Warn("watchdog interval unavailable", logx.Err(err))
		return 0
	}
	return d / 2
}

func (p *Plugin) scheduleWatchdog(cfg settings) error {
	every := p.interval(cfg)
	if !cfg.notify || every <= 0 {
		if p.Deps.Scheduler != nil {
			p.Deps.Scheduler.Remove(p.Name() + ":watchdog")
		}
		return nil
	}
	p.Log.Info("watchdog enabled", logx.Duration("every", every))
	return p.Schedule("watchdog", every.String(), every, func(ctx context.Context) error {
		p.heartbeat()
		return nil
	})
}

// heartbeat sends WATCHDOG=1 unless updates stopped arriving.
func (p *Plugin) heartbeat() bool {
	cfg := p.settings()
	if cfg.maxSilence > 0 {
		silent := p.now().Sub(time.Unix(0, p.lastSeen.Load()))
		if silent > cfg.maxSilence {
			p.Log.Warn("no updates received, withholding watchdog",
				logx.Duration("silent", silent),
				logx.Duration("max_silence", cfg.maxSilence),
			)
			return false
		}
	}
	p.sdNotify(daemon.SdNotifyWatchdog)
	p.beats.Add(1)
	return true
}

func (p *Plugin) OnMessage(ctx context.Context, msg *kit.Message) error {
	p.lastSeen.Store(p.now().UnixNano())
	if p.Suppressed(msg) || msg.IsGroup() {
		return nil
	}
	cfg := p.settings()
	if !strings.EqualFold(strings.TrimSpace(msg.Text), cfg.ping) {
		return nil
	}
	p.Claim(msg)
	return p.Reply(ctx, msg, cfg.pong)
}
