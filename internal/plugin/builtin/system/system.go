// Package system answers operator status commands: runtime health, dispatch
// counters, plugin state and scheduled jobs.
package system

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"relaybot/internal/match"
	core "relaybot/internal/plugin"
	kit "relaybot/internal/transport"
)

const Name = "system"

type Config struct {
	// Prefix starts a command. Default "/".
	Prefix string `json:"prefix,omitempty"`
	// Operators may run commands. Empty allows routing admin conversations.
	Operators []match.Spec `json:"operators,omitempty"`
}

type settings struct {
	prefix    string
	operators match.RuleSet
}

func (c Config) settings() (settings, error) {
	rules, err := match.Compile(c.Operators)
	if err != nil {
		return settings{}, fmt.Errorf("operators: %w", err)
	}
	s := settings{prefix: strings.TrimSpace(c.Prefix), operators: rules}
	if s.prefix == "" {
		s.prefix = "/"
	}
	return s, nil
}

type Plugin struct {
	core.PluginBase

	mu        sync.RWMutex
	cfg       settings
	startedAt time.Time
	now       func() time.Time
}

func New() *Plugin {
	p := &Plugin{now: time.Now}
	p.cfg, _ = Config{}.settings()
	return p
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(ctx context.Context, deps core.Deps) error {
	p.InitBase(deps, p.Name())
	if p.startedAt.IsZero() {
		p.startedAt = p.now()
	}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }

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
	return nil
}

func (p *Plugin) settings() settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Plugin) isOperator(ctx context.Context, msg *kit.Message, cfg settings) bool {
	if len(cfg.operators) > 0 {
		return cfg.operators.Match(ctx, msg.Sender) || cfg.operators.Match(ctx, msg.Chat)
	}
	if p.Deps.Routes == nil {
		return false
	}
	e, err := p.Deps.Routes.AdminEntry(msg.Chat.ID)
	return err == nil && e != nil
}

func (p *Plugin) OnMessage(ctx context.Context, msg *kit.Message) error {
	if p.Suppressed(msg) {
		return nil
	}
	text := msg.Text
	if msg.IsGroup() {
		if !msg.MentionsBot {
			return nil
		}
		text = kit.StripMentions(text)
	}
	cfg := p.settings()
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, cfg.prefix) {
		return nil
	}
	var out string
	switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(text, cfg.prefix))) {
	case "status":
		out = p.status()
	case "sched":
		out = p.schedules()
	case "sysinfo":
		out = sysinfo()
	default:
		return nil
	}
	if !p.isOperator(ctx, msg, cfg) {
		return nil
	}
	p.Claim(msg)
	return p.Reply(ctx, msg, out)
}

func (p *Plugin) status() string {
	lines := []string{"status", "- uptime: " + durRel(p.now().Sub(p.startedAt))}
	if src := p.Deps.Plugins; src != nil {
		snap := src.Snapshot()
		d := snap.Dispatch
		lines = append(lines, fmt.Sprintf("- messages: received=%d duplicates=%d panics=%d", d.Received, d.Duplicates, d.Panics))
		for _, st := range snap.Plugins {
			state := "stopped"
			switch {
			case st.Quarantined:
				state = "quarantined: " + shorten(st.QuarantineErr, 80)
			case st.Running:
				state = "running"
			case !st.Enabled:
				state = "disabled"
			}
			lines = append(lines, fmt.Sprintf("- %s: %s handled=%d failed=%d", st.Name, state, st.Handled, st.Failed))
		}
	}
	if c := p.Deps.Coordinator; c != nil {
		st := c.Stats()
		lines = append(lines, fmt.Sprintf("- dispatch: handlers=%d seen=%d claimed=%d", st.Handlers, st.Seen, st.Claimed))
	}
	if e := p.Deps.Engine; e != nil {
		lines = append(lines, fmt.Sprintf("- pending routes: %d", e.PendingCount()))
	}
	return strings.Join(lines, "\n")
}

func (p *Plugin) schedules() string {
	s := p.Deps.Scheduler
	if s == nil {
		return "scheduler not available"
	}
	items := s.Schedules()
	if len(items) == 0 {
		return "no scheduled jobs"
	}
	// soonest first; unscheduled (scheduler stopped) last
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Next, items[j].Next
		if a.IsZero() != b.IsZero() {
			return b.IsZero()
		}
		return a.Before(b)
	})
	now := p.now()
	lines := make([]string, 0, len(items)+1)
	lines = append(lines, "scheduled jobs ("+s.Location().String()+"):")
	for _, it := range items {
		next := "-"
		if !it.Next.IsZero() {
			next = it.Next.In(s.Location()).Format("2006-01-02 15:04:05")
			if it.Next.After(now) {
				next += " (in " + durRel(it.Next.Sub(now)) + ")"
			}
		}
		line := fmt.Sprintf("- %s: spec=%s next=%s runs=%d", it.Name, it.Spec, next, it.Runs)
		if it.Failures > 0 {
			line += fmt.Sprintf(" failures=%d last_err=%s", it.Failures, shorten(it.LastErr, 80))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func sysinfo() string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mod := ""
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		mod = bi.Main.Path + " " + bi.Main.Version
	}
	return strings.Join([]string{
		"sysinfo",
		"- go: " + runtime.Version(),
		"- module: " + mod,
		fmt.Sprintf("- goroutines: %d", runtime.NumGoroutine()),
		"- mem_alloc: " + fmtBytes(m.Alloc),
		"- mem_sys: " + fmtBytes(m.Sys),
	}, "\n")
}

func shorten(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func fmtBytes(n uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case n >= GB:
		return fmt.Sprintf("%.1fGB", float64(n)/GB)
	case n >= MB:
		return fmt.Sprintf("%.1fMB", float64(n)/MB)
	case n >= KB:
		return fmt.Sprintf("%.1fKB", float64(n)/KB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func durRel(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
