// Package authorize lets authorizers grant members the right to forward for
// one calendar day by mentioning the bot and the members in a group.
package authorize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"relaybot/internal/conv"
	"relaybot/internal/eventbus"
	"relaybot/internal/match"
	core "relaybot/internal/plugin"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const Name = "authorize"

const (
	KeywordToday    = "今日授权"
	KeywordTomorrow = "明日授权"
	KeywordRevoke   = "取消授权"

	replyGrantedToday    = "授权完毕，授权期至今日夜12点"
	replyGrantedTomorrow = "授权完毕，授权期至明日夜12点"
	replyRevoked         = "已取消今日授权"
	replyHint            = "如果您想授权此群友，请添加文字内容：今日授权、明日授权等关键字"
)

type Config struct {
	// Authorizers may grant. Empty lets any member of a routing admin
	// conversation grant.
	Authorizers []match.Spec `json:"authorizers,omitempty"`
	// RetentionDays prunes ledger dates older than this. 0 keeps everything.
	RetentionDays int `json:"retention_days,omitempty"`
	// PruneSchedule runs the pruning job. Default "5 0 * * *".
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

type settings struct {
	authorizers   match.RuleSet
	retentionDays int
	pruneSchedule string
}

func (c Config) settings() (settings, error) {
	rules, err := match.Compile(c.Authorizers)
	if err != nil {
		return settings{}, fmt.Errorf("authorizers: %w", err)
	}
	if c.RetentionDays < 0 {
		return settings{}, errors.New("retention_days must be >= 0")
	}
	s := settings{authorizers: rules, retentionDays: c.RetentionDays, pruneSchedule: strings.TrimSpace(c.PruneSchedule)}
	if s.pruneSchedule == "" {
		s.pruneSchedule = "5 0 * * *"
	}
	return s, nil
}

type Plugin struct {
	core.PluginBase

	mu  sync.RWMutex
	cfg settings
}

func New() *Plugin {
	p := &Plugin{}
	p.cfg, _ = Config{}.settings()
	return p
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Init(ctx context.Context, deps core.Deps) error {
	p.InitBase(deps, p.Name())
	if deps.Ledger == nil {
		return errors.New("authorization ledger is required")
	}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	return p.schedulePrune()
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
	if p.Context() != nil {
		return p.schedulePrune()
	}
	return nil
}

func (p *Plugin) settings() settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Plugin) schedulePrune() error {
	cfg := p.settings()
	if cfg.retentionDays <= 0 || p.Deps.Scheduler == nil {
		if p.Deps.Scheduler != nil {
			p.Deps.Scheduler.Remove(p.Name() + ":prune")
		}
		return nil
	}
	return p.Schedule("prune", cfg.pruneSchedule, time.Minute, func(ctx context.Context) error {
		n, err := p.Deps.Ledger.Prune(ctx, cfg.retentionDays)
		if err != nil {
			return err
		}
		if n > 0 {
			p.Log.Info("ledger pruned", logx.Int("dates", n), logx.Int("keep_days", cfg.retentionDays))
		}
		return nil
	})
}

// targets returns the members a grant applies to: every mention except the
// bot, plus the author of the replied-to message.
func targets(msg *kit.Message, self conv.Ref) []string {
	seen := map[string]struct{}{}
	var ids []string
	add := func(r conv.Ref) {
		if r.IsZero() || r.ID == self.ID {
			return
		}
		if _, ok := seen[r.ID]; ok {
			return
		}
		seen[r.ID] = struct{}{}
		ids = append(ids, r.ID)
	}
	for _, m := range msg.Mentions {
		add(m)
	}
	if msg.ReplyTo != nil {
		add(*msg.ReplyTo)
	}
	return ids
}

func (p *Plugin) isAuthorizer(ctx context.Context, msg *kit.Message, cfg settings) bool {
	if len(cfg.authorizers) > 0 {
		return cfg.authorizers.Match(ctx, msg.Sender)
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
	if !msg.IsGroup() || !msg.MentionsBot {
		return nil
	}
	ids := targets(msg, p.Deps.Self)
	if len(ids) == 0 {
		return nil
	}
	cfg := p.settings()
	if !p.isAuthorizer(ctx, msg, cfg) {
		return nil
	}
	p.Claim(msg)

	ledger := p.Deps.Ledger
	keyword := kit.StripMentions(msg.Text)
	var (
		date  string
		reply string
	)
	switch keyword {
	case "":
		return p.replyTo(ctx, msg, replyHint)
	case KeywordToday:
		date, reply = ledger.Today(), replyGrantedToday
	case KeywordTomorrow:
		date, reply = ledger.Tomorrow(), replyGrantedTomorrow
	case KeywordRevoke:
		date := ledger.Today()
		removed, err := ledger.Revoke(ctx, date, msg.Chat.ID, ids)
		if err != nil {
			return fmt.Errorf("revoke: %w", err)
		}
		p.PublishEvent(eventbus.AuthzRevoked, eventbus.GrantData{Date: date, Scope: msg.Chat.ID, IDs: removed})
		p.Log.Info("authorization revoked", logx.String("date", date), logx.String("scope", msg.Chat.ID), logx.Int("members", len(removed)))
		return p.replyTo(ctx, msg, replyRevoked)
	default:
		return p.replyTo(ctx, msg, replyHint+"\n"+keyword+"为无效关键字")
	}

	added, err := ledger.Grant(ctx, date, msg.Chat.ID, ids)
	if err != nil {
		return fmt.Errorf("grant: %w", err)
	}
	p.PublishEvent(eventbus.AuthzGranted, eventbus.GrantData{Date: date, Scope: msg.Chat.ID, IDs: ids})
	p.Log.Info("authorization granted",
		logx.String("date", date),
		logx.String("scope", msg.Chat.ID),
		logx.String("by", msg.Sender.ID),
		logx.Int("members", len(ids)),
		logx.Int("new", len(added)),
	)
	return p.replyTo(ctx, msg, reply)
}

func (p *Plugin) replyTo(ctx context.Context, msg *kit.Message, text string) error {
	if p.Deps.Sender == nil {
		return errors.New("sender not available")
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := p.Deps.Sender.SendText(cctx, msg.Chat, text, &kit.SendOptions{Mention: []conv.Ref{msg.Sender}})
	return err
}
