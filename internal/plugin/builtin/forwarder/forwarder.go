// Package forwarder lets routing admins fan a message out to the target
// conversations of their routing group.
//
// An admin addresses targets with a command such as "#101 205 hello". Words
// after the addresses are sent at once; a bare address list waits for the
// admin's next message and forwards that instead.
package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"relaybot/internal/conv"
	"relaybot/internal/destination"
	"relaybot/internal/eventbus"
	"relaybot/internal/forward"
	core "relaybot/internal/plugin"
	"relaybot/internal/routecfg"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const Name = "forwarder"

const (
	replyFormatError  = "检查到格式错误，请按照规范输入，格式为\n@AntigenBot #[群号] [群号] [你想说的话]"
	replyUnauthorized = "今天您不是排班志愿者，无权转发，切勿骚扰机器人。"
	replyConflict     = "该群或该用户存在多份配置，请联系运营人员重新配置"
	replyHelpHeader   = "机器人将会把消息转发到如下群中：\n"
	replyNoTargets    = "机器人未检测到任何转发群信息"
	replyNoDelivery   = "暂无转发记录"
)

type Config struct {
	// Prefix starts a routing command. Default "#".
	Prefix string `json:"prefix,omitempty"`
	// RequireMention makes group commands need an @mention of the bot. Default true.
	RequireMention *bool `json:"require_mention,omitempty"`
	// RequireAuthorization checks the sender against today's ledger. Default true.
	RequireAuthorization *bool `json:"require_authorization,omitempty"`
	// QueryKeyword asks for the last delivery report. Default "查询".
	QueryKeyword string `json:"query_keyword,omitempty"`
	// HelpReply lists the pending destinations after a bare command. Default true.
	HelpReply *bool `json:"help_reply,omitempty"`
	// NotifyConflict tells the admin conversation about a routing conflict. Default true.
	NotifyConflict *bool `json:"notify_conflict,omitempty"`
}

type settings struct {
	prefix         string
	requireMention bool
	requireAuthz   bool
	query          string
	helpReply      bool
	notifyConflict bool
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (c Config) settings() (settings, error) {
	s := settings{
		prefix:         strings.TrimSpace(c.Prefix),
		requireMention: boolOr(c.RequireMention, true),
		requireAuthz:   boolOr(c.RequireAuthorization, true),
		query:          strings.TrimSpace(c.QueryKeyword),
		helpReply:      boolOr(c.HelpReply, true),
		notifyConflict: boolOr(c.NotifyConflict, true),
	}
	if s.prefix == "" {
		s.prefix = "#"
	}
	if s.query == "" {
		s.query = "查询"
	}
	if strings.ContainsAny(s.prefix, " \t\n") {
		return s, fmt.Errorf("prefix %q must not contain whitespace", c.Prefix)
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
	if deps.Engine == nil {
		return errors.New("forward engine is required")
	}
	if deps.Routes == nil {
		return errors.New("routing store is required")
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

// Owner keys pending state per sender within a conversation.
func Owner(msg *kit.Message) string { return msg.Chat.ID + ":" + msg.Sender.ID }

func (p *Plugin) OnMessage(ctx context.Context, msg *kit.Message) error {
	if p.Suppressed(msg) {
		return nil
	}
	cfg := p.settings()
	engine := p.Deps.Engine
	owner := Owner(msg)

	entry, err := p.Deps.Routes.AdminEntry(msg.Chat.ID)
	if err != nil {
		var ce *routecfg.ConflictError
		if errors.As(err, &ce) {
			p.reportConflict(ctx, msg, ce, cfg)
			return nil
		}
		return fmt.Errorf("routing table: %w", err)
	}
	if entry == nil {
		return nil
	}

	if _, waiting := engine.Pending(owner); waiting {
		route, ok := engine.Take(owner)
		if !ok {
			return nil
		}
		p.Claim(msg)
		_, err := engine.Deliver(ctx, owner, msg, route.Destinations, "")
		return err
	}

	text := msg.Text
	if msg.IsGroup() && cfg.requireMention {
		if !msg.MentionsBot {
			return nil
		}
		text = kit.StripMentions(text)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if text == cfg.query {
		p.Claim(msg)
		return p.Reply(ctx, msg, p.deliveryReport(owner, entry))
	}

	tail, isCmd, perr := forward.ParseCommand(text, cfg.prefix)
	if !isCmd {
		return nil
	}
	p.Claim(msg)
	if cfg.requireAuthz && p.Deps.Ledger != nil && !p.Deps.Ledger.IsAuthorized(ctx, msg.Sender.ID) {
		return p.Reply(ctx, msg, replyUnauthorized)
	}
	if perr != nil {
		return p.Reply(ctx, msg, replyFormatError)
	}

	parsed := destination.Parse(tail, entry.TokenSet())
	dests := destination.Resolve(parsed.Numbers, entry)
	if len(dests) == 0 {
		if cfg.helpReply {
			return p.Reply(ctx, msg, replyNoTargets)
		}
		return nil
	}

	if payload := parsed.Payload(); payload != "" {
		_, err := engine.Deliver(ctx, owner, msg, dests, payload)
		return err
	}

	route, _ := engine.Issue(owner, dests)
	ids := make([]string, 0, len(route.Destinations))
	for _, d := range route.Destinations {
		ids = append(ids, d.ID)
	}
	p.PublishEvent(eventbus.ForwardPending, eventbus.PendingData{Owner: owner, Destinations: ids})
	p.Log.Debug("route pending",
		logx.String("owner", owner),
		logx.String("group", entry.Group),
		logx.Int("destinations", len(route.Destinations)),
	)
	if cfg.helpReply {
		return p.Reply(ctx, msg, helpText(route.Destinations, entry))
	}
	return nil
}

func (p *Plugin) reportConflict(ctx context.Context, msg *kit.Message, ce *routecfg.ConflictError, cfg settings) {
	p.Log.Error(replyConflict,
		logx.String("admin", ce.AdminID),
		logx.String("chat", msg.Chat.String()),
		logx.String("sender", msg.Sender.String()),
		logx.String("groups", strings.Join(ce.Groups, ",")),
	)
	p.PublishEvent(eventbus.RouteConflict, eventbus.ConflictData{AdminID: ce.AdminID, Groups: ce.Groups})
	if !cfg.notifyConflict || !msg.MentionsBot {
		return
	}
	if err := p.Reply(ctx, msg, replyConflict); err != nil {
		p.Log.Warn("conflict reply failed", logx.Err(err))
	}
}

func helpText(dests []conv.Ref, entry *routecfg.Entry) string {
	if len(dests) == 0 {
		return replyNoTargets
	}
	lines := make([]string, 0, len(dests))
	for _, d := range dests {
		lines = append(lines, memberInfo(d, entry))
	}
	return replyHelpHeader + strings.Join(lines, "\n")
}

func memberInfo(d conv.Ref, entry *routecfg.Entry) string {
	if m, ok := entry.Targets[d.ID]; ok {
		return m.Info()
	}
	return routecfg.Member{ID: d.ID, Name: d.Name, Type: d.Kind}.Info()
}

func (p *Plugin) deliveryReport(owner string, entry *routecfg.Entry) string {
	rec, ok := p.Deps.Engine.LastDelivery(owner)
	if !ok {
		return replyNoDelivery
	}
	var b strings.Builder
	fmt.Fprintf(&b, "最近一次转发：成功 %d / %d", len(rec.Succeeded), len(rec.Attempted))
	if done := rec.Confirmed(); len(done) > 0 {
		b.WriteString("\n已送达：")
		for _, d := range done {
			b.WriteString("\n" + memberInfo(d, entry))
		}
	}
	if miss := rec.Unconfirmed(); len(miss) > 0 {
		b.WriteString("\n未确认：")
		for _, d := range miss {
			b.WriteString("\n" + memberInfo(d, entry))
		}
	}
	return b.String()
}
