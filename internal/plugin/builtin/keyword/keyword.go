// Package keyword answers configured keywords with canned replies.
package keyword

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/match"
	"relaybot/internal/media"
	core "relaybot/internal/plugin"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const Name = "keyword"

// ReplyType names the kind of a canned reply.
type ReplyType string

const (
	ReplyText     ReplyType = "text"
	ReplyPhoto    ReplyType = "photo"
	ReplyDocument ReplyType = "document"
	ReplyVideo    ReplyType = "video"
	ReplyAudio    ReplyType = "audio"
	ReplyVoice    ReplyType = "voice"
)

func (t ReplyType) mediaKind() (media.Kind, bool) {
	switch t {
	case ReplyPhoto, "image":
		return media.KindPhoto, true
	case ReplyDocument, "file":
		return media.KindDocument, true
	case ReplyVideo:
		return media.KindVideo, true
	case ReplyAudio:
		return media.KindAudio, true
	case ReplyVoice:
		return media.KindVoice, true
	}
	return "", false
}

// Reply is one message sent back. Text holds the body for text replies and
// the file path for media replies.
type Reply struct {
	Type    ReplyType `json:"type,omitempty"`
	Text    string    `json:"text"`
	Caption string    `json:"caption,omitempty"`
}

func (r *Reply) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*r = Reply{Type: ReplyText, Text: s}
		return nil
	}
	type raw Reply
	var v raw
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*r = Reply(v)
	return nil
}

type Rule struct {
	Keyword string `json:"keyword"`
	// Convs limits the rule to matching conversations. Empty applies everywhere.
	Convs   []match.Spec `json:"convs,omitempty"`
	Replies []Reply      `json:"replies"`
}

type Config struct {
	Rules []Rule `json:"rules,omitempty"`
	// CommandPrefixes start management commands. Default ["$kwr"].
	CommandPrefixes []string `json:"command_prefixes,omitempty"`
	// Gap between consecutive replies. Default "1s"; negative disables.
	Gap string `json:"gap,omitempty"`
}

type rule struct {
	keyword string
	convs   match.RuleSet
	replies []Reply
}

type settings struct {
	rules    []rule
	prefixes []string
	gap      time.Duration
}

func (c Config) settings() (settings, error) {
	s := settings{gap: time.Second}
	if strings.TrimSpace(c.Gap) != "" {
		d, err := config.ParseSignedDuration("gap", c.Gap)
		if err != nil {
			return settings{}, err
		}
		s.gap = d
	}
	for _, p := range c.CommandPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			s.prefixes = append(s.prefixes, p)
		}
	}
	if len(s.prefixes) == 0 {
		s.prefixes = []string{"$kwr"}
	}
	seen := map[string]struct{}{}
	for i, r := range c.Rules {
		kw := strings.TrimSpace(r.Keyword)
		if kw == "" {
			return settings{}, fmt.Errorf("rules[%d]: keyword is empty", i)
		}
		if _, dup := seen[kw]; dup {
			return settings{}, fmt.Errorf("rules[%d]: keyword %q defined twice", i, kw)
		}
		seen[kw] = struct{}{}
		convs, err := match.Compile(r.Convs)
		if err != nil {
			return settings{}, fmt.Errorf("rules[%d].convs: %w", i, err)
		}
		replies := make([]Reply, len(r.Replies))
		for j, rep := range r.Replies {
			if rep.Type == "" {
				rep.Type = ReplyText
			}
			replies[j] = rep
			if rep.Type == ReplyText {
				continue
			}
			if _, ok := rep.Type.mediaKind(); !ok {
				return settings{}, fmt.Errorf("rules[%d].replies[%d]: unknown type %q", i, j, rep.Type)
			}
			if strings.TrimSpace(rep.Text) == "" {
				return settings{}, fmt.Errorf("rules[%d].replies[%d]: media path is empty", i, j)
			}
		}
		s.rules = append(s.rules, rule{keyword: kw, convs: convs, replies: replies})
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

func (p *Plugin) OnMessage(ctx context.Context, msg *kit.Message) error {
	if p.Suppressed(msg) {
		return nil
	}
	if msg.IsGroup() && !msg.MentionsBot {
		return nil
	}
	text := kit.StripMentions(msg.Text)
	if text == "" {
		return nil
	}
	cfg := p.settings()

	if args, ok := commandArgs(text, cfg.prefixes); ok {
		p.Claim(msg)
		return p.handleCommand(ctx, msg, cfg, args)
	}

	for _, r := range cfg.rules {
		if r.keyword != text {
			continue
		}
		if len(r.convs) > 0 && !r.convs.Match(ctx, msg.Chat) {
			return nil
		}
		p.Claim(msg)
		p.Log.Debug("keyword matched", logx.String("keyword", r.keyword), logx.String("chat", msg.Chat.String()))
		return p.sendReplies(ctx, msg, r.replies, cfg.gap)
	}
	return nil
}

func commandArgs(text string, prefixes []string) ([]string, bool) {
	for _, prefix := range prefixes {
		rest, ok := strings.CutPrefix(text, prefix)
		if !ok {
			continue
		}
		if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
			continue
		}
		return strings.Fields(rest), true
	}
	return nil, false
}

const usage = "用法：$kwr list [关键字] [序号]"

func (p *Plugin) handleCommand(ctx context.Context, msg *kit.Message, cfg settings, args []string) error {
	if len(args) == 0 || args[0] != "list" {
		return p.Reply(ctx, msg, usage)
	}
	args = args[1:]
	if len(args) == 0 {
		lines := []string{fmt.Sprintf("Keywords<%d>", len(cfg.rules))}
		for _, r := range cfg.rules {
			lines = append(lines, fmt.Sprintf("%s: messages<%d>", r.keyword, len(r.replies)))
		}
		return p.Reply(ctx, msg, strings.Join(lines, "\n"))
	}

	var found *rule
	for i := range cfg.rules {
		if cfg.rules[i].keyword == args[0] {
			found = &cfg.rules[i]
			break
		}
	}
	if found == nil {
		keywords := make([]string, 0, len(cfg.rules))
		for _, r := range cfg.rules {
			keywords = append(keywords, r.keyword)
		}
		return p.Reply(ctx, msg, fmt.Sprintf("keyword<%s> not found\nwhich should be one of the following keywords:\n%s", args[0], strings.Join(keywords, ",")))
	}

	replies := found.replies
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 || n > len(replies) {
			return p.Reply(ctx, msg, fmt.Sprintf("index must be between 1 and %d", len(replies)))
		}
		replies = replies[n-1 : n]
	}
	if err := p.Reply(ctx, msg, fmt.Sprintf("keyword<%s> messages<%d>", found.keyword, len(found.replies))); err != nil {
		return err
	}
	return p.sendReplies(ctx, msg, replies, cfg.gap)
}

// sendReplies sends every reply in order. A failing reply is logged and
// skipped.
func (p *Plugin) sendReplies(ctx context.Context, msg *kit.Message, replies []Reply, gap time.Duration) error {
	if p.Deps.Sender == nil {
		return errors.New("sender not available")
	}
	for i, r := range replies {
		if i > 0 && gap > 0 {
			t := time.NewTimer(gap)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := p.sendOne(ctx, msg, r); err != nil {
			p.Log.Warn("keyword reply failed",
				logx.Int("index", i),
				logx.String("type", string(r.Type)),
				logx.String("chat", msg.Chat.String()),
				logx.Err(err),
			)
		}
	}
	return nil
}

func (p *Plugin) sendOne(ctx context.Context, msg *kit.Message, r Reply) error {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	kind, isMedia := r.Type.mediaKind()
	if !isMedia {
		_, err := p.Deps.Sender.SendText(cctx, msg.Chat, r.Text, nil)
		return err
	}
	if p.Deps.Cache == nil {
		return errors.New("media cache not available")
	}
	h, err := p.Deps.Cache.Open(r.Text, kind)
	if err != nil {
		return err
	}
	_, err = p.Deps.Sender.SendMedia(cctx, msg.Chat, h, r.Caption)
	return err
}
