// Package oncall posts preset notices to the building groups of a site.
//
// A work conversation names a notice keyword and building numbers, for
// example "团购 3 5-7". Every group whose title starts with the site prefix
// and mentions one of those buildings receives the notice. "查询" lists the
// groups reached by the last round.
package oncall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/conv"
	"relaybot/internal/destination"
	"relaybot/internal/match"
	"relaybot/internal/media"
	core "relaybot/internal/plugin"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const Name = "oncall"

const (
	replyAck      = "收到，现在开始按预设【%s】进行发送"
	replyAckHold  = "收到，等待%d秒后，按预设【%s】进行发送"
	replyNoPrefix = "还未配置所属小区，通知未触发"
	replyBadRange = "%s中所包含的楼栋未成功通知，请按正确指定格式重试"
	replyNoRooms  = "未找到可通知的群，请重试"
	replyDone     = "通知已完成，对我说：%s，以查看上一轮发送群聊列表"
	replyNoRound  = "未查到上一轮通知记录"
)

const maxHold = time.Hour

// Notice is one preset announcement.
type Notice struct {
	Keyword string `json:"keyword"`
	Reply   string `json:"reply,omitempty"`
	// Media is a file sent after the reply.
	Media string `json:"media,omitempty"`
	// MediaType overrides the kind guessed from the file extension.
	MediaType media.Kind `json:"media_type,omitempty"`
	// Hold delays the round after the acknowledgement.
	Hold string `json:"hold,omitempty"`
}

// Site binds work conversations to the groups of one residential site.
type Site struct {
	// Convs selects the work conversations that may trigger notices.
	Convs []match.Spec `json:"convs"`
	// Prefix is the common start of the site's group titles.
	Prefix  string   `json:"prefix"`
	Notices []Notice `json:"notices"`
}

type Config struct {
	Sites []Site `json:"sites,omitempty"`
	// QueryKeyword asks for the last round. Default "查询".
	QueryKeyword string `json:"query_keyword,omitempty"`
	// RequireMention makes group requests need an @mention of the bot. Default false.
	RequireMention bool `json:"require_mention,omitempty"`
}

type notice struct {
	keyword string
	reply   string
	media   string
	kind    media.Kind
	hold    time.Duration
}

type site struct {
	convs   match.RuleSet
	prefix  string
	notices map[string]notice
}

type settings struct {
	sites          []site
	query          string
	requireMention bool
}

func (c Config) settings() (settings, error) {
	s := settings{query: strings.TrimSpace(c.QueryKeyword), requireMention: c.RequireMention}
	if s.query == "" {
		s.query = "查询"
	}
	for i, sc := range c.Sites {
		convs, err := match.Compile(sc.Convs)
		if err != nil {
			return settings{}, fmt.Errorf("sites[%d].convs: %w", i, err)
		}
		if len(convs) == 0 {
			return settings{}, fmt.Errorf("sites[%d].convs: at least one conversation is required", i)
		}
		st := site{convs: convs, prefix: strings.TrimSpace(sc.Prefix), notices: map[string]notice{}}
		for j, nc := range sc.Notices {
			n, err := nc.compile(fmt.Sprintf("sites[%d].notices[%d]", i, j))
			if err != nil {
				return settings{}, err
			}
			if n.keyword == s.query {
				return settings{}, fmt.Errorf("sites[%d].notices[%d]: keyword %q is the query keyword", i, j, n.keyword)
			}
			if _, dup := st.notices[n.keyword]; dup {
				return settings{}, fmt.Errorf("sites[%d].notices[%d]: keyword %q defined twice", i, j, n.keyword)
			}
			st.notices[n.keyword] = n
		}
		s.sites = append(s.sites, st)
	}
	return s, nil
}

func (nc Notice) compile(path string) (notice, error) {
	n := notice{
		keyword: strings.TrimSpace(nc.Keyword),
		reply:   nc.Reply,
		media:   strings.TrimSpace(nc.Media),
		kind:    nc.MediaType,
	}
	if n.keyword == "" || strings.ContainsAny(n.keyword, " \t\n") {
		return notice{}, fmt.Errorf("%s: keyword must be a single word", path)
	}
	if strings.TrimSpace(n.reply) == "" {
		return notice{}, fmt.Errorf("%s: reply is empty", path)
	}
	if n.media != "" && n.kind == "" {
		n.kind = media.KindFor(n.media)
	}
	switch n.kind {
	case "", media.KindPhoto, media.KindDocument, media.KindVideo, media.KindAudio, media.KindVoice:
	default:
		return notice{}, fmt.Errorf("%s: unknown media_type %q", path, n.kind)
	}
	hold, err := config.ParseDurationField(path+".hold", nc.Hold)
	if err != nil {
		return notice{}, err
	}
	if hold > maxHold {
		return notice{}, fmt.Errorf("%s.hold: must not exceed %s", path, maxHold)
	}
	n.hold = hold
	return n, nil
}

func (s settings) siteFor(ctx context.Context, chat conv.Ref) *site {
	for i := range s.sites {
		if s.sites[i].convs.Match(ctx, chat) {
			return &s.sites[i]
		}
	}
	return nil
}

// pick returns the first notice named in words and the words left after
// every notice keyword is removed.
func (st *site) pick(words []string) (notice, []string, bool) {
	var (
		found notice
		ok    bool
		rest  = make([]string, 0, len(words))
	)
	for _, w := range words {
		n, isKeyword := st.notices[w]
		if !isKeyword {
			rest = append(rest, w)
			continue
		}
		if !ok {
			found, ok = n, true
		}
	}
	return found, rest, ok
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
	if deps.Conversations == nil {
		p.Log.Warn("no conversation list, notices will find no groups")
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

// Owner keys the last round per work conversation.
func Owner(msg *kit.Message) string { return Name + ":" + msg.Chat.ID }

func (p *Plugin) OnMessage(ctx context.Context, msg *kit.Message) error {
	if p.Suppressed(msg) || msg.Kind != kit.KindText {
		return nil
	}
	if self := p.Deps.Self; !self.IsZero() && msg.Sender.ID == self.ID {
		return nil
	}
	cfg := p.settings()
	if msg.IsGroup() && cfg.requireMention && !msg.MentionsBot {
		return nil
	}
	text := strings.TrimSpace(kit.StripMentions(msg.Text))
	if text == "" {
		return nil
	}
	st := cfg.siteFor(ctx, msg.Chat)
	if st == nil {
		return nil
	}

	if text == cfg.query {
		p.Claim(msg)
		return p.Reply(ctx, msg, p.lastRound(Owner(msg)))
	}

	n, rest, ok := st.pick(strings.Fields(text))
	if !ok {
		return nil
	}
	p.Claim(msg)
	if st.prefix == "" {
		return p.Reply(ctx, msg, replyNoPrefix)
	}

	buildings, rejected := Buildings(rest)
	for _, w := range rejected {
		if err := p.Reply(ctx, msg, fmt.Sprintf(replyBadRange, w)); err != nil {
			p.Log.Warn("range reply failed", logx.Err(err))
		}
	}

	if n.hold <= 0 {
		if err := p.Reply(ctx, msg, fmt.Sprintf(replyAck, n.keyword)); err != nil {
			p.Log.Warn("ack failed", logx.Err(err))
		}
		return p.round(ctx, msg, st.prefix, n, buildings, cfg.query)
	}

	if err := p.Reply(ctx, msg, fmt.Sprintf(replyAckHold, int(n.hold/time.Second), n.keyword)); err != nil {
		p.Log.Warn("ack failed", logx.Err(err))
	}
	runner := p.Supervisor()
	if runner == nil {
		return errors.New("plugin not started")
	}
	prefix, query := st.prefix, cfg.query
	runner.Go("notice:"+n.keyword, func(rctx context.Context) error {
		t := time.NewTimer(n.hold)
		defer t.Stop()
		select {
		case <-rctx.Done():
			return nil
		case <-t.C:
		}
		return p.round(rctx, msg, prefix, n, buildings, query)
	})
	return nil
}

// round finds the target groups and sends the notice through the engine.
func (p *Plugin) round(ctx context.Context, msg *kit.Message, prefix string, n notice, buildings []string, query string) error {
	rooms := p.findRooms(ctx, prefix, buildings)
	if len(rooms) == 0 {
		return p.Reply(ctx, msg, replyNoRooms)
	}

	var attach *media.Handle
	if n.media != "" {
		if p.Deps.Cache == nil {
			p.Log.Warn("media cache not available, sending text only", logx.String("keyword", n.keyword))
		} else if h, err := p.Deps.Cache.Open(n.media, n.kind); err != nil {
			p.Log.Warn("notice media unavailable", logx.String("keyword", n.keyword), logx.String("path", n.media), logx.Err(err))
		} else {
			attach = &h
		}
	}

	p.Log.Info("notice round",
		logx.String("keyword", n.keyword),
		logx.String("chat", msg.Chat.String()),
		logx.Int("groups", len(rooms)),
	)
	if _, err := p.Deps.Engine.Notify(ctx, Owner(msg), msg, rooms, n.reply, attach); err != nil {
		return err
	}
	return p.Reply(ctx, msg, fmt.Sprintf(replyDone, query))
}

// findRooms returns the observed groups whose title matches any building.
func (p *Plugin) findRooms(ctx context.Context, prefix string, buildings []string) []conv.Ref {
	if p.Deps.Conversations == nil || len(buildings) == 0 {
		return nil
	}
	rules := make(match.RuleSet, 0, len(buildings))
	for _, b := range buildings {
		r, err := match.Pattern(RoomPattern(prefix, b))
		if err != nil {
			p.Log.Warn("bad room pattern", logx.String("building", b), logx.Err(err))
			continue
		}
		rules = append(rules, r)
	}
	var rooms []conv.Ref
	for _, c := range p.Deps.Conversations.Conversations() {
		if c.Kind == conv.Group && rules.Match(ctx, c) {
			rooms = append(rooms, c)
		}
	}
	return rooms
}

func (p *Plugin) lastRound(owner string) string {
	rec, ok := p.Deps.Engine.LastDelivery(owner)
	if !ok || len(rec.Topics) == 0 {
		return replyNoRound
	}
	done := make(map[string]struct{}, len(rec.Succeeded))
	for _, id := range rec.Succeeded {
		done[id] = struct{}{}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "上一轮通知：成功 %d / %d", len(rec.Succeeded), len(rec.Attempted))
	for i, topic := range rec.Topics {
		b.WriteString("\n" + topic)
		if i < len(rec.Destinations) {
			if _, ok := done[rec.Destinations[i].ID]; !ok {
				b.WriteString("（未送达）")
			}
		}
	}
	return b.String()
}

// RoomPattern matches a group title that starts with prefix and names
// building as a whole number.
func RoomPattern(prefix, building string) string {
	return regexp.QuoteMeta(prefix) + `(?:.*\D)?` + regexp.QuoteMeta(building) + `(?:\D|$)`
}

var (
	rangeWord = regexp.MustCompile(`\d+[-_:：~\x{2014}\x{2026}\x{ff5e}\x{3002}]{1,2}\d+`)
	numberRE  = regexp.MustCompile(`\d+`)
)

// Buildings extracts building numbers from words. Plain numbers are kept and
// "a-b" style ranges expand inclusively in either direction. Words holding a
// range that cannot be read are returned as rejected; other words are ignored.
func Buildings(words []string) (buildings, rejected []string) {
	seen := map[string]struct{}{}
	add := func(n int) {
		s := strconv.Itoa(n)
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		buildings = append(buildings, s)
	}
	for _, w := range words {
		if rangeWord.MatchString(w) {
			parts := numberRE.FindAllString(w, -1)
			if len(parts) != 2 {
				rejected = append(rejected, w)
				continue
			}
			lo, err1 := strconv.Atoi(parts[0])
			hi, err2 := strconv.Atoi(parts[1])
			if err1 != nil || err2 != nil {
				rejected = append(rejected, w)
				continue
			}
			if lo > hi {
				lo, hi = hi, lo
			}
			if hi-lo >= destination.MaxRangeSpan {
				rejected = append(rejected, w)
				continue
			}
			for n := lo; n <= hi; n++ {
				add(n)
			}
			continue
		}
		if numberRE.FindString(w) == w {
			n, err := strconv.Atoi(w)
			if err != nil {
				rejected = append(rejected, w)
				continue
			}
			add(n)
		}
	}
	return buildings, rejected
}
