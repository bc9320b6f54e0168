// Package telegram implements the transport on the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/conv"
	"relaybot/internal/media"
	rtsup "relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	self    conv.Ref
	handle  string       // bot @username
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dir *kit.Directory

	handleMu sync.RWMutex
	handles  map[string]conv.Ref // lowercased @username -> member

	droppedUpdates atomic.Uint64
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, dir: kit.NewDirectory(), handles: map[string]conv.Ref{}}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		OnError: func(err error, c tele.Context) {
			a.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	if b.Me != nil {
		a.self = userRef(b.Me)
		a.handle = b.Me.Username
	}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Self is the bot account.
func (a *Adapter) Self() conv.Ref { return a.self }

// Directory exposes every chat and member seen so far.
func (a *Adapter) Directory() *kit.Directory { return a.dir }

// Conversations lists every chat and member seen so far.
func (a *Adapter) Conversations() []conv.Ref { return a.dir.List() }

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

var inbound = []string{
	tele.OnText, tele.OnPhoto, tele.OnDocument, tele.OnVideo, tele.OnAudio, tele.OnVoice,
	tele.OnSticker, tele.OnAnimation, tele.OnVideoNote, tele.OnLocation, tele.OnContact, tele.OnVenue, tele.OnPoll,
}

func (a *Adapter) registerHandlers() {
	for _, ep := range inbound {
		a.bot.Handle(ep, func(c tele.Context) error {
			m := c.Message()
			if m == nil || m.Chat == nil {
				return nil
			}
			a.observe(m)
			a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: a.convert(m)})
			return nil
		})
	}
}

// observe records the chat, the sender and the replied-to author.
func (a *Adapter) observe(m *tele.Message) {
	a.dir.Observe(chatRef(m.Chat))
	for _, u := range []*tele.User{m.Sender, replyAuthor(m)} {
		if u == nil {
			continue
		}
		r := a.dir.Observe(userRef(u))
		if u.Username != "" {
			a.handleMu.Lock()
			a.handles[strings.ToLower(u.Username)] = r
			a.handleMu.Unlock()
		}
	}
}

func (a *Adapter) byHandle(username string) (conv.Ref, bool) {
	a.handleMu.RLock()
	defer a.handleMu.RUnlock()
	r, ok := a.handles[strings.ToLower(strings.TrimPrefix(username, "@"))]
	return r, ok
}

func replyAuthor(m *tele.Message) *tele.User {
	if m.ReplyTo == nil {
		return nil
	}
	return m.ReplyTo.Sender
}

func chatRef(c *tele.Chat) conv.Ref {
	kind := conv.Group
	name := c.Title
	if c.Type == tele.ChatPrivate {
		kind = conv.Individual
		name = strings.TrimSpace(c.FirstName + " " + c.LastName)
		if name == "" {
			name = c.Username
		}
	}
	return conv.Ref{ID: strconv.FormatInt(c.ID, 10), Name: name, Kind: kind}
}

func userRef(u *tele.User) conv.Ref {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return conv.Ref{ID: strconv.FormatInt(u.ID, 10), Name: name, Kind: conv.Individual}
}

// convert maps a Telegram message onto the transport model. Mentions are
// read from the message entities; the bot is reported through MentionsBot
// and never listed in Mentions.
func (a *Adapter) convert(m *tele.Message) *kit.Message {
	out := &kit.Message{
		ID:   strconv.Itoa(m.ID),
		Chat: chatRef(m.Chat),
		Kind: kit.KindOther,
		Text: m.Text,
		At:   m.Time(),
	}
	if m.Sender != nil {
		out.Sender = userRef(m.Sender)
		out.FromSelf = a.self.ID != "" && out.Sender.ID == a.self.ID
	} else {
		out.Sender = out.Chat
	}

	entities := m.Entities
	switch {
	case m.Photo != nil:
		out.Kind, out.Text, entities = kit.KindPhoto, m.Caption, m.CaptionEntities
		out.Media = &kit.MediaRef{FileID: m.Photo.FileID, Size: m.Photo.FileSize, MIME: "image/jpeg"}
	case m.Document != nil:
		out.Kind, out.Text, entities = kit.KindDocument, m.Caption, m.CaptionEntities
		out.Media = &kit.MediaRef{FileID: m.Document.FileID, FileName: m.Document.FileName, MIME: m.Document.MIME, Size: m.Document.FileSize}
	case m.Video != nil:
		out.Kind, out.Text, entities = kit.KindVideo, m.Caption, m.CaptionEntities
		out.Media = &kit.MediaRef{FileID: m.Video.FileID, FileName: m.Video.FileName, MIME: m.Video.MIME, Size: m.Video.FileSize}
	case m.Audio != nil:
		out.Kind, out.Text, entities = kit.KindAudio, m.Caption, m.CaptionEntities
		out.Media = &kit.MediaRef{FileID: m.Audio.FileID, FileName: m.Audio.FileName, MIME: m.Audio.MIME, Size: m.Audio.FileSize}
	case m.Voice != nil:
		out.Kind, out.Text, entities = kit.KindVoice, m.Caption, m.CaptionEntities
		out.Media = &kit.MediaRef{FileID: m.Voice.FileID, MIME: m.Voice.MIME, Size: m.Voice.FileSize}
	case m.Text != "":
		out.Kind = kit.KindText
	}

	seen := map[string]struct{}{}
	addMention := func(r conv.Ref) {
		if r.IsZero() {
			return
		}
		if r.ID == a.self.ID {
			out.MentionsBot = true
			return
		}
		if _, ok := seen[r.ID]; ok {
			return
		}
		seen[r.ID] = struct{}{}
		out.Mentions = append(out.Mentions, r)
	}
	for _, e := range entities {
		switch e.Type {
		case tele.EntityTMention:
			if e.User != nil {
				addMention(userRef(e.User))
			}
		case tele.EntityMention:
			handle := strings.TrimPrefix(entityText(out.Text, e), "@")
			if a.handle != "" && strings.EqualFold(handle, a.handle) {
				out.MentionsBot = true
				continue
			}
			if r, ok := a.byHandle(handle); ok {
				addMention(r)
			}
		}
	}

	if u := replyAuthor(m); u != nil {
		r := userRef(u)
		if r.ID == a.self.ID {
			out.MentionsBot = true
		} else {
			out.ReplyTo = &r
		}
	}
	if out.Chat.Kind == conv.Individual {
		out.MentionsBot = true
	}
	return out
}

// entityText cuts an entity out of text. Offsets count UTF-16 code units.
func entityText(text string, e tele.MessageEntity) string {
	var (
		b    strings.Builder
		unit int
	)
	for _, r := range text {
		if unit >= e.Offset+e.Length {
			break
		}
		if unit >= e.Offset {
			b.WriteRune(r)
		}
		if r >= 0x10000 {
			unit += 2
		} else {
			unit++
		}
	}
	return b.String()
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start blocks until Stop; restart it if it returns while still running.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started", logx.String("self", a.self.String()))
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// Resolve accepts a numeric chat id, an @username or a display name seen
// earlier.
func (a *Adapter) Resolve(idOrName string) (conv.Ref, bool) {
	if r, ok := a.dir.Resolve(idOrName); ok {
		return r, true
	}
	if strings.HasPrefix(idOrName, "@") {
		if r, ok := a.byHandle(idOrName); ok {
			return r, true
		}
	}
	if _, err := strconv.ParseInt(strings.TrimSpace(idOrName), 10, 64); err == nil {
		return conv.Ref{ID: strings.TrimSpace(idOrName)}, true
	}
	return conv.Ref{}, false
}

func (a *Adapter) recipient(to conv.Ref) (*tele.Chat, error) {
	id, err := strconv.ParseInt(to.ID, 10, 64)
	if err != nil {
		if r, ok := a.dir.Resolve(to.Label()); ok {
			id, err = strconv.ParseInt(r.ID, 10, 64)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("telegram: %s is not a chat id", to)
	}
	return &tele.Chat{ID: id}, nil
}

const telegramTextLimit = 4000

// mentionHTML prefixes text with inline mentions. Plain text is escaped and
// switched to HTML.
func mentionHTML(text, parseMode string, who []conv.Ref) (string, string) {
	if len(who) == 0 || (parseMode != "" && !strings.EqualFold(parseMode, tele.ModeHTML)) {
		return text, parseMode
	}
	if parseMode == "" {
		text = html.EscapeString(text)
	}
	var b strings.Builder
	for _, r := range who {
		fmt.Fprintf(&b, `<a href="tg://user?id=%s">@%s</a> `, html.EscapeString(r.ID), html.EscapeString(r.Label()))
	}
	b.WriteString(text)
	return b.String(), tele.ModeHTML
}

func (a *Adapter) SendText(ctx context.Context, to conv.Ref, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat, err := a.recipient(to)
	if err != nil {
		return kit.MessageRef{}, err
	}
	text, mode := mentionHTML(text, opt.ParseMode, opt.Mention)
	chunks := splitTelegramText(text, telegramTextLimit, mode)

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		sendOpt := &tele.SendOptions{ParseMode: mode, DisableWebPagePreview: opt.DisablePreview}
		if i == 0 && opt.ReplyTo != "" {
			if id, err := strconv.Atoi(opt.ReplyTo); err == nil {
				sendOpt.ReplyTo = &tele.Message{ID: id, Chat: chat}
			}
		}
		msg, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ID, MessageID: strconv.Itoa(msg.ID)}
		}
	}
	return first, nil
}

func (a *Adapter) SendMedia(ctx context.Context, to conv.Ref, h media.Handle, caption string) (kit.MessageRef, error) {
	chat, err := a.recipient(to)
	if err != nil {
		return kit.MessageRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	file := tele.FromDisk(h.Path)
	var what tele.Sendable
	switch h.Kind {
	case media.KindPhoto:
		what = &tele.Photo{File: file, Caption: caption}
	case media.KindVideo:
		what = &tele.Video{File: file, Caption: caption, FileName: h.Name, MIME: h.MIME}
	case media.KindAudio:
		what = &tele.Audio{File: file, Caption: caption, FileName: h.Name, MIME: h.MIME}
	case media.KindVoice:
		what = &tele.Voice{File: file, Caption: caption, MIME: h.MIME}
	default:
		what = &tele.Document{File: file, Caption: caption, FileName: h.Name, MIME: h.MIME}
	}
	msg, err := a.bot.Send(chat, what)
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ID, MessageID: strconv.Itoa(msg.ID)}, nil
}

func (a *Adapter) Forward(ctx context.Context, to conv.Ref, src kit.MessageRef) (kit.MessageRef, error) {
	chat, err := a.recipient(to)
	if err != nil {
		return kit.MessageRef{}, err
	}
	from, err := strconv.ParseInt(src.ChatID, 10, 64)
	if err != nil {
		return kit.MessageRef{}, fmt.Errorf("telegram: source chat %q: %w", src.ChatID, err)
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	msg, err := a.bot.Forward(chat, &tele.StoredMessage{MessageID: src.MessageID, ChatID: from})
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ID, MessageID: strconv.Itoa(msg.ID)}, nil
}

func (a *Adapter) FetchMedia(ctx context.Context, ref kit.MediaRef) (io.ReadCloser, error) {
	if ref.FileID == "" {
		return nil, errors.New("telegram: media has no file id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.bot.File(&tele.File{FileID: ref.FileID})
}

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, tele.ModeHTML) && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
