// Package forward owns pending routing commands and fans a payload message
// out to its destinations.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"relaybot/internal/conv"
	"relaybot/internal/eventbus"
	"relaybot/internal/media"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Config tunes the engine. Zero values select the defaults.
type Config struct {
	// PendingTTL is how long a command waits for its payload. Default 60s.
	PendingTTL time.Duration
	// Pace is the minimum gap between two sends. Default 500ms; negative disables.
	Pace time.Duration
	// SendTimeout bounds a single send. Default 30s.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PendingTTL <= 0 {
		c.PendingTTL = 60 * time.Second
	}
	if c.Pace == 0 {
		c.Pace = 500 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Deps are the engine's collaborators. Sender is required.
type Deps struct {
	Sender  kit.Sender
	Fetcher kit.MediaFetcher
	Cache   *media.Cache
	Store   storage.Store
	Bus     eventbus.Bus
	Log     logx.Logger
	Now     func() time.Time
}

type Engine struct {
	cfg     Config
	sender  kit.Sender
	fetcher kit.MediaFetcher
	cache   *media.Cache
	store   storage.Store
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]PendingRoute
	records map[string]DeliveryRecord
}

func New(cfg Config, d Deps) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:     cfg,
		sender:  d.Sender,
		fetcher: d.Fetcher,
		cache:   d.Cache,
		store:   d.Store,
		bus:     d.Bus,
		log:     d.Log,
		now:     d.Now,
		pending: map[string]PendingRoute{},
		records: map[string]DeliveryRecord{},
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.bus == nil {
		e.bus = eventbus.Nop()
	}
	if cfg.Pace > 0 {
		e.limiter = rate.NewLimiter(rate.Every(cfg.Pace), 1)
	} else {
		e.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return e
}

// SetPace changes the gap between sends.
func (e *Engine) SetPace(d time.Duration) {
	if d > 0 {
		e.limiter.SetLimit(rate.Every(d))
		return
	}
	e.limiter.SetLimit(rate.Inf)
}

// DeliveryRecord is the outcome of one fan-out.
type DeliveryRecord struct {
	ID     string
	Owner  string
	Source kit.MessageRef
	// Destinations is the resolved destination list at fan-out time.
	Destinations []conv.Ref
	Attempted    []string
	Succeeded    []string
	// Topics snapshots destination display names.
	Topics     []string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Unconfirmed returns destinations that were attempted but did not succeed.
func (r DeliveryRecord) Unconfirmed() []conv.Ref {
	ok := make(map[string]struct{}, len(r.Succeeded))
	for _, id := range r.Succeeded {
		ok[id] = struct{}{}
	}
	var out []conv.Ref
	for _, d := range r.Destinations {
		if _, done := ok[d.ID]; !done {
			out = append(out, d)
		}
	}
	return out
}

// Confirmed returns destinations that succeeded, in destination order.
func (r DeliveryRecord) Confirmed() []conv.Ref {
	ok := make(map[string]struct{}, len(r.Succeeded))
	for _, id := range r.Succeeded {
		ok[id] = struct{}{}
	}
	var out []conv.Ref
	for _, d := range r.Destinations {
		if _, done := ok[d.ID]; done {
			out = append(out, d)
		}
	}
	return out
}

// LastDelivery returns owner's most recent fan-out.
func (e *Engine) LastDelivery(owner string) (DeliveryRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[owner]
	return r, ok
}

// Deliver fans msg out to dests. When override is non-empty it is sent as text
// in place of the message content.
//
// Media is fetched and cached once and the same handle goes to every
// destination. Text is sent as text; other kinds use the transport's native
// forward. A failing destination never stops the rest. The fan-out ignores
// cancellation of ctx once started.
func (e *Engine) Deliver(ctx context.Context, owner string, msg *kit.Message, dests []conv.Ref, override string) (DeliveryRecord, error) {
	if err := e.check(msg); err != nil {
		return DeliveryRecord{}, err
	}
	ctx = context.WithoutCancel(ctx)
	return e.fanOut(ctx, owner, msg, string(msg.Kind), dests, e.prepare(ctx, msg, override)), nil
}

// Notify sends a preset text, followed by attach when it is non-nil, to every
// destination. msg is the request that triggered the round; it is recorded as
// the source. A destination counts as succeeded only when every part arrived.
func (e *Engine) Notify(ctx context.Context, owner string, msg *kit.Message, dests []conv.Ref, text string, attach *media.Handle) (DeliveryRecord, error) {
	if err := e.check(msg); err != nil {
		return DeliveryRecord{}, err
	}
	if text == "" && attach == nil {
		return DeliveryRecord{}, errors.New("forward: empty notice")
	}
	var steps []sendFunc
	if text != "" {
		steps = append(steps, e.sendText(text))
	}
	if attach != nil {
		h := *attach
		steps = append(steps, func(ctx context.Context, to conv.Ref) error {
			_, err := e.sender.SendMedia(ctx, to, h, "")
			return err
		})
	}
	return e.fanOut(context.WithoutCancel(ctx), owner, msg, "notice", dests, steps...), nil
}

func (e *Engine) check(msg *kit.Message) error {
	if e.sender == nil {
		return errors.New("forward: no sender")
	}
	if msg == nil {
		return errors.New("forward: nil message")
	}
	return nil
}

func (e *Engine) fanOut(ctx context.Context, owner string, msg *kit.Message, action string, dests []conv.Ref, steps ...sendFunc) DeliveryRecord {
	rec := DeliveryRecord{
		ID:           uuid.NewString(),
		Owner:        owner,
		Source:       msg.Ref(),
		Destinations: append([]conv.Ref(nil), dests...),
		StartedAt:    e.now(),
	}
	for _, d := range dests {
		rec.Topics = append(rec.Topics, d.Label())
	}

	for _, d := range dests {
		rec.Attempted = append(rec.Attempted, d.ID)
		if e.sendAll(ctx, owner, d, steps) {
			rec.Succeeded = append(rec.Succeeded, d.ID)
		}
	}
	rec.FinishedAt = e.now()

	e.mu.Lock()
	e.records[owner] = rec
	e.mu.Unlock()

	e.audit(ctx, msg, action, rec)
	e.bus.Publish(eventbus.Event{Type: eventbus.ForwardDelivered, Data: eventbus.DeliveredData{
		Owner:     owner,
		Record:    rec.ID,
		Attempted: len(rec.Attempted),
		Succeeded: len(rec.Succeeded),
	}})
	e.log.Info("fan-out complete",
		logx.String("owner", owner),
		logx.String("action", action),
		logx.String("record", rec.ID),
		logx.Int("attempted", len(rec.Attempted)),
		logx.Int("succeeded", len(rec.Succeeded)),
		logx.Duration("took", rec.FinishedAt.Sub(rec.StartedAt)),
	)
	return rec
}

// sendAll runs every step against one destination. Each send takes a limiter
// token, so consecutive sends are at least Pace apart.
func (e *Engine) sendAll(ctx context.Context, owner string, to conv.Ref, steps []sendFunc) bool {
	ok := true
	for _, send := range steps {
		_ = e.limiter.Wait(ctx)
		sctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
		err := send(sctx, to)
		cancel()
		if err != nil {
			e.log.Warn("forward failed",
				logx.String("owner", owner),
				logx.String("to", to.String()),
				logx.Err(err),
			)
			ok = false
		}
	}
	return ok
}

type sendFunc func(ctx context.Context, to conv.Ref) error

func (e *Engine) prepare(ctx context.Context, msg *kit.Message, override string) sendFunc {
	if override != "" {
		return e.sendText(override)
	}
	if mk, ok := msg.Kind.MediaKind(); ok && msg.Media != nil {
		h, err := e.cacheMedia(ctx, msg, mk)
		if err == nil {
			return func(ctx context.Context, to conv.Ref) error {
				_, err := e.sender.SendMedia(ctx, to, h, msg.Text)
				return err
			}
		}
		e.log.Warn("media cache failed, using native forward", logx.String("msg", msg.Key()), logx.Err(err))
	}
	if msg.Kind == kit.KindText {
		return e.sendText(msg.Text)
	}
	src := msg.Ref()
	return func(ctx context.Context, to conv.Ref) error {
		_, err := e.sender.Forward(ctx, to, src)
		return err
	}
}

func (e *Engine) sendText(text string) sendFunc {
	return func(ctx context.Context, to conv.Ref) error {
		_, err := e.sender.SendText(ctx, to, text, nil)
		return err
	}
}

func (e *Engine) cacheMedia(ctx context.Context, msg *kit.Message, kind media.Kind) (media.Handle, error) {
	if e.fetcher == nil || e.cache == nil {
		return media.Handle{}, errors.New("media caching not configured")
	}
	fctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	rc, err := e.fetcher.FetchMedia(fctx, *msg.Media)
	if err != nil {
		return media.Handle{}, fmt.Errorf("fetch: %w", err)
	}
	defer func(c io.Closer) { _ = c.Close() }(rc)
	h, err := e.cache.Persist(fctx, msg.Media.FileName, kind, rc)
	if err != nil {
		return media.Handle{}, fmt.Errorf("persist: %w", err)
	}
	// Destinations share a handle rebuilt from the cached path.
	out, err := e.cache.Open(h.Path, kind)
	if err != nil {
		return media.Handle{}, err
	}
	out.Name = h.Name
	return out, nil
}

func (e *Engine) audit(ctx context.Context, msg *kit.Message, action string, rec DeliveryRecord) {
	if e.store == nil {
		return
	}
	err := e.store.AppendAudit(ctx, storage.AuditEntry{
		At:       rec.FinishedAt,
		RecordID: rec.ID,
		Plugin:   "forward",
		Action:   action,
		ChatID:   msg.Chat.ID,
		ActorID:  msg.Sender.ID,
		Targets:  rec.Attempted,
		OK:       len(rec.Succeeded),
		Fail:     len(rec.Attempted) - len(rec.Succeeded),
		TookMS:   rec.FinishedAt.Sub(rec.StartedAt).Milliseconds(),
	})
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		e.log.Warn("audit append failed", logx.String("record", rec.ID), logx.Err(err))
	}
}
