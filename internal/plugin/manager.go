package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const (
	callTimeout           = 10 * time.Second
	defaultHandlerTimeout = 2 * time.Minute
)

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
	Count  int    `json:"count,omitempty"`
}

type quarantineState struct {
	rawHash uint64
	err     string
	since   time.Time
	count   int
}

type handlerStats struct {
	handled atomic.Uint64
	failed  atomic.Uint64
}

// Manager owns plugin lifecycles and dispatches inbound messages to them.
type Manager struct {
	mu sync.Mutex

	log  logx.Logger
	cfgm *config.ConfigManager
	deps Deps

	order  []string
	reg    map[string]Plugin
	run    map[string]bool
	inited map[string]bool
	// last config blob hash per running plugin
	lastRawHash map[string]uint64

	// baseCtx outlives the call-scoped contexts passed to StartAll and
	// OnConfigUpdate; BindContext ties it to the app context.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	bound      bool

	pctx    map[string]context.Context
	pcancel map[string]context.CancelFunc

	quarantine map[string]quarantineState
	stats      map[string]*handlerStats

	handlerTimeout time.Duration
	received       atomic.Uint64
	duplicates     atomic.Uint64
	panics         atomic.Uint64
}

func NewManager(log logx.Logger, cfgm *config.ConfigManager, deps Deps) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Log.IsZero() {
		deps.Log = log
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	pm := &Manager{
		log:            log,
		cfgm:           cfgm,
		deps:           deps,
		reg:            map[string]Plugin{},
		run:            map[string]bool{},
		inited:         map[string]bool{},
		lastRawHash:    map[string]uint64{},
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
		pctx:           map[string]context.Context{},
		pcancel:        map[string]context.CancelFunc{},
		quarantine:     map[string]quarantineState{},
		stats:          map[string]*handlerStats{},
		handlerTimeout: defaultHandlerTimeout,
	}
	if pm.deps.Plugins == nil {
		pm.deps.Plugins = pm
	}
	return pm
}

func (pm *Manager) emit(typ string, data pluginEvent) {
	pm.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// SetHandlerTimeout bounds one plugin's handling of one message.
func (pm *Manager) SetHandlerTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultHandlerTimeout
	}
	pm.mu.Lock()
	pm.handlerTimeout = d
	pm.mu.Unlock()
}

// Register adds plugins. Dispatch order follows registration order; a name
// registered twice keeps its first position.
func (pm *Manager) Register(p ...Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		if pl == nil {
			continue
		}
		name := pl.Name()
		if _, ok := pm.reg[name]; !ok {
			pm.order = append(pm.order, name)
			pm.stats[name] = &handlerStats{}
		}
		pm.reg[name] = pl
		if pm.deps.Coordinator != nil {
			pm.deps.Coordinator.Register(name)
		}
	}
}

// BindContext binds appCtx to baseCtx via cancellation bridge. First non-nil bind wins.
func (pm *Manager) BindContext(appCtx context.Context) {
	pm.mu.Lock()
	if pm.bound || appCtx == nil {
		pm.mu.Unlock()
		return
	}
	pm.bound = true
	baseCancel := pm.baseCancel
	pm.mu.Unlock()

	go func() {
		<-appCtx.Done()
		baseCancel()
	}()
}

func (pm *Manager) StartAll(ctx context.Context) error {
	pm.BindContext(ctx)
	return pm.reconcile(pm.cfgm.Get())
}

func (pm *Manager) StopAll(ctx context.Context, reason StopReason) {
	pm.mu.Lock()
	names := make([]string, len(pm.order))
	copy(names, pm.order)
	pm.mu.Unlock()

	// reverse registration order
	for i := len(names) - 1; i >= 0; i-- {
		pm.stopOne(ctx, names[i], reason)
	}
}

func (pm *Manager) OnConfigUpdate(ctx context.Context, cfg *config.Config) {
	pm.BindContext(ctx)
	_ = pm.reconcile(cfg)
}

// Run dispatches updates until ctx is done or updates is closed.
func (pm *Manager) Run(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.Kind == kit.UpdateMessage && u.Message != nil {
				pm.Dispatch(ctx, u.Message)
			}
		}
	}
}

// Dispatch offers msg to every running plugin in registration order. It
// returns false when the message is the bot's own or was already seen.
func (pm *Manager) Dispatch(ctx context.Context, msg *kit.Message) bool {
	if msg == nil || msg.FromSelf {
		return false
	}
	pm.received.Add(1)
	if c := pm.deps.Coordinator; c != nil && !c.MarkSeen(msg.Key()) {
		pm.duplicates.Add(1)
		pm.log.Debug("duplicate message skipped", logx.String("msg", msg.Key()))
		return false
	}

	type target struct {
		name string
		p    Plugin
		ctx  context.Context
	}
	pm.mu.Lock()
	targets := make([]target, 0, len(pm.order))
	for _, name := range pm.order {
		if !pm.run[name] {
			continue
		}
		pctx := pm.pctx[name]
		if pctx == nil {
			pctx = ctx
		}
		targets = append(targets, target{name: name, p: pm.reg[name], ctx: pctx})
	}
	timeout := pm.handlerTimeout
	pm.mu.Unlock()

	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		pm.handle(t.ctx, t.name, t.p, msg, timeout)
	}
	return true
}

func (pm *Manager) handle(ctx context.Context, name string, p Plugin, msg *kit.Message, timeout time.Duration) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := pm.safeCall("plugin.message."+name, func() error { return p.OnMessage(hctx, msg) })
	st := pm.statsFor(name)
	if err != nil {
		st.failed.Add(1)
		pm.log.Warn("plugin message handler failed",
			logx.String("plugin", name),
			logx.String("msg", msg.Key()),
			logx.Duration("took", time.Since(start)),
			logx.Err(err),
		)
		return
	}
	st.handled.Add(1)
}

func (pm *Manager) statsFor(name string) *handlerStats {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	st := pm.stats[name]
	if st == nil {
		st = &handlerStats{}
		pm.stats[name] = st
	}
	return st
}

func (pm *Manager) stopOne(stopCtx context.Context, name string, reason StopReason) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.pcancel[name]
	pm.mu.Unlock()

	if !running || p == nil {
		return
	}

	start := time.Now()
	pm.log.Debug("stopping plugin", logx.String("plugin", name), logx.String("reason", string(reason)))

	if cancel != nil {
		cancel()
	}

	// A misbehaving plugin must not block shutdown forever.
	done := make(chan struct{})
	go func() {
		_ = pm.safeCall("plugin.stop."+name, func() error { return p.Stop(stopCtx) })
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(stopCtx.Err()))
		pm.emit("plugin.stop_timeout", pluginEvent{Plugin: name, Reason: string(reason), Err: stopCtx.Err().Error()})
	}

	pm.mu.Lock()
	pm.run[name] = false
	delete(pm.pctx, name)
	delete(pm.pcancel, name)
	delete(pm.lastRawHash, name)
	pm.mu.Unlock()

	took := time.Since(start)
	pm.emit("plugin.stopped", pluginEvent{Plugin: name, Reason: string(reason), TookMS: took.Milliseconds()})
	pm.log.Info("plugin stopped", logx.String("plugin", name), logx.String("reason", string(reason)), logx.Duration("took", took))
}

func (pm *Manager) isQuarantined(name string, rawHash uint64) bool {
	pm.mu.Lock()
	st, ok := pm.quarantine[name]
	pm.mu.Unlock()
	return ok && st.rawHash == rawHash
}

func (pm *Manager) clearQuarantineOnChange(name string, rawHash uint64) {
	pm.mu.Lock()
	st, ok := pm.quarantine[name]
	if ok && st.rawHash != rawHash {
		delete(pm.quarantine, name)
		pm.mu.Unlock()
		pm.log.Info("plugin quarantine cleared (config changed)", logx.String("plugin", name))
		pm.emit("plugin.quarantine_cleared", pluginEvent{Plugin: name})
		return
	}
	pm.mu.Unlock()
}

func (pm *Manager) setQuarantine(name string, rawHash uint64, err error, stage string) {
	if err == nil {
		return
	}
	errStr := err.Error()
	pm.mu.Lock()
	prev, ok := pm.quarantine[name]
	if ok && prev.rawHash == rawHash && prev.err == errStr {
		prev.count++
		pm.quarantine[name] = prev
		pm.mu.Unlock()
		return
	}
	count := 1
	if ok {
		count = prev.count + 1
	}
	pm.quarantine[name] = quarantineState{rawHash: rawHash, err: errStr, since: time.Now(), count: count}
	pm.mu.Unlock()

	pm.log.Error("plugin quarantined", logx.String("plugin", name), logx.String("stage", stage), logx.String("err", errStr))
	pm.emit("plugin.quarantined", pluginEvent{Plugin: name, Stage: stage, Err: errStr, Count: count})
}

func (pm *Manager) reconcile(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("plugin: nil config")
	}
	type op struct {
		name    string
		p       Plugin
		raw     config.PluginConfigRaw
		rawHash uint64
		enabled bool
		run     bool
	}
	pm.mu.Lock()
	ops := make([]op, 0, len(pm.order))
	for _, name := range pm.order {
		raw, ok := cfg.Plugins[name]
		ops = append(ops, op{
			name:    name,
			p:       pm.reg[name],
			raw:     raw,
			rawHash: canonicalHashJSON(raw.Config),
			enabled: ok && raw.Enabled,
			run:     pm.run[name],
		})
	}
	pm.mu.Unlock()

	var errs []error
	for _, o := range ops {
		switch {
		case o.enabled && !o.run:
			if err := pm.enable(o.name, o.p, o.raw, o.rawHash); err != nil {
				errs = append(errs, fmt.Errorf("plugin %s: %w", o.name, err))
			}
		case !o.enabled && o.run:
			pm.emit("plugin.disable_requested", pluginEvent{Plugin: o.name})
			stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
			pm.stopOne(stopCtx, o.name, StopPluginDisable)
			cancel()
		case o.enabled && o.run:
			pm.reapply(o.name, o.p, o.raw, o.rawHash)
		}
	}
	return errors.Join(errs...)
}

func (pm *Manager) enable(name string, p Plugin, raw config.PluginConfigRaw, rawHash uint64) error {
	pm.clearQuarantineOnChange(name, rawHash)
	if pm.isQuarantined(name, rawHash) {
		pm.log.Warn("plugin enable skipped (quarantined)", logx.String("plugin", name))
		return nil
	}
	pm.emit("plugin.enable_requested", pluginEvent{Plugin: name})

	// long-lived plugin ctx derived from the internal base ctx
	pctx, cancel := context.WithCancel(pm.baseCtx)

	pm.mu.Lock()
	needInit := !pm.inited[name]
	deps := pm.deps
	pm.mu.Unlock()
	if needInit {
		ictx, icancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.init."+name, func() error { return p.Init(ictx, deps) })
		icancel()
		if err != nil {
			pm.log.Error("plugin init failed", logx.String("plugin", name), logx.Err(err))
			pm.emit("plugin.init_failed", pluginEvent{Plugin: name, Err: err.Error()})
			cancel()
			return err
		}
		pm.mu.Lock()
		pm.inited[name] = true
		pm.mu.Unlock()
	}

	if v, ok := p.(ConfigValidator); ok {
		cctx, ccancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.validate."+name, func() error { return v.ValidateConfig(cctx, raw.Config) })
		ccancel()
		if err != nil {
			pm.setQuarantine(name, rawHash, fmt.Errorf("config validate: %w", err), "validate")
			cancel()
			return err
		}
	}
	if cp, ok := p.(ConfigurablePlugin); ok {
		cctx, ccancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(cctx, raw.Config) })
		ccancel()
		if err != nil {
			pm.setQuarantine(name, rawHash, fmt.Errorf("config apply: %w", err), "config")
			cancel()
			return err
		}
	}

	if err := pm.startWithTimeout(name, p, pctx, cancel, callTimeout); err != nil {
		pm.log.Error("plugin start failed", logx.String("plugin", name), logx.Err(err))
		pm.emit("plugin.start_failed", pluginEvent{Plugin: name, Err: err.Error()})
		cancel()
		return err
	}

	pm.mu.Lock()
	pm.run[name] = true
	pm.pctx[name] = pctx
	pm.pcancel[name] = cancel
	pm.lastRawHash[name] = rawHash
	delete(pm.quarantine, name)
	pm.mu.Unlock()

	pm.log.Info("plugin started", logx.String("plugin", name))
	pm.emit("plugin.started", pluginEvent{Plugin: name})
	return nil
}

// reapply pushes a changed config block into a running plugin. A plugin that
// rejects its new config is stopped and quarantined until the block changes.
func (pm *Manager) reapply(name string, p Plugin, raw config.PluginConfigRaw, rawHash uint64) {
	cp, ok := p.(ConfigurablePlugin)
	if !ok {
		return
	}
	pm.mu.Lock()
	oldHash := pm.lastRawHash[name]
	pctx := pm.pctx[name]
	pm.mu.Unlock()
	if rawHash == oldHash {
		return
	}
	if pctx == nil {
		pctx = pm.baseCtx
	}

	quarantine := func(err error, stage string) {
		pm.setQuarantine(name, rawHash, err, stage)
		stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
		pm.stopOne(stopCtx, name, StopPluginQuarantine)
		cancel()
	}
	if v, ok := p.(ConfigValidator); ok {
		cctx, ccancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.validate."+name, func() error { return v.ValidateConfig(cctx, raw.Config) })
		ccancel()
		if err != nil {
			quarantine(fmt.Errorf("config validate: %w", err), "validate")
			return
		}
	}
	cctx, ccancel := context.WithTimeout(pctx, callTimeout)
	err := pm.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(cctx, raw.Config) })
	ccancel()
	if err != nil {
		quarantine(fmt.Errorf("config apply: %w", err), "config")
		return
	}
	pm.emit("plugin.config_applied", pluginEvent{Plugin: name})
	pm.mu.Lock()
	pm.lastRawHash[name] = rawHash
	pm.mu.Unlock()
}

// startWithTimeout calls Start(pctx) but enforces a deadline. If it times out, plugin ctx is cancelled.
func (pm *Manager) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- pm.safeCall("plugin.start."+name, func() error { return p.Start(pctx) })
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()
		grace := time.NewTimer(2 * time.Second)
		defer grace.Stop()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("start timeout (%s): %w", timeout, err)
			}
			return fmt.Errorf("start timeout (%s)", timeout)
		case <-grace.C:
			return fmt.Errorf("start timeout (%s): start did not return after cancel", timeout)
		}
	}
}

func (pm *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.panics.Add(1)
			pm.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

// ValidateConfig checks every enabled plugin's block before a new config is
// committed. It does not call Init/Start/Stop.
func (pm *Manager) ValidateConfig(ctx context.Context, cfg *config.Config) error {
	type item struct {
		name string
		v    ConfigValidator
		raw  json.RawMessage
	}
	pm.mu.Lock()
	var items []item
	for _, name := range pm.order {
		raw, ok := cfg.Plugins[name]
		if !ok || !raw.Enabled {
			continue
		}
		if v, ok := pm.reg[name].(ConfigValidator); ok {
			items = append(items, item{name: name, v: v, raw: raw.Config})
		}
	}
	pm.mu.Unlock()

	for _, it := range items {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := pm.safeCall("plugin.validate."+it.name, func() error { return it.v.ValidateConfig(cctx, it.raw) })
		cancel()
		if err != nil {
			return fmt.Errorf("plugin %s: config validate: %w", it.name, err)
		}
	}
	return nil
}

// Running reports whether name is started.
func (pm *Manager) Running(name string) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.run[name]
}

func (pm *Manager) Snapshot() PluginsSnapshot {
	cfg := pm.cfgm.Get()
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := PluginsSnapshot{
		Time:    time.Now(),
		Plugins: make([]PluginStatus, 0, len(pm.order)),
		Dispatch: DispatchStats{
			Received:   pm.received.Load(),
			Duplicates: pm.duplicates.Load(),
			Panics:     pm.panics.Load(),
		},
	}
	for _, name := range pm.order {
		st := PluginStatus{Name: name, Running: pm.run[name]}
		if cfg != nil {
			if r, ok := cfg.Plugins[name]; ok {
				st.Enabled = r.Enabled
				st.HasConfig = true
			}
		}
		if q, ok := pm.quarantine[name]; ok {
			st.Quarantined = true
			st.QuarantineErr = q.err
			st.QuarantineSince = q.since
		}
		if hs := pm.stats[name]; hs != nil {
			st.Handled = hs.handled.Load()
			st.Failed = hs.failed.Load()
		}
		out.Plugins = append(out.Plugins, st)
	}
	return out
}
