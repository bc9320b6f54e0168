package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"relaybot/internal/authz"
	"relaybot/internal/conv"
	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/forward"
	"relaybot/internal/media"
	"relaybot/internal/routecfg"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/task/scheduler"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Plugin is one independently registered rule-set. OnMessage runs for every
// new inbound message, in registration order, one plugin at a time.
type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnMessage(ctx context.Context, msg *kit.Message) error
}

// ConfigurablePlugin receives its raw config block before Start and on every
// change while running.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator is an optional hook to validate plugin config before applying it.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

// Deps are the shared collaborators handed to every plugin.
type Deps struct {
	Log           logx.Logger
	Sender        kit.Sender
	Resolver      kit.Resolver
	Conversations kit.Lister
	Self          conv.Ref
	Coordinator   *dispatch.Coordinator
	Ledger        *authz.Ledger
	Routes        *routecfg.Store
	Engine        *forward.Engine
	Scheduler     *scheduler.Service
	Cache         *media.Cache
	Store         storage.Store
	Bus           eventbus.Bus
	// Plugins reports the host's runtime state. Set by NewManager.
	Plugins StatusSource
}

// StatusSource exposes plugin runtime state to operator tooling.
type StatusSource interface {
	Snapshot() PluginsSnapshot
}

// PluginBase is embedded by plugins for the common lifecycle plumbing.
//
//	type Plugin struct { plugin.PluginBase }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { p.InitBase(deps, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type PluginBase struct {
	Log    logx.Logger
	Deps   Deps
	Runner *supervisor.Supervisor

	pluginName string
	jobs       []string
	ctx        context.Context
}

// Supervisor returns the per-plugin supervisor, if StartBase has been called.
func (b *PluginBase) Supervisor() *supervisor.Supervisor { return b.Runner }

// Health reports whether the plugin runtime context is alive.
func (b *PluginBase) Health(ctx context.Context) (string, error) {
	if b == nil {
		return "nil", errors.New("plugin base is nil")
	}
	if b.ctx == nil {
		return "not_started", nil
	}
	select {
	case <-b.ctx.Done():
		return "stopped", b.ctx.Err()
	default:
	}
	return "ok", nil
}

// InitBase wires deps + logger.
func (b *PluginBase) InitBase(deps Deps, pluginName string) {
	b.Deps = deps
	b.pluginName = pluginName
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	b.Log = log.With(logx.String("plugin", pluginName))
	if b.Deps.Bus == nil {
		b.Deps.Bus = eventbus.Nop()
	}
	if b.Deps.Coordinator != nil {
		b.Deps.Coordinator.Register(pluginName)
	}
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *PluginBase) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = supervisor.New(ctx, supervisor.WithLogger(b.Log), supervisor.WithCancelOnError(false))
}

// StopBase removes scheduled jobs, cancels the runner and waits bounded by ctx.
func (b *PluginBase) StopBase(ctx context.Context) error {
	if b.Deps.Scheduler != nil {
		for _, name := range b.jobs {
			b.Deps.Scheduler.Remove(name)
		}
	}
	b.jobs = nil
	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Context returns the plugin runtime context (canceled on stop/disable).
func (b *PluginBase) Context() context.Context { return b.ctx }

// Suppressed reports whether another plugin already claimed msg.
func (b *PluginBase) Suppressed(msg *kit.Message) bool {
	if b.Deps.Coordinator == nil || msg == nil {
		return false
	}
	return b.Deps.Coordinator.IsSuppressed(msg.Key(), b.pluginName)
}

// Claim marks msg as handled by this plugin only.
func (b *PluginBase) Claim(msg *kit.Message) bool {
	if b.Deps.Coordinator == nil || msg == nil {
		return true
	}
	return b.Deps.Coordinator.ClaimExclusive(msg.Key(), b.pluginName)
}

// Schedule registers a job namespaced by plugin. Jobs are removed by StopBase.
func (b *PluginBase) Schedule(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	if b.Deps.Scheduler == nil {
		return errors.New("scheduler not available")
	}
	full := b.ns(name)
	if err := b.Deps.Scheduler.Add(full, spec, timeout, job); err != nil {
		return err
	}
	for _, j := range b.jobs {
		if j == full {
			return nil
		}
	}
	b.jobs = append(b.jobs, full)
	return nil
}

func (b *PluginBase) ns(name string) string {
	if b.pluginName == "" {
		return name
	}
	if name == "" {
		return b.pluginName
	}
	return b.pluginName + ":" + name
}

// Reply sends text back to the conversation msg was posted in.
func (b *PluginBase) Reply(ctx context.Context, msg *kit.Message, text string) error {
	if b.Deps.Sender == nil {
		return errors.New("sender not available")
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := b.Deps.Sender.SendText(cctx, msg.Chat, text, nil)
	return err
}

// PublishEvent publishes a lightweight event to the in-process event bus.
func (b *PluginBase) PublishEvent(typ string, data any) {
	if b == nil || b.Deps.Bus == nil {
		return
	}
	b.Deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// DecodePluginConfig decodes per-plugin raw json into a typed config struct.
// Unknown fields are rejected.
func DecodePluginConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
