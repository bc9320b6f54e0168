package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/authz"
	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/eventbus"
	"relaybot/internal/forward"
	"relaybot/internal/media"
	"relaybot/internal/plugin"
	"relaybot/internal/plugin/builtin/authorize"
	"relaybot/internal/plugin/builtin/forwarder"
	"relaybot/internal/plugin/builtin/health"
	"relaybot/internal/plugin/builtin/keyword"
	"relaybot/internal/plugin/builtin/oncall"
	"relaybot/internal/plugin/builtin/system"
	"relaybot/internal/routecfg"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/task/scheduler"
	kit "relaybot/internal/transport"
	"relaybot/internal/transport/telegram"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	sched  *scheduler.Service
	coord  *dispatch.Coordinator
	ledger *authz.Ledger
	routes *routecfg.Store
	cache  *media.Cache
	engine *forward.Engine
	pm     *plugin.Manager

	updates chan kit.Update
}

type Option func(*options)

type options struct {
	adapter kit.Adapter
	plugins []plugin.Plugin
}

// WithAdapter replaces the Telegram transport.
func WithAdapter(ad kit.Adapter) Option { return func(o *options) { o.adapter = ad } }

// WithPlugins replaces the built-in plugin set. Plugins are dispatched in the
// order given.
func WithPlugins(p ...plugin.Plugin) Option { return func(o *options) { o.plugins = p } }

// DefaultPlugins is the built-in rule-set chain in dispatch order.
func DefaultPlugins() []plugin.Plugin {
	return []plugin.Plugin{
		health.New(),
		forwarder.New(),
		authorize.New(),
		oncall.New(),
		keyword.New(),
		system.New(),
	}
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	ad := o.adapter
	if ad == nil {
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, bootLog)
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	// The operator sink warns when enabled without a target, so bootstrap with
	// it off, set the target, then apply the final config.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Operator.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetOperatorTarget(operatorTarget(ad, cfg.Telegram.OperatorChat))
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")))

	cache, err := media.New(media.Config{Dir: cfg.Media.Dir, MaxBytes: cfg.Media.MaxBytes})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	fwdCfg, err := mapForwardConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine := forward.New(fwdCfg, forward.Deps{
		Sender:  ad,
		Fetcher: ad,
		Cache:   cache,
		Store:   store,
		Bus:     bus,
		Log:     log.With(logx.String("comp", "forward")),
	})

	coord := dispatch.New()
	ledger := authz.New(store, authz.WithLocation(sched.Location()))
	routes := routecfg.NewStore(cfg.Routing.Table, routecfg.WithLogger(log.With(logx.String("comp", "routecfg"))))

	pm := plugin.NewManager(log.With(logx.String("comp", "plugins")), cfgm, plugin.Deps{
		Log:           log,
		Sender:        ad,
		Resolver:      ad,
		Conversations: ad,
		Self:          ad.Self(),
		Coordinator:   coord,
		Ledger:        ledger,
		Routes:        routes,
		Engine:        engine,
		Scheduler:     sched,
		Cache:         cache,
		Store:         store,
		Bus:           bus,
	})
	handlerTimeout, err := config.ParseDurationOrDefault("dispatch.handler_timeout", cfg.Dispatch.HandlerTimeout, defaultHandlerTimeout)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pm.SetHandlerTimeout(handlerTimeout)

	plugins := o.plugins
	if plugins == nil {
		plugins = DefaultPlugins()
	}
	pm.Register(plugins...)

	queue := cfg.Dispatch.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		sched:   sched,
		coord:   coord,
		ledger:  ledger,
		routes:  routes,
		cache:   cache,
		engine:  engine,
		pm:      pm,
		updates: make(chan kit.Update, queue),
	}, nil
}

func (a *App) Plugins() *plugin.Manager           { return a.pm }
func (a *App) Ledger() *authz.Ledger              { return a.ledger }
func (a *App) Engine() *forward.Engine            { return a.engine }
func (a *App) Coordinator() *dispatch.Coordinator { return a.coord }
func (a *App) Scheduler() *scheduler.Service      { return a.sched }
func (a *App) Bus() eventbus.Bus                  { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) validate(ctx context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := a.pm.ValidateConfig(ctx, cfg); err != nil {
		return err
	}
	if spec := strings.TrimSpace(cfg.Dispatch.ResetEvery); spec != "" {
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			return fmt.Errorf("dispatch.reset_every: %w", err)
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.applyMaintenance(cfg); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled; pending routes expire only when touched")
	}

	if err := a.pm.StartAll(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("plugins.dispatch", func(c context.Context) error {
		return a.pm.Run(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.reload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	self := a.adapter.Self()
	a.log.Info("app started", logx.String("self", self.Label()), logx.Any("handlers", a.coord.Handlers()))
	return nil
}

func (a *App) reload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, pluginChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
		if len(pluginChanged) > 0 {
			a.log.Debug("plugin config changes detected", logx.Any("plugins", pluginChanged))
		}
	} else {
		a.log.Debug("config reload received, but no effective changes detected")
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	// target first so Apply() does not warn when the operator sink is enabled
	a.logs.SetOperatorTarget(operatorTarget(a.adapter, newCfg.Telegram.OperatorChat))
	a.logs.Apply(mapLogConfig(newCfg))

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if err := a.applyMaintenance(newCfg); err != nil {
		a.log.Warn("maintenance jobs not updated", logx.Err(err))
	}
	if oldCfg.Scheduler.Enabled && !newCfg.Scheduler.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	} else if !oldCfg.Scheduler.Enabled && newCfg.Scheduler.Enabled {
		a.log.Info("scheduler enabled via config")
		_ = a.sched.Start(ctx)
	}

	if fc, err := mapForwardConfig(newCfg); err != nil {
		a.log.Warn("invalid forward config; keeping previous", logx.Err(err))
	} else {
		a.engine.SetPace(fc.Pace)
	}
	if d, err := config.ParseDurationOrDefault("dispatch.handler_timeout", newCfg.Dispatch.HandlerTimeout, defaultHandlerTimeout); err == nil {
		a.pm.SetHandlerTimeout(d)
	}

	a.pm.OnConfigUpdate(ctx, newCfg)

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason plugin.StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a late finish is logged as a leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Plugins first: they schedule jobs and send through the adapter.
	step("plugins", 4*time.Second, func(c context.Context) error { a.pm.StopAll(c, reason); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, dispatcher, ...)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.Uint64("events_dropped", eventbus.Dropped(a.bus)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
