package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"calnotify/internal/config"
	"calnotify/internal/eventbus"
	"calnotify/internal/notifier"
	"calnotify/internal/observability/metrics"
	"calnotify/internal/observability/ops"
	"calnotify/internal/pipeline"
	"calnotify/internal/reconcile"
	rtsup "calnotify/internal/runtime/supervisor"
	"calnotify/internal/scheduler"
	"calnotify/internal/storage"
	"calnotify/pkg/logx"
	"calnotify/pkg/systemd"
)

const (
	syncJobTimeout    = 10 * time.Minute
	drainJobTimeout   = 5 * time.Minute
	cleanupJobTimeout = 2 * time.Minute

	retrySettlePoll = 50 * time.Millisecond

	JobSync        = "pipeline.sync"
	JobPendingPoll = "notify.pending_poll"
	JobCleanup     = "storage.cleanup"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	loc   *time.Location

	retention time.Duration

	metrics  *metrics.Recorder
	disp     *notifier.Dispatcher
	resolver *reconcile.Resolver // nil when reconciliation is off
	runner   *pipeline.Runner
	sched    *scheduler.Service
	ops      *ops.Server
	review   *reviewer
	sd       systemd.Notifier

	schedEnabled bool
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	loc, err := config.Location("sources.timezone", cfg.Sources.Timezone)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	rec := metrics.New(nil)

	// Storage (optional)
	sc, retention, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	dcfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	disp := notifier.New(dcfg, log.With(logx.String("comp", "notifier")), bus, notifier.WithMetrics(rec))
	endpoints, err := buildEndpoints(ctx, cfg, log.With(logx.String("comp", "transport")), newTransport)
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	for _, ep := range endpoints {
		disp.Register(ep)
	}
	if len(endpoints) == 0 {
		log.Warn("no enabled channels; notifications will not be delivered")
	}

	if cfg.Logging.Alert.Enabled {
		logSvc.SetAlertSender(&alertSender{disp: disp, channel: cfg.Logging.Alert.Channel})
	}

	popts := []pipeline.Option{pipeline.WithStore(store), pipeline.WithBus(bus)}
	var resolver *reconcile.Resolver
	if cfg.Reconcile.Enabled {
		resolver = reconcile.New(mapResolverConfig(cfg), log.With(logx.String("comp", "reconcile")), bus, reconcile.WithObserver(rec))
		popts = append(popts, pipeline.WithResolver(resolver))
	}
	runner := pipeline.New(mapPipelineConfig(cfg, loc), disp, log.With(logx.String("comp", "pipeline")), popts...)

	schedLoc := loc
	if strings.TrimSpace(cfg.Schedule.Timezone) != "" {
		if schedLoc, err = config.Location("schedule.timezone", cfg.Schedule.Timezone); err != nil {
			return nil, closeOnErr(store, err)
		}
	}
	sched := scheduler.New(config.CronParser, schedLoc, log.With(logx.String("comp", "scheduler")))

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, closeOnErr(store, err)
	}

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		loc:       loc,
		retention: retention,
		metrics:   rec,
		disp:      disp,
		resolver:  resolver,
		runner:    runner,
		sched:     sched,
		review: &reviewer{
			disp:       disp,
			store:      store,
			log:        log.With(logx.String("comp", "review")),
			loc:        loc,
			channels:   cfg.Notify.ReviewChannels,
			maxRetries: cfg.Dispatch.Retries(),
		},
		schedEnabled: cfg.Schedule.Enabled,
	}
	a.ops = ops.New(ocfg, log.With(logx.String("comp", "ops")), rec.Gatherer(), a.stats)

	if err := a.addJobs(cfg); err != nil {
		return nil, closeOnErr(store, err)
	}
	return a, nil
}

func closeOnErr(store storage.Store, err error) error {
	if store != nil {
		_ = store.Close()
	}
	return err
}

func (a *App) addJobs(cfg *config.Config) error {
	syncSpec, pollSpec, cleanupSpec := cfg.Schedule.Specs()
	jobs := []scheduler.Job{{
		Name:    JobSync,
		Spec:    syncSpec,
		Timeout: syncJobTimeout,
		Run: func(ctx context.Context) error {
			_, err := a.runner.Run(ctx)
			return err
		},
	}}
	if a.store != nil {
		jobs = append(jobs,
			scheduler.Job{
				Name:    JobPendingPoll,
				Spec:    pollSpec,
				Timeout: drainJobTimeout,
				Run: func(ctx context.Context) error {
					_, err := a.runner.DrainPending(ctx)
					return err
				},
			},
			scheduler.Job{
				Name:    JobCleanup,
				Spec:    cleanupSpec,
				Timeout: cleanupJobTimeout,
				Run: func(ctx context.Context) error {
					return a.store.Cleanup(ctx, a.retention)
				},
			},
		)
	}
	for _, j := range jobs {
		if err := a.sched.Add(j); err != nil {
			return fmt.Errorf("schedule %s: %w", j.Name, err)
		}
	}
	return nil
}

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

// validate runs the mappings a running app depends on, so a hot reload that
// would fail them is rejected before commit.
func validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := config.Location("schedule.timezone", cfg.Schedule.Timezone); err != nil {
		return err
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	a.disp.Start(c)
	if a.schedEnabled {
		a.sched.Start(c)
	} else {
		a.log.Info("schedule disabled; sync runs only on demand")
	}
	a.ops.Start(c)

	reviews, unsubReviews := a.bus.Subscribe(64, eventbus.TypeManualReview)
	a.sup.Go0("review.alerts", func(c context.Context) {
		defer unsubReviews()
		a.review.loop(c, reviews)
	})

	dispatched, unsubDispatched := a.bus.Subscribe(64, eventbus.TypeDispatched)
	a.sup.Go0("notify.retries", func(c context.Context) {
		defer unsubDispatched()
		a.runner.TrackRetries(c, dispatched)
	})

	// Debug-level only; dispatch events are frequent.
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

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
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	if _, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	}
	_, _ = a.sd.Status(fmt.Sprintf("%d channels", len(a.disp.Channels())))
	a.log.Info("app started",
		logx.Strings("channels", a.disp.Channels()),
		logx.Bool("reconcile", a.resolver != nil),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// applyConfig applies the hot-reloadable sections. Everything else is
// logged and waits for a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	a.logs.Apply(mapLogConfig(next))
	if next.Logging.Alert.Enabled {
		a.logs.SetAlertSender(&alertSender{disp: a.disp, channel: next.Logging.Alert.Channel})
	}

	if ocfg, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, ocfg)
	}

	if pending := config.NeedsRestart(sections); len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect", logx.Strings("sections", pending))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// RunOnce performs one sync run, drains due queued notifications and waits
// for pending retries to settle or ctx to end.
func (a *App) RunOnce(ctx context.Context) (pipeline.Report, error) {
	a.disp.Start(ctx)
	// Closing a subscription lets its loop finish the buffered events and exit.
	finishReviews := a.consume(eventbus.TypeManualReview, func(events <-chan eventbus.Event) {
		a.review.loop(ctx, events)
	})
	finishRetries := a.consume(eventbus.TypeDispatched, func(events <-chan eventbus.Event) {
		a.runner.TrackRetries(ctx, events)
	})
	defer finishRetries()

	rep, err := a.runner.Run(ctx)
	finishReviews()
	if err != nil {
		return rep, err
	}
	if a.store != nil {
		if _, err := a.runner.DrainPending(ctx); err != nil && !errors.Is(err, storage.ErrDisabled) {
			a.log.Warn("drain pending failed", logx.Err(err))
		}
	}

	t := time.NewTicker(retrySettlePoll)
	defer t.Stop()
	for !a.disp.Idle() {
		select {
		case <-ctx.Done():
			a.log.Warn("retries still pending", logx.Int("pending", a.disp.PendingRetries()))
			return rep, nil
		case <-t.C:
		}
	}
	return rep, nil
}

// consume runs fn on a subscription to typ and returns a func that closes
// the subscription and waits for fn to return.
func (a *App) consume(typ string, fn func(<-chan eventbus.Event)) func() {
	events, unsub := a.bus.Subscribe(64, typ)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(events)
	}()
	return func() {
		unsub()
		<-done
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	// Cancel the run context first so background loops start unwinding.
	if a.sup != nil {
		a.sup.Cancel()
	}

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
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

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 2*time.Second, a.disp.Stop)
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stats backs the ops /stats endpoint.
func (a *App) stats(ctx context.Context) any {
	out := map[string]any{
		"dispatcher":     a.disp.Stats(),
		"pipeline":       a.runner.Stats(),
		"jobs":           a.sched.Snapshot(),
		"dropped_alerts": a.logs.DroppedAlerts(),
	}
	if a.resolver != nil {
		out["reconcile"] = a.resolver.Stats()
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	if a.store != nil {
		if st, err := a.store.Stats(ctx); err == nil {
			out["storage"] = st
		} else {
			out["storage_error"] = err.Error()
		}
	}
	return out
}
