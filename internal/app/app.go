package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"podcastd/internal/config"
	"podcastd/internal/podcast"
	"podcastd/internal/runtime/scope"
	"podcastd/internal/runtime/supervisor"
	"podcastd/internal/schedule"
	"podcastd/internal/store"
	"podcastd/internal/watch"
	"podcastd/internal/worker"
	"podcastd/pkg/logx"
)

// Job families. Each owns one Worker and one Change Watcher.
const (
	DownloaderWorker = "downloader"
	PodcastWorker    = "podcasts"
)

type family struct {
	worker  *worker.Worker
	watcher *watch.Watcher
}

type App struct {
	opts Options
	cfgm *config.ConfigManager
	cfg  *config.Config

	log   logx.Logger
	logs  *logx.Service
	store store.Store
	svc   *podcast.Service
	proc  podcast.Processor

	tick time.Duration
	tz   schedule.Timezone

	root     *scope.Scope
	sup      *supervisor.Supervisor
	families []family

	startOnce sync.Once
	stopOnce  sync.Once
}

// New loads configuration, starts logging and opens the entity store. Nothing
// is scheduled until Start.
func New(ctx context.Context, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	if opts.EnvLookuper != nil {
		cfgm.SetEnvLookuper(opts.EnvLookuper)
	}
	if opts.Ephemeral {
		// The storage section is ignored, so it must not block startup or reloads.
		cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
			return config.ValidateWithoutStorage(c)
		})
	}
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	tick, tz, err := cfg.Scheduler.Resolve()
	if err != nil {
		return nil, err
	}

	logs, log := newLogging(cfg, opts.Logger)
	cfgm.SetLogger(log)

	st, err := openStore(ctx, cfg, opts.Ephemeral, log.With(logx.String("comp", "store")))
	if err != nil {
		if logs != nil {
			_ = logs.Close()
		}
		return nil, err
	}

	proc := opts.Processor
	if proc == nil {
		proc = podcast.LogProcessor{Log: log.With(logx.String("comp", "processor"))}
	}

	return &App{
		opts:  opts,
		cfgm:  cfgm,
		cfg:   cfg,
		log:   log.With(logx.String("comp", "app")),
		logs:  logs,
		store: st,
		svc:   podcast.NewService(st, proc, log),
		proc:  proc,
		tick:  tick,
		tz:    tz,
	}, nil
}

func (a *App) Config() *config.Config      { return a.cfg }
func (a *App) Store() store.Store          { return a.store }
func (a *App) Service() *podcast.Service   { return a.svc }
func (a *App) Logger() logx.Logger         { return a.log }
func (a *App) Timezone() schedule.Timezone { return a.tz }

// Workers returns the job-family Workers, downloader first. Empty before Start.
func (a *App) Workers() []*worker.Worker {
	out := make([]*worker.Worker, 0, len(a.families))
	for _, f := range a.families {
		out = append(out, f.worker)
	}
	return out
}

// Done is closed once the App is stopping: Stop was called or a supervised
// goroutine (a Change Watcher, the config watch) failed.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first error a supervised goroutine failed with.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start creates the root scope, subscribes a Change Watcher per job family and
// builds every Worker once. A failed initial build is returned; the caller is
// expected to Stop the App and exit.
func (a *App) Start(ctx context.Context) error {
	err := errors.New("app already started")
	a.startOnce.Do(func() { err = a.start(ctx) })
	return err
}

func (a *App) start(ctx context.Context) error {
	a.root = scope.NewRoot("podcastd")
	a.sup = supervisor.New(a.root,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	mk := func(name, prefix string, build worker.Builder) family {
		wl := a.log.With(logx.String("comp", "worker"), logx.String("worker", name))
		opts := []worker.Option{
			worker.WithStore(a.store),
			worker.WithLogger(wl),
			worker.WithSupervisor(a.sup),
			worker.WithCadence(a.tick),
		}
		if a.opts.Clock != nil {
			opts = append(opts, worker.WithClock(a.opts.Clock))
		}
		if a.opts.Executor != nil {
			opts = append(opts, worker.WithExecutor(a.opts.Executor))
		}
		w := worker.New(name, build, a.root, a.tz, opts...)
		wo := []watch.Option{watch.WithLogger(a.log.With(logx.String("comp", "watch"), logx.String("worker", name)))}
		if a.opts.OnRebuild != nil {
			hook := a.opts.OnRebuild
			wo = append(wo, watch.OnRebuild(func(ev store.Event, err error) { hook(name, ev, err) }))
		}
		return family{worker: w, watcher: watch.New(w, a.store, prefix, wo...)}
	}
	a.families = []family{
		mk(DownloaderWorker, podcast.ConfigKey, podcast.DownloaderBuilder(a.proc)),
		mk(PodcastWorker, podcast.Prefix, podcast.PodcastBuilder(a.proc)),
	}

	// Subscribe before the first build so no change between the read and the
	// subscription is missed.
	for _, f := range a.families {
		a.sup.Go("watch."+f.worker.Name(), f.watcher.Run)
	}
	for _, f := range a.families {
		select {
		case <-f.watcher.Ready():
		case <-ctx.Done():
			return ctx.Err()
		case <-a.root.Done():
			return errors.New("stopped during startup")
		}
	}

	for _, f := range a.families {
		if err := f.worker.ScheduleOrRebuild(ctx); err != nil {
			return fmt.Errorf("initial %s schedule: %w", f.worker.Name(), err)
		}
	}

	a.startConfigReload()

	a.log.Info("app started",
		logx.String("store", a.storeDriver()),
		logx.String("timezone", a.tz.String()),
		logx.Duration("tick", a.tick),
	)
	return nil
}

func (a *App) storeDriver() string {
	if a.opts.Ephemeral {
		return "memory"
	}
	if d := strings.TrimSpace(a.cfg.Storage.Driver); d != "" {
		return strings.ToLower(d)
	}
	return "memory"
}

// startConfigReload watches the config file and applies logging changes live.
// Storage and scheduler changes only log a restart warning.
func (a *App) startConfigReload() {
	if strings.TrimSpace(a.cfgm.Path()) == "" {
		return
	}
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reloaded (no changes)")
		return
	}
	if a.logs != nil {
		a.logs.Apply(next.Logging.Logx())
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	if restart {
		a.log.Warn("config changed; restart required for storage/scheduler changes to take effect", fields...)
		return
	}
	a.log.Info("config reloaded", fields...)
}

// Stop cancels the root scope, which stops every Worker and watcher, waits for
// supervised goroutines until ctx expires, then closes the store and logging.
// Stop is idempotent.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.root != nil {
		a.root.Cancel()
	}

	var problems []error
	if a.sup != nil {
		if err := a.sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			problems = append(problems, fmt.Errorf("supervisor: %w", err))
			if snap := a.sup.Snapshot(); snap.Active > 0 {
				a.log.Warn("goroutines still running at shutdown", logx.Int64("active", snap.Active), logx.Any("goroutines", snap.Goroutines))
			}
		}
	}
	for _, f := range a.families {
		a.log.Debug("worker stopped",
			logx.String("worker", f.worker.Name()),
			logx.Uint64("generation", f.worker.Generation()),
			logx.Uint64("rebuilds", f.watcher.Rebuilds()),
			logx.Uint64("rebuild_failures", f.watcher.Failures()),
		)
	}
	if err := a.store.Close(); err != nil {
		problems = append(problems, fmt.Errorf("store: %w", err))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(problems...)
}
