package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"carecue/internal/api"
	"carecue/internal/config"
	"carecue/internal/engine"
	"carecue/internal/eventbus"
	"carecue/internal/notify"
	"carecue/internal/runtime/supervisor"
	"carecue/internal/storage"
	logx "carecue/pkg/logx"
)

type App struct {
	cfgPath string
	version string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	api    *api.Server

	http    *http.Server
	httpCfg httpSettings
	sd      config.SystemdConfig
}

func NewApp(cfgPath, version string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
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
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{
		cfgPath: cfgPath,
		version: version,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sd:      cfg.Systemd,
	}
	if err := a.build(cfg); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build wires gateways, engine and the HTTP API on top of an opened store.
func (a *App) build(cfg *config.Config) error {
	pcfg, err := mapPushConfig(cfg)
	if err != nil {
		return err
	}
	var push notify.PushGateway
	if p, err := notify.NewPush(pcfg, a.log.With(logx.String("comp", "push"))); err == nil {
		push = p
		a.log.Info("push channel enabled", logx.String("provider", providerName(pcfg.Provider, "telegram")))
	} else if !errors.Is(err, notify.ErrDisabled) {
		return fmt.Errorf("push: %w", err)
	}

	ecfg, err := mapEmailConfig(cfg)
	if err != nil {
		return err
	}
	var email notify.EmailGateway
	if e, err := notify.NewEmail(ecfg, a.log.With(logx.String("comp", "email"))); err == nil {
		email = e
		a.log.Info("email channel enabled", logx.String("provider", providerName(ecfg.Provider, "smtp")))
	} else if !errors.Is(err, notify.ErrDisabled) {
		return fmt.Errorf("email: %w", err)
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, engine.Deps{
		Store: a.store,
		Push:  push,
		Email: email,
		Bus:   a.bus,
		Log:   a.log.With(logx.String("comp", "engine")),
	})

	a.httpCfg, err = mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.api = api.New(api.Deps{
		Engine:  a.engine,
		Store:   a.store,
		Log:     a.log.With(logx.String("comp", "http")),
		Version: a.version,
	})
	return nil
}

func providerName(p, def string) string {
	if s := strings.ToLower(strings.TrimSpace(p)); s != "" {
		return s
	}
	return def
}

func (a *App) Engine() *engine.Service { return a.engine }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Logger() logx.Logger { return a.log }

// Handler exposes the HTTP API regardless of whether the listener is enabled.
func (a *App) Handler() http.Handler { return a.api }

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

// validateReload is the transactional reload hook: a config that fails here
// is never committed or published.
func validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPushConfig(cfg); err != nil {
		return err
	}
	ecfg, err := mapEmailConfig(cfg)
	if err != nil {
		return err
	}
	if err := notify.ValidateTemplates(ecfg.Templates); err != nil {
		return fmt.Errorf("email.templates: %w", err)
	}
	_, err = mapHTTPConfig(cfg)
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateReload)

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("audit", func(c context.Context) error {
		defer unsub()
		auditLoop(c, events, a.store, a.log.With(logx.String("comp", "audit")))
		return nil
	})

	a.engine.Start(a.sup.Context())

	if a.httpCfg.Enabled {
		if err := a.startHTTP(); err != nil {
			return err
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if a.sd.Notify {
		sdNotify(a.log, daemon.SdNotifyReady)
	}
	if a.sd.Watchdog {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return watchdog(c, a.log)
		})
	}

	a.log.Info("app started",
		logx.Bool("engine", a.engine.Enabled()),
		logx.Bool("http", a.httpCfg.Enabled),
		logx.String("version", a.version),
	)
	return nil
}

func (a *App) startHTTP() error {
	ln, err := net.Listen("tcp", a.httpCfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", a.httpCfg.Addr, err)
	}
	a.http = &http.Server{
		Handler:           a.api,
		ReadTimeout:       a.httpCfg.ReadTimeout,
		ReadHeaderTimeout: a.httpCfg.ReadTimeout,
		WriteTimeout:      a.httpCfg.WriteTimeout,
	}
	srv := a.http
	a.sup.Go("http.serve", func(c context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	a.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// reloadLoop applies committed configs: logging and engine cadence live,
// everything else after a restart.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
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
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Debug("config change summary", fields...)
			} else {
				a.log.Debug("config reload received, but no effective changes detected")
			}
			lastApplied = newCfg

			for _, s := range sections {
				switch s {
				case "storage", "push", "email", "http", "systemd":
					a.log.Warn(s + " config changed; restart required for changes to take effect")
				}
			}

			a.logs.Apply(mapLogConfig(newCfg))

			engCfg, err := mapEngineConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
			} else {
				prev := a.engine.Enabled()
				a.engine.Apply(engCfg)
				if prev && !engCfg.Enabled {
					a.log.Info("engine disabled via config")
				} else if !prev && engCfg.Enabled {
					a.log.Info("engine enabled via config")
				}
			}

			if len(sections) > 0 {
				a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

// RunOnce runs one evaluation, dispatch and sweep pass without starting the
// tick loops, then persists the events it produced.
func (a *App) RunOnce(ctx context.Context) engine.Report {
	events, unsub := a.bus.Subscribe(4096)
	defer unsub()
	rep := a.engine.RunOnce(ctx)
	drainAudit(context.WithoutCancel(ctx), events, a.store, a.log.With(logx.String("comp", "audit")))
	if d := a.bus.Dropped(); d > 0 {
		a.log.Warn("audit events dropped", logx.Int64("dropped", int64(d)))
	}
	return rep
}

// Close releases the store and log sinks of an app that was never started.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sd.Notify {
		sdNotify(a.log, daemon.SdNotifyStopping)
	}

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

	// HTTP first so no request races the engine or store shutdown.
	step("http", a.httpCfg.ShutdownTimeout, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Shutdown(c)
	})
	step("engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })

	// Cancel the remaining loops (config watch/reload, audit, watchdog) and wait for them.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
