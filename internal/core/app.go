// Package core wires the coordinator together: config, logging, session
// registry, passcode bridge, storage, recurring tasks, periodic sweeps and
// the HTTP surface, with supervised startup and bounded shutdown.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"homerbot/internal/alert"
	"homerbot/internal/automation"
	"homerbot/internal/clock"
	"homerbot/internal/config"
	"homerbot/internal/httpapi"
	"homerbot/internal/otp"
	"homerbot/internal/runtime/supervisor"
	"homerbot/internal/schedule"
	"homerbot/internal/secrets"
	"homerbot/internal/services/ticker"
	"homerbot/internal/session"
	"homerbot/internal/storage"
	"homerbot/internal/task"
	logx "homerbot/pkg/logx"
)

// secretsKeyEnv holds the hex key used to open "enc:" values in config.
const secretsKeyEnv = "HOMERBOT_SECRETS_KEY"

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	clk clock.Clock
	rng clock.Rand

	alerts   *alert.Service
	store    storage.Store
	reg      *session.Registry
	otpStore otp.Store
	bridge   *otp.Bridge
	runner   *task.Runner
	tick     *ticker.Service
	http     *httpapi.Server
}

func NewApp(cfgPath string, factory automation.Factory) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := resolveSecrets(cfg, os.Getenv(secretsKeyEnv)); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	clk := clock.System()
	rng := clock.NewSystemRand()

	alerts, err := alert.New(alert.Config{
		Enabled:    cfg.Alerts.Enabled,
		Token:      cfg.Alerts.Token,
		ChatID:     cfg.Alerts.ChatID,
		RatePerSec: cfg.Alerts.RatePerSec,
	}, log.With(logx.String("comp", "alert")))
	if err != nil {
		return nil, fmt.Errorf("alerts: %w", err)
	}

	// Storage (optional)
	store := storage.Disabled()
	if strings.TrimSpace(cfg.Storage.Path) != "" {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
			log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		store = st
		log.Info("storage enabled", logx.String("path", cfg.Storage.Path))
	}

	sessCfg, err := mapSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := session.NewRegistry(sessCfg, clk, alerts, log.With(logx.String("comp", "session")))

	otpStore, ttl, err := buildOTPStore(cfg, clk, log)
	if err != nil {
		return nil, err
	}
	bridge := otp.NewBridge(otpStore, reg, nil, ttl, log.With(logx.String("comp", "otp")))

	runner := task.NewRunner(reg, store, clk, rng, alerts, log.With(logx.String("comp", "task")))
	runner.Apply(mapTasks(cfg.Tasks), cfg.Scheduler.Timezone)

	tick := ticker.New(ticker.Config{Timezone: cfg.Scheduler.Timezone},
		log.With(logx.String("comp", "ticker")))

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	handler := httpapi.NewHandler(reg, bridge, store, factory,
		log.With(logx.String("comp", "http")))
	srv := httpapi.NewServer(httpCfg, handler, log.With(logx.String("comp", "http")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		clk:      clk,
		rng:      rng,
		alerts:   alerts,
		store:    store,
		reg:      reg,
		otpStore: otpStore,
		bridge:   bridge,
		runner:   runner,
		tick:     tick,
		http:     srv,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.alerts.Start(a.sup.Context())

	cfg := a.cfgm.Get()
	if err := a.registerJobs(cfg); err != nil {
		return err
	}
	a.tick.Start(a.sup.Context())

	if err := a.http.Start(a.sup.Context()); err != nil {
		return err
	}

	// hot reload fan-out
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
				// Coalesce bursts: keep only the latest config.
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
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// registerJobs installs the periodic work: idle-session sweep, OTP expiry
// sweep, and (when the scheduler is enabled) the recurring-task tick.
func (a *App) registerJobs(cfg *config.Config) error {
	sweepSpec := strings.TrimSpace(cfg.Sessions.SweepSpec)
	if sweepSpec == "" {
		sweepSpec = "@every 1h"
	}
	if err := a.tick.Add("sessions.sweep", sweepSpec, a.reg.SweepIdle); err != nil {
		return err
	}

	otpSpec := strings.TrimSpace(cfg.OTP.SweepSpec)
	if otpSpec == "" {
		otpSpec = "@every 5m"
	}
	if err := a.tick.Add("otp.sweep", otpSpec, a.bridge.SweepExpired); err != nil {
		return err
	}

	if cfg.Scheduler.Enabled {
		tickSpec := strings.TrimSpace(cfg.Scheduler.TickSpec)
		if tickSpec == "" {
			tickSpec = "@every 1m"
		}
		if err := a.tick.Add("tasks.evaluate", tickSpec, a.runner.EvaluateAll); err != nil {
			return err
		}
	}
	return nil
}

// applyReload applies what can change live (logging, task list); anything
// structural gets a restart-required warning instead of a partial apply.
func (a *App) applyReload(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Debug("config change summary",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
		case "scheduler":
			a.runner.Apply(mapTasks(newCfg.Tasks), newCfg.Scheduler.Timezone)
		case "http", "storage", "otp", "sessions", "alerts":
			a.log.Warn("config section changed; restart required to take effect",
				logx.String("section", s))
		}
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bounded shutdown steps so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Order: stop intake and timers first, then drain sessions, then close
	// the stores everything above writes to.
	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("ticker", 2*time.Second, func(c context.Context) error { a.tick.Stop(c); return nil })
	step("sessions", 15*time.Second, func(c context.Context) error { return a.reg.CloseAll(c) })
	step("alerts", 1*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("otp", 1*time.Second, func(c context.Context) error { return a.otpStore.Close() })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// ---- config mapping ----

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	idle, err := config.ParseDurationField("sessions.idle_timeout", cfg.Sessions.IdleTimeout)
	if err != nil {
		return session.Config{}, err
	}
	shut, err := config.ParseDurationField("sessions.shutdown_timeout", cfg.Sessions.ShutdownTimeout)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{IdleTimeout: idle, ShutdownTimeout: shut}, nil
}

func buildOTPStore(cfg *config.Config, clk clock.Clock, log logx.Logger) (otp.Store, time.Duration, error) {
	ttl, err := config.ParseDurationField("otp.ttl", cfg.OTP.TTL)
	if err != nil {
		return nil, 0, err
	}

	switch strings.TrimSpace(strings.ToLower(cfg.OTP.Store)) {
	case "", "memory":
		return otp.NewMemoryStore(clk), ttl, nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := otp.NewRedisStore(ctx, otp.RedisConfig{
			Addr:     cfg.OTP.Redis.Addr,
			Username: cfg.OTP.Redis.Username,
			Password: cfg.OTP.Redis.Password,
			DB:       cfg.OTP.Redis.DB,
		}, log.With(logx.String("comp", "otp")))
		if err != nil {
			return nil, 0, fmt.Errorf("otp redis: %w", err)
		}
		return st, ttl, nil
	default:
		return nil, 0, fmt.Errorf("otp.store: unknown store %q", cfg.OTP.Store)
	}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	rt, err := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:             cfg.HTTP.Addr,
		ReadTimeout:      rt,
		WriteTimeout:     wt,
		NotifyRatePerSec: cfg.HTTP.NotifyRatePerSec,
	}, nil
}

func mapTasks(in []config.TaskConfig) []task.Task {
	out := make([]task.Task, 0, len(in))
	for _, t := range in {
		out = append(out, task.Task{
			Username:  t.Username,
			At:        t.At,
			Timezone:  t.Timezone,
			JitterMin: t.JitterMin,
			JitterMax: t.JitterMax,
		})
	}
	return out
}

// resolveSecrets opens sealed ("enc:") config values in place so the rest
// of the app only ever sees plaintext. Plain values pass through, sealed
// values without a key are a hard startup error.
func resolveSecrets(cfg *config.Config, hexKey string) error {
	fields := []*string{&cfg.OTP.Redis.Password, &cfg.Alerts.Token}

	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		for _, f := range fields {
			if secrets.IsSealed(*f) {
				return errors.New("config contains sealed values but " + secretsKeyEnv + " is not set")
			}
		}
		return nil
	}

	box, err := secrets.New(hexKey)
	if err != nil {
		return fmt.Errorf("%s: %w", secretsKeyEnv, err)
	}
	for _, f := range fields {
		plain, err := box.OpenString(*f)
		if err != nil {
			return fmt.Errorf("open sealed config value: %w", err)
		}
		*f = plain
	}
	return nil
}

// validateConfig rejects a bad hot-reload before it is committed.
func validateConfig(cfg *config.Config) error {
	for _, key := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"sessions.idle_timeout", cfg.Sessions.IdleTimeout},
		{"sessions.shutdown_timeout", cfg.Sessions.ShutdownTimeout},
		{"otp.ttl", cfg.OTP.TTL},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	} {
		if _, err := config.ParseDurationField(key.path, key.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	for i, t := range cfg.Tasks {
		if strings.TrimSpace(t.Username) == "" {
			return fmt.Errorf("tasks[%d]: username is required", i)
		}
		if _, _, err := schedule.ParseHHMM(t.At); err != nil {
			return fmt.Errorf("tasks[%d].at: %w", i, err)
		}
		if t.JitterMin < 0 || t.JitterMax < t.JitterMin {
			return fmt.Errorf("tasks[%d]: jitter range [%d,%d] is invalid", i, t.JitterMin, t.JitterMax)
		}
		if tz := strings.TrimSpace(t.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("tasks[%d].timezone: invalid %q: %w", i, tz, err)
			}
		}
	}

	switch strings.TrimSpace(strings.ToLower(cfg.OTP.Store)) {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("otp.store: unknown store %q", cfg.OTP.Store)
	}
	return nil
}
