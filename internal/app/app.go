package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"giftwatch/internal/api"
	"giftwatch/internal/auth"
	"giftwatch/internal/config"
	"giftwatch/internal/dedup"
	"giftwatch/internal/eventbus"
	"giftwatch/internal/monitor"
	"giftwatch/internal/notify"
	"giftwatch/internal/poller"
	"giftwatch/internal/remoteconfig"
	"giftwatch/internal/secret"
	"giftwatch/internal/storage"
	"giftwatch/internal/vault"
	logx "giftwatch/pkg/logx"
)

// Options carry everything the app cannot read from its config file:
// the build identity and secrets from the environment, plus the platform
// notification sink.
type Options struct {
	ConfigPath   string
	AppVersion   string
	SharedSecret string
	UserID       string

	// Sink receives rendered notifications; nil falls back to the log sink.
	Sink notify.Sink
}

// App owns construction order and lifetime of every component.
type App struct {
	opts Options

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	store      storage.Store
	vault      *vault.Vault
	client     *api.Client
	tokens     *auth.Authority
	rc         *remoteconfig.Synchronizer
	broker     *secret.Broker
	engine     *dedup.Engine
	dispatcher *notify.Dispatcher
	mon        *monitor.Monitor
	poll       *poller.Scheduler
	bus        eventbus.Bus
}

func New(opts Options) (*App, error) {
	if strings.TrimSpace(opts.AppVersion) == "" {
		return nil, fmt.Errorf("app version is required")
	}
	if strings.TrimSpace(opts.SharedSecret) == "" {
		return nil, fmt.Errorf("shared secret is required")
	}

	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.LoadOrDefault()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// Storage mapping: default to the file backend so a bare config still
	// persists the seen-set and credentials.
	scfg := storage.Config{Driver: "file", Path: "./giftwatch_store"}
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		scfg = storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: busy}
	}
	store, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	if store == nil {
		_ = logs.Close()
		return nil, fmt.Errorf("storage.driver: %q disables persistence, which the sync core requires", scfg.Driver)
	}

	timeout, err := config.ParseDurationOrDefault("server.timeout", cfg.Server.Timeout, 10*time.Second)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	client := api.New(cfg.Server.BaseURL,
		log.With(logx.String("comp", "api")),
		api.WithHTTPClient(&http.Client{Timeout: timeout}))

	v := vault.New(store, log.With(logx.String("comp", "vault")))
	tokens := auth.New(auth.Config{
		AppVersion:   opts.AppVersion,
		SharedSecret: opts.SharedSecret,
		UserID:       opts.UserID,
	}, client, v, log.With(logx.String("comp", "auth")))

	rc := remoteconfig.New(client, tokens, store, opts.SharedSecret, opts.AppVersion,
		log.With(logx.String("comp", "remoteconfig")))
	broker := secret.New(client, tokens, log.With(logx.String("comp", "secret")))
	engine := dedup.New(store, log.With(logx.String("comp", "dedup")))

	bus := eventbus.New()
	sink := opts.Sink
	if sink == nil {
		sink = notify.LogSink{Log: log.With(logx.String("comp", "notify"))}
	}
	dispatcher := notify.New(sink, bus, log.With(logx.String("comp", "notify")))

	a := &App{
		opts:       opts,
		cfgm:       cfgm,
		log:        log.With(logx.String("comp", "app")),
		logs:       logs,
		store:      store,
		vault:      v,
		client:     client,
		tokens:     tokens,
		rc:         rc,
		broker:     broker,
		engine:     engine,
		dispatcher: dispatcher,
		bus:        bus,
	}

	a.mon = monitor.New(client, tokens, rc, engine, dispatcher, a.prefs, bus,
		log.With(logx.String("comp", "monitor")))
	a.poll = poller.New(a.mon.Cycle, bus, a.backgroundAllowed,
		log.With(logx.String("comp", "poller")))

	return a, nil
}

// prefs snapshots the current user preferences for a cycle.
func (a *App) prefs() monitor.Prefs {
	cfg := a.cfgm.Get()
	if cfg == nil {
		cfg = config.Default()
	}
	n := cfg.Notifications
	return monitor.Prefs{
		Sound:            n.Sound,
		SoundType:        n.SoundType,
		Vibration:        n.Vibration,
		MinPrice:         n.MinPrice,
		SelectedChannels: append([]string(nil), n.SelectedChannels...),
	}
}

// backgroundAllowed gates background polling on both the user setting and
// the backend feature flag.
func (a *App) backgroundAllowed() bool {
	cfg := a.cfgm.Get()
	if cfg == nil || !cfg.Monitor.Background {
		return false
	}
	return a.rc.IsBackgroundMonitoringEnabled()
}

// pollInterval is the user preference clamped to the backend minimum.
func (a *App) pollInterval() time.Duration {
	min := a.rc.PollInterval()
	local := min
	if cfg := a.cfgm.Get(); cfg != nil {
		if d, err := config.ParseDurationField("monitor.poll_interval", cfg.Monitor.PollInterval); err == nil && d > 0 {
			local = d
		}
	}
	if local < min {
		local = min
	}
	return local
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(false))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if err := a.mon.Bootstrap(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	if err := a.poll.Start(a.pollInterval()); err != nil {
		a.sup.Cancel()
		return err
	}
	// First cycle right away; the cron entry fires only after one period.
	a.poll.RunNow()

	a.sup.Go("config.watch", a.cfgm.Watch)

	// Hot reload fan-out: logging, notification prefs and poll interval
	// apply without restart.
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

				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				if err := a.poll.SetInterval(a.pollInterval()); err != nil {
					a.log.Warn("applying poll interval failed", logx.Err(err))
				}
				a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied})

				if len(sections) > 0 {
					a.log.Info("config reloaded",
						append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	// The backend may change min_update_interval between cycles; track it.
	cycles, unsubCycles := a.bus.Subscribe(8)
	a.sup.Go0("interval.sync", func(c context.Context) {
		defer unsubCycles()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-cycles:
				if !ok {
					return
				}
				if ev.Type != eventbus.TypeCycleDone {
					continue
				}
				if err := a.poll.SetInterval(a.pollInterval()); err != nil {
					a.log.Warn("applying poll interval failed", logx.Err(err))
				}
			}
		}
	})

	a.log.Info("app started",
		logx.String("app_version", a.opts.AppVersion),
		logx.Duration("poll_interval", a.pollInterval()))
	return nil
}

// Foreground signals the host app entered the foreground.
func (a *App) Foreground() {
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeLifecycle, Data: eventbus.LifecycleEvent{Foreground: true}})
}

// Background signals the host app left the foreground.
func (a *App) Background() {
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeLifecycle, Data: eventbus.LifecycleEvent{Foreground: false}})
}

// RunNow triggers a manual refresh cycle.
func (a *App) RunNow() bool { return a.poll.RunNow() }

// Bus exposes the event stream (UI layers subscribe for telemetry).
func (a *App) Bus() eventbus.Bus { return a.bus }

// ChannelAccessToken returns the decrypted channel-access token for the
// configured user.
func (a *App) ChannelAccessToken(ctx context.Context) (string, error) {
	return a.broker.GetSecret(ctx, a.tokens.UserID())
}

// Logout clears the persisted credentials.
func (a *App) Logout(ctx context.Context) error {
	a.broker.Invalidate()
	return a.tokens.Logout(ctx)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	a.poll.Stop()
	a.broker.Close()
	a.sup.Cancel()

	// One component must not stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("supervisor", 2*time.Second, a.sup.Wait)
	if a.store != nil {
		step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	return a.logs.Close()
}
