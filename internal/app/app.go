// Package app assembles the delivery subsystem: storage, preference
// registry, rules engine, pattern aggregator, digest generator, channel
// adapters, the dispatch pipeline, the websocket hub, the HTTP surface,
// and the maintenance cron jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"beacon/internal/channel"
	"beacon/internal/channel/email"
	"beacon/internal/channel/telegram"
	"beacon/internal/config"
	"beacon/internal/digest"
	"beacon/internal/dispatch"
	"beacon/internal/eventbus"
	"beacon/internal/httpapi"
	"beacon/internal/model"
	"beacon/internal/observability/pprof"
	"beacon/internal/pattern"
	"beacon/internal/prefs"
	"beacon/internal/push"
	"beacon/internal/rules"
	"beacon/internal/runtime/supervisor"
	"beacon/internal/source"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    *storage.Store
	prefs    *prefs.Registry
	rules    *rules.Engine
	patterns *pattern.Service
	digests  *digest.Generator
	sources  *source.Manager

	hub  *push.Hub
	disp *dispatch.Service

	api     *httpapi.Server
	httpSrv *http.Server

	maint *maintenance
	prof  *pprof.Service

	sup *supervisor.Supervisor
}

// NewApp builds the whole component graph from the config file. Source
// connectors are injected by the binary so deployments can pick which
// external origins they speak to.
func NewApp(cfgPath string, connectors ...source.Connector) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
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
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	reg := prefs.NewRegistry(store, log.With(logx.String("comp", "prefs")))
	eng := rules.NewEngine(store, log.With(logx.String("comp", "rules")))
	pat := pattern.NewService(store, log.With(logx.String("comp", "pattern")))
	gen := digest.NewGenerator(store, log.With(logx.String("comp", "digest")))

	pushCfg, err := mapPushConfig(cfg)
	if err != nil {
		return nil, err
	}
	hub := push.NewHub(pushCfg, log.With(logx.String("comp", "push")))

	adapters, err := buildAdapters(cfg, log)
	if err != nil {
		return nil, err
	}

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, store, reg, eng, hub, adapters, bus,
		log.With(logx.String("comp", "dispatch")))

	sources := source.NewManager(store, disp, log.With(logx.String("comp", "sources")), connectors...)

	api := httpapi.NewServer(httpapi.Config{Addr: cfg.API.Addr}, httpapi.Deps{
		Store:      store,
		Dispatcher: disp,
		Prefs:      reg,
		Rules:      eng,
		Patterns:   pat,
		Digests:    gen,
		Sources:    sources,
		Hub:        hub,
		Auth:       httpapi.StaticTokens(cfg.API.Tokens),
	}, log.With(logx.String("comp", "httpapi")))

	maint, err := newMaintenance(cfg.Maintenance, store, pat, log.With(logx.String("comp", "maintenance")))
	if err != nil {
		return nil, err
	}

	prof := pprof.New(pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
		Token:   cfg.Pprof.Token,
	}, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		prefs:    reg,
		rules:    eng,
		patterns: pat,
		digests:  gen,
		sources:  sources,
		hub:      hub,
		disp:     disp,
		api:      api,
		maint:    maint,
		prof:     prof,
	}, nil
}

func buildAdapters(cfg *config.Config, log logx.Logger) ([]channel.Adapter, error) {
	var out []channel.Adapter

	if ec := cfg.Email; ec != nil {
		recipients := ec.Recipients
		ad, err := email.New(email.Config{
			Host:     ec.Host,
			Port:     ec.Port,
			Username: ec.Username,
			Password: ec.Password,
			From:     ec.From,
		}, func(_ context.Context, userID string) (string, error) {
			return recipients[userID], nil
		}, log.With(logx.String("comp", "email")))
		if err != nil {
			return nil, fmt.Errorf("email adapter: %w", err)
		}
		out = append(out, ad)
	}

	if tc := cfg.Telegram; tc != nil {
		chats := tc.ChatIDs
		ad, err := telegram.New(telegram.Config{Token: tc.Token},
			func(_ context.Context, userID string) (int64, error) {
				return chats[userID], nil
			}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram adapter: %w", err)
		}
		out = append(out, ad)
	}

	return out, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
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
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("config.reload", a.reloadLoop)

	a.sup.Go("push.hub", func(c context.Context) error {
		return a.hub.Run(c)
	})

	a.disp.Start(runCtx)
	a.sup.Go("pattern.observe", a.observeLoop)

	if a.maint != nil {
		a.maint.start(runCtx)
	}
	if a.prof != nil && a.prof.Enabled() {
		a.prof.Start(runCtx)
	}

	cfg := a.cfgm.Get()
	srv, err := buildHTTPServer(cfg.API, a.api)
	if err != nil {
		return err
	}
	a.httpSrv = srv
	a.sup.Go("httpapi.serve", func(c context.Context) error {
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		select {
		case <-c.Done():
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shCtx)
			<-errc
			return nil
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})

	a.log.Info("beacon started", logx.String("addr", srv.Addr))
	return nil
}

func buildHTTPServer(api config.APIConfig, handler http.Handler) (*http.Server, error) {
	addr := strings.TrimSpace(api.Addr)
	if addr == "" {
		addr = "127.0.0.1:8480"
	}
	readT, err := config.ParseDurationOrDefault("api.read_timeout", api.ReadTimeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	// Write timeout stays off unless configured: the websocket endpoint
	// holds its connection open indefinitely.
	writeT, err := config.ParseDurationField("api.write_timeout", api.WriteTimeout)
	if err != nil {
		return nil, err
	}
	idleT, err := config.ParseDurationOrDefault("api.idle_timeout", api.IdleTimeout, time.Minute)
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readT,
		WriteTimeout:      writeT,
		IdleTimeout:       idleT,
	}, nil
}

// observeLoop feeds persisted notifications into the pattern aggregator
// off the dispatch hot path.
func (a *App) observeLoop(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type != eventbus.EventPersisted {
				continue
			}
			n, ok := e.Data.(model.Notification)
			if !ok {
				continue
			}
			_, err := a.patterns.Observe(ctx, n.UserID, pattern.Observation{
				Key:  pattern.KeyFor(n),
				Type: string(n.Type),
				At:   n.CreatedAt,
			})
			if err != nil && ctx.Err() == nil {
				a.log.Warn("pattern observation failed",
					logx.String("notification", n.ID), logx.Err(err))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.maint != nil {
		a.maint.stop()
	}
	if a.prof != nil {
		a.prof.Stop(ctx)
	}
	if a.disp != nil {
		a.disp.Stop(ctx)
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	var firstErr error
	if a.store != nil {
		firstErr = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return firstErr
}
