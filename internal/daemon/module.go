package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/relay/internal/api"
	"github.com/matheus3301/relay/internal/auth"
	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/config"
	"github.com/matheus3301/relay/internal/dispatch"
	"github.com/matheus3301/relay/internal/httpapi"
	"github.com/matheus3301/relay/internal/lock"
	"github.com/matheus3301/relay/internal/logging"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/relay"
	"github.com/matheus3301/relay/internal/session"
	"github.com/matheus3301/relay/internal/store"
	"github.com/matheus3301/relay/internal/telegram"
	"github.com/matheus3301/relay/internal/transport"
	"github.com/matheus3301/relay/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved instance configuration passed to the fx module.
type Params struct {
	Instance   string
	ConfigPath string // empty = ~/.relay/config.toml
	EnvPath    string // empty = ~/.relay/.env
	SocketPath string // optional override for testing; empty = use default
}

// Transports bundles the active chat transport with the optional
// capabilities it exposes. Unsupported capabilities are nil.
type Transports struct {
	Transport transport.Transport
	Link      transport.Link
	Pairer    transport.Pairer
	Webhook   httpapi.Webhook
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRegistry,
			provideDispatcher,
			provideTransports,
			provideEngine,
			provideIssuer,
			provideHTTP,
			provideControl,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path, envPath := p.ConfigPath, p.EnvPath
	if path == "" {
		path = session.ConfigPath()
	}
	if envPath == "" {
		envPath = session.EnvPath()
	}
	cfg, err := config.Resolve(path, envPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Instance), p.Instance)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Instance); err != nil {
		return nil, err
	}
	logger.Info("acquiring instance lock", zap.String("instance", p.Instance))
	l, err := lock.Acquire(session.LockPath(p.Instance))
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Instance)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("from", result.Previous), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRegistry() *registry.Registry {
	return registry.New()
}

func provideDispatcher(reg *registry.Registry, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(reg, logger)
}

func provideTransports(p Params, cfg *config.Config, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) (*Transports, error) {
	timeout := cfg.Transport.Timeout.Duration
	switch cfg.Transport.Name {
	case config.TransportTelegram:
		c := telegram.NewClient(telegram.Config{
			Token:         cfg.Telegram.Token,
			APIBase:       cfg.Telegram.APIBase,
			StagingChatID: cfg.Telegram.StagingChatID,
		}, b, logger)
		return &Transports{Transport: transport.WithTimeout(c, timeout), Webhook: c}, nil
	case config.TransportWhatsApp:
		a, err := wa.NewAdapter(context.Background(), session.SessionDBPath(p.Instance), b, logger)
		if err != nil {
			return nil, err
		}
		return &Transports{Transport: transport.WithTimeout(a, timeout), Link: a, Pairer: a}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Name)
	}
}

func provideEngine(db *store.DB, d *dispatch.Dispatcher, tp *Transports, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *relay.Engine {
	return relay.NewEngine(db, d, tp.Transport, b, cfg.Operator.Name, logger)
}

func provideIssuer(cfg *config.Config) *auth.Issuer {
	return auth.NewIssuer(cfg.Operator.Password, cfg.Operator.TokenSecret, cfg.Operator.TokenLifetime.Duration)
}

func provideHTTP(cfg *config.Config, engine *relay.Engine, reg *registry.Registry, issuer *auth.Issuer, tp *Transports, logger *zap.Logger) (*httpapi.Server, error) {
	return httpapi.New(httpapi.Deps{
		Addr:          cfg.HTTP.Addr,
		Console:       engine,
		Registry:      reg,
		Issuer:        issuer,
		Media:         tp.Transport,
		Webhook:       tp.Webhook,
		WebhookSecret: cfg.HTTP.WebhookSecret,
		Operator:      cfg.Operator.Name,
		CacheEntries:  cfg.Media.CacheEntries,
		MaxUpload:     cfg.Media.MaxUploadBytes,
		Logger:        logger,
	})
}

func provideControl(p Params, engine *relay.Engine, db *store.DB, reg *registry.Registry, b *bus.Bus, tp *Transports, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		Instance:  p.Instance,
		Transport: tp.Transport.Name(),
		Engine:    engine,
		Counter:   db,
		Registry:  reg,
		Bus:       b,
		Link:      tp.Link,
		Pairer:    tp.Pairer,
		Logger:    logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, web *httpapi.Server, lk *lock.Lock, db *store.DB, tp *Transports, engine *relay.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Subscribe before the transport connects so no inbound event is missed.
			engine.Start(context.Background())

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if err := web.Start(); err != nil {
				return err
			}

			if tp.Link != nil {
				go func() {
					if err := tp.Link.Connect(context.Background()); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := web.Stop(ctx); err != nil {
				logger.Warn("error stopping HTTP server", zap.Error(err))
			}
			if tp.Link != nil {
				tp.Link.Disconnect()
			}
			engine.Stop()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
