package daemon

import (
	"context"
	"io"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatvault/internal/api"
	"github.com/matheus3301/chatvault/internal/bus"
	"github.com/matheus3301/chatvault/internal/config"
	"github.com/matheus3301/chatvault/internal/embedding"
	"github.com/matheus3301/chatvault/internal/fetch"
	"github.com/matheus3301/chatvault/internal/jobs"
	"github.com/matheus3301/chatvault/internal/lock"
	"github.com/matheus3301/chatvault/internal/logging"
	"github.com/matheus3301/chatvault/internal/metrics"
	"github.com/matheus3301/chatvault/internal/progress"
	"github.com/matheus3301/chatvault/internal/remote"
	"github.com/matheus3301/chatvault/internal/retry"
	"github.com/matheus3301/chatvault/internal/search"
	"github.com/matheus3301/chatvault/internal/session"
	"github.com/matheus3301/chatvault/internal/status"
	"github.com/matheus3301/chatvault/internal/store"
	intsync "github.com/matheus3301/chatvault/internal/sync"
	"github.com/matheus3301/chatvault/internal/takeout"
	"github.com/matheus3301/chatvault/internal/tg"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // empty = ~/.chatvault/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideMetrics,
			provideAdapter,
			provideTakeout,
			provideFetchEngine,
			provideCursors,
			provideSyncEngine,
			provideEmbedder,
			provideProcessor,
			provideRanker,
			newActivity,
			provideRunner,
			NewArchive,
			func(a *Archive) api.Backend { return a },
			provideScheduler,
			NewServer,
			provideMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	if err := config.LoadEnvFile(session.EnvPath(p.SessionName)); err != nil {
		return nil, err
	}
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.LoadWithDefaults(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewDaemonMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two
// daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.VaultDBPath(p.SessionName)
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
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	n, err := db.AbortInterruptedJobs(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if n > 0 {
		logger.Warn("marked interrupted jobs as aborted", zap.Int64("count", n))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideAdapter(p Params, cfg *config.Config, logger *zap.Logger) *tg.Adapter {
	return tg.NewAdapter(tg.Config{
		AppID:             cfg.Telegram.AppID,
		AppHash:           cfg.Telegram.AppHash,
		SessionPath:       session.TelegramSessionPath(p.SessionName),
		RequestsPerSecond: cfg.Telegram.RequestsPerSecond,
	}, logger)
}

func syncRetry(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.Sync.RetryAttempts,
		BaseDelay:   cfg.Sync.RetryBase,
		MaxDelay:    cfg.Sync.RetryMax,
		Retryable:   remote.Retryable,
	}
}

func provideTakeout(cfg *config.Config, adapter *tg.Adapter, b *bus.Bus, logger *zap.Logger) *takeout.Manager {
	return takeout.NewManager(adapter,
		takeout.WithQuota(cfg.Sync.TakeoutQuota),
		takeout.WithBus(b),
		takeout.WithLogger(logger.Named("takeout")),
		takeout.WithFinishRetry(syncRetry(cfg)),
	)
}

func provideCursors(db *store.DB, logger *zap.Logger) *intsync.CursorStore {
	return intsync.NewCursorStore(db, logger)
}

func provideFetchEngine(cfg *config.Config, adapter *tg.Adapter, tm *takeout.Manager, cursors *intsync.CursorStore, m *metrics.Metrics, logger *zap.Logger) *fetch.Engine {
	return fetch.NewEngine(adapter, tm, cursors, fetch.Config{
		PageSize: cfg.Sync.PageSize,
		Retry:    syncRetry(cfg),
		Metrics:  m,
		Logger:   logger.Named("fetch"),
	})
}

func provideSyncEngine(cfg *config.Config, db *store.DB, fe *fetch.Engine, cursors *intsync.CursorStore, adapter *tg.Adapter, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, fe, cursors, b, logger.Named("sync"),
		intsync.WithChatInfo(adapter),
		intsync.WithWriteBatch(cfg.Sync.WriteBatch),
	)
}

func provideEmbedder(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (embedding.Provider, error) {
	p, err := embedding.New(context.Background(), embedding.Config{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("embedding provider",
		zap.String("provider", p.Name()),
		zap.String("model", p.Model()),
		zap.Int("dimensions", p.Dimensions()))
	if c, ok := p.(io.Closer); ok {
		lc.Append(fx.StopHook(c.Close))
	}
	return p, nil
}

func provideProcessor(cfg *config.Config, p embedding.Provider, db *store.DB, m *metrics.Metrics, b *bus.Bus, logger *zap.Logger) *embedding.Processor {
	return embedding.NewProcessor(p, db,
		embedding.WithMetrics(m),
		embedding.WithBus(b),
		embedding.WithLogger(logger.Named("embedding")),
		embedding.WithDefaults(embedding.Options{
			BatchSize:   cfg.Embedding.BatchSize,
			Concurrency: cfg.Embedding.Concurrency,
		}),
	)
}

func provideRanker(cfg *config.Config, db *store.DB, p embedding.Provider, m *metrics.Metrics, logger *zap.Logger) *search.Ranker {
	return search.NewRanker(db, p, search.Config{
		OverFetch:     cfg.Search.OverFetch,
		FusionBonus:   cfg.Search.FusionBonus,
		MinSimilarity: cfg.Search.MinSimilarity,
	}, m, logger.Named("search"))
}

func provideRunner(db *store.DB, b *bus.Bus, m *metrics.Metrics, act *activity, logger *zap.Logger) *jobs.Runner {
	return jobs.New(db, progress.BusReporter{Bus: b},
		jobs.WithMetrics(m),
		jobs.WithLogger(logger.Named("jobs")),
		jobs.WithFinishHook(act.finished),
	)
}

func provideScheduler(cfg *config.Config, db *store.DB, archive *Archive, machine *status.Machine, logger *zap.Logger) (*Scheduler, error) {
	return NewScheduler(cfg.Sync.Schedule, db, archive, machine, logger.Named("schedule"))
}

func provideMetricsServer(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *MetricsServer {
	return NewMetricsServer(cfg.Metrics.Listen, m, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	ms *MetricsServer,
	sched *Scheduler,
	lk *lock.Lock,
	db *store.DB,
	adapter *tg.Adapter,
	runner *jobs.Runner,
	machine *status.Machine,
	logger *zap.Logger,
) {
	runCtx, cancel := context.WithCancel(context.Background())
	adapterDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			ms.Start()
			sched.Start()

			_ = machine.Transition(status.Connecting)
			go func() {
				defer close(adapterDone)
				err := adapter.Run(runCtx, func(authorized bool) {
					if authorized {
						_ = machine.Transition(status.Ready)
						return
					}
					logger.Info("no Telegram authorization found, auth required")
					_ = machine.Transition(status.AuthRequired)
				})
				if err != nil {
					logger.Error("Telegram client stopped", zap.Error(err))
					_ = machine.Transition(status.Error)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sched.Stop()
			if err := runner.Shutdown(ctx); err != nil {
				logger.Warn("jobs did not stop in time", zap.Error(err))
			}
			cancel()
			select {
			case <-adapterDone:
			case <-ctx.Done():
			}
			srv.Stop(ctx)
			ms.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
