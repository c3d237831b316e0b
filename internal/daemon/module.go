// Package daemon composes the sync daemon: configuration, logging, the
// profile lock, the backend clients, the local cache and the sync engine,
// wired together with fx and torn down in reverse on shutdown.
package daemon

import (
	"context"
	"errors"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lfarias/pchat/internal/backend/rest"
	"github.com/lfarias/pchat/internal/backend/stream"
	"github.com/lfarias/pchat/internal/bus"
	"github.com/lfarias/pchat/internal/cache"
	"github.com/lfarias/pchat/internal/config"
	"github.com/lfarias/pchat/internal/lock"
	"github.com/lfarias/pchat/internal/logging"
	"github.com/lfarias/pchat/internal/session"
	"github.com/lfarias/pchat/internal/status"
	intsync "github.com/lfarias/pchat/internal/sync"
)

// Params holds the resolved profile and configuration passed to the fx module.
type Params struct {
	Profile string
	Config  *config.Config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideRESTClient,
			provideRealtime,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CacheDBPath(p.Profile)
	db, err := cache.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("cache migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("cache migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRESTClient(p Params) (*rest.Client, error) {
	be := p.Config.Backend
	if be.URL == "" || be.AnonKey == "" {
		return nil, errors.New("backend.url and backend.anon_key must be set in config.toml")
	}
	return rest.New(be.URL, be.AnonKey, rest.WithBucket(be.Bucket)), nil
}

func provideRealtime(p Params, logger *zap.Logger) *stream.Client {
	return stream.NewClient(p.Config.Backend.URL, p.Config.Backend.AnonKey, logger)
}

func provideEngine(p Params, client *rest.Client, rt *stream.Client, db *cache.DB, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(client, rt, client, db, b, machine, logger, intsync.Options{
		PollInterval:      p.Config.Sync.PollInterval.Std(),
		PollBatchSize:     p.Config.Sync.PollBatchSize,
		WatchdogTimeout:   p.Config.Sync.WatchdogTimeout.Std(),
		MembershipRefresh: p.Config.Sync.MembershipRefresh.Std(),
		PresenceInterval:  p.Config.Sync.PresenceInterval.Std(),
	})
}

func registerLifecycle(lc fx.Lifecycle, p Params, lk *lock.Lock, client *rest.Client, engine *intsync.Engine, db *cache.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			sess, err := client.RestoreSession(session.SessionFilePath(p.Profile))
			if err != nil {
				if os.IsNotExist(err) {
					logger.Info("no saved session, sign-in required")
					return nil
				}
				logger.Warn("could not restore session", zap.Error(err))
				return nil
			}
			logger.Info("session restored", zap.String("user_id", sess.User.ID))

			// The snapshot load can take a while on a large account; do not
			// hold up the rest of startup for it.
			go func() {
				if err := engine.Start(context.Background(), sess.User); err != nil {
					logger.Error("sync engine start failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
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
