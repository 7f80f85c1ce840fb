package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/mfelten/histd/internal/archive"
	"github.com/mfelten/histd/internal/bridge"
	"github.com/mfelten/histd/internal/config"
	"github.com/mfelten/histd/internal/dedup"
	"github.com/mfelten/histd/internal/lock"
	"github.com/mfelten/histd/internal/logging"
	"github.com/mfelten/histd/internal/mam"
	"github.com/mfelten/histd/internal/profile"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideLock,
			provideArchive,
			provideResolver,
			provideDedup,
			provideServer,
			provideController,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := profile.ConfigPath(p.ProfileName)
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := config.Save(path, config.Default()); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no config for profile %q: wrote template to %s, set the account address", p.ProfileName, path)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Account == "" {
		return nil, fmt.Errorf("profile %q has no account address configured", p.ProfileName)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideArchive(p Params, logger *zap.Logger) (*archive.DB, error) {
	dbPath := profile.ArchiveDBPath(p.ProfileName)
	db, err := archive.Open(dbPath)
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
	logger.Info("archive initialized", zap.String("path", dbPath))
	return db, nil
}

func provideResolver(db *archive.DB) (*archive.Resolver, error) {
	return archive.NewResolver(db)
}

func provideDedup(db *archive.DB, logger *zap.Logger) *dedup.Engine {
	return dedup.NewEngine(db, logger)
}

func provideServer(p Params, logger *zap.Logger) (*bridge.Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.ProfileName)
	}
	return bridge.NewServer(socketPath, logger)
}

func provideController(
	cfg *config.Config,
	db *archive.DB,
	resolver *archive.Resolver,
	engine *dedup.Engine,
	srv *bridge.Server,
	logger *zap.Logger,
) (*mam.Controller, error) {
	policy := mam.DefaultPolicy()
	policy.PublicRoomWindowDays = cfg.Sync.PublicRoomWindowDays
	policy.MemberOnlyRoomWindowDays = cfg.Sync.MemberOnlyRoomWindowDays
	policy.RoomWindowOverrides = cfg.Sync.RoomWindows
	return mam.NewController(db, resolver, engine, srv, srv.Sink(), policy, cfg.Account, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *bridge.Server, ctrl *mam.Controller, db *archive.DB, lk *lock.Lock, logger *zap.Logger) {
	srv.SetHandler(ctrl)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Unread entries shown in a previous run are unread again.
			if err := db.ResetShown(); err != nil {
				return err
			}
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("bridge server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			srv.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing archive", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
