package app

import (
	"context"
	"fmt"

	"github.com/yungbote/jobforge/internal/client"
	"github.com/yungbote/jobforge/internal/execution"
	"github.com/yungbote/jobforge/internal/platform/logger"
	"github.com/yungbote/jobforge/internal/server"
	"github.com/yungbote/jobforge/internal/storage"
	"github.com/yungbote/jobforge/internal/storage/gormstore"
	"github.com/yungbote/jobforge/internal/storage/inmemory"
	"github.com/yungbote/jobforge/internal/storage/redisstore"
)

/*
App wires one process: logger, storage backend, handler registry, the
background job server and the submission client. Register job target
types on Registry before calling Start.
*/
type App struct {
	Log      *logger.Logger
	Cfg      Config
	Store    storage.Provider
	Registry *execution.Registry
	Server   *server.BackgroundJobServer
	Client   *client.Client
}

func New() (*App, error) {
	logMode := "development"
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, err
	}
	if cfg.LogMode != logMode {
		if log2, err := logger.New(cfg.LogMode); err == nil {
			log = log2
		}
	}

	store, err := wireStorage(cfg, log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	registry := execution.NewRegistry()
	srv := server.New(cfg.ServerConfig(), store, registry, log)

	return &App{
		Log:      log,
		Cfg:      cfg,
		Store:    store,
		Registry: registry,
		Server:   srv,
		Client:   client.New(store, log),
	}, nil
}

func wireStorage(cfg Config, log *logger.Logger) (storage.Provider, error) {
	switch cfg.StorageBackend {
	case "memory":
		log.Info("Using in-memory storage; jobs do not survive restarts")
		return inmemory.New(log), nil
	case "postgres":
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			cfg.PostgresUser, cfg.PostgresPassword,
			cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresName,
		)
		return gormstore.NewPostgres(dsn, log)
	case "sqlite":
		return gormstore.NewSQLite(cfg.SQLitePath, log)
	case "redis":
		return redisstore.New(cfg.RedisAddr, log)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func (a *App) Start(ctx context.Context) error {
	return a.Server.Start(ctx)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Server != nil {
		_ = a.Server.Stop(context.Background())
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
