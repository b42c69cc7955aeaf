// Package app wires the services shared by the weppcloud commands.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/archive"
	"github.com/weppcloud/weppcloud/internal/common"
	"github.com/weppcloud/weppcloud/internal/nodb"
	"github.com/weppcloud/weppcloud/internal/redisdb"
	"github.com/weppcloud/weppcloud/internal/redisprep"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/storage"
	"github.com/weppcloud/weppcloud/internal/tasks"
	"github.com/weppcloud/weppcloud/internal/tools"
	"github.com/weppcloud/weppcloud/internal/wd"
	"github.com/weppcloud/weppcloud/internal/worker"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	Clients   *redisdb.Clients
	Queue     *storage.QueueStack
	NoDb      *nodb.Registry
	Cache     *nodb.RedisCache
	Resolver  *wd.Resolver
	Messenger *status.Messenger
	Env       *tasks.Env
}

// New connects to Redis, opens the queue backend and assembles the task
// environment.
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Clients: redisdb.NewClients(cfg.Redis),
	}

	if err := a.Clients.Ping(ctx, common.StatusDB); err != nil {
		a.Clients.Close()
		return nil, err
	}

	stack, err := storage.NewQueueStack(logger, cfg, a.Clients)
	if err != nil {
		a.Clients.Close()
		return nil, fmt.Errorf("failed to open queue backend: %w", err)
	}
	a.Queue = stack

	statusClient := a.Clients.MustGet(common.StatusDB)
	opts := []nodb.RegistryOption{nodb.WithLockObserver(redisprep.NewLockRecorder(statusClient))}
	if cfg.NoDb.CacheEnabled {
		a.Cache = nodb.NewRedisCache(a.Clients.MustGet(common.NoDbCacheDB), common.ParseDuration(cfg.NoDb.CacheTTL, 72*time.Hour))
		opts = append(opts, nodb.WithCache(a.Cache))
	}
	a.NoDb = nodb.NewRegistry(logger, opts...)
	a.Resolver = wd.NewResolver(cfg.Paths, a.Clients.MustGet(common.WDCacheDB), logger)
	a.Messenger = status.NewMessenger(statusClient, logger)

	mirror, err := archive.NewS3Mirror(ctx, cfg.Archive, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Env = &tasks.Env{
		Config:    cfg,
		Queue:     stack.Manager,
		NoDb:      a.NoDb,
		Resolver:  a.Resolver,
		Publisher: a.Messenger,
		Status:    statusClient,
		Tools:     tools.NewExec(cfg.Tools, logger),
		Fetcher:   tools.NewFetcher(cfg.Services.HTTPRetries, logger),
		Logger:    logger,
	}
	// Typed nils must not reach the optional interfaces.
	if mirror != nil {
		a.Env.Mirror = mirror
	}
	if a.Cache != nil {
		a.Env.Cache = a.Cache
	}
	return a, nil
}

// NewWorker builds a worker with every task registered.
func (a *App) NewWorker() *worker.Worker {
	reg := worker.NewRegistry()
	tasks.Register(reg, a.Env)

	opts := []worker.Option{worker.WithLocalStopper(a.Queue.Local)}
	if a.Queue.Redis {
		opts = append(opts, worker.WithRedis(a.Clients.MustGet(common.RQDB)))
	}
	return worker.New(worker.ConfigFrom(a.Config), a.Queue.Manager, reg, a.Resolver, a.Messenger, a.Logger, opts...)
}

// Close releases the queue backend and Redis connections.
func (a *App) Close() error {
	var firstErr error
	if a.Queue != nil {
		firstErr = a.Queue.Close()
	}
	if err := a.Clients.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
