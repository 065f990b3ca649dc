package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Popie52/httpjobs/internal/caller"
	"github.com/Popie52/httpjobs/internal/config"
	"github.com/Popie52/httpjobs/internal/core"
	"github.com/Popie52/httpjobs/internal/logging"
	"github.com/Popie52/httpjobs/internal/metrics"
	"github.com/Popie52/httpjobs/internal/store"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Run starts the engine and the HTTP API and blocks until ctx is cancelled,
// then shuts both down. Start-up fails if the store cannot be reached or the
// schedule cannot be restored.
func Run(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// store

	st, closeStore, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.WithError(err).Warn("close store")
		}
	}()

	// engine

	m := metrics.New()
	executor := core.NewExecutor(st, caller.NewHTTPCaller(cfg.Caller.Timeout), log, m)
	scheduler := core.NewScheduler(st, executor, log, m)
	svc := core.NewService(st, scheduler, log, m)

	// restart recovery
	if err := core.NewRehydrator(st, scheduler, log).Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	// http

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: newRouter(ctx, svc, m.Handler(), cfg.API.RunLogLimit, log),
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	log.WithFields(logrus.Fields{
		"addr":  cfg.HTTP.Addr,
		"store": cfg.Store.Driver,
	}).Info("httpjobs started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
		cancel()
	}

	log.Info("shutting down http server...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}

	log.Info("waiting for in-flight runs to finish...")
	wg.Wait()

	log.Info("httpjobs exiting")
	return runErr
}

func openStore(ctx context.Context, c config.Store, log logrus.FieldLogger) (store.JobStore, func() error, error) {
	noop := func() error { return nil }

	switch c.Driver {
	case config.DriverPostgres:
		db, err := sql.Open("postgres", c.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		st := store.NewPostgresJobStore(db)
		if err := st.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info("using postgres store")
		return st, db.Close, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		log.WithField("addr", c.RedisAddr).Info("using redis store")
		return store.NewRedisJobStore(client, c.RedisPrefix, c.RunLogRetain), client.Close, nil

	case config.DriverFile:
		log.WithField("path", c.FileJobsPath).Info("using file store")
		return store.NewFileJobStore(c.FileJobsPath, c.FileRunLogs, c.RunLogRetain), noop, nil

	case config.DriverMemory:
		log.Warn("using in-memory store; jobs are lost on restart")
		return store.NewMemoryJobStore(), noop, nil
	}

	return nil, nil, fmt.Errorf("unknown store driver %q", c.Driver)
}
