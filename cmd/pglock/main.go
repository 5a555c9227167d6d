// Package main provides the pglock demo binary. It takes a named lock and
// holds it for a while, so cross-process contention can be observed by
// pointing a second instance at the same key.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kneutral-org/pglock"
	"github.com/kneutral-org/pglock/internal/config"
	"github.com/kneutral-org/pglock/internal/logging"
	"github.com/kneutral-org/pglock/internal/metrics"
)

func main() {
	mode := flag.String("mode", "hold", "demo mode: hold or contend")
	key := flag.String("key", "pglock-demo", "lock key to contend for")
	hold := flag.Duration("hold", 10*time.Second, "how long to hold the lock once granted")
	timeout := flag.Duration("timeout", 0, "acquisition timeout (0 uses LOCK_TIMEOUT from the environment)")
	workers := flag.Int("workers", 4, "number of contending goroutines in contend mode")
	listen := flag.Bool("listen", false, "serve /health and /metrics while holding")
	flag.Parse()

	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = logging.NewPrettyLogger("pglock", cfg.LogLevel)
	} else {
		logger = logging.NewLogger("pglock", cfg.LogLevel)
	}

	acquireTimeout := *timeout
	if acquireTimeout <= 0 {
		acquireTimeout = cfg.LockTimeout
	}

	factory := pglock.NewFactory(cfg.DatabaseURL,
		pglock.WithDefaultTimeout(acquireTimeout),
		pglock.WithLogger(logger),
	)

	// Ctrl-C cancels a pending acquisition or cuts a hold short.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch *mode {
	case "hold":
		err = runHold(ctx, factory, logger, cfg.Port, *key, acquireTimeout, *hold, *listen)
	case "contend":
		err = runContend(ctx, factory, logger, *key, acquireTimeout, *hold, *workers)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("demo failed")
	}
}

// runHold takes the named lock, holds it for the given duration (or until
// interrupted), then releases it.
func runHold(ctx context.Context, factory *pglock.Factory, logger zerolog.Logger, port, key string, timeout, hold time.Duration, listen bool) error {
	var srv *http.Server
	if listen {
		srv = startServer(logger, port)
		defer shutdownServer(srv, logger)
	}

	logger.Info().Str("lockKey", key).Dur("timeout", timeout).Msg("acquiring lock")
	start := time.Now()

	lock := factory.NewLock(key)
	if err := lock.Take(ctx, timeout); err != nil {
		return err
	}
	defer func() {
		// Background context: release must run even after a signal
		// canceled ctx.
		if err := lock.Release(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("release reported an error")
		}
	}()

	logger.Info().
		Str("lockKey", key).
		Str("holderId", lock.HolderID()).
		Dur("waited", time.Since(start)).
		Dur("hold", hold).
		Msg("lock acquired, holding")

	select {
	case <-time.After(hold):
		logger.Info().Str("lockKey", key).Msg("hold time elapsed, releasing")
	case <-ctx.Done():
		logger.Info().Str("lockKey", key).Msg("interrupted, releasing early")
	}
	return nil
}

// runContend races several goroutines for one key inside this process. The
// database serializes them; each worker logs how long it waited for its turn.
func runContend(ctx context.Context, factory *pglock.Factory, logger zerolog.Logger, key string, timeout, hold time.Duration, workers int) error {
	logger.Info().Str("lockKey", key).Int("workers", workers).Msg("starting contention demo")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		workerLogger := logging.WorkerLogger(logger, i)
		g.Go(func() error {
			start := time.Now()
			lock, err := factory.TakeLockTimeout(ctx, key, timeout)
			if err != nil {
				return err
			}
			workerLogger.Info().Dur("waited", time.Since(start)).Msg("acquired lock")

			time.Sleep(hold)

			if err := lock.Release(ctx); err != nil {
				return err
			}
			workerLogger.Info().Msg("released lock")
			return nil
		})
	}
	return g.Wait()
}

// startServer serves /health and /metrics while the demo holds its lock.
func startServer(logger zerolog.Logger, port string) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	metrics.RegisterMetricsEndpoint(router)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return srv
}

func shutdownServer(srv *http.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
}
