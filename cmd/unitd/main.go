// Package main is the unit daemon: the destination side of the transfer
// protocol, running inside each unit.
//
// Committed items are written under transfer.data_dir. Open sessions are
// snapshotted to transfer.snapshot_path on shutdown and restored on start.
//
// Import Path: unitmover.io/unitmover/cmd/unitd
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/api/middleware"
	"unitmover.io/unitmover/internal/config"
	"unitmover.io/unitmover/internal/jobs"
	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/provider"
	"unitmover.io/unitmover/internal/transfer"
)

// build is set with -ldflags "-X main.build=...".
var build = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	sink, err := transfer.NewDirSink(cfg.Transfer.DataDir)
	if err != nil {
		return fmt.Errorf("init data dir: %w", err)
	}
	svc := transfer.NewService(sink, transfer.Config{
		MaxChunkSize: cfg.Transfer.MaxChunkSize,
		SessionTTL:   cfg.Transfer.SessionTTL,
	})

	if path := cfg.Transfer.SnapshotPath; path != "" {
		n, err := svc.RestoreSnapshot(path)
		if err != nil {
			logger.Warn("Session snapshot not restored", zap.String("path", path), zap.Error(err))
		} else if n > 0 {
			logger.Info("Transfer sessions restored", zap.Int("sessions", n))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := jobs.NewTicker(jobs.Maintenance{
		Sweeper:   svc,
		Intervals: jobs.Intervals{Sweep: cfg.Transfer.SweepInterval},
	}, nil)
	ticker.Start(ctx)
	defer ticker.Stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Transfer.ListenPort),
		Handler:      newRouter(svc, cfg.Unit.InterfaceVersion),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() { //nolint:naked-goroutine // main server goroutine is exempt
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("Unit daemon started",
		zap.String("addr", srv.Addr),
		zap.String("data_dir", cfg.Transfer.DataDir),
		zap.String("interface_version", cfg.Unit.InterfaceVersion),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if path := cfg.Transfer.SnapshotPath; path != "" {
		if _, err := svc.SaveSnapshot(path); err != nil {
			logger.Error("Session snapshot failed", zap.String("path", path), zap.Error(err))
		}
	}
	logger.Info("Unit daemon stopped")
	return nil
}

func newRouter(svc *transfer.Service, interfaceVersion string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": svc.Stats()})
	})
	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, provider.VersionInfo{InterfaceVersion: interfaceVersion, Build: build})
	})
	transfer.RegisterRoutes(router.Group("/transfer/v1"), svc)
	return router
}
