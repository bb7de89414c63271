package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/scheduler"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/webhook"
)

const pidFile = "atlas-agent.pid"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conversation service",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFile)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.AgentsPath != "" {
		n, err := importAgents(ctx, a.store, cfg.AgentsPath, a.registry.Names(), a.generator.Providers())
		if err != nil {
			return err
		}
		logger.Info("agents imported", "path", cfg.AgentsPath, "count", n)
	}

	if cfg.IdleClose.Enabled {
		sched, err := scheduler.New(a.store, cfg.IdleClose.After.Std(), cfg.IdleClose.Schedule,
			scheduler.WithMetrics(a.metrics),
			scheduler.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("create scheduler: %w", err)
		}
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := webhook.NewServer(a.gateway,
		webhook.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		webhook.WithHealthCheck(a.health),
		webhook.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		webhook.WithLogger(logger),
	)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.TurnTimeout.Std())
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}()

	logger.Info("atlas-agent started",
		"listen", cfg.HTTP.Listen,
		"database", cfg.Database(),
		"max_concurrent", cfg.MaxConcurrent,
		"tools", a.registry.Names(),
		"idle_close", cfg.IdleClose.Enabled,
		"redis", cfg.Redis.URL != "",
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		var sig os.Signal
		select {
		case sig = <-sigChan:
		case <-ctx.Done():
			return errors.New("http server stopped")
		}
		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, restarting")
			if err := reexec(pidPath, cfg.DataDir, logger); err != nil {
				logger.Error("restart failed", "error", err)
			}
			continue
		}
		logger.Info("shutting down", "signal", sig.String())
		return nil
	}
}

// reexec replaces the process image. It only returns on failure, after
// restoring the PID file.
func reexec(pidPath, dataDir string, logger *slog.Logger) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	os.Remove(pidPath)
	err = syscall.Exec(execPath, os.Args, os.Environ())
	if _, writeErr := writePIDFile(dataDir); writeErr != nil {
		logger.Error("failed to re-write PID file", "error", writeErr)
	}
	return fmt.Errorf("re-exec: %w", err)
}
