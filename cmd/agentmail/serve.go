package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentmail/agentmail/internal/archive"
	"github.com/agentmail/agentmail/internal/config"
	"github.com/agentmail/agentmail/internal/mail"
	"github.com/agentmail/agentmail/internal/policy"
	"github.com/agentmail/agentmail/internal/reserve"
	"github.com/agentmail/agentmail/internal/server"
	"github.com/agentmail/agentmail/internal/storage/sqlite"
	"github.com/agentmail/agentmail/internal/workers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination server",
	Long: `Run the agentmail server: open the index, mount the project archives
under the storage root and serve JSON-RPC on the configured address.

Configuration comes from agentmail.yaml (walking up from the current
directory) and AGENT_MAIL_* environment variables.

Examples:
  agentmail serve
  AGENT_MAIL_HTTP_ADDR=0.0.0.0:9000 agentmail serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		settings := config.Snapshot()
		setupLogging(settings)
		return runServer(cmd.Context(), settings)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer(ctx context.Context, settings config.Settings) error {
	if err := os.MkdirAll(settings.StorageRoot, 0750); err != nil {
		return fmt.Errorf("failed to create storage root: %w", err)
	}

	store, err := sqlite.New(ctx, filepath.Join(settings.StorageRoot, "index.db"))
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer store.Close()

	arch := archive.New(settings.StorageRoot)
	pol := policy.NewEngine(store, settings.ContactEnforcementEnabled, settings.ContactAutoTTL)
	mailer := mail.NewEngine(store, arch, pol, settings)
	reserver := reserve.NewEngine(store, arch)
	srv := server.New(store, arch, mailer, reserver, settings, Version)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := workers.New(store, mailer, reserver, srv.Registry(), settings)
	runner.Start(ctx)

	httpSrv := &http.Server{
		Addr:              settings.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agentmail listening",
			"addr", settings.HTTPAddr,
			"path", settings.HTTPPath,
			"storage", settings.StorageRoot,
			"version", Version)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stop()
		runner.Wait()
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown incomplete", "error", err)
	}
	runner.Wait()
	return nil
}

func setupLogging(settings config.Settings) {
	var level slog.Level
	switch strings.ToLower(settings.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stderr
	opts := &slog.HandlerOptions{Level: level}
	if settings.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   settings.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(rotated, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, opts)))
}
