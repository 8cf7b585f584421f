package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marcus-crane/signpost/config"
	"github.com/marcus-crane/signpost/db"
	"github.com/marcus-crane/signpost/storage"
)

const shutdownTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:   "signpost",
	Short: "Keeps a screen's playlist and media in step with the CMS",
	Long: `Signpost runs on the machine next to a screen. It pulls the published
snapshot from the CMS, keeps a verified copy of every piece of media the
snapshot references and writes out the playlist the player reads from.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync scheduler and the local API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), serve)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, app *App) error {
			outcome, err := app.SyncAndPublish(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Sync finished (%s): %d downloaded, %d failed\n", outcome.Reason, outcome.Downloaded, outcome.Failed)
			return nil
		})
	},
}

var clearTempCmd = &cobra.Command{
	Use:   "clear-temp",
	Short: "Remove partially downloaded media from the staging directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		downloader := storage.NewDownloader(cfg, nil)
		if err := downloader.CleanTemp(); err != nil {
			return err
		}
		fmt.Printf("Cleared %s\n", downloader.TempPath())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, syncCmd, clearTempCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// withApp loads configuration, prepares the database and the cache and hands a
// ready App to fn. Everything is released once fn returns.
func withApp(ctx context.Context, fn func(context.Context, *App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logFile := setupLogging(cfg)
	defer logFile.Close()

	store, err := db.NewSqliteStore(cfg.Signpost.DbPath)
	if err != nil {
		return err
	}

	if err := store.ApplyMigrations(ctx); err != nil {
		store.Close()
		return err
	}

	app := NewApp(ctx, cfg, store)
	defer func() {
		if err := app.Close(); err != nil {
			slog.Error("Failed to close cleanly", slog.String("error", err.Error()))
		}
	}()

	if err := app.Prepare(ctx); err != nil {
		return err
	}

	return fn(ctx, app)
}

func serve(ctx context.Context, app *App) error {
	cfg := app.cfg

	// Serve whatever the last run left behind before talking to the CMS
	if _, err := app.SyncAndPublish(ctx); err != nil {
		slog.Warn("Initial sync failed, the previous playlist stays in place", slog.String("error", err.Error()))
	}

	jobScheduler, err := SetupInBackground(ctx, app)
	if err != nil {
		return err
	}

	if cfg.Signpost.BackgroundJobsEnabled {
		jobScheduler.StartAsync()
		slog.Info("Background jobs have started up in the background.")
	} else {
		slog.Info("Background jobs are disabled.")
	}

	go func() {
		if err := app.reconciler.Watch(ctx); err != nil {
			slog.Error("Media watcher stopped", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Signpost.Port),
		Handler:           RegisterRoutes(http.NewServeMux(), app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Signpost is running", slog.String("addr", fmt.Sprintf("http://localhost:%d", cfg.Signpost.Port)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Gracefully shutting down...")
	case err := <-serverErr:
		jobScheduler.Stop()
		return err
	}

	jobScheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	// Event streams never finish on their own so close the broker first
	app.broker.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server did not shut down cleanly", slog.String("error", err.Error()))
	}

	slog.Info("Signpost has successfully shut down.")
	return nil
}

func setupLogging(cfg config.Config) io.Closer {
	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Storage.LogsPath, "signpost.log"),
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, logFile), &slog.HandlerOptions{
		Level: cfg.GetLogLevel(),
	})
	slog.SetDefault(slog.New(handler))
	return logFile
}
