package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus-crane/signpost/auth"
	"github.com/marcus-crane/signpost/cache"
	"github.com/marcus-crane/signpost/config"
	"github.com/marcus-crane/signpost/db"
	"github.com/marcus-crane/signpost/events"
	"github.com/marcus-crane/signpost/health"
	"github.com/marcus-crane/signpost/notify"
	"github.com/marcus-crane/signpost/playlist"
	"github.com/marcus-crane/signpost/reconcile"
	"github.com/marcus-crane/signpost/snapshot"
	"github.com/marcus-crane/signpost/storage"
	"github.com/marcus-crane/signpost/syncer"
)

// App wires every component of a running node together
type App struct {
	cfg         config.Config
	store       *db.SqliteStore
	cache       *cache.Store
	state       *syncer.StateStore
	downloader  *storage.Downloader
	reconciler  *reconcile.Reconciler
	coordinator *syncer.Coordinator
	playlists   *playlist.Builder
	health      *health.Reporter
	broker      *events.Broker
	tokens      *auth.TokenStore
	notifier    notify.Notifier

	// work serialises passes that download into the shared staging directory
	work sync.Mutex

	// ctx bounds work started by requests and is cancelled at shutdown
	ctx        context.Context
	background sync.WaitGroup
}

func NewApp(ctx context.Context, cfg config.Config, store *db.SqliteStore) *App {
	cacheStore := cache.NewStore(store.DB)
	state := syncer.NewStateStore(store.DB, cfg.Sync.LockTTL())
	downloader := storage.NewDownloader(cfg, nil)
	reconciler := reconcile.New(cacheStore, downloader)
	client := snapshot.NewClient(cfg.CMS, cfg.Sync.FetchTimeout(), nil)

	app := &App{
		cfg:         cfg,
		store:       store,
		cache:       cacheStore,
		state:       state,
		downloader:  downloader,
		reconciler:  reconciler,
		coordinator: syncer.NewCoordinator(client, state, cacheStore, downloader, reconciler),
		playlists:   playlist.NewBuilder(cacheStore, reconciler, cfg.Storage.PlaylistPath),
		health:      health.NewReporter(cacheStore, state, cfg.Storage.MediaPath, cfg.CMS.BaseURL, cfg.CMS.APIKey, cfg.Sync.FetchTimeout()),
		broker:      events.NewBroker(),
		tokens:      auth.NewTokenStore(cfg.Sync.TokenTTL()),
		notifier:    notify.New(cfg.Pushover),
		ctx:         ctx,
	}

	// The CMS hears about a new snapshot landing without waiting for the next health tick
	app.broker.Subscribe(events.TopicSnapshotUpdated, func(events.Event) {
		app.background.Add(1)
		go func() {
			defer app.background.Done()
			app.ReportHealth(app.ctx)
		}()
	})

	return app
}

// Prepare gets the node into a consistent state after a restart: a sync that
// was cut short is failed, half-written downloads are removed and failed
// downloads get another go.
func (a *App) Prepare(ctx context.Context) error {
	if _, err := a.state.RecoverInterrupted(ctx); err != nil {
		return err
	}
	if err := a.downloader.CleanTemp(); err != nil {
		slog.Warn("Failed to clean staging directory", slog.String("error", err.Error()))
	}
	a.RetryFailed(ctx)
	return nil
}

type snapshotUpdated struct {
	Version    string `json:"version"`
	Reason     string `json:"reason"`
	Downloaded int    `json:"downloaded"`
	Failed     int    `json:"failed"`
}

type playlistGenerated struct {
	Version string `json:"version"`
	Changed bool   `json:"changed"`
	AM      int    `json:"am"`
	PM      int    `json:"pm"`
}

// SyncAndPublish runs a sync cycle and, if the cache can be served, rebuilds
// the playlist and tells connected clients about it.
func (a *App) SyncAndPublish(ctx context.Context) (*syncer.Outcome, error) {
	a.work.Lock()
	defer a.work.Unlock()

	outcome, err := a.coordinator.Run(ctx)
	if err != nil {
		slog.Error("Sync cycle failed", slog.String("error", err.Error()))
		a.alert("Signpost sync failed", err.Error())
		return nil, err
	}

	if !outcome.Servable() {
		slog.Info("Another sync holds the lock, leaving the playlist alone")
		return outcome, nil
	}

	version := outcome.Snapshot.Meta.Version
	if outcome.Reason == syncer.ReasonNewSync || outcome.Reason == syncer.ReasonRecovery {
		a.publish(events.TopicSnapshotUpdated, snapshotUpdated{
			Version:    version,
			Reason:     string(outcome.Reason),
			Downloaded: outcome.Downloaded,
			Failed:     outcome.Failed,
		})
	}

	if err := a.generate(ctx, outcome.Snapshot); err != nil {
		a.alert("Signpost playlist generation failed", err.Error())
		return outcome, err
	}
	return outcome, nil
}

func (a *App) generate(ctx context.Context, snap *snapshot.Snapshot) error {
	result, err := a.playlists.Generate(ctx, snap)
	if err != nil {
		slog.Error("Failed to generate playlist", slog.String("error", err.Error()))
		return err
	}
	a.publish(events.TopicPlaylistGenerated, playlistGenerated{
		Version: snap.Meta.Version,
		Changed: result.Changed,
		AM:      len(result.Playlist.AM),
		PM:      len(result.Playlist.PM),
	})
	return nil
}

// RetryFailed gives failed downloads another attempt and rebuilds the
// playlist from the last processed snapshot when any of them arrive.
func (a *App) RetryFailed(ctx context.Context) {
	a.work.Lock()
	defer a.work.Unlock()

	recovered, err := a.reconciler.RetryFailedDownloads(ctx)
	if err != nil {
		slog.Error("Failed to retry downloads", slog.String("error", err.Error()))
		return
	}
	if recovered == 0 {
		return
	}
	slog.Info("Recovered failed downloads", slog.Int("count", recovered))

	snap, err := a.storedSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			slog.Error("Failed to load stored snapshot", slog.String("error", err.Error()))
		}
		return
	}
	a.generate(ctx, snap)
}

func (a *App) storedSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	data, err := a.cache.GetPlaylistData(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := snapshot.Parse([]byte(data.RawJSON))
	if err != nil {
		return nil, fmt.Errorf("stored snapshot %s is unusable: %w", data.Version, err)
	}
	return snap, nil
}

// ForceSync starts a cycle in the background and returns straight away
func (a *App) ForceSync() {
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		a.SyncAndPublish(a.ctx)
	}()
}

func (a *App) ReportHealth(ctx context.Context) {
	if err := a.health.Report(ctx); err != nil {
		slog.Warn("Failed to report health", slog.String("error", err.Error()))
	}
}

func (a *App) SweepTokens() {
	if removed := a.tokens.Sweep(); removed > 0 {
		slog.Debug("Swept expired event tokens", slog.Int("count", removed))
	}
}

func (a *App) Heartbeat() {
	a.publish(events.TopicHeartbeat, map[string]string{"time": time.Now().UTC().Format(time.RFC3339)})
}

func (a *App) publish(topic events.Topic, payload any) {
	if err := a.broker.Publish(topic, payload); err != nil {
		slog.Error("Failed to publish event", slog.String("topic", string(topic)), slog.String("error", err.Error()))
	}
}

func (a *App) alert(title, message string) {
	if err := a.notifier.Notify(title, message); err != nil {
		slog.Warn("Failed to send alert", slog.String("error", err.Error()))
	}
}

// Close waits for background syncs and then releases everything the app holds
func (a *App) Close() error {
	a.background.Wait()
	a.tokens.Close()
	a.broker.Close()
	return a.store.Close()
}
