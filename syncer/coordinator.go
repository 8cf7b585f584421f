package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus-crane/signpost/cache"
	"github.com/marcus-crane/signpost/metrics"
	"github.com/marcus-crane/signpost/models"
	"github.com/marcus-crane/signpost/reconcile"
	"github.com/marcus-crane/signpost/snapshot"
	"github.com/marcus-crane/signpost/storage"
)

type Fetcher interface {
	Fetch(ctx context.Context) (*snapshot.Snapshot, error)
}

// Outcome is the result of a sync cycle that got as far as a decision.
// The snapshot is always present, including when no work was done.
type Outcome struct {
	Snapshot   *snapshot.Snapshot
	Reason     Reason
	Downloaded int
	Failed     int
}

// Servable reports whether the cache is in a state the playlist can be built from.
// Only a cycle that backed off because another sync is live is not.
func (o *Outcome) Servable() bool {
	return o != nil && o.Snapshot != nil && o.Reason != ReasonAlreadySyncing
}

type Coordinator struct {
	fetcher    Fetcher
	state      *StateStore
	cache      *cache.Store
	storage    *storage.Downloader
	reconciler *reconcile.Reconciler
	now        func() time.Time
}

func NewCoordinator(fetcher Fetcher, state *StateStore, store *cache.Store, downloader *storage.Downloader, reconciler *reconcile.Reconciler) *Coordinator {
	return &Coordinator{
		fetcher:    fetcher,
		state:      state,
		cache:      store,
		storage:    downloader,
		reconciler: reconciler,
		now:        time.Now,
	}
}

// Run performs one sync cycle: fetch, decide, diff, download, persist and
// reconcile. Once the lock is taken it is always released, whatever happens.
func (c *Coordinator) Run(ctx context.Context) (outcome *Outcome, err error) {
	snap, err := c.fetcher.Fetch(ctx)
	if err != nil {
		stage := "fetch"
		var validationErr *snapshot.ValidationError
		if errors.As(err, &validationErr) {
			stage = "validate"
		}
		metrics.SyncFailures.WithLabelValues(stage).Inc()
		if markErr := c.state.MarkFailed(ctx, err.Error()); markErr != nil {
			slog.Error("Failed to record sync failure", slog.String("error", markErr.Error()))
		}
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}

	version := snap.Meta.Version
	decision, err := c.state.TryStartSync(ctx, version)
	if err != nil {
		metrics.SyncFailures.WithLabelValues("lock").Inc()
		return nil, fmt.Errorf("failed to start sync: %w", err)
	}
	metrics.SyncCycles.WithLabelValues(string(decision.Reason)).Inc()

	outcome = &Outcome{Snapshot: snap, Reason: decision.Reason}
	if !decision.CanSync {
		slog.Info("Skipping sync", slog.String("version", version), slog.String("reason", string(decision.Reason)))
		return outcome, nil
	}

	started := c.now()
	slog.Info("Starting sync", slog.String("version", version), slog.String("reason", string(decision.Reason)))

	defer func() {
		if cleanErr := c.storage.CleanTemp(); cleanErr != nil {
			slog.Error("Failed to clean temp directory", slog.String("error", cleanErr.Error()))
		}
		// The lock must be released even if the caller has given up on us
		if err != nil {
			metrics.SyncFailures.WithLabelValues(failedStage(err)).Inc()
		}
		finishCtx := context.WithoutCancel(ctx)
		if finishErr := c.state.FinishSync(finishCtx, version, err); finishErr != nil {
			slog.Error("Failed to release sync lock", slog.String("error", finishErr.Error()))
			metrics.SyncFailures.WithLabelValues(stageRelease).Inc()
			if err == nil {
				outcome, err = nil, finishErr
			}
		}
		metrics.SyncDuration.Observe(c.now().Sub(started).Seconds())
	}()

	err = c.synchronise(ctx, snap, decision, outcome)
	if err != nil {
		return nil, err
	}

	slog.Info("Sync complete",
		slog.String("version", version),
		slog.Int("downloaded", outcome.Downloaded),
		slog.Int("failed", outcome.Failed))
	return outcome, nil
}

func (c *Coordinator) synchronise(ctx context.Context, snap *snapshot.Snapshot, decision Decision, outcome *Outcome) error {
	media := snap.MediaList()

	var forced []string
	if decision.Reason == ReasonRecovery {
		missing, err := c.storage.PhysicalIntegrityCheck(media)
		if err != nil {
			return &stageError{stage: stageDiskCheck, err: fmt.Errorf("failed to check media on disk: %w", err)}
		}
		forced = missing
	}

	missing, err := c.cache.GetMissingFiles(ctx, media, forced)
	if err != nil {
		return &stageError{stage: stageDiff, err: err}
	}

	results := c.storage.DownloadAndVerify(ctx, missing)
	if err := c.cache.SaveMany(ctx, results); err != nil {
		return &stageError{stage: stagePersist, err: err}
	}
	for _, result := range results {
		if result.Status == models.MediaDownloaded {
			outcome.Downloaded++
		} else {
			outcome.Failed++
		}
	}

	if _, err := c.reconciler.ReconcileMediaIntegrity(ctx); err != nil {
		return &stageError{stage: stageReconcile, err: err}
	}

	if err := c.cache.SavePlaylistData(ctx, snap.Meta.Version, snap.Raw); err != nil {
		return &stageError{stage: stagePersist, err: err}
	}
	return nil
}

// Stages of a locked cycle, as reported on the sync failure metric
const (
	stageDiskCheck = "disk_check"
	stageDiff      = "diff"
	stagePersist   = "persist"
	stageReconcile = "reconcile"
	stageRelease   = "release"
)

// stageError tags a failure with the step of the cycle it came from
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string {
	return e.err.Error()
}

func (e *stageError) Unwrap() error {
	return e.err
}

func failedStage(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return "sync"
}
