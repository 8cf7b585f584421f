package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marcus-crane/signpost/cache"
	"github.com/marcus-crane/signpost/metrics"
	"github.com/marcus-crane/signpost/models"
	"github.com/marcus-crane/signpost/storage"
)

// Reconciler keeps the metadata store, the files on disk and the snapshot in agreement
type Reconciler struct {
	cache   *cache.Store
	storage *storage.Downloader
}

func New(store *cache.Store, downloader *storage.Downloader) *Reconciler {
	return &Reconciler{
		cache:   store,
		storage: downloader,
	}
}

// ReconcileMediaIntegrity drops downloaded records whose file has disappeared
// from disk so that the next sync picks them up again.
func (r *Reconciler) ReconcileMediaIntegrity(ctx context.Context) (int, error) {
	records, err := r.cache.ListDownloaded(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list downloaded media: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	files, err := r.storage.CachedFiles()
	if err != nil {
		return 0, err
	}

	var missing []string
	for _, record := range records {
		if _, ok := files[record.Descriptor().FileName()]; !ok {
			missing = append(missing, record.ID)
		}
	}
	if len(missing) == 0 {
		slog.Debug("Media integrity check passed", slog.Int("records", len(records)))
		return 0, nil
	}

	deleted, err := r.cache.DeleteByIDs(ctx, missing)
	if err != nil {
		return 0, err
	}
	metrics.MediaRemoved.WithLabelValues("missing").Add(float64(deleted))
	slog.Info("Removed media records missing on disk", slog.Int64("count", deleted))
	return int(deleted), nil
}

// RemoveOrphanMedia evicts downloaded media that is no longer referenced.
// An empty set is never taken to mean "evict everything" and is a no-op.
func (r *Reconciler) RemoveOrphanMedia(ctx context.Context, activeIDs map[string]struct{}) (int, error) {
	if len(activeIDs) == 0 {
		slog.Warn("No referenced media supplied, skipping orphan removal")
		return 0, nil
	}

	records, err := r.cache.ListDownloaded(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list downloaded media: %w", err)
	}

	var orphans []models.MediaRecord
	var ids []string
	for _, record := range records {
		if _, ok := activeIDs[record.ID]; ok {
			continue
		}
		orphans = append(orphans, record)
		ids = append(ids, record.ID)
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	deleted, err := r.cache.DeleteByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}

	for _, orphan := range orphans {
		if err := r.storage.RemoveFile(orphan.Descriptor()); err != nil {
			slog.Warn("Failed to remove orphaned media file",
				slog.String("media_id", orphan.ID),
				slog.String("error", err.Error()))
		}
	}

	metrics.MediaRemoved.WithLabelValues("orphan").Add(float64(deleted))
	slog.Info("Removed orphaned media", slog.Int64("count", deleted))
	return int(deleted), nil
}

// RetryFailedDownloads runs failed media that still has attempts left back
// through the downloader. It returns how many are now downloaded.
func (r *Reconciler) RetryFailedDownloads(ctx context.Context) (int, error) {
	retryable, err := r.cache.ListRetryable(ctx, models.MaxDownloadAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable media: %w", err)
	}
	if len(retryable) == 0 {
		return 0, nil
	}

	media := make([]models.Descriptor, 0, len(retryable))
	for _, record := range retryable {
		media = append(media, record.Descriptor())
	}

	slog.Info("Retrying failed downloads", slog.Int("count", len(media)))

	results := r.storage.DownloadAndVerify(ctx, media)
	if err := r.cache.SaveMany(ctx, results); err != nil {
		return 0, err
	}

	recovered := 0
	for _, result := range results {
		if result.IsDownloaded {
			recovered++
		}
	}
	return recovered, nil
}
