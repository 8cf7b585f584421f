package reconcile

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-crane/signpost/cache"
	"github.com/marcus-crane/signpost/config"
	"github.com/marcus-crane/signpost/db"
	"github.com/marcus-crane/signpost/models"
	"github.com/marcus-crane/signpost/storage"
)

type fixture struct {
	store      *cache.Store
	downloader *storage.Downloader
	reconciler *Reconciler
	mediaPath  string
}

func newFixture(t *testing.T, mediaBaseURL string) fixture {
	t.Helper()
	sqlite, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	cfg := config.Default()
	cfg.CMS.APIKey = "supersecretkey"
	cfg.CMS.MediaBaseURL = mediaBaseURL
	cfg.Storage.MediaPath = t.TempDir()

	store := cache.NewStore(sqlite.DB)
	downloader := storage.NewDownloader(cfg, nil)
	return fixture{
		store:      store,
		downloader: downloader,
		reconciler: New(store, downloader),
		mediaPath:  cfg.Storage.MediaPath,
	}
}

func (f fixture) seed(t *testing.T, id string, onDisk bool) {
	t.Helper()
	m := models.Descriptor{ID: id, Name: id + ".mp4", Checksum: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
	require.NoError(t, f.store.SaveMany(context.Background(), []models.MediaRecord{{
		ID:           m.ID,
		Filename:     m.Name,
		Checksum:     m.Checksum,
		LocalPath:    f.downloader.FinalPath(m),
		IsDownloaded: true,
		Status:       models.MediaDownloaded,
	}}))
	if onDisk {
		require.NoError(t, os.WriteFile(f.downloader.FinalPath(m), []byte(id), 0o644))
	}
}

func downloadedIDs(t *testing.T, store *cache.Store) []string {
	t.Helper()
	records, err := store.ListDownloaded(context.Background())
	require.NoError(t, err)
	var ids []string
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestReconcileMediaIntegrity(t *testing.T) {
	f := newFixture(t, "http://cms.invalid/media")
	f.seed(t, "m1", true)
	f.seed(t, "m2", false)
	f.seed(t, "m3", true)

	removed, err := f.reconciler.ReconcileMediaIntegrity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"m1", "m3"}, downloadedIDs(t, f.store))
}

func TestReconcileMediaIntegrity_NothingDownloaded(t *testing.T) {
	f := newFixture(t, "http://cms.invalid/media")

	removed, err := f.reconciler.ReconcileMediaIntegrity(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRemoveOrphanMedia(t *testing.T) {
	f := newFixture(t, "http://cms.invalid/media")
	f.seed(t, "m1", true)
	f.seed(t, "m2", true)
	f.seed(t, "m3", false)

	removed, err := f.reconciler.RemoveOrphanMedia(context.Background(), map[string]struct{}{"m1": {}})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"m1"}, downloadedIDs(t, f.store))
	assert.FileExists(t, filepath.Join(f.mediaPath, "m1.mp4"))
	assert.NoFileExists(t, filepath.Join(f.mediaPath, "m2.mp4"))
}

func TestRemoveOrphanMedia_EmptySetIsNoop(t *testing.T) {
	f := newFixture(t, "http://cms.invalid/media")
	f.seed(t, "m1", true)
	f.seed(t, "m2", true)

	for _, active := range []map[string]struct{}{nil, {}} {
		removed, err := f.reconciler.RemoveOrphanMedia(context.Background(), active)
		require.NoError(t, err)
		assert.Zero(t, removed)
	}
	assert.Equal(t, []string{"m1", "m2"}, downloadedIDs(t, f.store))
	assert.FileExists(t, filepath.Join(f.mediaPath, "m2.mp4"))
}

func TestRetryFailedDownloads(t *testing.T) {
	payload := []byte("finally available")
	sum := md5.Sum(payload)
	checksum := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/m1") {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(payload)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL+"/media")
	ctx := context.Background()

	failed := func(id string) models.MediaRecord {
		return models.MediaRecord{ID: id, Filename: id + ".mp4", Checksum: checksum, Status: models.MediaError}
	}
	require.NoError(t, f.store.SaveMany(ctx, []models.MediaRecord{failed("m1"), failed("m2")}))
	for range models.MaxDownloadAttempts {
		require.NoError(t, f.store.SaveMany(ctx, []models.MediaRecord{failed("m3")}))
	}

	recovered, err := f.reconciler.RetryFailedDownloads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, []string{"m1"}, downloadedIDs(t, f.store))
	assert.FileExists(t, filepath.Join(f.mediaPath, "m1.mp4"))

	retryable, err := f.store.ListRetryable(ctx, models.MaxDownloadAttempts)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, "m2", retryable[0].ID)
	assert.Equal(t, 2, retryable[0].ErrorCount)
}

func TestWatch_ReconcilesRemovedFiles(t *testing.T) {
	f := newFixture(t, "http://cms.invalid/media")
	f.seed(t, "m1", true)
	f.seed(t, "m2", true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.reconciler.watch(ctx, 50*time.Millisecond) }()

	// Give the watcher a moment to register before removing anything
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.Remove(filepath.Join(f.mediaPath, "m2.mp4")))

	assert.Eventually(t, func() bool {
		return len(downloadedIDs(t, f.store)) == 1
	}, 3*time.Second, 25*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
