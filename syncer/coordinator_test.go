package syncer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-crane/signpost/cache"
	"github.com/marcus-crane/signpost/config"
	"github.com/marcus-crane/signpost/db"
	"github.com/marcus-crane/signpost/metrics"
	"github.com/marcus-crane/signpost/models"
	"github.com/marcus-crane/signpost/reconcile"
	"github.com/marcus-crane/signpost/snapshot"
	"github.com/marcus-crane/signpost/storage"
)

const (
	m1 = "0d4b8e3c-2a7f-4d6e-8b1a-9c5e3f7a1b01"
	m2 = "0d4b8e3c-2a7f-4d6e-8b1a-9c5e3f7a1b02"
	m3 = "0d4b8e3c-2a7f-4d6e-8b1a-9c5e3f7a1b03"
)

// fakeCMS serves a snapshot at /snapshot and media at /media/<id>
type fakeCMS struct {
	*httptest.Server
	mu             sync.Mutex
	snapshot       []byte
	snapshotStatus int
	media          map[string][]byte
	hits           map[string]int
	onMedia        func()
}

func newFakeCMS(t *testing.T) *fakeCMS {
	t.Helper()
	cms := &fakeCMS{media: map[string][]byte{}, hits: map[string]int{}}
	cms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cms.mu.Lock()
		defer cms.mu.Unlock()
		switch {
		case r.URL.Path == "/snapshot":
			if cms.snapshotStatus != 0 {
				w.WriteHeader(cms.snapshotStatus)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write(cms.snapshot)
		case strings.HasPrefix(r.URL.Path, "/media/"):
			id := strings.TrimPrefix(r.URL.Path, "/media/")
			cms.hits[id]++
			if cms.onMedia != nil {
				cms.onMedia()
			}
			body, ok := cms.media[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(cms.Close)
	return cms
}

func (c *fakeCMS) addMedia(id string, body []byte) snapshot.Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media[id] = body
	sum := md5.Sum(body)
	return snapshot.Slot{ID: id, Name: id + ".mp4", Checksum: hex.EncodeToString(sum[:]), DurationSeconds: 10, Position: 1}
}

func (c *fakeCMS) publish(t *testing.T, version string, am, pm []snapshot.Slot) {
	t.Helper()
	snap := snapshot.Snapshot{
		Meta: snapshot.Meta{Version: version, GeneratedAt: snapshot.Timestamp{Time: epoch}},
		Data: snapshot.Data{
			CenterID: "2f0c4c2e-4a4e-4c8f-9a43-0a3f3c9d2b11",
			Campaigns: []snapshot.Campaign{{
				ID:      "b7f7a0b4-6a0e-4a5c-9d1b-7d3e8f1e2a01",
				Title:   "Summer sale",
				StartAt: snapshot.Timestamp{Time: epoch.AddDate(0, 0, -14)},
				EndAt:   snapshot.Timestamp{Time: epoch.AddDate(0, 0, 14)},
				Slots:   snapshot.Slots{AM: append([]snapshot.Slot{}, am...), PM: append([]snapshot.Slot{}, pm...)},
			}},
		},
	}
	body, err := json.Marshal(snap)
	require.NoError(t, err)
	c.mu.Lock()
	c.snapshot = body
	c.mu.Unlock()
}

func (c *fakeCMS) hitsFor(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[id]
}

type harness struct {
	cms         *fakeCMS
	conn        *sqlx.DB
	state       *StateStore
	store       *cache.Store
	downloader  *storage.Downloader
	coordinator *Coordinator
}

func newHarness(t *testing.T) harness {
	t.Helper()
	cms := newFakeCMS(t)

	sqlite, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	cfg := config.Default()
	cfg.CMS = config.CMSConfig{
		APIKey:        "supersecretkey",
		BaseURL:       cms.URL,
		MediaBaseURL:  cms.URL + "/media",
		RouteSnapshot: cms.URL + "/snapshot",
	}
	cfg.Storage.MediaPath = t.TempDir()

	state := NewStateStore(sqlite.DB, cfg.Sync.LockTTL())
	store := cache.NewStore(sqlite.DB)
	downloader := storage.NewDownloader(cfg, nil)
	client := snapshot.NewClient(cfg.CMS, cfg.Sync.FetchTimeout(), nil)

	return harness{
		cms:         cms,
		conn:        sqlite.DB,
		state:       state,
		store:       store,
		downloader:  downloader,
		coordinator: NewCoordinator(client, state, store, downloader, reconcile.New(store, downloader)),
	}
}

func TestRun_NewSyncThenNoChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.cms.addMedia(m1, []byte("first"))
	b := h.cms.addMedia(m2, []byte("second"))
	h.cms.publish(t, "v1", []snapshot.Slot{a}, []snapshot.Slot{b, a})

	outcome, err := h.coordinator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonNewSync, outcome.Reason)
	assert.Equal(t, 2, outcome.Downloaded)
	assert.Zero(t, outcome.Failed)
	assert.True(t, outcome.Servable())
	assert.FileExists(t, h.downloader.FinalPath(a.Descriptor()))
	assert.FileExists(t, h.downloader.FinalPath(b.Descriptor()))

	data, err := h.store.GetPlaylistData(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", data.Version)
	assert.Equal(t, string(outcome.Snapshot.Raw), data.RawJSON)

	state, err := h.state.State(ctx)
	require.NoError(t, err)
	assert.False(t, state.Syncing)
	assert.Equal(t, models.SyncCompleted, state.Status)

	outcome, err = h.coordinator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoChange, outcome.Reason)
	require.NotNil(t, outcome.Snapshot)
	assert.Equal(t, "v1", outcome.Snapshot.Meta.Version)
	assert.True(t, outcome.Servable())
	assert.Equal(t, 1, h.cms.hitsFor(m1))
	assert.Equal(t, 1, h.cms.hitsFor(m2))

	staged, err := os.ReadDir(h.downloader.TempPath())
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestRun_NewVersionOnlyDownloadsWhatChanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.cms.addMedia(m1, []byte("first"))
	h.cms.publish(t, "v1", []snapshot.Slot{a}, nil)

	_, err := h.coordinator.Run(ctx)
	require.NoError(t, err)

	b := h.cms.addMedia(m2, []byte("second"))
	h.cms.publish(t, "v2", []snapshot.Slot{a}, []snapshot.Slot{b})

	outcome, err := h.coordinator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonNewSync, outcome.Reason)
	assert.Equal(t, 1, outcome.Downloaded)
	assert.Equal(t, 1, h.cms.hitsFor(m1))
	assert.Equal(t, 1, h.cms.hitsFor(m2))
}

func TestRun_RecoveryOnlyRedownloadsMissingFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.cms.addMedia(m1, []byte("first"))
	b := h.cms.addMedia(m2, []byte("second"))
	c := h.cms.addMedia(m3, []byte("third"))
	h.cms.publish(t, "v1", []snapshot.Slot{a, b}, []snapshot.Slot{c})

	_, err := h.coordinator.Run(ctx)
	require.NoError(t, err)

	// Crash after the state was written but before the playlist data was,
	// with m1 lost from disk while its record still claims it's downloaded
	_, err = h.conn.Exec(`DELETE FROM playlist_data`)
	require.NoError(t, err)
	require.NoError(t, os.Remove(h.downloader.FinalPath(a.Descriptor())))

	outcome, err := h.coordinator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonRecovery, outcome.Reason)
	assert.Equal(t, 1, outcome.Downloaded)
	assert.True(t, outcome.Servable())

	assert.Equal(t, 2, h.cms.hitsFor(m1))
	assert.Equal(t, 1, h.cms.hitsFor(m2))
	assert.Equal(t, 1, h.cms.hitsFor(m3))
	assert.FileExists(t, h.downloader.FinalPath(a.Descriptor()))

	data, err := h.store.GetPlaylistData(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", data.Version)
}

func TestRun_ChecksumMismatchIsRecordedNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.cms.addMedia(m1, []byte("first"))
	b := h.cms.addMedia(m2, []byte("second"))
	b.Checksum = strings.Repeat("0", 32)
	h.cms.publish(t, "v1", []snapshot.Slot{a, b}, nil)

	outcome, err := h.coordinator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Downloaded)
	assert.Equal(t, 1, outcome.Failed)
	assert.NoFileExists(t, h.downloader.FinalPath(b.Descriptor()))

	retryable, err := h.store.ListRetryable(ctx, models.MaxDownloadAttempts)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, m2, retryable[0].ID)
	assert.Equal(t, 1, retryable[0].ErrorCount)

	state, err := h.state.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, state.Status)
}

func TestRun_AlreadySyncing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.cms.addMedia(m1, []byte("first"))
	h.cms.publish(t, "v1", []snapshot.Slot{a}, nil)

	_, err := h.state.TryStartSync(ctx, "v0")
	require.NoError(t, err)

	outcome, err := h.coordinator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonAlreadySyncing, outcome.Reason)
	assert.NotNil(t, outcome.Snapshot)
	assert.False(t, outcome.Servable())
	assert.Zero(t, h.cms.hitsFor(m1))

	state, err := h.state.State(ctx)
	require.NoError(t, err)
	assert.True(t, state.Syncing)
	assert.Equal(t, "v0", state.SyncVersion)
}

func TestRun_FetchFailureMarksStateFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cms.snapshotStatus = http.StatusBadGateway

	outcome, err := h.coordinator.Run(ctx)
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, snapshot.ErrTransport)

	state, err := h.state.State(ctx)
	require.NoError(t, err)
	assert.False(t, state.Syncing)
	assert.Equal(t, models.SyncFailed, state.Status)
	assert.Contains(t, state.ErrorMessage.String, "502")
}

func TestRun_InvalidSnapshotPersistsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cms.mu.Lock()
	h.cms.snapshot = []byte(`{"meta":{"version":"v1"},"data":{"center_id":"nope","campaigns":[]}}`)
	h.cms.mu.Unlock()

	_, err := h.coordinator.Run(ctx)
	var validationErr *snapshot.ValidationError
	require.ErrorAs(t, err, &validationErr)

	count, err := h.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	_, err = h.store.GetPlaylistData(ctx)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestRun_CancelledContextStillReleasesLock(t *testing.T) {
	h := newHarness(t)
	a := h.cms.addMedia(m1, []byte("first"))
	h.cms.publish(t, "v1", []snapshot.Slot{a}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.cms.mu.Lock()
	h.cms.onMedia = cancel
	h.cms.mu.Unlock()

	_, err := h.coordinator.Run(ctx)
	require.Error(t, err)

	state, err := h.state.State(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Syncing)
	assert.Equal(t, models.SyncFailed, state.Status)
}

func TestRun_FailureIsCountedAgainstItsStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.cms.addMedia(m1, []byte("first"))
	h.cms.publish(t, "v1", []snapshot.Slot{a}, nil)

	_, err := h.coordinator.Run(ctx)
	require.NoError(t, err)

	// Force a recovery cycle whose disk check can't read the media directory
	_, err = h.conn.Exec(`DELETE FROM playlist_data`)
	require.NoError(t, err)
	mediaPath := h.downloader.MediaPath()
	require.NoError(t, os.RemoveAll(mediaPath))
	require.NoError(t, os.WriteFile(mediaPath, []byte("not a directory"), 0o644))

	diskCheck := testutil.ToFloat64(metrics.SyncFailures.WithLabelValues(stageDiskCheck))
	persist := testutil.ToFloat64(metrics.SyncFailures.WithLabelValues(stagePersist))
	release := testutil.ToFloat64(metrics.SyncFailures.WithLabelValues(stageRelease))

	outcome, err := h.coordinator.Run(ctx)
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.Equal(t, stageDiskCheck, failedStage(err))

	assert.Equal(t, diskCheck+1, testutil.ToFloat64(metrics.SyncFailures.WithLabelValues(stageDiskCheck)))
	assert.Equal(t, persist, testutil.ToFloat64(metrics.SyncFailures.WithLabelValues(stagePersist)))
	assert.Equal(t, release, testutil.ToFloat64(metrics.SyncFailures.WithLabelValues(stageRelease)))

	state, err := h.state.State(ctx)
	require.NoError(t, err)
	assert.False(t, state.Syncing)
	assert.Equal(t, models.SyncFailed, state.Status)
}

func TestFailedStage(t *testing.T) {
	assert.Equal(t, stageReconcile, failedStage(fmt.Errorf("wrapped: %w", &stageError{stage: stageReconcile, err: os.ErrNotExist})))
	assert.Equal(t, "sync", failedStage(os.ErrNotExist))
}
