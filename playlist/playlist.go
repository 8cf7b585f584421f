package playlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/marcus-crane/signpost/cache"
	"github.com/marcus-crane/signpost/metrics"
	"github.com/marcus-crane/signpost/reconcile"
	"github.com/marcus-crane/signpost/snapshot"
)

const (
	FileName         = "playlist.json"
	defaultExtension = "mp4"
)

// AMEntry and PMEntry differ only in the key the extension is published under.
// Players already depend on both keys.
type AMEntry struct {
	ID      string             `json:"id"`
	Name    string             `json:"name"`
	StartAt snapshot.Timestamp `json:"start_at"`
	EndAt   snapshot.Timestamp `json:"end_at"`
}

type PMEntry struct {
	ID       string             `json:"id"`
	FileType string             `json:"fileType"`
	StartAt  snapshot.Timestamp `json:"start_at"`
	EndAt    snapshot.Timestamp `json:"end_at"`
}

type Playlist struct {
	AM []AMEntry `json:"am"`
	PM []PMEntry `json:"pm"`
}

type Result struct {
	Playlist       Playlist
	Path           string
	Digest         uint64
	Changed        bool
	RemovedOrphans int
}

type Builder struct {
	cache      *cache.Store
	reconciler *reconcile.Reconciler
	dir        string
	now        func() time.Time
}

func NewBuilder(store *cache.Store, reconciler *reconcile.Reconciler, playlistPath string) *Builder {
	return &Builder{
		cache:      store,
		reconciler: reconciler,
		dir:        playlistPath,
		now:        time.Now,
	}
}

func (b *Builder) Path() string {
	return filepath.Join(b.dir, FileName)
}

// Generate writes the playlist of currently active campaigns, limited to media
// that is verified present, then evicts media no campaign will need again.
// Eviction is driven by the campaigns alone and not by what happens to be on disk.
func (b *Builder) Generate(ctx context.Context, snap *snapshot.Snapshot) (*Result, error) {
	now := b.now()

	downloaded, err := b.cache.DownloadedIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloaded media: %w", err)
	}

	playlist, retained := build(snap, downloaded, now)

	data, err := json.MarshalIndent(playlist, "", "  ")
	if err != nil {
		return nil, err
	}

	result := &Result{
		Playlist: playlist,
		Path:     b.Path(),
		Digest:   xxhash.Sum64(data),
	}

	result.Changed, err = b.write(data, result.Digest)
	if err != nil {
		return nil, fmt.Errorf("failed to write playlist: %w", err)
	}

	metrics.PlaylistEntries.WithLabelValues("am").Set(float64(len(playlist.AM)))
	metrics.PlaylistEntries.WithLabelValues("pm").Set(float64(len(playlist.PM)))
	if result.Changed {
		metrics.PlaylistWrites.Inc()
		slog.Info("Playlist updated",
			slog.String("version", snap.Meta.Version),
			slog.Int("am", len(playlist.AM)),
			slog.Int("pm", len(playlist.PM)),
			slog.String("digest", fmt.Sprintf("%016x", result.Digest)))
	}

	result.RemovedOrphans, err = b.reconciler.RemoveOrphanMedia(ctx, retained)
	if err != nil {
		return result, fmt.Errorf("failed to remove orphaned media: %w", err)
	}

	return result, nil
}

// build returns the servable playlist along with every media id referenced by
// a campaign that hasn't ended yet, whether or not it has started.
func build(snap *snapshot.Snapshot, downloaded map[string]struct{}, now time.Time) (Playlist, map[string]struct{}) {
	playlist := Playlist{AM: []AMEntry{}, PM: []PMEntry{}}
	retained := make(map[string]struct{})

	for _, campaign := range snap.Data.Campaigns {
		if !campaign.EndedBy(now) {
			for _, id := range campaign.MediaIDs() {
				retained[id] = struct{}{}
			}
		}
		if !campaign.ActiveAt(now) {
			continue
		}
		for _, slot := range campaign.Slots.AM {
			if _, ok := downloaded[slot.ID]; !ok {
				continue
			}
			playlist.AM = append(playlist.AM, AMEntry{
				ID:      slot.ID,
				Name:    extension(slot.Name),
				StartAt: campaign.StartAt,
				EndAt:   campaign.EndAt,
			})
		}
		for _, slot := range campaign.Slots.PM {
			if _, ok := downloaded[slot.ID]; !ok {
				continue
			}
			playlist.PM = append(playlist.PM, PMEntry{
				ID:       slot.ID,
				FileType: extension(slot.Name),
				StartAt:  campaign.StartAt,
				EndAt:    campaign.EndAt,
			})
		}
	}

	return playlist, retained
}

func extension(name string) string {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "" {
		return defaultExtension
	}
	return ext
}

// write replaces the playlist atomically. Identical content is left alone so
// the file's mtime only moves when players actually have something new.
func (b *Builder) write(data []byte, digest uint64) (bool, error) {
	existing, err := os.ReadFile(b.Path())
	if err == nil && xxhash.Sum64(existing) == digest {
		return false, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return false, err
	}

	tmp, err := os.CreateTemp(b.dir, ".playlist-*.json")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return false, err
	}
	if err := os.Rename(tmp.Name(), b.Path()); err != nil {
		return false, err
	}
	return true, nil
}
