package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/marcus-crane/signpost/cache"
	"github.com/marcus-crane/signpost/metrics"
	"github.com/marcus-crane/signpost/models"
	"github.com/marcus-crane/signpost/syncer"
	"github.com/marcus-crane/signpost/utils"
)

const reportPath = "/center/health"

type Disk struct {
	Size uint64 `json:"size"`
	Free uint64 `json:"free"`
	Used uint64 `json:"used"`
}

type PendingMedia struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
}

// Report is what the CMS receives on every health tick, and what /api/health serves
type Report struct {
	Disk       Disk           `json:"disk"`
	IsSync     bool           `json:"isSync"`
	DtoChanged bool           `json:"dtoChanged"`
	Uptime     float64        `json:"uptime"`
	MediaCount int            `json:"mediaCount"`
	MediaError []PendingMedia `json:"mediaError"`
}

type MediaLister interface {
	Count(ctx context.Context) (int, error)
	ListPending(ctx context.Context, maxErrors int) ([]models.MediaRecord, error)
	GetPlaylistData(ctx context.Context) (models.PlaylistData, error)
}

type StateReader interface {
	State(ctx context.Context) (models.SyncState, error)
}

type Reporter struct {
	cache     MediaLister
	state     StateReader
	mediaPath string
	endpoint  string
	apiKey    string
	client    *http.Client
	started   time.Time
	now       func() time.Time
	diskStats func(path string) (Disk, error)
}

func NewReporter(cache MediaLister, state StateReader, mediaPath, cmsBaseURL, apiKey string, timeout time.Duration) *Reporter {
	return &Reporter{
		cache:     cache,
		state:     state,
		mediaPath: mediaPath,
		endpoint:  strings.TrimRight(cmsBaseURL, "/") + reportPath,
		apiKey:    apiKey,
		client:    utils.NewHTTPClient(timeout),
		started:   time.Now(),
		now:       time.Now,
		diskStats: diskUsage,
	}
}

// Collect gathers the current report. Disk statistics are best effort.
func (r *Reporter) Collect(ctx context.Context) (Report, error) {
	report := Report{
		Uptime:     r.now().Sub(r.started).Seconds(),
		MediaError: []PendingMedia{},
	}

	disk, err := r.diskStats(r.mediaPath)
	if err != nil {
		slog.Warn("Failed to read disk statistics", slog.String("path", r.mediaPath), slog.String("error", err.Error()))
	} else {
		report.Disk = disk
	}

	state, err := r.state.State(ctx)
	if err != nil && !errors.Is(err, syncer.ErrNoState) {
		return report, fmt.Errorf("failed to read sync state: %w", err)
	}
	report.IsSync = state.Syncing

	playlistVersion := ""
	data, err := r.cache.GetPlaylistData(ctx)
	switch {
	case err == nil:
		playlistVersion = data.Version
	case !errors.Is(err, cache.ErrNotFound):
		return report, fmt.Errorf("failed to read playlist data: %w", err)
	}
	report.DtoChanged = playlistVersion != state.SyncVersion

	count, err := r.cache.Count(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to count media: %w", err)
	}
	report.MediaCount = count

	pending, err := r.cache.ListPending(ctx, models.MaxDownloadAttempts)
	if err != nil {
		return report, fmt.Errorf("failed to list pending media: %w", err)
	}
	for _, record := range pending {
		report.MediaError = append(report.MediaError, PendingMedia{
			ID:       record.ID,
			Name:     record.Filename,
			Checksum: record.Checksum,
		})
	}

	return report, nil
}

// Report collects the current health and posts it to the CMS
func (r *Reporter) Report(ctx context.Context) error {
	err := r.report(ctx)
	if err != nil {
		metrics.HealthReports.WithLabelValues("error").Inc()
		return err
	}
	metrics.HealthReports.WithLabelValues("sent").Inc()
	return nil
}

func (r *Reporter) report(ctx context.Context) error {
	report, err := r.Collect(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", r.apiKey))
	res, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health report: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("health report rejected with status %d", res.StatusCode)
	}
	slog.Debug("Sent health report",
		slog.Int("media_count", report.MediaCount),
		slog.Int("media_error", len(report.MediaError)),
		slog.Bool("syncing", report.IsSync),
	)
	return nil
}
