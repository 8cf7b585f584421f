package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/marcus-crane/signpost/config"
	"github.com/marcus-crane/signpost/metrics"
	"github.com/marcus-crane/signpost/models"
	"github.com/marcus-crane/signpost/utils"
)

const (
	breakerName      = "cms-media"
	breakerThreshold = 10
	breakerTimeout   = time.Minute
)

type Downloader struct {
	mediaPath   string
	baseURL     string
	apiKey      string
	concurrency int
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	// idleTimeout is how long a fetch may go without receiving a byte
	idleTimeout time.Duration
	// staging is held shared by downloads and exclusively by CleanTemp
	staging sync.RWMutex
	now     func() time.Time
}

// NewDownloader builds a downloader for the media route. When client is nil,
// a streaming client is created that only bounds the wait for response headers.
// Once the body is flowing, a fetch fails if it goes FETCH_TIMEOUT_SECONDS without a byte.
func NewDownloader(cfg config.Config, client *http.Client) *Downloader {
	if client == nil {
		client = utils.NewStreamingClient(cfg.Sync.FetchTimeout())
	}
	concurrency := cfg.Sync.DownloadConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	idleTimeout := cfg.Sync.FetchTimeout()
	if idleTimeout <= 0 {
		idleTimeout = config.Default().Sync.FetchTimeout()
	}
	return &Downloader{
		mediaPath:   cfg.Storage.MediaPath,
		baseURL:     strings.TrimRight(cfg.CMS.MediaBaseURL, "/"),
		apiKey:      cfg.CMS.APIKey,
		concurrency: concurrency,
		client:      client,
		breaker:     newBreaker(),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

func newBreaker() *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerThreshold
		},
		IsSuccessful: func(err error) bool {
			return !countsAgainstBreaker(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker changed state",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

// MediaURL is the CMS location of a piece of media, ie; {CMS_MEDIA_BASE_URL}/{id}
func (d *Downloader) MediaURL(id string) string {
	return d.baseURL + "/" + url.PathEscape(id)
}

// DownloadAndVerify fetches media in chunks of the configured concurrency.
// Every download in a chunk runs at once and the chunk finishes before the next
// one begins. There is one record per descriptor, in order, and a failure only
// ever affects the record of the file that failed.
func (d *Downloader) DownloadAndVerify(ctx context.Context, media []models.Descriptor) []models.MediaRecord {
	if len(media) == 0 {
		return nil
	}
	d.staging.RLock()
	defer d.staging.RUnlock()

	if err := os.MkdirAll(d.TempPath(), 0o755); err != nil {
		slog.Error("Failed to create temp directory", slog.String("error", err.Error()))
	}

	results := make([]models.MediaRecord, 0, len(media))
	for chunk := range slices.Chunk(media, d.concurrency) {
		records := make([]models.MediaRecord, len(chunk))
		var wg sync.WaitGroup
		for i, m := range chunk {
			wg.Add(1)
			go func() {
				defer wg.Done()
				records[i] = d.processFile(ctx, m)
			}()
		}
		wg.Wait()
		results = append(results, records...)
	}

	downloaded := 0
	for _, r := range results {
		if r.IsDownloaded {
			downloaded++
		}
	}
	slog.Info("Finished downloading media",
		slog.Int("requested", len(media)),
		slog.Int("downloaded", downloaded),
		slog.Int("failed", len(media)-downloaded))

	return results
}

func (d *Downloader) processFile(ctx context.Context, m models.Descriptor) models.MediaRecord {
	record := models.MediaRecord{
		ID:        m.ID,
		Filename:  m.Name,
		Checksum:  m.Checksum,
		LocalPath: d.FinalPath(m),
		Status:    models.MediaError,
	}

	size, err := d.download(ctx, m)
	record.UpdatedAt = d.now()
	if err != nil {
		slog.Error("Failed to download media",
			slog.String("media_id", m.ID),
			slog.String("name", m.Name),
			slog.String("error", err.Error()))
		metrics.MediaDownloads.WithLabelValues(string(models.MediaError)).Inc()
		return record
	}

	record.IsDownloaded = true
	record.Status = models.MediaDownloaded
	metrics.MediaDownloads.WithLabelValues(string(models.MediaDownloaded)).Inc()
	metrics.MediaBytes.Add(float64(size))
	slog.Debug("Downloaded media", slog.String("media_id", m.ID), slog.Int64("bytes", size))
	return record
}

// download runs stage, verify and promote for a single file. The staged file never outlives a failure.
func (d *Downloader) download(ctx context.Context, m models.Descriptor) (int64, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	// Large files may take as long as they like, as long as bytes keep arriving
	watchdog := time.AfterFunc(d.idleTimeout, func() {
		cancel(ErrStalled)
	})
	defer watchdog.Stop()

	res, err := d.fetch(ctx, m.ID)
	if err != nil {
		return 0, stalledOr(ctx, d.idleTimeout, err)
	}
	defer res.Body.Close()

	stagePath := d.stagePath(m)
	body := &idleReader{r: res.Body, timer: watchdog, idle: d.idleTimeout}
	sum, size, err := stage(body, stagePath)
	if err != nil {
		os.Remove(stagePath)
		return 0, fmt.Errorf("failed to stage media: %w", stalledOr(ctx, d.idleTimeout, err))
	}

	if !strings.EqualFold(sum, m.Checksum) {
		os.Remove(stagePath)
		return 0, fmt.Errorf("%w: expected %s but got %s", ErrChecksumMismatch, m.Checksum, sum)
	}

	if err := moveFile(stagePath, d.FinalPath(m)); err != nil {
		os.Remove(stagePath)
		return 0, fmt.Errorf("failed to promote media: %w", err)
	}

	return size, nil
}

func (d *Downloader) fetch(ctx context.Context, id string) (*http.Response, error) {
	return d.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.MediaURL(id), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", d.apiKey))
		req.Header.Set("Accept", "application/json, application/octet-stream")

		res, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}

		html := isHTML(res.Header.Get("Content-Type"))
		if res.StatusCode < 200 || res.StatusCode > 299 {
			defer res.Body.Close()
			statusErr := &StatusError{Code: res.StatusCode}
			if html {
				statusErr.Title = pageTitle(res.Body)
			}
			return nil, statusErr
		}
		if html {
			// Usually a login or error page served with a 200
			defer res.Body.Close()
			return nil, fmt.Errorf("%w: %q", ErrHTMLPayload, pageTitle(res.Body))
		}
		return res, nil
	})
}

// idleReader pushes the watchdog back every time data arrives
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	idle  time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.idle)
	}
	return n, err
}

func stalledOr(ctx context.Context, idle time.Duration, err error) error {
	if errors.Is(context.Cause(ctx), ErrStalled) {
		return fmt.Errorf("%w: nothing received for %s: %w", ErrStalled, idle, err)
	}
	return err
}

// stage streams body to path, hashing as it goes
func stage(body io.Reader, path string) (string, int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	hash := md5.New()
	size, err := io.Copy(io.MultiWriter(f, hash), body)
	if err != nil {
		f.Close()
		return "", 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "text/html")
	}
	return mediaType == "text/html"
}

func pageTitle(body io.Reader) string {
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(body, 64<<10))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
