package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/marcus-crane/signpost/models"
)

// TempDirName is the staging directory inside the media path. It is never served.
const TempDirName = "temp"

// swapped out in tests to simulate a cross-device rename
var rename = os.Rename

func (d *Downloader) MediaPath() string {
	return d.mediaPath
}

func (d *Downloader) TempPath() string {
	return filepath.Join(d.mediaPath, TempDirName)
}

// FinalPath is where verified media lives, ie; MEDIA_PATH/<id><ext>
func (d *Downloader) FinalPath(m models.Descriptor) string {
	return filepath.Join(d.mediaPath, m.FileName())
}

func (d *Downloader) stagePath(m models.Descriptor) string {
	return filepath.Join(d.TempPath(), m.FileName())
}

// CachedFiles returns the names of every regular file in the media path,
// creating the directory if it doesn't exist yet.
func (d *Downloader) CachedFiles() (map[string]struct{}, error) {
	if err := os.MkdirAll(d.mediaPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	entries, err := os.ReadDir(d.mediaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list media directory: %w", err)
	}
	files := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == TempDirName {
			continue
		}
		files[entry.Name()] = struct{}{}
	}
	return files, nil
}

// PhysicalIntegrityCheck returns the ids of media that have no file on disk.
// Files are matched on id alone, with the extension stripped.
func (d *Downloader) PhysicalIntegrityCheck(media []models.Descriptor) ([]string, error) {
	files, err := d.CachedFiles()
	if err != nil {
		return nil, err
	}
	present := make(map[string]struct{}, len(files))
	for name := range files {
		id, _, _ := strings.Cut(name, ".")
		present[id] = struct{}{}
	}

	var missing []string
	for _, m := range media {
		if _, ok := present[m.ID]; !ok {
			missing = append(missing, m.ID)
		}
	}
	if len(missing) > 0 {
		slog.Info("Media missing from disk", slog.Int("count", len(missing)))
	}
	return missing, nil
}

// CleanTemp empties the staging directory, creating it if needed.
// It waits for any downloads in flight so their staged files survive.
func (d *Downloader) CleanTemp() error {
	d.staging.Lock()
	defer d.staging.Unlock()

	tempPath := d.TempPath()
	if err := os.MkdirAll(tempPath, 0o755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	entries, err := os.ReadDir(tempPath)
	if err != nil {
		return fmt.Errorf("failed to list temp directory: %w", err)
	}
	var errs []error
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(tempPath, entry.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(entries) > 0 {
		slog.Debug("Cleaned temp directory", slog.Int("entries", len(entries)))
	}
	return errors.Join(errs...)
}

// RemoveFile deletes the cached file for a piece of media. A file that is already gone is not an error.
func (d *Downloader) RemoveFile(m models.Descriptor) error {
	err := os.Remove(d.FinalPath(m))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// moveFile promotes a staged file. Rename is atomic but only within a single
// filesystem so a cross-device move falls back to copying next to the
// destination and renaming from there.
func moveFile(src, dst string) error {
	err := rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	slog.Debug("Cross-device move, falling back to copy", slog.String("src", src), slog.String("dst", dst))

	partial := dst + ".partial"
	if err := copyFile(src, partial); err != nil {
		os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, dst); err != nil {
		os.Remove(partial)
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
