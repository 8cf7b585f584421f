package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/marcus-crane/signpost/models"
)

// SQLite caps the number of bound parameters so IN queries are split up
const batchSize = 500

var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:  db,
		now: time.Now,
	}
}

// GetMissingFiles returns, in their original order, the descriptors that aren't
// already cached. Media only counts as cached when a downloaded record exists
// with a matching checksum and the id hasn't been forced as missing.
func (s *Store) GetMissingFiles(ctx context.Context, media []models.Descriptor, forcedMissing []string) ([]models.Descriptor, error) {
	if len(media) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(media))
	for _, m := range media {
		ids = append(ids, m.ID)
	}

	cached := make(map[string]string, len(ids))
	for chunk := range slices.Chunk(ids, batchSize) {
		query, args, err := sqlx.In(`SELECT id, checksum FROM media WHERE is_downloaded = TRUE AND id IN (?)`, chunk)
		if err != nil {
			return nil, err
		}
		var rows []struct {
			ID       string `db:"id"`
			Checksum string `db:"checksum"`
		}
		if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("failed to look up cached media: %w", err)
		}
		for _, row := range rows {
			cached[row.ID] = row.Checksum
		}
	}

	forced := make(map[string]struct{}, len(forcedMissing))
	for _, id := range forcedMissing {
		forced[id] = struct{}{}
	}

	var missing []models.Descriptor
	for _, m := range media {
		checksum, ok := cached[m.ID]
		_, isForced := forced[m.ID]
		if ok && !isForced && strings.EqualFold(checksum, m.Checksum) {
			continue
		}
		missing = append(missing, m)
	}

	slog.Debug("Compared snapshot media against cache",
		slog.Int("requested", len(media)),
		slog.Int("missing", len(missing)),
		slog.Int("forced", len(forcedMissing)))

	return missing, nil
}

// SaveMany upserts download results in a single transaction. A fresh error
// record starts with an error count of one, every further error upsert
// bumps it and a successful download resets it.
func (s *Store) SaveMany(ctx context.Context, records []models.MediaRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	var committed bool
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	for _, record := range records {
		record.ErrorCount = 0
		if record.Status == models.MediaError {
			record.ErrorCount = 1
		}
		if record.UpdatedAt.IsZero() {
			record.UpdatedAt = s.now()
		}
		_, err := tx.NamedExecContext(ctx, `
		  INSERT INTO media
		  (id, filename, checksum, local_path, is_downloaded, status, error_count, updated_at)
		  VALUES (:id, :filename, :checksum, :local_path, :is_downloaded, :status, :error_count, :updated_at)
		  ON CONFLICT (id) DO UPDATE SET
		    filename = excluded.filename,
		    checksum = excluded.checksum,
		    local_path = excluded.local_path,
		    is_downloaded = excluded.is_downloaded,
		    status = excluded.status,
		    error_count = CASE WHEN excluded.status = 'error' THEN media.error_count + 1 ELSE 0 END,
		    updated_at = excluded.updated_at`,
			record)
		if err != nil {
			return fmt.Errorf("failed to save media %s: %w", record.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	committed = true

	slog.Debug("Saved media records", slog.Int("count", len(records)))
	return nil
}

func (s *Store) ListDownloaded(ctx context.Context) ([]models.MediaRecord, error) {
	var records []models.MediaRecord
	err := s.db.SelectContext(ctx, &records, `
	  SELECT id, filename, checksum, local_path, is_downloaded, status, error_count, updated_at
	  FROM media
	  WHERE is_downloaded = TRUE
	  ORDER BY id`)
	return records, err
}

func (s *Store) DownloadedIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM media WHERE is_downloaded = TRUE`); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// ListRetryable returns failed media that haven't yet used up their attempts
func (s *Store) ListRetryable(ctx context.Context, maxErrors int) ([]models.MediaRecord, error) {
	var records []models.MediaRecord
	err := s.db.SelectContext(ctx, &records, `
	  SELECT id, filename, checksum, local_path, is_downloaded, status, error_count, updated_at
	  FROM media
	  WHERE status = ? AND error_count < ?
	  ORDER BY updated_at`,
		models.MediaError, maxErrors)
	return records, err
}

// ListPending returns media that isn't on disk yet but may still arrive
func (s *Store) ListPending(ctx context.Context, maxErrors int) ([]models.MediaRecord, error) {
	var records []models.MediaRecord
	err := s.db.SelectContext(ctx, &records, `
	  SELECT id, filename, checksum, local_path, is_downloaded, status, error_count, updated_at
	  FROM media
	  WHERE is_downloaded = FALSE AND error_count < ?
	  ORDER BY id`,
		maxErrors)
	return records, err
}

func (s *Store) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	var deleted int64
	for chunk := range slices.Chunk(ids, batchSize) {
		query, args, err := sqlx.In(`DELETE FROM media WHERE id IN (?)`, chunk)
		if err != nil {
			return deleted, err
		}
		res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete media: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM media`)
	return count, err
}

// SavePlaylistData records the snapshot that was last processed in full
func (s *Store) SavePlaylistData(ctx context.Context, version string, raw []byte) error {
	_, err := s.db.ExecContext(ctx, `
	  INSERT INTO playlist_data (id, version, raw_json, updated_at)
	  VALUES (?, ?, ?, ?)
	  ON CONFLICT (id) DO UPDATE SET
	    version = excluded.version,
	    raw_json = excluded.raw_json,
	    updated_at = excluded.updated_at`,
		models.SyncStateID, version, string(raw), s.now())
	if err != nil {
		return fmt.Errorf("failed to save playlist data: %w", err)
	}
	return nil
}

func (s *Store) GetPlaylistData(ctx context.Context) (models.PlaylistData, error) {
	var data models.PlaylistData
	err := s.db.GetContext(ctx, &data, `
	  SELECT id, version, raw_json, updated_at
	  FROM playlist_data
	  WHERE id = ?`,
		models.SyncStateID)
	if errors.Is(err, sql.ErrNoRows) {
		return data, ErrNotFound
	}
	return data, err
}
