package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/marcus-crane/signpost/models"
)

type Reason string

const (
	ReasonNewSync        Reason = "newSync"
	ReasonAlreadySyncing Reason = "alreadySyncing"
	ReasonNoChange       Reason = "noChange"
	ReasonRecovery       Reason = "recovery"
)

// Decision is the verdict of TryStartSync. CanSync means the caller now holds the lock.
type Decision struct {
	CanSync bool
	Reason  Reason
}

const interruptedMessage = "interrupted by restart"

var ErrNoState = errors.New("no sync has been attempted yet")

// StateStore owns the singleton sync_state row
type StateStore struct {
	db  *sqlx.DB
	ttl time.Duration
	now func() time.Time
}

func NewStateStore(db *sqlx.DB, ttl time.Duration) *StateStore {
	return &StateStore{
		db:  db,
		ttl: ttl,
		now: time.Now,
	}
}

// TryStartSync decides whether a sync for version may run and, if so, takes
// the lock. The read and the write happen in one immediate transaction so two
// triggers can never both win.
func (s *StateStore) TryStartSync(ctx context.Context, version string) (Decision, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Decision{}, err
	}

	var committed bool
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	now := s.now()
	decision, err := s.decide(ctx, tx, version, now)
	if err != nil {
		return Decision{}, err
	}

	if decision.CanSync {
		if err := acquire(ctx, tx, version, now); err != nil {
			return Decision{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return Decision{}, err
	}
	committed = true

	slog.Debug("Sync decision reached",
		slog.String("version", version),
		slog.Bool("can_sync", decision.CanSync),
		slog.String("reason", string(decision.Reason)))

	return decision, nil
}

func (s *StateStore) decide(ctx context.Context, tx *sqlx.Tx, version string, now time.Time) (Decision, error) {
	state, err := getState(ctx, tx)
	if errors.Is(err, ErrNoState) {
		return Decision{CanSync: true, Reason: ReasonNewSync}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	if state.LockedSince(now, s.ttl) {
		return Decision{CanSync: false, Reason: ReasonAlreadySyncing}, nil
	}
	if state.Syncing {
		slog.Warn("Overriding stale sync lock",
			slog.String("version", state.SyncVersion),
			slog.Any("started_at", state.SyncStartedAt.Time))
	}

	if state.SyncVersion != version {
		return Decision{CanSync: true, Reason: ReasonNewSync}, nil
	}

	var stored string
	err = tx.GetContext(ctx, &stored, `SELECT version FROM playlist_data WHERE id = ?`, models.SyncStateID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Decision{}, fmt.Errorf("failed to read playlist data: %w", err)
	}
	if err == nil && stored == version {
		return Decision{CanSync: false, Reason: ReasonNoChange}, nil
	}

	// Version was recorded but never completed, so what's cached can't be trusted
	return Decision{CanSync: true, Reason: ReasonRecovery}, nil
}

func getState(ctx context.Context, q sqlx.QueryerContext) (models.SyncState, error) {
	var state models.SyncState
	err := sqlx.GetContext(ctx, q, &state, `
	  SELECT id, syncing, sync_started_at, sync_version, status, error_message
	  FROM sync_state
	  WHERE id = ?`,
		models.SyncStateID)
	if errors.Is(err, sql.ErrNoRows) {
		return state, ErrNoState
	}
	if err != nil {
		return state, fmt.Errorf("failed to read sync state: %w", err)
	}
	return state, nil
}

func acquire(ctx context.Context, tx *sqlx.Tx, version string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
	  INSERT INTO sync_state (id, syncing, sync_started_at, sync_version, status, error_message)
	  VALUES (?, TRUE, ?, ?, ?, NULL)
	  ON CONFLICT (id) DO UPDATE SET
	    syncing = TRUE,
	    sync_started_at = excluded.sync_started_at,
	    sync_version = excluded.sync_version,
	    status = excluded.status,
	    error_message = NULL`,
		models.SyncStateID, now, version, models.SyncInProgress)
	if err != nil {
		return fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	return nil
}

// FinishSync releases the lock and records how the cycle ended
func (s *StateStore) FinishSync(ctx context.Context, version string, syncErr error) error {
	status := models.SyncCompleted
	var message sql.NullString
	if syncErr != nil {
		status = models.SyncFailed
		message = sql.NullString{String: syncErr.Error(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
	  INSERT INTO sync_state (id, syncing, sync_started_at, sync_version, status, error_message)
	  VALUES (?, FALSE, NULL, ?, ?, ?)
	  ON CONFLICT (id) DO UPDATE SET
	    syncing = FALSE,
	    sync_started_at = NULL,
	    sync_version = excluded.sync_version,
	    status = excluded.status,
	    error_message = excluded.error_message`,
		models.SyncStateID, version, status, message)
	if err != nil {
		return fmt.Errorf("failed to finish sync: %w", err)
	}
	return nil
}

// MarkFailed records a cycle that failed before it could take the lock. A sync
// that is live is left alone since the failure isn't its own.
func (s *StateStore) MarkFailed(ctx context.Context, cause string) error {
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

	state, err := getState(ctx, tx)
	if err != nil && !errors.Is(err, ErrNoState) {
		return err
	}
	if err == nil && state.LockedSince(s.now(), s.ttl) {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
	  INSERT INTO sync_state (id, syncing, sync_started_at, sync_version, status, error_message)
	  VALUES (?, FALSE, NULL, '', ?, ?)
	  ON CONFLICT (id) DO UPDATE SET
	    syncing = FALSE,
	    sync_started_at = NULL,
	    status = excluded.status,
	    error_message = excluded.error_message`,
		models.SyncStateID, models.SyncFailed, cause)
	if err != nil {
		return fmt.Errorf("failed to mark sync as failed: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// RecoverInterrupted fails a sync that was still in progress when the process
// last stopped. It should run once, before anything else touches the state.
func (s *StateStore) RecoverInterrupted(ctx context.Context) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
	  UPDATE sync_state
	  SET syncing = FALSE, sync_started_at = NULL, status = ?, error_message = ?
	  WHERE id = ? AND status = ?`,
		models.SyncFailed, interruptedMessage, models.SyncStateID, models.SyncInProgress)
	if err != nil {
		return false, fmt.Errorf("failed to recover interrupted sync: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		slog.Warn("Recovered a sync interrupted by restart")
	}
	return n > 0, nil
}

func (s *StateStore) State(ctx context.Context) (models.SyncState, error) {
	return getState(ctx, s.db)
}
