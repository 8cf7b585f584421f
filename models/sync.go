package models

import (
	"database/sql"
	"time"
)

type SyncStatus string

const (
	SyncInProgress SyncStatus = "InProgress"
	SyncCompleted  SyncStatus = "Completed"
	SyncFailed     SyncStatus = "Failed"
)

// SyncStateID is the fixed key of the singleton sync_state and playlist_data rows
const SyncStateID = 1

// SyncState describes the sync attempt that is in flight, or the last one that finished.
type SyncState struct {
	ID            int            `db:"id" json:"-"`
	Syncing       bool           `db:"syncing" json:"syncing"`
	SyncStartedAt sql.NullTime   `db:"sync_started_at" json:"-"`
	SyncVersion   string         `db:"sync_version" json:"sync_version"`
	Status        SyncStatus     `db:"status" json:"status"`
	ErrorMessage  sql.NullString `db:"error_message" json:"-"`
}

// LockedSince reports whether the row holds a live lock at now, given the lock TTL.
// A row without a start time can never hold a live lock.
func (s SyncState) LockedSince(now time.Time, ttl time.Duration) bool {
	if !s.Syncing || !s.SyncStartedAt.Valid {
		return false
	}
	return now.Sub(s.SyncStartedAt.Time) < ttl
}

// PlaylistData keeps the raw snapshot that was last processed in full so that
// the playlist and cache can be rebuilt without talking to the CMS.
type PlaylistData struct {
	ID        int       `db:"id"`
	Version   string    `db:"version"`
	RawJSON   string    `db:"raw_json"`
	UpdatedAt time.Time `db:"updated_at"`
}
