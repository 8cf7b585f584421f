package models

import (
	"path/filepath"
	"time"
)

type MediaStatus string

const (
	MediaDownloaded MediaStatus = "downloaded"
	MediaError      MediaStatus = "error"
)

// MaxDownloadAttempts is the number of failed upserts after which a media
// record is no longer picked up by the retry pass.
const MaxDownloadAttempts = 5

// Descriptor identifies a single piece of media that the CMS expects to be
// present on disk. The extension of Name decides the extension of the cached file.
type Descriptor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
}

// FileName is the name the media is cached under, ie; <id>.<ext>
func (d Descriptor) FileName() string {
	return d.ID + filepath.Ext(d.Name)
}

// MediaRecord is the persisted outcome of the most recent download attempt for a media id.
// IsDownloaded implies that the file at LocalPath existed and hashed to Checksum
// at the moment it was written. It may go stale if the file is removed out from under us.
type MediaRecord struct {
	ID           string      `db:"id" json:"id"`
	Filename     string      `db:"filename" json:"filename"`
	Checksum     string      `db:"checksum" json:"checksum"`
	LocalPath    string      `db:"local_path" json:"local_path"`
	IsDownloaded bool        `db:"is_downloaded" json:"is_downloaded"`
	Status       MediaStatus `db:"status" json:"status"`
	ErrorCount   int         `db:"error_count" json:"error_count"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
}

func (m MediaRecord) Descriptor() Descriptor {
	return Descriptor{
		ID:       m.ID,
		Name:     m.Filename,
		Checksum: m.Checksum,
	}
}
