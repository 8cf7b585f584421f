package snapshot

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marcus-crane/signpost/models"
)

// Snapshot is the versioned manifest published by the CMS
type Snapshot struct {
	Meta Meta `json:"meta"`
	Data Data `json:"data"`

	// Raw holds the payload exactly as it was received so it can be persisted
	Raw []byte `json:"-"`
}

type Meta struct {
	Version     string    `json:"version" validate:"required"`
	GeneratedAt Timestamp `json:"generated_at" validate:"required"`
}

type Data struct {
	CenterID  string     `json:"center_id" validate:"required,uuidstr"`
	Campaigns []Campaign `json:"campaigns" validate:"required,dive"`
}

type Campaign struct {
	ID         string    `json:"id" validate:"required,uuidstr"`
	Title      string    `json:"title"`
	Department string    `json:"department"`
	Agreement  string    `json:"agreement"`
	StartAt    Timestamp `json:"start_at" validate:"required"`
	EndAt      Timestamp `json:"end_at" validate:"required"`
	Slots      Slots     `json:"slots"`
}

type Slots struct {
	AM []Slot `json:"am" validate:"required,dive"`
	PM []Slot `json:"pm" validate:"required,dive"`
}

type Slot struct {
	ID              string  `json:"id" validate:"required,uuidstr"`
	Name            string  `json:"name"`
	Checksum        string  `json:"checksum" validate:"required,checksum"`
	DurationSeconds float64 `json:"duration_seconds"`
	Position        float64 `json:"position"`
}

func (s Slot) Descriptor() models.Descriptor {
	return models.Descriptor{
		ID:       s.ID,
		Name:     s.Name,
		Checksum: s.Checksum,
	}
}

// ActiveAt reports whether now falls inside the campaign window, bounds included
func (c Campaign) ActiveAt(now time.Time) bool {
	return !now.Before(c.StartAt.Time) && !now.After(c.EndAt.Time)
}

// EndedBy reports whether the campaign window closed before now
func (c Campaign) EndedBy(now time.Time) bool {
	return now.After(c.EndAt.Time)
}

func (c Campaign) MediaIDs() []string {
	ids := make([]string, 0, len(c.Slots.AM)+len(c.Slots.PM))
	for _, slot := range c.Slots.AM {
		ids = append(ids, slot.ID)
	}
	for _, slot := range c.Slots.PM {
		ids = append(ids, slot.ID)
	}
	return ids
}

// MediaList flattens the am and pm slots of every campaign into the set of
// media the node must hold. The same media can appear in several slots and
// campaigns so it is de-duplicated by id, keeping the first occurrence.
func (s *Snapshot) MediaList() []models.Descriptor {
	seen := make(map[string]struct{})
	var media []models.Descriptor
	for _, campaign := range s.Data.Campaigns {
		for _, slot := range append(append([]Slot{}, campaign.Slots.AM...), campaign.Slots.PM...) {
			if _, ok := seen[slot.ID]; ok {
				continue
			}
			seen[slot.ID] = struct{}{}
			media = append(media, slot.Descriptor())
		}
	}
	return media
}

// Timestamp accepts the handful of date formats the CMS has been seen to emit
// and always marshals back out as UTC ISO 8601 with milliseconds.
type Timestamp struct {
	time.Time
}

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func ParseTimestamp(value string) (Timestamp, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return Timestamp{t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognised timestamp %q", value)
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t Timestamp) String() string {
	return t.UTC().Format(isoMillis)
}
