package db

import "time"

// ReleaseStatus is the lifecycle state of a release candidate.
type ReleaseStatus string

const (
	StatusReceiving  ReleaseStatus = "receiving"
	StatusProcessing ReleaseStatus = "processing"
	StatusReviewing  ReleaseStatus = "reviewing"
	StatusGood       ReleaseStatus = "good"
	StatusBad        ReleaseStatus = "bad"
)

// Terminal reports whether no further lifecycle transition happens on its own.
func (s ReleaseStatus) Terminal() bool {
	return s == StatusGood || s == StatusBad
}

// Valid reports whether s is one of the known states.
func (s ReleaseStatus) Valid() bool {
	switch s {
	case StatusReceiving, StatusProcessing, StatusReviewing, StatusGood, StatusBad:
		return true
	}
	return false
}

type Build struct {
	ID        string    `db:"id" json:"build_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Release struct {
	ID        string        `db:"id" json:"release_id"`
	BuildID   string        `db:"build_id" json:"build_id"`
	Name      string        `db:"name" json:"name"`
	Number    int           `db:"number" json:"number"`
	Status    ReleaseStatus `db:"status" json:"status"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
}

// Run is one named screenshot within a release. Artifact columns hold content
// hashes and are not foreign keys: bytes may be uploaded after the run is reported.
type Run struct {
	ID         string    `db:"id" json:"run_id"`
	ReleaseID  string    `db:"release_id" json:"release_id"`
	Name       string    `db:"name" json:"run_name"`
	Image      string    `db:"image" json:"image"`
	Log        *string   `db:"log" json:"log,omitempty"`
	Config     *string   `db:"config" json:"config,omitempty"`
	PreviousID *string   `db:"previous_id" json:"previous_id"`
	NeedsDiff  bool      `db:"needs_diff" json:"needs_diff"`
	DiffImage  *string   `db:"diff_image" json:"diff_image,omitempty"`
	DiffLog    *string   `db:"diff_log" json:"diff_log,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Artifact is the metadata row of a content-addressed blob. The bytes live in
// blob storage under the same id.
type Artifact struct {
	ID          string    `db:"id" json:"sha256"`
	ContentType string    `db:"content_type" json:"content_type"`
	Size        int64     `db:"size" json:"size"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
