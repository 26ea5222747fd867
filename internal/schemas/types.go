package schemas

import (
	"visualdiff/internal/core"
	"visualdiff/internal/db"
)

// ErrorDetail is the body of every failed API call.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type RedriveRequest struct {
	Limit int `json:"limit,omitempty"`
}

type RedriveResponse struct {
	Enqueued int `json:"enqueued"`
}

type ReleaseRuns struct {
	Release *db.Release `json:"release"`
	Runs    []db.Run    `json:"runs"`
}

// ReportedRun echoes the release key next to the stored run so the caller
// can correlate the response without a second lookup.
type ReportedRun struct {
	core.ReleaseKey
	*db.Run
}

type HealthStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
