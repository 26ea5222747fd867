package core

import "visualdiff/internal/db"

type CreateBuildInput struct {
	Name string `json:"name" validate:"required"`
}

type CreateReleaseInput struct {
	BuildID string `json:"build_id" validate:"required"`
	Name    string `json:"name" validate:"required"`
}

// ReleaseKey identifies a release candidate.
type ReleaseKey struct {
	BuildID string `json:"build_id" validate:"required"`
	Name    string `json:"name" validate:"required"`
	Number  int    `json:"number" validate:"required,min=1"`
}

type ReportRunInput struct {
	ReleaseKey
	RunName   string `json:"run_name" validate:"required"`
	Image     string `json:"image" validate:"required"`
	Log       string `json:"log,omitempty"`
	Config    string `json:"config,omitempty"`
	NoDiff    bool   `json:"no_diff,omitempty"`
	DiffImage string `json:"diff_image,omitempty"`
	DiffLog   string `json:"diff_log,omitempty"`
}

type ReportDiffInput struct {
	RunID     string `json:"run_id" validate:"required"`
	NoDiff    bool   `json:"no_diff,omitempty"`
	DiffImage string `json:"diff_image,omitempty"`
	DiffLog   string `json:"diff_log,omitempty"`
}

type FinalizeReleaseInput struct {
	ReleaseKey
	Status db.ReleaseStatus `json:"status" validate:"required,oneof=good bad"`
}

// needsDiff is true unless the caller declared there is nothing to diff or
// supplied a diff result.
func needsDiff(noDiff bool, diffImage, diffLog string) bool {
	return !(noDiff || diffImage != "" || diffLog != "")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
