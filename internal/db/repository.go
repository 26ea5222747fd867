package db

import (
	"context"
	"errors"
)

// ErrDuplicate is returned by inserts that hit a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate key")

// LockMode selects the row lock taken by a read inside a transaction.
type LockMode int

const (
	LockNone LockMode = iota
	// LockShare blocks concurrent LockUpdate holders but not other sharers.
	LockShare
	LockUpdate
)

// ReleaseQuery selects the most recently created release matching every
// non-zero field.
type ReleaseQuery struct {
	BuildID     string
	Name        string
	ExcludeName string
	Statuses    []ReleaseStatus
}

// Repository owns transactions. Entities never persist themselves; every
// write goes through a Tx handed out by WithTx.
type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of queries the lifecycle needs. Getters return (nil, nil)
// when nothing matches.
type Tx interface {
	InsertBuild(ctx context.Context, b *Build) error
	GetBuild(ctx context.Context, id string, lock LockMode) (*Build, error)

	InsertRelease(ctx context.Context, r *Release) error
	GetRelease(ctx context.Context, buildID, name string, number int, lock LockMode) (*Release, error)
	GetReleaseByID(ctx context.Context, id string, lock LockMode) (*Release, error)
	FindRelease(ctx context.Context, q ReleaseQuery) (*Release, error)
	MaxReleaseNumber(ctx context.Context, buildID, name string) (int, error)
	UpdateReleaseStatus(ctx context.Context, id string, status ReleaseStatus) error

	InsertRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string, lock LockMode) (*Run, error)
	FindRunByName(ctx context.Context, releaseID, name string) (*Run, error)
	ListRuns(ctx context.Context, releaseID string) ([]Run, error)
	CountPendingRuns(ctx context.Context, releaseID string) (int, error)
	ListPendingRuns(ctx context.Context, limit int) ([]Run, error)
	UpdateRunDiff(ctx context.Context, r *Run) error

	GetArtifact(ctx context.Context, id string) (*Artifact, error)
	// InsertArtifact stores a if its id is absent and reports whether it did.
	InsertArtifact(ctx context.Context, a *Artifact) (bool, error)
}
