package db

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// Memory is a Repository held in process memory. Transactions are fully
// serialized and copy-on-write, so a failed transaction leaves no trace.
// Lock modes are implied by the serialization.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	seq       int64
	builds    map[string]Build
	releases  map[string]Release
	runs      map[string]Run
	artifacts map[string]Artifact
	order     map[string]int64
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		builds:    map[string]Build{},
		releases:  map[string]Release{},
		runs:      map[string]Run{},
		artifacts: map[string]Artifact{},
		order:     map[string]int64{},
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		seq:       s.seq,
		builds:    maps.Clone(s.builds),
		releases:  maps.Clone(s.releases),
		runs:      maps.Clone(s.runs),
		artifacts: maps.Clone(s.artifacts),
		order:     maps.Clone(s.order),
	}
}

func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	next := m.state.clone()
	if err := fn(&memTx{s: next}); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

type memTx struct {
	s *memState
}

func (t *memTx) stamp(id string) time.Time {
	t.s.seq++
	t.s.order[id] = t.s.seq
	return time.Now().UTC()
}

func ptr[T any](v T) *T { return &v }

func (t *memTx) InsertBuild(_ context.Context, b *Build) error {
	if _, ok := t.s.builds[b.ID]; ok {
		return ErrDuplicate
	}
	b.CreatedAt = t.stamp(b.ID)
	t.s.builds[b.ID] = *b
	return nil
}

func (t *memTx) GetBuild(_ context.Context, id string, _ LockMode) (*Build, error) {
	if b, ok := t.s.builds[id]; ok {
		return ptr(b), nil
	}
	return nil, nil
}

func (t *memTx) InsertRelease(_ context.Context, r *Release) error {
	if _, ok := t.s.releases[r.ID]; ok {
		return ErrDuplicate
	}
	for _, o := range t.s.releases {
		if o.BuildID == r.BuildID && o.Name == r.Name && o.Number == r.Number {
			return ErrDuplicate
		}
	}
	r.CreatedAt = t.stamp(r.ID)
	t.s.releases[r.ID] = *r
	return nil
}

func (t *memTx) GetRelease(_ context.Context, buildID, name string, number int, _ LockMode) (*Release, error) {
	for _, r := range t.s.releases {
		if r.BuildID == buildID && r.Name == name && r.Number == number {
			return ptr(r), nil
		}
	}
	return nil, nil
}

func (t *memTx) GetReleaseByID(_ context.Context, id string, _ LockMode) (*Release, error) {
	if r, ok := t.s.releases[id]; ok {
		return ptr(r), nil
	}
	return nil, nil
}

func (t *memTx) FindRelease(_ context.Context, q ReleaseQuery) (*Release, error) {
	var (
		best    *Release
		bestSeq int64
	)
	for _, r := range t.s.releases {
		if q.BuildID != "" && r.BuildID != q.BuildID {
			continue
		}
		if q.Name != "" && r.Name != q.Name {
			continue
		}
		if q.ExcludeName != "" && r.Name == q.ExcludeName {
			continue
		}
		if len(q.Statuses) > 0 && !hasStatus(q.Statuses, r.Status) {
			continue
		}
		if seq := t.s.order[r.ID]; best == nil || seq > bestSeq {
			best, bestSeq = ptr(r), seq
		}
	}
	return best, nil
}

func hasStatus(list []ReleaseStatus, s ReleaseStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (t *memTx) MaxReleaseNumber(_ context.Context, buildID, name string) (int, error) {
	n := 0
	for _, r := range t.s.releases {
		if r.BuildID == buildID && r.Name == name && r.Number > n {
			n = r.Number
		}
	}
	return n, nil
}

func (t *memTx) UpdateReleaseStatus(_ context.Context, id string, status ReleaseStatus) error {
	r, ok := t.s.releases[id]
	if !ok {
		return nil
	}
	r.Status = status
	t.s.releases[id] = r
	return nil
}

func (t *memTx) InsertRun(_ context.Context, r *Run) error {
	if _, ok := t.s.runs[r.ID]; ok {
		return ErrDuplicate
	}
	for _, o := range t.s.runs {
		if o.ReleaseID == r.ReleaseID && o.Name == r.Name {
			return ErrDuplicate
		}
	}
	r.CreatedAt = t.stamp(r.ID)
	t.s.runs[r.ID] = *r
	return nil
}

func (t *memTx) GetRun(_ context.Context, id string, _ LockMode) (*Run, error) {
	if r, ok := t.s.runs[id]; ok {
		return ptr(r), nil
	}
	return nil, nil
}

func (t *memTx) FindRunByName(_ context.Context, releaseID, name string) (*Run, error) {
	for _, r := range t.s.runs {
		if r.ReleaseID == releaseID && r.Name == name {
			return ptr(r), nil
		}
	}
	return nil, nil
}

func (t *memTx) sortedRuns(keep func(Run) bool) []Run {
	runs := make([]Run, 0)
	for _, r := range t.s.runs {
		if keep(r) {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return t.s.order[runs[i].ID] < t.s.order[runs[j].ID]
	})
	return runs
}

func (t *memTx) ListRuns(_ context.Context, releaseID string) ([]Run, error) {
	return t.sortedRuns(func(r Run) bool { return r.ReleaseID == releaseID }), nil
}

func (t *memTx) CountPendingRuns(_ context.Context, releaseID string) (int, error) {
	n := 0
	for _, r := range t.s.runs {
		if r.ReleaseID == releaseID && r.NeedsDiff {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListPendingRuns(_ context.Context, limit int) ([]Run, error) {
	runs := t.sortedRuns(func(r Run) bool {
		rel, ok := t.s.releases[r.ReleaseID]
		return r.NeedsDiff && ok && !rel.Status.Terminal()
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (t *memTx) UpdateRunDiff(_ context.Context, r *Run) error {
	cur, ok := t.s.runs[r.ID]
	if !ok {
		return nil
	}
	cur.NeedsDiff, cur.DiffImage, cur.DiffLog = r.NeedsDiff, r.DiffImage, r.DiffLog
	t.s.runs[r.ID] = cur
	return nil
}

func (t *memTx) GetArtifact(_ context.Context, id string) (*Artifact, error) {
	if a, ok := t.s.artifacts[id]; ok {
		return ptr(a), nil
	}
	return nil, nil
}

func (t *memTx) InsertArtifact(_ context.Context, a *Artifact) (bool, error) {
	if _, ok := t.s.artifacts[a.ID]; ok {
		return false, nil
	}
	a.CreatedAt = t.stamp(a.ID)
	t.s.artifacts[a.ID] = *a
	return true, nil
}
