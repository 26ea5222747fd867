package core_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"visualdiff/internal/core"
	"visualdiff/internal/db"
	"visualdiff/internal/storage"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []core.Job
	err  error
}

func (d *fakeDispatcher) Enqueue(_ context.Context, job core.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *fakeDispatcher) runIDs(t *testing.T) []string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.jobs))
	for _, job := range d.jobs {
		require.Equal(t, core.TopicRunPDiff, job.Topic)
		var payload core.DiffJob
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		require.Equal(t, job.Key, payload.RunID)
		ids = append(ids, payload.RunID)
	}
	return ids
}

type fixture struct {
	svc        *core.Service
	repo       *db.Memory
	blobs      *storage.Memory
	dispatcher *fakeDispatcher
}

func newFixture(t *testing.T, opts ...core.Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:       db.NewMemory(),
		blobs:      storage.NewMemory(),
		dispatcher: &fakeDispatcher{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]core.Option{core.WithLogger(logger)}, opts...)
	f.svc = core.New(f.repo, f.blobs, f.dispatcher, opts...)
	return f
}

func (f *fixture) build(t *testing.T, name string) *db.Build {
	t.Helper()
	b, err := f.svc.CreateBuild(context.Background(), core.CreateBuildInput{Name: name})
	require.NoError(t, err)
	return b
}

func (f *fixture) release(t *testing.T, buildID, name string) *db.Release {
	t.Helper()
	r, err := f.svc.CreateRelease(context.Background(), core.CreateReleaseInput{BuildID: buildID, Name: name})
	require.NoError(t, err)
	return r
}

func (f *fixture) run(t *testing.T, rel *db.Release, runName, image string) *db.Run {
	t.Helper()
	r, err := f.svc.ReportRun(context.Background(), core.ReportRunInput{
		ReleaseKey: keyOf(rel),
		RunName:    runName,
		Image:      image,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) finalize(t *testing.T, rel *db.Release, status db.ReleaseStatus) *db.Release {
	t.Helper()
	r, err := f.svc.FinalizeRelease(context.Background(), core.FinalizeReleaseInput{
		ReleaseKey: keyOf(rel),
		Status:     status,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) status(t *testing.T, rel *db.Release) db.ReleaseStatus {
	t.Helper()
	got, err := f.svc.GetRelease(context.Background(), keyOf(rel))
	require.NoError(t, err)
	return got.Status
}

func keyOf(rel *db.Release) core.ReleaseKey {
	return core.ReleaseKey{BuildID: rel.BuildID, Name: rel.Name, Number: rel.Number}
}
