package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visualdiff/internal/core"
	"visualdiff/internal/db"
)

func TestLifecycle_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	b1, err := f.svc.CreateBuild(ctx, core.CreateBuildInput{Name: "B1"})
	require.NoError(t, err)

	rel, err := f.svc.CreateRelease(ctx, core.CreateReleaseInput{BuildID: b1.ID, Name: "v1"})
	require.NoError(t, err)
	require.Equal(t, 1, rel.Number)

	h1, err := f.svc.UploadArtifact(ctx, "home.png", []byte("H1"))
	require.NoError(t, err)

	run, err := f.svc.ReportRun(ctx, core.ReportRunInput{
		ReleaseKey: core.ReleaseKey{BuildID: b1.ID, Name: "v1", Number: 1},
		RunName:    "home",
		Image:      h1.ID,
	})
	require.NoError(t, err)
	assert.True(t, run.NeedsDiff)
	assert.Equal(t, []string{run.ID}, f.dispatcher.runIDs(t))

	resolved, err := f.svc.ReportDiff(ctx, core.ReportDiffInput{RunID: run.ID, NoDiff: true})
	require.NoError(t, err)
	assert.False(t, resolved.NeedsDiff)

	done, err := f.svc.MarkRunsComplete(ctx, core.ReleaseKey{BuildID: b1.ID, Name: "v1", Number: 1})
	require.NoError(t, err)
	assert.Equal(t, db.StatusReviewing, done.Status)

	final, err := f.svc.FinalizeRelease(ctx, core.FinalizeReleaseInput{
		ReleaseKey: core.ReleaseKey{BuildID: b1.ID, Name: "v1", Number: 1},
		Status:     db.StatusGood,
	})
	require.NoError(t, err)
	assert.Equal(t, db.StatusGood, final.Status)

	// the next candidate compares against the approved run
	next, err := f.svc.CreateRelease(ctx, core.CreateReleaseInput{BuildID: b1.ID, Name: "v1"})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Number)

	again := f.run(t, next, "home", h1.ID)
	require.NotNil(t, again.PreviousID)
	assert.Equal(t, run.ID, *again.PreviousID)
}
