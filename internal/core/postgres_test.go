//go:build integration

package core_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visualdiff/internal/core"
	"visualdiff/internal/db"
	"visualdiff/internal/migrations"
	"visualdiff/internal/storage"
)

// syncBuffer collects log output from concurrent transactions.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(msg string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), msg)
}

// newPostgresFixture runs the service on the Postgres repository so the
// row locks are the only thing ordering concurrent calls.
func newPostgresFixture(t *testing.T, logs *syncBuffer, opts ...core.Option) *fixture {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	require.NoError(t, migrations.Run(dsn))
	repo, err := db.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	f := &fixture{blobs: storage.NewMemory(), dispatcher: &fakeDispatcher{}}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	opts = append([]core.Option{core.WithLogger(logger)}, opts...)
	f.svc = core.New(repo, f.blobs, f.dispatcher, opts...)
	return f
}

func uniqueName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func TestPostgres_ConcurrentReleaseNumbers(t *testing.T) {
	f := newPostgresFixture(t, &syncBuffer{}, core.WithSingleActiveCandidate(false))
	b := f.build(t, uniqueName("site"))

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := f.svc.CreateRelease(context.Background(), core.CreateReleaseInput{BuildID: b.ID, Name: "v1"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			numbers = append(numbers, rel.Number)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, numbers, n)
	sort.Ints(numbers)
	for i, got := range numbers {
		assert.Equal(t, i+1, got)
	}
}

func TestPostgres_ConcurrentCreatorsOneWins(t *testing.T) {
	f := newPostgresFixture(t, &syncBuffer{})
	b := f.build(t, uniqueName("site"))

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateRelease(context.Background(), core.CreateReleaseInput{BuildID: b.ID, Name: "v1"})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.Equal(t, core.KindConflict, core.KindOf(err))
				conflicts++
				return
			}
			created++
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, n-1, conflicts)
}

func TestPostgres_ConcurrentDiffReportsTransitionOnce(t *testing.T) {
	ctx := context.Background()
	logs := &syncBuffer{}
	f := newPostgresFixture(t, logs)
	rel := f.release(t, f.build(t, uniqueName("site")).ID, "v1")

	var runs []*db.Run
	for i := 0; i < 8; i++ {
		runs = append(runs, f.run(t, rel, fmt.Sprintf("page-%d", i), fmt.Sprintf("img-%d", i)))
	}
	_, err := f.svc.MarkRunsComplete(ctx, keyOf(rel))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, run := range runs {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.svc.ReportDiff(ctx, core.ReportDiffInput{RunID: id, NoDiff: true})
				assert.NoError(t, err)
			}(run.ID)
		}
	}
	wg.Wait()

	assert.Equal(t, db.StatusReviewing, f.status(t, rel))
	assert.Equal(t, 1, logs.count("Release done processing, now reviewing"))
}

func TestPostgres_ReportRunRacesMarkRunsComplete(t *testing.T) {
	ctx := context.Background()
	f := newPostgresFixture(t, &syncBuffer{})

	for round := 0; round < 10; round++ {
		rel := f.release(t, f.build(t, uniqueName("site")).ID, "v1")

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted []*db.Run
		)
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				run, err := f.svc.ReportRun(ctx, core.ReportRunInput{
					ReleaseKey: keyOf(rel),
					RunName:    fmt.Sprintf("page-%d", i),
					Image:      fmt.Sprintf("img-%d", i),
					NoDiff:     i%2 == 1,
				})
				if err != nil {
					assert.Equal(t, core.KindConflict, core.KindOf(err))
					return
				}
				mu.Lock()
				accepted = append(accepted, run)
				mu.Unlock()
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.MarkRunsComplete(ctx, keyOf(rel))
			assert.NoError(t, err)
		}()
		wg.Wait()

		pending := 0
		for _, run := range accepted {
			if run.NeedsDiff {
				pending++
			}
		}
		if pending > 0 {
			// the gate must not pass a release with an unresolved run
			require.Equal(t, db.StatusProcessing, f.status(t, rel), "round %d", round)
		} else {
			require.Equal(t, db.StatusReviewing, f.status(t, rel), "round %d", round)
		}

		for _, run := range accepted {
			if run.NeedsDiff {
				_, err := f.svc.ReportDiff(ctx, core.ReportDiffInput{RunID: run.ID, NoDiff: true})
				require.NoError(t, err)
			}
		}
		assert.Equal(t, db.StatusReviewing, f.status(t, rel), "round %d", round)
	}
}

func TestPostgres_PromotionDoesNotReviveBadVerdict(t *testing.T) {
	ctx := context.Background()
	f := newPostgresFixture(t, &syncBuffer{})

	for round := 0; round < 10; round++ {
		b := f.build(t, uniqueName("site"))
		v1 := f.release(t, b.ID, "v1")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.FinalizeRelease(ctx, core.FinalizeReleaseInput{ReleaseKey: keyOf(v1), Status: db.StatusBad})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateRelease(ctx, core.CreateReleaseInput{BuildID: b.ID, Name: "v2"})
			assert.NoError(t, err)
		}()
		wg.Wait()

		// promotion either ran first and was overwritten, or saw the verdict
		assert.Equal(t, db.StatusBad, f.status(t, v1), "round %d", round)
	}
}
