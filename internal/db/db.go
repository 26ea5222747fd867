package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Open connects to Postgres through the pgx stdlib driver.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	dbx, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &Postgres{db: dbx}, nil
}

func WithTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Postgres is the durable Repository.
type Postgres struct {
	db *sqlx.DB
}

func (p *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return WithTx(ctx, p.db, func(tx *sqlx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

type pgTx struct {
	tx *sqlx.Tx
}

func lockClause(lock LockMode) string {
	switch lock {
	case LockShare:
		return " for share"
	case LockUpdate:
		return " for update"
	}
	return ""
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func insertErr(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// getOne runs a single-row query and maps sql.ErrNoRows to (nil, nil).
func getOne[T any](ctx context.Context, tx *sqlx.Tx, query string, args ...any) (*T, error) {
	var v T
	if err := tx.GetContext(ctx, &v, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

func (t *pgTx) InsertBuild(ctx context.Context, b *Build) error {
	err := t.tx.GetContext(ctx, &b.CreatedAt,
		`insert into builds(id, name) values($1,$2) returning created_at`, b.ID, b.Name)
	return insertErr(err)
}

func (t *pgTx) GetBuild(ctx context.Context, id string, lock LockMode) (*Build, error) {
	return getOne[Build](ctx, t.tx, `select * from builds where id=$1`+lockClause(lock), id)
}

func (t *pgTx) InsertRelease(ctx context.Context, r *Release) error {
	err := t.tx.GetContext(ctx, &r.CreatedAt,
		`insert into releases(id, build_id, name, number, status) values($1,$2,$3,$4,$5) returning created_at`,
		r.ID, r.BuildID, r.Name, r.Number, r.Status)
	return insertErr(err)
}

func (t *pgTx) GetRelease(ctx context.Context, buildID, name string, number int, lock LockMode) (*Release, error) {
	return getOne[Release](ctx, t.tx,
		`select * from releases where build_id=$1 and name=$2 and number=$3`+lockClause(lock),
		buildID, name, number)
}

func (t *pgTx) GetReleaseByID(ctx context.Context, id string, lock LockMode) (*Release, error) {
	return getOne[Release](ctx, t.tx, `select * from releases where id=$1`+lockClause(lock), id)
}

func (t *pgTx) FindRelease(ctx context.Context, q ReleaseQuery) (*Release, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.BuildID != "" {
		add("build_id=$%d", q.BuildID)
	}
	if q.Name != "" {
		add("name=$%d", q.Name)
	}
	if q.ExcludeName != "" {
		add("name<>$%d", q.ExcludeName)
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		add("status = any($%d)", statuses)
	}
	query := `select * from releases`
	if len(conds) > 0 {
		query += ` where ` + strings.Join(conds, " and ")
	}
	query += ` order by created_at desc, number desc limit 1`
	return getOne[Release](ctx, t.tx, query, args...)
}

func (t *pgTx) MaxReleaseNumber(ctx context.Context, buildID, name string) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n,
		`select coalesce(max(number), 0) from releases where build_id=$1 and name=$2`, buildID, name)
	return n, err
}

func (t *pgTx) UpdateReleaseStatus(ctx context.Context, id string, status ReleaseStatus) error {
	_, err := t.tx.ExecContext(ctx, `update releases set status=$2 where id=$1`, id, status)
	return err
}

func (t *pgTx) InsertRun(ctx context.Context, r *Run) error {
	rows, err := sqlx.NamedQueryContext(ctx, t.tx,
		`insert into runs(id, release_id, name, image, log, config, previous_id, needs_diff, diff_image, diff_log)
		 values(:id, :release_id, :name, :image, :log, :config, :previous_id, :needs_diff, :diff_image, :diff_log)
		 returning created_at`, r)
	if err != nil {
		return insertErr(err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&r.CreatedAt); err != nil {
			return err
		}
	}
	return insertErr(rows.Err())
}

func (t *pgTx) GetRun(ctx context.Context, id string, lock LockMode) (*Run, error) {
	return getOne[Run](ctx, t.tx, `select * from runs where id=$1`+lockClause(lock), id)
}

func (t *pgTx) FindRunByName(ctx context.Context, releaseID, name string) (*Run, error) {
	return getOne[Run](ctx, t.tx, `select * from runs where release_id=$1 and name=$2`, releaseID, name)
}

func (t *pgTx) ListRuns(ctx context.Context, releaseID string) ([]Run, error) {
	runs := make([]Run, 0)
	err := t.tx.SelectContext(ctx, &runs,
		`select * from runs where release_id=$1 order by created_at, name`, releaseID)
	return runs, err
}

func (t *pgTx) CountPendingRuns(ctx context.Context, releaseID string) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, `select count(1) from runs where release_id=$1 and needs_diff`, releaseID)
	return n, err
}

func (t *pgTx) ListPendingRuns(ctx context.Context, limit int) ([]Run, error) {
	runs := make([]Run, 0)
	err := t.tx.SelectContext(ctx, &runs,
		`select r.* from runs r join releases rel on rel.id = r.release_id
		 where r.needs_diff and rel.status in ('receiving','processing','reviewing')
		 order by r.created_at limit $1`, limit)
	return runs, err
}

func (t *pgTx) UpdateRunDiff(ctx context.Context, r *Run) error {
	_, err := t.tx.ExecContext(ctx,
		`update runs set needs_diff=$2, diff_image=$3, diff_log=$4 where id=$1`,
		r.ID, r.NeedsDiff, r.DiffImage, r.DiffLog)
	return err
}

func (t *pgTx) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	return getOne[Artifact](ctx, t.tx, `select * from artifacts where id=$1`, id)
}

func (t *pgTx) InsertArtifact(ctx context.Context, a *Artifact) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`insert into artifacts(id, content_type, size) values($1,$2,$3) on conflict (id) do nothing`,
		a.ID, a.ContentType, a.Size)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
