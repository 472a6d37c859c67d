package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/portal-connector/internal/db"
	"github.com/sells-group/portal-connector/internal/model"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects to databaseURL and returns a PostgresStore.
func NewPostgres(ctx context.Context, databaseURL string, pc db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, databaseURL, pc)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool for subsystems that share the database
// (the GitHub relay).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := db.Migrate(ctx, s.pool)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) EnsureCompany(ctx context.Context, name string) (*model.Company, error) {
	const sel = `SELECT id, name, created_at FROM companies WHERE name = $1`
	const ins = `INSERT INTO companies (id, name) VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
		RETURNING id, name, created_at`

	var c model.Company
	err := s.pool.QueryRow(ctx, sel, name).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: get company %q", name)
	}

	err = s.pool.QueryRow(ctx, ins, uuid.New().String(), name).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost a concurrent insert; the row exists now.
		err = s.pool.QueryRow(ctx, sel, name).Scan(&c.ID, &c.Name, &c.CreatedAt)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create company %q", name)
	}
	return &c, nil
}

func (s *PostgresStore) EnsurePosition(ctx context.Context, companyID, title, externalID string) (*model.Position, error) {
	const sel = `SELECT id, company_id, title, COALESCE(external_id, ''), created_at
		FROM positions WHERE company_id = $1 AND title = $2`
	const ins = `INSERT INTO positions (id, company_id, title, external_id) VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (company_id, title) DO NOTHING
		RETURNING id, company_id, title, COALESCE(external_id, ''), created_at`

	var p model.Position
	scan := func(row pgx.Row) error {
		return row.Scan(&p.ID, &p.CompanyID, &p.Title, &p.ExternalID, &p.CreatedAt)
	}

	err := scan(s.pool.QueryRow(ctx, sel, companyID, title))
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: get position %q", title)
	}

	err = scan(s.pool.QueryRow(ctx, ins, uuid.New().String(), companyID, title, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		err = scan(s.pool.QueryRow(ctx, sel, companyID, title))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create position %q", title)
	}
	return &p, nil
}

func (s *PostgresStore) SeenDigests(ctx context.Context, positionID string) (model.DigestSet, error) {
	rows, err := s.pool.Query(ctx, `SELECT phone_sha256 FROM candidates WHERE position_id = $1`, positionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: seen digests for %s", positionID)
	}
	defer rows.Close()

	seen := model.NewDigestSet()
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "postgres: scan digest")
		}
		seen.Add(d)
	}
	return seen, eris.Wrap(rows.Err(), "postgres: seen digests iterate")
}

func (s *PostgresStore) InsertCandidates(ctx context.Context, positionID string, candidates []model.Candidate) (int, error) {
	rows := make([][]any, len(candidates))
	for i, c := range candidates {
		rows[i] = candidateRow(positionID, c)
	}

	n, err := db.BulkInsert(ctx, s.pool, db.InsertConfig{
		Table:        "candidates",
		Columns:      candidateColumns,
		ConflictKeys: []string{"position_id", "phone_sha256"},
	}, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: insert candidates for %s", positionID)
	}
	return int(n), nil
}

func (s *PostgresStore) CountCandidates(ctx context.Context, positionID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM candidates WHERE position_id = $1`, positionID).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count candidates for %s", positionID)
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *model.ScrapeTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt, task.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO scrape_tasks (id, external_id, position_id, portal_url, state, error,
			raw_count, inserted_count, skipped_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.ExternalID, task.PositionID, task.PortalURL, string(task.State), task.Error,
		task.RawCount, task.InsertedCount, task.SkippedCount, now, now,
	)
	return eris.Wrapf(err, "postgres: create task %s", task.ID)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *model.ScrapeTask) error {
	task.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE scrape_tasks SET external_id = $1, state = $2, error = $3,
			raw_count = $4, inserted_count = $5, skipped_count = $6, updated_at = $7
		 WHERE id = $8`,
		task.ExternalID, string(task.State), task.Error,
		task.RawCount, task.InsertedCount, task.SkippedCount, task.UpdatedAt, task.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update task %s", task.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: update task %s", task.ID)
	}
	return nil
}

const taskColumns = `id, external_id, position_id, portal_url, state, error,
	raw_count, inserted_count, skipped_count, created_at, updated_at`

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.ScrapeTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM scrape_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get task %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get task %s", id)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.ScrapeTask, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.States) > 0 {
		where = append(where, "state = ANY("+arg(stateStrings(filter.States))+")")
	}
	if filter.PositionID != "" {
		where = append(where, "position_id = "+arg(filter.PositionID))
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+arg(filter.UpdatedBefore))
	}
	if !filter.CreatedAfter.IsZero() {
		where = append(where, "created_at > "+arg(filter.CreatedAfter))
	}

	query := `SELECT ` + taskColumns + ` FROM scrape_tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(filter.limit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var tasks []model.ScrapeTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: list tasks iterate")
}

func scanTask(row pgx.Row) (*model.ScrapeTask, error) {
	var t model.ScrapeTask
	var state string
	err := row.Scan(&t.ID, &t.ExternalID, &t.PositionID, &t.PortalURL, &state, &t.Error,
		&t.RawCount, &t.InsertedCount, &t.SkippedCount, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.State = model.TaskState(state)
	return &t, nil
}
