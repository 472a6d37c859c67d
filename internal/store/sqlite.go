package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/portal-connector/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite for local runs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at path and configures WAL mode.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps per-connection pragmas in force and serializes
	// writers instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS positions (
	id          TEXT PRIMARY KEY,
	company_id  TEXT NOT NULL REFERENCES companies(id) ON DELETE CASCADE,
	title       TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (company_id, title)
);

CREATE TABLE IF NOT EXISTS candidates (
	id           TEXT PRIMARY KEY,
	position_id  TEXT NOT NULL REFERENCES positions(id) ON DELETE CASCADE,
	first_name   TEXT NOT NULL DEFAULT '',
	last_name    TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	phone        TEXT NOT NULL DEFAULT '',
	phone_sha256 TEXT NOT NULL,
	source_url   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (position_id, phone_sha256)
);

CREATE TABLE IF NOT EXISTS scrape_tasks (
	id             TEXT PRIMARY KEY,
	external_id    TEXT NOT NULL DEFAULT '',
	position_id    TEXT NOT NULL REFERENCES positions(id) ON DELETE CASCADE,
	portal_url     TEXT NOT NULL,
	state          TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	raw_count      INTEGER NOT NULL DEFAULT 0,
	inserted_count INTEGER NOT NULL DEFAULT 0,
	skipped_count  INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_company ON positions(company_id);
CREATE INDEX IF NOT EXISTS idx_scrape_tasks_state ON scrape_tasks(state, updated_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureCompany(ctx context.Context, name string) (*model.Company, error) {
	const sel = `SELECT id, name, created_at FROM companies WHERE name = ?`

	var c model.Company
	err := s.db.QueryRowContext(ctx, sel, name).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(err, "sqlite: get company %q", name)
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO companies (id, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO NOTHING
		 RETURNING id, name, created_at`,
		uuid.New().String(), name, time.Now().UTC(),
	).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRowContext(ctx, sel, name).Scan(&c.ID, &c.Name, &c.CreatedAt)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create company %q", name)
	}
	return &c, nil
}

func (s *SQLiteStore) EnsurePosition(ctx context.Context, companyID, title, externalID string) (*model.Position, error) {
	const sel = `SELECT id, company_id, title, external_id, created_at FROM positions
		WHERE company_id = ? AND title = ?`

	var p model.Position
	scan := func(row *sql.Row) error {
		return row.Scan(&p.ID, &p.CompanyID, &p.Title, &p.ExternalID, &p.CreatedAt)
	}

	err := scan(s.db.QueryRowContext(ctx, sel, companyID, title))
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(err, "sqlite: get position %q", title)
	}

	err = scan(s.db.QueryRowContext(ctx,
		`INSERT INTO positions (id, company_id, title, external_id, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (company_id, title) DO NOTHING
		 RETURNING id, company_id, title, external_id, created_at`,
		uuid.New().String(), companyID, title, externalID, time.Now().UTC(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		err = scan(s.db.QueryRowContext(ctx, sel, companyID, title))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create position %q", title)
	}
	return &p, nil
}

func (s *SQLiteStore) SeenDigests(ctx context.Context, positionID string) (model.DigestSet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phone_sha256 FROM candidates WHERE position_id = ?`, positionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: seen digests for %s", positionID)
	}
	defer rows.Close()

	seen := model.NewDigestSet()
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan digest")
		}
		seen.Add(d)
	}
	return seen, eris.Wrap(rows.Err(), "sqlite: seen digests iterate")
}

func (s *SQLiteStore) InsertCandidates(ctx context.Context, positionID string, candidates []model.Candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin candidates tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO candidates (id, `+strings.Join(candidateColumns, ", ")+`, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (position_id, phone_sha256) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare candidate insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var inserted int64
	for _, c := range candidates {
		args := append([]any{uuid.New().String()}, candidateRow(positionID, c)...)
		res, err := stmt.ExecContext(ctx, append(args, now)...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert candidate for %s", positionID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit candidates")
	}
	return int(inserted), nil
}

func (s *SQLiteStore) CountCandidates(ctx context.Context, positionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM candidates WHERE position_id = ?`, positionID).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count candidates for %s", positionID)
}

func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.ScrapeTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt, task.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scrape_tasks (id, external_id, position_id, portal_url, state, error,
			raw_count, inserted_count, skipped_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ExternalID, task.PositionID, task.PortalURL, string(task.State), task.Error,
		task.RawCount, task.InsertedCount, task.SkippedCount, now, now,
	)
	return eris.Wrapf(err, "sqlite: create task %s", task.ID)
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, task *model.ScrapeTask) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE scrape_tasks SET external_id = ?, state = ?, error = ?,
			raw_count = ?, inserted_count = ?, skipped_count = ?, updated_at = ?
		 WHERE id = ?`,
		task.ExternalID, string(task.State), task.Error,
		task.RawCount, task.InsertedCount, task.SkippedCount, task.UpdatedAt, task.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update task %s", task.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: update task %s", task.ID)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.ScrapeTask, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scrape_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get task %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get task %s", id)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.ScrapeTask, error) {
	query := `SELECT ` + taskColumns + ` FROM scrape_tasks WHERE 1=1`
	var args []any

	if len(filter.States) > 0 {
		query += ` AND state IN (?` + strings.Repeat(", ?", len(filter.States)-1) + `)`
		for _, st := range stateStrings(filter.States) {
			args = append(args, st)
		}
	}
	if filter.PositionID != "" {
		query += ` AND position_id = ?`
		args = append(args, filter.PositionID)
	}
	if !filter.UpdatedBefore.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, filter.UpdatedBefore.UTC())
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close()

	var tasks []model.ScrapeTask
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: list tasks iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row scannable) (*model.ScrapeTask, error) {
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
