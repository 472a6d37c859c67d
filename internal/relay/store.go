package relay

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/portal-connector/internal/db"
	"github.com/sells-group/portal-connector/internal/model"
)

// Store persists webhook deliveries and the outbound call queue.
type Store interface {
	LogDelivery(ctx context.Context, log *model.WebhookLog) error
	SaveCommits(ctx context.Context, commits []model.Commit) (int, error)
	UpsertPullRequest(ctx context.Context, pr *model.PullRequest) error
	UpsertIssue(ctx context.Context, issue *model.Issue) error

	SetRepository(ctx context.Context, repo string) error
	ClaimPending(ctx context.Context, limit int) ([]model.APICall, error)
	CompleteCall(ctx context.Context, call *model.APICall) error
}

// PostgresStore implements Store. The relay tables exist only in Postgres.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a relay store on pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) LogDelivery(ctx context.Context, log *model.WebhookLog) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO github_webhook_logs (delivery_id, event_type, action, repository_name, sender_login, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		log.DeliveryID, log.EventType, log.Action, log.RepositoryName, log.SenderLogin, []byte(log.Payload),
	).Scan(&log.ID, &log.CreatedAt)
	return eris.Wrapf(err, "relay: log delivery %s", log.DeliveryID)
}

var commitInsert = db.InsertConfig{
	Table:        "github_commits",
	Columns:      []string{"commit_sha", "repository_name", "ref", "message", "author_name", "author_email", "url", "committed_at"},
	ConflictKeys: []string{"repository_name", "commit_sha"},
}

// SaveCommits stores commits; a commit already seen (same repository and
// sha) is left unchanged.
func (s *PostgresStore) SaveCommits(ctx context.Context, commits []model.Commit) (int, error) {
	rows := make([][]any, 0, len(commits))
	for _, c := range commits {
		var at *time.Time
		if !c.CommittedAt.IsZero() {
			t := c.CommittedAt
			at = &t
		}
		rows = append(rows, []any{c.SHA, c.RepositoryName, c.Ref, c.Message, c.AuthorName, c.AuthorEmail, c.URL, at})
	}
	n, err := db.BulkInsert(ctx, s.pool, commitInsert, rows)
	if err != nil {
		return 0, eris.Wrap(err, "relay: save commits")
	}
	return int(n), nil
}

func (s *PostgresStore) UpsertPullRequest(ctx context.Context, pr *model.PullRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO github_pull_requests (repository_name, pr_number, title, state, action, author_login, url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (repository_name, pr_number) DO UPDATE SET
			title = EXCLUDED.title, state = EXCLUDED.state, action = EXCLUDED.action,
			author_login = EXCLUDED.author_login, url = EXCLUDED.url, updated_at = now()`,
		pr.RepositoryName, pr.Number, pr.Title, pr.State, pr.Action, pr.AuthorLogin, pr.URL,
	)
	return eris.Wrapf(err, "relay: upsert pull request %s#%d", pr.RepositoryName, pr.Number)
}

func (s *PostgresStore) UpsertIssue(ctx context.Context, issue *model.Issue) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO github_issues (repository_name, issue_number, title, state, action, author_login, url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (repository_name, issue_number) DO UPDATE SET
			title = EXCLUDED.title, state = EXCLUDED.state, action = EXCLUDED.action,
			author_login = EXCLUDED.author_login, url = EXCLUDED.url, updated_at = now()`,
		issue.RepositoryName, issue.Number, issue.Title, issue.State, issue.Action, issue.AuthorLogin, issue.URL,
	)
	return eris.Wrapf(err, "relay: upsert issue %s#%d", issue.RepositoryName, issue.Number)
}

// SetRepository sets the "owner/name" the candidate trigger dispatches to.
// An empty repo stops new calls from being queued.
func (s *PostgresStore) SetRepository(ctx context.Context, repo string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO github_relay_settings (id, repository) VALUES (TRUE, $1)
		 ON CONFLICT (id) DO UPDATE SET repository = EXCLUDED.repository, updated_at = now()`,
		repo,
	)
	return eris.Wrap(err, "relay: set repository")
}

// ClaimPending returns up to limit pending calls, oldest first, and counts
// the attempt. Rows locked by a concurrent dispatcher are skipped.
func (s *PostgresStore) ClaimPending(ctx context.Context, limit int) ([]model.APICall, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE github_api_calls SET attempts = attempts + 1
		 WHERE id IN (
			SELECT id FROM github_api_calls
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED)
		 RETURNING id, endpoint, payload, triggered_by_table, triggered_by_id, status, attempts, created_at`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "relay: claim pending calls")
	}
	calls, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.APICall, error) {
		var c model.APICall
		var payload []byte
		var status string
		err := row.Scan(&c.ID, &c.Endpoint, &payload, &c.TriggeredByTable, &c.TriggeredByID, &status, &c.Attempts, &c.CreatedAt)
		c.Payload = payload
		c.Status = model.APICallStatus(status)
		return c, err
	})
	if err != nil {
		return nil, eris.Wrap(err, "relay: scan pending calls")
	}
	return calls, nil
}

// CompleteCall records the outcome of a send attempt.
func (s *PostgresStore) CompleteCall(ctx context.Context, call *model.APICall) error {
	var status *int
	if call.ResponseStatus != 0 {
		status = &call.ResponseStatus
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE github_api_calls
		 SET status = $2, response_status = $3, response_body = $4, sent_at = $5
		 WHERE id = $1`,
		call.ID, string(call.Status), status, call.ResponseBody, call.SentAt,
	)
	return eris.Wrapf(err, "relay: complete call %s", call.ID)
}
