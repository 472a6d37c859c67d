// Package store persists companies, positions, candidates and the scrape task
// audit log.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portal-connector/internal/model"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = eris.New("store: not found")

// TaskFilter specifies criteria for listing scrape tasks.
type TaskFilter struct {
	States        []model.TaskState `json:"states,omitempty"`
	PositionID    string            `json:"position_id,omitempty"`
	UpdatedBefore time.Time         `json:"updated_before,omitempty"`
	CreatedAfter  time.Time         `json:"created_after,omitempty"`
	Limit         int               `json:"limit,omitempty"`
}

const defaultListLimit = 100

func (f TaskFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// Store defines the persistence interface for candidate ingestion.
type Store interface {
	// Companies and positions: fetch-or-create, never mutated.
	EnsureCompany(ctx context.Context, name string) (*model.Company, error)
	EnsurePosition(ctx context.Context, companyID, title, externalID string) (*model.Position, error)

	// Candidates
	SeenDigests(ctx context.Context, positionID string) (model.DigestSet, error)
	InsertCandidates(ctx context.Context, positionID string, candidates []model.Candidate) (int, error)
	CountCandidates(ctx context.Context, positionID string) (int, error)

	// Scrape task audit log
	CreateTask(ctx context.Context, task *model.ScrapeTask) error
	UpdateTask(ctx context.Context, task *model.ScrapeTask) error
	GetTask(ctx context.Context, id string) (*model.ScrapeTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]model.ScrapeTask, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

var candidateColumns = []string{
	"position_id", "first_name", "last_name", "email", "phone", "phone_sha256", "source_url",
}

func candidateRow(positionID string, c model.Candidate) []any {
	return []any{positionID, c.FirstName, c.LastName, c.Email, c.Phone, c.Digest(), c.SourceURL}
}

func stateStrings(states []model.TaskState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
