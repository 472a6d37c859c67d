// Package monitoring watches the scrape task audit log and raises webhook
// alerts when tasks fail or pile up unresolved.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portal-connector/internal/model"
	"github.com/sells-group/portal-connector/internal/store"
)

// collectLimit bounds the tasks read per snapshot.
const collectLimit = 10000

// MetricsSnapshot holds a point-in-time view of scrape health.
type MetricsSnapshot struct {
	TasksTotal      int     `json:"tasks_total"`
	TasksIngested   int     `json:"tasks_ingested"`
	TasksFailed     int     `json:"tasks_failed"`
	TasksInFlight   int     `json:"tasks_in_flight"`  // submitted or polling
	TasksUnresolved int     `json:"tasks_unresolved"` // timed out or abandoned, awaiting reconciliation
	FailRate        float64 `json:"fail_rate"`

	CandidatesInserted int `json:"candidates_inserted"`
	CandidatesSkipped  int `json:"candidates_skipped"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// TaskLister is the store subset the collector reads.
type TaskLister interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]model.ScrapeTask, error)
}

// Collector gathers metrics from the task audit log.
type Collector struct {
	tasks TaskLister
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(tasks TaskLister) *Collector {
	return &Collector{tasks: tasks, now: time.Now}
}

// Collect gathers a snapshot over tasks created in the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	tasks, err := c.tasks.ListTasks(ctx, store.TaskFilter{
		CreatedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        collectLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list tasks")
	}

	snap.TasksTotal = len(tasks)
	for _, t := range tasks {
		switch t.State {
		case model.TaskStateIngested, model.TaskStateFinished:
			snap.TasksIngested++
		case model.TaskStateFailed:
			snap.TasksFailed++
		case model.TaskStateSubmitted, model.TaskStatePolling:
			snap.TasksInFlight++
		case model.TaskStateTimedOut, model.TaskStateAbandoned:
			snap.TasksUnresolved++
		}
		snap.CandidatesInserted += t.InsertedCount
		snap.CandidatesSkipped += t.SkippedCount
	}

	if done := snap.TasksIngested + snap.TasksFailed; done > 0 {
		snap.FailRate = float64(snap.TasksFailed) / float64(done)
	}
	return snap, nil
}
