package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/portal-connector/internal/model"
	"github.com/sells-group/portal-connector/internal/scrape"
	"github.com/sells-group/portal-connector/internal/store"
	"github.com/sells-group/portal-connector/pkg/browseruse"
)

// Checker polls a recorded task once.
type Checker interface {
	Check(ctx context.Context, task *model.ScrapeTask) ([]model.RawCandidate, error)
}

// ReconcileConfig controls which tasks a reconcile pass picks up.
type ReconcileConfig struct {
	Grace time.Duration // minimum age since the last update
	Limit int
}

// ReconcileSummary counts the outcomes of one pass.
type ReconcileSummary struct {
	Checked  int `json:"checked"`
	Pending  int `json:"pending"`
	Ingested int `json:"ingested"`
	Failed   int `json:"failed"`
	Errors   int `json:"errors"`
}

// Reconciler resumes tasks whose caller stopped waiting: it re-polls them
// and ingests the ones that finished since.
type Reconciler struct {
	svc     *Service
	checker Checker
	cfg     ReconcileConfig
}

// NewReconciler creates a Reconciler that ingests through svc.
func NewReconciler(svc *Service, checker Checker, cfg ReconcileConfig) *Reconciler {
	if cfg.Grace <= 0 {
		cfg.Grace = 15 * time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 50
	}
	return &Reconciler{svc: svc, checker: checker, cfg: cfg}
}

var resumableStates = []model.TaskState{
	model.TaskStateSubmitted,
	model.TaskStatePolling,
	model.TaskStateTimedOut,
	model.TaskStateAbandoned,
}

// Run makes one pass over resumable tasks. Poll errors are counted and the
// task is retried on the next pass; storage errors abort the pass.
func (r *Reconciler) Run(ctx context.Context) (ReconcileSummary, error) {
	var sum ReconcileSummary
	log := zap.L().With(zap.String("component", "reconcile"))

	tasks, err := r.svc.store.ListTasks(ctx, store.TaskFilter{
		States:        resumableStates,
		UpdatedBefore: r.svc.now().Add(-r.cfg.Grace),
		Limit:         r.cfg.Limit,
	})
	if err != nil {
		return sum, storageError("list resumable tasks", err)
	}

	for i := range tasks {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		task := &tasks[i]
		sum.Checked++

		raw, err := r.checker.Check(ctx, task)
		var se *browseruse.SchemaError
		switch {
		case errors.Is(err, scrape.ErrNotReady):
			sum.Pending++
			continue
		case errors.Is(err, scrape.ErrTaskFailed), errors.As(err, &se):
			sum.Failed++
			log.Info("reconcile: task failed", zap.String("external_id", task.ExternalID), zap.Error(err))
			continue
		case err != nil:
			sum.Errors++
			log.Warn("reconcile: check task", zap.String("external_id", task.ExternalID), zap.Error(err))
			continue
		}

		seen, err := r.svc.store.SeenDigests(ctx, task.PositionID)
		if err != nil {
			return sum, storageError("load seen digests", err)
		}
		rep, err := r.svc.ingest(ctx, task.PositionID, seen, task, raw)
		if err != nil {
			return sum, err
		}
		sum.Ingested++
		log.Info("reconcile: task ingested",
			zap.String("external_id", task.ExternalID),
			zap.Int("inserted", rep.InsertedCount),
			zap.Int("skipped", rep.SkippedCount),
		)
	}

	log.Info("reconcile: pass complete",
		zap.Int("checked", sum.Checked),
		zap.Int("ingested", sum.Ingested),
		zap.Int("pending", sum.Pending),
		zap.Int("failed", sum.Failed),
		zap.Int("errors", sum.Errors),
	)
	return sum, nil
}
