// Package scrape drives a Browser-Use task from submission to a decoded
// candidate list: submit, poll to a terminal state, validate the output.
package scrape

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/portal-connector/internal/model"
	"github.com/sells-group/portal-connector/internal/resilience"
	"github.com/sells-group/portal-connector/pkg/browseruse"
)

// ServiceName keys the Browser-Use circuit breaker.
const ServiceName = "browseruse"

var (
	// ErrTaskFailed means the remote task ended in failed or stopped.
	ErrTaskFailed = eris.New("scrape: task failed")
	// ErrPollTimeout means the task did not reach a terminal state within the
	// poll ceiling. It may still finish remotely.
	ErrPollTimeout = eris.New("scrape: poll timeout")
	// ErrNotReady is returned by Check while the task is still running.
	ErrNotReady = eris.New("scrape: task not terminal")
)

// Recorder persists task state transitions.
type Recorder interface {
	CreateTask(ctx context.Context, task *model.ScrapeTask) error
	UpdateTask(ctx context.Context, task *model.ScrapeTask) error
}

// Config controls submission and polling.
type Config struct {
	PollInitial     time.Duration
	PollCap         time.Duration
	PollTimeout     time.Duration // hard ceiling per Await call
	SaveBrowserData bool
	Retry           resilience.RetryConfig
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		PollInitial:     2 * time.Second,
		PollCap:         15 * time.Second,
		PollTimeout:     10 * time.Minute,
		SaveBrowserData: true,
		Retry:           resilience.DefaultRetryConfig(),
	}
}

// Job is one scrape of a position on a portal.
type Job struct {
	PortalURL    string
	Username     string
	Password     string
	PositionName string
	CompanyName  string
	PositionID   string
	Seen         model.DigestSet
}

// Result is a finished task and its decoded output.
type Result struct {
	Task       *model.ScrapeTask
	Candidates []model.RawCandidate
	Polls      int
}

// Orchestrator runs Browser-Use tasks. It is safe for concurrent use.
type Orchestrator struct {
	client  browseruse.Client
	rec     Recorder
	breaker *resilience.CircuitBreaker
	cfg     Config
}

// New creates an Orchestrator.
func New(client browseruse.Client, rec Recorder, breakers *resilience.ServiceBreakers, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = def.PollInitial
	}
	if cfg.PollCap < cfg.PollInitial {
		cfg.PollCap = cfg.PollInitial
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger(ServiceName, "run-task")
	}
	return &Orchestrator{
		client:  client,
		rec:     rec,
		breaker: breakers.Get(ServiceName),
		cfg:     cfg,
	}
}

// Run submits job and polls it to completion.
func (o *Orchestrator) Run(ctx context.Context, job Job) (*Result, error) {
	task, err := o.Submit(ctx, job)
	if err != nil {
		return nil, err
	}
	return o.Await(ctx, task)
}

// Submit creates the remote task and records it as submitted. Transient
// failures are retried: no task exists until a submission succeeds.
func (o *Orchestrator) Submit(ctx context.Context, job Job) (*model.ScrapeTask, error) {
	domain, err := AllowedDomain(job.PortalURL)
	if err != nil {
		return nil, err
	}

	req := browseruse.RunTaskRequest{
		Task: BuildTaskPrompt(job.PortalURL, job.PositionName, job.CompanyName),
		Secrets: browseruse.Secrets{
			Username:      job.Username,
			Password:      job.Password,
			SkipHashesCSV: strings.Join(job.Seen.Keys(), ","),
		},
		AllowedDomains:       []string{domain},
		StructuredOutputJSON: browseruse.CandidateSchema,
		SaveBrowserData:      o.cfg.SaveBrowserData,
	}

	resp, err := resilience.DoVal(ctx, o.cfg.Retry, func(ctx context.Context) (*browseruse.RunTaskResponse, error) {
		return resilience.ExecuteVal(ctx, o.breaker, func(ctx context.Context) (*browseruse.RunTaskResponse, error) {
			return o.client.RunTask(ctx, req)
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "scrape: submit task")
	}

	task := &model.ScrapeTask{
		ExternalID: resp.ID,
		PositionID: job.PositionID,
		PortalURL:  job.PortalURL,
		State:      model.TaskStateSubmitted,
	}
	if err := o.rec.CreateTask(context.WithoutCancel(ctx), task); err != nil {
		zap.L().Error("scrape: record submitted task",
			zap.String("external_id", resp.ID), zap.Error(err))
	}
	zap.L().Info("scrape: task submitted",
		zap.String("external_id", resp.ID),
		zap.String("position_id", job.PositionID),
		zap.Int("seen", len(job.Seen)),
	)
	return task, nil
}

// Await polls task until it is terminal, the poll ceiling passes, or ctx is
// done. Transient poll errors keep polling the same task id.
func (o *Orchestrator) Await(ctx context.Context, task *model.ScrapeTask) (*Result, error) {
	log := zap.L().With(zap.String("component", "scrape"), zap.String("external_id", task.ExternalID))

	pollCtx, cancel := context.WithTimeout(ctx, o.cfg.PollTimeout)
	defer cancel()

	o.transition(ctx, task, model.TaskStatePolling, "")

	interval := o.cfg.PollInitial
	for polls := 1; ; polls++ {
		resp, err := resilience.ExecuteVal(pollCtx, o.breaker, func(ctx context.Context) (*browseruse.TaskResponse, error) {
			return o.client.GetTask(ctx, task.ExternalID)
		})

		switch {
		case err != nil && pollCtx.Err() != nil:
			return nil, o.stop(ctx, task)
		case err != nil && (resilience.IsTransient(err) || errors.Is(err, resilience.ErrCircuitOpen)):
			log.Warn("scrape: poll failed, will retry", zap.Int("poll", polls), zap.Error(err))
		case err != nil:
			o.transition(ctx, task, model.TaskStateFailed, err.Error())
			return nil, eris.Wrapf(err, "scrape: poll task %s", task.ExternalID)
		default:
			cands, done, err := o.settle(ctx, task, resp)
			if done {
				if err != nil {
					return nil, err
				}
				log.Info("scrape: task finished", zap.Int("polls", polls), zap.Int("candidates", len(cands)))
				return &Result{Task: task, Candidates: cands, Polls: polls}, nil
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			return nil, o.stop(ctx, task)
		case <-timer.C:
		}
		interval = min(interval*2, o.cfg.PollCap)
	}
}

// Check polls task once. It returns ErrNotReady while the remote task is
// still running.
func (o *Orchestrator) Check(ctx context.Context, task *model.ScrapeTask) ([]model.RawCandidate, error) {
	resp, err := resilience.ExecuteVal(ctx, o.breaker, func(ctx context.Context) (*browseruse.TaskResponse, error) {
		return o.client.GetTask(ctx, task.ExternalID)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "scrape: check task %s", task.ExternalID)
	}
	cands, done, err := o.settle(ctx, task, resp)
	if !done {
		return nil, ErrNotReady
	}
	return cands, err
}

// settle applies a status response to task. done is false while the remote
// task is still running.
func (o *Orchestrator) settle(ctx context.Context, task *model.ScrapeTask, resp *browseruse.TaskResponse) ([]model.RawCandidate, bool, error) {
	switch resp.Status {
	case browseruse.StatusFinished:
		cands, err := browseruse.DecodeCandidates(task.ExternalID, resp.Output)
		if err != nil {
			o.transition(ctx, task, model.TaskStateFailed, err.Error())
			return nil, true, err
		}
		task.RawCount = len(cands)
		o.transition(ctx, task, model.TaskStateFinished, "")
		return cands, true, nil
	case browseruse.StatusFailed, browseruse.StatusStopped:
		msg := resp.Error
		if msg == "" {
			msg = "task " + resp.Status
		}
		o.transition(ctx, task, model.TaskStateFailed, msg)
		return nil, true, eris.Wrapf(ErrTaskFailed, "task %s %s: %s", task.ExternalID, resp.Status, msg)
	default:
		return nil, false, nil
	}
}

// stop records why polling ended early: the caller went away (abandoned) or
// the ceiling passed (timed out).
func (o *Orchestrator) stop(ctx context.Context, task *model.ScrapeTask) error {
	if err := ctx.Err(); err != nil {
		zap.L().Warn("scrape: caller gone while task in progress; remote task left running",
			zap.String("external_id", task.ExternalID),
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		o.transition(ctx, task, model.TaskStateAbandoned, err.Error())
		return eris.Wrapf(err, "scrape: task %s abandoned", task.ExternalID)
	}
	o.transition(ctx, task, model.TaskStateTimedOut, "poll timeout exceeded")
	return eris.Wrapf(ErrPollTimeout, "task %s not terminal after %s", task.ExternalID, o.cfg.PollTimeout)
}

// transition updates the audit row. It writes on a non-cancelled context so
// abandoned tasks are still recorded; failures are logged, not returned.
func (o *Orchestrator) transition(ctx context.Context, task *model.ScrapeTask, state model.TaskState, msg string) {
	task.State = state
	task.Error = msg
	if task.ID == "" {
		return
	}
	if err := o.rec.UpdateTask(context.WithoutCancel(ctx), task); err != nil {
		zap.L().Error("scrape: record task state",
			zap.String("task_id", task.ID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}
