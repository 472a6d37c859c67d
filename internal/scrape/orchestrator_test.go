package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/portal-connector/internal/model"
	"github.com/sells-group/portal-connector/internal/resilience"
	"github.com/sells-group/portal-connector/pkg/browseruse"
)

type mockClient struct {
	runTaskFn func(ctx context.Context, req browseruse.RunTaskRequest) (*browseruse.RunTaskResponse, error)
	getTaskFn func(ctx context.Context, id string) (*browseruse.TaskResponse, error)

	mu       sync.Mutex
	runCalls int
	getCalls int
}

func (m *mockClient) RunTask(ctx context.Context, req browseruse.RunTaskRequest) (*browseruse.RunTaskResponse, error) {
	m.mu.Lock()
	m.runCalls++
	m.mu.Unlock()
	return m.runTaskFn(ctx, req)
}

func (m *mockClient) GetTask(ctx context.Context, id string) (*browseruse.TaskResponse, error) {
	m.mu.Lock()
	m.getCalls++
	m.mu.Unlock()
	return m.getTaskFn(ctx, id)
}

type memRecorder struct {
	mu     sync.Mutex
	states []model.TaskState
	tasks  map[string]model.ScrapeTask
}

func newMemRecorder() *memRecorder {
	return &memRecorder{tasks: make(map[string]model.ScrapeTask)}
}

func (r *memRecorder) CreateTask(_ context.Context, t *model.ScrapeTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.ID = "task-row-1"
	r.tasks[t.ID] = *t
	r.states = append(r.states, t.State)
	return nil
}

func (r *memRecorder) UpdateTask(ctx context.Context, t *model.ScrapeTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.tasks[t.ID] = *t
	r.states = append(r.states, t.State)
	return nil
}

func (r *memRecorder) last() model.ScrapeTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks["task-row-1"]
}

func testConfig() Config {
	return Config{
		PollInitial: time.Millisecond,
		PollCap:     4 * time.Millisecond,
		PollTimeout: time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}
}

func newTestOrchestrator(c browseruse.Client, rec Recorder, cfg Config) *Orchestrator {
	return New(c, rec, resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()), cfg)
}

func testJob() Job {
	return Job{
		PortalURL:    "https://portal.example.com:8443/login",
		Username:     "hr",
		Password:     "secret",
		PositionName: "Welder",
		CompanyName:  "Acme",
		PositionID:   "p1",
		Seen:         model.NewDigestSet("bbb", "aaa"),
	}
}

func submitOK(_ context.Context, _ browseruse.RunTaskRequest) (*browseruse.RunTaskResponse, error) {
	return &browseruse.RunTaskResponse{ID: "bu-1"}, nil
}

// statusSequence returns each status once, repeating the last.
func statusSequence(responses ...*browseruse.TaskResponse) func(context.Context, string) (*browseruse.TaskResponse, error) {
	var mu sync.Mutex
	i := 0
	return func(_ context.Context, _ string) (*browseruse.TaskResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		r := responses[min(i, len(responses)-1)]
		i++
		return r, nil
	}
}

func TestRun_Finished(t *testing.T) {
	var got browseruse.RunTaskRequest
	mc := &mockClient{
		runTaskFn: func(_ context.Context, req browseruse.RunTaskRequest) (*browseruse.RunTaskResponse, error) {
			got = req
			return &browseruse.RunTaskResponse{ID: "bu-1"}, nil
		},
		getTaskFn: statusSequence(
			&browseruse.TaskResponse{Status: browseruse.StatusCreated},
			&browseruse.TaskResponse{Status: browseruse.StatusRunning},
			&browseruse.TaskResponse{Status: browseruse.StatusFinished, Output: json.RawMessage(`[{"first_name":"Ann","phone":"+1 555 0100"}]`)},
		),
	}
	rec := newMemRecorder()
	o := newTestOrchestrator(mc, rec, testConfig())

	res, err := o.Run(context.Background(), testJob())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Polls)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "Ann", res.Candidates[0].FirstName)
	assert.Equal(t, "bu-1", res.Task.ExternalID)
	assert.Equal(t, model.TaskStateFinished, res.Task.State)
	assert.Equal(t, 1, res.Task.RawCount)
	assert.Equal(t, []model.TaskState{model.TaskStateSubmitted, model.TaskStatePolling, model.TaskStateFinished}, rec.states)

	assert.Equal(t, []string{"portal.example.com:8443"}, got.AllowedDomains)
	assert.Equal(t, "aaa,bbb", got.Secrets.SkipHashesCSV)
	assert.Equal(t, "hr", got.Secrets.Username)
	assert.Equal(t, browseruse.CandidateSchema, got.StructuredOutputJSON)
	assert.NotContains(t, got.Task, "secret")
	assert.Contains(t, got.Task, "Welder")
}

func TestRun_FailedAfterThreePolls(t *testing.T) {
	mc := &mockClient{
		runTaskFn: submitOK,
		getTaskFn: statusSequence(
			&browseruse.TaskResponse{Status: browseruse.StatusRunning},
			&browseruse.TaskResponse{Status: browseruse.StatusRunning},
			&browseruse.TaskResponse{Status: browseruse.StatusFailed, Error: "login rejected"},
		),
	}
	rec := newMemRecorder()
	o := newTestOrchestrator(mc, rec, testConfig())

	res, err := o.Run(context.Background(), testJob())
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrTaskFailed)
	assert.Contains(t, err.Error(), "login rejected")
	assert.Equal(t, 3, mc.getCalls)
	assert.Equal(t, model.TaskStateFailed, rec.last().State)
	assert.Equal(t, "login rejected", rec.last().Error)
}

func TestRun_StoppedIsFailure(t *testing.T) {
	mc := &mockClient{
		runTaskFn: submitOK,
		getTaskFn: statusSequence(&browseruse.TaskResponse{Status: browseruse.StatusStopped}),
	}
	_, err := newTestOrchestrator(mc, newMemRecorder(), testConfig()).Run(context.Background(), testJob())
	require.ErrorIs(t, err, ErrTaskFailed)
}

func TestRun_SchemaMismatch(t *testing.T) {
	mc := &mockClient{
		runTaskFn: submitOK,
		getTaskFn: statusSequence(&browseruse.TaskResponse{Status: browseruse.StatusFinished, Output: json.RawMessage(`{"oops":true}`)}),
	}
	rec := newMemRecorder()

	_, err := newTestOrchestrator(mc, rec, testConfig()).Run(context.Background(), testJob())
	var se *browseruse.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.TaskStateFailed, rec.last().State)
}

func TestSubmit_RetriesTransient(t *testing.T) {
	attempts := 0
	mc := &mockClient{
		runTaskFn: func(_ context.Context, _ browseruse.RunTaskRequest) (*browseruse.RunTaskResponse, error) {
			attempts++
			if attempts < 3 {
				return nil, &browseruse.APIError{StatusCode: 503}
			}
			return &browseruse.RunTaskResponse{ID: "bu-1"}, nil
		},
	}

	task, err := newTestOrchestrator(mc, newMemRecorder(), testConfig()).Submit(context.Background(), testJob())
	require.NoError(t, err)
	assert.Equal(t, "bu-1", task.ExternalID)
	assert.Equal(t, 3, attempts)
}

func TestSubmit_PermanentErrorNotRetried(t *testing.T) {
	mc := &mockClient{
		runTaskFn: func(_ context.Context, _ browseruse.RunTaskRequest) (*browseruse.RunTaskResponse, error) {
			return nil, &browseruse.APIError{StatusCode: 401, Body: "bad key"}
		},
	}
	rec := newMemRecorder()

	_, err := newTestOrchestrator(mc, rec, testConfig()).Submit(context.Background(), testJob())
	var apiErr *browseruse.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 1, mc.runCalls)
	assert.Empty(t, rec.states, "no task row without a remote task")
}

func TestSubmit_InvalidPortalURL(t *testing.T) {
	job := testJob()
	job.PortalURL = "not a url"
	mc := &mockClient{}

	_, err := newTestOrchestrator(mc, newMemRecorder(), testConfig()).Submit(context.Background(), job)
	require.Error(t, err)
	assert.Zero(t, mc.runCalls)
}

func TestAwait_TransientPollErrorKeepsSameTask(t *testing.T) {
	var ids []string
	calls := 0
	mc := &mockClient{
		runTaskFn: submitOK,
		getTaskFn: func(_ context.Context, id string) (*browseruse.TaskResponse, error) {
			ids = append(ids, id)
			calls++
			if calls == 1 {
				return nil, resilience.NewTransientError(errors.New("connection reset by peer"), 0)
			}
			return &browseruse.TaskResponse{Status: browseruse.StatusFinished, Output: json.RawMessage(`[]`)}, nil
		},
	}

	res, err := newTestOrchestrator(mc, newMemRecorder(), testConfig()).Run(context.Background(), testJob())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.Equal(t, 1, mc.runCalls, "never resubmits")
	assert.Equal(t, []string{"bu-1", "bu-1"}, ids)
}

func TestAwait_PermanentPollError(t *testing.T) {
	mc := &mockClient{
		runTaskFn: submitOK,
		getTaskFn: func(_ context.Context, _ string) (*browseruse.TaskResponse, error) {
			return nil, &browseruse.APIError{StatusCode: 404, Body: "unknown task"}
		},
	}
	rec := newMemRecorder()

	_, err := newTestOrchestrator(mc, rec, testConfig()).Run(context.Background(), testJob())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, model.TaskStateFailed, rec.last().State)
}

func TestAwait_Timeout(t *testing.T) {
	mc := &mockClient{
		runTaskFn: submitOK,
		getTaskFn: statusSequence(&browseruse.TaskResponse{Status: browseruse.StatusRunning}),
	}
	rec := newMemRecorder()
	cfg := testConfig()
	cfg.PollTimeout = 20 * time.Millisecond

	_, err := newTestOrchestrator(mc, rec, cfg).Run(context.Background(), testJob())
	require.ErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, model.TaskStateTimedOut, rec.last().State)
	assert.Equal(t, "bu-1", rec.last().ExternalID)
}

func TestAwait_CallerCancelRecordsAbandoned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mc := &mockClient{
		runTaskFn: submitOK,
		getTaskFn: func(_ context.Context, _ string) (*browseruse.TaskResponse, error) {
			cancel()
			return &browseruse.TaskResponse{Status: browseruse.StatusRunning}, nil
		},
	}
	rec := newMemRecorder()

	_, err := newTestOrchestrator(mc, rec, testConfig()).Run(ctx, testJob())
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, model.TaskStateAbandoned, rec.last().State, "recorded despite cancelled context")
}

func TestCheck(t *testing.T) {
	mc := &mockClient{getTaskFn: statusSequence(
		&browseruse.TaskResponse{Status: browseruse.StatusRunning},
		&browseruse.TaskResponse{Status: browseruse.StatusFinished, Output: json.RawMessage(`"[{\"phone\":\"1\"}]"`)},
	)}
	rec := newMemRecorder()
	o := newTestOrchestrator(mc, rec, testConfig())
	task := &model.ScrapeTask{ID: "task-row-1", ExternalID: "bu-1", State: model.TaskStateAbandoned}

	_, err := o.Check(context.Background(), task)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, model.TaskStateAbandoned, task.State)

	cands, err := o.Check(context.Background(), task)
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.Equal(t, model.TaskStateFinished, task.State)
}

func TestAllowedDomain(t *testing.T) {
	d, err := AllowedDomain("https://jobs.example.cz/admin?x=1")
	require.NoError(t, err)
	assert.Equal(t, "jobs.example.cz", d)

	_, err = AllowedDomain("/relative/path")
	assert.Error(t, err)
}

func TestBuildTaskPrompt(t *testing.T) {
	p := BuildTaskPrompt("https://jobs.example.cz", "Svářeč", "Acme")
	assert.Contains(t, p, "https://jobs.example.cz")
	assert.Contains(t, p, `"Svářeč"`)
	assert.Contains(t, p, `"Acme"`)
	assert.Contains(t, p, "skip_hashes_csv")
	assert.Contains(t, p, "structured_output_json")
}
