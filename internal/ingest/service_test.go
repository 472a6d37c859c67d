package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/portal-connector/internal/model"
	"github.com/sells-group/portal-connector/internal/phone"
	"github.com/sells-group/portal-connector/internal/resilience"
	"github.com/sells-group/portal-connector/internal/scrape"
	"github.com/sells-group/portal-connector/internal/store"
	"github.com/sells-group/portal-connector/pkg/browseruse"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// fakeScraper records the task like the orchestrator and returns fixed output.
type fakeScraper struct {
	rec scrape.Recorder
	raw []model.RawCandidate
	err error

	mu   sync.Mutex
	jobs []scrape.Job
}

func (f *fakeScraper) Run(ctx context.Context, job scrape.Job) (*scrape.Result, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	n := len(f.jobs)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	task := &model.ScrapeTask{
		ExternalID: fmt.Sprintf("bu-%d", n),
		PositionID: job.PositionID,
		PortalURL:  job.PortalURL,
		State:      model.TaskStateFinished,
		RawCount:   len(f.raw),
	}
	if err := f.rec.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return &scrape.Result{Task: task, Candidates: f.raw, Polls: 1}, nil
}

func validRequest() Request {
	return Request{
		PortalURL:    "https://portal.example.com/login",
		Username:     "hr",
		Password:     "secret",
		PositionName: "Welder",
		CompanyName:  "Acme",
	}
}

func positionFor(t *testing.T, st store.Store, req Request) *model.Position {
	t.Helper()
	ctx := context.Background()
	c, err := st.EnsureCompany(ctx, req.CompanyName)
	require.NoError(t, err)
	p, err := st.EnsurePosition(ctx, c.ID, req.PositionName, "")
	require.NoError(t, err)
	return p
}

func TestRun_InsertsAndReports(t *testing.T) {
	st := newTestStore(t)
	sc := &fakeScraper{rec: st, raw: []model.RawCandidate{
		{FirstName: "Ann", Phone: "+420 777 000 001"},
		{FirstName: "Bob", Phone: "+420 777 000 002"},
	}}
	svc := NewService(st, sc, phone.New(phone.DefaultCountryCode))

	rep, err := svc.Run(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, 2, rep.InsertedCount)
	assert.Zero(t, rep.SkippedCount)
	assert.Equal(t, "bu-1", rep.TaskID)
	assert.GreaterOrEqual(t, rep.DurationMS, int64(0))
	assert.Contains(t, rep.Message, "Inserted 2")

	tasks, err := st.ListTasks(context.Background(), store.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskStateIngested, tasks[0].State)
	assert.Equal(t, 2, tasks[0].InsertedCount)
	assert.Empty(t, sc.jobs[0].Seen)
}

func TestRun_IdempotentResubmission(t *testing.T) {
	st := newTestStore(t)
	sc := &fakeScraper{rec: st, raw: []model.RawCandidate{
		{FirstName: "Ann", Phone: "0777000001"},
		{FirstName: "Bob", Phone: "0777000002"},
		{FirstName: "Cid", Phone: "0777000003"},
	}}
	svc := NewService(st, sc, phone.New(phone.DefaultCountryCode))
	ctx := context.Background()

	first, err := svc.Run(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, 3, first.InsertedCount)

	second, err := svc.Run(ctx, validRequest())
	require.NoError(t, err)
	assert.Zero(t, second.InsertedCount)
	assert.Equal(t, 3, second.SkippedCount)
	assert.Len(t, sc.jobs[1].Seen, 3, "second run pre-filters with the stored keys")

	n, err := st.CountCandidates(ctx, positionFor(t, st, validRequest()).ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRun_PhoneFormatEquivalence(t *testing.T) {
	st := newTestStore(t)
	sc := &fakeScraper{rec: st, raw: []model.RawCandidate{
		{FirstName: "A", Phone: "+1 555 0100"},
		{FirstName: "B", Phone: "15550100"},
	}}
	svc := NewService(st, sc, phone.New(phone.DefaultCountryCode))

	rep, err := svc.Run(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.InsertedCount)
	assert.Equal(t, 1, rep.SkippedCount)
}

func TestRun_InBatchSameKeyFirstWins(t *testing.T) {
	st := newTestStore(t)
	sc := &fakeScraper{rec: st, raw: []model.RawCandidate{
		{FirstName: "Jane", Email: "jane@first.com", Phone: "+420 123 456 789"},
		{FirstName: "Jane", Email: "jane@second.com", Phone: "00420123456789"},
	}}
	svc := NewService(st, sc, phone.New(phone.DefaultCountryCode))
	ctx := context.Background()

	rep, err := svc.Run(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.InsertedCount)
	assert.Equal(t, 1, rep.SkippedCount)

	// The stored key is the first record's; a third variant is now seen.
	seen, err := st.SeenDigests(ctx, positionFor(t, st, validRequest()).ID)
	require.NoError(t, err)
	assert.True(t, seen.Has(phone.New(phone.DefaultCountryCode).Digest("0123456789")))
}

// failingClient reports running twice, then failed.
type failingClient struct {
	mu    sync.Mutex
	polls int
}

func (c *failingClient) RunTask(context.Context, browseruse.RunTaskRequest) (*browseruse.RunTaskResponse, error) {
	return &browseruse.RunTaskResponse{ID: "bu-fail"}, nil
}

func (c *failingClient) GetTask(_ context.Context, id string) (*browseruse.TaskResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if c.polls < 3 {
		return &browseruse.TaskResponse{ID: id, Status: browseruse.StatusRunning}, nil
	}
	return &browseruse.TaskResponse{ID: id, Status: browseruse.StatusFailed, Error: "captcha"}, nil
}

func TestRun_TaskFailedAfterThreePolls(t *testing.T) {
	st := newTestStore(t)
	client := &failingClient{}
	orch := scrape.New(client, st, resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()), scrape.Config{
		PollInitial: time.Millisecond,
		PollCap:     time.Millisecond,
		PollTimeout: time.Second,
	})
	svc := NewService(st, orch, phone.New(phone.DefaultCountryCode))
	ctx := context.Background()

	rep, err := svc.Run(ctx, validRequest())
	assert.Nil(t, rep)
	require.Error(t, err)
	assert.Equal(t, KindUpstreamFailure, KindOf(err))
	assert.ErrorIs(t, err, scrape.ErrTaskFailed)

	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.True(t, ie.Retryable())
	assert.Equal(t, 3, client.polls)

	pos := positionFor(t, st, validRequest())
	n, err := st.CountCandidates(ctx, pos.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	tasks, err := st.ListTasks(ctx, store.TaskFilter{PositionID: pos.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskStateFailed, tasks[0].State)
	assert.Equal(t, "captcha", tasks[0].Error)
}

func TestRun_ScrapeErrorKinds(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"poll timeout", eris.Wrap(scrape.ErrPollTimeout, "task bu-1"), KindUpstreamTimeout, true},
		{"deadline", context.DeadlineExceeded, KindUpstreamTimeout, true},
		{"schema", &browseruse.SchemaError{TaskID: "bu-1"}, KindSchemaDecode, false},
		{"api", &browseruse.APIError{StatusCode: 401}, KindUpstreamFailure, true},
		{"circuit", resilience.ErrCircuitOpen, KindUpstreamFailure, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			svc := NewService(st, &fakeScraper{rec: st, err: tt.err}, phone.New(""))

			_, err := svc.Run(context.Background(), validRequest())
			require.Error(t, err)
			var ie *Error
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.kind, ie.Kind)
			assert.Equal(t, tt.retryable, ie.Retryable())
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestRun_Validation(t *testing.T) {
	st := newTestStore(t)
	sc := &fakeScraper{rec: st}
	svc := NewService(st, sc, phone.New(""))

	req := validRequest()
	req.PortalURL = "not-a-url"
	req.Password = ""

	_, err := svc.Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), "portal_url: url")
	assert.Contains(t, err.Error(), "password: required")
	assert.Empty(t, sc.jobs, "nothing runs for an invalid request")

	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.False(t, ie.Retryable())
}

func TestRun_StorageFailure(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, &fakeScraper{rec: st}, phone.New(""))
	require.NoError(t, st.Close())

	_, err := svc.Run(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, KindStorageFailure, KindOf(err))
}

func TestKind_Status(t *testing.T) {
	assert.Equal(t, 400, KindValidation.Status())
	assert.Equal(t, 504, KindUpstreamTimeout.Status())
	assert.Equal(t, 502, KindUpstreamFailure.Status())
	assert.Equal(t, 502, KindSchemaDecode.Status())
	assert.Equal(t, 503, KindStorageFailure.Status())
	assert.Equal(t, 500, KindInternal.Status())
	assert.Equal(t, KindInternal, KindOf(eris.New("plain")))
}

func TestReport_JSON(t *testing.T) {
	b, err := json.Marshal(Report{InsertedCount: 1, SkippedCount: 2, DurationMS: 30, TaskID: "bu-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"inserted_count":1,"skipped_count":2,"duration_ms":30,"task_id":"bu-1","message":""}`, string(b))
}
