package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/portal-connector/internal/model"
	"github.com/sells-group/portal-connector/pkg/github"
)

// memStore is an in-memory Store.
type memStore struct {
	mu        sync.Mutex
	logs      []model.WebhookLog
	commits   []model.Commit
	prs       []model.PullRequest
	issues    []model.Issue
	repo      string
	pending   []model.APICall
	completed map[string]model.APICall
	claimErr  error
}

func newMemStore(calls ...model.APICall) *memStore {
	return &memStore{pending: calls, completed: make(map[string]model.APICall)}
}

func (m *memStore) LogDelivery(_ context.Context, log *model.WebhookLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.ID = "log-1"
	m.logs = append(m.logs, *log)
	return nil
}

func (m *memStore) SaveCommits(_ context.Context, commits []model.Commit) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits = append(m.commits, commits...)
	return len(commits), nil
}

func (m *memStore) UpsertPullRequest(_ context.Context, pr *model.PullRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prs = append(m.prs, *pr)
	return nil
}

func (m *memStore) UpsertIssue(_ context.Context, issue *model.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues = append(m.issues, *issue)
	return nil
}

func (m *memStore) SetRepository(_ context.Context, repo string) error {
	m.repo = repo
	return nil
}

func (m *memStore) ClaimPending(_ context.Context, limit int) ([]model.APICall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	n := min(limit, len(m.pending))
	out := make([]model.APICall, n)
	for i := range out {
		out[i] = m.pending[i]
		out[i].Attempts++
	}
	m.pending = m.pending[n:]
	return out, nil
}

func (m *memStore) CompleteCall(_ context.Context, call *model.APICall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[call.ID] = *call
	return nil
}

type mockGitHub struct {
	callFn func(ctx context.Context, method, endpoint string, payload json.RawMessage) (*github.Response, error)
}

func (m *mockGitHub) Call(ctx context.Context, method, endpoint string, payload json.RawMessage) (*github.Response, error) {
	return m.callFn(ctx, method, endpoint, payload)
}

func call(id, endpoint string, attempts int) model.APICall {
	return model.APICall{
		ID:       id,
		Endpoint: endpoint,
		Payload:  json.RawMessage(`{"event_type":"candidate_created"}`),
		Status:   model.APICallPending,
		Attempts: attempts,
	}
}

func TestDispatchPending(t *testing.T) {
	st := newMemStore(
		call("ok", "/repos/acme/hr/dispatches", 0),
		call("missing", "/repos/acme/gone/dispatches", 0),
		call("busy", "/repos/acme/busy/dispatches", 0),
		call("busy-last", "/repos/acme/busy/dispatches", 2),
		call("offline", "/repos/acme/offline/dispatches", 0),
	)
	gh := &mockGitHub{callFn: func(_ context.Context, method, endpoint string, _ json.RawMessage) (*github.Response, error) {
		assert.Equal(t, http.MethodPost, method)
		switch endpoint {
		case "/repos/acme/hr/dispatches":
			return &github.Response{StatusCode: 204}, nil
		case "/repos/acme/gone/dispatches":
			return &github.Response{StatusCode: 404, Body: `{"message":"Not Found"}`}, nil
		case "/repos/acme/busy/dispatches":
			return &github.Response{StatusCode: 502}, nil
		default:
			return nil, errors.New("dial tcp: connection refused")
		}
	}}

	d := NewDispatcher(st, gh, DispatchConfig{Concurrency: 2, MaxAttempts: 3})
	sum, err := d.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DispatchSummary{Claimed: 5, Sent: 1, Failed: 2, Retry: 2}, sum)

	ok := st.completed["ok"]
	assert.Equal(t, model.APICallSent, ok.Status)
	assert.Equal(t, 204, ok.ResponseStatus)
	assert.NotNil(t, ok.SentAt)

	assert.Equal(t, model.APICallFailed, st.completed["missing"].Status)
	assert.Equal(t, 404, st.completed["missing"].ResponseStatus)
	assert.Equal(t, model.APICallPending, st.completed["busy"].Status)
	assert.Equal(t, model.APICallFailed, st.completed["busy-last"].Status, "out of attempts")
	assert.Equal(t, model.APICallPending, st.completed["offline"].Status)
	assert.Contains(t, st.completed["offline"].ResponseBody, "connection refused")
}

func TestDispatchPending_Empty(t *testing.T) {
	d := NewDispatcher(newMemStore(), &mockGitHub{}, DispatchConfig{})
	sum, err := d.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Claimed)
}

func TestDispatchPending_BatchLimit(t *testing.T) {
	st := newMemStore(call("a", "/x", 0), call("b", "/x", 0), call("c", "/x", 0))
	gh := &mockGitHub{callFn: func(context.Context, string, string, json.RawMessage) (*github.Response, error) {
		return &github.Response{StatusCode: 204}, nil
	}}

	sum, err := NewDispatcher(st, gh, DispatchConfig{Batch: 2}).DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Sent)
	assert.Len(t, st.pending, 1)
}

func TestDispatchPending_ClaimError(t *testing.T) {
	st := newMemStore()
	st.claimErr = assert.AnError
	_, err := NewDispatcher(st, &mockGitHub{}, DispatchConfig{}).DispatchPending(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRelayHandle(t *testing.T) {
	st := newMemStore()
	r := New(st)
	ctx := context.Background()

	s, err := r.Handle(ctx, EventPush, "d-1", []byte(pushPayload))
	require.NoError(t, err)
	assert.Equal(t, 2, *s.Commits)
	assert.Len(t, st.commits, 2)

	_, err = r.Handle(ctx, EventPullRequest, "d-2", []byte(prPayload))
	require.NoError(t, err)
	assert.Len(t, st.prs, 1)

	_, err = r.Handle(ctx, EventIssues, "d-3", []byte(issuePayload))
	require.NoError(t, err)
	assert.Len(t, st.issues, 1)

	_, err = r.Handle(ctx, "star", "d-4", []byte(`{"action":"created"}`))
	require.NoError(t, err)
	assert.Len(t, st.logs, 4, "every delivery is logged")

	_, err = r.Handle(ctx, EventPush, "d-5", []byte(`{`))
	assert.Error(t, err)
	assert.Len(t, st.logs, 4)
}
