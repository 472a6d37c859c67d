package browseruse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// Default base URL for the Browser-Use v1 API.
const defaultBaseURL = "https://api.browser-use.com/api/v1"

// Task statuses reported by GET /task/{id}.
const (
	StatusCreated  = "created"
	StatusRunning  = "running"
	StatusPaused   = "paused"
	StatusFinished = "finished"
	StatusFailed   = "failed"
	StatusStopped  = "stopped"
)

// Client defines the Browser-Use task operations.
type Client interface {
	RunTask(ctx context.Context, req RunTaskRequest) (*RunTaskResponse, error)
	GetTask(ctx context.Context, id string) (*TaskResponse, error)
}

// Secrets are handed to the browsing agent without appearing in the prompt.
type Secrets struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	SkipHashesCSV string `json:"skip_hashes_csv"`
}

// RunTaskRequest is the body for POST /run-task.
type RunTaskRequest struct {
	Task                 string   `json:"task"`
	Secrets              Secrets  `json:"secrets"`
	AllowedDomains       []string `json:"allowed_domains,omitempty"`
	StructuredOutputJSON string   `json:"structured_output_json,omitempty"`
	SaveBrowserData      bool     `json:"save_browser_data"`
}

// RunTaskResponse is the response from POST /run-task.
type RunTaskResponse struct {
	ID string `json:"id"`
}

// TaskResponse is the response from GET /task/{id}.
type TaskResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
}

// Terminal reports whether the task reached a final status.
func (t *TaskResponse) Terminal() bool {
	switch t.Status {
	case StatusFinished, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// APIError is returned when Browser-Use responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("browseruse: HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new Browser-Use client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) RunTask(ctx context.Context, req RunTaskRequest) (*RunTaskResponse, error) {
	var resp RunTaskResponse
	if err := c.post(ctx, "/run-task", req, &resp); err != nil {
		return nil, eris.Wrap(err, "browseruse: run task")
	}
	if resp.ID == "" {
		return nil, eris.New("browseruse: run task: response has no task id")
	}
	return &resp, nil
}

func (c *httpClient) GetTask(ctx context.Context, id string) (*TaskResponse, error) {
	var resp TaskResponse
	if err := c.get(ctx, "/task/"+url.PathEscape(id), &resp); err != nil {
		return nil, eris.Wrapf(err, "browseruse: get task %s", id)
	}
	if resp.ID == "" {
		resp.ID = id
	}
	return &resp, nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req, out)
}

func (c *httpClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
