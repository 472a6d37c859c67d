package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sells-group/portal-connector/internal/ingest"
	"github.com/sells-group/portal-connector/internal/model"
	"github.com/sells-group/portal-connector/internal/store"
)

const (
	maxRequestBytes = 1 << 20
	maxWebhookBytes = 25 << 20
	maxTaskLimit    = 500
)

type errorBody struct {
	Kind      ingest.Kind `json:"kind"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

type errorResponse struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Kind: ingest.KindInternal, Message: err.Error()}
	var ie *ingest.Error
	if errors.As(err, &ie) {
		body.Kind = ie.Kind
		body.Retryable = ie.Retryable()
	}
	writeJSON(w, body.Kind.Status(), errorResponse{
		Error:     body,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": ServiceName,
		"version": s.opts.Version,
		"endpoints": map[string]string{
			"health":  "GET /api/health",
			"scrape":  "POST /api/scrape",
			"tasks":   "GET /api/tasks",
			"webhook": "POST /webhooks/github",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Ping(r.Context()); err != nil {
		zap.L().Warn("server: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": ServiceName,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
	})
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req ingest.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, r, &ingest.Error{Kind: ingest.KindValidation, Op: "decode request", Err: err})
		return
	}

	rep, err := s.runner.Run(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{PositionID: q.Get("position_id")}
	if states := q.Get("state"); states != "" {
		for _, st := range strings.Split(states, ",") {
			filter.States = append(filter.States, model.TaskState(strings.TrimSpace(st)))
		}
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > maxTaskLimit {
			writeError(w, r, &ingest.Error{Kind: ingest.KindValidation, Op: "parse limit",
				Err: errors.New("limit must be between 1 and 500")})
			return
		}
		filter.Limit = n
	}

	tasks, err := s.tasks.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, r, &ingest.Error{Kind: ingest.KindStorageFailure, Op: "list tasks", Err: err})
		return
	}
	if tasks == nil {
		tasks = []model.ScrapeTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "github relay is not enabled"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "read body"})
		return
	}
	event := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	if event == "" || !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "missing event header or invalid JSON payload"})
		return
	}

	sum, err := s.relay.Handle(r.Context(), event, delivery, body)
	if err != nil {
		zap.L().Error("server: github webhook", zap.String("event", event), zap.String("delivery_id", delivery), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
