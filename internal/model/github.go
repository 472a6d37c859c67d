package model

import (
	"encoding/json"
	"time"
)

// WebhookLog is one received GitHub delivery.
type WebhookLog struct {
	ID             string          `json:"id"`
	DeliveryID     string          `json:"delivery_id"`
	EventType      string          `json:"event_type"`
	Action         string          `json:"action,omitempty"`
	RepositoryName string          `json:"repository_name,omitempty"`
	SenderLogin    string          `json:"sender_login,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Commit is a commit carried by a push event.
type Commit struct {
	SHA            string    `json:"commit_sha"`
	RepositoryName string    `json:"repository_name"`
	Ref            string    `json:"ref"`
	Message        string    `json:"message"`
	AuthorName     string    `json:"author_name"`
	AuthorEmail    string    `json:"author_email"`
	URL            string    `json:"url"`
	CommittedAt    time.Time `json:"committed_at"`
}

// PullRequest is the latest known state of a pull request.
type PullRequest struct {
	RepositoryName string `json:"repository_name"`
	Number         int    `json:"pr_number"`
	Title          string `json:"title"`
	State          string `json:"state"`
	Action         string `json:"action"`
	AuthorLogin    string `json:"author_login"`
	URL            string `json:"url"`
}

// Issue is the latest known state of an issue.
type Issue struct {
	RepositoryName string `json:"repository_name"`
	Number         int    `json:"issue_number"`
	Title          string `json:"title"`
	State          string `json:"state"`
	Action         string `json:"action"`
	AuthorLogin    string `json:"author_login"`
	URL            string `json:"url"`
}

// APICallStatus tracks an outbound GitHub call queued by a row change.
type APICallStatus string

const (
	APICallPending APICallStatus = "pending"
	APICallSent    APICallStatus = "sent"
	APICallFailed  APICallStatus = "failed"
)

// APICall is an outbound GitHub request enqueued by a database trigger.
type APICall struct {
	ID               string          `json:"id"`
	Endpoint         string          `json:"endpoint"`
	Payload          json.RawMessage `json:"payload"`
	TriggeredByTable string          `json:"triggered_by_table"`
	TriggeredByID    string          `json:"triggered_by_id"`
	Status           APICallStatus   `json:"status"`
	ResponseStatus   int             `json:"response_status,omitempty"`
	ResponseBody     string          `json:"response_body,omitempty"`
	Attempts         int             `json:"attempts"`
	CreatedAt        time.Time       `json:"created_at"`
	SentAt           *time.Time      `json:"sent_at,omitempty"`
}
