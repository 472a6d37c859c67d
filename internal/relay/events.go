// Package relay stores GitHub webhook deliveries and sends the outbound
// GitHub API calls queued by database triggers.
package relay

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portal-connector/internal/model"
)

// Event types with dedicated tables. Anything else is only logged.
const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
	EventIssues      = "issues"
	EventPing        = "ping"
)

type repository struct {
	FullName string `json:"full_name"`
}

type user struct {
	Login string `json:"login"`
}

type envelope struct {
	Action     string     `json:"action"`
	Repository repository `json:"repository"`
	Sender     user       `json:"sender"`
}

type pushEvent struct {
	Ref        string     `json:"ref"`
	Repository repository `json:"repository"`
	Commits    []struct {
		ID        string `json:"id"`
		Message   string `json:"message"`
		URL       string `json:"url"`
		Timestamp string `json:"timestamp"`
		Author    struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"author"`
	} `json:"commits"`
}

type pullRequestEvent struct {
	Action      string     `json:"action"`
	Repository  repository `json:"repository"`
	PullRequest struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		State   string `json:"state"`
		HTMLURL string `json:"html_url"`
		User    user   `json:"user"`
	} `json:"pull_request"`
}

type issuesEvent struct {
	Action     string     `json:"action"`
	Repository repository `json:"repository"`
	Issue      struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		State   string `json:"state"`
		HTMLURL string `json:"html_url"`
		User    user   `json:"user"`
	} `json:"issue"`
}

// Delivery is a decoded webhook delivery.
type Delivery struct {
	Log         model.WebhookLog
	Commits     []model.Commit
	PullRequest *model.PullRequest
	Issue       *model.Issue
	Ref         string
}

// Summary is the response body for a processed delivery.
type Summary struct {
	Success     bool   `json:"success"`
	EventType   string `json:"event_type"`
	DeliveryID  string `json:"delivery_id"`
	Commits     *int   `json:"commits,omitempty"`
	Ref         string `json:"ref,omitempty"`
	Repository  string `json:"repository,omitempty"`
	Action      string `json:"action,omitempty"`
	PRNumber    int    `json:"pr_number,omitempty"`
	PRTitle     string `json:"pr_title,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
	IssueTitle  string `json:"issue_title,omitempty"`
}

// Parse decodes body for eventType.
func Parse(eventType, deliveryID string, body []byte) (*Delivery, error) {
	if eventType == "" {
		return nil, eris.New("relay: missing event type")
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, eris.Wrap(err, "relay: decode payload")
	}

	d := &Delivery{Log: model.WebhookLog{
		DeliveryID:     deliveryID,
		EventType:      eventType,
		Action:         env.Action,
		RepositoryName: env.Repository.FullName,
		SenderLogin:    env.Sender.Login,
		Payload:        json.RawMessage(body),
	}}

	switch eventType {
	case EventPush:
		var ev pushEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, eris.Wrap(err, "relay: decode push event")
		}
		d.Ref = ev.Ref
		d.Commits = make([]model.Commit, 0, len(ev.Commits))
		for _, c := range ev.Commits {
			d.Commits = append(d.Commits, model.Commit{
				SHA:            c.ID,
				RepositoryName: ev.Repository.FullName,
				Ref:            ev.Ref,
				Message:        c.Message,
				AuthorName:     c.Author.Name,
				AuthorEmail:    c.Author.Email,
				URL:            c.URL,
				CommittedAt:    parseTime(c.Timestamp),
			})
		}
	case EventPullRequest:
		var ev pullRequestEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, eris.Wrap(err, "relay: decode pull_request event")
		}
		d.PullRequest = &model.PullRequest{
			RepositoryName: ev.Repository.FullName,
			Number:         ev.PullRequest.Number,
			Title:          ev.PullRequest.Title,
			State:          ev.PullRequest.State,
			Action:         ev.Action,
			AuthorLogin:    ev.PullRequest.User.Login,
			URL:            ev.PullRequest.HTMLURL,
		}
	case EventIssues:
		var ev issuesEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, eris.Wrap(err, "relay: decode issues event")
		}
		d.Issue = &model.Issue{
			RepositoryName: ev.Repository.FullName,
			Number:         ev.Issue.Number,
			Title:          ev.Issue.Title,
			State:          ev.Issue.State,
			Action:         ev.Action,
			AuthorLogin:    ev.Issue.User.Login,
			URL:            ev.Issue.HTMLURL,
		}
	}
	return d, nil
}

// Summary describes d for the webhook response.
func (d *Delivery) Summary() Summary {
	s := Summary{Success: true, EventType: d.Log.EventType, DeliveryID: d.Log.DeliveryID}
	switch d.Log.EventType {
	case EventPush:
		n := len(d.Commits)
		s.Commits = &n
		s.Ref = d.Ref
		s.Repository = d.Log.RepositoryName
	case EventPullRequest:
		s.Action = d.PullRequest.Action
		s.PRNumber = d.PullRequest.Number
		s.PRTitle = d.PullRequest.Title
	case EventIssues:
		s.Action = d.Issue.Action
		s.IssueNumber = d.Issue.Number
		s.IssueTitle = d.Issue.Title
	}
	return s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
