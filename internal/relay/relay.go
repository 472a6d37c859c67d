package relay

import (
	"context"

	"go.uber.org/zap"
)

// Relay stores webhook deliveries.
type Relay struct {
	store Store
}

// New creates a Relay.
func New(store Store) *Relay {
	return &Relay{store: store}
}

// Handle logs the delivery and stores the rows its event carries.
func (r *Relay) Handle(ctx context.Context, eventType, deliveryID string, body []byte) (*Summary, error) {
	d, err := Parse(eventType, deliveryID, body)
	if err != nil {
		return nil, err
	}
	if err := r.store.LogDelivery(ctx, &d.Log); err != nil {
		return nil, err
	}

	switch {
	case len(d.Commits) > 0:
		if _, err := r.store.SaveCommits(ctx, d.Commits); err != nil {
			return nil, err
		}
	case d.PullRequest != nil:
		if err := r.store.UpsertPullRequest(ctx, d.PullRequest); err != nil {
			return nil, err
		}
	case d.Issue != nil:
		if err := r.store.UpsertIssue(ctx, d.Issue); err != nil {
			return nil, err
		}
	}

	zap.L().Info("relay: webhook stored",
		zap.String("event", eventType),
		zap.String("delivery_id", deliveryID),
		zap.String("repository", d.Log.RepositoryName),
	)
	s := d.Summary()
	return &s, nil
}
