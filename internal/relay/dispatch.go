package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/portal-connector/internal/model"
	"github.com/sells-group/portal-connector/internal/resilience"
	"github.com/sells-group/portal-connector/pkg/github"
)

// DispatchConfig controls one dispatch pass.
type DispatchConfig struct {
	Batch       int
	Concurrency int
	MaxAttempts int
}

// DispatchSummary counts the outcomes of one pass.
type DispatchSummary struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Retry   int `json:"retry"`
}

// Dispatcher sends queued GitHub API calls.
type Dispatcher struct {
	store  Store
	client github.Client
	cfg    DispatchConfig
	now    func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store Store, client github.Client, cfg DispatchConfig) *Dispatcher {
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Dispatcher{store: store, client: client, cfg: cfg, now: time.Now}
}

// DispatchPending claims a batch of pending calls and sends them
// concurrently. A call that fails transiently stays pending until it runs
// out of attempts; other failures are final.
func (d *Dispatcher) DispatchPending(ctx context.Context) (DispatchSummary, error) {
	var sum DispatchSummary
	calls, err := d.store.ClaimPending(ctx, d.cfg.Batch)
	if err != nil {
		return sum, err
	}
	sum.Claimed = len(calls)
	if len(calls) == 0 {
		return sum, nil
	}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i := range calls {
		call := &calls[i]
		g.Go(func() error {
			d.send(gCtx, call)
			mu.Lock()
			switch call.Status {
			case model.APICallSent:
				sum.Sent++
			case model.APICallFailed:
				sum.Failed++
			default:
				sum.Retry++
			}
			mu.Unlock()
			return d.store.CompleteCall(context.WithoutCancel(gCtx), call)
		})
	}
	err = g.Wait()

	zap.L().Info("relay: dispatch pass complete",
		zap.Int("claimed", sum.Claimed),
		zap.Int("sent", sum.Sent),
		zap.Int("failed", sum.Failed),
		zap.Int("retry", sum.Retry),
	)
	return sum, err
}

// send performs one attempt and sets the call's outcome fields.
func (d *Dispatcher) send(ctx context.Context, call *model.APICall) {
	log := zap.L().With(zap.String("call_id", call.ID), zap.String("endpoint", call.Endpoint))

	resp, err := d.client.Call(ctx, http.MethodPost, call.Endpoint, call.Payload)
	retryable := false
	switch {
	case err != nil:
		call.ResponseStatus = 0
		call.ResponseBody = err.Error()
		retryable = true // no response received
	case resp.OK():
		now := d.now().UTC()
		call.Status = model.APICallSent
		call.ResponseStatus = resp.StatusCode
		call.ResponseBody = resp.Body
		call.SentAt = &now
		return
	default:
		call.ResponseStatus = resp.StatusCode
		call.ResponseBody = resp.Body
		retryable = resilience.IsTransientHTTPStatus(resp.StatusCode)
	}

	if retryable && call.Attempts < d.cfg.MaxAttempts {
		call.Status = model.APICallPending
		log.Warn("relay: call failed, will retry", zap.Int("attempts", call.Attempts), zap.Int("status", call.ResponseStatus))
		return
	}
	call.Status = model.APICallFailed
	log.Error("relay: call failed", zap.Int("attempts", call.Attempts), zap.Int("status", call.ResponseStatus))
}
