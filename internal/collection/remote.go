package collection

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/resilience"
	"github.com/sells-group/clearwater/pkg/compute"
)

// RemoteOptions bounds how the Remote evaluator talks to the service.
type RemoteOptions struct {
	// MaxInflight caps concurrent evaluation requests across all tiles.
	MaxInflight int
	// RateLimit is requests per second; <= 0 disables limiting.
	RateLimit float64
	Retry     resilience.RetryConfig
	Breaker   *resilience.CircuitBreaker
}

// Remote evaluates plans on the compute service.
type Remote struct {
	client  compute.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// NewRemote creates a Remote evaluator around client.
func NewRemote(client compute.Client, opts RemoteOptions) *Remote {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(int(opts.RateLimit), 1))
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("compute", "evaluate")
	}
	return &Remote{
		client:  client,
		sem:     semaphore.NewWeighted(int64(opts.MaxInflight)),
		limiter: limiter,
		retry:   opts.Retry,
		breaker: opts.Breaker,
		log:     zap.L().With(zap.String("component", "collection.remote")),
	}
}

// Evaluate sends plan to the service. Transient failures are retried with
// backoff; once retries are exhausted or the breaker is open the error wraps
// model.ErrRemoteUnavailable.
func (r *Remote) Evaluate(ctx context.Context, plan compute.Plan, fields []string) (*Table, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "collection: acquire eval slot")
	}
	defer r.sem.Release(1)

	req := compute.EvaluateRequest{Plan: plan, Fields: fields}
	start := time.Now()

	resp, err := resilience.DoVal(ctx, r.retry, func(ctx context.Context) (*compute.EvaluateResponse, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (*compute.EvaluateResponse, error) {
			return r.client.Evaluate(ctx, req)
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "collection: evaluate")
		}
		if errors.Is(err, resilience.ErrCircuitOpen) || resilience.IsTransient(err) {
			return nil, eris.Wrapf(model.ErrRemoteUnavailable, "collection: evaluate %s: %v", plan.Collection, err)
		}
		return nil, eris.Wrapf(err, "collection: evaluate %s", plan.Collection)
	}

	r.log.Debug("evaluated plan",
		zap.String("collection", plan.Collection),
		zap.Int("steps", len(plan.Steps)),
		zap.Int("rows", resp.Rows()),
		zap.Duration("elapsed", time.Since(start)),
	)

	return NewTable(resp.Columns)
}
