package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/timebank-app/timebank/internal/domain"
	"github.com/timebank-app/timebank/internal/infra/observability"
)

// Transport delivers one pending transaction to the Reconciler.
type Transport interface {
	Reconcile(ctx context.Context, p domain.PendingTransaction) (domain.ReconcileResult, error)
}

// RetryPolicy controls per-transaction retries during a drain.
type RetryPolicy struct {
	MaxAttempts uint32
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy returns the drain defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      100 * time.Millisecond,
	}
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts == 0 {
		return domain.Invalid("max attempts must be at least 1")
	}
	if p.BaseDelay <= 0 || p.MaxDelay < p.BaseDelay {
		return domain.Invalid("delays must satisfy 0 < base <= max")
	}
	if p.Jitter < 0 {
		return domain.Invalid("jitter must not be negative")
	}
	return nil
}

// DrainReport counts what one drain pass did.
type DrainReport struct {
	Applied   int `json:"applied"`
	Duplicate int `json:"duplicate"`
	Rejected  int `json:"rejected"`
	Remaining int `json:"remaining"`
}

// Drainer sends queued transactions strictly one at a time, oldest first.
type Drainer struct {
	queue     *Queue
	transport Transport
	policy    RetryPolicy

	rngMu sync.Mutex
	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
	log   *slog.Logger
}

// NewDrainer creates a drainer.
func NewDrainer(queue *Queue, transport Transport, policy RetryPolicy) (*Drainer, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Drainer{
		queue:     queue,
		transport: transport,
		policy:    policy,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleepWithContext,
		log:       slog.Default().With("component", "offline"),
	}, nil
}

// Drain sends queued transactions until the queue is empty or a transaction
// cannot get a terminal answer. A transaction leaves the queue only on
// applied, duplicate or a permanent rejection; on any other failure it
// stays at the head and Drain returns the error.
func (d *Drainer) Drain(ctx context.Context) (DrainReport, error) {
	var rep DrainReport
	for {
		if err := ctx.Err(); err != nil {
			return d.finish(ctx, rep, err)
		}
		head, err := d.queue.Peek(ctx)
		if err != nil {
			return d.finish(ctx, rep, err)
		}
		if head == nil {
			return d.finish(ctx, rep, nil)
		}

		res, err := d.send(ctx, *head)
		if err != nil {
			d.log.Warn("Drain paused", "id", head.ID, "error", err)
			return d.finish(ctx, rep, err)
		}
		if err := d.queue.Complete(ctx, res); err != nil {
			return d.finish(ctx, rep, err)
		}

		observability.DrainResults.WithLabelValues(string(res.Outcome)).Inc()
		switch {
		case res.Outcome == domain.OutcomeApplied:
			rep.Applied++
		case res.Outcome == domain.OutcomeDuplicate:
			rep.Duplicate++
		case res.Outcome.Rejected():
			rep.Rejected++
			d.log.Warn("Offline transaction rejected", "id", head.ID, "outcome", res.Outcome, "reason", res.Error)
		}
	}
}

// Run drains every interval until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if rep, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			d.log.Info("Drain incomplete", "remaining", rep.Remaining, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// send delivers p, retrying transient failures with backoff.
func (d *Drainer) send(ctx context.Context, p domain.PendingTransaction) (domain.ReconcileResult, error) {
	var lastErr error
	for attempt := uint32(1); ; attempt++ {
		res, err := d.transport.Reconcile(ctx, p)
		if err == nil {
			if res.ID != p.ID {
				return res, fmt.Errorf("server answered for %q, sent %q", res.ID, p.ID)
			}
			if res.Outcome.Terminal() {
				return res, nil
			}
			err = domain.Transient("reconcile", errors.New(res.Error))
		}
		lastErr = err
		if !domain.IsRetryable(err) || ctx.Err() != nil {
			return res, err
		}
		if attempt >= d.policy.MaxAttempts {
			return res, fmt.Errorf("gave up after %d attempts: %w", attempt, lastErr)
		}
		observability.DrainRetries.Inc()
		if err := d.sleep(ctx, d.nextDelay(attempt)); err != nil {
			return res, err
		}
	}
}

func (d *Drainer) finish(ctx context.Context, rep DrainReport, err error) (DrainReport, error) {
	if n, lerr := d.queue.Len(context.WithoutCancel(ctx)); lerr == nil {
		rep.Remaining = n
	}
	return rep, err
}

func (d *Drainer) nextDelay(attempt uint32) time.Duration {
	delay := d.policy.BaseDelay << (attempt - 1)
	if delay > d.policy.MaxDelay || delay <= 0 {
		delay = d.policy.MaxDelay
	}
	if d.policy.Jitter > 0 {
		d.rngMu.Lock()
		j := time.Duration(d.rng.Int63n(int64(d.policy.Jitter))) - d.policy.Jitter/2
		d.rngMu.Unlock()
		delay += j
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
