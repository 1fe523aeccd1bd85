// Package queue implements the Processing Queue Framework (C9): a
// generic, bounded, retry-capable batch-processed work queue that
// Discover (C5), Eval (C6), and Underwrite (C7) are all built on
// (spec.md §4.9).
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

// Handler is the per-queue behaviour a consumer supplies. In is the
// order type admitted into the queue; Out is the result type produced
// on success.
type Handler[In, Out any] interface {
	// OnOrderInit runs once when an order is first admitted, before
	// any processing attempt.
	OnOrderInit(order In)
	// HandleOrder performs one processing attempt. retryCount is 0 on
	// the first attempt. An error causes HandleFailedOrder to be
	// consulted for whether to retry.
	HandleOrder(ctx context.Context, order In, retryCount int) (Out, error)
	// HandleFailedOrder classifies an error from HandleOrder as
	// retryable or terminal.
	HandleFailedOrder(order In, retryCount int, err error) (retry bool)
	// OnRetryOrderDrop runs when an order exhausts maxTries.
	OnRetryOrderDrop(order In, lastErr error)
	// OnOrderCompletion runs exactly once per order, on success or on
	// terminal failure (including a dropped-after-retries order).
	OnOrderCompletion(order In, success bool, result Out, retryCount int)
}

// Result is one finished order, partitioned by Outcome.
type Result[In, Out any] struct {
	Order      In
	Out        Out
	Err        error
	RetryCount int
	Outcome    Outcome
}

type Outcome int

const (
	// Confirmed: HandleOrder succeeded.
	Confirmed Outcome = iota
	// Rejected: HandleFailedOrder returned retry=false — a terminal,
	// non-retryable failure distinct from exhausting retries.
	Rejected
	// Failed: the order exhausted maxTries without succeeding.
	Failed
)

type scheduled[In any] struct {
	order       In
	retryCount  int
	retryAt     time.Time
}

// Queue is a generic processing queue. Concurrency is the cap on
// simultaneously in-flight HandleOrder calls (the Underwrite/"Confirm"
// queue uses 1, matching spec.md §4.9).
type Queue[In, Out any] struct {
	name          string
	handler       Handler[In, Out]
	concurrency   int
	maxTries      int
	retryInterval time.Duration

	log log.Logger

	mu      sync.Mutex
	pending []scheduled[In]
	retrying []scheduled[In]
	finished []Result[In, Out]
}

// New constructs a Queue. maxTries counts the total number of attempts
// (1 means no retries); concurrency must be >= 1.
func New[In, Out any](name string, handler Handler[In, Out], concurrency, maxTries int, retryInterval time.Duration) *Queue[In, Out] {
	if concurrency < 1 {
		concurrency = 1
	}
	if maxTries < 1 {
		maxTries = 1
	}
	return &Queue[In, Out]{
		name:          name,
		handler:       handler,
		concurrency:   concurrency,
		maxTries:      maxTries,
		retryInterval: retryInterval,
		log:           log.New("component", "queue", "queue", name),
	}
}

// AddOrders admits new orders, initializing each via OnOrderInit.
func (q *Queue[In, Out]) AddOrders(orders ...In) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, o := range orders {
		q.handler.OnOrderInit(o)
		q.pending = append(q.pending, scheduled[In]{order: o})
	}
}

// Len reports the number of orders currently pending or retrying (not
// yet finished), used by the worker to compute admission capacity.
func (q *Queue[In, Out]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.retrying)
}

// ProcessOrders runs one pass: every pending order, plus every
// retrying order whose retryAt has elapsed, is dispatched to
// HandleOrder concurrently, subject to the queue's concurrency cap.
// Results accumulate into the finished buffer, drained by
// GetFinishedOrders.
func (q *Queue[In, Out]) ProcessOrders(ctx context.Context) {
	now := time.Now()

	q.mu.Lock()
	var batch []scheduled[In]
	batch = append(batch, q.pending...)
	q.pending = nil

	var stillRetrying []scheduled[In]
	for _, r := range q.retrying {
		if !r.retryAt.After(now) {
			batch = append(batch, r)
		} else {
			stillRetrying = append(stillRetrying, r)
		}
	}
	q.retrying = stillRetrying
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	sem := make(chan struct{}, q.concurrency)
	var wg sync.WaitGroup
	for _, item := range batch {
		item := item
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			q.process(ctx, item)
		}()
	}
	wg.Wait()
}

func (q *Queue[In, Out]) process(ctx context.Context, item scheduled[In]) {
	out, err := q.handler.HandleOrder(ctx, item.order, item.retryCount)
	if err == nil {
		q.complete(item.order, Confirmed, out, nil, item.retryCount)
		return
	}

	retry := q.handler.HandleFailedOrder(item.order, item.retryCount, err)
	if !retry {
		q.complete(item.order, Rejected, out, err, item.retryCount)
		return
	}

	nextRetryCount := item.retryCount + 1
	if nextRetryCount >= q.maxTries {
		q.handler.OnRetryOrderDrop(item.order, err)
		q.complete(item.order, Failed, out, err, item.retryCount)
		return
	}

	q.mu.Lock()
	q.retrying = append(q.retrying, scheduled[In]{
		order:      item.order,
		retryCount: nextRetryCount,
		retryAt:    time.Now().Add(q.retryInterval),
	})
	q.mu.Unlock()
}

func (q *Queue[In, Out]) complete(order In, outcome Outcome, out Out, err error, retryCount int) {
	success := outcome == Confirmed
	q.handler.OnOrderCompletion(order, success, out, retryCount)
	q.mu.Lock()
	q.finished = append(q.finished, Result[In, Out]{Order: order, Out: out, Err: err, RetryCount: retryCount, Outcome: outcome})
	q.mu.Unlock()
	q.outcomeCounter(outcome).Inc(1)
}

// outcomeCounter lazily registers one go-ethereum/metrics counter per
// (queue name, outcome), mirroring the teacher's own
// metrics.GetOrRegisterCounter-on-first-use pattern instead of a
// package-level var block, since the queue name isn't known until
// construction.
func (q *Queue[In, Out]) outcomeCounter(outcome Outcome) metrics.Counter {
	var suffix string
	switch outcome {
	case Confirmed:
		suffix = "confirmed"
	case Rejected:
		suffix = "rejected"
	default:
		suffix = "failed"
	}
	return metrics.GetOrRegisterCounter(fmt.Sprintf("underwriter/queue/%s/%s", q.name, suffix), nil)
}

// GetFinishedOrders drains and three-way-partitions every order that
// has finished since the last call (spec.md §4.9 get_finished_orders).
func (q *Queue[In, Out]) GetFinishedOrders() (confirmed, rejected, failed []Result[In, Out]) {
	q.mu.Lock()
	drained := q.finished
	q.finished = nil
	q.mu.Unlock()

	for _, r := range drained {
		switch r.Outcome {
		case Confirmed:
			confirmed = append(confirmed, r)
		case Rejected:
			rejected = append(rejected, r)
		case Failed:
			failed = append(failed, r)
		}
	}
	return
}

// RunLoop drives ProcessOrders once per processingInterval tick until
// ctx is cancelled; the interval is fixed and does not change with
// how much the prior pass handled.
func (q *Queue[In, Out]) RunLoop(ctx context.Context, processingInterval time.Duration) {
	ticker := time.NewTicker(processingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.ProcessOrders(ctx)
		}
	}
}

// RetryForever runs fn until it succeeds, sleeping retryInterval
// between attempts, matching spec.md §4.4's "retry until success"
// infinite-retry calls (e.g. getLogs). It returns early if ctx is
// cancelled.
func RetryForever(ctx context.Context, retryInterval time.Duration, log log.Logger, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewConstantBackOff(retryInterval)
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("retrying after error", "op", op, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
	}
}
