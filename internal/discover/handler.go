package discover

import (
	"context"

	"github.com/catalystdao/underwriter/internal/chain"
	"github.com/catalystdao/underwriter/internal/queue"
)

// QueueHandler adapts Discoverer to queue.Handler, the shape
// internal/queue.Queue needs (spec.md §4.9).
type QueueHandler struct {
	d *Discoverer
}

func NewQueueHandler(d *Discoverer) *QueueHandler {
	return &QueueHandler{d: d}
}

func (h *QueueHandler) OnOrderInit(order chain.DiscoverOrder) {}

func (h *QueueHandler) HandleOrder(ctx context.Context, order chain.DiscoverOrder, retryCount int) (chain.EvalOrder, error) {
	return h.d.Process(ctx, order)
}

// HandleFailedOrder classifies a permanent endpoint/vault rejection as
// non-retryable; every other error (RPC failures) is retried up to
// maxTries (spec.md §4.5 "Retries").
func (h *QueueHandler) HandleFailedOrder(order chain.DiscoverOrder, retryCount int, err error) bool {
	return !IsRejected(err)
}

func (h *QueueHandler) OnRetryOrderDrop(order chain.DiscoverOrder, lastErr error) {}

func (h *QueueHandler) OnOrderCompletion(order chain.DiscoverOrder, success bool, result chain.EvalOrder, retryCount int) {
}

var _ queue.Handler[chain.DiscoverOrder, chain.EvalOrder] = (*QueueHandler)(nil)
