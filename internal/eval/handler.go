package eval

import (
	"context"

	"github.com/catalystdao/underwriter/internal/chain"
	"github.com/catalystdao/underwriter/internal/queue"
)

// QueueHandler adapts Evaluator to queue.Handler (spec.md §4.9).
type QueueHandler struct {
	e *Evaluator
}

func NewQueueHandler(e *Evaluator) *QueueHandler {
	return &QueueHandler{e: e}
}

func (h *QueueHandler) OnOrderInit(order chain.EvalOrder) {}

func (h *QueueHandler) HandleOrder(ctx context.Context, order chain.EvalOrder, retryCount int) (chain.UnderwriteOrder, error) {
	return h.e.Process(ctx, order)
}

// HandleFailedOrder classifies profitability/capacity drops as
// non-retryable; RPC errors (quote, gas estimate, gas price) retry up
// to maxTries since they're transient (spec.md §4.6).
func (h *QueueHandler) HandleFailedOrder(order chain.EvalOrder, retryCount int, err error) bool {
	return !IsRejected(err)
}

func (h *QueueHandler) OnRetryOrderDrop(order chain.EvalOrder, lastErr error) {}

func (h *QueueHandler) OnOrderCompletion(order chain.EvalOrder, success bool, result chain.UnderwriteOrder, retryCount int) {
}

var _ queue.Handler[chain.EvalOrder, chain.UnderwriteOrder] = (*QueueHandler)(nil)
