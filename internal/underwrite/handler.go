package underwrite

import (
	"context"

	"github.com/catalystdao/underwriter/internal/chain"
	"github.com/catalystdao/underwriter/internal/queue"
)

// QueueHandler adapts Underwriter to queue.Handler (spec.md §4.9). The
// worker runs this queue with concurrency 1 so nonce assignment stays
// strictly ordered (spec.md §4.7 design notes).
type QueueHandler struct {
	u *Underwriter
}

func NewQueueHandler(u *Underwriter) *QueueHandler {
	return &QueueHandler{u: u}
}

func (h *QueueHandler) OnOrderInit(order chain.UnderwriteOrder) {}

func (h *QueueHandler) HandleOrder(ctx context.Context, order chain.UnderwriteOrder, retryCount int) (chain.UnderwriteOrderResult, error) {
	return h.u.Process(ctx, order)
}

// HandleFailedOrder classifies a CALL_EXCEPTION as non-retryable; every
// other submission/confirmation error is retried up to maxTries
// (spec.md §8 error table).
func (h *QueueHandler) HandleFailedOrder(order chain.UnderwriteOrder, retryCount int, err error) bool {
	return !IsRejected(err)
}

func (h *QueueHandler) OnRetryOrderDrop(order chain.UnderwriteOrder, lastErr error) {}

func (h *QueueHandler) OnOrderCompletion(order chain.UnderwriteOrder, success bool, result chain.UnderwriteOrderResult, retryCount int) {
}

var _ queue.Handler[chain.UnderwriteOrder, chain.UnderwriteOrderResult] = (*QueueHandler)(nil)
