// Package worker implements the Underwriter Worker (C8): the
// per-destination-chain orchestrator wiring the Store's onSendAsset
// feed through Discover (C5), Eval (C6), the Token Handler (C2), and
// Underwrite (C7) (spec.md §4.8).
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/catalystdao/underwriter/internal/chain"
	"github.com/catalystdao/underwriter/internal/discover"
	"github.com/catalystdao/underwriter/internal/eval"
	"github.com/catalystdao/underwriter/internal/queue"
	"github.com/catalystdao/underwriter/internal/tokens"
	"github.com/catalystdao/underwriter/internal/underwrite"
)

// Store is the subset of internal/store.Store the worker depends on.
// Subscribe wraps Store.On, discarding the subscription handle: the
// worker never unsubscribes during its lifetime.
type Store interface {
	Subscribe(channel string, callback func(payload []byte)) error
	GetSwapState(fromChainID uint64, fromVault common.Address, swapID common.Hash) (*chain.SwapState, error)
}

// Params are the per-chain constants the worker needs (spec.md §6).
type Params struct {
	SelfChainID            uint64
	MaxPendingTransactions int
	MaxTries               int
	RetryInterval          time.Duration
	ProcessingInterval     time.Duration
	UnderwriteDelay        time.Duration
}

// Worker runs the admission loop and owns the Discover/Eval/Underwrite
// queues for one destination chain.
type Worker struct {
	store  Store
	tokens *tokens.Handler
	params Params

	discoverQueue   *queue.Queue[chain.DiscoverOrder, chain.EvalOrder]
	evalQueue       *queue.Queue[chain.EvalOrder, chain.UnderwriteOrder]
	underwriteQueue *queue.Queue[chain.UnderwriteOrder, chain.UnderwriteOrderResult]

	evaluator *eval.Evaluator

	mu        sync.Mutex
	newOrders []chain.NewOrder

	log log.Logger
}

// New wires a Worker around already-constructed Discoverer, Evaluator,
// and Underwriter instances, matching the construction order the rest
// of the pipeline (discover -> eval -> underwrite) already uses.
func New(store Store, tokenHandler *tokens.Handler, discoverer *discover.Discoverer, evaluator *eval.Evaluator, underwriter *underwrite.Underwriter, params Params) *Worker {
	w := &Worker{
		store:  store,
		tokens: tokenHandler,
		params: params,
		log:    log.New("component", "worker", "chainId", params.SelfChainID),
	}
	w.evaluator = evaluator
	w.discoverQueue = queue.New[chain.DiscoverOrder, chain.EvalOrder]("discover", discover.NewQueueHandler(discoverer), 8, params.MaxTries, params.RetryInterval)
	w.evalQueue = queue.New[chain.EvalOrder, chain.UnderwriteOrder]("eval", eval.NewQueueHandler(evaluator), 8, params.MaxTries, params.RetryInterval)
	w.underwriteQueue = queue.New[chain.UnderwriteOrder, chain.UnderwriteOrderResult]("underwrite", underwrite.NewQueueHandler(underwriter), 1, params.MaxTries, params.RetryInterval)
	return w
}

// Run subscribes to onSendAsset and drives the steady-state admission
// loop until ctx is cancelled (spec.md §4.8).
func (w *Worker) Run(ctx context.Context) error {
	if err := w.store.Subscribe(onSendAssetChannel, w.handleOnSendAsset); err != nil {
		return err
	}

	ticker := time.NewTicker(w.params.ProcessingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.step(ctx)
		}
	}
}

// onSendAssetChannel mirrors internal/store.ChannelOnSendAsset; worker
// depends only on the channel name, not the store package, to keep the
// same dependency direction the rest of the pipeline stages use.
const onSendAssetChannel = "underwriter:onSendAsset"

// handleOnSendAsset is the Store subscription callback (spec.md §4.8
// "Ingress"): resolves the full SwapState, filters to this chain, and
// enqueues a delayed NewOrder.
func (w *Worker) handleOnSendAsset(payload []byte) {
	var desc chain.SwapDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		w.log.Warn("failed to decode onSendAsset payload", "err", err)
		return
	}

	state, err := w.store.GetSwapState(desc.FromChainID, desc.FromVault, desc.SwapID)
	if err != nil {
		w.log.Error("failed to fetch swap state for onSendAsset", "err", err)
		return
	}
	if state == nil {
		w.log.Warn("onSendAsset published but swap state not found", "swapId", desc.SwapID.Hex())
		return
	}
	if state.ToChainID != w.params.SelfChainID {
		return
	}

	order := chain.NewOrder{
		FromChainID: desc.FromChainID,
		FromVault:   desc.FromVault,
		SwapID:      desc.SwapID,
		ProcessAt:   time.Now().Add(w.params.UnderwriteDelay),
	}
	w.mu.Lock()
	w.newOrders = append(w.newOrders, order)
	w.mu.Unlock()
}

// SetUnderwritingEnabled implements admin.Controller, scoped to this
// worker's own chain id. Disabling only gates Eval: Discover keeps
// running so the expirer's expected-underwrite index stays populated
// (spec.md §4.8 "Admin commands").
func (w *Worker) SetUnderwritingEnabled(chainIDs []uint64, enabled bool) {
	if len(chainIDs) > 0 && !containsChainID(chainIDs, w.params.SelfChainID) {
		return
	}
	w.evaluator.SetEnabled(enabled)
}

func containsChainID(chainIDs []uint64, id uint64) bool {
	for _, c := range chainIDs {
		if c == id {
			return true
		}
	}
	return false
}

// step runs one pass of the steady-state loop (spec.md §4.8 steps 1-5).
func (w *Worker) step(ctx context.Context) {
	w.admit()

	w.discoverQueue.ProcessOrders(ctx)
	discoverConfirmed, _, _ := w.discoverQueue.GetFinishedOrders()
	for _, r := range discoverConfirmed {
		w.evalQueue.AddOrders(r.Out)
	}

	w.evalQueue.ProcessOrders(ctx)
	evalConfirmed, _, _ := w.evalQueue.GetFinishedOrders()
	if len(evalConfirmed) > 0 {
		orders := make([]chain.UnderwriteOrder, len(evalConfirmed))
		for i, r := range evalConfirmed {
			orders[i] = r.Out
		}
		w.admitToUnderwrite(ctx, orders)
	}

	w.underwriteQueue.ProcessOrders(ctx)
	confirmed, rejected, failed := w.underwriteQueue.GetFinishedOrders()
	for _, r := range confirmed {
		w.handleConfirmed(r.Out)
	}
	for _, r := range rejected {
		w.handleTerminal(r.Order)
	}
	for _, r := range failed {
		w.handleTerminal(r.Order)
	}
}

// admit pops ready NewOrders up to the worker's remaining capacity
// (spec.md §4.8 step 1) and resolves each into a DiscoverOrder.
func (w *Worker) admit() {
	capacity := w.params.MaxPendingTransactions - (w.evalQueue.Len() + w.underwriteQueue.Len())
	if capacity <= 0 {
		return
	}

	w.mu.Lock()
	now := time.Now()
	var ready []chain.NewOrder
	var remaining []chain.NewOrder
	for _, o := range w.newOrders {
		if len(ready) < capacity && !o.ProcessAt.After(now) {
			ready = append(ready, o)
		} else {
			remaining = append(remaining, o)
		}
	}
	w.newOrders = remaining
	w.mu.Unlock()

	for _, o := range ready {
		state, err := w.store.GetSwapState(o.FromChainID, o.FromVault, o.SwapID)
		if err != nil {
			w.log.Error("failed to fetch swap state on admission", "err", err)
			continue
		}
		if state == nil || state.SourceInterface == (common.Address{}) {
			continue
		}
		w.discoverQueue.AddOrders(chain.DiscoverOrder{Swap: *state, InterfaceAddress: state.SourceInterface})
	}
}

// admitToUnderwrite implements step 3: reserves the balance and
// allowance each order will consume, blocks until the issued approvals
// resolve, then admits into the Underwrite queue (spec.md §4.8 step
// 3-4). The reservation amount is the order's toAssetAllowance, which
// is also the ERC20 allowance the interface needs to pull the reward
// from the wallet during underwriteAndCheckConnection.
func (w *Worker) admitToUnderwrite(ctx context.Context, orders []chain.UnderwriteOrder) {
	bySpender := make(map[common.Address][]chain.UnderwriteOrder)
	for _, o := range orders {
		bySpender[o.InterfaceAddress] = append(bySpender[o.InterfaceAddress], o)
		if err := w.tokens.ReserveBalance(ctx, o.ToAsset, o.ToAssetAllowance); err != nil {
			w.log.Error("failed to reserve balance", "toAsset", o.ToAsset.Hex(), "err", err)
		}
	}

	for spender, spenderOrders := range bySpender {
		approvals := w.tokens.ApprovalFor(spender)
		approvals.ProcessNewAllowances(spenderOrders)
		if err := approvals.SetRequiredAllowances(ctx, chain.TxMetadata{Reason: "underwriter allowance"}); err != nil {
			w.log.Error("failed to set required allowances, dropping orders for spender", "spender", spender.Hex(), "err", err)
			for _, o := range spenderOrders {
				w.releaseReservation(ctx, o)
			}
			continue
		}
		w.underwriteQueue.AddOrders(spenderOrders...)
	}
}

// handleConfirmed marks the reserved allowance as actually spent
// (spec.md §4.8 step 5).
func (w *Worker) handleConfirmed(result chain.UnderwriteOrderResult) {
	approvals := w.tokens.ApprovalFor(result.InterfaceAddress)
	approvals.RegisterAllowanceUse(result.ToAsset, result.ToAssetAllowance)
}

// handleTerminal releases a reservation that will never be spent,
// covering both Rejected (terminal failure) and Failed (exhausted
// retries) outcomes (spec.md §4.8 step 5).
func (w *Worker) handleTerminal(order chain.UnderwriteOrder) {
	w.releaseReservation(context.Background(), order)
}

func (w *Worker) releaseReservation(ctx context.Context, order chain.UnderwriteOrder) {
	if err := w.tokens.ReleaseBalance(ctx, order.ToAsset, order.ToAssetAllowance); err != nil {
		w.log.Error("failed to release balance reservation", "toAsset", order.ToAsset.Hex(), "err", err)
	}
	w.tokens.ApprovalFor(order.InterfaceAddress).RegisterRequiredAllowanceDecrease(order.ToAsset, order.ToAssetAllowance)
}
