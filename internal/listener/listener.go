// Package listener implements the Event Listener (C4): one worker per
// destination chain running two independent ingestion loops — a
// destination-interface log scan and a relayer AMB subscription — that
// converge on the shared Store (spec.md §4.4).
package listener

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/catalystdao/underwriter/internal/chain"
	"github.com/catalystdao/underwriter/internal/payload"
	"github.com/catalystdao/underwriter/internal/queue"
)

// Client is the on-chain read surface the scan loop needs.
type Client interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Index is the store surface the listener writes to.
type Index interface {
	SaveActiveUnderwriteState(state chain.UnderwriteState) error
	SaveSwapState(state chain.SwapState) error
}

// Params are the chain-wide constants the listener needs (spec.md §6).
type Params struct {
	SelfChainID        uint64
	Interfaces         []common.Address
	MaxBlocks          uint64
	RetryInterval      time.Duration
	ProcessingInterval time.Duration
	StartingBlock      *int64 // absolute if >=0, offset from current block if <0; nil = start at current block
}

// Listener runs the two ingestion loops for one destination chain.
type Listener struct {
	client  Client
	monitor chain.BlockMonitor
	relayer chain.Relayer
	index   Index
	params  Params

	endpoints map[common.Address]chain.Endpoint // keyed by interfaceAddress

	blockTimestamps *lru.Cache // blockNumber -> time.Time

	mu      sync.Mutex
	fromBlock uint64
	pending   []queuedSwap

	log log.Logger
}

// queuedSwap is one entry in catalystSwapMessagesQueue awaiting
// monitor synchronization (spec.md §4.4 "AMB-to-monitor synchronization").
type queuedSwap struct {
	swap        chain.SwapState
	blockNumber uint64
	blockHash   common.Hash
}

func New(client Client, monitor chain.BlockMonitor, relayer chain.Relayer, index Index, params Params, endpoints []chain.Endpoint) (*Listener, error) {
	cache, err := lru.New(4096)
	if err != nil {
		return nil, err
	}
	byInterface := make(map[common.Address]chain.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byInterface[ep.InterfaceAddress] = ep
	}

	current, _, _ := monitor.CurrentBlock()
	fromBlock := resolveStartingBlock(params.StartingBlock, current)

	return &Listener{
		client:          client,
		monitor:         monitor,
		relayer:         relayer,
		index:           index,
		params:          params,
		endpoints:       byInterface,
		blockTimestamps: cache,
		fromBlock:       fromBlock,
		log:             log.New("component", "listener", "chainId", params.SelfChainID),
	}, nil
}

// resolveStartingBlock implements spec.md §4.4(a)'s startingBlock
// resolution: absolute if non-negative, an offset behind current if
// negative, or the current block when unset.
func resolveStartingBlock(startingBlock *int64, current uint64) uint64 {
	if startingBlock == nil {
		return current
	}
	if *startingBlock >= 0 {
		return uint64(*startingBlock)
	}
	offset := uint64(-*startingBlock)
	if offset > current {
		return 0
	}
	return current - offset
}

// Run starts the scan loop, the AMB subscription loop, and the
// synchronization loop, blocking until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); l.runScanLoop(ctx) }()
	go func() { defer wg.Done(); l.runAMBLoop(ctx) }()
	go func() { defer wg.Done(); l.runSyncLoop(ctx) }()
	wg.Wait()
	return ctx.Err()
}

// --- (a) interface event scan ---

func (l *Listener) runScanLoop(ctx context.Context) {
	ticker := time.NewTicker(l.params.ProcessingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.scanOnce(ctx)
		}
	}
}

func (l *Listener) scanOnce(ctx context.Context) {
	current, _, _ := l.monitor.CurrentBlock()

	l.mu.Lock()
	fromBlock := l.fromBlock
	l.mu.Unlock()

	if current < fromBlock {
		return
	}
	toBlock := current
	if toBlock > fromBlock+l.params.MaxBlocks {
		toBlock = fromBlock + l.params.MaxBlocks
	}

	var logs []types.Log
	err := queue.RetryForever(ctx, l.params.RetryInterval, l.log, "getLogs", func(ctx context.Context) error {
		fetched, err := l.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Addresses: l.params.Interfaces,
			Topics:    [][]common.Hash{watchedTopics()},
		})
		if err != nil {
			return err
		}
		logs = fetched
		return nil
	})
	if err != nil {
		return // ctx cancelled
	}

	for _, lg := range logs {
		l.handleLog(ctx, lg)
	}

	l.mu.Lock()
	l.fromBlock = toBlock + 1
	l.mu.Unlock()
}

func (l *Listener) handleLog(ctx context.Context, lg types.Log) {
	ts, err := l.blockTimestamp(ctx, lg.BlockNumber)
	if err != nil {
		l.log.Warn("failed to resolve block timestamp, dropping log", "blockNumber", lg.BlockNumber, "err", err)
		return
	}
	state, matched, err := decodeLog(lg, ts)
	if err != nil {
		l.log.Warn("failed to decode underwrite-lifecycle log", "txHash", lg.TxHash.Hex(), "err", err)
		return
	}
	if !matched {
		return
	}
	state.ToChainID = l.params.SelfChainID
	if err := l.index.SaveActiveUnderwriteState(state); err != nil {
		l.log.Error("failed to save active underwrite state", "underwriteId", state.UnderwriteID.Hex(), "err", err)
	}
}

func (l *Listener) blockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error) {
	if cached, ok := l.blockTimestamps.Get(blockNumber); ok {
		return cached.(time.Time), nil
	}
	header, err := l.client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return time.Time{}, err
	}
	ts := time.Unix(int64(header.Time), 0)
	l.blockTimestamps.Add(blockNumber, ts)
	return ts, nil
}

// --- (b) AMB subscription ---

func (l *Listener) runAMBLoop(ctx context.Context) {
	messages, err := l.relayer.Subscribe(ctx)
	if err != nil {
		l.log.Error("failed to subscribe to relayer AMB feed", "err", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			l.handleAMBMessage(msg)
		}
	}
}

func (l *Listener) handleAMBMessage(msg chain.AMBMessage) {
	if msg.FromChainID != l.params.SelfChainID {
		return
	}

	env, err := payload.DecodeEnvelope(msg.IncentivesPayload)
	if err != nil {
		l.log.Warn("failed to parse AMB incentives payload, dropping", "messageIdentifier", msg.MessageIdentifier.Hex(), "err", err)
		return
	}
	if env.Context != payload.ContextSourceToDestination {
		l.log.Warn("Skipping AMB message: not source->destination", "messageIdentifier", msg.MessageIdentifier.Hex())
		return
	}

	sourceApp := payload.NarrowToAddress(env.SourceApplication)
	ep, ok := l.lookupEndpoint(sourceApp)
	if !ok {
		l.log.Info("Skipping AMB message: no configured endpoint for source application", "sourceApplication", sourceApp.Hex())
		return
	}
	if ep.IncentivesAddress != msg.FromIncentivesAddress {
		l.log.Info("Skipping AMB message: source-escrow mismatch", "expected", ep.IncentivesAddress.Hex(), "got", msg.FromIncentivesAddress.Hex())
		return
	}

	catalystCtx, err := payload.CatalystContext(env.Message)
	if err != nil {
		l.log.Warn("failed to parse Catalyst context, dropping AMB message", "err", err)
		return
	}
	if catalystCtx != payload.CatalystContextAssetSwap {
		return
	}

	swap, err := payload.DecodeAssetSwapPayload(env.Message)
	if err != nil {
		l.log.Warn("failed to parse Catalyst asset-swap payload, dropping AMB message", "err", err)
		return
	}

	swapID, err := payload.SwapID(swap.ToAccount, swap.Units, swap.FromAmount, swap.FromAsset, swap.BlockNumber)
	if err != nil {
		l.log.Warn("failed to compute swapId, dropping AMB message", "err", err)
		return
	}

	state := chain.SwapState{
		FromChainID:       msg.FromChainID,
		ToChainID:         msg.ToChainID,
		FromVault:         payload.NarrowToAddress(swap.FromVault),
		SwapID:            swapID,
		SourceInterface:   sourceApp,
		AMB:               msg.AMB,
		MessageIdentifier: msg.MessageIdentifier,
		Deadline:          msg.Deadline,
		AMBMessageSendAssetDetails: &chain.AMBMessageSendAssetDetails{
			FromVault:                payload.NarrowToAddress(swap.FromVault),
			ToVault:                  swap.ToVault,
			ToAccount:                swap.ToAccount,
			Units:                    chain.NewBigInt(swap.Units),
			ToAssetIndex:             swap.ToAssetIndex,
			MinOut:                   chain.NewBigInt(swap.MinOut),
			FromAmount:               chain.NewBigInt(swap.FromAmount),
			FromAsset:                swap.FromAsset,
			BlockNumberMod32:         swap.BlockNumber,
			UnderwritingIncentiveX16: swap.UnderwritingIncentiveX16,
			Calldata:                 swap.Calldata,
		},
		Status: chain.SwapPending,
	}

	l.mu.Lock()
	l.pending = append(l.pending, queuedSwap{swap: state, blockNumber: msg.BlockNumber, blockHash: msg.BlockHash})
	l.mu.Unlock()
}

// lookupEndpoint matches sourceApplication case-insensitively (spec.md
// §4.4 step 2); common.Address is already a fixed-size byte array so
// a direct map lookup is inherently case-insensitive.
func (l *Listener) lookupEndpoint(sourceApplication common.Address) (chain.Endpoint, bool) {
	ep, ok := l.endpoints[sourceApplication]
	return ep, ok
}

// --- AMB-to-monitor synchronization ---

func (l *Listener) runSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(l.params.ProcessingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.drainPending(ctx)
		}
	}
}

// drainPending implements spec.md §4.4's "AMB-to-monitor
// synchronization": entries at or behind the monitor's current block
// are reconciled against a fresh blockhash read to guard against a
// reorg (spec.md §8 scenario D) before being committed to the store.
func (l *Listener) drainPending(ctx context.Context) {
	current, _, _ := l.monitor.CurrentBlock()

	l.mu.Lock()
	var ready []queuedSwap
	var remaining []queuedSwap
	for _, entry := range l.pending {
		if entry.blockNumber <= current {
			ready = append(ready, entry)
		} else {
			remaining = append(remaining, entry)
		}
	}
	l.pending = remaining
	l.mu.Unlock()

	for _, entry := range ready {
		hash, err := l.monitor.BlockHashAt(ctx, entry.blockNumber)
		if err != nil {
			l.log.Warn("failed to re-check block hash, dropping swap message", "blockNumber", entry.blockNumber, "err", err)
			continue
		}
		if hash != entry.blockHash {
			l.log.Info("dropping swap message: block hash changed since observation, probable reorg",
				"blockNumber", entry.blockNumber, "observed", entry.blockHash.Hex(), "current", hash.Hex())
			continue
		}
		if err := l.index.SaveSwapState(entry.swap); err != nil {
			l.log.Error("failed to save swap state", "swapId", entry.swap.SwapID.Hex(), "err", err)
		}
	}
}
