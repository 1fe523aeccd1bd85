// Package blockmonitor implements chain.BlockMonitor, spec.md's "out
// of scope, assumed to produce a stream of (blockNumber, blockHash,
// timestamp)" generic chain-block monitor, by polling a destination
// chain's latest header. The poll-and-snapshot shape mirrors
// internal/listener's own blockTimestamps cache (spec.md §8's
// reorg-check design note names the monitor as a fourth goroutine
// updating an atomic snapshot, which this is).
package blockmonitor

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// Client is the narrow header-fetch surface needed, satisfied by
// internal/rpcclient.Client.
type Client interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Monitor polls for new headers on pollInterval and exposes the latest
// snapshot to any number of concurrent chain.BlockMonitor callers.
type Monitor struct {
	client       Client
	pollInterval time.Duration
	log          log.Logger

	mu        sync.RWMutex
	number    uint64
	hash      common.Hash
	timestamp time.Time
}

func New(client Client, pollInterval time.Duration) *Monitor {
	return &Monitor{client: client, pollInterval: pollInterval, log: log.New("component", "blockmonitor")}
}

// Run polls until ctx is cancelled, refreshing the latest snapshot.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.refresh(ctx); err != nil {
		m.log.Warn("initial header fetch failed", "err", err)
	}
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.refresh(ctx); err != nil {
				m.log.Warn("header fetch failed", "err", err)
			}
		}
	}
}

func (m *Monitor) refresh(ctx context.Context) error {
	header, err := m.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.number = header.Number.Uint64()
	m.hash = header.Hash()
	m.timestamp = time.Unix(int64(header.Time), 0)
	m.mu.Unlock()
	return nil
}

// CurrentBlock implements chain.BlockMonitor.
func (m *Monitor) CurrentBlock() (uint64, common.Hash, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.number, m.hash, m.timestamp
}

// BlockHashAt implements chain.BlockMonitor by fetching the historical
// header directly: only reorg checks near the current tip call this
// (spec.md §8 scenario D), so there is no need to cache every block.
func (m *Monitor) BlockHashAt(ctx context.Context, number uint64) (common.Hash, error) {
	header, err := m.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return common.Hash{}, err
	}
	return header.Hash(), nil
}
