package listener

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/catalystdao/underwriter/internal/chain"
	"github.com/catalystdao/underwriter/internal/payload"
)

var (
	sourceInterface = common.HexToAddress("0x1111111111111111111111111111111111111111")
	incentivesAddr  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	fromVaultAddr   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type fakeClient struct{}

func (fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Time: 1000}, nil
}

type fakeMonitor struct {
	current   uint64
	blockHash common.Hash
}

func (m *fakeMonitor) CurrentBlock() (uint64, common.Hash, time.Time) {
	return m.current, m.blockHash, time.Now()
}
func (m *fakeMonitor) BlockHashAt(ctx context.Context, number uint64) (common.Hash, error) {
	return m.blockHash, nil
}

type fakeRelayer struct{ ch chan chain.AMBMessage }

func (f *fakeRelayer) Subscribe(ctx context.Context) (<-chan chain.AMBMessage, error) { return f.ch, nil }
func (f *fakeRelayer) PrioritiseAMBMessage(ctx context.Context, messageIdentifier common.Hash, amb string, sourceChainID, destinationChainID uint64) error {
	return nil
}

type fakeIndex struct {
	savedSwaps      []chain.SwapState
	savedUnderwrite []chain.UnderwriteState
}

func (f *fakeIndex) SaveActiveUnderwriteState(state chain.UnderwriteState) error {
	f.savedUnderwrite = append(f.savedUnderwrite, state)
	return nil
}
func (f *fakeIndex) SaveSwapState(state chain.SwapState) error {
	f.savedSwaps = append(f.savedSwaps, state)
	return nil
}

func buildCatalystPayload(t *testing.T) []byte {
	t.Helper()
	fromVault, err := payload.EncodeAddr65(fromVaultAddr.Bytes())
	require.NoError(t, err)
	toVault, err := payload.EncodeAddr65(common.HexToAddress("0x4444444444444444444444444444444444444444").Bytes())
	require.NoError(t, err)
	toAccount, err := payload.EncodeAddr65(common.HexToAddress("0x5555555555555555555555555555555555555555").Bytes())
	require.NoError(t, err)
	fromAsset, err := payload.EncodeAddr65(common.HexToAddress("0x6666666666666666666666666666666666666666").Bytes())
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteByte(payload.CatalystContextAssetSwap)
	buf.Write(fromVault)
	buf.Write(toVault)
	buf.Write(toAccount)
	buf.Write(make([]byte, 32)) // units = 0
	buf.WriteByte(0)            // toAssetIndex
	buf.Write(make([]byte, 32)) // minOut = 0
	buf.Write(make([]byte, 32)) // fromAmount = 0
	buf.Write(fromAsset)
	var blockNum [4]byte
	binary.BigEndian.PutUint32(blockNum[:], 7)
	buf.Write(blockNum[:])
	var incentive [2]byte
	binary.BigEndian.PutUint16(incentive[:], 1000)
	buf.Write(incentive[:])
	return buf.Bytes()
}

func buildEnvelope(t *testing.T, sourceApp common.Address) []byte {
	t.Helper()
	sourceAppEnc, err := payload.EncodeAddr65(sourceApp.Bytes())
	require.NoError(t, err)
	toAppEnc, err := payload.EncodeAddr65(common.HexToAddress("0x7777777777777777777777777777777777777777").Bytes())
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteByte(0x00) // ContextSourceToDestination
	var msgID [32]byte
	buf.Write(msgID[:])
	buf.Write(sourceAppEnc)
	buf.Write(toAppEnc)
	buf.Write(make([]byte, 6)) // maxGas
	buf.Write(buildCatalystPayload(t))
	return buf.Bytes()
}

func newTestListener(t *testing.T, monitor *fakeMonitor, relayer *fakeRelayer, index *fakeIndex) *Listener {
	t.Helper()
	endpoints := []chain.Endpoint{{InterfaceAddress: sourceInterface, IncentivesAddress: incentivesAddr}}
	l, err := New(fakeClient{}, monitor, relayer, index, Params{
		SelfChainID:        1,
		ProcessingInterval: time.Hour,
		MaxBlocks:          100,
	}, endpoints)
	require.NoError(t, err)
	return l
}

func TestHandleAMBMessageQueuesTrustedAssetSwap(t *testing.T) {
	index := &fakeIndex{}
	l := newTestListener(t, &fakeMonitor{current: 10}, &fakeRelayer{}, index)

	msg := chain.AMBMessage{
		FromChainID:           1,
		ToChainID:             2,
		FromIncentivesAddress: incentivesAddr,
		IncentivesPayload:     buildEnvelope(t, sourceInterface),
		BlockNumber:           5,
		BlockHash:             common.HexToHash("0xaa"),
		Deadline:              time.Now().Add(time.Hour),
	}
	l.handleAMBMessage(msg)

	l.mu.Lock()
	pending := len(l.pending)
	l.mu.Unlock()
	require.Equal(t, 1, pending)
	require.Empty(t, index.savedSwaps) // not yet synchronized against the monitor
}

// Scenario B — AMB rejected: fromIncentivesAddress does not match the
// configured endpoint's incentivesAddress (spec.md §8 scenario B).
func TestHandleAMBMessageRejectsIncentivesAddressMismatch(t *testing.T) {
	index := &fakeIndex{}
	l := newTestListener(t, &fakeMonitor{current: 10}, &fakeRelayer{}, index)

	msg := chain.AMBMessage{
		FromChainID:           1,
		FromIncentivesAddress: common.HexToAddress("0x0000000000000000000000000000000000000001"),
		IncentivesPayload:     buildEnvelope(t, sourceInterface),
		BlockNumber:           5,
		BlockHash:             common.HexToHash("0xaa"),
	}
	l.handleAMBMessage(msg)

	l.mu.Lock()
	pending := len(l.pending)
	l.mu.Unlock()
	require.Equal(t, 0, pending)
}

func TestHandleAMBMessageRejectsUnknownSourceApplication(t *testing.T) {
	index := &fakeIndex{}
	l := newTestListener(t, &fakeMonitor{current: 10}, &fakeRelayer{}, index)

	msg := chain.AMBMessage{
		FromChainID:           1,
		FromIncentivesAddress: incentivesAddr,
		IncentivesPayload:     buildEnvelope(t, common.HexToAddress("0x00000000000000000000000000000000000099")),
		BlockNumber:           5,
		BlockHash:             common.HexToHash("0xaa"),
	}
	l.handleAMBMessage(msg)

	l.mu.Lock()
	pending := len(l.pending)
	l.mu.Unlock()
	require.Equal(t, 0, pending)
}

func TestHandleAMBMessageIgnoresOtherChains(t *testing.T) {
	index := &fakeIndex{}
	l := newTestListener(t, &fakeMonitor{current: 10}, &fakeRelayer{}, index)

	msg := chain.AMBMessage{FromChainID: 99}
	l.handleAMBMessage(msg)

	l.mu.Lock()
	pending := len(l.pending)
	l.mu.Unlock()
	require.Equal(t, 0, pending)
}

// Scenario D — reorg after AMB: the entry's observed blockHash no
// longer matches the monitor's current blockHash for that block
// number, so drain must drop it without ever calling SaveSwapState
// (spec.md §8 scenario D).
func TestDrainPendingDropsOnReorg(t *testing.T) {
	index := &fakeIndex{}
	monitor := &fakeMonitor{current: 10, blockHash: common.HexToHash("0xb2")}
	l := newTestListener(t, monitor, &fakeRelayer{}, index)

	l.pending = []queuedSwap{{
		swap:        chain.SwapState{SwapID: common.HexToHash("0x01")},
		blockNumber: 5,
		blockHash:   common.HexToHash("0xb1"),
	}}

	l.drainPending(context.Background())

	require.Empty(t, index.savedSwaps)
	l.mu.Lock()
	pending := len(l.pending)
	l.mu.Unlock()
	require.Equal(t, 0, pending)
}

func TestDrainPendingCommitsOnMatchingBlockHash(t *testing.T) {
	index := &fakeIndex{}
	monitor := &fakeMonitor{current: 10, blockHash: common.HexToHash("0xH1")}
	l := newTestListener(t, monitor, &fakeRelayer{}, index)

	l.pending = []queuedSwap{{
		swap:        chain.SwapState{SwapID: common.HexToHash("0x01")},
		blockNumber: 5,
		blockHash:   common.HexToHash("0xH1"),
	}}

	l.drainPending(context.Background())

	require.Len(t, index.savedSwaps, 1)
}

func TestDrainPendingLeavesFutureEntriesQueued(t *testing.T) {
	index := &fakeIndex{}
	monitor := &fakeMonitor{current: 3, blockHash: common.HexToHash("0xH1")}
	l := newTestListener(t, monitor, &fakeRelayer{}, index)

	l.pending = []queuedSwap{{
		swap:        chain.SwapState{SwapID: common.HexToHash("0x01")},
		blockNumber: 5,
		blockHash:   common.HexToHash("0xH1"),
	}}

	l.drainPending(context.Background())

	require.Empty(t, index.savedSwaps)
	l.mu.Lock()
	pending := len(l.pending)
	l.mu.Unlock()
	require.Equal(t, 1, pending)
}

func TestResolveStartingBlock(t *testing.T) {
	require.Equal(t, uint64(100), resolveStartingBlock(nil, 100))

	abs := int64(42)
	require.Equal(t, uint64(42), resolveStartingBlock(&abs, 100))

	offset := int64(-10)
	require.Equal(t, uint64(90), resolveStartingBlock(&offset, 100))

	bigOffset := int64(-1000)
	require.Equal(t, uint64(0), resolveStartingBlock(&bigOffset, 100))
}
