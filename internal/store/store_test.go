package store

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/catalystdao/underwriter/internal/chain"
)

func TestKeysAreLowercased(t *testing.T) {
	addr := common.HexToAddress("0xAbCdEf0000000000000000000000000000000000")
	hash := common.HexToHash("0xDEADBEEF")
	k := swapKey(1, addr, hash)
	require.Equal(t, k, lower(k))
}

func TestMergeSwapStateRecomputesStatusFromReceiveAsset(t *testing.T) {
	base := chain.SwapState{FromChainID: 1, FromVault: common.Address{1}, SwapID: common.Hash{1}}

	merged := mergeSwapState(nil, base)
	require.Equal(t, chain.SwapPending, merged.Status)

	withReceive := base
	withReceive.ReceiveAssetEvent = &chain.ReceiveAssetEvent{BlockNumber: 5}
	merged = mergeSwapState(&merged, withReceive)
	require.Equal(t, chain.SwapCompleted, merged.Status)
}

func TestMergeSwapStateDoesNotClobberExistingFields(t *testing.T) {
	toAsset := common.HexToAddress("0xE0E0E0E0E0E0E0E0E0E0E0E0E0E0E0E0E0E0E0E0")
	existing := chain.SwapState{
		FromChainID: 1,
		ToAsset:     &toAsset,
	}
	next := chain.SwapState{
		FromChainID:       1,
		ReceiveAssetEvent: &chain.ReceiveAssetEvent{BlockNumber: 9},
	}
	merged := mergeSwapState(&existing, next)
	require.NotNil(t, merged.ToAsset)
	require.Equal(t, toAsset, *merged.ToAsset)
	require.NotNil(t, merged.ReceiveAssetEvent)
}

func TestMergeUnderwriteStateFulfillThenExpireErrors(t *testing.T) {
	underwritten := chain.UnderwriteState{
		ToChainID:    1,
		UnderwriteID: common.Hash{1},
		SwapUnderwrittenEvent: &chain.SwapUnderwrittenEvent{BlockNumber: 1},
	}

	withFulfill, _, err := mergeUnderwriteState(&underwritten, chain.UnderwriteState{
		ToChainID: 1, UnderwriteID: common.Hash{1},
		FulfillUnderwriteEvent: &chain.FulfillUnderwriteEvent{TransactionHash: common.Hash{0xaa}},
	})
	require.NoError(t, err)
	require.Equal(t, chain.UnderwriteFulfilled, withFulfill.Status)

	_, _, err = mergeUnderwriteState(&withFulfill, chain.UnderwriteState{
		ToChainID: 1, UnderwriteID: common.Hash{1},
		ExpireUnderwriteEvent: &chain.ExpireUnderwriteEvent{TransactionHash: common.Hash{0xbb}},
	})
	require.ErrorIs(t, err, ErrBothTerminalEvents)
}

func TestMergeUnderwriteStateOrderIndependent(t *testing.T) {
	underwritten := &chain.SwapUnderwrittenEvent{BlockNumber: 1}
	fulfill := &chain.FulfillUnderwriteEvent{TransactionHash: common.Hash{0xaa}}

	// Apply underwritten then fulfill.
	m1, _, err := mergeUnderwriteState(nil, chain.UnderwriteState{UnderwriteID: common.Hash{1}, SwapUnderwrittenEvent: underwritten})
	require.NoError(t, err)
	m1, _, err = mergeUnderwriteState(&m1, chain.UnderwriteState{UnderwriteID: common.Hash{1}, FulfillUnderwriteEvent: fulfill})
	require.NoError(t, err)

	// Apply fulfill then underwritten.
	m2, _, err := mergeUnderwriteState(nil, chain.UnderwriteState{UnderwriteID: common.Hash{1}, FulfillUnderwriteEvent: fulfill})
	require.NoError(t, err)
	m2, _, err = mergeUnderwriteState(&m2, chain.UnderwriteState{UnderwriteID: common.Hash{1}, SwapUnderwrittenEvent: underwritten})
	require.NoError(t, err)

	require.Equal(t, m1.Status, m2.Status)
	require.Equal(t, m1.FulfillUnderwriteEvent, m2.FulfillUnderwriteEvent)
	require.Equal(t, m1.SwapUnderwrittenEvent, m2.SwapUnderwrittenEvent)
}

// TestStoreIntegration exercises the real Redis-backed Store. It is
// skipped unless UNDERWRITER_TEST_REDIS_ADDR points at a running
// instance, matching the pattern geth's own integration tests use for
// resources that aren't available in a sandboxed unit-test run.
func TestStoreIntegration(t *testing.T) {
	addr := os.Getenv("UNDERWRITER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("UNDERWRITER_TEST_REDIS_ADDR not set")
	}

	s, err := New(addr, 0)
	require.NoError(t, err)
	defer s.Close()

	received := make(chan chain.SwapDescription, 1)
	sub, err := s.On(ChannelOnSendAsset, func(payload []byte) {
		var desc chain.SwapDescription
		require.NoError(t, json.Unmarshal(payload, &desc))
		received <- desc
	})
	require.NoError(t, err)
	defer sub.Close()

	units := chain.BigIntFromInt64(100)
	swap := chain.SwapState{
		FromChainID: 11155111,
		FromVault:   common.HexToAddress("0xA0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0"),
		SwapID:      common.HexToHash("0x01"),
		AMBMessageSendAssetDetails: &chain.AMBMessageSendAssetDetails{
			Units: units,
		},
	}
	require.NoError(t, s.SaveSwapState(swap))

	got, err := s.GetSwapState(swap.FromChainID, swap.FromVault, swap.SwapID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "100", got.AMBMessageSendAssetDetails.Units.String())

	select {
	case desc := <-received:
		require.Equal(t, swap.SwapID, desc.SwapID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onSendAsset publication")
	}
}
