package store

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/catalystdao/underwriter/internal/chain"
)

// mergeSwapState merges next onto existing (which may be nil),
// recomputes Status, and returns the merged value. Pure function, no
// I/O — kept separate from Store so the merge semantics in spec.md §3
// and §8 property 4 can be tested without a live backing store.
func mergeSwapState(existing *chain.SwapState, next chain.SwapState) chain.SwapState {
	merged := next
	if existing != nil {
		merged = *existing
		if next.AMBMessageSendAssetDetails != nil {
			merged.AMBMessageSendAssetDetails = next.AMBMessageSendAssetDetails
		}
		if next.ReceiveAssetEvent != nil {
			merged.ReceiveAssetEvent = next.ReceiveAssetEvent
		}
		if next.ToAsset != nil {
			merged.ToAsset = next.ToAsset
		}
		if next.ExpectedUnderwriteID != nil {
			merged.ExpectedUnderwriteID = next.ExpectedUnderwriteID
		}
		if next.SourceInterface != (common.Address{}) {
			merged.SourceInterface = next.SourceInterface
		}
	}

	if merged.ReceiveAssetEvent != nil {
		merged.Status = chain.SwapCompleted
	} else {
		merged.Status = chain.SwapPending
	}
	return merged
}

// mergeUnderwriteState merges next's event sub-records onto existing
// (which may be nil). It returns an error (ErrBothTerminalEvents) if
// the merge would set both terminal events — the store is left
// unchanged by the caller in that case.
func mergeUnderwriteState(existing *chain.UnderwriteState, next chain.UnderwriteState) (merged chain.UnderwriteState, introducedUnderwritten bool, err error) {
	merged = next
	introducedUnderwritten = next.SwapUnderwrittenEvent != nil
	if existing != nil {
		merged = *existing
		if next.SwapUnderwrittenEvent != nil {
			introducedUnderwritten = existing.SwapUnderwrittenEvent == nil
			merged.SwapUnderwrittenEvent = next.SwapUnderwrittenEvent
		} else {
			introducedUnderwritten = false
		}
		if next.FulfillUnderwriteEvent != nil {
			merged.FulfillUnderwriteEvent = next.FulfillUnderwriteEvent
		}
		if next.ExpireUnderwriteEvent != nil {
			merged.ExpireUnderwriteEvent = next.ExpireUnderwriteEvent
		}
	}

	if merged.FulfillUnderwriteEvent != nil && merged.ExpireUnderwriteEvent != nil {
		return chain.UnderwriteState{}, false, fmt.Errorf("%w: toChainId=%d toInterface=%s underwriteId=%s",
			ErrBothTerminalEvents, next.ToChainID, next.ToInterface.Hex(), next.UnderwriteID.Hex())
	}

	switch {
	case merged.FulfillUnderwriteEvent != nil:
		merged.Status = chain.UnderwriteFulfilled
	case merged.ExpireUnderwriteEvent != nil:
		merged.Status = chain.UnderwriteExpired
	default:
		merged.Status = chain.UnderwriteUnderwritten
	}
	return merged, introducedUnderwritten, nil
}
