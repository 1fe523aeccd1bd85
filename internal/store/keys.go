// Package store implements a typed wrapper over a Redis-backed
// key-value store with publish/subscribe, as described in spec.md
// §4.1 and §6. Keys are colon-joined, lowercased, prefixed strings;
// values are JSON with large integers serialized as decimal strings
// (see internal/chain.BigInt).
package store

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Channel names for the store's pub/sub surface (spec.md §6).
const (
	ChannelOnSendAsset             = "underwriter:onSendAsset"
	ChannelOnSwapUnderwritten      = "underwriter:onSwapUnderwritten"
	ChannelOnSwapUnderwriteComplete = "underwriter:onSwapUnderwriteComplete"
	ChannelKey                     = "underwriter:key"
)

// KeyAction distinguishes a set from a delete in a "key" event.
type KeyAction string

const (
	KeyActionSet KeyAction = "set"
	KeyActionDel KeyAction = "del"
)

func lower(s string) string { return strings.ToLower(s) }

func swapKey(fromChainID uint64, fromVault common.Address, swapID common.Hash) string {
	return lower(fmt.Sprintf("swap:%d:%s:%s", fromChainID, fromVault.Hex(), swapID.Hex()))
}

func activeUnderwriteKey(toChainID uint64, toInterface common.Address, underwriteID common.Hash) string {
	return lower(fmt.Sprintf("activeUnderwrite:%d:%s:%s", toChainID, toInterface.Hex(), underwriteID.Hex()))
}

func completedUnderwriteKey(toChainID uint64, toInterface common.Address, underwriteID common.Hash, txHash common.Hash) string {
	return lower(fmt.Sprintf("completedUnderwrite:%d:%s:%s:%s", toChainID, toInterface.Hex(), underwriteID.Hex(), txHash.Hex()))
}

func expectedUnderwriteToSwapKey(toChainID uint64, toInterface common.Address, underwriteID common.Hash) string {
	return lower(fmt.Sprintf("expectedUnderwriteToSwap:%d:%s:%s", toChainID, toInterface.Hex(), underwriteID.Hex()))
}

func completedUnderwriteToSwapKey(toChainID uint64, toInterface common.Address, underwriteID common.Hash, txHash common.Hash) string {
	return lower(fmt.Sprintf("completedUnderwriteToSwap:%d:%s:%s:%s", toChainID, toInterface.Hex(), underwriteID.Hex(), txHash.Hex()))
}
