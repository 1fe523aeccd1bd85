package listener

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/catalystdao/underwriter/internal/chain"
)

// Event signatures for the destination-interface logs the scan loop
// watches (spec.md §4.4 step 3).
var (
	topicSwapUnderwritten = crypto.Keccak256Hash([]byte("SwapUnderwritten(bytes32,address,address,address,uint256,address,uint256,uint256)"))
	topicFulfillUnderwrite = crypto.Keccak256Hash([]byte("FulfillUnderwrite(bytes32)"))
	topicExpireUnderwrite  = crypto.Keccak256Hash([]byte("ExpireUnderwrite(bytes32,address,uint256)"))
)

// watchedTopics is the getLogs topic filter (spec.md §4.4 step 3).
func watchedTopics() []common.Hash {
	return []common.Hash{topicSwapUnderwritten, topicFulfillUnderwrite, topicExpireUnderwrite}
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic("listener: bad abi type " + t + ": " + err.Error())
	}
	return typ
}

var swapUnderwrittenDataArgs = abi.Arguments{
	{Type: mustType("address")}, // underwriter
	{Type: mustType("address")}, // targetVault
	{Type: mustType("address")}, // toAsset
	{Type: mustType("uint256")}, // units
	{Type: mustType("address")}, // toAccount
	{Type: mustType("uint256")}, // outAmount
	{Type: mustType("uint256")}, // expiry (unix seconds)
}

var expireUnderwriteDataArgs = abi.Arguments{
	{Type: mustType("uint256")},
}

// decodedLog carries enough of the raw log to both key the
// UnderwriteState and construct the event-specific sub-record.
type decodedLog struct {
	toInterface  common.Address
	underwriteID common.Hash
	blockNumber  uint64
	txHash       common.Hash
}

// decodeSwapUnderwritten unpacks a SwapUnderwritten log into an
// UnderwriteState carrying only the SwapUnderwrittenEvent sub-record;
// blockTimestamp is resolved by the caller via the block-timestamp cache.
func decodeSwapUnderwritten(l types.Log, blockTimestamp time.Time) (chain.UnderwriteState, error) {
	if len(l.Topics) < 2 {
		return chain.UnderwriteState{}, fmt.Errorf("listener: SwapUnderwritten log missing underwriteId topic")
	}
	base := decodedLog{toInterface: l.Address, underwriteID: l.Topics[1], blockNumber: l.BlockNumber, txHash: l.TxHash}

	vals, err := swapUnderwrittenDataArgs.Unpack(l.Data)
	if err != nil {
		return chain.UnderwriteState{}, fmt.Errorf("listener: unpack SwapUnderwritten data: %w", err)
	}
	underwriter := vals[0].(common.Address)
	targetVault := vals[1].(common.Address)
	toAsset := vals[2].(common.Address)
	units := vals[3].(*big.Int)
	toAccount := vals[4].(common.Address)
	outAmount := vals[5].(*big.Int)
	expiry := vals[6].(*big.Int)

	return chain.UnderwriteState{
		ToInterface:  base.toInterface,
		UnderwriteID: base.underwriteID,
		Status:       chain.UnderwriteUnderwritten,
		SwapUnderwrittenEvent: &chain.SwapUnderwrittenEvent{
			BlockNumber:     base.blockNumber,
			BlockTimestamp:  blockTimestamp,
			TransactionHash: base.txHash,
			Underwriter:     underwriter,
			Expiry:          time.Unix(expiry.Int64(), 0),
			TargetVault:     targetVault,
			ToAsset:         toAsset,
			Units:           chain.NewBigInt(units),
			ToAccount:       toAccount,
			OutAmount:       chain.NewBigInt(outAmount),
		},
	}, nil
}

func decodeFulfillUnderwrite(l types.Log) (chain.UnderwriteState, error) {
	if len(l.Topics) < 2 {
		return chain.UnderwriteState{}, fmt.Errorf("listener: FulfillUnderwrite log missing underwriteId topic")
	}
	return chain.UnderwriteState{
		ToInterface:  l.Address,
		UnderwriteID: l.Topics[1],
		Status:       chain.UnderwriteFulfilled,
		FulfillUnderwriteEvent: &chain.FulfillUnderwriteEvent{
			BlockNumber:     l.BlockNumber,
			TransactionHash: l.TxHash,
		},
	}, nil
}

func decodeExpireUnderwrite(l types.Log) (chain.UnderwriteState, error) {
	if len(l.Topics) < 3 {
		return chain.UnderwriteState{}, fmt.Errorf("listener: ExpireUnderwrite log missing indexed topics")
	}
	vals, err := expireUnderwriteDataArgs.Unpack(l.Data)
	if err != nil {
		return chain.UnderwriteState{}, fmt.Errorf("listener: unpack ExpireUnderwrite data: %w", err)
	}
	reward := vals[0].(*big.Int)
	expirer := common.BytesToAddress(l.Topics[2].Bytes())

	return chain.UnderwriteState{
		ToInterface:  l.Address,
		UnderwriteID: l.Topics[1],
		Status:       chain.UnderwriteExpired,
		ExpireUnderwriteEvent: &chain.ExpireUnderwriteEvent{
			BlockNumber:     l.BlockNumber,
			TransactionHash: l.TxHash,
			Expirer:         expirer,
			Reward:          chain.NewBigInt(reward),
		},
	}, nil
}

// decodeLog dispatches on the log's topic0 (spec.md §4.4 step 4).
func decodeLog(l types.Log, blockTimestamp time.Time) (chain.UnderwriteState, bool, error) {
	if len(l.Topics) == 0 {
		return chain.UnderwriteState{}, false, nil
	}
	switch l.Topics[0] {
	case topicSwapUnderwritten:
		state, err := decodeSwapUnderwritten(l, blockTimestamp)
		return state, true, err
	case topicFulfillUnderwrite:
		state, err := decodeFulfillUnderwrite(l)
		return state, true, err
	case topicExpireUnderwrite:
		state, err := decodeExpireUnderwrite(l)
		return state, true, err
	default:
		return chain.UnderwriteState{}, false, nil
	}
}
