// Package chain holds the domain types shared across the underwriter
// pipeline: swap and underwrite state as persisted in the store, the
// order types that flow from stage to stage, and the small collaborator
// interfaces (wallet, block monitor, relayer) the pipeline depends on
// but does not implement.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SwapStatus is the lifecycle state of a SwapState.
type SwapStatus string

const (
	SwapPending   SwapStatus = "Pending"
	SwapCompleted SwapStatus = "Completed"
)

// UnderwriteStatus is the lifecycle state of an UnderwriteState.
type UnderwriteStatus string

const (
	UnderwriteUnderwritten UnderwriteStatus = "Underwritten"
	UnderwriteFulfilled    UnderwriteStatus = "Fulfilled"
	UnderwriteExpired      UnderwriteStatus = "Expired"
)

// SendAssetEvent mirrors the on-chain SendAsset log. No other type or
// package references it; SwapState carries no SendAsset record.
type SendAssetEvent struct {
	BlockNumber     uint64      `json:"blockNumber"`
	TransactionHash common.Hash `json:"transactionHash"`
}

// ReceiveAssetEvent mirrors the on-chain ReceiveAsset log.
type ReceiveAssetEvent struct {
	BlockNumber     uint64      `json:"blockNumber"`
	TransactionHash common.Hash `json:"transactionHash"`
}

// AMBMessageSendAssetDetails is the decoded Catalyst asset-swap payload
// attached to a SwapState once the AMB message carrying it has been
// observed and synchronized against the local block monitor.
type AMBMessageSendAssetDetails struct {
	FromVault              common.Address `json:"fromVault"`
	ToVault                []byte         `json:"toVault"`
	ToAccount              []byte         `json:"toAccount"`
	Units                  *BigInt        `json:"units"`
	ToAssetIndex           uint8          `json:"toAssetIndex"`
	MinOut                 *BigInt        `json:"minOut"`
	FromAmount             *BigInt        `json:"fromAmount"`
	FromAsset              []byte         `json:"fromAsset"`
	BlockNumberMod32       uint32         `json:"blockNumberMod32"`
	UnderwritingIncentiveX16 uint16       `json:"underwritingIncentiveX16"`
	Calldata               []byte         `json:"calldata"`
}

// SwapState is keyed by (fromChainId, fromVault, swapId). See
// spec.md §3 for the full lifecycle description.
type SwapState struct {
	FromChainID               uint64                      `json:"fromChainId"`
	ToChainID                 uint64                      `json:"toChainId"`
	FromVault                 common.Address              `json:"fromVault"`
	SwapID                    common.Hash                 `json:"swapId"`
	SourceInterface           common.Address              `json:"sourceInterface"`
	AMB                       string                      `json:"amb"`
	MessageIdentifier         common.Hash                 `json:"messageIdentifier"`
	Deadline                  time.Time                   `json:"deadline"`
	AMBMessageSendAssetDetails *AMBMessageSendAssetDetails `json:"ambMessageSendAssetDetails,omitempty"`
	ReceiveAssetEvent         *ReceiveAssetEvent          `json:"receiveAssetEvent,omitempty"`

	// Populated by Discover (C5) once the order has been enriched.
	ToAsset             *common.Address `json:"toAsset,omitempty"`
	ExpectedUnderwriteID *common.Hash   `json:"expectedUnderwriteId,omitempty"`

	Status SwapStatus `json:"status"`
}

// Key returns the store key tuple for this swap.
func (s *SwapState) Key() (fromChainID uint64, fromVault common.Address, swapID common.Hash) {
	return s.FromChainID, s.FromVault, s.SwapID
}

// SwapUnderwrittenEvent mirrors the on-chain SwapUnderwritten log.
type SwapUnderwrittenEvent struct {
	BlockNumber     uint64         `json:"blockNumber"`
	BlockTimestamp  time.Time      `json:"blockTimestamp"`
	TransactionHash common.Hash    `json:"transactionHash"`
	Underwriter     common.Address `json:"underwriter"`
	Expiry          time.Time      `json:"expiry"`
	TargetVault     common.Address `json:"targetVault"`
	ToAsset         common.Address `json:"toAsset"`
	Units           *BigInt        `json:"units"`
	ToAccount       common.Address `json:"toAccount"`
	OutAmount       *BigInt        `json:"outAmount"`
}

// FulfillUnderwriteEvent mirrors the on-chain FulfillUnderwrite log.
type FulfillUnderwriteEvent struct {
	BlockNumber     uint64      `json:"blockNumber"`
	TransactionHash common.Hash `json:"transactionHash"`
}

// ExpireUnderwriteEvent mirrors the on-chain ExpireUnderwrite log.
type ExpireUnderwriteEvent struct {
	BlockNumber     uint64         `json:"blockNumber"`
	TransactionHash common.Hash    `json:"transactionHash"`
	Expirer         common.Address `json:"expirer"`
	Reward          *BigInt        `json:"reward"`
}

// UnderwriteState is keyed by (toChainId, toInterface, underwriteId).
type UnderwriteState struct {
	ToChainID       uint64         `json:"toChainId"`
	ToInterface     common.Address `json:"toInterface"`
	UnderwriteID    common.Hash    `json:"underwriteId"`

	SwapUnderwrittenEvent  *SwapUnderwrittenEvent  `json:"swapUnderwrittenEvent,omitempty"`
	FulfillUnderwriteEvent *FulfillUnderwriteEvent `json:"fulfillUnderwriteEvent,omitempty"`
	ExpireUnderwriteEvent  *ExpireUnderwriteEvent  `json:"expireUnderwriteEvent,omitempty"`

	Status UnderwriteStatus `json:"status"`
}

// IsTerminal reports whether the underwrite has reached Fulfilled or
// Expired — both are terminal and mutually exclusive (spec.md §3).
func (u *UnderwriteState) IsTerminal() bool {
	return u.FulfillUnderwriteEvent != nil || u.ExpireUnderwriteEvent != nil
}

// TerminalTxHash returns the tx hash of whichever terminal event fired,
// used to suffix the completed-underwrite store key.
func (u *UnderwriteState) TerminalTxHash() common.Hash {
	if u.FulfillUnderwriteEvent != nil {
		return u.FulfillUnderwriteEvent.TransactionHash
	}
	if u.ExpireUnderwriteEvent != nil {
		return u.ExpireUnderwriteEvent.TransactionHash
	}
	return common.Hash{}
}

// SwapDescription is the minimal set of fields needed to recover a
// SwapState from an underwriteId alone — the expected-underwrite→swap
// forward index (spec.md §4.9 design notes).
type SwapDescription struct {
	FromChainID uint64         `json:"fromChainId"`
	FromVault   common.Address `json:"fromVault"`
	SwapID      common.Hash    `json:"swapId"`
}

// RelayDeliveryCosts models the AMB's pricing of message delivery,
// either chain-level default or an endpoint-level override (§6).
type RelayDeliveryCosts struct {
	GasUsage    uint64   `json:"gasUsage"`
	GasObserved uint64   `json:"gasObserved"`
	Fee         *big.Int `json:"fee,omitempty"`
	Value       *big.Int `json:"value,omitempty"`
}

// Endpoint is one configured (interfaceAddress, incentivesAddress,
// factoryAddress, vaultTemplates, channelsOnDestination) tuple (§6).
type Endpoint struct {
	InterfaceAddress       common.Address
	IncentivesAddress      common.Address
	FactoryAddress         common.Address
	VaultTemplates         []common.Address
	ChannelsOnDestination  map[uint64][32]byte
	RelayDeliveryCosts     *RelayDeliveryCosts
}

// --- in-memory per-order pipeline state ---

// NewOrder is the ingress record created from the Store's onSendAsset
// publication, delayed by underwriteDelay before admission (§4.8).
type NewOrder struct {
	FromChainID uint64
	FromVault   common.Address
	SwapID      common.Hash
	ProcessAt   time.Time
}

// DiscoverOrder is a SwapState snapshot destined for discovery on this
// destination chain (§4.5).
type DiscoverOrder struct {
	Swap            SwapState
	InterfaceAddress common.Address
}

// EvalOrder is a DiscoverOrder enriched with the resolved toAsset and
// the endpoint's relay delivery costs (§4.5 step 4, §4.6).
type EvalOrder struct {
	DiscoverOrder
	ToAsset            common.Address
	ExpectedUnderwriteID common.Hash
	RelayDeliveryCosts RelayDeliveryCosts
	SourceIdentifier   [32]byte
	AMB                string
	MaxGasDelivery     uint64
	Deadline           time.Time
}

// UnderwriteOrder is an EvalOrder that passed profitability and is
// ready for transaction construction and submission (§4.6 step 8, §4.7).
type UnderwriteOrder struct {
	EvalOrder
	ToAssetAllowance    *big.Int
	InterfaceAddress    common.Address
	Calldata            []byte
	GasLimit            uint64
	SubmissionDeadline  time.Time
	UnderwriteIncentiveX16 uint16
	MinOut              *big.Int
	ToVault             common.Address
	ToAccount           []byte
	FromVaultBytes65    []byte
}

// UnderwriteOrderResult is the terminal output of the Underwrite queue.
type UnderwriteOrderResult struct {
	UnderwriteOrder
	TxHash common.Hash
}

// --- external collaborators (out of scope per spec.md §1, modeled as interfaces) ---

// SubmitResult is returned by Wallet.Submit once the submission
// resolves, succeeds, or fails (spec.md §4.7, design notes).
type SubmitResult struct {
	TxHash          common.Hash
	Receipt         *Receipt
	SubmissionError error
	ConfirmationError error
}

// Receipt is the minimal on-chain receipt surface the pipeline needs.
type Receipt struct {
	BlockNumber uint64
	Status      uint64
	GasUsed     uint64
}

// TxMetadata carries the human-readable purpose of a submission, used
// for wallet-side logging/telemetry only.
type TxMetadata struct {
	Reason string
}

// SubmitOptions carries the absolute deadline and retry policy for one
// wallet submission (spec.md §4.2, §4.7).
type SubmitOptions struct {
	Deadline                  time.Time
	RetryOnNonceConfirmationError bool
}

// Wallet is the out-of-scope nonce/key manager the pipeline submits
// transactions through. submit(tx, metadata, options) -> Result.
type Wallet interface {
	Submit(ctx context.Context, to common.Address, data []byte, value *big.Int, metadata TxMetadata, opts SubmitOptions) (SubmitResult, error)
}

// BlockMonitor is the out-of-scope chain-block monitor, assumed to
// produce a stream of (blockNumber, blockHash, timestamp).
type BlockMonitor interface {
	CurrentBlock() (number uint64, hash common.Hash, timestamp time.Time)
	BlockHashAt(ctx context.Context, number uint64) (common.Hash, error)
}

// AMBMessage is one message delivered over the relayer's feed.
type AMBMessage struct {
	MessageIdentifier       common.Hash
	AMB                     string
	FromChainID             uint64
	ToChainID               uint64
	FromIncentivesAddress   common.Address
	FromApplicationAddress  common.Address
	IncentivesPayload       []byte
	BlockNumber             uint64
	BlockHash               common.Hash
	TransactionHash         common.Hash
	TransactionBlockNumber  uint64
	Deadline                time.Time
}

// Relayer is the out-of-scope AMB relayer service: inbound WS feed of
// AMBMessage, outbound prioritisation requests.
type Relayer interface {
	Subscribe(ctx context.Context) (<-chan AMBMessage, error)
	PrioritiseAMBMessage(ctx context.Context, messageIdentifier common.Hash, amb string, sourceChainID, destinationChainID uint64) error
}
