// Package eval implements the Eval Queue (C6): turns an enriched
// EvalOrder into an UnderwriteOrder once it clears the profitability
// and capacity checks live market conditions impose (spec.md §4.6).
package eval

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/catalystdao/underwriter/internal/chain"
	"github.com/catalystdao/underwriter/internal/payload"
	"github.com/catalystdao/underwriter/internal/rpcclient"
)

// Client is the on-chain read surface Eval needs.
type Client interface {
	CalcReceiveAsset(ctx context.Context, vault, asset common.Address, units *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error)
}

// BalanceChecker is the subset of tokens.Handler Eval depends on
// (spec.md §4.6 step 4).
type BalanceChecker interface {
	HasEnoughBalance(ctx context.Context, token common.Address, amount *big.Int) (bool, error)
}

// TokenPolicy is the per-token override set (spec.md §6 `tokens{}`),
// with the chain-level defaults already folded in by the caller.
type TokenPolicy struct {
	AllowanceBuffer             float64
	MaxUnderwriteAllowed        *big.Int
	MinUnderwriteReward         *big.Int
	RelativeMinUnderwriteReward float64
}

// Params are the chain-wide constants Eval needs beyond the per-token
// policy table (spec.md §6).
type Params struct {
	MaxGasLimit              uint64
	ProfitabilityFactor      float64
	MinMaxGasDelivery        uint64
	MinRelayDeadlineDuration time.Duration
	MaxSubmissionDelay       time.Duration
	WalletAddress            common.Address
	InterfaceAddress         common.Address
}

// Evaluator builds eval.Queue handlers.
type Evaluator struct {
	client  Client
	balance BalanceChecker
	params  Params

	mu      sync.Mutex
	tokens  map[common.Address]TokenPolicy
	enabled atomic.Bool

	now func() time.Time
}

func New(client Client, balance BalanceChecker, params Params, tokens map[common.Address]TokenPolicy) *Evaluator {
	e := &Evaluator{
		client:  client,
		balance: balance,
		params:  params,
		tokens:  tokens,
		now:     time.Now,
	}
	e.enabled.Store(true)
	return e
}

// SetEnabled implements the admin Enable/Disable switch: disabling
// stops Eval from emitting new orders while Discover keeps running
// (spec.md §4.8 "Admin commands").
func (e *Evaluator) SetEnabled(enabled bool) {
	e.enabled.Store(enabled)
}

// errRejected marks a terminal, non-retryable drop.
type errRejected struct{ reason string }

func (e errRejected) Error() string { return e.reason }

// IsRejected reports whether err is a terminal Eval rejection.
func IsRejected(err error) bool {
	_, ok := err.(errRejected)
	return ok
}

func reject(format string, args ...any) error {
	return errRejected{fmt.Sprintf(format, args...)}
}

// Process implements one Eval attempt for order (spec.md §4.6).
func (e *Evaluator) Process(ctx context.Context, order chain.EvalOrder) (chain.UnderwriteOrder, error) {
	if !e.enabled.Load() {
		return chain.UnderwriteOrder{}, reject("eval: underwriting is administratively disabled")
	}

	if order.DiscoverOrder.Swap.AMBMessageSendAssetDetails == nil {
		return chain.UnderwriteOrder{}, reject("eval: swap has no ambMessageSendAssetDetails")
	}
	details := order.DiscoverOrder.Swap.AMBMessageSendAssetDetails

	if details.UnderwritingIncentiveX16 == 0 {
		return chain.UnderwriteOrder{}, reject("eval: underwriteIncentiveX16 is zero")
	}
	if order.MaxGasDelivery != 0 && order.MaxGasDelivery < e.params.MinMaxGasDelivery {
		return chain.UnderwriteOrder{}, reject("eval: maxGasDelivery %d below configured minimum %d", order.MaxGasDelivery, e.params.MinMaxGasDelivery)
	}
	if order.Deadline.Sub(e.now()) < e.params.MinRelayDeadlineDuration {
		return chain.UnderwriteOrder{}, reject("eval: AMB deadline too close, below minRelayDeadlineDuration")
	}

	toVaultAddr, err := vaultAddress(order)
	if err != nil {
		return chain.UnderwriteOrder{}, err
	}

	expectedReturn, err := e.client.CalcReceiveAsset(ctx, toVaultAddr, order.ToAsset, details.Units.Int)
	if err != nil {
		return chain.UnderwriteOrder{}, fmt.Errorf("eval: calcReceiveAsset: %w", err)
	}

	policy, ok := e.policyFor(order.ToAsset)
	if !ok {
		return chain.UnderwriteOrder{}, reject("eval: toAsset %s is not a supported token", order.ToAsset.Hex())
	}

	toAssetAllowance := applyBuffer(expectedReturn, policy.AllowanceBuffer)

	if policy.MaxUnderwriteAllowed != nil && expectedReturn.Cmp(policy.MaxUnderwriteAllowed) > 0 {
		return chain.UnderwriteOrder{}, reject("eval: expectedReturn exceeds maxUnderwriteAllowed for %s", order.ToAsset.Hex())
	}
	enough, err := e.balance.HasEnoughBalance(ctx, order.ToAsset, toAssetAllowance)
	if err != nil {
		return chain.UnderwriteOrder{}, fmt.Errorf("eval: balance check: %w", err)
	}
	if !enough {
		return chain.UnderwriteOrder{}, reject("eval: insufficient wallet balance for %s", order.ToAsset.Hex())
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return chain.UnderwriteOrder{}, fmt.Errorf("eval: suggestGasPrice: %w", err)
	}

	relayCost := relayDeliveryCost(order.RelayDeliveryCosts, gasPrice)

	fromVaultBytes65, err := payload.EncodeAddr65(order.DiscoverOrder.Swap.FromVault.Bytes())
	if err != nil {
		return chain.UnderwriteOrder{}, fmt.Errorf("eval: encode fromVault: %w", err)
	}
	toAccountBytes65, err := payload.EncodeAddr65(details.ToAccount)
	if err != nil {
		return chain.UnderwriteOrder{}, fmt.Errorf("eval: encode toAccount: %w", err)
	}

	calldata, err := underwriteCalldata(order, toVaultAddr, fromVaultBytes65, toAccountBytes65, details)
	if err != nil {
		return chain.UnderwriteOrder{}, fmt.Errorf("eval: build calldata: %w", err)
	}

	gasLimit, err := e.client.EstimateGas(ctx, e.params.WalletAddress, e.params.InterfaceAddress, calldata)
	if err != nil {
		return chain.UnderwriteOrder{}, fmt.Errorf("eval: estimateGas: %w", err)
	}
	if gasLimit > e.params.MaxGasLimit {
		return chain.UnderwriteOrder{}, reject("eval: estimated gas %d exceeds maxGasLimit %d", gasLimit, e.params.MaxGasLimit)
	}

	underwriteReward := underwriteRewardOf(expectedReturn, details.UnderwritingIncentiveX16)
	totalCost := new(big.Int).Add(new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice), relayCost)

	minReward := policy.MinUnderwriteReward
	if minReward == nil {
		minReward = big.NewInt(0)
	}
	relativeMinReward := scaleBy(expectedReturn, policy.RelativeMinUnderwriteReward)
	if relativeMinReward.Cmp(minReward) > 0 {
		minReward = relativeMinReward
	}
	if underwriteReward.Cmp(minReward) < 0 {
		return chain.UnderwriteOrder{}, reject("eval: underwriteReward below minimum required reward")
	}
	scaledReward := scaleBy(underwriteReward, e.params.ProfitabilityFactor)
	if scaledReward.Cmp(totalCost) < 0 {
		return chain.UnderwriteOrder{}, reject("eval: underwriteReward*profitabilityFactor below totalCost")
	}

	return chain.UnderwriteOrder{
		EvalOrder:              order,
		ToAssetAllowance:       toAssetAllowance,
		InterfaceAddress:       e.params.InterfaceAddress,
		Calldata:               calldata,
		GasLimit:               gasLimit,
		SubmissionDeadline:     e.now().Add(e.params.MaxSubmissionDelay),
		UnderwriteIncentiveX16: details.UnderwritingIncentiveX16,
		MinOut:                 details.MinOut.Int,
		ToVault:                toVaultAddr,
		ToAccount:              details.ToAccount,
		FromVaultBytes65:       fromVaultBytes65,
	}, nil
}

func (e *Evaluator) policyFor(token common.Address) (TokenPolicy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.tokens[token]
	return p, ok
}

// applyBuffer returns value * (1 + rate), truncated to an integer.
func applyBuffer(value *big.Int, rate float64) *big.Int {
	return scaleBy(value, 1+rate)
}

// scaleBy returns value * factor, truncated to an integer.
func scaleBy(value *big.Int, factor float64) *big.Int {
	scaled := new(big.Float).Mul(new(big.Float).SetInt(value), big.NewFloat(factor))
	out, _ := scaled.Int(nil)
	return out
}

// underwriteRewardOf computes expectedReturn * incentiveX16 / 2^16
// (spec.md §4.6 step 7).
func underwriteRewardOf(expectedReturn *big.Int, incentiveX16 uint16) *big.Int {
	num := new(big.Int).Mul(expectedReturn, big.NewInt(int64(incentiveX16)))
	return num.Rsh(num, 16)
}

func relayDeliveryCost(costs chain.RelayDeliveryCosts, gasPrice *big.Int) *big.Int {
	total := new(big.Int).Mul(new(big.Int).SetUint64(costs.GasObserved), gasPrice)
	if costs.Fee != nil {
		total.Add(total, costs.Fee)
	}
	if costs.Value != nil {
		total.Add(total, costs.Value)
	}
	return total
}

func vaultAddress(order chain.EvalOrder) (common.Address, error) {
	details := order.DiscoverOrder.Swap.AMBMessageSendAssetDetails
	if details == nil {
		return common.Address{}, reject("eval: swap has no ambMessageSendAssetDetails")
	}
	return payload.NarrowToAddress(details.ToVault), nil
}

func underwriteCalldata(order chain.EvalOrder, toVault common.Address, fromVaultBytes65, toAccountBytes65 []byte, details *chain.AMBMessageSendAssetDetails) ([]byte, error) {
	return rpcclient.EncodeUnderwriteAndCheckConnection(
		order.SourceIdentifier,
		fromVaultBytes65,
		toVault,
		order.ToAsset,
		details.Units.Int,
		details.MinOut.Int,
		toAccountBytes65,
		details.UnderwritingIncentiveX16,
		details.Calldata,
	)
}
