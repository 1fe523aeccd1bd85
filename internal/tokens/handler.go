// Package tokens implements the Token Handler component (spec.md §4.2):
// one BalanceHandler per (chain, token) tracking the wallet's
// conservative ERC20 balance, and one ApprovalHandler per (chain,
// spender) tracking the allowance that spender holds over every token
// it may need to underwrite with.
package tokens

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/catalystdao/underwriter/internal/chain"
)

// Handler is the façade the rest of the underwriter depends on: one
// per destination chain, fronting a BalanceHandler per token and an
// ApprovalHandler per vault interface (spender) address.
type Handler struct {
	mu sync.Mutex

	client  ChainClient
	allowanceClient ChainAllowanceClient
	wallet  chain.Wallet
	owner   common.Address

	balanceUpdateInterval int
	lowBalanceWarning     *big.Int

	balances  map[common.Address]*BalanceHandler
	approvals map[common.Address]*ApprovalHandler
}

// Combined implements ChainClient and ChainAllowanceClient, satisfied
// by chain.EVMClient.
type Combined interface {
	ChainClient
	ChainAllowanceClient
}

func New(client Combined, wallet chain.Wallet, owner common.Address, balanceUpdateInterval int, lowBalanceWarning *big.Int) *Handler {
	return &Handler{
		client:                client,
		allowanceClient:       client,
		wallet:                wallet,
		owner:                 owner,
		balanceUpdateInterval: balanceUpdateInterval,
		lowBalanceWarning:     lowBalanceWarning,
		balances:              make(map[common.Address]*BalanceHandler),
		approvals:             make(map[common.Address]*ApprovalHandler),
	}
}

// BalanceFor lazily constructs and returns the BalanceHandler for token.
func (h *Handler) BalanceFor(ctx context.Context, token common.Address) (*BalanceHandler, error) {
	h.mu.Lock()
	if bh, ok := h.balances[token]; ok {
		h.mu.Unlock()
		return bh, nil
	}
	h.mu.Unlock()

	bh, err := NewBalanceHandler(ctx, h.client, h.owner, token, h.balanceUpdateInterval, h.lowBalanceWarning)
	if err != nil {
		return nil, fmt.Errorf("tokens: init balance handler for %s: %w", token.Hex(), err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.balances[token]; ok {
		return existing, nil
	}
	h.balances[token] = bh
	return bh, nil
}

// ApprovalFor lazily constructs and returns the ApprovalHandler for spender.
func (h *Handler) ApprovalFor(spender common.Address) *ApprovalHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ah, ok := h.approvals[spender]; ok {
		return ah
	}
	ah := NewApprovalHandler(h.wallet, h.allowanceClient, h.owner, spender)
	h.approvals[spender] = ah
	return ah
}

// HasEnoughBalance reports whether the tracked balance for token can
// cover amount, used by Eval (C6) to gate profitability (spec.md §4.6
// step 6).
func (h *Handler) HasEnoughBalance(ctx context.Context, token common.Address, amount *big.Int) (bool, error) {
	bh, err := h.BalanceFor(ctx, token)
	if err != nil {
		return false, err
	}
	return bh.HasEnough(amount), nil
}

// ReserveBalance registers the use of amount of token against the
// conservative balance once an order is admitted into the Underwrite
// queue (spec.md §4.2 invariant 5).
func (h *Handler) ReserveBalance(ctx context.Context, token common.Address, amount *big.Int) error {
	bh, err := h.BalanceFor(ctx, token)
	if err != nil {
		return err
	}
	bh.RegisterUse(amount)
	return nil
}

// ReleaseBalance reverses a reservation previously made with
// ReserveBalance, used when an order is rejected or fails before the
// underlying ERC20 transfer happens.
func (h *Handler) ReleaseBalance(ctx context.Context, token common.Address, amount *big.Int) error {
	bh, err := h.BalanceFor(ctx, token)
	if err != nil {
		return err
	}
	bh.RegisterRefund(amount)
	return nil
}
