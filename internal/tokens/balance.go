package tokens

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// BalanceHandler tracks wallet balance for one token (spec.md §4.2
// "Balance handler"). walletBalance is conservative: the on-chain
// balance as of the latest query minus the sum of toAssetAllowance
// reserved for all in-flight orders not yet refunded (spec.md
// invariant 5).
type BalanceHandler struct {
	mu sync.Mutex

	client ChainClient
	wallet common.Address
	token  common.Address

	balanceUpdateInterval int
	lowBalanceWarning     *big.Int

	walletBalance               *big.Int
	transactionsSinceLastUpdate int
	isLow                       bool

	log log.Logger
}

// ChainClient is the subset of chain.EVMClient the balance handler needs.
type ChainClient interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// NewBalanceHandler constructs a handler and performs the initial
// balanceOf query.
func NewBalanceHandler(ctx context.Context, client ChainClient, wallet, token common.Address, balanceUpdateInterval int, lowBalanceWarning *big.Int) (*BalanceHandler, error) {
	h := &BalanceHandler{
		client:                client,
		wallet:                wallet,
		token:                 token,
		balanceUpdateInterval: balanceUpdateInterval,
		lowBalanceWarning:     lowBalanceWarning,
		log:                   log.New("component", "tokens.balance", "token", token.Hex()),
	}
	if err := h.refresh(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *BalanceHandler) refresh(ctx context.Context) error {
	bal, err := h.client.BalanceOf(ctx, h.token, h.wallet)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.walletBalance = bal
	h.transactionsSinceLastUpdate = 0
	h.updateLowFlag()
	return nil
}

// updateLowFlag must be called with mu held. Crossing the configured
// threshold in either direction logs a warn/info event (spec.md §4.2).
func (h *BalanceHandler) updateLowFlag() {
	if h.lowBalanceWarning == nil {
		return
	}
	nowLow := h.walletBalance.Cmp(h.lowBalanceWarning) < 0
	if nowLow && !h.isLow {
		h.log.Warn("wallet balance crossed below low-balance warning threshold", "balance", h.walletBalance.String(), "threshold", h.lowBalanceWarning.String())
	} else if !nowLow && h.isLow {
		h.log.Info("wallet balance recovered above low-balance warning threshold", "balance", h.walletBalance.String())
	}
	h.isLow = nowLow
}

// MaybeRefresh refreshes the balance if the transaction count has
// exceeded balanceUpdateInterval or the balance is currently flagged
// low (spec.md §4.2).
func (h *BalanceHandler) MaybeRefresh(ctx context.Context) error {
	h.mu.Lock()
	needs := h.transactionsSinceLastUpdate > h.balanceUpdateInterval || h.isLow
	h.mu.Unlock()
	if !needs {
		return nil
	}
	return h.refresh(ctx)
}

// HasEnough reports whether the conservative wallet balance can cover amount.
func (h *BalanceHandler) HasEnough(amount *big.Int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.walletBalance.Cmp(amount) >= 0
}

// RegisterUse decrements the conservative balance by amount and bumps
// the transaction counter.
func (h *BalanceHandler) RegisterUse(amount *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.walletBalance = new(big.Int).Sub(h.walletBalance, amount)
	h.transactionsSinceLastUpdate++
	h.updateLowFlag()
}

// RegisterRefund increments the conservative balance by amount (an
// order was rejected/failed after a reservation had been made).
func (h *BalanceHandler) RegisterRefund(amount *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.walletBalance = new(big.Int).Add(h.walletBalance, amount)
	h.updateLowFlag()
}

// Balance returns a snapshot of the tracked balance.
func (h *BalanceHandler) Balance() *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return new(big.Int).Set(h.walletBalance)
}
