package tokens

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/catalystdao/underwriter/internal/chain"
	"github.com/catalystdao/underwriter/internal/rpcclient"
)

// maxUint256 mirrors the EVM's uint256 ceiling, used as the approve
// target for tokens with no configured allowance buffer (spec.md §4.2
// "unbuffered" tokens approve once, to the maximum, and are left
// alone after that).
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// tokenApproval is the per-token bookkeeping the ApprovalHandler keeps.
type tokenApproval struct {
	required *big.Int // sum of toAssetAllowance reserved for in-flight orders
	set      *big.Int // the allowance the handler believes is currently on-chain
	buffer   *big.Int // configured B, nil if the token has no buffer configured
}

// ApprovalHandler tracks and maintains the ERC20 allowance a single
// spender (a vault interface address) holds over each token the
// underwriter may need to underwrite with (spec.md §4.2 "Approval
// handler"). The hysteresis policy avoids issuing a new approve
// transaction for every marginal change in required allowance:
//
//	set <  required            -> approve to required + B
//	set >  required + 2*B      -> approve to required + B
//	otherwise                  -> no action
//
// The factor of two on the decrease side keeps the allowance from
// oscillating when required drifts back and forth across a single
// threshold.
type ApprovalHandler struct {
	mu sync.Mutex

	client  ChainAllowanceClient
	wallet  chain.Wallet
	owner   common.Address
	spender common.Address

	tokens map[common.Address]*tokenApproval

	log log.Logger
}

// ChainAllowanceClient is the subset of chain.EVMClient the approval
// handler needs to learn the on-chain allowance at startup.
type ChainAllowanceClient interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

func NewApprovalHandler(wallet chain.Wallet, client ChainAllowanceClient, owner, spender common.Address) *ApprovalHandler {
	return &ApprovalHandler{
		client:  client,
		wallet:  wallet,
		owner:   owner,
		spender: spender,
		tokens:  make(map[common.Address]*tokenApproval),
		log:     log.New("component", "tokens.approval", "spender", spender.Hex()),
	}
}

// trackToken registers token with its configured buffer (nil meaning
// "no buffer, approve to max once") and queries the current on-chain
// allowance as the initial set value.
func (h *ApprovalHandler) trackToken(ctx context.Context, token common.Address, buffer *big.Int) error {
	allowance, err := h.client.Allowance(ctx, token, h.owner, h.spender)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.tokens[token]; !ok {
		h.tokens[token] = &tokenApproval{required: big.NewInt(0), set: allowance, buffer: buffer}
	}
	return nil
}

// TrackToken is the exported form of trackToken, used during startup
// to register every token an endpoint's vaults may underwrite.
func (h *ApprovalHandler) TrackToken(ctx context.Context, token common.Address, buffer *big.Int) error {
	return h.trackToken(ctx, token, buffer)
}

// ProcessNewAllowances adds each order's ToAssetAllowance to the
// running required total for its ToAsset (spec.md §4.2
// process_new_allowances).
func (h *ApprovalHandler) ProcessNewAllowances(orders []chain.UnderwriteOrder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, o := range orders {
		t, ok := h.tokens[o.ToAsset]
		if !ok {
			t = &tokenApproval{required: big.NewInt(0), set: big.NewInt(0)}
			h.tokens[o.ToAsset] = t
		}
		t.required = new(big.Int).Add(t.required, o.ToAssetAllowance)
	}
}

// RegisterAllowanceUse reduces the required total for token once a
// reserved allowance has actually been spent on-chain (the allowance
// itself, not just the reservation, is now gone).
func (h *ApprovalHandler) RegisterAllowanceUse(token common.Address, amount *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tokens[token]
	if !ok {
		return
	}
	t.required = new(big.Int).Sub(t.required, amount)
	t.set = new(big.Int).Sub(t.set, amount)
	if t.required.Sign() < 0 {
		t.required.SetInt64(0)
	}
	if t.set.Sign() < 0 {
		t.set.SetInt64(0)
	}
}

// RegisterRequiredAllowanceDecrease releases a reservation that will
// never be spent (an order was rejected or expired before
// underwriting) without touching the believed on-chain set value.
func (h *ApprovalHandler) RegisterRequiredAllowanceDecrease(token common.Address, amount *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tokens[token]
	if !ok {
		return
	}
	t.required = new(big.Int).Sub(t.required, amount)
	if t.required.Sign() < 0 {
		t.required.SetInt64(0)
	}
}

// approvalTarget computes the new allowance to approve to, or nil if
// no action is required under the hysteresis policy.
func approvalTarget(t *tokenApproval) *big.Int {
	if t.buffer == nil {
		half := new(big.Int).Rsh(maxUint256, 1)
		if t.set.Cmp(half) < 0 {
			return new(big.Int).Set(maxUint256)
		}
		return nil
	}
	target := new(big.Int).Add(t.required, t.buffer)
	if t.set.Cmp(t.required) < 0 {
		return target
	}
	decreaseThreshold := new(big.Int).Add(t.required, new(big.Int).Mul(big.NewInt(2), t.buffer))
	if t.set.Cmp(decreaseThreshold) > 0 {
		return target
	}
	return nil
}

// SetRequiredAllowances walks every tracked token and, where the
// hysteresis policy calls for it, submits an approve transaction and
// optimistically updates the believed on-chain allowance to the new
// target (spec.md §4.2 set_required_allowances). Approvals are awaited
// concurrently; on a confirmed failure (a non-nil error, SubmissionError,
// or ConfirmationError) the optimistic update for that token is
// reverted back to its pre-approve value so a suppressed re-approve
// doesn't leave the tracked allowance permanently overstated.
func (h *ApprovalHandler) SetRequiredAllowances(ctx context.Context, metadata chain.TxMetadata) error {
	h.mu.Lock()
	type pending struct {
		token    common.Address
		target   *big.Int
		previous *big.Int
	}
	var targets []pending
	for token, t := range h.tokens {
		if target := approvalTarget(t); target != nil {
			targets = append(targets, pending{token: token, target: target, previous: new(big.Int).Set(t.set)})
			t.set = target
		}
	}
	h.mu.Unlock()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Mutex
		firstErr error
	)
	recordErr := func(err error) {
		errOnce.Lock()
		defer errOnce.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, p := range targets {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()

			data, err := rpcclient.EncodeApprove(h.spender, p.target)
			if err != nil {
				h.revertSet(p.token, p.previous)
				recordErr(err)
				return
			}
			result, err := h.wallet.Submit(ctx, p.token, data, big.NewInt(0), metadata, chain.SubmitOptions{})
			if failure := firstNonNil(err, result.SubmissionError, result.ConfirmationError); failure != nil {
				h.log.Error("approve submission failed, reverting tracked allowance", "token", p.token.Hex(), "target", p.target.String(), "err", failure)
				h.revertSet(p.token, p.previous)
				recordErr(failure)
				return
			}
			h.log.Info("submitted approve", "token", p.token.Hex(), "target", p.target.String())
		}()
	}
	wg.Wait()
	return firstErr
}

func (h *ApprovalHandler) revertSet(token common.Address, previous *big.Int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.tokens[token]; ok {
		t.set = previous
	}
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Required returns the current required-allowance total tracked for token.
func (h *ApprovalHandler) Required(token common.Address) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.tokens[token]; ok {
		return new(big.Int).Set(t.required)
	}
	return big.NewInt(0)
}
