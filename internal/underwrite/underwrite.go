// Package underwrite implements the Underwrite Queue (C7): submits
// the underwriteAndCheckConnection transaction for a profitable order
// and, on success, asks the relayer to prioritise the matching AMB
// message (spec.md §4.7).
package underwrite

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/catalystdao/underwriter/internal/chain"
)

// Underwriter builds underwrite.Queue handlers.
type Underwriter struct {
	wallet              chain.Wallet
	relayer             chain.Relayer
	relayPrioritisation bool
	log                 Logger
}

// Logger is the narrow logging surface this package depends on,
// matching the teacher's structured log.Logger call shape.
type Logger interface {
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
}

func New(wallet chain.Wallet, relayer chain.Relayer, relayPrioritisation bool, log Logger) *Underwriter {
	return &Underwriter{wallet: wallet, relayer: relayer, relayPrioritisation: relayPrioritisation, log: log}
}

// errRejected marks a terminal, non-retryable submission failure
// (spec.md §8 "Wallet CALL_EXCEPTION on submit/confirm").
type errRejected struct{ reason string }

func (e errRejected) Error() string { return e.reason }

// IsRejected reports whether err is a terminal Underwrite rejection.
func IsRejected(err error) bool {
	_, ok := err.(errRejected)
	return ok
}

// isCallException reports whether err looks like an EVM CALL_EXCEPTION,
// the one wallet failure mode spec.md §4.7 calls non-retryable; every
// other submission/confirmation error (nonce races, RPC timeouts) is
// retried by the wallet's own policy, so the queue just bubbles it.
func isCallException(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "CALL_EXCEPTION")
}

// Process implements one Underwrite attempt for order (spec.md §4.7).
func (u *Underwriter) Process(ctx context.Context, order chain.UnderwriteOrder) (chain.UnderwriteOrderResult, error) {
	result, err := u.wallet.Submit(ctx, order.InterfaceAddress, order.Calldata, big.NewInt(0), chain.TxMetadata{Reason: "underwriteAndCheckConnection"}, chain.SubmitOptions{
		Deadline:                      order.SubmissionDeadline,
		RetryOnNonceConfirmationError: true,
	})
	if err != nil {
		if isCallException(err) {
			return chain.UnderwriteOrderResult{}, errRejected{fmt.Sprintf("underwrite: call exception on submit: %v", err)}
		}
		return chain.UnderwriteOrderResult{}, fmt.Errorf("underwrite: submit: %w", err)
	}
	if result.SubmissionError != nil {
		if isCallException(result.SubmissionError) {
			return chain.UnderwriteOrderResult{}, errRejected{fmt.Sprintf("underwrite: call exception on submit: %v", result.SubmissionError)}
		}
		return chain.UnderwriteOrderResult{}, fmt.Errorf("underwrite: submission error: %w", result.SubmissionError)
	}
	if result.ConfirmationError != nil {
		if isCallException(result.ConfirmationError) {
			return chain.UnderwriteOrderResult{}, errRejected{fmt.Sprintf("underwrite: call exception on confirm: %v", result.ConfirmationError)}
		}
		return chain.UnderwriteOrderResult{}, fmt.Errorf("underwrite: confirmation error: %w", result.ConfirmationError)
	}

	out := chain.UnderwriteOrderResult{UnderwriteOrder: order, TxHash: result.TxHash}

	if u.relayPrioritisation {
		messageIdentifier := order.DiscoverOrder.Swap.MessageIdentifier
		if err := u.relayer.PrioritiseAMBMessage(ctx, messageIdentifier, order.AMB, order.DiscoverOrder.Swap.FromChainID, order.DiscoverOrder.Swap.ToChainID); err != nil {
			u.log.Warn("underwrite: prioritiseAMBMessage failed, continuing", "messageIdentifier", messageIdentifier, "err", err)
		}
	}

	return out, nil
}
