// Package walletmanager implements chain.Wallet, spec.md's "out of
// scope, assumed to expose submit(tx, metadata, options) -> Result"
// low-level nonce manager, against a live JSON-RPC endpoint: serialized
// nonce assignment, legacy gas pricing, and deadline-bounded receipt
// polling.
package walletmanager

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/catalystdao/underwriter/internal/chain"
)

// Client is the on-chain surface the wallet needs beyond
// chain.EVMClient's read-only calls: nonce assignment, broadcast, and
// receipt polling. internal/rpcclient.Client satisfies it.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Wallet implements chain.Wallet. Every Submit call is serialized
// behind a single mutex so the locally tracked nonce strictly
// increases, matching spec.md's "the wallet is assumed to serialize
// transactions by ascending nonce" assumption.
type Wallet struct {
	client  Client
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer

	receiptPollInterval time.Duration

	mu         sync.Mutex
	nonce      uint64
	nonceKnown bool

	log log.Logger
}

// New constructs a Wallet signing with privateKeyHex ("0x"-prefix
// optional) for chainID's EIP-155 domain.
func New(client Client, privateKeyHex string, chainID *big.Int, receiptPollInterval time.Duration) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("walletmanager: invalid private key: %w", err)
	}
	if receiptPollInterval <= 0 {
		receiptPollInterval = 3 * time.Second
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	return &Wallet{
		client:              client,
		key:                 key,
		address:             address,
		signer:              types.NewLondonSigner(chainID),
		receiptPollInterval: receiptPollInterval,
		log:                 log.New("component", "wallet", "address", address),
	}, nil
}

// Address returns the wallet's signing address.
func (w *Wallet) Address() common.Address { return w.address }

// Submit implements chain.Wallet (spec.md §4.7 design notes): assigns
// the next nonce, signs and broadcasts a legacy-gas-priced transaction,
// then polls for a receipt until opts.Deadline elapses.
func (w *Wallet) Submit(ctx context.Context, to common.Address, data []byte, value *big.Int, metadata chain.TxMetadata, opts chain.SubmitOptions) (chain.SubmitResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.nonceKnown {
		n, err := w.client.PendingNonceAt(ctx, w.address)
		if err != nil {
			return chain.SubmitResult{}, fmt.Errorf("walletmanager: fetch nonce: %w", err)
		}
		w.nonce = n
		w.nonceKnown = true
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return chain.SubmitResult{}, fmt.Errorf("walletmanager: suggest gas price: %w", err)
	}
	gasLimit, err := w.client.EstimateGas(ctx, w.address, to, data)
	if err != nil {
		return chain.SubmitResult{SubmissionError: classify(err)}, nil
	}

	if value == nil {
		value = big.NewInt(0)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    w.nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, w.signer, w.key)
	if err != nil {
		return chain.SubmitResult{}, fmt.Errorf("walletmanager: sign tx: %w", err)
	}

	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return chain.SubmitResult{TxHash: signed.Hash(), SubmissionError: classify(err)}, nil
	}
	w.nonce++
	w.log.Info("submitted transaction", "reason", metadata.Reason, "txHash", signed.Hash(), "nonce", tx.Nonce())

	receipt, err := w.awaitReceipt(ctx, signed.Hash(), opts.Deadline)
	if err != nil {
		return chain.SubmitResult{TxHash: signed.Hash(), ConfirmationError: err}, nil
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return chain.SubmitResult{TxHash: signed.Hash(), ConfirmationError: fmt.Errorf("walletmanager: CALL_EXCEPTION: transaction reverted on-chain")}, nil
	}
	return chain.SubmitResult{
		TxHash: signed.Hash(),
		Receipt: &chain.Receipt{
			BlockNumber: receipt.BlockNumber.Uint64(),
			Status:      receipt.Status,
			GasUsed:     receipt.GasUsed,
		},
	}, nil
}

func (w *Wallet) awaitReceipt(ctx context.Context, txHash common.Hash, deadline time.Time) (*types.Receipt, error) {
	ticker := time.NewTicker(w.receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := w.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, fmt.Errorf("walletmanager: deadline exceeded awaiting receipt for %s", txHash)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// classify labels EVM revert-shaped errors with the CALL_EXCEPTION
// marker internal/underwrite.isCallException looks for (spec.md §8),
// leaving every other RPC failure (timeouts, nonce races) untouched so
// the queue retries it instead of dropping the order.
func classify(err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "revert") {
		return fmt.Errorf("walletmanager: CALL_EXCEPTION: %w", err)
	}
	return err
}
