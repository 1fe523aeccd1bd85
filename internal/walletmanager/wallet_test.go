package walletmanager

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/catalystdao/underwriter/internal/chain"
)

const testKeyHex = "4646464646464646464646464646464646464646464646464646464646464646464646464646464646464646464646464646464646464646464646464646"[:64]

type fakeClient struct {
	nonce       uint64
	gasPrice    *big.Int
	gasLimit    uint64
	estimateErr error
	sendErr     error
	receipt     *types.Receipt
	receiptErr  error
	sentTxs     []*types.Transaction
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}
func (f *fakeClient) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.gasLimit, nil
}
func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentTxs = append(f.sentTxs, tx)
	return nil
}
func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt, nil
}

func newTestWallet(t *testing.T, client Client) *Wallet {
	t.Helper()
	w, err := New(client, testKeyHex, big.NewInt(1), time.Millisecond)
	require.NoError(t, err)
	return w
}

func TestSubmitConfirmsOnSuccessfulReceipt(t *testing.T) {
	client := &fakeClient{
		nonce:    5,
		gasPrice: big.NewInt(1_000_000_000),
		gasLimit: 21000,
		receipt:  &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100), GasUsed: 21000},
	}
	w := newTestWallet(t, client)

	result, err := w.Submit(context.Background(), common.HexToAddress("0x01"), nil, nil, chain.TxMetadata{Reason: "test"}, chain.SubmitOptions{})
	require.NoError(t, err)
	require.Nil(t, result.SubmissionError)
	require.Nil(t, result.ConfirmationError)
	require.NotNil(t, result.Receipt)
	require.Equal(t, uint64(100), result.Receipt.BlockNumber)
	require.Len(t, client.sentTxs, 1)
	require.Equal(t, uint64(5), client.sentTxs[0].Nonce())
}

func TestSubmitIncrementsNonceAcrossCalls(t *testing.T) {
	client := &fakeClient{
		nonce:    0,
		gasPrice: big.NewInt(1),
		gasLimit: 21000,
		receipt:  &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)},
	}
	w := newTestWallet(t, client)

	_, err := w.Submit(context.Background(), common.HexToAddress("0x01"), nil, nil, chain.TxMetadata{}, chain.SubmitOptions{})
	require.NoError(t, err)
	_, err = w.Submit(context.Background(), common.HexToAddress("0x01"), nil, nil, chain.TxMetadata{}, chain.SubmitOptions{})
	require.NoError(t, err)

	require.Len(t, client.sentTxs, 2)
	require.Equal(t, uint64(0), client.sentTxs[0].Nonce())
	require.Equal(t, uint64(1), client.sentTxs[1].Nonce())
}

func TestSubmitClassifiesRevertAsCallException(t *testing.T) {
	client := &fakeClient{
		gasPrice: big.NewInt(1),
		gasLimit: 21000,
		sendErr:  errors.New("execution reverted: insufficient balance"),
	}
	w := newTestWallet(t, client)

	result, err := w.Submit(context.Background(), common.HexToAddress("0x01"), nil, nil, chain.TxMetadata{}, chain.SubmitOptions{})
	require.NoError(t, err)
	require.Error(t, result.SubmissionError)
	require.Contains(t, result.SubmissionError.Error(), "CALL_EXCEPTION")
}

func TestSubmitLeavesNonRevertErrorUnclassified(t *testing.T) {
	client := &fakeClient{
		gasPrice: big.NewInt(1),
		gasLimit: 21000,
		sendErr:  errors.New("connection timeout"),
	}
	w := newTestWallet(t, client)

	result, err := w.Submit(context.Background(), common.HexToAddress("0x01"), nil, nil, chain.TxMetadata{}, chain.SubmitOptions{})
	require.NoError(t, err)
	require.Error(t, result.SubmissionError)
	require.NotContains(t, result.SubmissionError.Error(), "CALL_EXCEPTION")
}

func TestSubmitReturnsConfirmationErrorOnDeadlineExceeded(t *testing.T) {
	client := &fakeClient{
		gasPrice:   big.NewInt(1),
		gasLimit:   21000,
		receiptErr: errors.New("not found"),
	}
	w := newTestWallet(t, client)

	result, err := w.Submit(context.Background(), common.HexToAddress("0x01"), nil, nil, chain.TxMetadata{}, chain.SubmitOptions{
		Deadline: time.Now().Add(-time.Second),
	})
	require.NoError(t, err)
	require.Error(t, result.ConfirmationError)
}

func TestSubmitMarksOnChainRevertAsCallException(t *testing.T) {
	client := &fakeClient{
		gasPrice: big.NewInt(1),
		gasLimit: 21000,
		receipt:  &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(1)},
	}
	w := newTestWallet(t, client)

	result, err := w.Submit(context.Background(), common.HexToAddress("0x01"), nil, nil, chain.TxMetadata{}, chain.SubmitOptions{})
	require.NoError(t, err)
	require.Error(t, result.ConfirmationError)
	require.Contains(t, result.ConfirmationError.Error(), "CALL_EXCEPTION")
}
