package eval

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/catalystdao/underwriter/internal/chain"
)

var (
	toAssetAddr      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	interfaceAddr    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	walletAddr       = common.HexToAddress("0x3333333333333333333333333333333333333333")
	vaultAddrForEval = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

type fakeClient struct {
	expectedReturn *big.Int
	gasPrice       *big.Int
	gasLimit       uint64
	err            error
}

func (f *fakeClient) CalcReceiveAsset(ctx context.Context, vault, asset common.Address, units *big.Int) (*big.Int, error) {
	return f.expectedReturn, f.err
}
func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return f.gasPrice, nil }
func (f *fakeClient) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	return f.gasLimit, nil
}

type fakeBalance struct {
	enough bool
}

func (f *fakeBalance) HasEnoughBalance(ctx context.Context, token common.Address, amount *big.Int) (bool, error) {
	return f.enough, nil
}

func baseOrder(incentiveX16 uint16) chain.EvalOrder {
	return chain.EvalOrder{
		DiscoverOrder: chain.DiscoverOrder{
			Swap: chain.SwapState{
				FromVault: common.HexToAddress("0x9999999999999999999999999999999999999999"),
				AMBMessageSendAssetDetails: &chain.AMBMessageSendAssetDetails{
					ToVault:                  vaultAddrForEval.Bytes(),
					ToAccount:                common.HexToAddress("0x6666666666666666666666666666666666666666").Bytes(),
					Units:                    chain.BigIntFromInt64(1000),
					MinOut:                   chain.BigIntFromInt64(0),
					UnderwritingIncentiveX16: incentiveX16,
				},
			},
		},
		ToAsset:            toAssetAddr,
		RelayDeliveryCosts: chain.RelayDeliveryCosts{GasUsage: 100000, GasObserved: 50000},
		Deadline:           time.Now().Add(2 * time.Hour),
	}
}

func baseParams() Params {
	return Params{
		MaxGasLimit:              500000,
		ProfitabilityFactor:      1.0,
		MinMaxGasDelivery:        0,
		MinRelayDeadlineDuration: time.Hour,
		MaxSubmissionDelay:       10 * time.Minute,
		WalletAddress:            walletAddr,
		InterfaceAddress:         interfaceAddr,
	}
}

func basePolicies() map[common.Address]TokenPolicy {
	return map[common.Address]TokenPolicy{
		toAssetAddr: {AllowanceBuffer: 0.05, MaxUnderwriteAllowed: big.NewInt(1_000_000)},
	}
}

func TestEvalAcceptsProfitableOrder(t *testing.T) {
	// expectedReturn large enough that, at the maximum incentive
	// (65535/65536), the reward (199996) covers gas (50000 * 1) + relay
	// cost (50000 * 1) = 100000.
	client := &fakeClient{expectedReturn: big.NewInt(200000), gasPrice: big.NewInt(1), gasLimit: 50000}
	e := New(client, &fakeBalance{enough: true}, baseParams(), basePolicies())

	out, err := e.Process(context.Background(), baseOrder(65535))
	require.NoError(t, err)
	require.Equal(t, uint64(50000), out.GasLimit)
	require.Equal(t, interfaceAddr, out.InterfaceAddress)
}

func TestEvalRejectsZeroIncentive(t *testing.T) {
	client := &fakeClient{expectedReturn: big.NewInt(1000), gasPrice: big.NewInt(1), gasLimit: 50000}
	e := New(client, &fakeBalance{enough: true}, baseParams(), basePolicies())

	_, err := e.Process(context.Background(), baseOrder(0))
	require.Error(t, err)
	require.True(t, IsRejected(err))
}

func TestEvalRejectsWhenDisabled(t *testing.T) {
	client := &fakeClient{expectedReturn: big.NewInt(1000), gasPrice: big.NewInt(1), gasLimit: 50000}
	e := New(client, &fakeBalance{enough: true}, baseParams(), basePolicies())
	e.SetEnabled(false)

	_, err := e.Process(context.Background(), baseOrder(65535))
	require.Error(t, err)
	require.True(t, IsRejected(err))
}

func TestEvalRejectsUnsupportedToken(t *testing.T) {
	client := &fakeClient{expectedReturn: big.NewInt(1000), gasPrice: big.NewInt(1), gasLimit: 50000}
	e := New(client, &fakeBalance{enough: true}, baseParams(), map[common.Address]TokenPolicy{})

	_, err := e.Process(context.Background(), baseOrder(65535))
	require.Error(t, err)
	require.True(t, IsRejected(err))
}

func TestEvalRejectsInsufficientBalance(t *testing.T) {
	client := &fakeClient{expectedReturn: big.NewInt(1000), gasPrice: big.NewInt(1), gasLimit: 50000}
	e := New(client, &fakeBalance{enough: false}, baseParams(), basePolicies())

	_, err := e.Process(context.Background(), baseOrder(65535))
	require.Error(t, err)
	require.True(t, IsRejected(err))
}

func TestEvalRejectsGasAboveLimit(t *testing.T) {
	client := &fakeClient{expectedReturn: big.NewInt(1000), gasPrice: big.NewInt(1), gasLimit: 600000}
	params := baseParams()
	e := New(client, &fakeBalance{enough: true}, params, basePolicies())

	_, err := e.Process(context.Background(), baseOrder(65535))
	require.Error(t, err)
	require.True(t, IsRejected(err))
}

func TestEvalRejectsUnprofitableOrder(t *testing.T) {
	// Tiny incentive, big gas price: totalCost dwarfs the reward.
	client := &fakeClient{expectedReturn: big.NewInt(1000), gasPrice: big.NewInt(1_000_000_000), gasLimit: 50000}
	e := New(client, &fakeBalance{enough: true}, baseParams(), basePolicies())

	_, err := e.Process(context.Background(), baseOrder(1))
	require.Error(t, err)
	require.True(t, IsRejected(err))
}

func TestEvalRejectsTooCloseDeadline(t *testing.T) {
	client := &fakeClient{expectedReturn: big.NewInt(1000), gasPrice: big.NewInt(1), gasLimit: 50000}
	e := New(client, &fakeBalance{enough: true}, baseParams(), basePolicies())

	order := baseOrder(65535)
	order.Deadline = time.Now().Add(time.Minute)
	_, err := e.Process(context.Background(), order)
	require.Error(t, err)
	require.True(t, IsRejected(err))
}
