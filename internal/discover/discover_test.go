package discover

import (
	"context"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/catalystdao/underwriter/internal/chain"
)

var (
	interfaceAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	factoryAddr   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	vaultAddr     = common.HexToAddress("0x3333333333333333333333333333333333333333")
	templateAddr  = common.HexToAddress("0x4444444444444444444444444444444444444444")
	toAssetAddr   = common.HexToAddress("0x5555555555555555555555555555555555555555")
)

func validProxyCode(target common.Address) []byte {
	code := append([]byte{}, proxyPrefix...)
	code = append(code, target.Bytes()...)
	code = append(code, proxySuffix...)
	return code
}

type fakeEVMClient struct {
	createdByFactory bool
	code             []byte
	tokenIndex       common.Address
	isCreatedErr     error
	codeErr          error
	tokenErr         error
	createdCalls     int
	codeCalls        int
}

func (f *fakeEVMClient) IsCreatedByFactory(ctx context.Context, factory, iface, vault common.Address) (bool, error) {
	f.createdCalls++
	return f.createdByFactory, f.isCreatedErr
}
func (f *fakeEVMClient) VaultCode(ctx context.Context, vault common.Address) ([]byte, error) {
	f.codeCalls++
	return f.code, f.codeErr
}
func (f *fakeEVMClient) TokenIndexing(ctx context.Context, vault common.Address, idx uint8) (common.Address, error) {
	return f.tokenIndex, f.tokenErr
}
func (f *fakeEVMClient) CalcReceiveAsset(ctx context.Context, vault, asset common.Address, units *big.Int) (*big.Int, error) {
	return nil, nil
}
func (f *fakeEVMClient) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return nil, nil
}
func (f *fakeEVMClient) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return nil, nil
}
func (f *fakeEVMClient) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	return 0, nil
}
func (f *fakeEVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return nil, nil }
func (f *fakeEVMClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}
func (f *fakeEVMClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return nil, nil
}
func (f *fakeEVMClient) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }

type fakeIndex struct {
	saved []chain.SwapDescription
}

func (f *fakeIndex) SaveSwapDescriptionByExpectedUnderwrite(toChainID uint64, toInterface common.Address, underwriteID common.Hash, desc chain.SwapDescription) error {
	f.saved = append(f.saved, desc)
	return nil
}

func baseOrder() chain.DiscoverOrder {
	return chain.DiscoverOrder{
		InterfaceAddress: interfaceAddr,
		Swap: chain.SwapState{
			FromChainID: 1,
			FromVault:   common.HexToAddress("0x9999999999999999999999999999999999999999"),
			SwapID:      common.HexToHash("0xaa"),
			AMBMessageSendAssetDetails: &chain.AMBMessageSendAssetDetails{
				ToVault:      vaultAddr.Bytes(),
				ToAccount:    common.HexToAddress("0x6666666666666666666666666666666666666666").Bytes(),
				Units:        chain.BigIntFromInt64(100),
				MinOut:       chain.BigIntFromInt64(0),
				ToAssetIndex: 0,
			},
		},
	}
}

func endpoints() []chain.Endpoint {
	return []chain.Endpoint{{
		InterfaceAddress:      interfaceAddr,
		FactoryAddress:        factoryAddr,
		VaultTemplates:        []common.Address{templateAddr},
		ChannelsOnDestination: map[uint64][32]byte{1: {0xaa}},
	}}
}

func TestDiscoverHappyPath(t *testing.T) {
	client := &fakeEVMClient{createdByFactory: true, code: validProxyCode(templateAddr), tokenIndex: toAssetAddr}
	idx := &fakeIndex{}
	d, err := New(client, idx, 2, endpoints())
	require.NoError(t, err)

	out, err := d.Process(context.Background(), baseOrder())
	require.NoError(t, err)
	require.Equal(t, toAssetAddr, out.ToAsset)
	require.Len(t, idx.saved, 1)
	require.Equal(t, [32]byte{0xaa}, out.SourceIdentifier)

	// Second call hits the vault-validation cache, not a second RPC call.
	_, err = d.Process(context.Background(), baseOrder())
	require.NoError(t, err)
	require.Equal(t, 1, client.createdCalls)
	require.Equal(t, 1, client.codeCalls)
}

func TestDiscoverRejectsUnknownInterface(t *testing.T) {
	client := &fakeEVMClient{}
	d, err := New(client, &fakeIndex{}, 2, nil)
	require.NoError(t, err)

	_, err = d.Process(context.Background(), baseOrder())
	require.Error(t, err)
	require.True(t, IsRejected(err))
}

func TestDiscoverCachesTemplateMismatchNegatively(t *testing.T) {
	client := &fakeEVMClient{createdByFactory: true, code: validProxyCode(common.Address{0xff})}
	d, err := New(client, &fakeIndex{}, 2, endpoints())
	require.NoError(t, err)

	_, err = d.Process(context.Background(), baseOrder())
	require.Error(t, err)
	require.True(t, IsRejected(err))
	require.Equal(t, 1, client.codeCalls)

	_, err = d.Process(context.Background(), baseOrder())
	require.Error(t, err)
	require.True(t, IsRejected(err))
	require.Equal(t, 1, client.codeCalls) // cached, no second RPC call
}

func TestDiscoverRPCFailureIsRetryableNotRejected(t *testing.T) {
	client := &fakeEVMClient{isCreatedErr: context.DeadlineExceeded}
	d, err := New(client, &fakeIndex{}, 2, endpoints())
	require.NoError(t, err)

	_, err = d.Process(context.Background(), baseOrder())
	require.Error(t, err)
	require.False(t, IsRejected(err))
}
