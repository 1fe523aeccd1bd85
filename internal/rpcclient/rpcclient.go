// Package rpcclient wraps github.com/ethereum/go-ethereum/ethclient
// with the minimal on-chain call surface the underwriter core invokes
// (spec.md §6 "On-chain calls consumed"): factory/vault reads, ERC-20
// balance/allowance/approve, gas estimation, and log queries. It is the
// only package that talks to an ethclient.Client directly — everything
// above it depends on a narrower interface (chain.EVMClient, or a
// package's own client interface) so tests can substitute a fake.
package rpcclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client adapts an ethclient.Client to the chain.EVMClient surface.
type Client struct {
	eth *ethclient.Client
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(rawurl string) (*Client, error) {
	eth, err := ethclient.Dial(rawurl)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", rawurl, err)
	}
	return &Client{eth: eth}, nil
}

// NewFromEthClient wraps an already-constructed ethclient.Client.
func NewFromEthClient(eth *ethclient.Client) *Client {
	return &Client{eth: eth}
}

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic("rpcclient: bad abi type " + t + ": " + err.Error())
	}
	return typ
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &to, Data: data}
	return c.eth.CallContract(ctx, msg, nil)
}

func (c *Client) callPending(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &to, Data: data}
	return c.eth.PendingCallContract(ctx, msg)
}

// IsCreatedByFactory calls CatalystFactory.isCreatedByFactory(interface, vault) -> bool.
func (c *Client) IsCreatedByFactory(ctx context.Context, factory, iface, vault common.Address) (bool, error) {
	args := abi.Arguments{{Type: mustType("address")}, {Type: mustType("address")}}
	packed, err := args.Pack(iface, vault)
	if err != nil {
		return false, err
	}
	data := append(selector("isCreatedByFactory(address,address)"), packed...)
	out, err := c.call(ctx, factory, data)
	if err != nil {
		return false, fmt.Errorf("rpcclient: isCreatedByFactory: %w", err)
	}
	if len(out) < 32 {
		return false, fmt.Errorf("rpcclient: isCreatedByFactory: short return data")
	}
	return out[31] != 0, nil
}

// VaultCode returns the runtime bytecode at vault, used to verify the
// minimal-proxy template pattern (spec.md §4.5).
func (c *Client) VaultCode(ctx context.Context, vault common.Address) ([]byte, error) {
	return c.eth.CodeAt(ctx, vault, nil)
}

// TokenIndexing calls CatalystVault._tokenIndexing(idx) -> address.
func (c *Client) TokenIndexing(ctx context.Context, vault common.Address, idx uint8) (common.Address, error) {
	args := abi.Arguments{{Type: mustType("uint256")}}
	packed, err := args.Pack(big.NewInt(int64(idx)))
	if err != nil {
		return common.Address{}, err
	}
	data := append(selector("_tokenIndexing(uint256)"), packed...)
	out, err := c.call(ctx, vault, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("rpcclient: _tokenIndexing: %w", err)
	}
	if len(out) < 32 {
		return common.Address{}, fmt.Errorf("rpcclient: _tokenIndexing: short return data")
	}
	return common.BytesToAddress(out[12:32]), nil
}

// CalcReceiveAsset calls CatalystVault.calcReceiveAsset(asset, units) -> uint256.
func (c *Client) CalcReceiveAsset(ctx context.Context, vault, asset common.Address, units *big.Int) (*big.Int, error) {
	args := abi.Arguments{{Type: mustType("address")}, {Type: mustType("uint256")}}
	packed, err := args.Pack(asset, units)
	if err != nil {
		return nil, err
	}
	data := append(selector("calcReceiveAsset(address,uint256)"), packed...)
	out, err := c.call(ctx, vault, data)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: calcReceiveAsset: %w", err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("rpcclient: calcReceiveAsset: short return data")
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// BalanceOf calls ERC20.balanceOf(owner) at the pending tag (spec.md §4.2).
func (c *Client) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	args := abi.Arguments{{Type: mustType("address")}}
	packed, err := args.Pack(owner)
	if err != nil {
		return nil, err
	}
	data := append(selector("balanceOf(address)"), packed...)
	out, err := c.callPending(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: balanceOf: %w", err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("rpcclient: balanceOf: short return data")
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// Allowance calls ERC20.allowance(owner, spender).
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	args := abi.Arguments{{Type: mustType("address")}, {Type: mustType("address")}}
	packed, err := args.Pack(owner, spender)
	if err != nil {
		return nil, err
	}
	data := append(selector("allowance(address,address)"), packed...)
	out, err := c.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: allowance: %w", err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("rpcclient: allowance: short return data")
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// EncodeApprove encodes ERC20.approve(spender, amount) calldata.
func EncodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	args := abi.Arguments{{Type: mustType("address")}, {Type: mustType("uint256")}}
	packed, err := args.Pack(spender, amount)
	if err != nil {
		return nil, err
	}
	return append(selector("approve(address,uint256)"), packed...), nil
}

// EncodeUnderwriteAndCheckConnection encodes the
// underwriteAndCheckConnection calldata described in spec.md §6.
func EncodeUnderwriteAndCheckConnection(sourceIdentifier [32]byte, fromVaultBytes65 []byte, targetVault, toAsset common.Address, units, minOut *big.Int, toAccountBytes65 []byte, underwriteIncentiveX16 uint16, cdata []byte) ([]byte, error) {
	args := abi.Arguments{
		{Type: mustType("bytes32")},
		{Type: mustType("bytes")},
		{Type: mustType("address")},
		{Type: mustType("address")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
		{Type: mustType("bytes")},
		{Type: mustType("uint16")},
		{Type: mustType("bytes")},
	}
	packed, err := args.Pack(sourceIdentifier, fromVaultBytes65, targetVault, toAsset, units, minOut, toAccountBytes65, underwriteIncentiveX16, cdata)
	if err != nil {
		return nil, err
	}
	return append(selector("underwriteAndCheckConnection(bytes32,bytes,address,address,uint256,uint256,bytes,uint16,bytes)"), packed...), nil
}

// EstimateGas calls eth_estimateGas against the pending tag.
func (c *Client) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}
	return c.eth.EstimateGas(ctx, msg)
}

// SuggestGasPrice returns the current suggested gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

// FilterLogs proxies eth_getLogs.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.eth.FilterLogs(ctx, q)
}

// HeaderByNumber returns the block header fields the listener's LRU
// timestamp cache needs.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.eth.HeaderByNumber(ctx, number)
}

// BlockNumber returns the current block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// PendingNonceAt returns the next nonce the wallet should use, per the
// pending tag, used once to seed internal/walletmanager's local nonce
// counter.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, account)
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.eth.SendTransaction(ctx, tx)
}

// TransactionReceipt returns the receipt for txHash, or an error
// (including ethereum.NotFound while still pending) the caller polls on.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, txHash)
}

// ChainID returns the chain id reported by the endpoint, used for
// EIP-155 transaction signing.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}
