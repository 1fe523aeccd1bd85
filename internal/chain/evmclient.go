package chain

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EVMClient is the narrow on-chain call surface the pipeline depends
// on (spec.md §6). internal/rpcclient.Client satisfies it against a
// real JSON-RPC endpoint; tests substitute a fake.
type EVMClient interface {
	IsCreatedByFactory(ctx context.Context, factory, iface, vault common.Address) (bool, error)
	VaultCode(ctx context.Context, vault common.Address) ([]byte, error)
	TokenIndexing(ctx context.Context, vault common.Address, idx uint8) (common.Address, error)
	CalcReceiveAsset(ctx context.Context, vault, asset common.Address, units *big.Int) (*big.Int, error)
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}
