package payload

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// abi.Arguments are built once and reused — identifier derivation must
// stay a pure function of its inputs with no per-call allocation of
// the type descriptors themselves.
var (
	swapIDArgs = mustArguments(
		abiArg("bytes"),
		abiArg("uint256"),
		abiArg("uint256"),
		abiArg("address"),
		abiArg("uint32"),
	)
	underwriteIDArgs = mustArguments(
		abiArg("address"),
		abiArg("address"),
		abiArg("uint256"),
		abiArg("uint256"),
		abiArg("address"),
		abiArg("uint16"),
		abiArg("bytes"),
	)
)

func abiArg(typ string) abi.Argument {
	t, err := abi.NewType(typ, "", nil)
	if err != nil {
		panic("payload: invalid abi type " + typ + ": " + err.Error())
	}
	return abi.Argument{Type: t}
}

func mustArguments(args ...abi.Argument) abi.Arguments {
	return abi.Arguments(args)
}

// SwapID computes:
//
//	keccak256(abi_encode(["bytes","uint256","uint256","address","uint32"],
//	  [toAccount, units, fromAmount, fromAsset, blockNumber mod 2^32]))
//
// toAccount and fromAsset are passed as their decoded (variable-length)
// raw address bytes — the Catalyst payload's bytes-65 addresses, not
// the 20-byte EVM form — per spec.md invariant 2: the recomputed
// swapId must equal the one recovered from the payload fields.
func SwapID(toAccount []byte, units, fromAmount *big.Int, fromAsset []byte, blockNumber uint32) (common.Hash, error) {
	packed, err := swapIDArgs.Pack(toAccount, units, fromAmount, fromAssetAddress(fromAsset), blockNumber)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// UnderwriteID computes:
//
//	keccak256(abi_encode(["address","address","uint256","uint256","address","uint16","bytes"],
//	  [toVault, toAsset, units, minOut, toAccount, underwriteIncentiveX16, cdata]))
func UnderwriteID(toVault, toAsset common.Address, units, minOut *big.Int, toAccount common.Address, underwriteIncentiveX16 uint16, cdata []byte) (common.Hash, error) {
	packed, err := underwriteIDArgs.Pack(toVault, toAsset, units, minOut, toAccount, underwriteIncentiveX16, cdata)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// fromAssetAddress narrows a decoded bytes-65 address payload to the
// fixed 20-byte EVM address the "address" ABI type expects. The
// swapId derivation in spec.md §3/§8 is defined in terms of the EVM
// address form of fromAsset even though the wire payload carries it as
// a variable-length bytes-65 value; non-EVM-length values cannot
// participate in this ABI type and are the caller's responsibility to
// reject earlier (during envelope/catalyst decode on non-EVM chains,
// which are out of this core's scope).
func fromAssetAddress(b []byte) common.Address {
	return NarrowToAddress(b)
}

// NarrowToAddress right-justifies a decoded bytes-65 address payload
// (of length <= 20) into a fixed 20-byte EVM address, the form every
// ABI-typed call site in this module needs.
func NarrowToAddress(b []byte) common.Address {
	var a common.Address
	copy(a[20-len(b):], b)
	return a
}
