package payload

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// Catalyst body context byte values (§4.3).
const (
	CatalystContextAssetSwap     byte = 0x00
	CatalystContextLiquiditySwap byte = 0x01
)

// AssetSwapPayload is the decoded Catalyst asset-swap body:
//
//	context:1 | fromVault:65 | toVault:65 | toAccount:65 | units:32 |
//	toAssetIndex:1 | minOut:32 | fromAmount:32 | fromAsset:65 |
//	blockNumber:4 | underwritingIncentive:2 | cdata:rest
type AssetSwapPayload struct {
	Context                byte
	FromVault               []byte // decoded bytes-65
	ToVault                 []byte // decoded bytes-65
	ToAccount               []byte // decoded bytes-65
	Units                   *big.Int
	ToAssetIndex            uint8
	MinOut                  *big.Int
	FromAmount              *big.Int
	FromAsset               []byte // decoded bytes-65
	BlockNumber             uint32 // already taken mod 2^32 by the wire format
	UnderwritingIncentiveX16 uint16
	Calldata                []byte
}

const catalystFixedLen = 1 + Addr65Len*4 + 32*3 + 1 + 4 + 2

// DecodeAssetSwapPayload parses a Catalyst asset-swap body. Context
// 0x01 (liquidity swap) is recognized as a distinct context by
// CatalystContext but is not actioned by this core (§4.3); this
// function only accepts 0x00.
func DecodeAssetSwapPayload(b []byte) (*AssetSwapPayload, error) {
	if len(b) < catalystFixedLen {
		return nil, fmt.Errorf("payload: catalyst payload too short: %d bytes", len(b))
	}
	if b[0] != CatalystContextAssetSwap {
		return nil, fmt.Errorf("payload: catalyst context 0x%02x is not ASSET_SWAP", b[0])
	}

	p := &AssetSwapPayload{Context: b[0]}
	off := 1

	readAddr := func() ([]byte, error) {
		a, err := DecodeAddr65(b[off : off+Addr65Len])
		off += Addr65Len
		return a, err
	}

	var err error
	if p.FromVault, err = readAddr(); err != nil {
		return nil, fmt.Errorf("payload: catalyst fromVault: %w", err)
	}
	if p.ToVault, err = readAddr(); err != nil {
		return nil, fmt.Errorf("payload: catalyst toVault: %w", err)
	}
	if p.ToAccount, err = readAddr(); err != nil {
		return nil, fmt.Errorf("payload: catalyst toAccount: %w", err)
	}

	p.Units = new(big.Int).SetBytes(b[off : off+32])
	off += 32

	p.ToAssetIndex = b[off]
	off++

	p.MinOut = new(big.Int).SetBytes(b[off : off+32])
	off += 32

	p.FromAmount = new(big.Int).SetBytes(b[off : off+32])
	off += 32

	if p.FromAsset, err = readAddr(); err != nil {
		return nil, fmt.Errorf("payload: catalyst fromAsset: %w", err)
	}

	p.BlockNumber = binary.BigEndian.Uint32(b[off : off+4])
	off += 4

	p.UnderwritingIncentiveX16 = binary.BigEndian.Uint16(b[off : off+2])
	off += 2

	p.Calldata = append([]byte(nil), b[off:]...)

	return p, nil
}

// CatalystContext reports the context byte of a Catalyst body without
// fully decoding it — used to distinguish ASSET_SWAP from the
// liquidity-swap variant the core decodes but never actions.
func CatalystContext(b []byte) (byte, error) {
	if len(b) < 1 {
		return 0, fmt.Errorf("payload: empty catalyst body")
	}
	return b[0], nil
}
