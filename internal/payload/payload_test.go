package payload

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestAddr65RoundTrip(t *testing.T) {
	for l := 1; l <= 32; l++ {
		addr := make([]byte, l)
		for i := range addr {
			addr[i] = byte(i + 1)
		}
		enc, err := EncodeAddr65(addr)
		require.NoError(t, err)
		require.Len(t, enc, Addr65Len)

		dec, err := DecodeAddr65(enc)
		require.NoError(t, err)
		require.True(t, bytes.Equal(addr, dec), "length %d round-trip mismatch", l)
	}
}

func TestAddr65RejectsNonZeroPadding(t *testing.T) {
	b := make([]byte, Addr65Len)
	b[0] = 20
	b[1] = 0xff // padding region, should be zero
	_, err := DecodeAddr65(b)
	require.Error(t, err)
}

func TestEnvelopeSourceToDestinationRoundTrip(t *testing.T) {
	sourceApp, _ := EncodeAddr65(common.HexToAddress("0xA0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0").Bytes())
	toApp, _ := EncodeAddr65(common.HexToAddress("0xB0B0B0B0B0B0B0B0B0B0B0B0B0B0B0B0B0B0B0B0").Bytes())

	var buf bytes.Buffer
	buf.WriteByte(ContextSourceToDestination)
	var msgID [32]byte
	msgID[0] = 0x42
	buf.Write(msgID[:])
	buf.Write(sourceApp)
	buf.Write(toApp)
	buf.Write(encodeUint48(123456))
	buf.WriteString("hello")

	e, err := DecodeEnvelope(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, ContextSourceToDestination, e.Context)
	require.Equal(t, msgID, e.MessageIdentifier)
	require.Equal(t, uint64(123456), e.MaxGas)
	require.Equal(t, []byte("hello"), e.Message)
}

func TestEnvelopeRejectsBadContext(t *testing.T) {
	b := make([]byte, envelopeHeaderLen+1)
	b[0] = 0x02
	_, err := DecodeEnvelope(b)
	require.Error(t, err)
}

func TestCatalystAssetSwapRoundTrip(t *testing.T) {
	fromVault := common.HexToAddress("0x1111111111111111111111111111111111111111111111111111111111111111")
	_ = fromVault
	fv, _ := EncodeAddr65(common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA").Bytes())
	tv, _ := EncodeAddr65(common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB").Bytes())
	ta, _ := EncodeAddr65(common.HexToAddress("0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC").Bytes())
	fa, _ := EncodeAddr65(common.HexToAddress("0xDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD").Bytes())

	var buf bytes.Buffer
	buf.WriteByte(CatalystContextAssetSwap)
	buf.Write(fv)
	buf.Write(tv)
	buf.Write(ta)
	buf.Write(common.LeftPadBytes(big.NewInt(100).Bytes(), 32))
	buf.WriteByte(0)
	buf.Write(common.LeftPadBytes(big.NewInt(0).Bytes(), 32))
	buf.Write(common.LeftPadBytes(big.NewInt(1e16).Bytes(), 32))
	buf.Write(fa)
	blockNumBytes := make([]byte, 4)
	blockNumBytes[0] = 0x01
	blockNumBytes[1] = 0x03
	blockNumBytes[2] = 0x0d
	blockNumBytes[3] = 0x00
	buf.Write(blockNumBytes)
	buf.Write([]byte{0x02, 0x8f}) // 655 as uint16
	buf.WriteString("cdata-payload")

	p, err := DecodeAssetSwapPayload(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, uint8(0), p.ToAssetIndex)
	require.Equal(t, uint16(655), p.UnderwritingIncentiveX16)
	require.Equal(t, []byte("cdata-payload"), p.Calldata)
	require.Equal(t, uint32(0x01030d00), p.BlockNumber)
}

func TestCatalystRejectsLiquiditySwapContext(t *testing.T) {
	b := make([]byte, catalystFixedLen)
	b[0] = CatalystContextLiquiditySwap
	_, err := DecodeAssetSwapPayload(b)
	require.Error(t, err)
}

func TestSwapIDDeterministic(t *testing.T) {
	toAccount := common.HexToAddress("0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC").Bytes()
	fromAsset := common.HexToAddress("0xDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD").Bytes()
	units := big.NewInt(0).Mul(big.NewInt(100), big.NewInt(1e18))
	fromAmount := big.NewInt(1e16)

	id1, err := SwapID(toAccount, units, fromAmount, fromAsset, 17_000_000)
	require.NoError(t, err)
	id2, err := SwapID(toAccount, units, fromAmount, fromAsset, 17_000_000)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	id3, err := SwapID(toAccount, units, fromAmount, fromAsset, 17_000_001)
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
}

func TestUnderwriteIDDeterministic(t *testing.T) {
	toVault := common.HexToAddress("0xB0B0B0B0B0B0B0B0B0B0B0B0B0B0B0B0B0B0B0B0")
	toAsset := common.HexToAddress("0xE0E0E0E0E0E0E0E0E0E0E0E0E0E0E0E0E0E0E0E0")
	toAccount := common.HexToAddress("0xC0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0")
	units := big.NewInt(1000)
	minOut := big.NewInt(0)
	cdata := []byte{0x01, 0x02}

	id1, err := UnderwriteID(toVault, toAsset, units, minOut, toAccount, 655, cdata)
	require.NoError(t, err)
	id2, err := UnderwriteID(toVault, toAsset, units, minOut, toAccount, 655, cdata)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	id3, err := UnderwriteID(toVault, toAsset, units, minOut, toAccount, 656, cdata)
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
}
