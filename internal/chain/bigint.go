package chain

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// BigInt wraps math/big.Int so that store-persisted entities serialize
// large integers as decimal strings rather than bare JSON numbers
// (spec.md §4.1, §6) — kept backward compatible with the existing
// store's JSON-with-string-bigints convention (spec.md §9 design
// notes) while still giving callers a real *big.Int to do arithmetic
// with.
type BigInt struct {
	*big.Int
}

// NewBigInt wraps v. A nil v wraps to a BigInt holding nil.
func NewBigInt(v *big.Int) *BigInt {
	return &BigInt{Int: v}
}

// BigIntFromInt64 is a convenience constructor for literal values.
func BigIntFromInt64(v int64) *BigInt {
	return &BigInt{Int: big.NewInt(v)}
}

func (b *BigInt) MarshalJSON() ([]byte, error) {
	if b == nil || b.Int == nil {
		return []byte("null"), nil
	}
	return json.Marshal(b.Int.String())
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("chain: bigint must be a decimal string: %w", err)
	}
	if s == "" {
		b.Int = nil
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("chain: invalid decimal string %q", s)
	}
	b.Int = v
	return nil
}
