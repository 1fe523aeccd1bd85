package payload

import "fmt"

// Addr65Len is the fixed wire size of a bytes-65 address: one length
// byte followed by a 64-byte right-justified address payload (spec.md
// §4.3, §6).
const Addr65Len = 65

// DecodeAddr65 parses the protocol-wide cross-ecosystem address
// encoding: the first byte is the address length L, and the address is
// the last L bytes of the remaining 64-byte region. It does not
// allocate beyond the returned slice.
func DecodeAddr65(b []byte) ([]byte, error) {
	if len(b) != Addr65Len {
		return nil, fmt.Errorf("payload: bytes-65 address must be %d bytes, got %d", Addr65Len, len(b))
	}
	l := int(b[0])
	if l == 0 || l > 32 {
		return nil, fmt.Errorf("payload: bytes-65 address length byte out of range: %d", l)
	}
	region := b[1:]
	addr := region[len(region)-l:]
	// Intermediate bytes (between index 0 and len(region)-l) must be
	// zero — the encoding is strictly right-justified.
	for _, v := range region[:len(region)-l] {
		if v != 0 {
			return nil, fmt.Errorf("payload: bytes-65 address has non-zero padding")
		}
	}
	out := make([]byte, l)
	copy(out, addr)
	return out, nil
}

// EncodeAddr65 encodes addr (1..32 bytes) into the bytes-65 format.
func EncodeAddr65(addr []byte) ([]byte, error) {
	l := len(addr)
	if l == 0 || l > 32 {
		return nil, fmt.Errorf("payload: address length out of range: %d", l)
	}
	out := make([]byte, Addr65Len)
	out[0] = byte(l)
	copy(out[1+64-l:], addr)
	return out, nil
}
