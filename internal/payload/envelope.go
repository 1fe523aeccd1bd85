package payload

import (
	"encoding/binary"
	"fmt"
)

// Context byte values for the generalized-incentives envelope (§4.3).
const (
	ContextSourceToDestination byte = 0x00
	ContextDestinationToSource byte = 0x01
)

// Envelope is the decoded generalized-incentives wire envelope:
//
//	context:1 | messageIdentifier:32 | sourceApplication:65 | body...
//
// For ContextSourceToDestination, body is:
//
//	toApplication:65 | maxGas:6 | message:rest
//
// For ContextDestinationToSource, body is:
//
//	relayerRecipient:32 | gasSpent:6 | executionTime:8 | message:rest
type Envelope struct {
	Context           byte
	MessageIdentifier [32]byte
	SourceApplication []byte // decoded bytes-65 address

	// ContextSourceToDestination fields.
	ToApplication []byte // decoded bytes-65 address
	MaxGas        uint64 // 6-byte big-endian

	// ContextDestinationToSource fields. Parsed but, per spec.md §9
	// open questions, their downstream semantics are out of scope —
	// the underwriter core never consumes them.
	RelayerRecipient [32]byte
	GasSpent         uint64 // 6-byte big-endian
	ExecutionTime    uint64 // 8-byte big-endian

	Message []byte
}

const (
	envelopeHeaderLen = 1 + 32 + Addr65Len
	sixByteLen        = 6
)

// DecodeEnvelope parses the generalized-incentives envelope. Any
// context byte other than 0x00/0x01 is a hard parse error (§4.3).
func DecodeEnvelope(b []byte) (*Envelope, error) {
	if len(b) < envelopeHeaderLen {
		return nil, fmt.Errorf("payload: envelope too short: %d bytes", len(b))
	}
	e := &Envelope{Context: b[0]}
	copy(e.MessageIdentifier[:], b[1:33])

	sourceApp, err := DecodeAddr65(b[33:33+Addr65Len])
	if err != nil {
		return nil, fmt.Errorf("payload: envelope sourceApplication: %w", err)
	}
	e.SourceApplication = sourceApp

	body := b[envelopeHeaderLen:]
	switch e.Context {
	case ContextSourceToDestination:
		if len(body) < Addr65Len+sixByteLen {
			return nil, fmt.Errorf("payload: envelope source->destination body too short: %d bytes", len(body))
		}
		toApp, err := DecodeAddr65(body[:Addr65Len])
		if err != nil {
			return nil, fmt.Errorf("payload: envelope toApplication: %w", err)
		}
		e.ToApplication = toApp
		e.MaxGas = decodeUint48(body[Addr65Len : Addr65Len+sixByteLen])
		e.Message = body[Addr65Len+sixByteLen:]
	case ContextDestinationToSource:
		const hdr = 32 + sixByteLen + 8
		if len(body) < hdr {
			return nil, fmt.Errorf("payload: envelope destination->source body too short: %d bytes", len(body))
		}
		copy(e.RelayerRecipient[:], body[:32])
		e.GasSpent = decodeUint48(body[32 : 32+sixByteLen])
		e.ExecutionTime = binary.BigEndian.Uint64(body[32+sixByteLen : hdr])
		e.Message = body[hdr:]
	default:
		return nil, fmt.Errorf("payload: unrecognized envelope context byte 0x%02x", e.Context)
	}
	return e, nil
}

// decodeUint48 decodes a 6-byte big-endian unsigned integer.
func decodeUint48(b []byte) uint64 {
	var buf [8]byte
	copy(buf[2:], b)
	return binary.BigEndian.Uint64(buf[:])
}

// encodeUint48 encodes v into a 6-byte big-endian slice; v must fit in
// 48 bits.
func encodeUint48(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[2:]
}
