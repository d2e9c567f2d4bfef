package iso14443a

import "github.com/barnettlynn/pm3core/pkg/crc"

// Bit-level line coding for ISO 14443-A: the reader talks modified Miller
// (100% ASK pauses), the tag answers load-modulated Manchester on an 847
// kHz subcarrier. Both codecs below work on one sample per modulation
// slot: 1 = carrier/subcarrier present, 0 = pause/no subcarrier. Four
// slots make a Miller sequence, two half-bit slots make a Manchester
// cell.

// Miller sequences. Z carries the pause at the start of the bit period, X
// in the middle, Y is an idle period.
var (
	seqZ = []byte{0, 1, 1, 1}
	seqY = []byte{1, 1, 1, 1}
	seqX = []byte{1, 1, 0, 1}
)

// appendMillerBit applies the sequence-selection rule: a 1 is always X; a
// 0 is Z after a 0 (or at the start of communication), Y after a 1.
func appendMillerBit(out []byte, bit, lastBit byte) []byte {
	if bit != 0 {
		return append(out, seqX...)
	}
	if lastBit != 0 {
		return append(out, seqY...)
	}
	return append(out, seqZ...)
}

// millerBits encodes a start-of-communication Z, the given bits in order,
// then the end of communication (a logic 0 per the selection rule,
// followed by an idle period).
func millerBits(bits []byte) []byte {
	out := append([]byte{}, seqZ...)
	last := byte(0)
	for _, b := range bits {
		out = appendMillerBit(out, b, last)
		last = b
	}
	out = appendMillerBit(out, 0, last)
	return append(out, seqY...)
}

// EncodeMillerShort renders a 7-bit short frame (REQA/WUPA) as Miller
// slots, LSB first, no parity.
func EncodeMillerShort(b byte) []byte {
	bits := make([]byte, 7)
	for i := 0; i < 7; i++ {
		bits[i] = (b >> i) & 1
	}
	return millerBits(bits)
}

// EncodeMillerFrame renders a standard frame: each byte LSB first,
// followed by its odd parity bit.
func EncodeMillerFrame(data []byte) []byte {
	bits := make([]byte, 0, len(data)*9)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			bits = append(bits, (b>>i)&1)
		}
		bits = append(bits, crc.OddParity(b))
	}
	return millerBits(bits)
}

// DecodeMiller recovers the transmitted bits from a Miller slot stream:
// data bytes plus the total bit count (7 for a short frame, 9 per byte
// for standard frames). Parity bits are verified and stripped; ok is
// false on a malformed stream or a parity error.
func DecodeMiller(slots []byte) (data []byte, bitCount int, ok bool) {
	// Strip the start-of-communication Z.
	if len(slots) < 4 || !matchSeq(slots, seqZ) {
		return nil, 0, false
	}
	i := 4

	var bits []byte
	last := byte(0)
	idle := false
	for i+4 <= len(slots) {
		switch {
		case matchSeq(slots[i:], seqX):
			bits = append(bits, 1)
			last = 1
		case matchSeq(slots[i:], seqZ):
			bits = append(bits, 0)
			last = 0
		case matchSeq(slots[i:], seqY):
			if last == 0 {
				idle = true // Y after a 0 sequence: end of communication
			} else {
				bits = append(bits, 0)
				last = 0
			}
		default:
			return nil, 0, false
		}
		if idle {
			break
		}
		i += 4
	}
	if len(bits) == 0 {
		return nil, 0, false
	}
	// The final decoded 0 is the end-of-communication marker, not data —
	// unless the idle was reached straight after a data 0 whose own
	// following Y ended the frame, which the selection rule makes
	// indistinguishable; frame sizes (7 or 9k bits) disambiguate.
	bits = bits[:len(bits)-1]

	if len(bits) == 7 {
		var b byte
		for i, bit := range bits {
			b |= bit << i
		}
		return []byte{b}, 7, true
	}
	if len(bits)%9 != 0 {
		return nil, 0, false
	}
	for len(bits) > 0 {
		var b byte
		for i := 0; i < 8; i++ {
			b |= bits[i] << i
		}
		if bits[8] != crc.OddParity(b) {
			return nil, 0, false
		}
		data = append(data, b)
		bitCount += 9
		bits = bits[9:]
	}
	return data, bitCount, true
}

// Manchester half-bit cells for the tag-to-reader direction: D carries
// the subcarrier in the first half (logic 1), E in the second half (logic
// 0), F is the unmodulated end-of-communication cell.
var (
	cellD = []byte{1, 0}
	cellE = []byte{0, 1}
	cellF = []byte{0, 0}
)

// EncodeManchesterFrame renders a tag response as Manchester half-bit
// slots: a start-of-communication D cell, each byte LSB first with its
// odd parity bit, then the F end cell.
func EncodeManchesterFrame(data []byte) []byte {
	out := append([]byte{}, cellD...)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			if (b>>i)&1 != 0 {
				out = append(out, cellD...)
			} else {
				out = append(out, cellE...)
			}
		}
		if crc.OddParity(b) != 0 {
			out = append(out, cellD...)
		} else {
			out = append(out, cellE...)
		}
	}
	return append(out, cellF...)
}

// DecodeManchester is EncodeManchesterFrame's inverse; ok is false on a
// malformed stream or parity error.
func DecodeManchester(slots []byte) (data []byte, ok bool) {
	if len(slots) < 2 || !matchSeq(slots, cellD) {
		return nil, false
	}
	i := 2

	var bits []byte
	for i+2 <= len(slots) {
		switch {
		case matchSeq(slots[i:], cellD):
			bits = append(bits, 1)
		case matchSeq(slots[i:], cellE):
			bits = append(bits, 0)
		case matchSeq(slots[i:], cellF):
			i = -1
		default:
			return nil, false
		}
		if i < 0 {
			break
		}
		i += 2
	}
	if len(bits)%9 != 0 || len(bits) == 0 {
		return nil, false
	}
	for len(bits) > 0 {
		var b byte
		for i := 0; i < 8; i++ {
			b |= bits[i] << i
		}
		if bits[8] != crc.OddParity(b) {
			return nil, false
		}
		data = append(data, b)
		bits = bits[9:]
	}
	return data, true
}

func matchSeq(slots []byte, seq []byte) bool {
	if len(slots) < len(seq) {
		return false
	}
	for i, s := range seq {
		if slots[i] != s {
			return false
		}
	}
	return true
}
