// Package iso14443a implements the ISO14443-A card-side substrate shared
// by every MIFARE-compatible emulator: anti-collision, RATS/PPS, I/R/S
// block exchange, and the CRC-A/odd-parity framing all of it rides on.
// Each I-Block is answered on its own: the chaining bit is not
// interpreted and chained I-Blocks are not reassembled.
// The framing primitives themselves reuse pkg/crc.
package iso14443a

import "github.com/barnettlynn/pm3core/pkg/crc"

// State is one node of the card-side ISO14443-A Mealy machine.
type State int

const (
	NoField State = iota
	Idle
	Select
	Work
	Halted
)

func (s State) String() string {
	switch s {
	case NoField:
		return "NOFIELD"
	case Idle:
		return "IDLE"
	case Select:
		return "SELECT"
	case Work:
		return "WORK"
	case Halted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// Frame-level constants.
const (
	ReqA byte = 0x26
	WupA byte = 0x52
	Halt byte = 0x50

	RBlockAck byte = 0xA2
	RBlockNak byte = 0xB2
	SDeselect byte = 0xC2
	SWTX      byte = 0xF2
)

// AppendCRCA appends the little-endian CRC-A of frame to itself.
func AppendCRCA(frame []byte) []byte {
	return crc.AppendA(frame)
}

// CheckCRCA verifies the trailing CRC-A of frame.
func CheckCRCA(frame []byte) bool {
	return crc.CheckA(frame)
}

// Parity returns the packed odd-parity bits for frame, one bit per byte,
// MSB-first, matching the bit-per-byte parity ISO14443-A transmits
// alongside every data byte.
func Parity(frame []byte) []byte {
	return crc.ParityBits(frame)
}

// IsIBlock reports whether pcb is an I-Block PCB byte (bits 7-5 clear;
// bit 1, which a standard I-Block sets, is accepted set or clear; bit 0 is
// the block-number toggle).
func IsIBlock(pcb byte) bool {
	return pcb&0xE2 == 0x02 || pcb&0xE2 == 0x00
}

// BlockNumber extracts the toggling block-number bit from an I-Block PCB.
func BlockNumber(pcb byte) byte {
	return pcb & 0x01
}

// IsRBlock reports whether pcb is an R(ACK)/R(NAK) PCB byte.
func IsRBlock(pcb byte) bool {
	return pcb&0xE6 == 0xA2
}

// IsSBlock reports whether pcb is an S-Block (WTX or DESELECT) PCB byte.
func IsSBlock(pcb byte) bool {
	return pcb&0xF7 == 0xC2 || pcb&0xF3 == 0xF2
}
