// Package iso14443b implements the ISO 14443-B framing contract and the
// reader-side select sequence: REQB/WUPB, ATTRIB, and HALTB, over the
// CRC-B framing pkg/crc provides. The type-B line coding (NRZ with BPSK
// subcarrier answers) needs no symbol table beyond byte framing, so this
// package stops at the frame layer the way the toolkit's own type-B
// support does, leaving modulation to the sampling front end.
package iso14443b

import (
	"github.com/barnettlynn/pm3core/pkg/crc"
	"github.com/barnettlynn/pm3core/pkg/pm3err"
)

// Frame-level constants.
const (
	apf      = 0x05 // anticollision prefix byte of REQB/WUPB
	atqbHdr  = 0x50 // first byte of an ATQB answer and of HALTB
	attribCmd = 0x1D

	paramWUPB = 0x08 // PARAM bit 3: wake up HALTed cards too
)

// Card is the outcome of a completed type-B select: the PUPI plus the
// application data and protocol info the ATQB advertises, and the
// MBLI/CID byte the ATTRIB answer returns.
type Card struct {
	PUPI         [4]byte
	AppData      [4]byte
	ProtocolInfo [3]byte
	MBLICID      byte
}

// Transceiver sends one framed command (CRC-B included) and returns the
// raw response, CRC still attached.
type Transceiver interface {
	Transceive(frame []byte) ([]byte, error)
}

// AppendCRCB appends the little-endian CRC-B to a frame.
func AppendCRCB(frame []byte) []byte {
	return crc.AppendB(frame)
}

// CheckCRCB verifies a frame's trailing CRC-B.
func CheckCRCB(frame []byte) bool {
	return crc.CheckB(frame)
}

// BuildREQB composes a REQB (or WUPB) for the given application family
// identifier; numSlotsExp is the number-of-slots exponent (0 = one slot).
func BuildREQB(afi byte, numSlotsExp byte, wakeup bool) []byte {
	param := numSlotsExp & 0x07
	if wakeup {
		param |= paramWUPB
	}
	return AppendCRCB([]byte{apf, afi, param})
}

// BuildATTRIB composes the ATTRIB command selecting the card with the
// given PUPI; param holds the four parameter bytes (TR0/TR1, FSDI,
// coding, CID).
func BuildATTRIB(pupi [4]byte, param [4]byte) []byte {
	cmd := append([]byte{attribCmd}, pupi[:]...)
	cmd = append(cmd, param[:]...)
	return AppendCRCB(cmd)
}

// BuildHALTB composes the HALTB command for the given PUPI.
func BuildHALTB(pupi [4]byte) []byte {
	return AppendCRCB(append([]byte{atqbHdr}, pupi[:]...))
}

// Select runs the reader-side type-B select: REQB, parse the ATQB, then
// ATTRIB with default parameters. Returns the assembled Card.
func Select(trx Transceiver, afi byte, wakeup bool) (*Card, error) {
	atqb, err := trx.Transceive(BuildREQB(afi, 0, wakeup))
	if err != nil {
		return nil, err
	}
	if len(atqb) < 12+2 || atqb[0] != atqbHdr || !CheckCRCB(atqb) {
		return nil, pm3err.New(pm3err.ECardExchange, "iso14443b: malformed ATQB (%d bytes)", len(atqb))
	}

	card := &Card{}
	copy(card.PUPI[:], atqb[1:5])
	copy(card.AppData[:], atqb[5:9])
	copy(card.ProtocolInfo[:], atqb[9:12])

	// TR0/TR1 defaults, FSDI 8 (256 bytes), standard coding, CID 0.
	answer, err := trx.Transceive(BuildATTRIB(card.PUPI, [4]byte{0x00, 0x08, 0x01, 0x00}))
	if err != nil {
		return nil, err
	}
	if len(answer) < 1+2 || !CheckCRCB(answer) {
		return nil, pm3err.New(pm3err.ECardExchange, "iso14443b: malformed ATTRIB answer")
	}
	card.MBLICID = answer[0]
	return card, nil
}

// Halt sends HALTB; the card acknowledges with a single 0x00 byte.
func Halt(trx Transceiver, pupi [4]byte) error {
	resp, err := trx.Transceive(BuildHALTB(pupi))
	if err != nil {
		return err
	}
	if len(resp) < 1+2 || resp[0] != 0x00 || !CheckCRCB(resp) {
		return pm3err.New(pm3err.ECardExchange, "iso14443b: HALTB not acknowledged")
	}
	return nil
}
