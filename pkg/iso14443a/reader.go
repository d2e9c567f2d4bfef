package iso14443a

import "github.com/barnettlynn/pm3core/pkg/pm3err"

// Transceiver sends one reader frame over the field (short REQA/WUPA
// frames are passed as a single byte; everything else exactly as it
// appears on the wire, CRC included where the protocol carries one) and
// returns the card's raw response. A card-side Machine doubles as a
// Transceiver in tests via MachineTransceiver.
type Transceiver interface {
	Transceive(frame []byte) ([]byte, error)
}

// CardSelect is the outcome of a completed anti-collision cascade: the
// spec's CardSelect entity, valid until HALT or field-off.
type CardSelect struct {
	UID  []byte // 4, 7, or 10 bytes, cascade tags stripped
	ATQA [2]byte
	SAK  byte
	ATS  []byte // nil when the card is not ISO 14443-4 compliant
}

// SAK bits, per the select handshake's contract.
const (
	sakCascade  = 0x04 // bit 2: UID not complete, continue cascade
	sakISO14443 = 0x20 // bit 5: card supports ISO 14443-4 (RATS)
)

var cascadeCLn = [3]byte{0x93, 0x95, 0x97}

// Select runs the full reader-side select sequence: REQA (or WUPA when
// wakeup is set), the anti-collision cascade across up to three levels,
// and — when the final SAK advertises ISO 14443-4 — RATS. Returns the
// assembled CardSelect.
func Select(trx Transceiver, wakeup bool) (*CardSelect, error) {
	req := ReqA
	if wakeup {
		req = WupA
	}
	atqa, err := trx.Transceive([]byte{req})
	if err != nil {
		return nil, err
	}
	if len(atqa) != 2 {
		return nil, pm3err.New(pm3err.ECardExchange, "iso14443a: no ATQA (got %d bytes)", len(atqa))
	}

	sel := &CardSelect{}
	copy(sel.ATQA[:], atqa)

	for level := 0; level < 3; level++ {
		cl := cascadeCLn[level]

		frag, err := trx.Transceive([]byte{cl, 0x20})
		if err != nil {
			return nil, err
		}
		if len(frag) != 5 {
			return nil, pm3err.New(pm3err.ECardExchange, "iso14443a: anticollision level %d returned %d bytes", level, len(frag))
		}
		bcc := frag[0] ^ frag[1] ^ frag[2] ^ frag[3]
		if bcc != frag[4] {
			return nil, pm3err.New(pm3err.ECardExchange, "iso14443a: BCC mismatch at cascade level %d", level)
		}

		selFrame := AppendCRCA(append([]byte{cl, 0x70}, frag...))
		sakResp, err := trx.Transceive(selFrame)
		if err != nil {
			return nil, err
		}
		if len(sakResp) < 1 {
			return nil, pm3err.New(pm3err.ECardExchange, "iso14443a: no SAK at cascade level %d", level)
		}
		if len(sakResp) >= 3 && !CheckCRCA(sakResp) {
			return nil, pm3err.New(pm3err.ECardExchange, "iso14443a: SAK CRC mismatch at cascade level %d", level)
		}
		sak := sakResp[0]

		if sak&sakCascade != 0 {
			if frag[0] != 0x88 {
				return nil, pm3err.New(pm3err.ECardExchange, "iso14443a: cascade continues without a cascade tag")
			}
			sel.UID = append(sel.UID, frag[1:4]...)
			continue
		}
		sel.UID = append(sel.UID, frag[0:4]...)
		sel.SAK = sak

		if sak&sakISO14443 != 0 {
			ats, err := trx.Transceive(AppendCRCA([]byte{0xE0, 0x80}))
			if err != nil {
				return nil, err
			}
			if len(ats) >= 3 && CheckCRCA(ats) {
				sel.ATS = append([]byte(nil), ats[:len(ats)-2]...)
			} else {
				sel.ATS = append([]byte(nil), ats...)
			}
		}
		return sel, nil
	}
	return nil, pm3err.New(pm3err.ECardExchange, "iso14443a: cascade did not complete within 3 levels")
}

// HaltA sends the HALT command, moving the card to the HALTED state; the
// card answers with silence, so a nil/empty response is success.
func HaltA(trx Transceiver) error {
	resp, err := trx.Transceive(AppendCRCA([]byte{Halt, 0x00}))
	if err != nil {
		return err
	}
	if len(resp) != 0 {
		return pm3err.New(pm3err.ECardExchange, "iso14443a: card answered HALT (%d bytes)", len(resp))
	}
	return nil
}

// MachineTransceiver adapts a card-side Machine into a Transceiver so
// reader-side code can be exercised against the emulator without a radio.
type MachineTransceiver struct {
	M *Machine
}

// Transceive feeds one reader frame to the machine and returns its reply.
func (t MachineTransceiver) Transceive(frame []byte) ([]byte, error) {
	return t.M.Handle(frame), nil
}
