package iso14443a

import "bytes"

// UID holds a card identity; Bytes is 4, 7, or 10 bytes depending on the
// cascade level the emulator advertises.
type UID struct {
	Bytes []byte
	SAK   byte // final SAK, bit 2 clear (cascade complete)
}

// cascadeIncompleteSAK is ORed into every non-final cascade level's SAK,
// signalling the reader to continue the UID cascade.
const cascadeIncompleteSAK = 0x04

// AppHandler answers an application-layer I-Block once the card is in the
// WORK state; it returns the response payload (without PCB/CRC) and the
// next toggling block-number bit's expected value is handled by the
// Machine.
type AppHandler func(cmd []byte) (resp []byte, err error)

// RawHandler answers WORK-state frames for protocols that do not ride on
// ISO 14443-4 framing (MIFARE Classic and Ultralight native commands, or
// an emulator like the EMV bridge that does its own I-Block bookkeeping).
// It receives each frame exactly as transmitted (CRC included where the
// protocol carries one) and returns the full response frame, or nil for
// silence. HALT handling stays with the Machine.
type RawHandler func(frame []byte) []byte

// Machine drives the card-side ISO 14443-3/-4 state table for a single card.
type Machine struct {
	state   State
	uid     UID
	ats     []byte
	cascade int // current cascade level while in SELECT
	appl    AppHandler
	raw     RawHandler
	lastRx  byte // last I-Block block-number bit received, for retransmission
	lastTx  []byte
}

// NewMachine constructs a card-side Mealy machine with the given identity,
// ATS (sent in response to RATS), and application-layer handler.
func NewMachine(uid UID, ats []byte, appl AppHandler) *Machine {
	return &Machine{state: NoField, uid: uid, ats: ats, appl: appl}
}

// SetRawHandler routes all WORK-state frames except HALT to raw instead
// of the ISO 14443-4 RATS/I/R/S dispatch.
func (m *Machine) SetRawHandler(raw RawHandler) { m.raw = raw }

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// FieldOn transitions NOFIELD -> IDLE, matching a reader's RF field
// appearing.
func (m *Machine) FieldOn() {
	if m.state == NoField {
		m.state = Idle
	}
}

// FieldOff resets the machine back to NOFIELD, as if the field dropped.
func (m *Machine) FieldOff() {
	m.state = NoField
	m.cascade = 0
}

// Handle processes one reader frame (parity already stripped by the
// transport layer, CRC-A still attached where the frame carries one) and
// returns the card's response frame, or nil for
// frames the card stays silent on (e.g. after HALT).
func (m *Machine) Handle(frame []byte) []byte {
	if len(frame) == 0 {
		return nil
	}

	switch m.state {
	case NoField:
		return nil

	case Idle, Halted:
		if len(frame) == 1 && (frame[0] == ReqA || frame[0] == WupA) {
			m.cascade = 0
			m.state = Select
			return atqaFor(m.uid)
		}
		return nil

	case Select:
		return m.handleSelect(frame)

	case Work:
		return m.handleWork(frame)
	}
	return nil
}

func (m *Machine) handleSelect(frame []byte) []byte {
	if len(frame) < 2 {
		return nil
	}
	cl := frame[0]
	switch frame[1] {
	case 0x20: // ANTICOLL
		return m.uidFragment(cl)
	case 0x70: // SELECT
		if len(frame) < 2+5+2 {
			return nil
		}
		sak := m.sakFor(cl)
		resp := AppendCRCA([]byte{sak})
		if sak&cascadeIncompleteSAK != 0 {
			m.cascade++
			return resp
		}
		m.state = Work
		return resp
	}
	return nil
}

func (m *Machine) handleWork(frame []byte) []byte {
	if len(frame) == 4 && frame[0] == Halt && frame[1] == 0x00 && CheckCRCA(frame) {
		m.state = Halted
		return nil
	}
	if m.raw != nil {
		return m.raw(frame)
	}
	if len(frame) == 4 && frame[0] == 0xE0 && frame[1] == 0x80 {
		return AppendCRCA(append([]byte{}, m.ats...))
	}
	if len(frame) >= 4 && frame[0]&0xF0 == 0xD0 && CheckCRCA(frame) {
		return AppendCRCA([]byte{frame[0]}) // PPS: echo PPSS
	}
	if len(frame) >= 3 {
		pcb := frame[0]
		body := frame[1 : len(frame)-2]

		switch {
		case IsSBlock(pcb):
			if pcb == SDeselect {
				resp := append([]byte{SDeselect}, body...)
				m.state = Halted
				return AppendCRCA(resp)
			}
		case IsRBlock(pcb):
			if pcb == RBlockAck {
				return AppendCRCA([]byte{RBlockNak})
			}
			return AppendCRCA([]byte{RBlockAck})
		case IsIBlock(pcb):
			blkNum := BlockNumber(pcb)
			if blkNum == m.lastRx && m.lastTx != nil {
				return m.lastTx // retransmission of the cached response
			}
			if m.appl == nil {
				return nil
			}
			resp, err := m.appl(body)
			if err != nil {
				return nil
			}
			out := append([]byte{pcb}, resp...)
			out = AppendCRCA(out)
			m.lastRx = blkNum
			m.lastTx = out
			return out
		}
	}
	return nil
}

// atqaFor returns a fixed 2-byte ATQA matching the UID's cascade length
// (bits 6-7 of byte0 encode the UID size class).
func atqaFor(uid UID) []byte {
	switch len(uid.Bytes) {
	case 4:
		return []byte{0x04, 0x00}
	case 7:
		return []byte{0x44, 0x00}
	default:
		return []byte{0x84, 0x00}
	}
}

// uidFragment returns the UID bytes (with BCC) relevant to the given
// cascade level during ANTICOLL.
func (m *Machine) uidFragment(cl byte) []byte {
	level := cascadeLevelIndex(cl)
	frag := cascadeFragment(m.uid.Bytes, level)
	bcc := byte(0)
	for _, b := range frag {
		bcc ^= b
	}
	return append(append([]byte{}, frag...), bcc)
}

func (m *Machine) sakFor(cl byte) byte {
	level := cascadeLevelIndex(cl)
	totalLevels := cascadeLevels(len(m.uid.Bytes))
	if level+1 < totalLevels {
		return cascadeIncompleteSAK
	}
	return m.uid.SAK
}

func cascadeLevelIndex(cl byte) int {
	switch cl {
	case 0x93:
		return 0
	case 0x95:
		return 1
	case 0x97:
		return 2
	default:
		return 0
	}
}

func cascadeLevels(uidLen int) int {
	switch uidLen {
	case 4:
		return 1
	case 7:
		return 2
	case 10:
		return 3
	default:
		return 1
	}
}

// cascadeFragment returns the 4-byte UID fragment (with cascade-tag prefix
// 0x88 where required) for the given cascade level.
func cascadeFragment(uid []byte, level int) []byte {
	switch {
	case len(uid) == 4:
		return uid
	case len(uid) == 7:
		if level == 0 {
			return append([]byte{0x88}, uid[0:3]...)
		}
		return uid[3:7]
	case len(uid) == 10:
		switch level {
		case 0:
			return append([]byte{0x88}, uid[0:3]...)
		case 1:
			return append([]byte{0x88}, uid[3:6]...)
		default:
			return uid[6:10]
		}
	}
	return uid
}

// Equal reports whether two frames match byte-for-byte, a small helper
// used by handlers comparing incoming commands against canned prefixes.
func Equal(a, b []byte) bool { return bytes.Equal(a, b) }
