package iso14443a

import (
	"bytes"
	"testing"
)

func echoHandler(cmd []byte) ([]byte, error) {
	out := make([]byte, len(cmd))
	copy(out, cmd)
	return out, nil
}

func TestFullSelectSequenceSingleSize(t *testing.T) {
	uid := UID{Bytes: []byte{0x11, 0x22, 0x33, 0x44}, SAK: 0x08}
	m := NewMachine(uid, []byte{0x05, 0x78, 0x77, 0x80, 0x02}, echoHandler)

	m.FieldOn()
	if m.State() != Idle {
		t.Fatalf("expected IDLE after field on, got %s", m.State())
	}

	atqa := m.Handle([]byte{ReqA})
	if m.State() != Select || len(atqa) != 2 {
		t.Fatalf("expected SELECT + 2-byte ATQA, got state=%s atqa=%x", m.State(), atqa)
	}

	anticoll := m.Handle([]byte{0x93, 0x20})
	if len(anticoll) != 5 {
		t.Fatalf("expected 5-byte UID+BCC fragment, got %x", anticoll)
	}

	selectFrame := AppendCRCA(append([]byte{0x93, 0x70}, append(append([]byte{}, uid.Bytes...), anticoll[4])...))
	sak := m.Handle(selectFrame)
	if m.State() != Work {
		t.Fatalf("expected WORK after complete single-size select, got %s", m.State())
	}
	if !CheckCRCA(sak) || sak[0] != 0x08 {
		t.Fatalf("unexpected SAK response: %x", sak)
	}
}

func TestRATSReturnsATS(t *testing.T) {
	uid := UID{Bytes: []byte{0x11, 0x22, 0x33, 0x44}, SAK: 0x08}
	ats := []byte{0x05, 0x78, 0x77, 0x80, 0x02}
	m := NewMachine(uid, ats, echoHandler)
	m.FieldOn()
	m.Handle([]byte{ReqA})
	anticoll := m.Handle([]byte{0x93, 0x20})
	selectFrame := AppendCRCA(append([]byte{0x93, 0x70}, append(append([]byte{}, uid.Bytes...), anticoll[4])...))
	m.Handle(selectFrame)

	resp := m.Handle(AppendCRCA([]byte{0xE0, 0x80}))
	if !CheckCRCA(resp) || !bytes.Equal(resp[:len(ats)], ats) {
		t.Fatalf("expected ATS echoed back, got %x", resp)
	}
}

func TestHaltThenSilence(t *testing.T) {
	uid := UID{Bytes: []byte{0x11, 0x22, 0x33, 0x44}, SAK: 0x08}
	m := NewMachine(uid, []byte{0x00}, echoHandler)
	m.FieldOn()
	m.Handle([]byte{ReqA})
	anticoll := m.Handle([]byte{0x93, 0x20})
	selectFrame := AppendCRCA(append([]byte{0x93, 0x70}, append(append([]byte{}, uid.Bytes...), anticoll[4])...))
	m.Handle(selectFrame)

	resp := m.Handle(AppendCRCA([]byte{Halt, 0x00}))
	if resp != nil {
		t.Fatalf("expected silence on HALT, got %x", resp)
	}
	if m.State() != Halted {
		t.Fatalf("expected HALTED state, got %s", m.State())
	}

	// a further I-Block should be ignored while halted.
	resp = m.Handle(AppendCRCA([]byte{0x02, 0xAA}))
	if resp != nil {
		t.Fatalf("expected no response while halted, got %x", resp)
	}
}

func TestRBlockAckNakToggle(t *testing.T) {
	uid := UID{Bytes: []byte{0xAA, 0xBB, 0xCC, 0xDD}, SAK: 0x08}
	m := NewMachine(uid, []byte{0x00}, echoHandler)
	m.FieldOn()
	m.Handle([]byte{ReqA})
	anticoll := m.Handle([]byte{0x93, 0x20})
	selectFrame := AppendCRCA(append([]byte{0x93, 0x70}, append(append([]byte{}, uid.Bytes...), anticoll[4])...))
	m.Handle(selectFrame)

	resp := m.Handle(AppendCRCA([]byte{RBlockAck}))
	if !CheckCRCA(resp) || resp[0] != RBlockNak {
		t.Fatalf("expected R(NAK) in response to R(ACK), got %x", resp)
	}
}

func TestDeselectEndsInHalted(t *testing.T) {
	uid := UID{Bytes: []byte{0xAA, 0xBB, 0xCC, 0xDD}, SAK: 0x08}
	m := NewMachine(uid, []byte{0x00}, echoHandler)
	m.FieldOn()
	m.Handle([]byte{ReqA})
	anticoll := m.Handle([]byte{0x93, 0x20})
	selectFrame := AppendCRCA(append([]byte{0x93, 0x70}, append(append([]byte{}, uid.Bytes...), anticoll[4])...))
	m.Handle(selectFrame)

	resp := m.Handle(AppendCRCA([]byte{SDeselect}))
	if !CheckCRCA(resp) || resp[0] != SDeselect {
		t.Fatalf("expected S(DESELECT) echo, got %x", resp)
	}
	if m.State() != Halted {
		t.Fatalf("expected HALTED after DESELECT, got %s", m.State())
	}
}
