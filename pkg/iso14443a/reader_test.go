package iso14443a

import (
	"bytes"
	"testing"
)

func machineFor(uidBytes []byte, sak byte, ats []byte) MachineTransceiver {
	m := NewMachine(UID{Bytes: uidBytes, SAK: sak}, ats, echoHandler)
	m.FieldOn()
	return MachineTransceiver{M: m}
}

func TestSelectCascadeAgainstEmulatedCard(t *testing.T) {
	cases := []struct {
		name string
		uid  []byte
	}{
		{"single", []byte{0x11, 0x22, 0x33, 0x44}},
		{"double", []byte{0x04, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66}},
		{"triple", []byte{0x04, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trx := machineFor(tc.uid, 0x08, []byte{0x00})
			sel, err := Select(trx, false)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if !bytes.Equal(sel.UID, tc.uid) {
				t.Fatalf("selected UID = % X, want % X", sel.UID, tc.uid)
			}
			if sel.SAK != 0x08 {
				t.Fatalf("SAK = %#x, want 0x08", sel.SAK)
			}
			if sel.ATS != nil {
				t.Fatalf("expected no ATS for a non-ISO14443-4 SAK, got % X", sel.ATS)
			}
			if trx.M.State() != Work {
				t.Fatalf("card should be in WORK after select, got %s", trx.M.State())
			}
		})
	}
}

func TestSelectFetchesATSWhenSAKSaysISO14443v4(t *testing.T) {
	ats := []byte{0x05, 0x78, 0x77, 0x80, 0x02}
	trx := machineFor([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x20, ats)
	sel, err := Select(trx, false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !bytes.Equal(sel.ATS, ats) {
		t.Fatalf("ATS = % X, want % X", sel.ATS, ats)
	}
}

func TestHaltAAgainstEmulatedCard(t *testing.T) {
	trx := machineFor([]byte{0x11, 0x22, 0x33, 0x44}, 0x08, []byte{0x00})
	if _, err := Select(trx, false); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := HaltA(trx); err != nil {
		t.Fatalf("HaltA: %v", err)
	}
	if trx.M.State() != Halted {
		t.Fatalf("expected HALTED after HaltA, got %s", trx.M.State())
	}
}

func TestMillerRoundTrips(t *testing.T) {
	for _, b := range []byte{ReqA, WupA} {
		data, bits, ok := DecodeMiller(EncodeMillerShort(b))
		if !ok || bits != 7 || len(data) != 1 || data[0] != b {
			t.Fatalf("short Miller round trip of %#x failed: data=% X bits=%d ok=%t", b, data, bits, ok)
		}
	}

	frames := [][]byte{
		{0x93, 0x20},
		AppendCRCA([]byte{0xE0, 0x80}),
		{0x00, 0xFF, 0xA5, 0x5A},
	}
	for _, f := range frames {
		data, bits, ok := DecodeMiller(EncodeMillerFrame(f))
		if !ok || !bytes.Equal(data, f) || bits != len(f)*9 {
			t.Fatalf("Miller round trip of % X failed: data=% X bits=%d ok=%t", f, data, bits, ok)
		}
	}
}

func TestMillerRejectsTruncatedStream(t *testing.T) {
	slots := EncodeMillerFrame([]byte{0x42, 0x43})
	// Cut the last three Miller sequences (the final parity bit, the end
	// bit and the idle marker), leaving a non-frame-aligned bit count.
	_, _, ok := DecodeMiller(slots[:len(slots)-12])
	if ok {
		t.Fatalf("expected a truncated Miller stream to fail decoding")
	}
}

func TestManchesterRoundTrips(t *testing.T) {
	frames := [][]byte{
		{0x04, 0x00},                          // ATQA
		AppendCRCA([]byte{0x08}),              // SAK
		{0x11, 0x22, 0x33, 0x44, 0x44},        // UID + BCC
		AppendCRCA([]byte{0x02, 0x90, 0x00}),  // I-Block
	}
	for _, f := range frames {
		data, ok := DecodeManchester(EncodeManchesterFrame(f))
		if !ok || !bytes.Equal(data, f) {
			t.Fatalf("Manchester round trip of % X failed: data=% X ok=%t", f, data, ok)
		}
	}
}

func TestManchesterRejectsParityDamage(t *testing.T) {
	slots := EncodeManchesterFrame([]byte{0x42})
	// The parity cell is the 9th cell after the SOC: flip it.
	off := 2 + 8*2
	slots[off], slots[off+1] = slots[off+1], slots[off]
	if _, ok := DecodeManchester(slots); ok {
		t.Fatalf("expected a parity-damaged Manchester stream to fail decoding")
	}
}
