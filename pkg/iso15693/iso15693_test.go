package iso15693

import (
	"bytes"
	"testing"
)

func TestReader1of4RoundTrip(t *testing.T) {
	frames := [][]byte{
		{0x26, 0x01, 0x00},
		{0x00},
		{0xFF, 0xA5, 0x5A, 0x3C},
		BuildInventoryRequest(),
	}
	for _, f := range frames {
		bits := EncodeReader1of4(f)
		got := DecodeReader1of4(bits)
		if !bytes.Equal(got, f) {
			t.Fatalf("1-of-4 round trip mismatch: sent % X got % X", f, got)
		}
	}
}

func TestReader1of256RoundTrip(t *testing.T) {
	f := []byte{0x00, 0x7F, 0x80, 0xFF}
	bits := EncodeReader1of256(f)
	got := DecodeReader1of256(bits)
	if !bytes.Equal(got, f) {
		t.Fatalf("1-of-256 round trip mismatch: sent % X got % X", f, got)
	}
}

func TestTagFrameRoundTrip(t *testing.T) {
	uid := []byte{0x32, 0x4B, 0x03, 0x01, 0x00, 0x10, 0x05, 0xE0}
	resp := BuildInventoryResponse(0x00, uid)
	samples := EncodeTagFrame(resp)
	got := DecodeTagFrame(samples)
	if !bytes.Equal(got, resp) {
		t.Fatalf("tag Manchester round trip mismatch: sent % X got % X", resp, got)
	}
}

func TestBuildInventoryRequestMatchesFirmwareLayout(t *testing.T) {
	// BuildIdentifyRequest composes flags (1<<2)|(1<<5)|(1<<1) = 0x26,
	// command 0x01, empty mask, then the CRC over those three bytes.
	req := BuildInventoryRequest()
	if len(req) != 5 {
		t.Fatalf("expected a 5-byte inventory request, got % X", req)
	}
	if req[0] != 0x26 || req[1] != 0x01 || req[2] != 0x00 {
		t.Fatalf("unexpected inventory request prefix: % X", req[:3])
	}
	if !CheckCRC(req) {
		t.Fatalf("inventory request CRC does not verify")
	}
}

func TestBuildReadBlockRequestLayout(t *testing.T) {
	uid := []byte{0x32, 0x4B, 0x03, 0x01, 0x00, 0x10, 0x05, 0xE0}
	req := BuildReadBlockRequest(uid, 7)
	if len(req) != 13 {
		t.Fatalf("expected a 13-byte read request, got %d bytes", len(req))
	}
	if req[0] != 0x62 { // (1<<6)|(1<<5)|(1<<1)
		t.Fatalf("expected option+address+rate flags 0x62, got %#x", req[0])
	}
	if req[1] != CmdReadBlock || !bytes.Equal(req[2:10], uid) || req[10] != 7 {
		t.Fatalf("unexpected read request layout: % X", req)
	}
	if !CheckCRC(req) {
		t.Fatalf("read request CRC does not verify")
	}
}

// fakeTag answers like a single ISO 15693 tag with a few writable blocks.
type fakeTag struct {
	uid    []byte
	blocks map[byte][]byte
	quiet  bool
}

func (f *fakeTag) Transceive(frame []byte) ([]byte, error) {
	if !CheckCRC(frame) {
		return nil, nil
	}
	body := frame[:len(frame)-2]
	switch body[1] {
	case CmdInventory:
		if f.quiet {
			return nil, nil
		}
		return BuildInventoryResponse(0x00, f.uid), nil
	case CmdSelect:
		return AppendCRC([]byte{0x00}), nil
	case CmdStayQuiet:
		f.quiet = true
		return AppendCRC([]byte{0x00}), nil
	case CmdReadBlock:
		block := body[10]
		data, ok := f.blocks[block]
		if !ok {
			return AppendCRC([]byte{0x01, 0x0F}), nil // error flag + code
		}
		resp := append([]byte{0x00, 0x00}, data...)
		return AppendCRC(resp), nil
	case CmdWriteBlock:
		block := body[10]
		f.blocks[block] = append([]byte(nil), body[11:]...)
		return AppendCRC([]byte{0x00}), nil
	}
	return AppendCRC([]byte{0x01, 0x01}), nil
}

func TestReaderInventorySelectReadWrite(t *testing.T) {
	tag := &fakeTag{
		uid:    []byte{0x32, 0x4B, 0x03, 0x01, 0x00, 0x10, 0x05, 0xE0},
		blocks: map[byte][]byte{3: {0xDE, 0xAD, 0xBE, 0xEF}},
	}
	r := NewReader(tag)

	uid, err := r.Inventory()
	if err != nil {
		t.Fatalf("Inventory: %v", err)
	}
	if !bytes.Equal(uid, tag.uid) {
		t.Fatalf("inventory UID = % X, want % X", uid, tag.uid)
	}

	if err := r.Select(); err != nil {
		t.Fatalf("Select: %v", err)
	}

	data, err := r.ReadBlock(3)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(data, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("ReadBlock = % X", data)
	}

	if err := r.WriteBlock(4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	back, err := r.ReadBlock(4)
	if err != nil {
		t.Fatalf("ReadBlock(4): %v", err)
	}
	if !bytes.Equal(back, []byte{1, 2, 3, 4}) {
		t.Fatalf("ReadBlock(4) = % X", back)
	}

	if _, err := r.ReadBlock(9); err == nil {
		t.Fatalf("expected an error for a missing block")
	}
}
