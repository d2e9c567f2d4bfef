package trace

import (
	"bytes"
	"testing"
)

func TestAppendDecodeRoundTrip(t *testing.T) {
	a := Entry{
		TimestampStart: 0x00000100,
		Duration:       0x0010,
		Data:           []byte{0x5A, 0x5A},
		Parity:         []byte{0x80},
		ReaderToTag:    true,
	}
	b := Entry{
		TimestampStart: 0x00000120,
		Duration:       0x0008,
		Data:           []byte{0xA1, 0xA2, 0xA3},
		Parity:         []byte{0x40},
		ReaderToTag:    false,
	}

	buf := make([]byte, EncodedLen(len(a.Data))+EncodedLen(len(b.Data)))
	n1, err := Append(buf, a)
	if err != nil {
		t.Fatalf("append a: %v", err)
	}
	n2, err := Append(buf[n1:], b)
	if err != nil {
		t.Fatalf("append b: %v", err)
	}

	got := Decode(buf[:n1+n2])
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].TimestampStart != a.TimestampStart || !got[0].ReaderToTag {
		t.Fatalf("entry A mismatch: %+v", got[0])
	}
	if !bytes.Equal(got[0].Data, a.Data) || !bytes.Equal(got[0].Parity, a.Parity) {
		t.Fatalf("entry A data/parity mismatch: %+v", got[0])
	}
	if got[1].TimestampStart != b.TimestampStart || got[1].ReaderToTag {
		t.Fatalf("entry B mismatch: %+v", got[1])
	}
	if !bytes.Equal(got[1].Data, b.Data) || !bytes.Equal(got[1].Parity, b.Parity) {
		t.Fatalf("entry B data/parity mismatch: %+v", got[1])
	}
}

func TestDecodeStopsOnTruncatedTail(t *testing.T) {
	a := Entry{TimestampStart: 1, Duration: 1, Data: []byte{0x11, 0x22}, Parity: []byte{0x00}, ReaderToTag: true}
	buf := make([]byte, EncodedLen(len(a.Data)))
	n, err := Append(buf, a)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	// truncate mid second entry's header.
	truncated := append(buf[:n], 0x00, 0x01, 0x02)
	got := Decode(truncated)
	if len(got) != 1 {
		t.Fatalf("expected only the complete entry to decode, got %d entries", len(got))
	}
}

func TestNumParityBytes(t *testing.T) {
	cases := []struct {
		dataLen int
		want    int
	}{
		{0, 0}, {1, 1}, {8, 1}, {9, 2}, {16, 2}, {17, 3},
	}
	for _, c := range cases {
		if got := NumParityBytes(c.dataLen); got != c.want {
			t.Fatalf("NumParityBytes(%d) = %d, want %d", c.dataLen, got, c.want)
		}
	}
}
