package bigbuf

import (
	"testing"
)

func TestMallocAlignmentAndBounds(t *testing.T) {
	a := New(64)
	sizes := []int{1, 5, 7, 20}
	var chunks [][]byte
	for _, n := range sizes {
		c := a.Malloc(n)
		if c == nil {
			t.Fatalf("malloc(%d) returned nil unexpectedly", n)
		}
		if len(c)%4 != 0 {
			t.Fatalf("malloc(%d): chunk length %d not 4-aligned", n, len(c))
		}
		chunks = append(chunks, c)
	}
	// total requested rounds to 4+8+8+20 = 40, leaving 24 free.
	if a.MaxTraceLen() != 24 {
		t.Fatalf("expected 24 bytes free, got %d", a.MaxTraceLen())
	}
	// chunks must not overlap: write a sentinel into each and check isolation.
	for i, c := range chunks {
		for j := range c {
			c[j] = byte(i + 1)
		}
	}
	for i, c := range chunks {
		for j, b := range c {
			if b != byte(i+1) {
				t.Fatalf("chunk %d overwritten at offset %d", i, j)
			}
		}
	}
}

func TestMallocReturnsNilWhenExhausted(t *testing.T) {
	a := New(16)
	if c := a.Malloc(12); c == nil {
		t.Fatalf("expected first malloc to succeed")
	}
	if c := a.Malloc(8); c != nil {
		t.Fatalf("expected malloc to fail once remaining space is insufficient, got %d bytes", len(c))
	}
}

func TestFreeKeepEMPreservesEmulatorRegion(t *testing.T) {
	a := New(64)
	em := a.GetEMAddr(16)
	if em == nil {
		t.Fatalf("expected emulator region to be allocated")
	}
	em[0] = 0xAB
	a.Malloc(8) // transient allocation above EM region
	a.FreeKeepEM()
	if a.MaxTraceLen() != 64-16 {
		t.Fatalf("expected high-water reset to just above EM region, got %d", a.MaxTraceLen())
	}
	em2 := a.GetEMAddr(16)
	if em2[0] != 0xAB {
		t.Fatalf("expected EM region contents preserved across FreeKeepEM")
	}
}

func TestFreeResetsEverything(t *testing.T) {
	a := New(32)
	a.GetEMAddr(8)
	a.Malloc(4)
	a.Free()
	if a.MaxTraceLen() != 32 {
		t.Fatalf("expected full arena free after Free(), got %d", a.MaxTraceLen())
	}
	// EM region must be reallocated at a fresh location after Free.
	em := a.GetEMAddr(8)
	if em == nil {
		t.Fatalf("expected EM region to be reallocatable after Free")
	}
}

func TestAppendTraceStopsAtCapacity(t *testing.T) {
	a := New(16)
	ok := a.AppendTrace(make([]byte, 10))
	if !ok {
		t.Fatalf("expected first append to succeed")
	}
	ok = a.AppendTrace(make([]byte, 10))
	if ok {
		t.Fatalf("expected second append to be rejected (would exceed capacity)")
	}
	if a.Tracing() {
		t.Fatalf("expected tracing to auto-disable once the arena fills")
	}
}
