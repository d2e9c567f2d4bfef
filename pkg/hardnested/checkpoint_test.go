package hardnested

import (
	"path/filepath"
	"testing"
)

func TestCheckpointSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces.db")
	cp, err := OpenCheckpoint(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cp.Close()

	want := []Nonce{{Enc: 0x11223344, ParEnc: 0x5}, {Enc: 0xAABBCCDD, ParEnc: 0xA}}
	for _, n := range want {
		if err := cp.Save(n); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := cp.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d nonces, got %d", len(want), len(got))
	}
	seen := map[uint32]uint8{}
	for _, n := range got {
		seen[n.Enc] = n.ParEnc
	}
	for _, n := range want {
		if seen[n.Enc] != n.ParEnc {
			t.Fatalf("nonce %08X: got ParEnc %#x, want %#x", n.Enc, seen[n.Enc], n.ParEnc)
		}
	}
}

func TestCheckpointLoadOnFreshDBIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces.db")
	cp, err := OpenCheckpoint(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cp.Close()

	got, err := cp.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no nonces in a fresh checkpoint db, got %d", len(got))
	}
}
