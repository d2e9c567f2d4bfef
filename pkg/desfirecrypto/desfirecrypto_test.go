package desfirecrypto

import (
	"bytes"
	"crypto/aes"
	"encoding/hex"
	"testing"
)

func TestAESCBCRoundTrip(t *testing.T) {
	key, _ := hex.DecodeString("000102030405060708090A0B0C0D0E0F")
	iv := make([]byte, 16)
	plain := PadISO9797M2([]byte("hello desfire"))

	enc, err := AESCBCEncrypt(key, iv, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	dec, err := AESCBCDecrypt(key, iv, enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Fatalf("round trip mismatch: got %x want %x", dec, plain)
	}
}

func TestISO9797M2PadUnpad(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01},
		make([]byte, 16),
		{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F},
	}
	for _, c := range cases {
		padded := PadISO9797M2(c)
		if len(padded)%16 != 0 {
			t.Fatalf("padded length %d not block aligned for input len %d", len(padded), len(c))
		}
		unpadded, err := UnpadISO9797M2(padded)
		if err != nil {
			t.Fatalf("unpad: %v", err)
		}
		if !bytes.Equal(unpadded, c) {
			t.Fatalf("unpad mismatch: got %x want %x", unpadded, c)
		}
	}
}

// TestCMACSubkeyDerivationProperty verifies the NIST SP800-38B subkey
// construction algebraically: K1/K2 derived from L = E(K,0) via
// left-shift and conditional XOR with Rb.
func TestCMACSubkeyDerivationProperty(t *testing.T) {
	key, _ := hex.DecodeString("00112233445566778899AABBCCDDEEFF")
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	k1, k2 := generateCMACSubkeys(block)

	zero := make([]byte, 16)
	L := make([]byte, 16)
	block.Encrypt(L, zero)

	wantK1 := make([]byte, 16)
	leftShift1(wantK1, L)
	if L[0]&0x80 != 0 {
		wantK1[15] ^= 0x87
	}
	if !bytes.Equal(k1, wantK1) {
		t.Fatalf("K1 does not match its own defining construction: got %x want %x", k1, wantK1)
	}

	wantK2 := make([]byte, 16)
	leftShift1(wantK2, k1)
	if k1[0]&0x80 != 0 {
		wantK2[15] ^= 0x87
	}
	if !bytes.Equal(k2, wantK2) {
		t.Fatalf("K2 does not match its own defining construction: got %x want %x", k2, wantK2)
	}
}

func TestAESCMAC8TruncationPicksOddBytes(t *testing.T) {
	key, _ := hex.DecodeString("000102030405060708090A0B0C0D0E0F")
	full, err := AESCMAC(key, []byte("some message to mac"))
	if err != nil {
		t.Fatalf("cmac: %v", err)
	}
	trunc := TruncateOddBytes(full)
	for i := 0; i < 8; i++ {
		if trunc[i] != full[1+i*2] {
			t.Fatalf("truncated byte %d mismatch: got %x want %x", i, trunc[i], full[1+i*2])
		}
	}
}

func TestTripleDESKeyExpansion(t *testing.T) {
	single := make([]byte, 8)
	for i := range single {
		single[i] = byte(i + 1)
	}
	k, err := NewTripleDESKey(single)
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	if len(k.key24) != 24 {
		t.Fatalf("expected single-length key to expand to 24 bytes, got %d", len(k.key24))
	}
	if !bytes.Equal(k.key24[:8], k.key24[16:24]) {
		t.Fatalf("expected K1||K2||K1 expansion, K3 does not match K1")
	}
}

func TestTripleDESCBCRoundTrip(t *testing.T) {
	key16 := make([]byte, 16)
	for i := range key16 {
		key16[i] = byte(i)
	}
	k, err := NewTripleDESKey(key16)
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	iv := make([]byte, 8)
	plain := []byte("12345678abcdefgh") // 16 bytes, 2 DES blocks

	enc, err := k.CBCEncrypt(iv, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	dec, err := k.CBCDecrypt(iv, enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Fatalf("round trip mismatch: got %q want %q", dec, plain)
	}
}

func TestDeriveEV2SessionKeysDeterministic(t *testing.T) {
	key := make([]byte, 16)
	rndA := make([]byte, 16)
	rndB := make([]byte, 16)
	for i := range rndA {
		rndA[i] = byte(i)
		rndB[i] = byte(0xF0 + i)
	}

	kenc1, kmac1, err := DeriveEV2SessionKeys(key, rndA, rndB)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	kenc2, kmac2, err := DeriveEV2SessionKeys(key, rndA, rndB)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(kenc1, kenc2) || !bytes.Equal(kmac1, kmac2) {
		t.Fatalf("session key derivation is not deterministic for identical inputs")
	}
	if bytes.Equal(kenc1, kmac1) {
		t.Fatalf("ENC and MAC session keys must differ (distinct SV1/SV2 vectors)")
	}
	if len(kenc1) != 16 || len(kmac1) != 16 {
		t.Fatalf("expected 16-byte AES-128 session keys, got %d/%d", len(kenc1), len(kmac1))
	}
}
