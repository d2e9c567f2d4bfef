package seos

import (
	"bytes"
	"testing"
)

func testConfig() Config {
	return Config{
		EncAlgo:     EncAES,
		HashAlg:     HashSHA256,
		OID:         []byte{0x21, 0x02, 0x01},
		Diversifier: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		PrivEnc:     bytes.Repeat([]byte{0xAA}, 16),
		PrivMAC:     bytes.Repeat([]byte{0xBB}, 16),
		AuthKey:     bytes.Repeat([]byte{0xCC}, 16),
		DataTag:     []byte{0x9B},
		Data:        []byte{0x01, 0x02, 0x03, 0x04},
	}
}

func selectFileAPDU() []byte {
	apdu := []byte{0x00, insSelectFile, 0x04, 0x00, byte(len(AID))}
	return append(apdu, AID...)
}

func TestHandleSelectFileAcceptsConfiguredAID(t *testing.T) {
	e := New(testConfig())
	resp := mustHandle(t, e, selectFileAPDU())
	want := append([]byte{0x6F, 0x0C, 0x84, 0x0A}, AID...)
	want = append(want, 0x90, 0x00)
	if !bytes.Equal(resp, want) {
		t.Fatalf("SELECT AID reply = % X, want % X", resp, want)
	}
}

func TestHandleSelectFileRejectsWrongAID(t *testing.T) {
	e := New(testConfig())
	apdu := append([]byte{0x00, insSelectFile, 0x04, 0x00, 0x03}, 0x01, 0x02, 0x03)
	resp := mustHandle(t, e, apdu)
	if !bytes.Equal(resp, []byte{0x6A, 0x82}) {
		t.Fatalf("expected file-not-found SW, got %x", resp)
	}
}

func TestHandleSelectOIDBeforeAIDSelectedFails(t *testing.T) {
	e := New(testConfig())
	cfg := testConfig()
	tlv := append([]byte{0x06, byte(len(cfg.OID))}, cfg.OID...)
	apdu := append([]byte{0x00, insSelectOID, 0x00, 0x00, byte(len(tlv))}, tlv...)
	resp := mustHandle(t, e, apdu)
	if !bytes.Equal(resp, []byte{0x6A, 0x82}) {
		t.Fatalf("expected SELECT OID before AID selected to fail, got %x", resp)
	}
}

func selectOID(t *testing.T, e *Emulator, cfg Config) []byte {
	t.Helper()
	mustHandle(t, e, selectFileAPDU())
	tlv := append([]byte{0x06, byte(len(cfg.OID))}, cfg.OID...)
	apdu := append([]byte{0x00, insSelectOID, 0x00, 0x00, byte(len(tlv))}, tlv...)
	return mustHandle(t, e, apdu)
}

func TestHandleSelectOIDSucceedsAndEmitsCMACedCryptogram(t *testing.T) {
	cfg := testConfig()
	e := New(cfg)
	resp := selectOID(t, e, cfg)
	if resp[len(resp)-2] != 0x90 || resp[len(resp)-1] != 0x00 {
		t.Fatalf("expected success SW, got %x", resp[len(resp)-2:])
	}
	if resp[0] != 0xCD || resp[1] != 0x02 {
		t.Fatalf("expected a CD-tagged algorithm header, got %x", resp[:4])
	}
	if !e.oidSelected {
		t.Fatalf("expected oidSelected to be set after a matching OID")
	}
}

func TestHandleSelectOIDRejectsUnknownOID(t *testing.T) {
	cfg := testConfig()
	e := New(cfg)
	mustHandle(t, e, selectFileAPDU())
	tlv := []byte{0x06, 0x03, 0x99, 0x99, 0x99}
	apdu := append([]byte{0x00, insSelectOID, 0x00, 0x00, byte(len(tlv))}, tlv...)
	resp := mustHandle(t, e, apdu)
	if !bytes.Equal(resp, []byte{0x6A, 0x82}) {
		t.Fatalf("expected rejection of an unmatched OID, got %x", resp)
	}
}

// performMutualAuth drives both sub-cases of MUTUAL AUTHENTICATE end to
// end, as a reader implementation would, and returns the emulator in its
// post-auth state.
func performMutualAuth(t *testing.T, e *Emulator, cfg Config) {
	t.Helper()
	selectOID(t, e, cfg)

	rndReq := []byte{0x00, insMutualAuth, 0x00, 0x00, 0x04, 0x7C, 0x02, 0x81, 0x00}
	resp := mustHandle(t, e, rndReq)
	if resp[0] != 0x7C || resp[2] != 0x81 {
		t.Fatalf("expected a tagged RND.ICC reply, got %x", resp)
	}
	rndLen := int(resp[3])
	rndICC := append([]byte{}, resp[4:4+rndLen]...)

	rndIFD := bytes.Repeat([]byte{0x11}, rndLen)
	keyIFD := bytes.Repeat([]byte{0x22}, 16)
	plain := append(append(append([]byte{}, rndIFD...), rndICC...), keyIFD...)

	diverEnc, err := kdf(true, cfg.AuthKey, 0x00, cfg.OID, cfg.Diversifier, cfg.EncAlgo, cfg.HashAlg)
	if err != nil {
		t.Fatalf("kdf(enc): %v", err)
	}
	diverMAC, err := kdf(false, cfg.AuthKey, 0x00, cfg.OID, cfg.Diversifier, cfg.EncAlgo, cfg.HashAlg)
	if err != nil {
		t.Fatalf("kdf(mac): %v", err)
	}
	cipher, err := cbcEncryptZeroIV(cfg.EncAlgo, diverEnc, plain)
	if err != nil {
		t.Fatalf("encrypt challenge: %v", err)
	}
	mac, err := cmacFull(cfg.EncAlgo, diverMAC, cipher)
	if err != nil {
		t.Fatalf("mac challenge: %v", err)
	}
	challenge := append(append([]byte{}, cipher...), mac[:8]...)

	inner := append([]byte{0x82, byte(len(challenge))}, challenge...)
	body := append([]byte{0x7C, byte(len(inner))}, inner...)
	apdu := append([]byte{0x00, insMutualAuth, 0x00, 0x00, byte(len(body))}, body...)

	authResp := mustHandle(t, e, apdu)
	if authResp[len(authResp)-2] != 0x90 || authResp[len(authResp)-1] != 0x00 {
		t.Fatalf("expected successful mutual authentication, got %x", authResp)
	}
	if !e.authed {
		t.Fatalf("expected the emulator to record a successful authentication")
	}
}

func TestMutualAuthenticateDerivesSessionKeys(t *testing.T) {
	cfg := testConfig()
	e := New(cfg)
	performMutualAuth(t, e, cfg)

	if len(e.sessionEnc) != 16 || len(e.sessionMAC) != 16 {
		t.Fatalf("expected 16-byte session keys, got enc=%d mac=%d", len(e.sessionEnc), len(e.sessionMAC))
	}
	if bytes.Equal(e.sessionEnc, e.sessionMAC) {
		t.Fatalf("expected distinct session ENC/MAC keys")
	}
}

func TestMutualAuthenticateSHA1Variant(t *testing.T) {
	cfg := testConfig()
	cfg.HashAlg = HashSHA1
	e := New(cfg)
	performMutualAuth(t, e, cfg)
	if len(e.sessionEnc) != 16 || len(e.sessionMAC) != 16 {
		t.Fatalf("expected 16-byte session keys under SHA1 derivation too")
	}
}

func TestGetDataRoundTripAfterAuthentication(t *testing.T) {
	cfg := testConfig()
	e := New(cfg)
	performMutualAuth(t, e, cfg)

	bs := blockSize(cfg.EncAlgo)
	counterBefore := append([]byte{}, e.counter...)
	wantCounter := append([]byte{}, counterBefore...)
	incrementCounter(wantCounter)

	req := append([]byte{0x5C, byte(len(cfg.DataTag))}, cfg.DataTag...)
	req = pad80(req, roundUp(len(req), bs))
	cryptogram, err := cbcEncryptZeroIV(cfg.EncAlgo, e.sessionEnc, req)
	if err != nil {
		t.Fatalf("encrypt request: %v", err)
	}

	header := make([]byte, bs)
	header[0], header[1], header[2], header[3] = 0x00, insGetData, 0x00, 0x00
	header[4] = 0x80

	macIn := append([]byte{}, wantCounter...)
	macIn = append(macIn, header...)
	tlvPrefix := append([]byte{0x85, byte(len(cryptogram))}, cryptogram...)
	macIn = append(macIn, tlvPrefix...)
	macIn = pad80(macIn, roundUp(len(macIn), bs))
	mac, err := cmacFull(cfg.EncAlgo, e.sessionMAC, macIn)
	if err != nil {
		t.Fatalf("mac request: %v", err)
	}

	tlv := append(append([]byte{}, tlvPrefix...), 0x8E, 0x08)
	tlv = append(tlv, mac[:8]...)
	apdu := append([]byte{0x00, insGetData, 0x00, 0x00, byte(len(tlv))}, tlv...)

	resp := mustHandle(t, e, apdu)
	if resp[len(resp)-2] != 0x90 || resp[len(resp)-1] != 0x00 {
		t.Fatalf("expected successful GET DATA, got %x", resp)
	}
	if resp[0] != 0x85 {
		t.Fatalf("expected a cryptogram TLV in the response, got %x", resp)
	}

	respLen := int(resp[1])
	respCrypt := resp[2 : 2+respLen]
	plain, err := cbcDecryptZeroIV(cfg.EncAlgo, e.sessionEnc, respCrypt)
	if err != nil {
		t.Fatalf("decrypt response: %v", err)
	}
	if !bytes.Equal(plain[:len(cfg.DataTag)], cfg.DataTag) {
		t.Fatalf("expected the response cryptogram to start with the data tag, got %x", plain)
	}
	dataLen := int(plain[len(cfg.DataTag)])
	got := plain[len(cfg.DataTag)+1 : len(cfg.DataTag)+1+dataLen]
	if !bytes.Equal(got, cfg.Data) {
		t.Fatalf("expected the configured data value, got %x want %x", got, cfg.Data)
	}
}

func TestPutDataIsUnimplemented(t *testing.T) {
	cfg := testConfig()
	e := New(cfg)
	performMutualAuth(t, e, cfg)

	tlv := []byte{0x85, 0x02, 0x00, 0x00, 0x8E, 0x08, 0, 0, 0, 0, 0, 0, 0, 0}
	apdu := append([]byte{0x00, insPutData, 0x00, 0x00, byte(len(tlv))}, tlv...)
	resp := mustHandle(t, e, apdu)
	if !bytes.Equal(resp, []byte{0x6A, 0x82}) {
		t.Fatalf("expected PUT DATA to be refused, got %x", resp)
	}
}

func mustHandle(t *testing.T, e *Emulator, apdu []byte) []byte {
	t.Helper()
	resp, err := e.Handle(apdu)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return resp
}
