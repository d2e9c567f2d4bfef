// Package seos implements the HID Seos secure-channel emulator: a
// DESFire-style SELECT/SELECT-OID/MUTUAL-AUTHENTICATE/GET-DATA ceremony
// tunnelled through ISO14443-A I-Blocks as ISO7816-4 APDUs. It implements
// iso14443a.AppHandler, so an *Emulator plugs directly into an
// iso14443a.Machine's WORK state the same way pkg/emvbridge.Bridge does.
//
// Follows the Proxmark3 firmware's seos.c (SimulateSeos: the
// per-command switch on the APDU instruction byte, the work-buffer byte
// layouts, and the seos_kdf/session-key-derivation sequencing) and
// its seos_cmd.h (the encryption/hashing
// algorithm constants and seos_emulate_req_t field shapes this package's
// Config mirrors).
package seos

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"

	"github.com/barnettlynn/pm3core/pkg/desfirecrypto"
)

// Encryption algorithm tags, matching seos_cmd.h's SEOS_ENCRYPTION_* values
// exactly (the on-wire CD-tag byte the card and reader negotiate over).
const (
	Enc2K3DES = 0x02
	Enc3K3DES = 0x03
	EncAES    = 0x09
)

// Hashing algorithm tags for session-key derivation, matching seos_cmd.h's
// SEOS_HASHING_* values.
const (
	HashSHA1   = 0x06
	HashSHA256 = 0x07
)

const (
	insSelectFile = 0xA4
	insSelectOID  = 0xA5
	insMutualAuth = 0x87
	insGetData    = 0xCB
	insPutData    = 0xDA
)

// AID is the fixed HID Seos application identifier (§6).
var AID = []byte{0xA0, 0x00, 0x00, 0x04, 0x40, 0x00, 0x01, 0x01, 0x00, 0x01}

func blockSize(algo byte) int {
	if algo == EncAES {
		return 16
	}
	return 8 // 2K3DES / 3K3DES
}

// Config is the per-card configuration an Emulator is provisioned with:
// the OID it answers to, its algorithm pair, the keys seos.c's
// seos_emulate_req_t packs into a single struct, and the one data object
// (tag + value) it serves over GET DATA.
type Config struct {
	EncAlgo byte
	HashAlg byte

	OID          []byte
	Diversifier  []byte
	PrivEnc      []byte // application-layer encryption key (used pre-session, during SELECT OID)
	PrivMAC      []byte // application-layer MAC key (used pre-session, during SELECT OID)
	AuthKey      []byte // master key fed into the AN10922-style KDF during MUTUAL AUTHENTICATE
	KeyICC       []byte // card-side half of the mutual-auth key material; zero if unset, matching the original's unset KEY_ICC
	DataTag      []byte // tag bytes GET DATA's requested object must match
	Data         []byte // the object's value
	RandomSource func(n int) []byte
}

// Emulator is the Seos application-layer state machine: AID/OID selection,
// mutual authentication, and a single encrypted GET DATA object. It
// implements iso14443a.AppHandler via Handle.
type Emulator struct {
	cfg Config

	aidSelected bool
	oidSelected bool
	authed      bool

	rndICC []byte
	rndIFD []byte

	sessionEnc []byte
	sessionMAC []byte
	counter    []byte
}

// rndSize is the fixed width of RND.ICC/RND.IFD, independent of the
// session's block cipher: seos.c's mutual-auth challenge always carries
// 8-byte nonces even under the AES-128 (16-byte block) algorithm.
const rndSize = 8

// New constructs an Emulator from cfg. RND.ICC defaults to an all-zero
// 8-byte nonce if cfg.RandomSource is nil, matching SimulateSeos's
// RND_ICC[8] = {0x00} (never re-rolled per session in the original
// firmware).
func New(cfg Config) *Emulator {
	e := &Emulator{cfg: cfg}
	if cfg.RandomSource != nil {
		e.rndICC = cfg.RandomSource(rndSize)
	} else {
		e.rndICC = make([]byte, rndSize)
	}
	return e
}

func (e *Emulator) keyICC() []byte {
	if e.cfg.KeyICC != nil {
		return e.cfg.KeyICC
	}
	return make([]byte, 16)
}

// Handle processes one APDU body (CLA, INS, P1, P2, [Lc, data...]) received
// as an I-Block payload and returns the response body (status word
// included), matching iso14443a.AppHandler.
func (e *Emulator) Handle(apdu []byte) ([]byte, error) {
	if len(apdu) < 4 {
		return swOnly(0x6A, 0x82), nil
	}
	ins := apdu[1]
	var lc int
	var data []byte
	if len(apdu) > 4 {
		lc = int(apdu[4])
		if 5+lc <= len(apdu) {
			data = apdu[5 : 5+lc]
		}
	}

	switch ins {
	case insSelectFile:
		return e.handleSelectFile(data), nil
	case insSelectOID:
		return e.handleSelectOID(data), nil
	case insMutualAuth:
		return e.handleMutualAuth(apdu, data), nil
	case insGetData:
		return e.handleGetOrPutData(apdu, data, false), nil
	case insPutData:
		return e.handleGetOrPutData(apdu, data, true), nil
	default:
		return swOnly(0x6A, 0x82), nil
	}
}

func swOnly(sw1, sw2 byte) []byte { return []byte{sw1, sw2} }

func appendSW(body []byte, sw1, sw2 byte) []byte {
	return append(append([]byte{}, body...), sw1, sw2)
}

// handleSelectFile answers SELECT FILE (AID), matching the GlobalPlatform
// FCI template seos.c builds: 6F len 84 len AID.
func (e *Emulator) handleSelectFile(aid []byte) []byte {
	if !bytes.Equal(aid, AID) {
		return swOnly(0x6A, 0x82)
	}
	e.aidSelected = true
	fci := []byte{0x6F, byte(len(aid) + 2), 0x84, byte(len(aid))}
	fci = append(fci, aid...)
	return appendSW(fci, 0x90, 0x00)
}

// handleSelectOID walks the TLV of 0x06 (OID) tags looking for a match,
// and if found emits the synthesized-IV cryptogram ceremony from §4.5.
func (e *Emulator) handleSelectOID(tlv []byte) []byte {
	if !e.aidSelected {
		return swOnly(0x6A, 0x82)
	}
	matched := false
	for off := 0; off+1 < len(tlv); {
		tag, length := tlv[off], int(tlv[off+1])
		off += 2
		if off+length > len(tlv) {
			break
		}
		value := tlv[off : off+length]
		if tag == 0x06 && length == len(e.cfg.OID) && bytes.Equal(value, e.cfg.OID) {
			matched = true
			break
		}
		off += length
	}
	if !matched {
		return swOnly(0x6A, 0x82)
	}

	bs := blockSize(e.cfg.EncAlgo)
	halfBS := bs / 2

	// Synthesized IV: half a block of (zero, per the original's
	// never-randomized cryptogram_iv) followed by half the CMAC of it.
	iv := make([]byte, bs)
	cmacOfZero, err := cmacFull(e.cfg.EncAlgo, e.cfg.PrivMAC, iv[:halfBS])
	if err != nil {
		return swOnly(0x6A, 0x82)
	}
	copy(iv[halfBS:], cmacOfZero[:halfBS])

	reply := make([]byte, 0, 0x30)
	reply = append(reply, 0x06, byte(len(e.cfg.OID)))
	reply = append(reply, e.cfg.OID...)
	reply = append(reply, 0xCF, byte(len(e.cfg.Diversifier)))
	reply = append(reply, e.cfg.Diversifier...)
	if len(reply) < 0x30 {
		reply = append(reply, make([]byte, 0x30-len(reply))...)
	}

	out := []byte{0xCD, 0x02, e.cfg.EncAlgo, e.cfg.HashAlg}
	cryptogram, err := cbcEncryptWithIV(e.cfg.EncAlgo, e.cfg.PrivEnc, iv, reply)
	if err != nil {
		return swOnly(0x6A, 0x82)
	}
	out = append(out, 0x85, byte(len(reply)+bs))
	out = append(out, iv...)
	out = append(out, cryptogram...)

	macIn := append([]byte{}, out...)
	mac, err := cmacFull(e.cfg.EncAlgo, e.cfg.PrivMAC, macIn)
	if err != nil {
		return swOnly(0x6A, 0x82)
	}
	out = append(out, 0x8E, 0x08)
	out = append(out, mac[:8]...)

	e.oidSelected = true
	return appendSW(out, 0x90, 0x00)
}

// handleMutualAuth implements both sub-cases of the MUTUAL AUTHENTICATE
// command: the RND.ICC request (inner tag 0x81) and the challenge
// cryptogram (inner tag 0x82), including the post-auth session-key
// derivation from SHA1/SHA256 over the two RND values and KEY.IFD/KEY.ICC.
func (e *Emulator) handleMutualAuth(apdu, body []byte) []byte {
	if !e.oidSelected || len(body) < 2 || body[0] != 0x7C {
		return swOnly(0x6A, 0x82)
	}
	inner := body[2:]
	if len(inner) < 1 {
		return swOnly(0x6A, 0x82)
	}

	switch inner[0] {
	case 0x81:
		out := []byte{0x7C, byte(len(e.rndICC) + 2), 0x81, byte(len(e.rndICC))}
		out = append(out, e.rndICC...)
		return appendSW(out, 0x90, 0x00)

	case 0x82:
		if len(inner) < 2 {
			return swOnly(0x6A, 0x82)
		}
		tlvLen := int(inner[1])
		payload := inner[2:]
		if tlvLen < 32 || tlvLen > len(payload) {
			return swOnly(0x6A, 0x82)
		}
		keyslot := byte(0)
		if len(apdu) > 3 {
			keyslot = apdu[3] // P2
		}

		diverEnc, err := kdf(true, e.cfg.AuthKey, keyslot, e.cfg.OID, e.cfg.Diversifier, e.cfg.EncAlgo, e.cfg.HashAlg)
		if err != nil {
			return swOnly(0x6A, 0x82)
		}
		diverMAC, err := kdf(false, e.cfg.AuthKey, keyslot, e.cfg.OID, e.cfg.Diversifier, e.cfg.EncAlgo, e.cfg.HashAlg)
		if err != nil {
			return swOnly(0x6A, 0x82)
		}

		requestLen := tlvLen - 8
		wantMAC, err := cmacFull(e.cfg.EncAlgo, diverMAC, payload[:requestLen])
		if err != nil || !bytes.Equal(wantMAC[:8], payload[requestLen:requestLen+8]) {
			return swOnly(0x6A, 0x82)
		}

		plain, err := cbcDecryptZeroIV(e.cfg.EncAlgo, diverEnc, payload[:requestLen])
		if err != nil || len(plain) < 32 {
			return swOnly(0x6A, 0x82)
		}
		if !bytes.Equal(e.rndICC, plain[8:16]) {
			return swOnly(0x6A, 0x82)
		}
		e.rndIFD = append([]byte{}, plain[0:8]...)
		keyIFD := append([]byte{}, plain[16:32]...)

		replyPlain := append(append(append([]byte{}, e.rndICC...), e.rndIFD...), e.keyICC()[:16]...)
		cipher, err := cbcEncryptZeroIV(e.cfg.EncAlgo, diverEnc, replyPlain)
		if err != nil {
			return swOnly(0x6A, 0x82)
		}
		replyMAC, err := cmacFull(e.cfg.EncAlgo, diverMAC, cipher)
		if err != nil {
			return swOnly(0x6A, 0x82)
		}
		reply := append(cipher, replyMAC[:8]...)

		out := []byte{0x7C, byte(len(reply) + 2), 0x82, byte(len(reply))}
		out = append(out, reply...)

		e.deriveSessionKeys(keyIFD, e.cfg.EncAlgo, e.cfg.HashAlg)
		e.authed = true
		return appendSW(out, 0x90, 0x00)

	default:
		return swOnly(0x6A, 0x82)
	}
}

// deriveSessionKeys computes the post-auth ENC/MAC session keys from
// SHA1(counter||KEY.IFD[0:8]||KEY.ICC[0:8]||encAlgo||encAlgo||RND.ICC||RND.IFD),
// incrementing the counter and hashing twice to fill 32 bytes when using
// SHA1, or a single SHA256 when hashAlgo says so.
func (e *Emulator) deriveSessionKeys(keyIFD []byte, encAlgo, hashAlgo byte) {
	keyICC := e.keyICC()
	input := make([]byte, 0, 38)
	input = append(input, 0x00, 0x00, 0x00, 0x01)
	input = append(input, keyIFD[:8]...)
	input = append(input, keyICC[:8]...)
	input = append(input, encAlgo, encAlgo)
	input = append(input, e.rndICC...)
	input = append(input, e.rndIFD...)

	var out []byte
	switch hashAlgo {
	case HashSHA1:
		h1 := sha1.Sum(input)
		input[3]++
		h2 := sha1.Sum(input)
		out = append(append([]byte{}, h1[:]...), h2[:]...)
	default: // HashSHA256
		h := sha256.Sum256(input)
		out = h[:]
	}
	e.sessionEnc = append([]byte{}, out[0:16]...)
	e.sessionMAC = append([]byte{}, out[16:32]...)

	bs := blockSize(encAlgo)
	halfBS := bs / 2
	e.counter = make([]byte, bs)
	copy(e.counter[:halfBS], e.rndICC[:halfBS])
	copy(e.counter[halfBS:], e.rndIFD[:halfBS])
}

func incrementCounter(c []byte) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]++
		if c[i] != 0 {
			break
		}
	}
}

// handleGetOrPutData serves the single configured data object (GET) or
// rejects writes (PUT is unimplemented, matching seos.c's TODO), verifying
// the request CMAC/cryptogram under the session keys derived in
// handleMutualAuth and replying with a freshly incremented-counter CMAC.
func (e *Emulator) handleGetOrPutData(apdu, tlv []byte, isPut bool) []byte {
	if !e.authed {
		return swOnly(0x6A, 0x82)
	}
	var cryptogram, recvdMAC []byte
	cmacOffset := -1
	for off := 0; off+1 < len(tlv); {
		tag, length := tlv[off], int(tlv[off+1])
		if off+2+length > len(tlv) {
			break
		}
		value := tlv[off+2 : off+2+length]
		if tag == 0x85 {
			cryptogram = value
		} else if tag == 0x8E {
			recvdMAC = value
			cmacOffset = off
		}
		off += 2 + length
	}
	if cryptogram == nil || recvdMAC == nil || cmacOffset < 0 {
		return swOnly(0x6A, 0x82)
	}

	bs := blockSize(e.cfg.EncAlgo)
	incrementCounter(e.counter)

	macIn := append([]byte{}, e.counter...)
	header := make([]byte, bs)
	copy(header, apdu[0:4])
	header[4] = 0x80
	macIn = append(macIn, header...)
	macIn = append(macIn, tlv[:cmacOffset]...)
	macIn = pad80(macIn, roundUp(len(macIn), bs))

	wantMAC, err := cmacFull(e.cfg.EncAlgo, e.sessionMAC, macIn)
	if err != nil || !bytes.Equal(wantMAC[:len(recvdMAC)], recvdMAC) {
		return swOnly(0x6A, 0x82)
	}

	request, err := cbcDecryptZeroIV(e.cfg.EncAlgo, e.sessionEnc, cryptogram)
	if err != nil {
		return swOnly(0x6A, 0x82)
	}

	if isPut {
		return swOnly(0x6A, 0x82)
	}
	if len(request) < 2 || request[0] != 0x5C {
		return swOnly(0x6A, 0x82)
	}
	tagLen := int(request[1])
	if tagLen != len(e.cfg.DataTag) || !bytes.Equal(request[2:2+tagLen], e.cfg.DataTag) {
		return swOnly(0x6A, 0x82)
	}

	reply := append([]byte{}, e.cfg.DataTag...)
	reply = append(reply, byte(len(e.cfg.Data)))
	reply = append(reply, e.cfg.Data...)
	replyLen := roundUp(len(reply), bs)
	reply = pad80(reply, replyLen)

	cryptOut, err := cbcEncryptZeroIV(e.cfg.EncAlgo, e.sessionEnc, reply)
	if err != nil {
		return swOnly(0x6A, 0x82)
	}

	out := []byte{0x85, byte(len(cryptOut))}
	out = append(out, cryptOut...)
	out = append(out, 0x99, 0x02, 0x90, 0x00)

	incrementCounter(e.counter)
	macIn2 := append([]byte{}, e.counter...)
	macIn2 = append(macIn2, out...)
	macIn2 = pad80(macIn2, roundUp(len(macIn2), bs))
	replyMAC, err := cmacFull(e.cfg.EncAlgo, e.sessionMAC, macIn2)
	if err != nil {
		return swOnly(0x6A, 0x82)
	}
	out = append(out, 0x8E, byte(len(recvdMAC)))
	out = append(out, replyMAC[:len(recvdMAC)]...)

	return appendSW(out, 0x90, 0x00)
}

func roundUp(n, step int) int {
	if n%step == 0 {
		return n
	}
	return n + step - n%step
}

// pad80 appends 0x80 then zero-pads data up to length, matching the
// memset-then-overwrite padding seos.c uses throughout (equivalent to
// ISO9797-M2 padding up to a caller-chosen target length rather than the
// next block boundary).
func pad80(data []byte, length int) []byte {
	if len(data) >= length {
		return data[:length]
	}
	out := make([]byte, length)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// kdf is the AN10922-style key-derivation function seos.c's seos_kdf
// builds: a fixed 19-byte header (key-type marker at offset 11, 0x80 0x01
// at 14-15, encAlgo/hashAlgo/keyslot at 16-18) followed by the OID and
// diversifier, always fed through AES-CMAC regardless of the session's own
// encryption algorithm.
func kdf(forEncryption bool, masterKey []byte, keyslot byte, oid, diversifier []byte, encAlgo, hashAlgo byte) ([]byte, error) {
	typeOfKey := byte(0x06)
	if forEncryption {
		typeOfKey = 0x04
	}
	buf := make([]byte, 19+len(oid)+len(diversifier))
	buf[11] = typeOfKey
	buf[14] = 0x80
	buf[15] = 0x01
	buf[16] = encAlgo
	buf[17] = hashAlgo
	buf[18] = keyslot
	copy(buf[19:], oid)
	copy(buf[19+len(oid):], diversifier)
	return desfirecrypto.AESCMAC(masterKey, buf)
}

// cmacFull computes the full (untruncated) CMAC of msg under the given
// Seos encryption algorithm: 16 bytes for AES, 8 bytes for 2K3DES/3K3DES.
// Callers truncate with a plain byte-prefix, not DESFire's odd-byte
// scheme.
func cmacFull(algo byte, key, msg []byte) ([]byte, error) {
	if algo == EncAES {
		return desfirecrypto.AESCMAC(key, msg)
	}
	tdes, err := desfirecrypto.NewTripleDESKey(key)
	if err != nil {
		return nil, err
	}
	return tdes.CMAC(msg)
}

func cbcEncryptWithIV(algo byte, key, iv, data []byte) ([]byte, error) {
	if algo == EncAES {
		return desfirecrypto.AESCBCEncrypt(key, iv, data)
	}
	tdes, err := desfirecrypto.NewTripleDESKey(key)
	if err != nil {
		return nil, err
	}
	return tdes.CBCEncrypt(iv, data)
}

func cbcEncryptZeroIV(algo byte, key, data []byte) ([]byte, error) {
	return cbcEncryptWithIV(algo, key, make([]byte, blockSize(algo)), data)
}

func cbcDecryptZeroIV(algo byte, key, data []byte) ([]byte, error) {
	iv := make([]byte, blockSize(algo))
	if algo == EncAES {
		return desfirecrypto.AESCBCDecrypt(key, iv, data)
	}
	tdes, err := desfirecrypto.NewTripleDESKey(key)
	if err != nil {
		return nil, err
	}
	return tdes.CBCDecrypt(iv, data)
}
