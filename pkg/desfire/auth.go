// Authentication handshakes for all four DESFire secure channels:
// EV2First's two-phase encrypted-challenge exchange with SV1/SV2 session
// derivation, and the CBC-chained legacy/EV1 handshake desfirecrypto.h's
// DesfireSecureChannel enum (DACd40/DACEV1/DACEV2/DACLRP) names. The
// chained-IV construction follows the classic DESFire/libfreefare mutual
// authentication protocol that header's own attribution comment points
// to.
package desfire

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/barnettlynn/pm3core/pkg/pm3err"
)

const (
	cmdAuthenticateLegacy  = 0x0A // d40: plain DES / 2TDEA
	cmdAuthenticateISO     = 0x1A // EV1: 2K3DES / 3K3DES
	cmdAuthenticateAES     = 0xAA // EV1: AES-128
	cmdAuthenticateEV2First = 0x71
	cmdAdditionalFrame     = 0xAF
)

// randSource is swappable so tests can supply a deterministic RndA instead
// of crypto/rand.
type randSource func(n int) ([]byte, error)

func cryptoRandSource(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// authenticateLegacy runs the CBC-chained challenge-response handshake
// shared by d40 and EV1: the card's encrypted RndB is decrypted, folded
// with a fresh RndA into a CBC-chained reply (IV carried forward from the
// previous ciphertext block, not reset to zero), and the card's rotated
// RndA echo is verified against what was sent.
func authenticateLegacy(card Card, cmd byte, algo Algorithm, key []byte, keyNo byte, nonceLen int, rnd randSource) (rndA, rndB []byte, err error) {
	bs := algo.BlockSize()
	resp1, sw, err := Transmit(card, cmd, []byte{keyNo})
	if err != nil {
		return nil, nil, err
	}
	if sw != StatusAdditionalFr || len(resp1) != nonceLen {
		return nil, nil, pm3err.New(pm3err.ECardExchange, fmt.Sprintf("desfire: auth phase 1 failed (SW=%04X len=%d)", sw, len(resp1)))
	}

	iv := make([]byte, bs)
	rndB, err = cbcDecrypt(algo, key, iv, resp1)
	if err != nil {
		return nil, nil, err
	}
	iv = resp1[len(resp1)-bs:]

	rndA, err = rnd(nonceLen)
	if err != nil {
		return nil, nil, err
	}
	plain2 := append(append([]byte{}, rndA...), rotateLeft1(rndB)...)
	enc2, err := cbcEncrypt(algo, key, iv, plain2)
	if err != nil {
		return nil, nil, err
	}
	iv = enc2[len(enc2)-bs:]

	resp2, sw, err := Transmit(card, cmdAdditionalFrame, enc2)
	if err != nil {
		return nil, nil, err
	}
	if sw != StatusOK || len(resp2) != nonceLen {
		return nil, nil, pm3err.New(pm3err.ECardExchange, fmt.Sprintf("desfire: auth phase 2 failed (SW=%04X len=%d)", sw, len(resp2)))
	}

	rndAPrimeRot, err := cbcDecrypt(algo, key, iv, resp2)
	if err != nil {
		return nil, nil, err
	}
	rndAPrime := rotateRight1(rndAPrimeRot)
	if !bytes.Equal(rndAPrime, rndA) {
		return nil, nil, pm3err.New(pm3err.ECardExchange, "desfire: RndA mismatch, authentication failed")
	}
	return rndA, rndB, nil
}

// AuthenticateD40 performs the legacy single-DES/2TDEA mutual
// authentication (native command 0x0A) and establishes a d40 session on
// ctx.
func AuthenticateD40(card Card, ctx *Context, key []byte, keyNo byte) error {
	rndA, rndB, err := authenticateLegacy(card, cmdAuthenticateLegacy, AlgoDES, key, keyNo, 8, cryptoRandSource)
	if err != nil {
		return err
	}
	sessKey, err := DeriveD40SessionKey(rndA, rndB)
	if err != nil {
		return err
	}
	ctx.KeyNum = int(keyNo)
	ctx.Algo = AlgoDES
	ctx.Channel = ChannelD40
	ctx.CommMode = CommPlain
	ctx.SessionEnc = sessKey
	ctx.SessionMAC = sessKey
	ctx.IV = make([]byte, AlgoDES.BlockSize())
	ctx.authenticated = true
	return nil
}

// AuthenticateEV1 performs the EV1 mutual authentication (native command
// 0x1A for 2K3DES/3K3DES, 0xAA for AES) and establishes an EV1 session on
// ctx.
func AuthenticateEV1(card Card, ctx *Context, algo Algorithm, key []byte, keyNo byte) error {
	cmd := byte(cmdAuthenticateISO)
	if algo == AlgoAES {
		cmd = cmdAuthenticateAES
	}
	rndA, rndB, err := authenticateLegacy(card, cmd, algo, key, keyNo, 16, cryptoRandSource)
	if err != nil {
		return err
	}
	sessKey, err := DeriveEV1SessionKey(rndA, rndB)
	if err != nil {
		return err
	}
	ctx.KeyNum = int(keyNo)
	ctx.Algo = algo
	ctx.Channel = ChannelEV1
	ctx.CommMode = CommPlain
	ctx.SessionEnc = sessKey
	ctx.SessionMAC = sessKey
	ctx.IV = make([]byte, algo.BlockSize())
	ctx.authenticated = true
	return nil
}

// AuthenticateEV2First performs the AES-only EV2First two-phase encrypted
// challenge handshake (native command 0x71) and establishes an EV2 session
// on ctx, including the transaction identifier EV2's counter-chained MAC
// input requires.
func AuthenticateEV2First(card Card, ctx *Context, key []byte, keyNo byte) error {
	apdu1 := []byte{keyNo, 0x00}
	resp1, sw, err := Transmit(card, cmdAuthenticateEV2First, apdu1)
	if err != nil {
		return err
	}
	if sw != StatusAdditionalFr || len(resp1) != 16 {
		return pm3err.New(pm3err.ECardExchange, fmt.Sprintf("desfire: EV2First phase 1 failed (SW=%04X len=%d)", sw, len(resp1)))
	}

	iv0 := make([]byte, 16)
	rndB, err := cbcDecrypt(AlgoAES, key, iv0, resp1)
	if err != nil {
		return err
	}

	rndA, err := cryptoRandSource(16)
	if err != nil {
		return err
	}
	rndBRot := rotateLeft1(rndB)
	rndAB := append(append([]byte{}, rndA...), rndBRot...)
	rndABEnc, err := cbcEncrypt(AlgoAES, key, iv0, rndAB)
	if err != nil {
		return err
	}

	resp2, sw, err := Transmit(card, cmdAdditionalFrame, rndABEnc)
	if err != nil {
		return err
	}
	if sw != StatusOK || len(resp2) != 32 {
		return pm3err.New(pm3err.ECardExchange, fmt.Sprintf("desfire: EV2First phase 2 failed (SW=%04X len=%d)", sw, len(resp2)))
	}

	dec, err := cbcDecrypt(AlgoAES, key, iv0, resp2)
	if err != nil {
		return err
	}
	ti := append([]byte{}, dec[:4]...)
	rndARot := dec[4:20]
	if !bytes.Equal(rotateRight1(rndARot), rndA) {
		return pm3err.New(pm3err.ECardExchange, "desfire: EV2First RndA check failed")
	}

	sessionEnc, sessionMAC, err := DeriveEV2SessionKeys(key, rndA, rndB)
	if err != nil {
		return err
	}

	ctx.KeyNum = int(keyNo)
	ctx.Algo = AlgoAES
	ctx.Channel = ChannelEV2
	ctx.CommMode = CommPlain
	ctx.SessionEnc = sessionEnc
	ctx.SessionMAC = sessionMAC
	ctx.TI = ti
	ctx.CmdCntr = 0
	ctx.IV = make([]byte, 16)
	ctx.authenticated = true
	return nil
}
