// Package-level LRP (Leakage-Resilient Primitive) support, NXP AN12304.
// Ported from the Proxmark3 client's lrpcrypto.c:
// LRPContext's plaintext/updated-key generation (Algorithms
// 1-2), the core LRP evaluation function (Algorithm 3), counter increment,
// block encode/decode (Algorithms 4-5), and LRP-CMAC (Algorithm 6)
// including its DESFire-style odd-byte 8-byte truncation (LRPCMAC8).
package desfire

import (
	"bytes"
	"crypto/aes"
	"encoding/binary"
	"hash/crc32"

	"github.com/barnettlynn/pm3core/pkg/pm3err"
)

const (
	lrpMaxPlaintexts  = 16
	lrpMaxUpdatedKeys = 4
)

var (
	lrpConstAA = bytes16(0xAA)
	lrpConst55 = bytes16(0x55)
	lrpConst00 = bytes16(0x00)
)

func bytes16(b byte) []byte {
	out := make([]byte, 16)
	for i := range out {
		out[i] = b
	}
	return out
}

// aesBlockEncrypt and aesBlockDecrypt are thin wrappers over crypto/aes's
// raw single-block ECB operation, matching lrpcrypto.c's aes_encode(NULL,
// key, in, out, 16) calls (a NULL IV/context there means a bare ECB block
// op, not CBC chaining).
func aesBlockEncrypt(key, in []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err) // key length is fixed at 16 by every caller in this file
	}
	out := make([]byte, 16)
	block.Encrypt(out, in)
	return out
}

func aesBlockDecrypt(key, in []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	out := make([]byte, 16)
	block.Decrypt(out, in)
	return out
}

// LRPContext holds one LRP key schedule: the pre-computed plaintext and
// updated-key tables Algorithms 1-2 derive from the master key, plus the
// running nibble counter Encode/Decode advance.
type LRPContext struct {
	key           []byte
	plaintexts    [][]byte
	updatedKeys   [][]byte
	useUpdatedKey int
	useBitPadding bool
	counter       []byte
	counterNibs   int
}

// NewLRPContext derives a full LRP key schedule from a 16-byte AES key,
// matching LRPSetKeyEx.
func NewLRPContext(key []byte, updatedKeyNum int, useBitPadding bool) *LRPContext {
	ctx := &LRPContext{key: append([]byte{}, key...), useUpdatedKey: updatedKeyNum, useBitPadding: useBitPadding}
	ctx.generatePlaintexts(lrpMaxPlaintexts)
	ctx.generateUpdatedKeys(lrpMaxUpdatedKeys)
	ctx.counter = make([]byte, 16)
	ctx.counterNibs = 32
	return ctx
}

// SetCounter overrides the running nibble counter (e.g. to the transaction
// counter EV2 commands embed), matching LRPSetCounter.
func (ctx *LRPContext) SetCounter(counter []byte, nibbles int) {
	ctx.counter = append([]byte{}, counter...)
	ctx.counterNibs = nibbles
}

// generatePlaintexts implements AN12304 Algorithm 1.
func (ctx *LRPContext) generatePlaintexts(count int) {
	h := append([]byte{}, ctx.key...)
	ctx.plaintexts = make([][]byte, count)
	for i := 0; i < count; i++ {
		h = aesBlockEncrypt(h, lrpConst55)
		ctx.plaintexts[i] = aesBlockEncrypt(h, lrpConstAA)
	}
}

// generateUpdatedKeys implements AN12304 Algorithm 2.
func (ctx *LRPContext) generateUpdatedKeys(count int) {
	h := aesBlockEncrypt(ctx.key, lrpConstAA)
	ctx.updatedKeys = make([][]byte, count)
	for i := 0; i < count; i++ {
		ctx.updatedKeys[i] = aesBlockEncrypt(h, lrpConstAA)
		h = aesBlockEncrypt(h, lrpConst55)
	}
}

// evalLRP implements AN12304 Algorithm 3: the leakage-resilient evaluation
// function over an IV expressed as a nibble sequence.
func (ctx *LRPContext) evalLRP(iv []byte, ivNibbles int, final bool) []byte {
	y := append([]byte{}, ctx.updatedKeys[ctx.useUpdatedKey]...)
	for i := 0; i < ivNibbles; i++ {
		var nk byte
		if i%2 == 1 {
			nk = iv[i/2] & 0x0f
		} else {
			nk = (iv[i/2] >> 4) & 0x0f
		}
		y = aesBlockEncrypt(y, ctx.plaintexts[nk])
	}
	if final {
		y = aesBlockEncrypt(y, lrpConst00)
	}
	return y
}

// incCounter implements LRPIncCounter: a big-endian nibble-wise increment.
func incCounter(ctr []byte, nibbles int) {
	carry := true
	for i := nibbles - 1; i >= 0 && carry; i-- {
		var nk byte
		if i%2 == 1 {
			nk = ctr[i/2] & 0x0f
		} else {
			nk = (ctr[i/2] >> 4) & 0x0f
		}
		nk++
		carry = nk > 0xf
		if i%2 == 1 {
			ctr[i/2] = (ctr[i/2] & 0xf0) | (nk & 0x0f)
		} else {
			ctr[i/2] = (ctr[i/2] & 0x0f) | ((nk << 4) & 0xf0)
		}
	}
}

// Encode implements AN12304 Algorithm 4: block-by-block LRP-OFB-style
// encryption, advancing the context's counter once per output block.
func (ctx *LRPContext) Encode(data []byte) []byte {
	padded := append([]byte{}, data...)
	if ctx.useBitPadding {
		padded = append(padded, 0x80)
	}
	if rem := len(padded) % 16; rem != 0 {
		padded = append(padded, make([]byte, 16-rem)...)
	}
	out := make([]byte, 0, len(padded))
	for i := 0; i < len(padded); i += 16 {
		y := ctx.evalLRP(ctx.counter, ctx.counterNibs, true)
		block := aesBlockEncrypt(y, padded[i:i+16])
		out = append(out, block...)
		incCounter(ctx.counter, ctx.counterNibs)
	}
	return out
}

// Decode implements AN12304 Algorithm 5, stripping the 0x80-then-zero bit
// padding Encode applies when useBitPadding is set.
func (ctx *LRPContext) Decode(data []byte) []byte {
	if len(data)%16 != 0 {
		return nil
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i += 16 {
		y := ctx.evalLRP(ctx.counter, ctx.counterNibs, true)
		block := aesBlockDecrypt(y, data[i:i+16])
		out = append(out, block...)
		incCounter(ctx.counter, ctx.counterNibs)
	}
	if ctx.useBitPadding {
		for i := len(out) - 1; i >= len(out)-16 && i >= 0; i-- {
			if out[i] == 0x80 {
				out = out[:i]
				break
			}
			if out[i] != 0x00 {
				break
			}
		}
	}
	return out
}

// genSubkeys implements LRPGenSubkeys: the CMAC subkey derivation over
// GF(2^128) with reduction polynomial x^128+x^7+x^2+x+1 (Rb=0x87).
func genSubkeys(key []byte) (sk1, sk2 []byte) {
	ctx := NewLRPContext(key, 0, true)
	y := ctx.evalLRP(lrpConst00, 32, true)
	sk1 = mulPolyX(y)
	sk2 = mulPolyX(sk1)
	return sk1, sk2
}

func mulPolyX(in []byte) []byte {
	out := append([]byte{}, in...)
	carry := shiftLeft1(out)
	if carry {
		out[15] ^= 0x87
	}
	return out
}

func shiftLeft1(data []byte) bool {
	carry := false
	for i := len(data) - 1; i >= 0; i-- {
		v := data[i]
		newCarry := (v & 0x80) != 0
		data[i] = (v << 1)
		if carry {
			data[i] |= 1
		}
		carry = newCarry
	}
	return carry
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// LRPCMAC implements AN12304 Algorithm 6: LRP-based CMAC over an AES-128
// key schedule, returning the full 16-byte tag.
func LRPCMAC(key, data []byte) []byte {
	ctx := NewLRPContext(key, 1, true)
	sk1, sk2 := genSubkeys(key)

	y := make([]byte, 16)
	clen := 0
	for clen+16 < len(data) {
		block := data[clen : clen+16]
		xorInto(y, block)
		y = ctx.evalLRP(y, 32, true)
		clen += 16
	}

	blLen := len(data) - clen
	bl := make([]byte, 16)
	copy(bl, data[clen:])

	if blLen == 16 {
		xorInto(y, bl)
		xorInto(y, sk1)
	} else {
		bl[blLen] = 0x80
		xorInto(y, bl)
		xorInto(y, sk2)
	}
	return ctx.evalLRP(y, 32, true)
}

// LRPCMAC8 truncates LRPCMAC to DESFire's 8 odd-indexed bytes, matching
// LRPCMAC8.
func LRPCMAC8(key, data []byte) []byte {
	full := LRPCMAC(key, data)
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = full[i*2+1]
	}
	return out
}

// AuthenticateLRP runs the AES-only EV2First challenge-response handshake
// (native command 0x71, same wire format authenticateLegacy's EV2 sibling
// uses) and establishes an LRP session on ctx instead of a plain EV2 one.
// NXP AN12304 reuses EV2First's outer CBC-encrypted challenge regardless of
// which session type it negotiates; only the derived keys' later use as an
// LRP key schedule instead of a CBC session key differs.
func AuthenticateLRP(card Card, ctx *Context, key []byte, keyNo byte) error {
	if err := AuthenticateEV2First(card, ctx, key, keyNo); err != nil {
		return err
	}
	ctx.Channel = ChannelLRP
	ctx.LRP = NewLRPContext(ctx.SessionEnc, 1, true)
	return nil
}

// lrpCounterBlock builds the 16-byte LRP counter block EncodeCommandLRP and
// DecodeResponseLRP seed per command: TI in bytes 0-3 and the running
// command counter (plus one for a response) from byte 4, with no EV2-style
// A5 5A / 5A A5 marker (evaluated through LRP's nibble-wise counter rather
// than an AES-ECB IV derivation).
func lrpCounterBlock(ctx *Context, forResponse bool) []byte {
	blk := make([]byte, 16)
	copy(blk[0:4], ctx.TI)
	cntr := ctx.CmdCntr
	if forResponse {
		cntr++
	}
	blk[4] = byte(cntr)
	blk[5] = byte(cntr >> 8)
	return blk
}

// EncodeCommandLRP builds the secured APDU body for one command under an
// LRP session, mirroring EncodeCommand's structure (CRC32, ISO padding,
// then an 8-byte LRP-CMAC) but using LRPContext.Encode instead of CBC.
func EncodeCommandLRP(ctx *Context, cmd byte, header, payload []byte) ([]byte, error) {
	if err := requireAuthenticated(ctx); err != nil {
		return nil, err
	}
	body := payload
	if ctx.CommMode == CommEncrypted && len(payload) > 0 {
		sum := crc32.ChecksumIEEE(payload)
		withCRC := make([]byte, len(payload)+4)
		copy(withCRC, payload)
		binary.LittleEndian.PutUint32(withCRC[len(payload):], sum)
		ctx.LRP.SetCounter(lrpCounterBlock(ctx, false), 32)
		body = ctx.LRP.Encode(withCRC)
	}

	out := append(append([]byte{cmd}, header...), body...)
	if ctx.CommMode == CommMACed || ctx.CommMode == CommEncrypted {
		mac := LRPCMAC8(ctx.SessionMAC, macInput(ctx, cmd, header, body))
		out = append(out, mac...)
	}
	return out, nil
}

// DecodeResponseLRP verifies and, if encrypted, decrypts a command's
// response under an LRP session, advancing ctx.CmdCntr on success like
// DecodeResponse does for EV2.
func DecodeResponseLRP(ctx *Context, cmd byte, sw byte, resp []byte) ([]byte, error) {
	if sw != 0x00 && sw != 0xAF {
		return nil, pm3err.WrapSW(uint16(sw), "desfire: command 0x%02X failed", cmd)
	}

	payload := resp
	if ctx.CommMode == CommMACed || ctx.CommMode == CommEncrypted {
		macLen := ctx.MACLength()
		if len(resp) < macLen {
			return nil, pm3err.New(pm3err.ECardExchange, "desfire: response shorter than its MAC")
		}
		payload = resp[:len(resp)-macLen]
		gotMAC := resp[len(resp)-macLen:]

		var buf bytes.Buffer
		buf.WriteByte(sw)
		var cntr [2]byte
		binary.LittleEndian.PutUint16(cntr[:], ctx.CmdCntr+1)
		buf.Write(cntr[:])
		buf.Write(ctx.TI)
		buf.Write(payload)

		wantMAC := LRPCMAC8(ctx.SessionMAC, buf.Bytes())
		if !bytes.Equal(wantMAC, gotMAC) {
			ctx.Reset()
			return nil, pm3err.New(pm3err.ECardExchange, "desfire: response MAC mismatch")
		}
	}

	out := payload
	if ctx.CommMode == CommEncrypted && len(payload) > 0 {
		ctx.LRP.SetCounter(lrpCounterBlock(ctx, true), 32)
		dec := ctx.LRP.Decode(payload)
		if len(dec) < 4 {
			return nil, pm3err.New(pm3err.ECardExchange, "desfire: decrypted response shorter than its CRC")
		}
		out = dec[:len(dec)-4]
	}

	ctx.CmdCntr++
	return out, nil
}
