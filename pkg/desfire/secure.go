// Command/response encoding pipeline shared by the d40/EV1/EV2 channels:
// EV2's cmd||cmdCtr||TI MAC-input ordering and ECB-derived counter IV,
// d40's zero-IV-per-command/CRC16/4-byte-MAC framing, and EV1's
// CBC-chained IV/8-byte-MAC framing. LRP's structurally different
// counter-and-subkey chaining is not folded into this pipeline; see
// lrp.go.
package desfire

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/barnettlynn/pm3core/pkg/crc"
	"github.com/barnettlynn/pm3core/pkg/desfirecrypto"
	"github.com/barnettlynn/pm3core/pkg/pm3err"
)

func padISO9797M2(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

func unpadISO9797M2(data []byte) []byte {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 {
		return data
	}
	return data[:idx]
}

// commandIV computes the IV an encrypted command's payload is enciphered
// under, per channel: d40 resets to zero every command; EV1 chains the
// previous ciphertext's last block forward in ctx.IV; EV2 derives it from
// an AES-ECB pass over a counter/TI-embedded block (mirroring
// BuildSsmApdu's ivcIn layout: A5 5A TI(4) CmdCtr(2) 00...00).
func commandIV(ctx *Context) ([]byte, error) {
	bs := ctx.Algo.BlockSize()
	switch ctx.Channel {
	case ChannelD40:
		return make([]byte, bs), nil
	case ChannelEV1:
		if ctx.IV == nil {
			return make([]byte, bs), nil
		}
		return ctx.IV, nil
	case ChannelEV2:
		in := make([]byte, 16)
		in[0], in[1] = 0xA5, 0x5A
		copy(in[2:6], ctx.TI)
		binary.LittleEndian.PutUint16(in[6:8], ctx.CmdCntr)
		return desfirecrypto.AESECBEncrypt(ctx.SessionEnc, in)
	default:
		return nil, pm3err.New(pm3err.InvArg, "desfire: no command IV defined for this channel")
	}
}

// responseIV mirrors commandIV for decrypting the card's reply: d40 starts
// every reply from a zero IV, EV1 follows the chained-IV rule (ctx.IV
// carries the previous block forward), EV2 uses CmdCntr+1 and the swapped
// 5A A5 marker.
func responseIV(ctx *Context) ([]byte, error) {
	bs := ctx.Algo.BlockSize()
	switch ctx.Channel {
	case ChannelD40:
		return make([]byte, bs), nil
	case ChannelEV1:
		if ctx.IV == nil {
			return make([]byte, bs), nil
		}
		return ctx.IV, nil
	case ChannelEV2:
		in := make([]byte, 16)
		in[0], in[1] = 0x5A, 0xA5
		copy(in[2:6], ctx.TI)
		binary.LittleEndian.PutUint16(in[6:8], ctx.CmdCntr+1)
		return desfirecrypto.AESECBEncrypt(ctx.SessionEnc, in)
	default:
		return nil, pm3err.New(pm3err.InvArg, "desfire: no response IV defined for this channel")
	}
}

// macInput builds the CMAC input for a command, prefixing cmd||cmdCtr||TI
// for the counter-chained channels (EV2 and LRP) or just cmd for d40/EV1.
func macInput(ctx *Context, cmd byte, header, encOrPlain []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(cmd)
	if ctx.Channel == ChannelEV2 || ctx.Channel == ChannelLRP {
		var cntr [2]byte
		binary.LittleEndian.PutUint16(cntr[:], ctx.CmdCntr)
		buf.Write(cntr[:])
		buf.Write(ctx.TI)
	}
	buf.Write(header)
	buf.Write(encOrPlain)
	return buf.Bytes()
}

// truncateMAC applies each channel's truncation convention: d40 keeps the
// last 4 bytes of its 8-byte DES-block CMAC; EV1/EV2 under AES take the 8
// odd-indexed bytes of the 16-byte CMAC (DESFire's AES truncation); EV1
// under a DES-family cipher already computes an 8-byte block CMAC, which
// is the on-wire MAC length outright, so no further truncation applies.
func truncateMAC(ctx *Context, full []byte) []byte {
	if ctx.Channel == ChannelD40 {
		return full[len(full)-4:]
	}
	if ctx.Algo == AlgoAES {
		return desfirecrypto.TruncateOddBytes(full)[:ctx.MACLength()]
	}
	return full[:ctx.MACLength()]
}

// EncodeCommand builds the secured APDU body for one command: cmd,
// cleartext header, then the payload encrypted (if ctx.CommMode is
// CommEncrypted) or left plain, then a truncated CMAC (if CommMode is at
// least CommMACed).
func EncodeCommand(ctx *Context, cmd byte, header, payload []byte) ([]byte, error) {
	// Plain commands (free-read files, pre-auth selects) need no session;
	// anything MACed or encrypted does.
	if ctx.CommMode != CommPlain {
		if err := requireAuthenticated(ctx); err != nil {
			return nil, err
		}
	}
	bs := ctx.Algo.BlockSize()

	body := payload
	if ctx.CommMode == CommEncrypted && len(payload) > 0 {
		var withCRC []byte
		if ctx.Channel == ChannelD40 {
			withCRC = crc.AppendA(payload)
		} else {
			sum := crc32.ChecksumIEEE(payload)
			withCRC = make([]byte, len(payload)+4)
			copy(withCRC, payload)
			binary.LittleEndian.PutUint32(withCRC[len(payload):], sum)
		}
		padded := padISO9797M2(withCRC, bs)
		iv, err := commandIV(ctx)
		if err != nil {
			return nil, err
		}
		enc, err := cbcEncrypt(ctx.Algo, ctx.SessionEnc, iv, padded)
		if err != nil {
			return nil, err
		}
		if ctx.Channel == ChannelEV1 {
			ctx.IV = enc[len(enc)-bs:]
		}
		body = enc
	}

	out := append(append([]byte{cmd}, header...), body...)
	if ctx.CommMode == CommMACed || ctx.CommMode == CommEncrypted {
		full, err := cmacOf(ctx.Algo, ctx.SessionMAC, macInput(ctx, cmd, header, body))
		if err != nil {
			return nil, err
		}
		out = append(out, truncateMAC(ctx, full)...)
	}
	return out, nil
}

// DecodeResponse verifies and, if encrypted, decrypts a command's
// response. sw must already be the native status byte (0x00 OK, 0xAF more
// frames); any other value aborts without touching resp. Advances
// ctx.CmdCntr on EV2 sessions once the round trip completes successfully.
func DecodeResponse(ctx *Context, cmd byte, sw byte, resp []byte) ([]byte, error) {
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
		if ctx.Channel == ChannelEV2 {
			var cntr [2]byte
			binary.LittleEndian.PutUint16(cntr[:], ctx.CmdCntr+1)
			buf.Write(cntr[:])
			buf.Write(ctx.TI)
		}
		buf.Write(payload)

		full, err := cmacOf(ctx.Algo, ctx.SessionMAC, buf.Bytes())
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(truncateMAC(ctx, full), gotMAC) {
			ctx.Reset()
			return nil, pm3err.New(pm3err.ECardExchange, "desfire: response MAC mismatch")
		}
	}

	out := payload
	if ctx.CommMode == CommEncrypted && len(payload) > 0 {
		iv, err := responseIV(ctx)
		if err != nil {
			return nil, err
		}
		dec, err := cbcDecrypt(ctx.Algo, ctx.SessionEnc, iv, payload)
		if err != nil {
			return nil, err
		}
		if ctx.Channel == ChannelEV1 {
			ctx.IV = payload[len(payload)-ctx.Algo.BlockSize():]
		}
		withoutPad := unpadISO9797M2(dec)
		crcLen := 4
		if ctx.Channel == ChannelD40 {
			crcLen = 2 // d40 frames carry CRC16, not CRC32
		}
		if len(withoutPad) < crcLen {
			return nil, pm3err.New(pm3err.ECardExchange, "desfire: decrypted response shorter than its CRC")
		}
		out = withoutPad[:len(withoutPad)-crcLen]
	}

	if ctx.Channel == ChannelEV2 {
		ctx.CmdCntr++
	}
	return out, nil
}

// Chain drives a command that the card answered with the "additional
// frame" status (0xAF), repeatedly sending empty AF follow-ups until the
// status changes.
func Chain(card Card, sw byte, initial []byte) (full []byte, finalSW byte, err error) {
	full = append(full, initial...)
	for sw == 0xAF {
		resp, rawSW, terr := Transmit(card, cmdAdditionalFrame, nil)
		if terr != nil {
			return nil, 0, terr
		}
		sw = byte(rawSW)
		full = append(full, resp...)
	}
	return full, sw, nil
}
