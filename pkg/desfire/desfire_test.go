package desfire

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/barnettlynn/pm3core/pkg/desfirecrypto"
)

func crc32Append(data []byte) []byte {
	sum := crc32.ChecksumIEEE(data)
	out := make([]byte, len(data)+4)
	copy(out, data)
	binary.LittleEndian.PutUint32(out[len(data):], sum)
	return out
}

// fakeCard simulates the card side of one of the three legacy/EV1/EV2
// mutual-authentication handshakes, so AuthenticateD40/EV1/EV2First can be
// exercised end-to-end against deterministic RndB without a real reader.
type fakeCard struct {
	algo    Algorithm
	key     []byte
	rndB    []byte
	nonceLn int
	ev2     bool

	phase int
	rndA  []byte
	ti    []byte
}

func (c *fakeCard) Transmit(apdu []byte) ([]byte, error) {
	cmd := apdu[1]
	dataLen := int(apdu[4])
	data := apdu[5 : 5+dataLen]

	switch {
	case c.phase == 0 && !c.ev2 && (cmd == cmdAuthenticateLegacy || cmd == cmdAuthenticateISO || cmd == cmdAuthenticateAES):
		iv := make([]byte, c.algo.BlockSize())
		enc, err := cbcEncrypt(c.algo, c.key, iv, c.rndB)
		if err != nil {
			return nil, err
		}
		c.phase = 1
		return append(enc, 0x91, 0xAF), nil

	case c.phase == 0 && c.ev2 && cmd == cmdAuthenticateEV2First:
		iv := make([]byte, 16)
		enc, err := cbcEncrypt(AlgoAES, c.key, iv, c.rndB)
		if err != nil {
			return nil, err
		}
		c.phase = 1
		return append(enc, 0x91, 0xAF), nil

	case c.phase == 1 && cmd == cmdAdditionalFrame && !c.ev2:
		bs := c.algo.BlockSize()
		iv := make([]byte, bs)
		// Recompute the same first ciphertext to recover its last block as
		// chaining IV, mirroring authenticateLegacy's own bookkeeping.
		enc1, _ := cbcEncrypt(c.algo, c.key, iv, c.rndB)
		iv = enc1[len(enc1)-bs:]

		plain, err := cbcDecrypt(c.algo, c.key, iv, data)
		if err != nil {
			return nil, err
		}
		c.rndA = append([]byte{}, plain[:c.nonceLn]...)
		rndBRot := plain[c.nonceLn:]
		if !bytes.Equal(rndBRot, rotateLeft1(c.rndB)) {
			return []byte{0x91, 0x1E}, nil
		}
		iv = data[len(data)-bs:]
		rndARot := rotateLeft1(c.rndA)
		enc2, err := cbcEncrypt(c.algo, c.key, iv, rndARot)
		if err != nil {
			return nil, err
		}
		c.phase = 2
		return append(enc2, 0x91, 0x00), nil

	case c.phase == 1 && cmd == cmdAdditionalFrame && c.ev2:
		iv := make([]byte, 16)
		enc1, _ := cbcEncrypt(AlgoAES, c.key, iv, c.rndB)
		_ = enc1

		plain, err := cbcDecrypt(AlgoAES, c.key, iv, data)
		if err != nil {
			return nil, err
		}
		rndA := append([]byte{}, plain[:16]...)
		rndBRot := plain[16:]
		if !bytes.Equal(rndBRot, rotateLeft1(c.rndB)) {
			return []byte{0x91, 0x1E}, nil
		}
		c.ti = []byte{0x11, 0x22, 0x33, 0x44}
		rndARot := rotateLeft1(rndA)
		// TI(4) || RndA'(16) followed by 12 bytes of PDcap2/reserved data
		// AuthenticateEV2First never reads, padding the reply to the
		// required two-block (32-byte) length.
		reply := append(append([]byte{}, c.ti...), rndARot...)
		reply = append(reply, make([]byte, 12)...)
		enc2, err := cbcEncrypt(AlgoAES, c.key, iv, reply)
		if err != nil {
			return nil, err
		}
		c.phase = 2
		return append(enc2, 0x91, 0x00), nil
	}
	return []byte{0x91, 0x7E}, nil
}

func TestAuthenticateD40EstablishesSession(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 8)
	card := &fakeCard{algo: AlgoDES, key: key, rndB: []byte{1, 2, 3, 4, 5, 6, 7, 8}, nonceLn: 8}

	ctx := &Context{}
	if err := AuthenticateD40(card, ctx, key, 0); err != nil {
		t.Fatalf("AuthenticateD40: %v", err)
	}
	if !ctx.IsAuthenticated() {
		t.Fatal("expected authenticated session")
	}
	if ctx.Channel != ChannelD40 {
		t.Fatalf("channel = %v, want ChannelD40", ctx.Channel)
	}
	if len(ctx.SessionEnc) != 16 || !bytes.Equal(ctx.SessionEnc, ctx.SessionMAC) {
		t.Fatalf("unexpected session key: %x", ctx.SessionEnc)
	}
}

func TestAuthenticateEV1AESEstablishesSession(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, 16)
	card := &fakeCard{algo: AlgoAES, key: key, rndB: bytes.Repeat([]byte{0x02}, 16), nonceLn: 16}

	ctx := &Context{}
	if err := AuthenticateEV1(card, ctx, AlgoAES, key, 0); err != nil {
		t.Fatalf("AuthenticateEV1: %v", err)
	}
	if ctx.Channel != ChannelEV1 {
		t.Fatalf("channel = %v, want ChannelEV1", ctx.Channel)
	}
	if len(ctx.SessionEnc) != 16 {
		t.Fatalf("session key length = %d, want 16", len(ctx.SessionEnc))
	}
}

func TestAuthenticateEV2FirstEstablishesSessionAndTI(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, 16)
	card := &fakeCard{key: key, rndB: bytes.Repeat([]byte{0x03}, 16), ev2: true}

	ctx := &Context{}
	if err := AuthenticateEV2First(card, ctx, key, 0); err != nil {
		t.Fatalf("AuthenticateEV2First: %v", err)
	}
	if ctx.Channel != ChannelEV2 {
		t.Fatalf("channel = %v, want ChannelEV2", ctx.Channel)
	}
	if !bytes.Equal(ctx.TI, []byte{0x11, 0x22, 0x33, 0x44}) {
		t.Fatalf("TI = %x, want 11223344", ctx.TI)
	}
	if ctx.CmdCntr != 0 {
		t.Fatalf("CmdCntr = %d, want 0", ctx.CmdCntr)
	}
}

func TestEncodeCommandEV2ProducesDecryptableBody(t *testing.T) {
	ctx := &Context{
		Channel:       ChannelEV2,
		Algo:          AlgoAES,
		CommMode:      CommEncrypted,
		SessionEnc:    bytes.Repeat([]byte{0x44}, 16),
		SessionMAC:    bytes.Repeat([]byte{0x55}, 16),
		TI:            []byte{0xAA, 0xBB, 0xCC, 0xDD},
		authenticated: true,
	}
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	cmd := byte(0x5A)
	header := []byte{0x00}

	encoded, err := EncodeCommand(ctx, cmd, header, payload)
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	// cmd(1) || header(1) || ciphertext(16, one padded block) || MAC(8).
	if len(encoded) != 1+1+16+8 {
		t.Fatalf("encoded length = %d, want 26", len(encoded))
	}

	cipherBody := encoded[2:18]
	iv, err := commandIV(ctx)
	if err != nil {
		t.Fatalf("commandIV: %v", err)
	}
	plain, err := cbcDecrypt(AlgoAES, ctx.SessionEnc, iv, cipherBody)
	if err != nil {
		t.Fatalf("cbcDecrypt: %v", err)
	}
	recovered, err := desfirecrypto.UnpadISO9797M2(plain)
	if err != nil {
		t.Fatalf("unpad: %v", err)
	}
	if len(recovered) < 4 || !bytes.Equal(recovered[:len(recovered)-4], payload) {
		t.Fatalf("recovered payload+crc = %x, want payload %x plus trailing CRC32", recovered, payload)
	}
}

func TestDecodeResponseEV2RoundTrip(t *testing.T) {
	ctx := &Context{
		Channel:       ChannelEV2,
		Algo:          AlgoAES,
		CommMode:      CommEncrypted,
		SessionEnc:    bytes.Repeat([]byte{0x44}, 16),
		SessionMAC:    bytes.Repeat([]byte{0x55}, 16),
		TI:            []byte{0xAA, 0xBB, 0xCC, 0xDD},
		authenticated: true,
	}
	plaintext := []byte{0xAA, 0xBB, 0xCC}
	cmd := byte(0x5A)

	// Build the response exactly as the card would: CRC32-append, ISO-pad,
	// CBC-encrypt under responseIV, then MAC sw||cntr+1||TI||ciphertext.
	withCRC := crc32Append(plaintext)
	padded := padISO9797M2(withCRC, 16)
	iv, err := responseIV(ctx)
	if err != nil {
		t.Fatalf("responseIV: %v", err)
	}
	ciphertext, err := cbcEncrypt(AlgoAES, ctx.SessionEnc, iv, padded)
	if err != nil {
		t.Fatalf("cbcEncrypt: %v", err)
	}
	// DecodeResponse's MAC input is sw||CmdCntr+1||TI||ciphertext; bump the
	// counter before building macInput to get that framing, then restore it
	// so DecodeResponse sees the same pre-round-trip state a real reader
	// would.
	ctx.CmdCntr++
	full, err := cmacOf(AlgoAES, ctx.SessionMAC, macInput(ctx, 0x00, []byte{}, ciphertext))
	ctx.CmdCntr--
	if err != nil {
		t.Fatalf("cmacOf: %v", err)
	}
	resp := append(append([]byte{}, ciphertext...), truncateMAC(ctx, full)...)

	out, err := DecodeResponse(ctx, cmd, 0x00, resp)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatalf("decoded payload = %x, want %x", out, plaintext)
	}
	if ctx.CmdCntr != 1 {
		t.Fatalf("CmdCntr after decode = %d, want 1", ctx.CmdCntr)
	}
}

func TestEncodeCommandRejectsUnauthenticatedContext(t *testing.T) {
	ctx := &Context{Channel: ChannelEV2, Algo: AlgoAES, CommMode: CommMACed}
	if _, err := EncodeCommand(ctx, 0x5A, nil, nil); err == nil {
		t.Fatal("expected error for unauthenticated MACed command")
	}
	plain := &Context{Channel: ChannelNone, Algo: AlgoAES, CommMode: CommPlain}
	if _, err := EncodeCommand(plain, 0x5A, []byte{0x00}, nil); err != nil {
		t.Fatalf("expected plain commands to encode without a session, got %v", err)
	}
}

func TestDecodeResponseRejectsBadStatus(t *testing.T) {
	ctx := &Context{Channel: ChannelEV2, Algo: AlgoAES, CommMode: CommPlain, authenticated: true}
	if _, err := DecodeResponse(ctx, 0x5A, 0x1E, nil); err == nil {
		t.Fatal("expected error for non-OK/AF status")
	}
}

func TestChainFollowsAdditionalFrames(t *testing.T) {
	card := &chainCard{frames: [][]byte{{0xDE, 0xAD}, {0xBE, 0xEF}}}
	full, sw, err := Chain(card, 0xAF, []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if sw != 0x00 {
		t.Fatalf("final sw = %#x, want 0x00", sw)
	}
	want := []byte{0x01, 0x02, 0xDE, 0xAD, 0xBE, 0xEF}
	if !bytes.Equal(full, want) {
		t.Fatalf("chained bytes = %x, want %x", full, want)
	}
}

type chainCard struct {
	frames [][]byte
	idx    int
}

func (c *chainCard) Transmit(apdu []byte) ([]byte, error) {
	frame := c.frames[c.idx]
	c.idx++
	sw := byte(0xAF)
	if c.idx == len(c.frames) {
		sw = 0x00
	}
	return append(append([]byte{}, frame...), 0x91, sw), nil
}

func TestRotateLeftRightAreInverses(t *testing.T) {
	in := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	got := rotateRight1(rotateLeft1(in))
	if !bytes.Equal(got, in) {
		t.Fatalf("rotateRight1(rotateLeft1(x)) = %x, want %x", got, in)
	}
}

func TestMACLengthByChannel(t *testing.T) {
	cases := []struct {
		ch   SecureChannel
		want int
	}{
		{ChannelD40, 4},
		{ChannelEV1, 8},
		{ChannelEV2, 8},
		{ChannelLRP, 8},
	}
	for _, tc := range cases {
		ctx := &Context{Channel: tc.ch}
		if got := ctx.MACLength(); got != tc.want {
			t.Errorf("MACLength(%v) = %d, want %d", tc.ch, got, tc.want)
		}
	}
}

func TestLRPEncodeDecodeRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x66}, 16)
	plain := []byte("hello desfire lrp channel test payload")

	enc := NewLRPContext(key, 1, true)
	ciphertext := enc.Encode(plain)
	if len(ciphertext)%16 != 0 {
		t.Fatalf("ciphertext length %d not block-aligned", len(ciphertext))
	}

	dec := NewLRPContext(key, 1, true)
	recovered := dec.Decode(ciphertext)
	if !bytes.Equal(recovered, plain) {
		t.Fatalf("LRP round trip = %q, want %q", recovered, plain)
	}
}

func TestLRPEncodeAdvancesCounterAcrossCalls(t *testing.T) {
	key := bytes.Repeat([]byte{0x77}, 16)
	ctx := NewLRPContext(key, 1, true)
	block := bytes.Repeat([]byte{0x01}, 16)

	first := ctx.Encode(block)
	second := ctx.Encode(block)
	if bytes.Equal(first, second) {
		t.Fatal("expected distinct ciphertext after counter advances")
	}
}

func TestLRPCMAC8IsDeterministicAndEightBytes(t *testing.T) {
	key := bytes.Repeat([]byte{0x88}, 16)
	msg := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}

	mac1 := LRPCMAC8(key, msg)
	mac2 := LRPCMAC8(key, msg)
	if len(mac1) != 8 {
		t.Fatalf("LRPCMAC8 length = %d, want 8", len(mac1))
	}
	if !bytes.Equal(mac1, mac2) {
		t.Fatal("LRPCMAC8 is not deterministic for identical input")
	}

	other := LRPCMAC8(key, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x08})
	if bytes.Equal(mac1, other) {
		t.Fatal("LRPCMAC8 produced identical tags for distinct messages")
	}
}

func TestLRPCMACHandlesFullBlockMessage(t *testing.T) {
	key := bytes.Repeat([]byte{0x99}, 16)
	msg := bytes.Repeat([]byte{0xAB}, 16) // exercises the sk1 (full last block) path
	if mac := LRPCMAC(key, msg); len(mac) != 16 {
		t.Fatalf("LRPCMAC length = %d, want 16", len(mac))
	}
}

func TestIncCounterCarriesAcrossNibbles(t *testing.T) {
	ctr := []byte{0x00, 0xFF}
	incCounter(ctr, 4)
	if !bytes.Equal(ctr, []byte{0x01, 0x00}) {
		t.Fatalf("counter = %x, want 0100", ctr)
	}
}

func TestResetClearsSessionState(t *testing.T) {
	ctx := &Context{
		Channel:       ChannelEV2,
		CommMode:      CommEncrypted,
		SessionEnc:    []byte{1},
		SessionMAC:    []byte{2},
		TI:            []byte{3},
		CmdCntr:       9,
		authenticated: true,
	}
	ctx.Reset()
	if ctx.IsAuthenticated() {
		t.Fatal("expected Reset to clear authenticated flag")
	}
	if ctx.Channel != ChannelNone || ctx.CommMode != CommPlain {
		t.Fatalf("unexpected post-reset channel/commmode: %v/%v", ctx.Channel, ctx.CommMode)
	}
	if ctx.SessionEnc != nil || ctx.SessionMAC != nil || ctx.TI != nil || ctx.CmdCntr != 0 {
		t.Fatal("expected session material to be cleared")
	}
}
