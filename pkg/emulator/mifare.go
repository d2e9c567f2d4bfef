package emulator

import (
	"encoding/binary"

	"github.com/barnettlynn/pm3core/pkg/crc"
	"github.com/barnettlynn/pm3core/pkg/crypto1"
	"github.com/barnettlynn/pm3core/pkg/iso14443a"
)

// MIFARE Classic native command bytes.
const (
	mfAuthKeyA = 0x60
	mfAuthKeyB = 0x61
	mfRead     = 0x30
	mfWrite    = 0xA0

	mfACK = 0x0A
	mfNAK = 0x04
)

const classicBlockSize = 16

// classicAuthState tracks where a Classic authentication handshake stands.
type classicAuthState int

const (
	classicIdle classicAuthState = iota
	classicAuthSentNonce                  // nt sent, waiting for nr_enc||ar_enc
	classicAuthed                         // crypto active, traffic encrypted
)

// Classic emulates a MIFARE Classic card over the raw-frame path of an
// iso14443a.Machine: the Crypto-1 mutual authentication handshake,
// encrypted read/write, nested re-authentication (whose encrypted nonces
// are exactly what the hardnested and static-nested attacks capture), and
// the two-step write. Sector keys live where a real card keeps them, in
// each sector's trailer block.
type Classic struct {
	mem *Memory
	uid uint32

	state        classicAuthState
	cipher       *crypto1.State
	nt           uint32
	authBlock    byte
	pendingWrite int // block number awaiting its 16-byte data frame, -1 if none

	// NonceSource provides the tag nonce for each authentication; the
	// default steps a weak-PRNG counter the way a real Classic's timer
	// does, which is what makes the nested attacks work against it.
	NonceSource func() uint32
	prng        uint32
}

// NewClassic builds a Classic emulator over mem for the given 4-byte UID.
// mem must hold the full card image, sector trailers included.
func NewClassic(mem *Memory, uid uint32) *Classic {
	return &Classic{
		mem:          mem,
		uid:          uid,
		pendingWrite: -1,
		prng:         crypto1.PRNGSuccessor(1, 16),
	}
}

// Attach wires the emulator into m as its raw WORK-state handler.
func (c *Classic) Attach(m *iso14443a.Machine) {
	m.SetRawHandler(c.Handle)
}

// nextNonce steps the weak PRNG (or defers to an injected source).
func (c *Classic) nextNonce() uint32 {
	if c.NonceSource != nil {
		return c.NonceSource()
	}
	c.prng = crypto1.PRNGSuccessor(c.prng, 32)
	return c.prng
}

// keyForBlock reads key A or key B for the sector owning block out of the
// sector trailer.
func (c *Classic) keyForBlock(block byte, keyB bool) uint64 {
	trailer := int(block)/4*4 + 3
	raw := c.mem.ReadBlock(trailer, classicBlockSize)
	if raw == nil {
		return 0
	}
	keyBytes := raw[0:6]
	if keyB {
		keyBytes = raw[10:16]
	}
	var key uint64
	for _, b := range keyBytes {
		key = key<<8 | uint64(b)
	}
	return key
}

// encryptFrame XORs a plaintext frame with keystream, one byte per clock
// run, the tag-side half of mf_crypto1_encrypt.
func (c *Classic) encryptFrame(plain []byte) []byte {
	out := make([]byte, len(plain))
	for i, b := range plain {
		out[i] = b ^ crypto1.Byte(c.cipher, 0, false)
	}
	return out
}

// decryptFrame recovers a reader frame sent under the active cipher.
func (c *Classic) decryptFrame(enc []byte) []byte {
	out := make([]byte, len(enc))
	for i, b := range enc {
		out[i] = b ^ crypto1.Byte(c.cipher, 0, false)
	}
	return out
}

// Handle processes one raw WORK-state frame.
func (c *Classic) Handle(frame []byte) []byte {
	if c.state == classicAuthSentNonce {
		return c.handleReaderAnswer(frame)
	}
	if c.state == classicAuthed {
		return c.handleEncrypted(frame)
	}
	return c.handlePlain(frame)
}

// handlePlain serves the pre-auth state: only an authentication request
// is meaningful.
func (c *Classic) handlePlain(frame []byte) []byte {
	if len(frame) == 4 && (frame[0] == mfAuthKeyA || frame[0] == mfAuthKeyB) && crc.CheckA(frame) {
		return c.startAuth(frame[0] == mfAuthKeyB, frame[1], false)
	}
	return nil
}

// startAuth begins the (possibly nested) authentication handshake: load
// the sector key, roll a tag nonce, and emit it — plaintext on a first
// auth, encrypted under the still-active cipher on a nested one.
func (c *Classic) startAuth(keyB bool, block byte, nested bool) []byte {
	key := c.keyForBlock(block, keyB)
	c.nt = c.nextNonce()
	c.authBlock = block

	var ntEnc [4]byte
	binary.BigEndian.PutUint32(ntEnc[:], c.nt)

	if nested {
		// The successor cipher starts from the fresh sector key; the
		// nonce goes out under it, fed with uid^nt — the reused-key
		// signal the static-nested attack intersects.
		c.cipher = crypto1.New()
		crypto1.Init(c.cipher, key)
		ks := crypto1.Word(c.cipher, c.uid^c.nt, false)
		binary.BigEndian.PutUint32(ntEnc[:], c.nt^ks)
	} else {
		c.cipher = crypto1.New()
		crypto1.Init(c.cipher, key)
		crypto1.Word(c.cipher, c.uid^c.nt, false)
	}

	c.state = classicAuthSentNonce
	return ntEnc[:]
}

// handleReaderAnswer processes the reader's nr_enc||ar_enc and finishes
// the handshake with at_enc.
func (c *Classic) handleReaderAnswer(frame []byte) []byte {
	if len(frame) != 8 {
		c.reset()
		return nil
	}
	nrEnc := binary.BigEndian.Uint32(frame[0:4])
	arEnc := binary.BigEndian.Uint32(frame[4:8])

	// Feeding nr_enc as encrypted input advances the cipher past the
	// reader nonce; the next keystream word exposes ar.
	crypto1.Word(c.cipher, nrEnc, true)
	ar := arEnc ^ crypto1.Word(c.cipher, 0, false)
	if ar != crypto1.PRNGSuccessor(c.nt, 64) {
		c.reset()
		return nil
	}

	at := crypto1.PRNGSuccessor(c.nt, 96)
	atEnc := at ^ crypto1.Word(c.cipher, 0, false)
	c.state = classicAuthed

	var out [4]byte
	binary.BigEndian.PutUint32(out[:], atEnc)
	return out[:]
}

// handleEncrypted serves the post-auth state: every frame is ciphertext.
func (c *Classic) handleEncrypted(frame []byte) []byte {
	plain := c.decryptFrame(frame)

	if c.pendingWrite >= 0 {
		block := c.pendingWrite
		c.pendingWrite = -1
		if len(plain) != classicBlockSize+2 || !crc.CheckA(plain) {
			return c.encryptFrame([]byte{mfNAK})
		}
		if !c.mem.WriteBlock(block, plain[:classicBlockSize]) {
			return c.encryptFrame([]byte{mfNAK})
		}
		return c.encryptFrame([]byte{mfACK})
	}

	if len(plain) != 4 || !crc.CheckA(plain) {
		c.reset()
		return nil
	}

	switch plain[0] {
	case mfAuthKeyA, mfAuthKeyB:
		return c.startAuth(plain[0] == mfAuthKeyB, plain[1], true)
	case mfRead:
		data := c.mem.ReadBlock(int(plain[1]), classicBlockSize)
		if data == nil {
			return c.encryptFrame([]byte{mfNAK})
		}
		return c.encryptFrame(crc.AppendA(data))
	case mfWrite:
		c.pendingWrite = int(plain[1])
		return c.encryptFrame([]byte{mfACK})
	case 0x50: // encrypted HALT
		c.reset()
		return nil
	}
	return c.encryptFrame([]byte{mfNAK})
}

func (c *Classic) reset() {
	c.state = classicIdle
	c.cipher = nil
	c.pendingWrite = -1
}

// Ultralight emulates a MIFARE Ultralight's unauthenticated page store
// over the same raw-frame path: READ returns four 4-byte pages, WRITE
// replaces one.
type Ultralight struct {
	mem *Memory
}

const ulPageSize = 4

// Ultralight command bytes.
const (
	ulRead  = 0x30
	ulWrite = 0xA2
)

// NewUltralight builds an Ultralight emulator over mem.
func NewUltralight(mem *Memory) *Ultralight {
	return &Ultralight{mem: mem}
}

// Attach wires the emulator into m as its raw WORK-state handler.
func (u *Ultralight) Attach(m *iso14443a.Machine) {
	m.SetRawHandler(u.Handle)
}

// Handle processes one raw WORK-state frame.
func (u *Ultralight) Handle(frame []byte) []byte {
	if len(frame) < 2 || !crc.CheckA(frame) {
		return nil
	}
	body := frame[:len(frame)-2]
	switch body[0] {
	case ulRead:
		if len(body) != 2 {
			return []byte{mfNAK}
		}
		out := make([]byte, 0, 16)
		for i := 0; i < 4; i++ {
			page := u.mem.ReadBlock(int(body[1])+i, ulPageSize)
			if page == nil {
				// Reads past the end roll over to page 0, matching the
				// chip's documented wraparound.
				if n := len(u.mem.Bytes()) / ulPageSize; n > 0 {
					page = u.mem.ReadBlock((int(body[1])+i)%n, ulPageSize)
				}
				if page == nil {
					return []byte{mfNAK}
				}
			}
			out = append(out, page...)
		}
		return crc.AppendA(out)
	case ulWrite:
		if len(body) != 2+ulPageSize {
			return []byte{mfNAK}
		}
		if !u.mem.WriteBlock(int(body[1]), body[2:6]) {
			return []byte{mfNAK}
		}
		return []byte{mfACK}
	}
	return nil
}
