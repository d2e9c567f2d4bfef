// Package emulator implements the MIFARE-compatible tag-emulation
// substrate shared by the higher-level application emulators (the EMV
// bridge in pkg/emvbridge and the Seos secure channel in pkg/seos): a
// BigBuf-backed emulator memory region, and the glue that hands raw reader
// frames to application-layer handlers and back, shaped after the
// tag-emulation loop in the Proxmark3 firmware's iso14443a.c; the
// I/R/S-block state bookkeeping itself lives in pkg/iso14443a.Machine's
// WORK state, which answers each I-Block on its own (no chaining).
package emulator

import (
	"github.com/barnettlynn/pm3core/pkg/bigbuf"
	"github.com/barnettlynn/pm3core/pkg/iso14443a"
)

// DefaultEMSize is the typical reserved emulator-memory region size for a
// MIFARE Classic 4K / DESFire EV1 8K emulation (rounded to the larger of
// the two so either card shape fits).
const DefaultEMSize = 8192

// Memory is the emulator's BigBuf-backed card memory: the byte region an
// application handler reads/writes as if it were flash on the card,
// memoized once per Arena the way BigBuf_get_EM_addr does.
type Memory struct {
	arena *bigbuf.Arena
	raw   []byte
}

// NewMemory reserves (or re-fetches) the emulator memory region of size
// bytes from arena.
func NewMemory(arena *bigbuf.Arena, size int) *Memory {
	return &Memory{arena: arena, raw: arena.GetEMAddr(size)}
}

// Bytes returns the full backing slice.
func (m *Memory) Bytes() []byte { return m.raw }

// ReadBlock returns a copy of blockSize bytes starting at block*blockSize.
func (m *Memory) ReadBlock(block, blockSize int) []byte {
	off := block * blockSize
	if off < 0 || off+blockSize > len(m.raw) {
		return nil
	}
	out := make([]byte, blockSize)
	copy(out, m.raw[off:off+blockSize])
	return out
}

// WriteBlock overwrites blockSize bytes starting at block*blockSize.
func (m *Memory) WriteBlock(block int, data []byte) bool {
	off := block * len(data)
	if off < 0 || off+len(data) > len(m.raw) {
		return false
	}
	copy(m.raw[off:off+len(data)], data)
	return true
}

// Clear zeroes the whole region, matching BigBuf_Clear_EM called between
// emulation sessions.
func (m *Memory) Clear() { m.arena.ClearEM() }

// AppHandler is the application-layer contract an emulator (EMV bridge,
// Seos, or a plain MIFARE Classic/Ultralight dump server) implements to
// plug into an iso14443a.Machine as its WORK-state I-Block handler.
type AppHandler = iso14443a.AppHandler

// Tag bundles an iso14443a.Machine with its backing Memory, giving
// higher-level emulators a single handle for field-on/off lifecycle and
// memory access without re-deriving ATQA/SAK/ATS plumbing per protocol.
type Tag struct {
	Machine *iso14443a.Machine
	Memory  *Memory
}

// NewTag constructs a Tag with the given identity/ATS and a BigBuf-backed
// memory region, wiring appl as the WORK-state application handler.
func NewTag(arena *bigbuf.Arena, emSize int, uid iso14443a.UID, ats []byte, appl AppHandler) *Tag {
	return &Tag{
		Machine: iso14443a.NewMachine(uid, ats, appl),
		Memory:  NewMemory(arena, emSize),
	}
}

// Reset drops the tag back to NOFIELD and its cascade level to zero, as if
// the reader's RF field had just dropped; memory is left as it is.
func (t *Tag) Reset() {
	t.Machine.FieldOff()
}
