// Package bigbuf implements the single pre-sized byte arena that backs the
// trace log, emulator memory, and transient allocations, reproducing the
// epoch-scoped high-water allocator from armsrc/BigBuf.c (no per-chunk free
// list; lifetime is reset wholesale by Free / FreeKeepEM).
package bigbuf

import "fmt"

// DefaultSize is the typical arena size used by the firmware (40000 bytes).
const DefaultSize = 40000

// Arena is a single contiguous byte buffer with a high-water allocator.
// The zero value is not usable; construct with New.
type Arena struct {
	buf      []byte
	hi       int  // high-water index: bytes [0, hi) are free
	emBase   int  // base offset of the emulator memory region, -1 if unset
	emLen    int
	tracing  bool
	traceLen int
}

// New allocates an Arena of size bytes (typically DefaultSize). size is not
// rounded; callers that want 4-byte alignment of the whole arena should pass
// a multiple of 4.
func New(size int) *Arena {
	return &Arena{
		buf:     make([]byte, size),
		hi:      size,
		emBase:  -1,
		tracing: true,
	}
}

// GetAddr returns the full backing slice. Equivalent to BigBuf_get_addr.
func (a *Arena) GetAddr() []byte {
	return a.buf
}

// round4 rounds n up to the next multiple of 4, matching
// `chunksize = (chunksize + 3) & 0xfffc` in BigBuf_malloc.
func round4(n int) int {
	return (n + 3) &^ 3
}

// Malloc subtracts a 4-byte-aligned chunk of size n from the high-water
// mark and returns it, or nil if the arena is exhausted. There is no way to
// free an individual chunk; lifetime is scoped to the next Free/FreeKeepEM.
func (a *Arena) Malloc(n int) []byte {
	n = round4(n)
	if a.hi-n < 0 {
		return nil
	}
	a.hi -= n
	return a.buf[a.hi : a.hi+n]
}

// GetEMAddr returns the emulator memory region, allocating it as the first
// reserved chunk (size emSize) on first use. Equivalent to
// BigBuf_get_EM_addr, which memoizes the base pointer.
func (a *Arena) GetEMAddr(emSize int) []byte {
	if a.emBase < 0 {
		chunk := a.Malloc(emSize)
		if chunk == nil {
			return nil
		}
		a.emBase = a.hi
		a.emLen = len(chunk)
	}
	return a.buf[a.emBase : a.emBase+a.emLen]
}

// Free resets the high-water mark to the top of the arena and forgets the
// emulator memory region (BigBuf_free).
func (a *Arena) Free() {
	a.hi = len(a.buf)
	a.emBase = -1
	a.emLen = 0
}

// FreeKeepEM resets the high-water mark to just above the emulator memory
// region, preserving it across the reset (BigBuf_free_keep_EM).
func (a *Arena) FreeKeepEM() {
	if a.emBase >= 0 {
		a.hi = a.emBase
		return
	}
	a.hi = len(a.buf)
}

// Clear zeroes the entire arena (BigBuf_Clear).
func (a *Arena) Clear() {
	for i := range a.buf {
		a.buf[i] = 0
	}
}

// ClearEM zeroes only the emulator memory region, if allocated.
func (a *Arena) ClearEM() {
	if a.emBase < 0 {
		return
	}
	em := a.buf[a.emBase : a.emBase+a.emLen]
	for i := range em {
		em[i] = 0
	}
}

// MaxTraceLen returns the unallocated size of the arena — the maximum
// number of bytes available for trace entries (BigBuf_max_traceLen).
func (a *Arena) MaxTraceLen() int {
	return a.hi
}

// SetTracing enables or disables trace appends.
func (a *Arena) SetTracing(enabled bool) { a.tracing = enabled }

// Tracing reports whether tracing is currently enabled.
func (a *Arena) Tracing() bool { return a.tracing }

// TraceLen returns the number of bytes currently occupied by the trace log
// at the bottom of the arena.
func (a *Arena) TraceLen() int { return a.traceLen }

// SetTraceLen overrides the trace length bookkeeping (used when restoring a
// previously captured trace buffer).
func (a *Arena) SetTraceLen(n int) { a.traceLen = n }

// ClearTrace resets the trace length to zero without touching the bytes.
func (a *Arena) ClearTrace() { a.traceLen = 0 }

// TraceRegion returns the live prefix of the arena reserved for trace data,
// i.e. buf[0:traceLen].
func (a *Arena) TraceRegion() []byte {
	return a.buf[:a.traceLen]
}

// AppendTrace appends raw bytes to the trace region, growing traceLen, and
// auto-disabling tracing (returning false) if the write would exceed the
// unallocated space. Equivalent to the bounds check in LogTrace.
func (a *Arena) AppendTrace(b []byte) bool {
	if !a.tracing {
		return false
	}
	if a.traceLen+len(b) >= a.MaxTraceLen() {
		a.tracing = false
		return false
	}
	copy(a.buf[a.traceLen:], b)
	a.traceLen += len(b)
	return true
}

// PrintStatus renders a human-readable summary, mirroring
// BigBuf_print_status's Dbprintf lines.
func (a *Arena) PrintStatus() string {
	return fmt.Sprintf(
		"Memory\n  BIGBUF_SIZE.............%d\n  Available memory........%d\nTracing\n  tracing ................%t\n  traceLen ...............%d",
		len(a.buf), a.hi, a.tracing, a.traceLen,
	)
}
