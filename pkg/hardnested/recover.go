package hardnested

import (
	"sync"
	"sync/atomic"

	"github.com/barnettlynn/pm3core/pkg/crypto1"
)

// NumWorkers bounds how many goroutines Recover spreads candidate
// verification across, matching staticnested.NumThreads' sharding style.
const NumWorkers = 20

// CompletionsPerCandidate is how many full (Odd, Even) states the search
// brute-forces per narrowed candidate (2^8 free bits per register).
const CompletionsPerCandidate = 1 << 16

// ParityMatches reports whether key, forward-simulated against uid,
// reproduces the observed (nt_enc, nt_par_enc) pair of n without requiring
// the plaintext nonce — the same nt_enc/UID-only parity check
// pkg/staticnested.searchMatch performs, generalized to a single capture.
func ParityMatches(key uint64, uid uint32, n Nonce) bool {
	s := crypto1.New()
	crypto1.Init(s, key)
	nt := crypto1.Word(s, n.Enc^uid, true) ^ n.Enc
	ks1 := nt ^ n.Enc
	ks2 := crypto1.Word(s, 0, false)

	par1 := crypto1.OddParity8((nt>>24)&0xFF)<<3 |
		crypto1.OddParity8((nt>>16)&0xFF)<<2 |
		crypto1.OddParity8((nt>>8)&0xFF)<<1 |
		crypto1.OddParity8(nt&0xFF)
	ksp := uint8((ks1>>16)&1)<<3 | uint8((ks1>>8)&1)<<2 | uint8((ks1>>0)&1)<<1 | uint8((ks2>>24)&1)
	return uint8(par1) == n.ParEnc^ksp
}

// CompleteCandidate brute-forces the 8 still-free bits per register a
// narrowed candidate leaves open (4 PartialSumProperty marginalized, 4
// outside the filter function's window) and returns every completion whose
// key parity-matches all of bucket's nonces. This is phase (F)'s
// per-candidate unit of work; Recover streams surviving phase (E) pairs
// into it.
func CompleteCandidate(cand Candidate, uid uint32, bucket []Nonce, cancel *atomic.Bool) []uint64 {
	var found []uint64
	for oddLow := uint32(0); oddLow < 16; oddLow++ {
		for oddHigh := uint32(0); oddHigh < 16; oddHigh++ {
			if cancel != nil && cancel.Load() {
				return found
			}
			oddFull := uint32(cand.OddPrefix)<<4 | oddLow | oddHigh<<20
			for evenLow := uint32(0); evenLow < 16; evenLow++ {
				for evenHigh := uint32(0); evenHigh < 16; evenHigh++ {
					evenFull := uint32(cand.EvenPrefix)<<4 | evenLow | evenHigh<<20
					s := crypto1.State{Odd: oddFull, Even: evenFull}
					key := crypto1.StateToKey(&s)

					matchesAll := true
					for _, n := range bucket {
						if !ParityMatches(key, uid, n) {
							matchesAll = false
							break
						}
					}
					if matchesAll {
						found = append(found, key)
					}
				}
			}
		}
	}
	return found
}

// byteConstraint is one good first byte's Sum(a8) filter, expressed as the
// input-byte difference a candidate must be rolled through and the sum its
// rolled state must reproduce.
type byteConstraint struct {
	diff byte
	sum8 uint16
}

func constraintsFor(scores []FirstByteScore, uidByte3 byte) []byteConstraint {
	best := scores[0]
	out := []byteConstraint{{best.FirstByte ^ uidByte3, best.Sum8Guess}}
	for _, fb := range scores[1:] {
		if fb.Sum8Prob < ConfidenceThreshold {
			continue
		}
		out = append(out, byteConstraint{fb.FirstByte ^ uidByte3, fb.Sum8Guess})
	}
	return out
}

func satisfiesConstraints(cand Candidate, constraints []byteConstraint, oddList, evenList *PartialStateList) bool {
	for _, bc := range constraints {
		rOdd, rEven := rollPrefixPair(cand.OddPrefix, cand.EvenPrefix, bc.diff)
		if Combine(oddList.SumOf(rOdd), evenList.SumOf(rEven)) != bc.sum8 {
			return false
		}
	}
	return true
}

// Recover runs the full hardnested pipeline against c's accumulated
// nonces: phase (D) builds the odd/even partial-state tables, phase (E)
// streams every (odd, even) prefix pair consistent with Sum(a0) and with
// every good first byte's Sum(a8) straight into phase (F)'s per-candidate
// completion search, never materializing the pair list (a single sum
// combination's bucket cross-product runs to tens of millions of pairs, so
// a collected list would either truncate the search or exhaust memory —
// see DESIGN.md). progress, if non-nil, is called with the running count
// of enumerated pairs against the exact total, which is computable up
// front from the bucket sizes; cancel, if non-nil, is polled throughout.
func Recover(uid uint32, c *Collector, progress func(done, total int64), cancel *atomic.Bool) []uint64 {
	scores := c.BestFirstBytes()
	if len(scores) == 0 {
		return nil
	}
	oddList := BuildPartialStateList(true)
	evenList := BuildPartialStateList(false)

	sum0 := c.Sum0Guess()
	constraints := constraintsFor(scores, byte(uid>>24))
	best := scores[0]

	var bucket []Nonce
	for _, n := range c.Nonces() {
		if uint8(n.Enc>>24) == best.FirstByte {
			bucket = append(bucket, n)
		}
	}

	combos := sumCombosFor(sum0)
	var total int64
	for _, combo := range combos {
		total += int64(len(oddList.Bucket(combo[0]))) * int64(len(evenList.Bucket(combo[1])))
	}

	var found []uint64
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, NumWorkers)
	var done int64

	for _, combo := range combos {
		odds := oddList.Bucket(combo[0])
		evens := evenList.Bucket(combo[1])
		for _, op := range odds {
			if cancel != nil && cancel.Load() {
				break
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(op uint16, evens []uint16) {
				defer wg.Done()
				defer func() { <-sem }()
				for _, ep := range evens {
					if cancel != nil && cancel.Load() {
						break
					}
					cand := Candidate{OddPrefix: op, EvenPrefix: ep}
					if !satisfiesConstraints(cand, constraints, oddList, evenList) {
						continue
					}
					keys := CompleteCandidate(cand, uid, bucket, cancel)
					if len(keys) > 0 {
						mu.Lock()
						found = append(found, keys...)
						mu.Unlock()
					}
				}
				d := atomic.AddInt64(&done, int64(len(evens)))
				if progress != nil {
					progress(d, total)
				}
			}(op, evens)
		}
	}
	wg.Wait()
	return found
}

// PairTotal reports how many (odd, even) prefix pairs Recover will
// enumerate for the collector's current Sum(a0) estimate — the same total
// its progress callback is scaled against, exposed so a caller can size a
// progress bar before starting.
func PairTotal(c *Collector, oddList, evenList *PartialStateList) int64 {
	var total int64
	for _, combo := range sumCombosFor(c.Sum0Guess()) {
		total += int64(len(oddList.Bucket(combo[0]))) * int64(len(evenList.Bucket(combo[1])))
	}
	return total
}
