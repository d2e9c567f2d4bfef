package hardnested

import (
	"sort"

	"github.com/barnettlynn/pm3core/pkg/crypto1"
)

// PartialStateList is phase (D)'s partial-state table: every 16-bit prefix
// of a 20-bit odd/even partial Crypto-1 state (the 4 low bits
// PartialSumProperty marginalizes over left zero), bucketed by its
// PartialSumProperty value (always even, 0..16) into 9 sorted arrays so a
// candidate sum maps to its surviving prefixes in one slice lookup.
// Matches generate_partial_statelist's "enumerate 2^20 states, bucket into
// 9 arrays indexed by sum" structure, built once and reused across every
// first byte's candidate intersection in phase (E).
type PartialStateList struct {
	buckets [9][]uint16
	sums    []uint16 // PartialSumProperty per 16-bit prefix, index = prefix
}

// BuildPartialStateList runs phase (D) for one register half; odd selects
// PartialSumProperty's 5-clock odd-state variant, false its 4-clock even
// one.
func BuildPartialStateList(odd bool) *PartialStateList {
	pl := &PartialStateList{sums: make([]uint16, 1<<16)}
	for p := 0; p <= 0xFFFF; p++ {
		sum := PartialSumProperty(uint32(p)<<4, odd)
		pl.sums[p] = sum
		pl.buckets[sum/2] = append(pl.buckets[sum/2], uint16(p))
	}
	for i := range pl.buckets {
		b := pl.buckets[i]
		sort.Slice(b, func(a, c int) bool { return b[a] < b[c] })
	}
	return pl
}

// SumOf returns the memoized PartialSumProperty of a 16-bit prefix,
// letting phase (E)'s per-pair constraint checks skip re-deriving the
// filter function 16 times per lookup.
func (pl *PartialStateList) SumOf(prefix uint16) uint16 {
	return pl.sums[prefix]
}

// Bucket returns every 16-bit prefix whose PartialSumProperty equals sum
// (sum must be even, 0..16; anything else returns nil).
func (pl *PartialStateList) Bucket(sum uint16) []uint16 {
	if sum > 16 || sum%2 != 0 {
		return nil
	}
	return pl.buckets[sum/2]
}

// Combine computes the full, 0..256-scale Sum property — the same scale
// Sum0Guess/Sum8Guess score against — from a pair of per-register
// PartialSumProperty values. Ported directly from the relationship named
// in PartialSumProperty's own doc comment: each register's 4 low bits vary
// independently of the other register's, so summed over all 16x16 joint
// completions, the count of joint filter outputs equal to 1 is
// oddSum*(16-evenSum) + (16-oddSum)*evenSum.
func Combine(oddSum, evenSum uint16) uint16 {
	return oddSum*(16-evenSum) + (16-oddSum)*evenSum
}

// Candidate is a phase (E) survivor: a pair of 16-bit odd/even prefixes
// naming the low 20 bits (bits 4-19) of the cipher's Odd/Even registers
// immediately after key-load, with the low 4 bits of each (marginalized by
// PartialSumProperty) and the top 4 bits of each (outside the filter
// function's window, never constrained by any Sum property) still free.
type Candidate struct {
	OddPrefix, EvenPrefix uint16
}

const maxCandidates = 1 << 16

// sumCombosFor returns every (oddSum, evenSum) pair in {0,2,...,16}^2 whose
// Combine equals target.
func sumCombosFor(target uint16) [][2]uint16 {
	var out [][2]uint16
	for oddSum := uint16(0); oddSum <= 16; oddSum += 2 {
		for evenSum := uint16(0); evenSum <= 16; evenSum += 2 {
			if Combine(oddSum, evenSum) == target {
				out = append(out, [2]uint16{oddSum, evenSum})
			}
		}
	}
	return out
}

// rollPrefixPair advances a candidate (odd, even) prefix pair by the 8
// known input bits of diff (the nested-auth command's first input byte,
// fed LSB-first the way Word consumes it), the "roll the state through the
// byte difference" step phase (E) uses to test a candidate generated from
// one first byte against another's Sum(a8) bucket. The low 4 and top 4
// bits PartialStateList doesn't track are assumed zero across the roll —
// an approximation documented in DESIGN.md, since pinning them exactly is
// the published algorithm's bit-flip-resolution step (phase B), which this
// package doesn't implement.
func rollPrefixPair(oddPrefix, evenPrefix uint16, diff byte) (uint16, uint16) {
	s := &crypto1.State{Odd: uint32(oddPrefix) << 4, Even: uint32(evenPrefix) << 4}
	for i := uint(0); i < 8; i++ {
		in := uint32(diff>>i) & 1
		crypto1.Bit(s, in, true)
	}
	return uint16(s.Odd>>4) & 0xFFFF, uint16(s.Even>>4) & 0xFFFF
}

// GenerateCandidates runs phase (E) eagerly: it intersects the odd/even
// partial-state buckets consistent with Sum(a0) and keeps only pairs
// whose rolled state also reproduces the best first byte's Sum(a8) and
// every other good first byte's, matching "generate the candidate list
// ... further filter by all other good first bytes". uid is the tag UID
// the nested-auth input byte is XORed against. The Sum(a8) constraints
// are applied inline during enumeration, and smaller bucket
// cross-products are visited first, so the maxCandidates cap (a memory
// bound for when Sum0Guess lands on a low-information value like 128, the
// published algorithm's acknowledged weak case) only ever truncates
// already-filtered survivors. Recover does not call this — it streams the
// same enumeration straight into the completion search — but the eager
// list is useful for a caller sizing or reporting the narrowed space.
func GenerateCandidates(c *Collector, uid uint32, oddList, evenList *PartialStateList) []Candidate {
	scores := c.BestFirstBytes()
	if len(scores) == 0 {
		return nil
	}
	sum0 := c.Sum0Guess()
	constraints := constraintsFor(scores, byte(uid>>24))

	combos := sumCombosFor(sum0)
	sort.Slice(combos, func(i, j int) bool {
		pi := len(oddList.Bucket(combos[i][0])) * len(evenList.Bucket(combos[i][1]))
		pj := len(oddList.Bucket(combos[j][0])) * len(evenList.Bucket(combos[j][1]))
		return pi < pj
	})

	var candidates []Candidate
build:
	for _, combo := range combos {
		for _, op := range oddList.Bucket(combo[0]) {
			for _, ep := range evenList.Bucket(combo[1]) {
				cand := Candidate{OddPrefix: op, EvenPrefix: ep}
				if !satisfiesConstraints(cand, constraints, oddList, evenList) {
					continue
				}
				candidates = append(candidates, cand)
				if len(candidates) >= maxCandidates {
					break build
				}
			}
		}
	}
	return candidates
}
