package hardnested

import (
	"sort"

	"github.com/barnettlynn/pm3core/pkg/crypto1"
)

// Nonce is one encrypted nested-auth nonce and its associated encrypted
// parity bits, as read off the wire, matching add_nonce's (nonce_enc,
// par_enc) pair.
type Nonce struct {
	Enc    uint32
	ParEnc uint8
}

// firstByteBucket accumulates every distinct second byte observed for one
// candidate first byte of the decrypted nonce, tracking the running Sum(a8)
// property estimate cmdhfmfhard.c's noncelist_t holds per first byte.
type firstByteBucket struct {
	bySecondByte map[uint8]Nonce
	num          uint16
	sum          uint16
	sum8Guess    uint16
	sum8Prob     float64
	dirty        bool
}

// Collector accumulates nested-auth nonces across possibly many
// authentication attempts against one card, grouped by the first byte of
// the decrypted nonce, and scores each first byte's Sum(a8) property
// confidence. Equivalent to cmdhfmfhard.c's global `nonces[256]` table plus
// add_nonce/estimate_second_byte_sum/sort_best_first_bytes.
type Collector struct {
	buckets        [256]firstByteBucket
	firstByteNum   uint16
	firstByteSum   uint16
	allNonces      []Nonce
	maxBruteForce  int
}

// NewCollector returns an empty Collector. maxBruteForce caps how many
// distinct nonces are retained for the final brute-force verification
// pass (cmdhfmfhard.c caps brute_force_nonces at 256 entries).
func NewCollector(maxBruteForce int) *Collector {
	c := &Collector{maxBruteForce: maxBruteForce}
	for i := range c.buckets {
		c.buckets[i].bySecondByte = make(map[uint8]Nonce)
		c.buckets[i].dirty = true
	}
	return c
}

// AddNonce folds one encrypted nonce into its first-byte bucket, returning
// false if this (first byte, second byte) pair was already seen (no new
// information), matching add_nonce's dedup-by-second-byte return value.
func (c *Collector) AddNonce(n Nonce) bool {
	firstByte := uint8(n.Enc >> 24)
	secondByte := uint8(n.Enc >> 16)
	b := &c.buckets[firstByte]

	if len(b.bySecondByte) == 0 {
		c.firstByteNum++
		c.firstByteSum += uint16(crypto1.Parity32((n.Enc & 0xff000000) | uint32(n.ParEnc&0x08)))
	}
	if _, seen := b.bySecondByte[secondByte]; seen {
		return false
	}
	b.bySecondByte[secondByte] = n

	if c.maxBruteForce <= 0 || len(c.allNonces) < c.maxBruteForce {
		c.allNonces = append(c.allNonces, n)
	}

	b.num++
	b.sum += uint16(crypto1.Parity32((n.Enc & 0x00ff0000) | uint32(n.ParEnc&0x04)))
	b.dirty = true
	return true
}

// Nonces returns every nonce retained for brute-force verification, up to
// maxBruteForce.
func (c *Collector) Nonces() []Nonce { return c.allNonces }

// FirstByteScore is one candidate first byte's ranked Sum(a8) estimate,
// returned by BestFirstBytes.
type FirstByteScore struct {
	FirstByte uint8
	Num       uint16
	Sum       uint16
	Sum8Guess uint16
	Sum8Prob  float64
}

// estimateSecondByteSums recomputes each dirty bucket's most likely Sum(a8)
// value and its posterior probability, matching
// estimate_second_byte_sum's per-first-byte loop.
func (c *Collector) estimateSecondByteSums() {
	for i := range c.buckets {
		b := &c.buckets[i]
		if !b.dirty || b.num == 0 {
			continue
		}
		bestProb := 0.0
		bestSum := uint16(0)
		for sum := 0; sum <= 256; sum++ {
			p := SumProbability(sum, int(b.num), int(b.sum))
			if p > bestProb {
				bestProb = p
				bestSum = uint16(sum)
			}
		}
		b.sum8Guess = bestSum
		b.sum8Prob = bestProb
		b.dirty = false
	}
}

// BestFirstBytes ranks every first byte with at least one observed nonce by
// Sum(a8) confidence, highest first, matching sort_best_first_bytes'
// probability ordering (this package omits its BitFlip-based tie-break,
// which depends on the partial bit-flip statelist this package doesn't
// build; instead, first bytes tied at the top probability are ordered by
// common_bits against the top candidate, preferring first bytes that agree
// with the most confident one; ties further down keep no defined order).
func (c *Collector) BestFirstBytes() []FirstByteScore {
	c.estimateSecondByteSums()

	var scores []FirstByteScore
	for i := range c.buckets {
		b := &c.buckets[i]
		if b.num == 0 {
			continue
		}
		scores = append(scores, FirstByteScore{
			FirstByte: uint8(i),
			Num:       b.num,
			Sum:       b.sum,
			Sum8Guess: b.sum8Guess,
			Sum8Prob:  b.sum8Prob,
		})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Sum8Prob > scores[j].Sum8Prob })
	if len(scores) == 0 {
		return scores
	}
	// Break ties among the top probability band by agreement (common bits)
	// with the single most confident candidate, a stable second pass over
	// the already-probability-sorted slice rather than sorting against a
	// moving target.
	anchor := scores[0].FirstByte
	top := scores[0].Sum8Prob
	end := 1
	for end < len(scores) && scores[end].Sum8Prob == top {
		end++
	}
	sort.SliceStable(scores[:end], func(i, j int) bool {
		return commonBits(scores[i].FirstByte^anchor) > commonBits(scores[j].FirstByte^anchor)
	})
	return scores
}

// Sum0Guess estimates Sum(a0), the first-byte Sum property of the
// unclocked (key-load) cipher state, from the same Bayesian argmax
// estimate_second_byte_sum applies per first byte, but run once over the
// pooled first-byte-class counts every added nonce contributes to
// regardless of which first byte it carries.
func (c *Collector) Sum0Guess() uint16 {
	bestProb := 0.0
	bestSum := uint16(0)
	for sum := 0; sum <= 256; sum++ {
		p := SumProbability(sum, int(c.firstByteNum), int(c.firstByteSum))
		if p > bestProb {
			bestProb = p
			bestSum = uint16(sum)
		}
	}
	return bestSum
}

// NumGoodFirstBytes reports how many ranked first bytes meet
// ConfidenceThreshold, matching estimate_second_byte_sum's return value
// (the signal callers poll to decide whether to keep collecting nonces or
// start the brute force).
func NumGoodFirstBytes(scores []FirstByteScore) int {
	n := 0
	for _, s := range scores {
		if s.Sum8Prob >= ConfidenceThreshold {
			n++
		}
	}
	return n
}
