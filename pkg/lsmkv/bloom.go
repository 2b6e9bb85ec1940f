package lsmkv

import (
	"hash/fnv"
	"math"
)

// BloomFilter is a probabilistic membership set: Add never produces a false
// negative, MightContain may produce a false positive (§4.1).
//
// Bit count and hash-function count are derived from the expected item
// count n and target false-positive rate p:
//
//	m = ceil(-n * ln(p) / ln(2)^2)
//	k = round((m/n) * ln(2))
//
// Each key is probed k times at (h1 + i*h2) mod m, where h1 and h2 are two
// independent mix accumulations of the key's bytes.
type BloomFilter struct {
	bits []bool
	m    int
	k    int
	n    int
}

// NewBloomFilter builds a filter sized for n expected items at false
// positive rate p (0 < p < 1).
func NewBloomFilter(n int, p float64) (*BloomFilter, error) {
	if n <= 0 || p <= 0 || p >= 1 {
		return nil, ErrInvalidBloomParams
	}

	m := int(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 1 {
		m = 1
	}
	k := int(math.Round((float64(m) / float64(n)) * math.Ln2))
	if k < 1 {
		k = 1
	}

	return &BloomFilter{bits: make([]bool, m), m: m, k: k, n: n}, nil
}

// mixHashes derives the two seed hashes h1, h2 from key's bytes using two
// distinct integer accumulations.
func mixHashes(key []byte) (h1, h2 uint64) {
	for _, b := range key {
		h1 = h1*31 + uint64(b)
		h2 = h2*17 + uint64(b)
	}
	return h1, h2
}

// Add records key as present in the filter.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := mixHashes(key)
	for i := 0; i < bf.k; i++ {
		idx := (h1 + uint64(i)*h2) % uint64(bf.m)
		bf.bits[idx] = true
	}
}

// MightContain returns false only if key is definitely absent.
func (bf *BloomFilter) MightContain(key []byte) bool {
	h1, h2 := mixHashes(key)
	for i := 0; i < bf.k; i++ {
		idx := (h1 + uint64(i)*h2) % uint64(bf.m)
		if !bf.bits[idx] {
			return false
		}
	}
	return true
}

// Len returns the bit-array size, m.
func (bf *BloomFilter) Len() int { return bf.m }

// EstimatedFalsePositiveRate estimates the current FPR from the fraction of
// set bits, (setBits/m)^k.
func (bf *BloomFilter) EstimatedFalsePositiveRate() float64 {
	set := 0
	for _, b := range bf.bits {
		if b {
			set++
		}
	}
	fill := float64(set) / float64(bf.m)
	return math.Pow(fill, float64(bf.k))
}

// sstableFilterBits is the fixed bit count used by the simpler per-SSTable
// Bloom filter variant (§4.1, second paragraph).
const sstableFilterBits = 8192

// sstableFilter is the per-file Bloom filter attached to each SSTable on
// disk: a fixed bit count and two hashes derived from the string hash and
// its 16-bit rotation.
type sstableFilter struct {
	bits [sstableFilterBits]bool
}

func newSSTableFilter() *sstableFilter {
	return &sstableFilter{}
}

func (f *sstableFilter) hashes(key []byte) (uint64, uint64) {
	h := fnv.New64a()
	h.Write(key)
	h1 := h.Sum64()
	h2 := (h1 << 16) | (h1 >> 48)
	return h1, h2
}

func (f *sstableFilter) add(key []byte) {
	h1, h2 := f.hashes(key)
	f.bits[h1%sstableFilterBits] = true
	f.bits[h2%sstableFilterBits] = true
}

func (f *sstableFilter) mightContain(key []byte) bool {
	h1, h2 := f.hashes(key)
	return f.bits[h1%sstableFilterBits] && f.bits[h2%sstableFilterBits]
}
