// Package bloom provides the membership prefilter the view uses before touching
// SQLite: a miss is definitive, a hit still needs an exact lookup.
package bloom

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Filter is a concurrency-safe bloom filter with murmur3 double hashing.
type Filter struct {
	mu      sync.RWMutex
	words   []uint64
	nbits   uint64
	nhashes uint64
	count   uint64
}

// New creates a filter with at least nbits bits and nhashes probes.
func New(nbits, nhashes uint64) *Filter {
	if nbits < 64 {
		nbits = 64
	}
	if nhashes == 0 {
		nhashes = 1
	}
	words := (nbits + 63) / 64
	return &Filter{
		words:   make([]uint64, words),
		nbits:   words * 64,
		nhashes: nhashes,
	}
}

// NewWithEstimates sizes a filter for n items at false positive rate p.
func NewWithEstimates(n uint, p float64) *Filter {
	return New(OptimalParameters(n, p))
}

// OptimalParameters returns m = -n ln(p) / ln(2)^2 bits and k = (m/n) ln(2) probes.
func OptimalParameters(n uint, p float64) (nbits, nhashes uint64) {
	if n == 0 {
		n = 1000
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	k := math.Ceil(m / float64(n) * math.Ln2)
	return uint64(m), uint64(k)
}

func (f *Filter) probes(item []byte) (h1, h2 uint64) {
	h1, h2 = murmur3.Sum128(item)
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// Add records item.
func (f *Filter) Add(item []byte) {
	h1, h2 := f.probes(item)
	f.mu.Lock()
	for i := uint64(0); i < f.nhashes; i++ {
		pos := (h1 + i*h2) % f.nbits
		f.words[pos/64] |= 1 << (pos % 64)
	}
	f.count++
	f.mu.Unlock()
}

// AddString records s.
func (f *Filter) AddString(s string) { f.Add([]byte(s)) }

// MayContain reports false only if item was never added.
func (f *Filter) MayContain(item []byte) bool {
	h1, h2 := f.probes(item)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.nhashes; i++ {
		pos := (h1 + i*h2) % f.nbits
		if f.words[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// MayContainString is MayContain for strings.
func (f *Filter) MayContainString(s string) bool { return f.MayContain([]byte(s)) }

// Count returns how many items were added, duplicates included.
func (f *Filter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// EstimatedFPR is (1 - e^(-kn/m))^k for the current fill.
func (f *Filter) EstimatedFPR() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	k, n, m := float64(f.nhashes), float64(f.count), float64(f.nbits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}

// Reset clears the filter.
func (f *Filter) Reset() {
	f.mu.Lock()
	for i := range f.words {
		f.words[i] = 0
	}
	f.count = 0
	f.mu.Unlock()
}
