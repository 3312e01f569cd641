// Package bitmask implements the bounded bit vectors used to book PRB, RBG
// and CCE resources within a TTI.
//
// A Mask is owned by a single TTI validation or allocation pass and is not
// safe for concurrent writers.
package bitmask

import (
	"fmt"
	"math/bits"
	"strings"
)

// MaxSize bounds every resource domain: 100 PRBs, 25 RBGs or 88 CCEs.
const MaxSize = 128

const wordBits = 64

// Mask is a fixed-capacity bit vector of Size() bits.
type Mask struct {
	words [MaxSize / wordBits]uint64
	size  int
}

// New returns an empty mask of the given size.
func New(size int) Mask {
	var m Mask
	m.Resize(size)
	return m
}

// Resize changes the mask size and clears bits beyond the new size.
func (m *Mask) Resize(size int) {
	if size < 0 || size > MaxSize {
		panic(fmt.Sprintf("bitmask: size %d out of range [0,%d]", size, MaxSize))
	}
	m.size = size
	m.trim()
}

// Reset clears all bits.
func (m *Mask) Reset() {
	m.words = [MaxSize / wordBits]uint64{}
}

// Size returns the number of addressable bits.
func (m Mask) Size() int {
	return m.size
}

// Set sets bit i.
func (m *Mask) Set(i int) {
	m.check(i, i+1)
	m.words[i/wordBits] |= 1 << (uint(i) % wordBits)
}

// Clear clears bit i.
func (m *Mask) Clear(i int) {
	m.check(i, i+1)
	m.words[i/wordBits] &^= 1 << (uint(i) % wordBits)
}

// Test reports whether bit i is set.
func (m Mask) Test(i int) bool {
	m.check(i, i+1)
	return m.words[i/wordBits]&(1<<(uint(i)%wordBits)) != 0
}

// Fill sets every bit in [start, end).
func (m *Mask) Fill(start, end int) {
	m.check(start, end)
	for w := range m.words {
		m.words[w] |= rangeWord(w, start, end)
	}
}

// Any reports whether any bit in [start, end) is set.
func (m Mask) Any(start, end int) bool {
	m.check(start, end)
	for w := range m.words {
		if m.words[w]&rangeWord(w, start, end) != 0 {
			return true
		}
	}
	return false
}

// All reports whether every bit in [start, end) is set.
func (m Mask) All(start, end int) bool {
	m.check(start, end)
	for w := range m.words {
		r := rangeWord(w, start, end)
		if m.words[w]&r != r {
			return false
		}
	}
	return true
}

// AnyAll reports whether any bit of the mask is set.
func (m Mask) AnyAll() bool {
	for _, w := range m.words {
		if w != 0 {
			return true
		}
	}
	return false
}

// None reports whether the mask is empty.
func (m Mask) None() bool {
	return !m.AnyAll()
}

// Count returns the number of set bits.
func (m Mask) Count() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// And returns m & o. Both masks must have the same size.
func (m Mask) And(o Mask) Mask {
	m.sameSize(o)
	for i := range m.words {
		m.words[i] &= o.words[i]
	}
	return m
}

// Or returns m | o. Both masks must have the same size.
func (m Mask) Or(o Mask) Mask {
	m.sameSize(o)
	for i := range m.words {
		m.words[i] |= o.words[i]
	}
	return m
}

// AndNot returns m &^ o. Both masks must have the same size.
func (m Mask) AndNot(o Mask) Mask {
	m.sameSize(o)
	for i := range m.words {
		m.words[i] &^= o.words[i]
	}
	return m
}

// Not returns the complement of m within its size.
func (m Mask) Not() Mask {
	for i := range m.words {
		m.words[i] = ^m.words[i]
	}
	m.trim()
	return m
}

// Intersects reports whether m and o share a set bit.
func (m Mask) Intersects(o Mask) bool {
	return m.And(o).AnyAll()
}

// String renders the mask with bit 0 first.
func (m Mask) String() string {
	var b strings.Builder
	b.Grow(m.size)
	for i := 0; i < m.size; i++ {
		if m.Test(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// Hex renders the mask as a hex number with bit 0 as the least significant bit.
func (m Mask) Hex() string {
	if m.size == 0 {
		return "0"
	}
	nibbles := (m.size + 3) / 4
	var b strings.Builder
	b.Grow(nibbles)
	for n := nibbles - 1; n >= 0; n-- {
		v := (m.words[(n*4)/wordBits] >> (uint(n*4) % wordBits)) & 0xf
		fmt.Fprintf(&b, "%x", v)
	}
	return b.String()
}

func (m *Mask) trim() {
	for w := range m.words {
		m.words[w] &= rangeWord(w, 0, m.size)
	}
}

func (m Mask) check(start, end int) {
	if start < 0 || end > m.size || start > end {
		panic(fmt.Sprintf("bitmask: range [%d,%d) out of bounds for size %d", start, end, m.size))
	}
}

func (m Mask) sameSize(o Mask) {
	if m.size != o.size {
		panic(fmt.Sprintf("bitmask: size mismatch %d != %d", m.size, o.size))
	}
}

// rangeWord returns the bits of word w that fall inside [start, end).
func rangeWord(w, start, end int) uint64 {
	lo := w * wordBits
	hi := lo + wordBits
	if start > lo {
		lo = start
	}
	if end < hi {
		hi = end
	}
	if lo >= hi {
		return 0
	}
	n := uint(hi - lo)
	var ones uint64
	if n == wordBits {
		ones = ^uint64(0)
	} else {
		ones = (uint64(1) << n) - 1
	}
	return ones << uint(lo-w*wordBits)
}
