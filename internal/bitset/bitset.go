// Copyright 2026 The linky Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bitset

import (
	"math/bits"

	"github.com/bpowers/linky/internal/ondisk"
)

const (
	wordBits = 32
	fullWord = ^uint32(0)
)

// Bitset is a bitmap stored as little-endian 32-bit words, so that it can
// live directly inside a memory-mapped file.  Bit i lives in word i/32 at
// bit position i%32.
type Bitset struct {
	words  ondisk.Words
	length int
}

// New returns a new in-memory bitset where you can set, clear and test for individual bits.
func New(length int) *Bitset {
	wordsLen := (length + wordBits - 1) / wordBits
	return &Bitset{
		words:  make(ondisk.Words, wordsLen*ondisk.WordSize),
		length: length,
	}
}

// View returns a bitset of length bits over existing memory.  Mutations
// write through to words.
func View(words ondisk.Words, length int) Bitset {
	if length > words.Len()*wordBits {
		panic("bitset.View: length exceeds backing words")
	}
	return Bitset{words: words, length: length}
}

// LowestClear returns the index of the lowest clear bit in w, or 32 if
// every bit is set.
func LowestClear(w uint32) int {
	return bits.TrailingZeros32(^w)
}

func getOffsets(off int) (wordOff int, bitOff uint) {
	wordOff = off / wordBits
	bitOff = uint(off) % wordBits
	return
}

// Len returns the number of bits in the set.
func (b Bitset) Len() int {
	return b.length
}

// Set sets the bit at position `off` to 1.
func (b Bitset) Set(off int) {
	if off < 0 || off >= b.length {
		return
	}
	wordOff, bitOff := getOffsets(off)
	b.words.Set(wordOff, b.words.Get(wordOff)|1<<bitOff)
}

// Clear sets the bit at position `off` to 0.
func (b Bitset) Clear(off int) {
	if off < 0 || off >= b.length {
		return
	}
	wordOff, bitOff := getOffsets(off)
	b.words.Set(wordOff, b.words.Get(wordOff)&^(1<<bitOff))
}

// IsSet returns true if the bit at position `off` is 1.
func (b Bitset) IsSet(off int) bool {
	if off < 0 || off >= b.length {
		return false
	}
	wordOff, bitOff := getOffsets(off)
	return b.words.Get(wordOff)&(1<<bitOff) != 0
}

// SetRange sets bits [off, off+n).
func (b Bitset) SetRange(off, n int) {
	for i := off; i < off+n; i++ {
		b.Set(i)
	}
}

// ClearRange clears bits [off, off+n).
func (b Bitset) ClearRange(off, n int) {
	for i := off; i < off+n; i++ {
		b.Clear(i)
	}
}

// AllSet reports whether every bit in [off, off+n) is set.
func (b Bitset) AllSet(off, n int) bool {
	if off < 0 || off+n > b.length {
		return false
	}
	for i := off; i < off+n; i++ {
		if !b.IsSet(i) {
			return false
		}
	}
	return true
}

// AllClear reports whether every bit in [off, off+n) is clear.
func (b Bitset) AllClear(off, n int) bool {
	if off < 0 || off+n > b.length {
		return false
	}
	for i := off; i < off+n; i++ {
		if b.IsSet(i) {
			return false
		}
	}
	return true
}

// Count returns the number of set bits.
func (b Bitset) Count() int {
	n := 0
	fullWords := b.length / wordBits
	for i := 0; i < fullWords; i++ {
		n += bits.OnesCount32(b.words.Get(i))
	}
	for i := fullWords * wordBits; i < b.length; i++ {
		if b.IsSet(i) {
			n++
		}
	}
	return n
}

// FirstClearRun returns the lowest position at which n consecutive bits are
// clear, or -1 if there is no such run.
func (b Bitset) FirstClearRun(n int) int {
	if n <= 0 || n > b.length {
		return -1
	}
	run, start := 0, 0
	wordsLen := (b.length + wordBits - 1) / wordBits
	for wi := 0; wi < wordsLen; wi++ {
		w := b.words.Get(wi)
		whole := (wi+1)*wordBits <= b.length
		if whole && w == fullWord {
			run = 0
			continue
		}
		if whole && w == 0 {
			if run == 0 {
				start = wi * wordBits
			}
			run += wordBits
			if run >= n {
				return start
			}
			continue
		}
		for bit := 0; bit < wordBits; bit++ {
			i := wi*wordBits + bit
			if i >= b.length {
				return -1
			}
			if w&(1<<uint(bit)) != 0 {
				run = 0
				continue
			}
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				return start
			}
		}
	}
	return -1
}
