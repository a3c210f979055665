// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package ondisk provides typed views over raw byte memory, which may be
// a heap slice or a region of a memory-mapped file.  Everything is
// little-endian, so the same bytes mean the same thing wherever they end
// up being mapped.
package ondisk

import (
	"encoding/binary"
)

// WordSize is the size in bytes of a single word.
const WordSize = 4

// Words is a read/write view into a byte array as if it was []uint32.
type Words []byte

// WordsAt returns the n-word view of mem starting at byte offset off.
func WordsAt(mem []byte, off int64, n int) Words {
	return Words(mem[off : off+int64(n)*WordSize])
}

// Len returns the length in words.
func (w Words) Len() int {
	return len(w) / WordSize
}

func (w Words) Get(i int) uint32 {
	return binary.LittleEndian.Uint32(w[i*WordSize : i*WordSize+WordSize])
}

func (w Words) Set(i int, v uint32) {
	binary.LittleEndian.PutUint32(w[i*WordSize:i*WordSize+WordSize], v)
}

// Int32 returns word i reinterpreted as a signed integer.
func (w Words) Int32(i int) int32 {
	return int32(w.Get(i))
}

func (w Words) SetInt32(i int, v int32) {
	w.Set(i, uint32(v))
}

// Slice returns the view of words [from, to).
func (w Words) Slice(from, to int) Words {
	return w[from*WordSize : to*WordSize]
}

// Zero clears words [from, to).
func (w Words) Zero(from, to int) {
	clear(w[from*WordSize : to*WordSize])
}
