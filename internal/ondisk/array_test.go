// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package ondisk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWords(t *testing.T) {
	const wordsLen = 12
	mem := make([]byte, 8+wordsLen*WordSize)
	w := WordsAt(mem, 8, wordsLen)
	require.Equal(t, wordsLen, w.Len())

	for i := 0; i < wordsLen; i++ {
		w.Set(i, uint32(i*2))
	}
	for i := 0; i < wordsLen; i++ {
		require.Equal(t, uint32(i*2), w.Get(i))
	}
	// the view writes through to the underlying memory, little-endian
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, mem[:8])
	require.Equal(t, []byte{2, 0, 0, 0}, mem[12:16])

	require.Panics(t, func() { w.Get(wordsLen) })

	w.Zero(1, 3)
	require.Zero(t, w.Get(1))
	require.Zero(t, w.Get(2))
	require.Equal(t, uint32(6), w.Get(3))

	sub := w.Slice(3, 5)
	require.Equal(t, 2, sub.Len())
	require.Equal(t, uint32(6), sub.Get(0))
}

func TestWordsSigned(t *testing.T) {
	w := make(Words, 2*WordSize)
	w.SetInt32(0, -7)
	w.SetInt32(1, 1<<30)
	require.Equal(t, int32(-7), w.Int32(0))
	require.Equal(t, uint32(0xfffffff9), w.Get(0))
	require.Equal(t, int32(1<<30), w.Int32(1))
}
