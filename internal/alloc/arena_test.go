// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package alloc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArenaAllocateAligned(t *testing.T) {
	a := NewHeap()
	var offs []int64
	for _, size := range []int{1, 15, 16, 17, 100} {
		off, err := a.Allocate(size)
		require.NoError(t, err)
		require.Zero(t, off%Alignment)
		offs = append(offs, off)
	}
	for i := 1; i < len(offs); i++ {
		require.Greater(t, offs[i], offs[i-1])
	}

	_, err := a.Allocate(0)
	require.Error(t, err)
}

func TestArenaZeroFillsAfterRetractedFree(t *testing.T) {
	a := NewHeap()
	off, err := a.Allocate(32)
	require.NoError(t, err)
	mem := a.Bytes()
	for i := 0; i < 32; i++ {
		mem[int(off)+i] = 0xff
	}
	require.NoError(t, a.Free(off, 32))
	require.Equal(t, 0, a.Stats().BytesInUse)

	off2, err := a.Allocate(32)
	require.NoError(t, err)
	require.Equal(t, off, off2)
	require.Equal(t, make([]byte, 32), a.Bytes()[off2:off2+32])
}

func TestArenaReallocatePreservesPrefix(t *testing.T) {
	a := NewHeap()
	first, err := a.Allocate(16)
	require.NoError(t, err)
	copy(a.Bytes()[first:], "0123456789abcdef")

	// not the topmost block any more: growth has to move it
	_, err = a.Allocate(16)
	require.NoError(t, err)

	moved, err := a.Reallocate(first, 16, 64)
	require.NoError(t, err)
	require.NotEqual(t, first, moved)
	mem := a.Bytes()
	require.Equal(t, "0123456789abcdef", string(mem[moved:moved+16]))
	require.Equal(t, make([]byte, 48), mem[moved+16:moved+64])

	// the topmost block grows in place
	inPlace, err := a.Reallocate(moved, 64, 256)
	require.NoError(t, err)
	require.Equal(t, moved, inPlace)
	require.Equal(t, "0123456789abcdef", string(a.Bytes()[inPlace:inPlace+16]))

	// shrinking zeroes the tail and keeps the offset
	shrunk, err := a.Reallocate(inPlace, 256, 8)
	require.NoError(t, err)
	require.Equal(t, inPlace, shrunk)
	require.Equal(t, "01234567", string(a.Bytes()[shrunk:shrunk+8]))
	require.Equal(t, make([]byte, 8), a.Bytes()[shrunk+8:shrunk+16])
}

func TestArenaGrowLimit(t *testing.T) {
	a := NewArena(HeapGrow(8192))
	_, err := a.Allocate(4096)
	require.NoError(t, err)
	_, err = a.Allocate(4096)
	require.NoError(t, err)
	_, err = a.Allocate(16)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoSpace))

	// a failed allocation doesn't disturb the arena
	require.Equal(t, 8192, a.Stats().BytesInUse)
}

func TestArenaRejectsForeignBlocks(t *testing.T) {
	a := NewHeap()
	_, err := a.Allocate(32)
	require.NoError(t, err)
	require.Error(t, a.Free(8, 16))
	require.Error(t, a.Free(4096, 16))
	_, err = a.Reallocate(-16, 16, 32)
	require.Error(t, err)
}

func TestArenaInitialSize(t *testing.T) {
	a := NewArena(HeapGrow(0), WithInitialSize(1<<16))
	require.GreaterOrEqual(t, len(a.Bytes()), 1<<16)
	st := a.Stats()
	require.Equal(t, uint64(1), st.Grows)
	require.Zero(t, st.BytesInUse)
}
