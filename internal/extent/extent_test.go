// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package extent

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/linky/internal/alloc"
)

// smallUnit keeps tests cheap: 64 extents per unit and 3 data units per
// index unit.
const smallUnit = 4096

var smallGeometry = newGeometry(smallUnit, 3)

type memSpace struct {
	mem      []byte
	unitSize int
	maxUnits int
}

func newMemSpace(unitSize, units int) *memSpace {
	return &memSpace{mem: make([]byte, unitSize*units), unitSize: unitSize}
}

func (s *memSpace) Bytes() []byte {
	return s.mem
}

func (s *memSpace) Grow() error {
	if s.maxUnits > 0 && len(s.mem)/s.unitSize >= s.maxUnits {
		return errors.New("memSpace: out of units")
	}
	// always move, like a remap can
	grown := make([]byte, len(s.mem)+s.unitSize)
	copy(grown, s.mem)
	s.mem = grown
	return nil
}

func newSmall(t *testing.T, units int) (*Allocator, *memSpace) {
	space := newMemSpace(smallUnit, units)
	a, err := New(space, withGeometry(smallGeometry))
	require.NoError(t, err)
	return a, space
}

func TestDefaultGeometry(t *testing.T) {
	require.Equal(t, 32768, ExtentsPerUnit)
	require.Equal(t, 4108, RecordSize)
	require.Equal(t, 510, RecordsPerIndex)

	g := defaultGeometry
	require.Equal(t, RecordSize, g.recordSize)
	require.Equal(t, 1024, g.bitmapWords)
	require.True(t, g.isIndexUnit(0))
	require.True(t, g.isIndexUnit(511))
	require.False(t, g.isIndexUnit(510))
	require.Equal(t, int64(0), g.recordOffset(1))
	require.Equal(t, int64(RecordSize), g.recordOffset(2))
	require.Equal(t, int64(509*RecordSize), g.recordOffset(510))
	require.Equal(t, int64(511*UnitSize), g.recordOffset(512))
	require.Equal(t, int64(3*UnitSize+5*ExtentSize), g.offset(3, 5))
}

func TestDefaultFirstAllocation(t *testing.T) {
	space := newMemSpace(UnitSize, 4)
	a, err := New(space)
	require.NoError(t, err)

	// opening seals every existing data unit
	for u := 1; u < 4; u++ {
		rec, err := a.Record(u)
		require.NoError(t, err)
		require.False(t, rec.Pristine)
		require.Zero(t, rec.Allocated)
	}

	off, err := a.Allocate(32)
	require.NoError(t, err)
	require.Equal(t, int64(UnitSize), off)

	rec, err := a.Record(1)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Allocated)
	require.False(t, rec.Full)

	// a full data unit is the largest allocation
	off, err = a.Allocate(UnitSize)
	require.NoError(t, err)
	require.Equal(t, int64(2*UnitSize), off)
	rec, err = a.Record(2)
	require.NoError(t, err)
	require.True(t, rec.Full)

	_, err = a.Allocate(UnitSize + 1)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestAllocateFirstFit(t *testing.T) {
	a, _ := newSmall(t, 1)

	off, err := a.Allocate(1)
	require.NoError(t, err)
	require.Equal(t, int64(smallUnit), off)
	require.Equal(t, 2, a.Stats().Units)

	off, err = a.Allocate(64)
	require.NoError(t, err)
	require.Equal(t, int64(smallUnit+64), off)

	off, err = a.Allocate(65)
	require.NoError(t, err)
	require.Equal(t, int64(smallUnit+128), off)

	rec, err := a.Record(1)
	require.NoError(t, err)
	require.Equal(t, 4, rec.Allocated)
	require.Equal(t, int64(4), a.Stats().AllocatedExtents)

	_, err = a.Allocate(0)
	require.Error(t, err)
	_, err = a.Allocate(smallUnit + 1)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestIndexUnitInsertion(t *testing.T) {
	a, space := newSmall(t, 1)

	for i := 1; i <= 3; i++ {
		off, err := a.Allocate(smallUnit)
		require.NoError(t, err)
		require.Equal(t, int64(i*smallUnit), off)
		rec, err := a.Record(i)
		require.NoError(t, err)
		require.True(t, rec.Full)
	}
	require.Equal(t, 4, a.Stats().Units)

	// unit 4 is an index unit, so the next data unit is 5
	off, err := a.Allocate(10)
	require.NoError(t, err)
	require.Equal(t, int64(5*smallUnit), off)

	stats := a.Stats()
	require.Equal(t, 6, stats.Units)
	require.Equal(t, 4, stats.DataUnits)
	require.Len(t, space.Bytes(), 6*smallUnit)

	_, err = a.Record(4)
	require.Error(t, err)
	rec, err := a.Record(5)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Allocated)

	// the record for unit 5 lives at the start of index unit 4
	require.Equal(t, int64(4*smallUnit), smallGeometry.recordOffset(5))
	require.NoError(t, a.Verify())
}

func TestFreeAndReuse(t *testing.T) {
	a, space := newSmall(t, 2)

	var offs []int64
	for i := 0; i < 3; i++ {
		off, err := a.Allocate(64)
		require.NoError(t, err)
		offs = append(offs, off)
	}
	copy(space.Bytes()[offs[1]:], "garbage")
	require.NoError(t, a.Free(offs[1], 64))

	rec, err := a.Record(1)
	require.NoError(t, err)
	require.Equal(t, 2, rec.Allocated)

	off, err := a.Allocate(7)
	require.NoError(t, err)
	require.Equal(t, offs[1], off)
	require.Equal(t, make([]byte, 64), space.Bytes()[off:off+64])

	// a full unit drops out of the search and rejoins it when freed
	full, err := a.Allocate(smallUnit)
	require.NoError(t, err)
	require.Equal(t, int64(2*smallUnit), full)
	require.NoError(t, a.Free(full, smallUnit))
	rec, err = a.Record(2)
	require.NoError(t, err)
	require.False(t, rec.Full)
	require.Zero(t, rec.Allocated)
}

func TestBadFree(t *testing.T) {
	a, _ := newSmall(t, 2)

	off, err := a.Allocate(128)
	require.NoError(t, err)

	err = a.Free(off+128, 64)
	require.ErrorIs(t, err, ErrBadFree)
	require.ErrorIs(t, err, ErrCorrupt)
	require.ErrorIs(t, a.Free(off+1, 64), ErrBadFree)
	require.ErrorIs(t, a.Free(0, 64), ErrBadFree)
	require.ErrorIs(t, a.Free(10*smallUnit, 64), ErrBadFree)
	require.ErrorIs(t, a.Free(off+64, smallUnit), ErrBadFree)

	require.NoError(t, a.Free(off, 128))
	require.ErrorIs(t, a.Free(off, 128), ErrBadFree)

	_, err = a.Reallocate(off, 128, 256)
	require.ErrorIs(t, err, ErrBadFree)
}

func TestCheckAllocated(t *testing.T) {
	a, _ := newSmall(t, 2)

	off, err := a.Allocate(200)
	require.NoError(t, err)
	require.NoError(t, a.CheckAllocated(off, 200))
	require.NoError(t, a.CheckAllocated(off+64, 64))

	require.ErrorIs(t, a.CheckAllocated(off, 300), ErrCorrupt)
	require.ErrorIs(t, a.CheckAllocated(0, 64), ErrCorrupt)
	require.ErrorIs(t, a.CheckAllocated(10*smallUnit, 64), ErrCorrupt)

	// checking doesn't change anything
	require.Equal(t, int64(4), a.Stats().AllocatedExtents)
	require.NoError(t, a.Free(off, 200))
	require.ErrorIs(t, a.CheckAllocated(off, 200), ErrBadFree)
}

func TestReallocate(t *testing.T) {
	a, space := newSmall(t, 2)

	off, err := a.Allocate(100)
	require.NoError(t, err)
	copy(space.Bytes()[off:], "0123456789")

	// same extent count
	same, err := a.Reallocate(off, 100, 120)
	require.NoError(t, err)
	require.Equal(t, off, same)

	// grows in place into free extents
	grown, err := a.Reallocate(off, 120, 300)
	require.NoError(t, err)
	require.Equal(t, off, grown)
	rec, err := a.Record(1)
	require.NoError(t, err)
	require.Equal(t, 5, rec.Allocated)
	require.Equal(t, make([]byte, 290), space.Bytes()[off+10:off+300])

	// shrinking frees the tail
	shrunk, err := a.Reallocate(off, 300, 64)
	require.NoError(t, err)
	require.Equal(t, off, shrunk)
	rec, err = a.Record(1)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Allocated)

	// a neighbour forces the next growth to move
	neighbour, err := a.Allocate(64)
	require.NoError(t, err)
	require.Equal(t, off+64, neighbour)

	moved, err := a.Reallocate(off, 64, 200)
	require.NoError(t, err)
	require.NotEqual(t, off, moved)
	require.Equal(t, []byte("0123456789"), space.Bytes()[moved:moved+10])
	require.Equal(t, make([]byte, 190), space.Bytes()[moved+10:moved+200])
	require.ErrorIs(t, a.Free(off, 64), ErrBadFree)

	rec, err = a.Record(1)
	require.NoError(t, err)
	require.Equal(t, 5, rec.Allocated)
}

func TestCorruption(t *testing.T) {
	a, space := newSmall(t, 3)
	_, err := a.Allocate(64)
	require.NoError(t, err)

	// flip an unaccounted bit in unit 2's bitmap
	recOff := smallGeometry.recordOffset(2)
	space.Bytes()[recOff] ^= 1

	require.ErrorIs(t, a.Verify(), ErrCorrupt)
	_, err = New(space, withGeometry(smallGeometry))
	require.ErrorIs(t, err, ErrCorrupt)

	// allocation skips nothing silently: unit 1 is fine, unit 2 is not
	_, err = a.Allocate(smallUnit)
	require.ErrorIs(t, err, ErrCorrupt)
	require.False(t, errors.Is(err, alloc.ErrNoSpace))
}

func TestGrowFailure(t *testing.T) {
	a, space := newSmall(t, 2)
	space.maxUnits = 2

	_, err := a.Allocate(smallUnit)
	require.NoError(t, err)
	_, err = a.Allocate(64)
	require.ErrorIs(t, err, alloc.ErrNoSpace)
	require.Equal(t, 2, a.Stats().Units)
}

func TestReopen(t *testing.T) {
	a, space := newSmall(t, 1)
	var offs []int64
	for i := 0; i < 10; i++ {
		off, err := a.Allocate(64 * (i + 1))
		require.NoError(t, err)
		offs = append(offs, off)
	}

	b, err := New(space, withGeometry(smallGeometry))
	require.NoError(t, err)
	require.Equal(t, a.Stats().Units, b.Stats().Units)
	require.Equal(t, a.Stats().AllocatedExtents, b.Stats().AllocatedExtents)

	off, err := b.Allocate(64)
	require.NoError(t, err)
	require.NotContains(t, offs, off)
	for i, o := range offs {
		require.NoError(t, b.Free(o, 64*(i+1)))
	}
}

func TestAccounting(t *testing.T) {
	a, space := newSmall(t, 1)
	rng := rand.New(rand.NewSource(7))

	type block struct {
		off  int64
		size int
	}
	var live []block
	for i := 0; i < 2000; i++ {
		switch op := rng.Intn(3); {
		case op == 0 && len(live) > 0:
			j := rng.Intn(len(live))
			require.NoError(t, a.Free(live[j].off, live[j].size))
			live = append(live[:j], live[j+1:]...)
		case op == 1 && len(live) > 0:
			j := rng.Intn(len(live))
			size := 1 + rng.Intn(smallUnit/2)
			off, err := a.Reallocate(live[j].off, live[j].size, size)
			require.NoError(t, err)
			live[j] = block{off, size}
		default:
			size := 1 + rng.Intn(smallUnit/4)
			off, err := a.Allocate(size)
			require.NoError(t, err)
			live = append(live, block{off, size})
		}
	}

	require.NoError(t, a.Verify())

	var want int64
	for _, b := range live {
		want += int64((b.size + ExtentSize - 1) / ExtentSize)
	}
	require.Equal(t, want, a.Stats().AllocatedExtents)

	var walked int64
	a.WalkAllocated(func(off int64) bool {
		walked++
		assert.False(t, smallGeometry.isIndexUnit(int(off/smallUnit)))
		return true
	})
	require.Equal(t, want, walked)

	// every record's count matches its bitmap and its checksum is sealed
	mem := space.Bytes()
	for u := 1; u < a.Stats().Units; u++ {
		if smallGeometry.isIndexUnit(u) {
			continue
		}
		rec := smallGeometry.record(mem, u)
		require.Equal(t, rec.bitmap().Count(), rec.allocated())
		require.Equal(t, rec.computeChecksum(), rec.checksum())
	}
}
