// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package extent allocates 64-byte extents out of a file made of 2 MiB
// units.  Every index unit holds one checksummed record per data unit
// that follows it, recording which extents of that unit are in use.
package extent

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"runtime"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/bpowers/linky/internal/alloc"
)

var (
	// ErrCorrupt means an index record failed verification.
	ErrCorrupt = errors.New("extent: corrupt index record")
	// ErrBadFree means a block being freed or reallocated is not a live
	// allocation; it is a kind of corruption.
	ErrBadFree = fmt.Errorf("%w: block is not allocated", ErrCorrupt)
	// ErrTooLarge means a request exceeds a single data unit.
	ErrTooLarge = errors.New("extent: allocation larger than a data unit")
)

// Space is the memory the allocator manages.  Grow must extend Bytes by
// exactly one zero-filled unit; Bytes may move when it does.
type Space interface {
	Bytes() []byte
	Grow() error
}

// Stats tracks allocator usage.
type Stats struct {
	Units            int
	DataUnits        int
	AllocatedExtents int64
	Allocs           uint64
	Reallocs         uint64
	Frees            uint64
	Grows            uint64
}

type Option func(*Allocator)

// WithLogger sets the logger used to report growth and corruption.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Allocator) {
		a.logger = logger
	}
}

func withGeometry(g geometry) Option {
	return func(a *Allocator) {
		a.g = g
	}
}

// Allocator is a first-fit extent allocator over a Space.  It implements
// alloc.Allocator with file offsets.
//
// An Allocator is not safe for concurrent use.
type Allocator struct {
	space  Space
	g      geometry
	units  int
	hint   *roaring.Bitmap // data units that are not full
	logger *slog.Logger
	stats  Stats
}

var _ alloc.Allocator = (*Allocator)(nil)

// New verifies every index record in space, seals the records of data
// units that have never been used and returns an allocator over it.
func New(space Space, opts ...Option) (*Allocator, error) {
	a := &Allocator{
		space: space,
		g:     defaultGeometry,
		hint:  roaring.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	size := len(space.Bytes())
	if size == 0 || size%a.g.unitSize != 0 {
		return nil, fmt.Errorf("space of %d bytes is not a whole number of units: %w", size, ErrCorrupt)
	}
	a.units = size / a.g.unitSize

	if err := a.Verify(); err != nil {
		a.logger.Error("index verification failed", "error", err)
		return nil, err
	}

	mem := space.Bytes()
	for u := 1; u < a.units; u++ {
		if a.g.isIndexUnit(u) {
			continue
		}
		rec := a.g.record(mem, u)
		if rec.pristine() {
			rec.seal()
		}
		if rec.full() == 0 {
			a.hint.Add(uint32(u))
		}
		a.stats.AllocatedExtents += int64(rec.allocated())
	}
	return a, nil
}

// Verify checks the checksum and accounting of every index record.  Index
// units are verified concurrently.
func (a *Allocator) Verify() error {
	mem := a.space.Bytes()
	groupUnits := a.g.groupUnits()

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for start := 0; start < a.units; start += groupUnits {
		end := min(start+groupUnits, a.units)
		g.Go(func() error {
			for u := start + 1; u < end; u++ {
				if err := a.g.record(mem, u).verify(u); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *Allocator) Bytes() []byte {
	return a.space.Bytes()
}

// Stats returns a snapshot of the allocator's counters.
func (a *Allocator) Stats() Stats {
	s := a.stats
	s.Units = a.units
	s.DataUnits = a.units - (a.units+a.g.groupUnits()-1)/a.g.groupUnits()
	return s
}

// Record returns a snapshot of the index record for a data unit.
func (a *Allocator) Record(unit int) (Record, error) {
	if unit <= 0 || unit >= a.units || a.g.isIndexUnit(unit) {
		return Record{}, fmt.Errorf("unit %d is not a data unit (%d units)", unit, a.units)
	}
	rec := a.g.record(a.space.Bytes(), unit)
	return Record{
		Unit:      unit,
		Allocated: rec.allocated(),
		Full:      rec.full() != 0,
		Checksum:  rec.checksum(),
		Pristine:  rec.pristine(),
	}, nil
}

func (a *Allocator) extents(size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("invalid allocation size %d", size)
	}
	n := (size + ExtentSize - 1) / ExtentSize
	if n > a.g.extentsPerUnit {
		return 0, fmt.Errorf("%d bytes: %w", size, ErrTooLarge)
	}
	return n, nil
}

// locate validates that [off, off+size) is a live allocation.
func (a *Allocator) locate(off int64, size int) (unit, extent, n int, err error) {
	if size <= 0 || off < 0 || off%ExtentSize != 0 {
		return 0, 0, 0, fmt.Errorf("block [%d, +%d): %w", off, size, ErrBadFree)
	}
	unit = int(off / int64(a.g.unitSize))
	if unit >= a.units || a.g.isIndexUnit(unit) {
		return 0, 0, 0, fmt.Errorf("block [%d, +%d) outside any data unit: %w", off, size, ErrBadFree)
	}
	extent = int(off%int64(a.g.unitSize)) / ExtentSize
	n = (size + ExtentSize - 1) / ExtentSize
	if extent+n > a.g.extentsPerUnit {
		return 0, 0, 0, fmt.Errorf("block [%d, +%d) crosses a unit boundary: %w", off, size, ErrBadFree)
	}
	rec := a.g.record(a.space.Bytes(), unit)
	if err := rec.verify(unit); err != nil {
		return 0, 0, 0, err
	}
	if !rec.bitmap().AllSet(extent, n) {
		return 0, 0, 0, fmt.Errorf("block [%d, +%d): %w", off, size, ErrBadFree)
	}
	return unit, extent, n, nil
}

// mark sets extents [extent, extent+n) of unit as allocated and zeroes them.
func (a *Allocator) mark(unit, extent, n int) {
	mem := a.space.Bytes()
	rec := a.g.record(mem, unit)
	rec.bitmap().SetRange(extent, n)
	allocated := rec.allocated() + n
	rec.setAllocated(allocated)
	if allocated == a.g.extentsPerUnit {
		rec.setFull(true)
		a.hint.Remove(uint32(unit))
	}
	rec.seal()
	a.stats.AllocatedExtents += int64(n)

	off := a.g.offset(unit, extent)
	clear(mem[off : off+int64(n)*ExtentSize])
}

func (a *Allocator) unmark(unit, extent, n int) {
	rec := a.g.record(a.space.Bytes(), unit)
	rec.bitmap().ClearRange(extent, n)
	rec.setAllocated(rec.allocated() - n)
	rec.setFull(false)
	rec.seal()
	a.hint.Add(uint32(unit))
	a.stats.AllocatedExtents -= int64(n)
}

// firstFit finds the lowest run of n free extents in the lowest data unit
// that has one.
func (a *Allocator) firstFit(n int) (int64, bool, error) {
	mem := a.space.Bytes()
	it := a.hint.Iterator()
	for it.HasNext() {
		unit := int(it.Next())
		rec := a.g.record(mem, unit)
		if err := rec.verify(unit); err != nil {
			return 0, false, err
		}
		if rec.allocated()+n > a.g.extentsPerUnit {
			continue
		}
		extent := rec.bitmap().FirstClearRun(n)
		if extent < 0 {
			continue
		}
		a.mark(unit, extent, n)
		return a.g.offset(unit, extent), true, nil
	}
	return 0, false, nil
}

func (a *Allocator) growSpace() error {
	if err := a.space.Grow(); err != nil {
		return fmt.Errorf("grow space: %w: %w", alloc.ErrNoSpace, err)
	}
	size := len(a.space.Bytes())
	if size != (a.units+1)*a.g.unitSize {
		return fmt.Errorf("space grew to %d bytes, expected %d: %w", size, (a.units+1)*a.g.unitSize, ErrCorrupt)
	}
	a.units++
	a.stats.Grows++
	return nil
}

// addDataUnit grows the space by one data unit, first adding an index unit
// if the next unit position belongs to one.
func (a *Allocator) addDataUnit() error {
	if a.g.isIndexUnit(a.units) {
		if err := a.growSpace(); err != nil {
			return err
		}
		a.logger.Debug("added index unit", "unit", a.units-1)
	}
	if err := a.growSpace(); err != nil {
		return err
	}
	unit := a.units - 1
	a.g.record(a.space.Bytes(), unit).seal()
	a.hint.Add(uint32(unit))
	a.logger.Debug("added data unit", "unit", unit)
	return nil
}

// Allocate returns the file offset of ceil(size/64) zeroed extents.
func (a *Allocator) Allocate(size int) (int64, error) {
	n, err := a.extents(size)
	if err != nil {
		return 0, err
	}
	off, ok, err := a.firstFit(n)
	if err != nil {
		return 0, err
	}
	if !ok {
		if err := a.addDataUnit(); err != nil {
			return 0, err
		}
		if off, ok, err = a.firstFit(n); err != nil {
			return 0, err
		} else if !ok {
			return 0, fmt.Errorf("no run of %d extents after growth: %w", n, alloc.ErrNoSpace)
		}
	}
	a.stats.Allocs++
	return off, nil
}

// Reallocate resizes the block at off.  Shrinking frees the trailing
// extents in place; growing extends in place when the following extents
// are free, and otherwise moves the block.
func (a *Allocator) Reallocate(off int64, oldSize, newSize int) (int64, error) {
	newN, err := a.extents(newSize)
	if err != nil {
		return 0, err
	}
	unit, extent, oldN, err := a.locate(off, oldSize)
	if err != nil {
		return 0, err
	}
	a.stats.Reallocs++

	switch {
	case newN == oldN:
		mem := a.space.Bytes()
		lo, hi := min(oldSize, newSize), max(oldSize, newSize)
		clear(mem[off+int64(lo) : off+int64(hi)])
		return off, nil
	case newN < oldN:
		a.unmark(unit, extent+newN, oldN-newN)
		mem := a.space.Bytes()
		clear(mem[off+int64(newSize) : off+int64(newN)*ExtentSize])
		return off, nil
	}

	rec := a.g.record(a.space.Bytes(), unit)
	if extent+newN <= a.g.extentsPerUnit && rec.bitmap().AllClear(extent+oldN, newN-oldN) {
		a.mark(unit, extent+oldN, newN-oldN)
		mem := a.space.Bytes()
		clear(mem[off+int64(oldSize) : off+int64(oldN)*ExtentSize])
		return off, nil
	}

	newOff, err := a.Allocate(newSize)
	if err != nil {
		return 0, err
	}
	mem := a.space.Bytes()
	copy(mem[newOff:newOff+int64(oldSize)], mem[off:off+int64(oldSize)])
	if err := a.Free(off, oldSize); err != nil {
		return 0, errors.Join(err, a.Free(newOff, newSize))
	}
	return newOff, nil
}

// CheckAllocated returns an error wrapping ErrCorrupt unless every extent
// backing [off, off+size) is marked allocated.
func (a *Allocator) CheckAllocated(off int64, size int) error {
	_, _, _, err := a.locate(off, size)
	return err
}

// Free releases the extents backing [off, off+size).
func (a *Allocator) Free(off int64, size int) error {
	unit, extent, n, err := a.locate(off, size)
	if err != nil {
		return err
	}
	a.unmark(unit, extent, n)
	a.stats.Frees++
	return nil
}

// WalkAllocated calls fn with the file offset of every allocated extent,
// in file order, until fn returns false.
func (a *Allocator) WalkAllocated(fn func(off int64) bool) {
	mem := a.space.Bytes()
	for u := 1; u < a.units; u++ {
		if a.g.isIndexUnit(u) {
			continue
		}
		rec := a.g.record(mem, u)
		if rec.allocated() == 0 {
			continue
		}
		for wi := 0; wi < rec.words; wi++ {
			w := rec.w.Get(wi)
			for w != 0 {
				bit := bits.TrailingZeros32(w)
				w &= w - 1
				if !fn(a.g.offset(u, wi*32+bit)) {
					return
				}
			}
		}
	}
}
