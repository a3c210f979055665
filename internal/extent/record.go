// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package extent

import (
	"fmt"

	"github.com/dgryski/go-farm"

	"github.com/bpowers/linky/internal/bitset"
	"github.com/bpowers/linky/internal/ondisk"
)

const (
	// UnitSize is the size of every index and data unit: one 2 MiB huge
	// page.
	UnitSize = 2 << 20
	// ExtentSize is the allocation granularity within a data unit.
	ExtentSize = 64
	// ExtentsPerUnit is the number of extents in a data unit, and so the
	// largest possible allocation.
	ExtentsPerUnit = UnitSize / ExtentSize
	// RecordSize is the size of an index record: a bitmap word per 32
	// extents, then the full flag, the allocated count and the checksum.
	RecordSize = (ExtentsPerUnit/32 + 3) * ondisk.WordSize
	// RecordsPerIndex is the number of data units described by one index
	// unit.  Unit g*(RecordsPerIndex+1) is an index unit, and the
	// RecordsPerIndex units after it are its data units.
	RecordsPerIndex = UnitSize / RecordSize
)

// geometry describes the file layout.  Production files always use
// defaultGeometry; tests shrink it so index unit boundaries are reachable
// without gigabytes of memory.
type geometry struct {
	unitSize        int
	extentsPerUnit  int
	bitmapWords     int
	recordSize      int
	recordsPerIndex int
}

var defaultGeometry = newGeometry(UnitSize, RecordsPerIndex)

func newGeometry(unitSize, recordsPerIndex int) geometry {
	extents := unitSize / ExtentSize
	words := extents / 32
	recordSize := (words + 3) * ondisk.WordSize
	if limit := unitSize / recordSize; recordsPerIndex > limit {
		recordsPerIndex = limit
	}
	return geometry{
		unitSize:        unitSize,
		extentsPerUnit:  extents,
		bitmapWords:     words,
		recordSize:      recordSize,
		recordsPerIndex: recordsPerIndex,
	}
}

func (g geometry) groupUnits() int {
	return g.recordsPerIndex + 1
}

func (g geometry) isIndexUnit(unit int) bool {
	return unit%g.groupUnits() == 0
}

// recordOffset returns the file offset of the index record for a data unit.
func (g geometry) recordOffset(unit int) int64 {
	group := unit / g.groupUnits()
	slot := unit%g.groupUnits() - 1
	return int64(group)*int64(g.groupUnits())*int64(g.unitSize) + int64(slot)*int64(g.recordSize)
}

func (g geometry) offset(unit, extent int) int64 {
	return int64(unit)*int64(g.unitSize) + int64(extent)*ExtentSize
}

// record is a view of one index record inside the mapped file.
type record struct {
	w     ondisk.Words
	words int // bitmap words
}

func (g geometry) record(mem []byte, unit int) record {
	return record{
		w:     ondisk.WordsAt(mem, g.recordOffset(unit), g.bitmapWords+3),
		words: g.bitmapWords,
	}
}

func (r record) bitmap() bitset.Bitset {
	return bitset.View(r.w.Slice(0, r.words), r.words*32)
}

func (r record) full() uint32 {
	return r.w.Get(r.words)
}

func (r record) setFull(full bool) {
	var v uint32
	if full {
		v = 1
	}
	r.w.Set(r.words, v)
}

func (r record) allocated() int {
	return int(r.w.Get(r.words + 1))
}

func (r record) setAllocated(n int) {
	r.w.Set(r.words+1, uint32(n))
}

func (r record) checksum() uint32 {
	return r.w.Get(r.words + 2)
}

func (r record) computeChecksum() uint32 {
	return farm.Fingerprint32(r.w[:(r.words+2)*ondisk.WordSize])
}

func (r record) seal() {
	r.w.Set(r.words+2, r.computeChecksum())
}

// pristine reports whether the record has never been written.
func (r record) pristine() bool {
	for _, b := range r.w {
		if b != 0 {
			return false
		}
	}
	return true
}

func (r record) verify(unit int) error {
	if r.pristine() {
		return nil
	}
	if got, want := r.checksum(), r.computeChecksum(); got != want {
		return fmt.Errorf("data unit %d: checksum %08x, expected %08x: %w", unit, got, want, ErrCorrupt)
	}
	allocated := r.allocated()
	if n := r.bitmap().Count(); n != allocated {
		return fmt.Errorf("data unit %d: %d extents marked but count is %d: %w", unit, n, allocated, ErrCorrupt)
	}
	full := r.full()
	if full > 1 || (full == 1) != (allocated == r.words*32) {
		return fmt.Errorf("data unit %d: full flag %d with %d extents allocated: %w", unit, full, allocated, ErrCorrupt)
	}
	return nil
}

// Record is a snapshot of a data unit's index record.
type Record struct {
	Unit      int
	Allocated int
	Full      bool
	Checksum  uint32
	Pristine  bool
}
