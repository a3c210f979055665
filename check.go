// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package linky

import (
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/bpowers/linky/internal/extent"
)

// CheckReport summarizes a consistency check of the whole file.
type CheckReport struct {
	Keys              int
	Expired           int
	Buckets           int
	AllocatedExtents  uint
	ReferencedExtents uint
	// Leaked counts extents marked allocated that nothing references.
	Leaked uint
	// Dangling counts extents referenced by a block but not marked
	// allocated, or lying outside any data unit.
	Dangling uint
	// Overlaps counts extents referenced by more than one block.
	Overlaps uint
}

// OK reports whether the check found no leaks, dangling references or
// overlaps.
func (r CheckReport) OK() bool {
	return r.Leaked == 0 && r.Dangling == 0 && r.Overlaps == 0
}

// Check verifies every index record and then cross-checks the extents the
// index marks allocated against the extents the superblock, hashtable and
// values actually use.
func (db *DB) Check() (CheckReport, error) {
	var report CheckReport
	if db.table == nil {
		return report, ErrClosed
	}
	if err := db.extents.Verify(); err != nil {
		return report, err
	}

	numExtents := uint(len(db.file.Bytes()) / extent.ExtentSize)
	referenced := bitset.New(numExtents)
	mark := func(off int64, size int) {
		first := uint(off / extent.ExtentSize)
		n := uint((size + extent.ExtentSize - 1) / extent.ExtentSize)
		for e := first; e < first+n; e++ {
			switch {
			case e >= numExtents:
				report.Dangling++
			case referenced.Test(e):
				report.Overlaps++
			default:
				referenced.Set(e)
			}
		}
	}

	mark(superblockOffset, superblockSize)
	rootOff, rootSize := db.table.Root()
	mark(rootOff, rootSize)
	db.table.Buckets(func(off int64, size int) bool {
		report.Buckets++
		mark(off, size)
		return true
	})

	now := time.Now()
	db.table.Iterate(func(key uint32, buf []byte) bool {
		rec := readRecord(buf)
		report.Keys++
		if (Item{ExpiresAt: rec.expiresAt}).Expired(now) {
			report.Expired++
		}
		if rec.valueLength > 0 {
			mark(rec.valueOffset, rec.valueLength)
		}
		return true
	})

	allocated := bitset.New(numExtents)
	db.extents.WalkAllocated(func(off int64) bool {
		allocated.Set(uint(off / extent.ExtentSize))
		return true
	})

	report.AllocatedExtents = allocated.Count()
	report.ReferencedExtents = referenced.Count()
	report.Leaked = allocated.Difference(referenced).Count()
	report.Dangling += referenced.Difference(allocated).Count()

	if !report.OK() {
		db.logger.Error("database check failed", "path", db.file.Path(),
			"leaked", report.Leaked, "dangling", report.Dangling, "overlaps", report.Overlaps)
		return report, fmt.Errorf("%d leaked, %d dangling and %d overlapping extents: %w",
			report.Leaked, report.Dangling, report.Overlaps, ErrCorrupt)
	}
	return report, nil
}
