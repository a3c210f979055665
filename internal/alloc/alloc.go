// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package alloc defines the allocate/reallocate/free capability shared by
// the hashtable and the mapped storage engine, along with a bump arena that
// can sit on top of any "grow" primitive.
//
// Allocations are identified by their byte offset into the allocator's
// backing memory rather than by slices.  The backing memory may move (a
// heap slice is reallocated, a file mapping is remapped) whenever the
// allocator grows, so callers must re-fetch Bytes() after every call that
// can allocate.
package alloc

import (
	"errors"
	"fmt"
)

// Alignment is the granularity of every offset an Arena hands out.  It
// matches the unit the hashtable scales its bucket offsets by.
const Alignment = 16

// ErrNoSpace is returned when an allocator cannot satisfy a request.  It is
// fatal to the operation, not to the process.
var ErrNoSpace = errors.New("alloc: out of space")

// Allocator is the capability the hashtable and storage engine are written
// against.
type Allocator interface {
	// Allocate returns the offset of size zero-filled bytes within Bytes().
	Allocate(size int) (int64, error)
	// Reallocate resizes the block at off, preserving the first
	// min(oldSize, newSize) bytes and zero-filling any growth.  The block
	// may move; the returned offset is authoritative.
	Reallocate(off int64, oldSize, newSize int) (int64, error)
	// Free releases the block at off.
	Free(off int64, size int) error
	// Bytes returns the current backing memory.
	Bytes() []byte
}

// GrowFunc extends mem so that it is at least minLen bytes long, returning
// the (possibly moved) memory.  Existing contents must be preserved and new
// bytes must be zero.
type GrowFunc func(mem []byte, minLen int) ([]byte, error)

// HeapGrow returns a GrowFunc backed by the Go heap.  Memory at least
// doubles on each call.  If limit is positive, growth beyond limit bytes
// fails with ErrNoSpace.
func HeapGrow(limit int) GrowFunc {
	return func(mem []byte, minLen int) ([]byte, error) {
		if limit > 0 && minLen > limit {
			return nil, fmt.Errorf("grow to %d bytes exceeds limit of %d: %w", minLen, limit, ErrNoSpace)
		}
		newLen := 2 * len(mem)
		if newLen < 4096 {
			newLen = 4096
		}
		for newLen < minLen {
			newLen *= 2
		}
		if limit > 0 && newLen > limit {
			newLen = limit
		}
		grown := make([]byte, newLen)
		copy(grown, mem)
		return grown, nil
	}
}

func alignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
