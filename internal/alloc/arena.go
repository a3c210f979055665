// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package alloc

import (
	"errors"
	"fmt"
)

// Stats tracks arena usage.
type Stats struct {
	BytesReserved int // len of the backing memory
	BytesInUse    int // high-water mark of handed-out memory (the bump pointer)
	Allocs        uint64
	Frees         uint64
	Grows         uint64
}

// Arena is a bump allocator over a GrowFunc.  Reallocating the most recent
// block extends it in place and freeing the most recent block retracts the
// bump pointer; other frees are not reused.
//
// An Arena is not safe for concurrent use.
type Arena struct {
	mem   []byte
	top   int
	grow  GrowFunc
	stats Stats
}

var _ Allocator = (*Arena)(nil)

// Option configures an Arena.
type Option func(*Arena)

// WithInitialSize preallocates n bytes of backing memory via the arena's
// grow function.
func WithInitialSize(n int) Option {
	return func(a *Arena) {
		if n <= 0 {
			return
		}
		if mem, err := a.grow(a.mem, n); err == nil {
			a.mem = mem
			a.stats.Grows++
		}
	}
}

// NewArena returns an arena that obtains memory from grow.
func NewArena(grow GrowFunc, opts ...Option) *Arena {
	a := &Arena{grow: grow}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewHeap returns an arena backed by the Go heap with no size limit.
func NewHeap() *Arena {
	return NewArena(HeapGrow(0))
}

func (a *Arena) ensure(n int) error {
	if n <= len(a.mem) {
		return nil
	}
	if a.grow == nil {
		return fmt.Errorf("arena has no grow function: %w", ErrNoSpace)
	}
	mem, err := a.grow(a.mem, n)
	if err != nil {
		return fmt.Errorf("grow(%d): %w", n, err)
	}
	if len(mem) < n {
		return fmt.Errorf("grow(%d) returned only %d bytes: %w", n, len(mem), ErrNoSpace)
	}
	a.mem = mem
	a.stats.Grows++
	return nil
}

func (a *Arena) Allocate(size int) (int64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("invalid allocation size %d", size)
	}
	n := alignUp(size)
	if err := a.ensure(a.top + n); err != nil {
		return 0, err
	}
	off := a.top
	a.top += n
	// retracted frees may have left old bytes above the bump pointer
	clear(a.mem[off:a.top])
	a.stats.Allocs++
	return int64(off), nil
}

func (a *Arena) checkBlock(off int64, size int) error {
	if off < 0 || off%Alignment != 0 || int(off)+size > a.top {
		return fmt.Errorf("block [%d, +%d) not allocated by this arena (top %d)", off, size, a.top)
	}
	return nil
}

func (a *Arena) Reallocate(off int64, oldSize, newSize int) (int64, error) {
	if newSize <= 0 {
		return 0, fmt.Errorf("invalid reallocation size %d", newSize)
	}
	if err := a.checkBlock(off, oldSize); err != nil {
		return 0, err
	}
	start := int(off)
	oldN, newN := alignUp(oldSize), alignUp(newSize)

	if newSize <= oldSize {
		clear(a.mem[start+newSize : start+oldSize])
		if start+oldN == a.top {
			a.top = start + newN
		}
		return off, nil
	}

	if start+oldN == a.top {
		if err := a.ensure(start + newN); err != nil {
			return 0, err
		}
		a.top = start + newN
		clear(a.mem[start+oldSize : start+newN])
		return off, nil
	}

	if newN == oldN {
		clear(a.mem[start+oldSize : start+newSize])
		return off, nil
	}

	newOff, err := a.Allocate(newSize)
	if err != nil {
		return 0, err
	}
	copy(a.mem[newOff:int(newOff)+oldSize], a.mem[start:start+oldSize])
	if err := a.Free(off, oldSize); err != nil {
		return 0, errors.Join(err, a.Free(newOff, newSize))
	}
	return newOff, nil
}

func (a *Arena) Free(off int64, size int) error {
	if err := a.checkBlock(off, size); err != nil {
		return err
	}
	if int(off)+alignUp(size) == a.top {
		a.top = int(off)
	}
	a.stats.Frees++
	return nil
}

func (a *Arena) Bytes() []byte {
	return a.mem
}

// Stats returns a snapshot of the arena's counters.
func (a *Arena) Stats() Stats {
	s := a.stats
	s.BytesReserved = len(a.mem)
	s.BytesInUse = a.top
	return s
}
