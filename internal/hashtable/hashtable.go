// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package hashtable

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/bpowers/linky/internal/alloc"
	"github.com/bpowers/linky/internal/bitset"
	"github.com/bpowers/linky/internal/ondisk"
)

const (
	// MinBuckets is the smallest number of buckets a table will use.
	MinBuckets = 64
	// OffsetUnit is the scale of the offsets stored in the root array.
	OffsetUnit = alloc.Alignment

	bucketSizeInc = 64
	slabLanes     = 32
)

var (
	ErrInvalidRoot = errors.New("hashtable: invalid root memory")
	ErrOffsetRange = errors.New("hashtable: bucket offset out of range")
	ErrCorrupt     = errors.New("hashtable: corrupt bucket")
)

// Options configures a Table.
type Options struct {
	// Allocator supplies bucket (and, for New, root) memory.  If nil, the
	// table uses a private heap arena.
	Allocator alloc.Allocator
	// NumBuckets is the size of the root array.  Values below MinBuckets
	// are raised to MinBuckets.  Ignored by Adopt, which derives it from
	// the root size.
	NumBuckets int
	// ValueSize is the number of bytes reserved for each value, rounded up
	// to a whole number of 32-bit words (minimum one word).
	ValueSize int
	// Logger receives warnings about adjusted options and failed
	// allocations.  If nil, nothing is logged.
	Logger *slog.Logger
}

// Table maps uint32 keys to fixed-size value slots.  Every reference it
// stores is an offset relative to the root array, so the allocator's memory
// can be moved, remapped or persisted without invalidating the table.
//
// A Table is not safe for concurrent use.
type Table struct {
	alloc      alloc.Allocator
	logger     *slog.Logger
	rootOff    int64
	numBuckets int
	valueSize  int
	slotWords  int // key word + value words
	slabWords  int // bitmap word + slabLanes slots
	growBytes  int
	ownsRoot   bool
	len        int
}

func newTable(opts Options) *Table {
	t := &Table{
		alloc:  opts.Allocator,
		logger: opts.Logger,
	}
	if t.alloc == nil {
		t.alloc = alloc.NewHeap()
	}
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	t.valueSize = opts.ValueSize
	if t.valueSize < ondisk.WordSize {
		t.valueSize = ondisk.WordSize
	}
	t.slotWords = 1 + (t.valueSize+ondisk.WordSize-1)/ondisk.WordSize
	t.slabWords = 1 + slabLanes*t.slotWords
	t.growBytes = roundUp(t.slotWords*ondisk.WordSize+ondisk.WordSize, bucketSizeInc)
	return t
}

// New creates a table, allocating a zeroed root array from the allocator.
func New(opts Options) (*Table, error) {
	t := newTable(opts)
	t.numBuckets = opts.NumBuckets
	if t.numBuckets < MinBuckets {
		if t.numBuckets != 0 {
			t.logger.Warn("raising number of buckets to the minimum", "requested", t.numBuckets, "buckets", MinBuckets)
		}
		t.numBuckets = MinBuckets
	}
	if t.numBuckets > math.MaxInt32 {
		return nil, fmt.Errorf("%d buckets: %w", t.numBuckets, ErrInvalidRoot)
	}

	rootOff, err := t.alloc.Allocate(t.numBuckets * ondisk.WordSize)
	if err != nil {
		t.logger.Error("could not allocate memory for hashtable root", "error", err)
		return nil, fmt.Errorf("allocate root: %w", err)
	}
	t.rootOff = rootOff
	t.ownsRoot = true
	return t, nil
}

// Adopt creates a table over a root array the caller already owns, at
// rootOff within the allocator's memory.  rootSize must be a nonzero
// multiple of 4 covering at least MinBuckets offsets.  The root may already
// reference buckets (a table being recovered from a file); Destroy never
// frees an adopted root.
func Adopt(opts Options, rootOff int64, rootSize int) (*Table, error) {
	if rootSize <= 0 || rootSize%ondisk.WordSize != 0 {
		return nil, fmt.Errorf("root size %d must be a nonzero multiple of %d: %w", rootSize, ondisk.WordSize, ErrInvalidRoot)
	}
	if rootSize < MinBuckets*ondisk.WordSize {
		return nil, fmt.Errorf("root size %d must be at least %d bytes: %w", rootSize, MinBuckets*ondisk.WordSize, ErrInvalidRoot)
	}
	t := newTable(opts)
	if rootOff < 0 || rootOff%OffsetUnit != 0 || rootOff+int64(rootSize) > int64(len(t.alloc.Bytes())) {
		return nil, fmt.Errorf("root [%d, +%d) outside allocator memory: %w", rootOff, rootSize, ErrInvalidRoot)
	}
	t.numBuckets = rootSize / ondisk.WordSize
	if opts.NumBuckets != 0 && opts.NumBuckets != t.numBuckets {
		t.logger.Warn("root size disagrees with requested number of buckets", "requested", opts.NumBuckets, "buckets", t.numBuckets)
	}
	t.rootOff = rootOff

	mem := t.alloc.Bytes()
	for i := 0; i < t.numBuckets; i++ {
		off, ok := t.bucket(mem, i)
		if !ok {
			continue
		}
		capWords, err := t.checkBucket(mem, off)
		if err != nil {
			return nil, fmt.Errorf("bucket %d: %w", i, err)
		}
		t.len += countSlots(ondisk.WordsAt(mem, off, capWords), t.slotWords, t.slabWords)
	}
	return t, nil
}

func roundUp(n, multiple int) int {
	return (n + multiple - 1) / multiple * multiple
}

func countSlots(b ondisk.Words, slotWords, slabWords int) int {
	n := 0
	capWords := b.Len()
	for slab := 1; slab < capWords; slab += slabWords {
		bitmap := b.Get(slab)
		for lane := 0; lane < slabLanes; lane++ {
			if bitmap&(1<<uint(lane)) != 0 && slab+1+(lane+1)*slotWords <= capWords {
				n++
			}
		}
	}
	return n
}

// Len returns the number of occupied slots.
func (t *Table) Len() int {
	return t.len
}

// NumBuckets returns the size of the root array.
func (t *Table) NumBuckets() int {
	return t.numBuckets
}

// Root returns the location of the root array in allocator memory.
func (t *Table) Root() (off int64, size int) {
	return t.rootOff, t.numBuckets * ondisk.WordSize
}

func (t *Table) index(key uint32) int {
	return int(key % uint32(t.numBuckets))
}

func (t *Table) root(mem []byte) ondisk.Words {
	return ondisk.WordsAt(mem, t.rootOff, t.numBuckets)
}

// bucket resolves the offset of bucket i, if it exists.
func (t *Table) bucket(mem []byte, i int) (int64, bool) {
	rel := t.root(mem).Int32(i)
	if rel == 0 {
		return 0, false
	}
	return t.rootOff + int64(rel)*OffsetUnit, true
}

// relOffset encodes off as a root entry.
func (t *Table) relOffset(off int64) (int32, error) {
	delta := off - t.rootOff
	if delta%OffsetUnit != 0 {
		return 0, fmt.Errorf("bucket offset %d not a multiple of %d from root: %w", off, OffsetUnit, ErrOffsetRange)
	}
	rel := delta / OffsetUnit
	if rel == 0 || rel > math.MaxInt32 || rel < math.MinInt32 {
		return 0, fmt.Errorf("bucket offset %d (root %d): %w", off, t.rootOff, ErrOffsetRange)
	}
	return int32(rel), nil
}

func (t *Table) setBucket(mem []byte, i int, off int64) error {
	rel, err := t.relOffset(off)
	if err != nil {
		return err
	}
	t.root(mem).SetInt32(i, rel)
	return nil
}

func (t *Table) capacity(mem []byte, off int64) int {
	return int(ondisk.WordsAt(mem, off, 1).Get(0))
}

func (t *Table) checkBucket(mem []byte, off int64) (int, error) {
	if off < 0 || off+ondisk.WordSize > int64(len(mem)) {
		return 0, fmt.Errorf("offset %d outside allocator memory: %w", off, ErrCorrupt)
	}
	capWords := t.capacity(mem, off)
	if capWords < 2 || off+int64(capWords)*ondisk.WordSize > int64(len(mem)) {
		return 0, fmt.Errorf("capacity %d words at offset %d: %w", capWords, off, ErrCorrupt)
	}
	return capWords, nil
}

func (t *Table) words(mem []byte, off int64) ondisk.Words {
	return ondisk.WordsAt(mem, off, t.capacity(mem, off))
}

// newBucket allocates the initial bucket for index i.
func (t *Table) newBucket(i int) (int64, error) {
	size := t.growBytes
	off, err := t.alloc.Allocate(size)
	if err != nil {
		t.logger.Error("could not allocate memory for bucket", "bucket", i, "error", err)
		return 0, fmt.Errorf("allocate bucket: %w", err)
	}
	mem := t.alloc.Bytes()
	if err := t.setBucket(mem, i, off); err != nil {
		return 0, errors.Join(err, t.alloc.Free(off, size))
	}
	ondisk.WordsAt(mem, off, 1).Set(0, uint32(size/ondisk.WordSize))
	return off, nil
}

// growBucket grows bucket i (currently at off) in bucketSizeInc steps until it
// holds at least minWords words, returning its new offset.  The old block
// is only released once the new one is reachable from the root, so a
// failure leaves the bucket where it was.
func (t *Table) growBucket(i int, off int64, minWords int) (int64, error) {
	mem := t.alloc.Bytes()
	oldBytes := t.capacity(mem, off) * ondisk.WordSize
	newBytes := oldBytes
	for newBytes < minWords*ondisk.WordSize {
		newBytes += t.growBytes
	}
	if newBytes/ondisk.WordSize > math.MaxInt32 {
		return 0, fmt.Errorf("bucket %d would grow to %d bytes: %w", i, newBytes, alloc.ErrNoSpace)
	}

	newOff, err := t.alloc.Allocate(newBytes)
	if err != nil {
		t.logger.Error("could not allocate memory to grow bucket", "bucket", i, "size", newBytes, "error", err)
		return 0, fmt.Errorf("grow bucket: %w", err)
	}
	rel, err := t.relOffset(newOff)
	if err != nil {
		t.logger.Error("grown bucket is out of reach of the root", "bucket", i, "offset", newOff, "error", err)
		return 0, errors.Join(fmt.Errorf("bucket %d: %w", i, err), t.alloc.Free(newOff, newBytes))
	}

	mem = t.alloc.Bytes()
	copy(mem[newOff:newOff+int64(oldBytes)], mem[off:off+int64(oldBytes)])
	ondisk.WordsAt(mem, newOff, 1).Set(0, uint32(newBytes/ondisk.WordSize))
	t.root(mem).SetInt32(i, rel)
	if err := t.alloc.Free(off, oldBytes); err != nil {
		return 0, fmt.Errorf("free old bucket %d: %w", i, err)
	}
	return newOff, nil
}

type location struct {
	bucket int64
	slab   int
	lane   int
	slot   int
}

// find locates key within the bucket at off.
func (t *Table) find(mem []byte, off int64, key uint32) (location, bool) {
	b := t.words(mem, off)
	capWords := b.Len()
	for slab := 1; slab < capWords; slab += t.slabWords {
		bitmap := b.Get(slab)
		if bitmap == 0 {
			continue
		}
		for lane := 0; lane < slabLanes; lane++ {
			if bitmap&(1<<uint(lane)) == 0 {
				continue
			}
			slot := slab + 1 + lane*t.slotWords
			if slot+t.slotWords > capWords {
				continue
			}
			if b.Get(slot) == key {
				return location{bucket: off, slab: slab, lane: lane, slot: slot}, true
			}
		}
	}
	return location{}, false
}

func (t *Table) value(mem []byte, loc location) []byte {
	b := t.words(mem, loc.bucket)
	return b.Slice(loc.slot+1, loc.slot+t.slotWords)[:t.valueSize]
}

// Get returns the value slot for key.  The returned slice aliases allocator
// memory and is only valid until the next call that can allocate.
func (t *Table) Get(key uint32) ([]byte, bool) {
	mem := t.alloc.Bytes()
	off, ok := t.bucket(mem, t.index(key))
	if !ok {
		return nil, false
	}
	loc, found := t.find(mem, off, key)
	if !found {
		return nil, false
	}
	return t.value(mem, loc), true
}

// Set returns the value slot for key, inserting a zeroed slot if the key
// is not yet present.  The returned slice aliases allocator memory and is
// only valid until the next call that can allocate.
//
// If growing the bucket fails the error is returned and the table is left
// as it was.
func (t *Table) Set(key uint32) ([]byte, error) {
	i := t.index(key)
	mem := t.alloc.Bytes()
	off, ok := t.bucket(mem, i)
	if ok {
		if loc, found := t.find(mem, off, key); found {
			return t.value(mem, loc), nil
		}
	} else {
		var err error
		if off, err = t.newBucket(i); err != nil {
			return nil, err
		}
	}

	for slab := 1; ; slab += t.slabWords {
		var err error
		mem = t.alloc.Bytes()
		if slab >= t.capacity(mem, off) {
			if off, err = t.growBucket(i, off, slab+1); err != nil {
				return nil, err
			}
			mem = t.alloc.Bytes()
		}
		lane := bitset.LowestClear(t.words(mem, off).Get(slab))
		if lane >= slabLanes {
			continue
		}

		slot := slab + 1 + lane*t.slotWords
		if slot+t.slotWords > t.capacity(mem, off) {
			if off, err = t.growBucket(i, off, slot+t.slotWords); err != nil {
				return nil, err
			}
			mem = t.alloc.Bytes()
		}

		b := t.words(mem, off)
		b.Set(slab, b.Get(slab)|1<<uint(lane))
		b.Set(slot, key)
		b.Zero(slot+1, slot+t.slotWords)
		t.len++
		return t.value(mem, location{bucket: off, slab: slab, lane: lane, slot: slot}), nil
	}
}

// Delete removes key, returning false if it was not present.  Buckets
// never shrink; the freed lane is reused by later inserts into the bucket.
func (t *Table) Delete(key uint32) bool {
	mem := t.alloc.Bytes()
	off, ok := t.bucket(mem, t.index(key))
	if !ok {
		return false
	}
	loc, found := t.find(mem, off, key)
	if !found {
		return false
	}
	b := t.words(mem, off)
	b.Zero(loc.slot, loc.slot+t.slotWords)
	b.Set(loc.slab, b.Get(loc.slab)&^(1<<uint(loc.lane)))
	t.len--
	return true
}

// Iterate calls fn for every key in bucket order, then slab order, then
// lane order.  Iteration stops early if fn returns false.  fn must not
// modify the table.
func (t *Table) Iterate(fn func(key uint32, value []byte) bool) {
	mem := t.alloc.Bytes()
	for i := 0; i < t.numBuckets; i++ {
		off, ok := t.bucket(mem, i)
		if !ok {
			continue
		}
		b := t.words(mem, off)
		capWords := b.Len()
		for slab := 1; slab < capWords; slab += t.slabWords {
			bitmap := b.Get(slab)
			for lane := 0; lane < slabLanes && bitmap != 0; lane++ {
				if bitmap&(1<<uint(lane)) == 0 {
					continue
				}
				slot := slab + 1 + lane*t.slotWords
				if slot+t.slotWords > capWords {
					continue
				}
				if !fn(b.Get(slot), b.Slice(slot+1, slot+t.slotWords)[:t.valueSize]) {
					return
				}
			}
		}
	}
}

// Buckets calls fn with the location of every allocated bucket.
func (t *Table) Buckets(fn func(off int64, size int) bool) {
	mem := t.alloc.Bytes()
	for i := 0; i < t.numBuckets; i++ {
		off, ok := t.bucket(mem, i)
		if !ok {
			continue
		}
		if !fn(off, t.capacity(mem, off)*ondisk.WordSize) {
			return
		}
	}
}

// Destroy frees every bucket, and the root array if the table allocated
// it.  The table must not be used afterwards.
func (t *Table) Destroy() error {
	var errs []error
	mem := t.alloc.Bytes()
	for i := 0; i < t.numBuckets; i++ {
		off, ok := t.bucket(mem, i)
		if !ok {
			continue
		}
		size := t.capacity(mem, off) * ondisk.WordSize
		t.root(mem).Set(i, 0)
		if err := t.alloc.Free(off, size); err != nil {
			errs = append(errs, fmt.Errorf("free bucket %d: %w", i, err))
		}
	}
	if t.ownsRoot {
		if err := t.alloc.Free(t.rootOff, t.numBuckets*ondisk.WordSize); err != nil {
			errs = append(errs, fmt.Errorf("free root: %w", err))
		}
	}
	t.len = 0
	return errors.Join(errs...)
}
