// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package linky is an embedded key-value store for a short-link service.
// Keys are uint32s; each maps to a variable-length value and an expiry
// time.  Everything lives in a single memory-mapped file: a hashtable
// whose buckets, and the values they point at, are extents allocated out
// of 2 MiB units of that file.
package linky

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bpowers/linky/internal/extent"
	"github.com/bpowers/linky/internal/hashtable"
	"github.com/bpowers/linky/internal/mmfile"
)

const (
	// DefaultNumBuckets is the hashtable size used for new databases.
	DefaultNumBuckets = 1 << 16
	// MaxValueSize is the largest value that can be stored.
	MaxValueSize = extent.UnitSize

	// the superblock is always the first extent of the first data unit
	superblockOffset = extent.UnitSize
	maxNumBuckets    = extent.UnitSize / 4
)

var (
	// ErrCorrupt means the database file's structure is damaged.  Index
	// record damage is reported as extent.ErrCorrupt.
	ErrCorrupt = errors.New("linky: database corrupt")
	ErrClosed  = errors.New("linky: database closed")
)

// Option configures Open.
type Option func(*options)

type options struct {
	create     bool
	uid, gid   int
	numBuckets int
	logger     *slog.Logger
}

// WithCreate creates the database file if it doesn't exist.
func WithCreate(create bool) Option {
	return func(opts *options) {
		opts.create = create
	}
}

// WithOwner sets the user and group that must own the database file.  Zero
// means the current process's id.
func WithOwner(uid, gid int) Option {
	return func(opts *options) {
		opts.uid = uid
		opts.gid = gid
	}
}

// WithNumBuckets sets the hashtable size of a new database.  It is ignored
// when opening an existing one.
func WithNumBuckets(n int) Option {
	return func(opts *options) {
		opts.numBuckets = n
	}
}

// WithLogger sets an optional logger.  If not provided, no logging output
// will be produced.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// DB is an open database.  It holds an exclusive lock on its file until
// Close.
//
// A DB is not safe for concurrent use; callers serialize access.
type DB struct {
	file    *mmfile.File
	extents *extent.Allocator
	table   *hashtable.Table
	sb      superblock
	logger  *slog.Logger
}

// Open opens the database at path, formatting it if it holds no data.
func Open(path string, opts ...Option) (_ *DB, err error) {
	var options options
	options.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, opt := range opts {
		opt(&options)
	}

	f, err := mmfile.Open(path, mmfile.Options{
		Create: options.create,
		UID:    options.uid,
		GID:    options.gid,
		Logger: options.logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	extents, err := extent.New(f, extent.WithLogger(options.logger))
	if err != nil {
		return nil, fmt.Errorf("extent.New(%s): %w", path, err)
	}

	db := &DB{
		file:    f,
		extents: extents,
		logger:  options.logger,
	}
	switch allocated := extents.Stats().AllocatedExtents; {
	case !hasSuperblock(f.Bytes()) && allocated == 0:
		err = db.format(options.numBuckets)
	case !hasSuperblock(f.Bytes()):
		err = fmt.Errorf("%d extents allocated but no superblock: %w", allocated, ErrCorrupt)
	default:
		err = db.load(options.numBuckets)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.logger.Info("opened database", "path", path, "keys", db.table.Len(), "buckets", db.table.NumBuckets())
	return db, nil
}

func (db *DB) tableOptions() hashtable.Options {
	return hashtable.Options{
		Allocator: db.extents,
		ValueSize: recordSize,
		Logger:    db.logger,
	}
}

// format writes the superblock and an empty hashtable root into a file
// with no allocations.
func (db *DB) format(numBuckets int) error {
	if numBuckets == 0 {
		numBuckets = DefaultNumBuckets
	}
	if numBuckets < hashtable.MinBuckets {
		db.logger.Warn("raising number of buckets to the minimum", "requested", numBuckets, "buckets", hashtable.MinBuckets)
		numBuckets = hashtable.MinBuckets
	}
	if numBuckets > maxNumBuckets {
		return fmt.Errorf("%d buckets exceeds the maximum of %d: %w", numBuckets, maxNumBuckets, extent.ErrTooLarge)
	}

	sbOff, err := db.extents.Allocate(superblockSize)
	if err != nil {
		return fmt.Errorf("allocate superblock: %w", err)
	}
	if sbOff != superblockOffset {
		return fmt.Errorf("superblock allocated at %d, expected %d: %w", sbOff, superblockOffset, ErrCorrupt)
	}
	rootOff, err := db.extents.Allocate(numBuckets * 4)
	if err != nil {
		return fmt.Errorf("allocate hashtable root: %w", err)
	}

	db.sb = newSuperblock(numBuckets, rootOff)
	db.sb.MarshalTo(db.file.Bytes()[sbOff:])

	db.table, err = hashtable.Adopt(db.tableOptions(), rootOff, numBuckets*4)
	if err != nil {
		return fmt.Errorf("hashtable.Adopt: %w", err)
	}
	db.logger.Info("formatted new database", "path", db.file.Path(), "buckets", numBuckets)
	return db.file.Sync()
}

// load reads the superblock and recovers the hashtable from it.
func (db *DB) load(numBuckets int) error {
	if err := db.sb.UnmarshalBytes(db.file.Bytes()[superblockOffset:]); err != nil {
		return err
	}
	if numBuckets != 0 && numBuckets != int(db.sb.numBuckets) {
		db.logger.Warn("ignoring requested number of buckets for existing database",
			"requested", numBuckets, "buckets", db.sb.numBuckets)
	}

	var err error
	db.table, err = hashtable.Adopt(db.tableOptions(), int64(db.sb.rootOffset), int(db.sb.rootSize))
	if err != nil {
		return fmt.Errorf("hashtable.Adopt: %w: %w", ErrCorrupt, err)
	}
	return db.checkReferences()
}

// hasSuperblock reports whether anything was ever written where the
// superblock lives.
func hasSuperblock(mem []byte) bool {
	var zero [superblockSize]byte
	return !bytes.Equal(mem[superblockOffset:superblockOffset+superblockSize], zero[:])
}

// checkReferences makes sure every block the superblock and hashtable
// reference is marked allocated, so that a wiped or stale index record
// can't hand live data out again.
func (db *DB) checkReferences() error {
	if err := db.extents.CheckAllocated(superblockOffset, superblockSize); err != nil {
		return fmt.Errorf("superblock: %w", err)
	}
	rootOff, rootSize := db.table.Root()
	if err := db.extents.CheckAllocated(rootOff, rootSize); err != nil {
		return fmt.Errorf("hashtable root: %w", err)
	}

	var err error
	db.table.Buckets(func(off int64, size int) bool {
		if err = db.extents.CheckAllocated(off, size); err != nil {
			err = fmt.Errorf("hashtable bucket: %w", err)
		}
		return err == nil
	})
	if err != nil {
		return err
	}
	db.table.Iterate(func(key uint32, buf []byte) bool {
		rec := readRecord(buf)
		if rec.valueLength == 0 {
			return true
		}
		if err = db.extents.CheckAllocated(rec.valueOffset, rec.valueLength); err != nil {
			err = fmt.Errorf("value for key %d: %w", key, err)
		}
		return err == nil
	})
	return err
}

// value returns the bytes a record points at, still inside the mapping.
func (db *DB) value(rec record) ([]byte, error) {
	if rec.valueLength == 0 {
		return nil, nil
	}
	mem := db.file.Bytes()
	if rec.valueOffset < superblockOffset || rec.valueOffset+int64(rec.valueLength) > int64(len(mem)) {
		return nil, fmt.Errorf("value [%d, +%d) outside the %d byte file: %w",
			rec.valueOffset, rec.valueLength, len(mem), ErrCorrupt)
	}
	return mem[rec.valueOffset : rec.valueOffset+int64(rec.valueLength)], nil
}

// Get returns the item stored under key.  The item's value is a copy, so
// it stays valid after later calls.
func (db *DB) Get(key uint32) (Item, bool, error) {
	if db.table == nil {
		return Item{}, false, ErrClosed
	}
	buf, ok := db.table.Get(key)
	if !ok {
		return Item{}, false, nil
	}
	rec := readRecord(buf)
	value, err := db.value(rec)
	if err != nil {
		return Item{}, false, fmt.Errorf("key %d: %w", key, err)
	}
	return Item{
		Value:     bytes.Clone(value),
		ExpiresAt: rec.expiresAt,
	}, true, nil
}

// Set stores value under key, replacing any existing item.  expiresAt is a
// Unix time in seconds, or 0 for never.  It is stored, not enforced.
func (db *DB) Set(key uint32, value []byte, expiresAt uint64) error {
	if db.table == nil {
		return ErrClosed
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("%d byte value: %w", len(value), extent.ErrTooLarge)
	}

	var old record
	buf, exists := db.table.Get(key)
	if exists {
		old = readRecord(buf)
		if _, err := db.value(old); err != nil {
			return fmt.Errorf("key %d: %w", key, err)
		}
	}

	rec := record{valueLength: len(value), expiresAt: expiresAt}
	fresh := false
	var err error
	switch {
	case len(value) == 0:
		// any old value is released once the record no longer points at it
	case old.valueLength > 0:
		rec.valueOffset, err = db.extents.Reallocate(old.valueOffset, old.valueLength, len(value))
	default:
		rec.valueOffset, err = db.extents.Allocate(len(value))
		fresh = true
	}
	if err != nil {
		return fmt.Errorf("allocate value for key %d: %w", key, err)
	}
	if len(value) > 0 {
		copy(db.file.Bytes()[rec.valueOffset:], value)
	}

	// only a new key can fail here, so an existing record is never left
	// pointing at a moved value
	buf, err = db.table.Set(key)
	if err != nil {
		if fresh {
			err = errors.Join(err, db.extents.Free(rec.valueOffset, rec.valueLength))
		}
		return fmt.Errorf("insert key %d: %w", key, err)
	}
	rec.writeTo(buf)

	if len(value) == 0 && old.valueLength > 0 {
		if err := db.extents.Free(old.valueOffset, old.valueLength); err != nil {
			return fmt.Errorf("free old value for key %d: %w", key, err)
		}
	}
	return nil
}

// Delete removes key and releases its value.  It reports whether the key
// was present.
func (db *DB) Delete(key uint32) (bool, error) {
	if db.table == nil {
		return false, ErrClosed
	}
	buf, ok := db.table.Get(key)
	if !ok {
		return false, nil
	}
	rec := readRecord(buf)
	if rec.valueLength > 0 {
		if err := db.extents.Free(rec.valueOffset, rec.valueLength); err != nil {
			return false, fmt.Errorf("free value for key %d: %w", key, err)
		}
	}
	db.table.Delete(key)
	return true, nil
}

// Iterate calls fn for every item in hashtable order until fn returns
// false.  fn must not modify the database.
func (db *DB) Iterate(fn func(key uint32, item Item) bool) error {
	if db.table == nil {
		return ErrClosed
	}
	var iterErr error
	db.table.Iterate(func(key uint32, buf []byte) bool {
		rec := readRecord(buf)
		value, err := db.value(rec)
		if err != nil {
			iterErr = fmt.Errorf("key %d: %w", key, err)
			return false
		}
		return fn(key, Item{Value: bytes.Clone(value), ExpiresAt: rec.expiresAt})
	})
	return iterErr
}

// Len returns the number of keys.
func (db *DB) Len() int {
	if db.table == nil {
		return 0
	}
	return db.table.Len()
}

// Sync flushes all changes to disk.
func (db *DB) Sync() error {
	if db.table == nil {
		return ErrClosed
	}
	return db.file.Sync()
}

// Close syncs and closes the database, releasing its lock.  The hashtable
// is left intact in the file.
func (db *DB) Close() error {
	if db.table == nil {
		return nil
	}
	db.table = nil
	if err := db.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", db.file.Path(), err)
	}
	db.logger.Debug("closed database", "path", db.file.Path())
	return nil
}
