// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package linky

import (
	"encoding/binary"
	"fmt"

	"github.com/dgryski/go-farm"
)

const (
	superblockMagic   = 0x594b4e4c // "LNKY", little-endian
	superblockVersion = 1
	superblockSize    = 32
	checksummedSize   = superblockSize - 4
)

// superblock is the first allocation in every database file and locates
// the hashtable root.
type superblock struct {
	magic      uint32
	version    uint32
	numBuckets uint32
	valueSize  uint32
	rootOffset uint64
	rootSize   uint32
}

func newSuperblock(numBuckets int, rootOffset int64) superblock {
	return superblock{
		magic:      superblockMagic,
		version:    superblockVersion,
		numBuckets: uint32(numBuckets),
		valueSize:  recordSize,
		rootOffset: uint64(rootOffset),
		rootSize:   uint32(numBuckets * 4),
	}
}

func (sb *superblock) MarshalTo(buf []byte) {
	_ = buf[superblockSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], sb.magic)
	binary.LittleEndian.PutUint32(buf[4:8], sb.version)
	binary.LittleEndian.PutUint32(buf[8:12], sb.numBuckets)
	binary.LittleEndian.PutUint32(buf[12:16], sb.valueSize)
	binary.LittleEndian.PutUint64(buf[16:24], sb.rootOffset)
	binary.LittleEndian.PutUint32(buf[24:28], sb.rootSize)
	binary.LittleEndian.PutUint32(buf[28:32], farm.Fingerprint32(buf[:checksummedSize]))
}

func (sb *superblock) UnmarshalBytes(buf []byte) error {
	if len(buf) < superblockSize {
		return fmt.Errorf("superblock too short: %d < %d: %w", len(buf), superblockSize, ErrCorrupt)
	}
	buf = buf[:superblockSize]

	sb.magic = binary.LittleEndian.Uint32(buf[0:4])
	if sb.magic != superblockMagic {
		return fmt.Errorf("bad magic number %x -- not a linky database: %w", sb.magic, ErrCorrupt)
	}
	expected := binary.LittleEndian.Uint32(buf[28:32])
	if checksum := farm.Fingerprint32(buf[:checksummedSize]); checksum != expected {
		return fmt.Errorf("superblock checksum failed (%08x != %08x): %w", checksum, expected, ErrCorrupt)
	}
	sb.version = binary.LittleEndian.Uint32(buf[4:8])
	if sb.version != superblockVersion {
		return fmt.Errorf("this version of linky can only read v%d databases; found v%d: %w", superblockVersion, sb.version, ErrCorrupt)
	}
	sb.numBuckets = binary.LittleEndian.Uint32(buf[8:12])
	sb.valueSize = binary.LittleEndian.Uint32(buf[12:16])
	sb.rootOffset = binary.LittleEndian.Uint64(buf[16:24])
	sb.rootSize = binary.LittleEndian.Uint32(buf[24:28])

	if sb.valueSize != recordSize {
		return fmt.Errorf("superblock value size %d, expected %d: %w", sb.valueSize, recordSize, ErrCorrupt)
	}
	if sb.rootSize != sb.numBuckets*4 {
		return fmt.Errorf("superblock root size %d does not hold %d buckets: %w", sb.rootSize, sb.numBuckets, ErrCorrupt)
	}
	return nil
}
