// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package linky

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash"

	"github.com/bpowers/linky/internal/unsafestring"
)

// recordSize is the size of the fixed value stored in the hashtable for
// every key: where the value lives, how long it is and when it expires.
const recordSize = 20

// Item is a value read from the database.
type Item struct {
	Value []byte
	// ExpiresAt is a Unix time in seconds, or 0 if the item never expires.
	ExpiresAt uint64
}

// Expired reports whether the item has expired as of now.
func (it Item) Expired(now time.Time) bool {
	if it.ExpiresAt == 0 {
		return false
	}
	return uint64(now.Unix()) >= it.ExpiresAt
}

type record struct {
	valueOffset int64
	valueLength int
	expiresAt   uint64
}

func readRecord(buf []byte) record {
	_ = buf[recordSize-1]
	return record{
		valueOffset: int64(binary.LittleEndian.Uint64(buf[0:8])),
		valueLength: int(binary.LittleEndian.Uint32(buf[8:12])),
		expiresAt:   binary.LittleEndian.Uint64(buf[12:20]),
	}
}

func (r record) writeTo(buf []byte) {
	_ = buf[recordSize-1]
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.valueOffset))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.valueLength))
	binary.LittleEndian.PutUint64(buf[12:20], r.expiresAt)
}

// KeyFor maps a slug to the 32-bit key it is stored under.  Distinct slugs
// can share a key, so stored values carry their slug (see EncodeLink).
func KeyFor(slug string) uint32 {
	h := xxhash.Sum64(unsafestring.ToBytes(slug))
	return uint32(h ^ h>>32)
}

// EncodeLink builds the stored value for a short link: the slug, a NUL
// separator and the target.
func EncodeLink(slug, target string) []byte {
	buf := make([]byte, 0, len(slug)+1+len(target))
	buf = append(buf, slug...)
	buf = append(buf, 0)
	return append(buf, target...)
}

// DecodeLink splits a value built by EncodeLink.
func DecodeLink(value []byte) (slug, target []byte, ok bool) {
	return split2(value, 0)
}
