// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command gen-testdata prints random slug:target lines suitable for
// `linky import`.
package main

import (
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"math/rand"
)

const (
	suffixLen = 16
	hmacKey   = "d259c7f656caf7f1"
)

func newRand() *rand.Rand {
	var seedBytes [8]byte
	crand.Read(seedBytes[:])
	seed := int64(binary.LittleEndian.Uint64(seedBytes[:]))
	return rand.New(rand.NewSource(seed))
}

func main() {
	n := flag.Int("n", 100000, "number of links")
	slugLen := flag.Int("slug-len", 8, "slug length in hex digits (at most 64)")
	base := flag.String("base", "https://example.com/", "target URL prefix")
	flag.Parse()

	rng := newRand()
	h := hmac.New(sha256.New, []byte(hmacKey))

	for i := 0; i < *n; i++ {
		var buf [suffixLen / 2]byte
		if _, err := rng.Read(buf[:]); err != nil {
			panic(err)
		}
		target := fmt.Sprintf("%s%x", *base, buf)
		h.Reset()
		h.Write([]byte(target))
		slug := hex.EncodeToString(h.Sum(nil))[:min(*slugLen, 64)]

		fmt.Printf("%s:%s\n", slug, target)
	}
}
