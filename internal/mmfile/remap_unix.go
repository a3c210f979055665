// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build unix && !linux

package mmfile

import "golang.org/x/sys/unix"

var adviceFlags = []int{unix.MADV_RANDOM}

func remap(fd int, mem []byte, newLen int) ([]byte, error) {
	return remapAligned(fd, mem, newLen)
}
