// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package mmfile

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var adviceFlags = []int{unix.MADV_HUGEPAGE, unix.MADV_RANDOM}

// remap extends the mapping in place when the address space after it is
// free, which keeps its alignment, and otherwise maps the file afresh.
func remap(fd int, mem []byte, newLen int) ([]byte, error) {
	old := unsafe.Pointer(unsafe.SliceData(mem))
	if addr, err := unix.MremapPtr(old, uintptr(len(mem)), nil, uintptr(newLen), 0); err == nil {
		return unsafe.Slice((*byte)(addr), newLen), nil
	}
	return remapAligned(fd, mem, newLen)
}
