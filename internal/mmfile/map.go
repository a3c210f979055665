// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build unix

package mmfile

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapAligned maps the first length bytes of fd shared and writable,
// starting on a UnitSize boundary so that each unit can be backed by a
// single huge page.  It reserves one unit more address space than needed,
// maps the file over the aligned part of the reservation and releases the
// rest.
func mapAligned(fd, length int) ([]byte, error) {
	reserve := uintptr(length) + UnitSize
	base, err := unix.MmapPtr(-1, 0, nil, reserve, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("unix.MmapPtr(reserve %d): %w", reserve, err)
	}
	start := uintptr(base)
	aligned := (start + UnitSize - 1) &^ (UnitSize - 1)

	addr, err := unix.MmapPtr(fd, 0, unsafe.Pointer(aligned), uintptr(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED)
	if err != nil {
		_ = unix.MunmapPtr(base, reserve)
		return nil, fmt.Errorf("unix.MmapPtr(%d): %w", length, err)
	}

	if head := aligned - start; head > 0 {
		_ = unix.MunmapPtr(base, head)
	}
	end := aligned + uintptr(length)
	if tail := start + reserve - end; tail > 0 {
		_ = unix.MunmapPtr(unsafe.Pointer(end), tail)
	}
	return unsafe.Slice((*byte)(addr), length), nil
}

func unmap(mem []byte) error {
	return unix.MunmapPtr(unsafe.Pointer(unsafe.SliceData(mem)), uintptr(len(mem)))
}

// remapAligned maps the grown file before unmapping the old region, so a
// failure leaves the existing mapping intact.
func remapAligned(fd int, mem []byte, newLen int) ([]byte, error) {
	grown, err := mapAligned(fd, newLen)
	if err != nil {
		return nil, err
	}
	if err := unmap(mem); err != nil {
		_ = unmap(grown)
		return nil, fmt.Errorf("unix.MunmapPtr: %w", err)
	}
	return grown, nil
}
