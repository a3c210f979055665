// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build unix

// Package mmfile manages the database file: opening, locking, ownership
// and mode enforcement, mapping it into memory and growing it one unit at
// a time.  Mappings always start on a UnitSize boundary.
package mmfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// UnitSize is the granularity of the file: a 2 MiB huge page.
	UnitSize = 2 << 20
	// MinUnits is the size, in units, that every file is grown to on open.
	MinUnits = 4

	fileMode = 0o600
)

var (
	ErrOpen        = errors.New("mmfile: cannot open file")
	ErrLocked      = errors.New("mmfile: file is locked by another process")
	ErrBadSize     = errors.New("mmfile: file size is not a multiple of the unit size")
	ErrPermissions = errors.New("mmfile: cannot correct file ownership or mode")
	ErrMap         = errors.New("mmfile: cannot map file")
)

// Options configures Open.
type Options struct {
	// Create the file if it does not exist.
	Create bool
	// UID and GID the file must be owned by.  Zero or negative values mean
	// the current process's ids.
	UID, GID int
	Logger   *slog.Logger
}

// File is an open, exclusively locked and fully mapped database file.
//
// A File is not safe for concurrent use.
type File struct {
	path   string
	fd     int
	mem    []byte
	size   int64
	logger *slog.Logger
}

// Open opens (or with opts.Create, creates) the file at path, takes an
// exclusive advisory lock on it, corrects ownership and mode drift, grows
// it to at least MinUnits units and maps all of it.
func Open(path string, opts Options) (_ *File, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		flags |= unix.O_CREAT
	}
	fd, err := unix.Open(path, flags, fileMode)
	if err != nil {
		return nil, fmt.Errorf("unix.Open(%s): %w: %w", path, ErrOpen, err)
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
		}
	}()

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("unix.Flock(%s): %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("unix.Flock(%s): %w: %w", path, ErrOpen, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("unix.Fstat(%s): %w: %w", path, ErrOpen, err)
	}
	size := st.Size
	if size%UnitSize != 0 {
		return nil, fmt.Errorf("%s is %d bytes: %w", path, size, ErrBadSize)
	}

	uid, gid := opts.UID, opts.GID
	if uid <= 0 {
		uid = os.Getuid()
	}
	if gid <= 0 {
		gid = os.Getgid()
	}
	if st.Uid != uint32(uid) || st.Gid != uint32(gid) {
		logger.Warn("correcting database file ownership", "path", path,
			"uid", st.Uid, "gid", st.Gid, "want_uid", uid, "want_gid", gid)
		if err := unix.Fchown(fd, uid, gid); err != nil {
			return nil, fmt.Errorf("unix.Fchown(%s, %d, %d): %w: %w", path, uid, gid, ErrPermissions, err)
		}
	}
	if st.Mode&0o077 != 0 {
		logger.Warn("correcting database file mode", "path", path, "mode", fmt.Sprintf("%#o", st.Mode&0o777))
		if err := unix.Fchmod(fd, fileMode); err != nil {
			return nil, fmt.Errorf("unix.Fchmod(%s): %w: %w", path, ErrPermissions, err)
		}
	}

	if size < MinUnits*UnitSize {
		size = MinUnits * UnitSize
		if err := unix.Ftruncate(fd, size); err != nil {
			return nil, fmt.Errorf("unix.Ftruncate(%s, %d): %w: %w", path, size, ErrOpen, err)
		}
	}

	mem, err := mapAligned(fd, int(size))
	if err != nil {
		return nil, fmt.Errorf("map %s: %w: %w", path, ErrMap, err)
	}

	f := &File{
		path:   path,
		fd:     fd,
		mem:    mem,
		size:   size,
		logger: logger,
	}
	f.advise()
	logger.Debug("mapped database file", "path", path, "size", size)
	return f, nil
}

// advise tells the kernel how the mapping is used.  Both hints are
// optional, so kernels that do not support them are not an error.
func (f *File) advise() {
	for _, advice := range adviceFlags {
		if err := unix.Madvise(f.mem, advice); err != nil && !errors.Is(err, unix.EINVAL) {
			f.logger.Warn("madvise failed", "path", f.path, "advice", advice, "error", err)
		}
	}
}

// Bytes returns the mapping.  It changes whenever the file grows.
func (f *File) Bytes() []byte {
	return f.mem
}

// Size returns the size of the file (and the mapping) in bytes.
func (f *File) Size() int64 {
	return f.size
}

func (f *File) Path() string {
	return f.path
}

// Grow extends the file by one zero-filled unit and remaps it.  The
// mapping may move.
func (f *File) Grow() error {
	if f.mem == nil {
		return fmt.Errorf("grow %s: %w", f.path, os.ErrClosed)
	}
	newSize := f.size + UnitSize
	if err := unix.Ftruncate(f.fd, newSize); err != nil {
		return fmt.Errorf("unix.Ftruncate(%s, %d): %w", f.path, newSize, err)
	}
	mem, err := remap(f.fd, f.mem, int(newSize))
	if err != nil {
		if terr := unix.Ftruncate(f.fd, f.size); terr != nil {
			err = errors.Join(err, terr)
		}
		return fmt.Errorf("remap(%s, %d): %w: %w", f.path, newSize, ErrMap, err)
	}
	f.mem = mem
	f.size = newSize
	f.advise()
	f.logger.Debug("grew database file", "path", f.path, "size", newSize)
	return nil
}

// Sync flushes the mapping to disk.
func (f *File) Sync() error {
	if f.mem == nil {
		return nil
	}
	if err := unix.Msync(f.mem, unix.MS_SYNC); err != nil {
		return fmt.Errorf("unix.Msync(%s): %w", f.path, err)
	}
	return nil
}

// Close syncs and unmaps the file and closes it, releasing the lock.
// Calling Close more than once is a no-op.
func (f *File) Close() error {
	if f.mem == nil {
		return nil
	}
	var errs []error
	if err := f.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := unmap(f.mem); err != nil {
		errs = append(errs, fmt.Errorf("unix.MunmapPtr(%s): %w", f.path, err))
	}
	if err := unix.Close(f.fd); err != nil {
		errs = append(errs, fmt.Errorf("unix.Close(%s): %w", f.path, err))
	}
	f.mem = nil
	f.fd = -1
	return errors.Join(errs...)
}
