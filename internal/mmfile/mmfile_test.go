// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build unix

package mmfile

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestOpenCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	f, err := Open(path, Options{Create: true})
	require.NoError(t, err)
	require.Equal(t, path, f.Path())
	require.Equal(t, int64(MinUnits*UnitSize), f.Size())
	require.Len(t, f.Bytes(), MinUnits*UnitSize)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(MinUnits*UnitSize), fi.Size())
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	copy(f.Bytes()[UnitSize:], "hello")
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())
	// a second close is a no-op
	require.NoError(t, f.Close())

	f, err = Open(path, Options{})
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, []byte("hello"), f.Bytes()[UnitSize:UnitSize+5])
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.db"), Options{})
	require.ErrorIs(t, err, ErrOpen)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	f, err := Open(path, Options{Create: true})
	require.NoError(t, err)

	_, err = Open(path, Options{})
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, f.Close())
	f, err = Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestBadSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o600))

	_, err := Open(path, Options{})
	require.ErrorIs(t, err, ErrBadSize)

	// the failed open released its lock
	require.NoError(t, os.Truncate(path, UnitSize))
	f, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestModeDrift(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	require.NoError(t, os.Chmod(path, 0o644))

	f, err := Open(path, Options{UID: -1, GID: -1})
	require.NoError(t, err)
	defer f.Close()

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	// an empty file is grown to the minimum size
	require.Equal(t, int64(MinUnits*UnitSize), fi.Size())
}

func TestGrow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	f, err := Open(path, Options{Create: true})
	require.NoError(t, err)
	defer f.Close()

	mem := f.Bytes()
	mem[0] = 0xaa
	mem[len(mem)-1] = 0xbb

	require.NoError(t, f.Grow())
	require.Equal(t, int64((MinUnits+1)*UnitSize), f.Size())
	mem = f.Bytes()
	require.Len(t, mem, (MinUnits+1)*UnitSize)
	require.Equal(t, byte(0xaa), mem[0])
	require.Equal(t, byte(0xbb), mem[MinUnits*UnitSize-1])
	require.Equal(t, make([]byte, UnitSize), mem[MinUnits*UnitSize:])

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, f.Size(), fi.Size())

	require.NoError(t, f.Close())
	require.ErrorIs(t, f.Grow(), os.ErrClosed)
}

func requireAligned(t *testing.T, mem []byte) {
	t.Helper()
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
	require.Zero(t, addr%UnitSize, "mapping at %#x", addr)
}

func TestAligned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	f, err := Open(path, Options{Create: true})
	require.NoError(t, err)
	defer f.Close()
	requireAligned(t, f.Bytes())

	// a second mapping of the first unit sees writes through the first
	g, err := mapAligned(f.fd, UnitSize)
	require.NoError(t, err)
	requireAligned(t, g)
	defer func() { require.NoError(t, unmap(g)) }()

	for i := 0; i < 4; i++ {
		f.Bytes()[0] = byte(i + 1)
		require.NoError(t, f.Grow())
		requireAligned(t, f.Bytes())
		require.Equal(t, byte(i+1), f.Bytes()[0])
		// both mappings share the file
		require.Equal(t, byte(i+1), g[0])
	}
}
