// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package linky

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/otiai10/copy"
)

// Backup syncs the database and copies the file to dst, which must not
// already exist.
func (db *DB) Backup(dst string) error {
	if db.table == nil {
		return ErrClosed
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("backup destination %s: %w", dst, fs.ErrExist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("os.Lstat(%s): %w", dst, err)
	}
	if err := db.file.Sync(); err != nil {
		return err
	}
	if err := copy.Copy(db.file.Path(), dst, copy.Options{Sync: true}); err != nil {
		return fmt.Errorf("copy.Copy(%s, %s): %w", db.file.Path(), dst, err)
	}
	db.logger.Info("backed up database", "path", db.file.Path(), "dst", dst)
	return nil
}

// Import reads "slug:target" lines from r and stores each link with the
// given expiry, returning the number stored.  Blank lines and lines
// starting with '#' are skipped.
func (db *DB) Import(r io.Reader, expiresAt uint64) (int, error) {
	if db.table == nil {
		return 0, ErrClosed
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxValueSize)

	n := 0
	for lineNo := 1; s.Scan(); lineNo++ {
		line := bytes.TrimSpace(s.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		slug, target, ok := split2(line, ':')
		if !ok || len(slug) == 0 {
			return n, fmt.Errorf("line %d: expected slug:target", lineNo)
		}

		key := KeyFor(string(slug))
		if existing, found, err := db.Get(key); err != nil {
			return n, fmt.Errorf("line %d: %w", lineNo, err)
		} else if found {
			if prev, _, ok := DecodeLink(existing.Value); ok && !bytes.Equal(prev, slug) {
				db.logger.Warn("slug shares a key with an existing slug, replacing it",
					"slug", string(slug), "existing", string(prev), "key", key)
			}
		}

		if err := db.Set(key, EncodeLink(string(slug), string(target)), expiresAt); err != nil {
			return n, fmt.Errorf("line %d: %w", lineNo, err)
		}
		n++
	}
	if err := s.Err(); err != nil {
		return n, fmt.Errorf("scan: %w", err)
	}
	db.logger.Info("imported links", "count", n)
	return n, nil
}
