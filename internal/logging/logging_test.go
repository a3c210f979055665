// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, false)
	require.False(t, DebugEnabled(logger))

	logger.Debug("hidden")
	require.Empty(t, buf.String())

	logger.Warn("careful", "port", 80)
	require.Contains(t, buf.String(), "level=WARN")
	require.Contains(t, buf.String(), "msg=careful")
	require.Contains(t, buf.String(), "port=80")

	buf.Reset()
	Critical(logger, "cannot open database", "path", "/tmp/x")
	require.Contains(t, buf.String(), "level=CRITICAL")
	require.Contains(t, buf.String(), "path=/tmp/x")
}

func TestDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, true)
	require.True(t, DebugEnabled(logger))

	logger.Debug("shown")
	require.Contains(t, buf.String(), "level=DEBUG")
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	require.False(t, DebugEnabled(logger))
	Critical(logger, "nobody hears this")
}
