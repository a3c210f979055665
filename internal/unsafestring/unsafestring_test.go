// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package unsafestring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToBytes(t *testing.T) {
	for _, input := range []string{
		"",
		"go",
		"https://example.com/a/long/target?with=query#and-fragment",
		"😀",
	} {
		var b []byte
		allocs := testing.AllocsPerRun(10, func() {
			b = ToBytes(input)
		})
		require.Zero(t, allocs, input)
		require.Equal(t, input, string(b))
		require.Equal(t, len(input), len(b))
		require.Equal(t, len(input), cap(b))
	}
}
