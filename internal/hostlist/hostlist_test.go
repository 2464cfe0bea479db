// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package hostlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompress(t *testing.T) {
	cases := []struct {
		name  string
		in    []string
		want  string
	}{
		{"empty", nil, ""},
		{"single", []string{"tux3"}, "tux3"},
		{"contiguous", []string{"tux0", "tux1", "tux2"}, "tux[0-2]"},
		{"gaps", []string{"tux0", "tux2", "tux5"}, "tux[0,2,5]"},
		{"mixed prefixes", []string{"tux0", "tux1", "gpu7"}, "tux[0-1],gpu7"},
		{"unsorted", []string{"tux2", "tux0", "tux1"}, "tux[0-2]"},
		{"no suffix", []string{"frontend"}, "frontend"},
		{"padded", []string{"n001", "n002", "n003"}, "n[001-003]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Compress(tc.in))
		})
	}
}

func TestExpand(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		in := []string{"tux0", "tux1", "tux2", "tux5", "gpu3"}
		got, err := Expand(Compress(in))
		require.NoError(t, err)
		assert.Equal(t, in, got)
	})

	t.Run("plain list", func(t *testing.T) {
		got, err := Expand("a,b,c")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, got)
	})

	t.Run("padded", func(t *testing.T) {
		got, err := Expand("n[008-010]")
		require.NoError(t, err)
		assert.Equal(t, []string{"n008", "n009", "n010"}, got)
	})

	t.Run("bad input", func(t *testing.T) {
		_, err := Expand("tux[0-")
		assert.Error(t, err)
		_, err = Expand("tux[5-2]")
		assert.Error(t, err)
		_, err = Expand("tux[x]")
		assert.Error(t, err)
	})
}
