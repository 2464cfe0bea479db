// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package bitstr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicOps(t *testing.T) {
	b := New(130)
	assert.Equal(t, 130, b.Size())
	assert.Equal(t, 0, b.Count())
	assert.Equal(t, -1, b.FFS())
	assert.Equal(t, -1, b.FLS())

	b.Set(0)
	b.Set(64)
	b.Set(129)
	assert.True(t, b.Test(0))
	assert.True(t, b.Test(64))
	assert.True(t, b.Test(129))
	assert.False(t, b.Test(1))
	assert.Equal(t, 3, b.Count())
	assert.Equal(t, 0, b.FFS())
	assert.Equal(t, 129, b.FLS())

	b.Clear(64)
	assert.False(t, b.Test(64))
	assert.Equal(t, 2, b.Count())

	// out of range indices are ignored
	b.Set(500)
	b.Clear(-1)
	assert.Equal(t, 2, b.Count())
	assert.False(t, b.Test(500))
}

func TestSetRange(t *testing.T) {
	b := New(16)
	b.SetRange(3, 7)
	assert.Equal(t, 5, b.Count())
	assert.Equal(t, "3-7", b.Fmt())

	b.SetRange(-5, 100)
	assert.Equal(t, 16, b.Count())
}

func TestLogicOps(t *testing.T) {
	a := New(10)
	b := New(10)
	a.SetRange(0, 5)
	b.SetRange(3, 8)

	t.Run("and", func(t *testing.T) {
		c := a.Copy()
		c.And(b)
		assert.Equal(t, "3-5", c.Fmt())
	})

	t.Run("or", func(t *testing.T) {
		c := a.Copy()
		c.Or(b)
		assert.Equal(t, "0-8", c.Fmt())
	})

	t.Run("andnot", func(t *testing.T) {
		c := a.Copy()
		c.AndNot(b)
		assert.Equal(t, "0-2", c.Fmt())
	})

	t.Run("not", func(t *testing.T) {
		c := a.Copy()
		c.NotInPlace()
		assert.Equal(t, "6-9", c.Fmt())
		c.NotInPlace()
		assert.True(t, c.Equal(a))
	})
}

func TestSuperSet(t *testing.T) {
	super := New(20)
	super.SetRange(0, 15)
	sub := New(20)
	sub.Set(3)
	sub.Set(12)
	assert.True(t, sub.SuperSet(super))

	sub.Set(18)
	assert.False(t, sub.SuperSet(super))
}

func TestEqual(t *testing.T) {
	a := New(8)
	b := New(8)
	a.Set(2)
	b.Set(2)
	assert.True(t, a.Equal(b))
	b.Set(3)
	assert.False(t, a.Equal(b))
	assert.False(t, a.Equal(New(9)))
	assert.False(t, a.Equal(nil))
}

func TestPickCount(t *testing.T) {
	b := New(70)
	b.Set(1)
	b.Set(5)
	b.Set(64)
	b.Set(69)

	t.Run("lowest index first", func(t *testing.T) {
		p, err := b.PickCount(3)
		require.NoError(t, err)
		assert.Equal(t, "1,5,64", p.Fmt())
	})

	t.Run("exact count", func(t *testing.T) {
		p, err := b.PickCount(4)
		require.NoError(t, err)
		assert.True(t, p.Equal(b))
	})

	t.Run("zero", func(t *testing.T) {
		p, err := b.PickCount(0)
		require.NoError(t, err)
		assert.Equal(t, 0, p.Count())
	})

	t.Run("too many", func(t *testing.T) {
		_, err := b.PickCount(5)
		assert.Error(t, err)
	})
}

func TestFmtUnfmt(t *testing.T) {
	cases := []string{"", "0", "0-3", "0-3,8", "1,5,64", "0-127"}
	for _, want := range cases {
		t.Run("roundtrip "+want, func(t *testing.T) {
			b := New(128)
			require.NoError(t, b.Unfmt(want))
			assert.Equal(t, want, b.Fmt())
		})
	}

	t.Run("bad input", func(t *testing.T) {
		b := New(8)
		assert.Error(t, b.Unfmt("x"))
		assert.Error(t, b.Unfmt("5-2"))
		assert.Error(t, b.Unfmt("0-9"))
	})
}
