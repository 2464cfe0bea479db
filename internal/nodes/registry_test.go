// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-controller/internal/bitstr"
)

func testRegistry(fastSchedule bool) *Registry {
	return NewRegistry([]Node{
		{Name: "tux0", CPUs: 8, ConfigCPUs: 16},
		{Name: "tux1", CPUs: 8, ConfigCPUs: 16, State: StateDown},
		{Name: "tux2", CPUs: 8, ConfigCPUs: 16, State: StatePowerSave},
	}, fastSchedule)
}

func TestRegistryBasics(t *testing.T) {
	r := testRegistry(true)
	assert.Equal(t, 3, r.Count())
	assert.Equal(t, "tux1", r.Name(1))
	assert.Equal(t, 0, r.Find("tux0"))
	assert.Equal(t, -1, r.Find("nosuch"))
}

func TestRegistryFastSchedule(t *testing.T) {
	assert.Equal(t, uint16(16), testRegistry(true).CPUs(0))
	assert.Equal(t, uint16(8), testRegistry(false).CPUs(0))
}

func TestRegistryUpBitmap(t *testing.T) {
	r := testRegistry(true)
	up := r.UpBitmap()
	assert.True(t, up.Test(0))
	assert.False(t, up.Test(1)) // down nodes are out
	assert.True(t, up.Test(2))  // power-save still counts as up

	assert.False(t, r.Transitional(0))
	assert.True(t, r.Transitional(2))
}

func TestRegistryNamesBitmap(t *testing.T) {
	r := testRegistry(true)
	bm := bitstr.New(3)
	bm.Set(0)
	bm.Set(2)
	assert.Equal(t, []string{"tux0", "tux2"}, r.Names(bm))

	back, err := r.Bitmap([]string{"tux0", "tux2"})
	require.NoError(t, err)
	assert.True(t, back.Equal(bm))

	_, err = r.Bitmap([]string{"ghost"})
	assert.Error(t, err)
}
