// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package stepmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/packbuf"
	"github.com/jontk/slurm-controller/internal/switchplug"
)

func TestStateRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOpts{swp: &switchplug.TreePlugin{}})
	job := h.addJob(t, 1, 0, 1)

	req := createReq(job)
	req.NodeCount = 2
	req.NumTasks = 4
	req.TaskDist = api.DistCyclic
	req.MemPerTask = 1024
	req.Host = "login0"
	req.Port = 4501
	req.Name = "mpi-run"
	req.Network = "ib0"
	req.CkptInterval = 5
	req.CkptPath = "/ckpt/run1"
	orig, _, err := h.mgr.CreateStep(req, false, false)
	require.NoError(t, err)

	buf := packbuf.New()
	h.mgr.PackStepState(orig, buf)

	// destroy local state, reload into a fresh job record
	h2 := newHarness(t, harnessOpts{swp: &switchplug.TreePlugin{}})
	job2 := h2.addJob(t, 1, 0, 1)
	require.NoError(t, h2.mgr.LoadStepState(job2, packbuf.FromBytes(buf.Bytes())))

	loaded := job2.FindStep(orig.StepID)
	require.NotNil(t, loaded)
	assert.Equal(t, orig.StepID, loaded.StepID)
	assert.Equal(t, orig.CyclicAlloc, loaded.CyclicAlloc)
	assert.Equal(t, orig.Port, loaded.Port)
	assert.Equal(t, orig.CkptInterval, loaded.CkptInterval)
	assert.Equal(t, orig.CPUCount, loaded.CPUCount)
	assert.Equal(t, orig.MemPerTask, loaded.MemPerTask)
	assert.Equal(t, orig.ExitCode, loaded.ExitCode)
	assert.Equal(t, orig.StartTime, loaded.StartTime)
	assert.Equal(t, orig.PreSusTime, loaded.PreSusTime)
	assert.Equal(t, orig.TotSusTime, loaded.TotSusTime)
	assert.Equal(t, orig.CkptTime, loaded.CkptTime)
	assert.Equal(t, orig.Host, loaded.Host)
	assert.Equal(t, orig.Name, loaded.Name)
	assert.Equal(t, orig.Network, loaded.Network)
	assert.Equal(t, orig.CkptPath, loaded.CkptPath)
	assert.Equal(t, orig.BatchStep, loaded.BatchStep)
	assert.Equal(t, orig.Layout, loaded.Layout)
	// bitmaps present iff present originally
	require.NotNil(t, loaded.CoreBitmap)
	assert.True(t, orig.CoreBitmap.Equal(loaded.CoreBitmap))
	assert.Nil(t, loaded.ExitNodeBitmap)
	assert.True(t, orig.NodeBitmap.Equal(loaded.NodeBitmap))
	require.NotNil(t, loaded.SwitchJob)

	// id counter advances past the recovered step
	assert.Equal(t, orig.StepID+1, job2.NextStepID)
}

func TestStateRoundTripWithExitBitmap(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.addJob(t, 1, 0, 1)
	req := createReq(job)
	req.NodeCount = 2
	req.NumTasks = 2
	req.TaskDist = api.DistCyclic
	step, _, err := h.mgr.CreateStep(req, false, false)
	require.NoError(t, err)

	_, _, err = h.mgr.PartialComplete(&api.StepPartialCompleteRequest{
		JobID: job.ID, StepID: step.StepID, RangeFirst: 0, RangeLast: 0, StepRC: 4,
	})
	require.NoError(t, err)

	buf := packbuf.New()
	h.mgr.PackStepState(step, buf)

	h2 := newHarness(t, harnessOpts{})
	job2 := h2.addJob(t, 1, 0, 1)
	require.NoError(t, h2.mgr.LoadStepState(job2, packbuf.FromBytes(buf.Bytes())))

	loaded := job2.FindStep(step.StepID)
	require.NotNil(t, loaded)
	assert.Equal(t, uint32(4), loaded.ExitCode)
	require.NotNil(t, loaded.ExitNodeBitmap)
	assert.Equal(t, "0", loaded.ExitNodeBitmap.Fmt())
	assert.Equal(t, 2, loaded.ExitNodeBitmap.Size())
}

func TestStateRoundTripBatch(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.addJob(t, 1, 0, 1)
	step, _, err := h.mgr.CreateStep(createReq(job), true, false)
	require.NoError(t, err)

	buf := packbuf.New()
	h.mgr.PackStepState(step, buf)

	h2 := newHarness(t, harnessOpts{})
	job2 := h2.addJob(t, 1, 0, 1)
	require.NoError(t, h2.mgr.LoadStepState(job2, packbuf.FromBytes(buf.Bytes())))

	loaded := job2.FindStep(step.StepID)
	require.NotNil(t, loaded)
	assert.True(t, loaded.BatchStep)
	assert.Nil(t, loaded.Layout)
	assert.Nil(t, loaded.CoreBitmap)
}

func TestStateOverwritesInPlace(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.addJob(t, 1, 0, 1)
	step, _, err := h.mgr.CreateStep(createReq(job), false, false)
	require.NoError(t, err)

	buf := packbuf.New()
	h.mgr.PackStepState(step, buf)

	// reload over the live record: same id, no duplicate
	require.NoError(t, h.mgr.LoadStepState(job, packbuf.FromBytes(buf.Bytes())))
	assert.Len(t, job.Steps, 1)
}

func TestStateUnpackStrict(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.addJob(t, 1, 0, 1)
	step, _, err := h.mgr.CreateStep(createReq(job), false, false)
	require.NoError(t, err)

	buf := packbuf.New()
	h.mgr.PackStepState(step, buf)
	blob := buf.Bytes()

	t.Run("truncated blob", func(t *testing.T) {
		h2 := newHarness(t, harnessOpts{})
		job2 := h2.addJob(t, 1, 0, 1)
		err := h2.mgr.LoadStepState(job2, packbuf.FromBytes(blob[:len(blob)/2]))
		assert.Error(t, err)
		assert.Empty(t, job2.Steps)
	})

	t.Run("out of range cyclic_alloc", func(t *testing.T) {
		bad := packbuf.New()
		bad.Pack32(0)  // step id
		bad.Pack16(9)  // cyclic_alloc out of range
		corrupt := append(append([]byte{}, bad.Bytes()...), blob[6:]...)

		h2 := newHarness(t, harnessOpts{})
		job2 := h2.addJob(t, 1, 0, 1)
		err := h2.mgr.LoadStepState(job2, packbuf.FromBytes(corrupt))
		assert.Error(t, err)
		assert.Empty(t, job2.Steps)
	})

	t.Run("empty buffer", func(t *testing.T) {
		h2 := newHarness(t, harnessOpts{})
		job2 := h2.addJob(t, 1, 0, 1)
		assert.Error(t, h2.mgr.LoadStepState(job2, packbuf.New()))
	})
}
