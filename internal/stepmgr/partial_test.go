// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package stepmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/switchplug"
	"github.com/jontk/slurm-controller/pkg/errors"
)

func fourNodeStep(t *testing.T, h *harness) (*Job, *StepRecord) {
	t.Helper()
	job := h.addJob(t, 1, 0, 1, 2, 3)
	req := createReq(job)
	req.NodeCount = 4
	req.NumTasks = 4
	req.TaskDist = api.DistCyclic
	step, _, err := h.mgr.CreateStep(req, false, false)
	require.NoError(t, err)
	return job, step
}

func TestPartialCompleteWaves(t *testing.T) {
	tree := &switchplug.TreePlugin{}
	h := newHarness(t, harnessOpts{nodeCount: 4, swp: tree})
	job, step := fourNodeStep(t, h)

	require.Equal(t, 4, tree.OpenWindows(step.SwitchJob))

	rem, rc, err := h.mgr.PartialComplete(&api.StepPartialCompleteRequest{
		JobID: job.ID, StepID: step.StepID,
		RangeFirst: 0, RangeLast: 1, StepRC: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, rem)
	assert.Equal(t, uint32(0), rc)
	// switch released windows on the completed nodes only
	assert.Equal(t, 2, tree.OpenWindows(step.SwitchJob))
	assert.Equal(t, "0-1", step.ExitNodeBitmap.Fmt())

	rem, rc, err = h.mgr.PartialComplete(&api.StepPartialCompleteRequest{
		JobID: job.ID, StepID: step.StepID,
		RangeFirst: 2, RangeLast: 3, StepRC: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, rem)
	assert.Equal(t, uint32(3), rc)
	// full completion freed the credential
	assert.Nil(t, step.SwitchJob)
}

func TestPartialCompleteExitCodeMax(t *testing.T) {
	h := newHarness(t, harnessOpts{nodeCount: 4})
	job, step := fourNodeStep(t, h)

	_, rc, err := h.mgr.PartialComplete(&api.StepPartialCompleteRequest{
		JobID: job.ID, StepID: step.StepID, RangeFirst: 0, RangeLast: 0, StepRC: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), rc)

	_, rc, err = h.mgr.PartialComplete(&api.StepPartialCompleteRequest{
		JobID: job.ID, StepID: step.StepID, RangeFirst: 1, RangeLast: 1, StepRC: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), rc)
}

func TestPartialCompleteMonotonic(t *testing.T) {
	h := newHarness(t, harnessOpts{nodeCount: 4})
	job, step := fourNodeStep(t, h)

	for _, r := range [][2]uint32{{0, 1}, {1, 2}, {0, 0}} {
		_, _, err := h.mgr.PartialComplete(&api.StepPartialCompleteRequest{
			JobID: job.ID, StepID: step.StepID,
			RangeFirst: r[0], RangeLast: r[1],
		})
		require.NoError(t, err)
	}
	// overlapping waves only grow the exit set
	assert.Equal(t, "0-2", step.ExitNodeBitmap.Fmt())
	assert.Equal(t, 1, step.ExitNodeBitmap.ClearCount())
}

func TestPartialCompleteValidation(t *testing.T) {
	h := newHarness(t, harnessOpts{nodeCount: 4})
	job, step := fourNodeStep(t, h)

	t.Run("inverted range", func(t *testing.T) {
		_, _, err := h.mgr.PartialComplete(&api.StepPartialCompleteRequest{
			JobID: job.ID, StepID: step.StepID, RangeFirst: 3, RangeLast: 1,
		})
		assert.Equal(t, errors.ErrorCodeInvalidRequest, errors.CodeOf(err))
		assert.Nil(t, step.ExitNodeBitmap) // no state change
	})

	t.Run("range beyond step nodes", func(t *testing.T) {
		_, _, err := h.mgr.PartialComplete(&api.StepPartialCompleteRequest{
			JobID: job.ID, StepID: step.StepID, RangeFirst: 0, RangeLast: 4,
		})
		assert.Equal(t, errors.ErrorCodeInvalidRequest, errors.CodeOf(err))
	})

	t.Run("unknown step", func(t *testing.T) {
		_, _, err := h.mgr.PartialComplete(&api.StepPartialCompleteRequest{
			JobID: job.ID, StepID: 99,
		})
		assert.Equal(t, errors.ErrorCodeInvalidJobID, errors.CodeOf(err))
	})
}

// A COMPLETING job still accepts partial completions: teardown messages
// keep arriving after the job leaves RUNNING.
func TestPartialCompleteNonRunningJob(t *testing.T) {
	h := newHarness(t, harnessOpts{nodeCount: 4})
	job, step := fourNodeStep(t, h)
	job.State = JobCompleting

	rem, _, err := h.mgr.PartialComplete(&api.StepPartialCompleteRequest{
		JobID: job.ID, StepID: step.StepID, RangeFirst: 0, RangeLast: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, rem)

	job.State = JobPending
	_, _, err = h.mgr.PartialComplete(&api.StepPartialCompleteRequest{
		JobID: job.ID, StepID: step.StepID, RangeFirst: 0, RangeLast: 0,
	})
	assert.Equal(t, errors.ErrorCodeJobPending, errors.CodeOf(err))
}

func TestPartialCompleteBatchStep(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.addJob(t, 1, 0, 1)
	req := createReq(job)
	step, _, err := h.mgr.CreateStep(req, true, false)
	require.NoError(t, err)

	rem, rc, err := h.mgr.PartialComplete(&api.StepPartialCompleteRequest{
		JobID: job.ID, StepID: step.StepID, StepRC: 5,
		Stats: api.StepStats{UserCPUSec: 30},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, rem)
	assert.Equal(t, uint32(5), rc)
	assert.Equal(t, uint64(30), step.Stats.UserCPUSec)
	// the record survives for the completion RPC to purge
	assert.NotNil(t, job.FindStep(step.StepID))
}

func TestPartialCompleteAggregatesStats(t *testing.T) {
	h := newHarness(t, harnessOpts{nodeCount: 4})
	job, step := fourNodeStep(t, h)

	for i := uint32(0); i < 2; i++ {
		_, _, err := h.mgr.PartialComplete(&api.StepPartialCompleteRequest{
			JobID: job.ID, StepID: step.StepID,
			RangeFirst: i, RangeLast: i,
			Stats: api.StepStats{UserCPUSec: 10, MaxRSS: 100 * uint64(i+1)},
		})
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(20), step.Stats.UserCPUSec)
	assert.Equal(t, uint64(200), step.Stats.MaxRSS)
}

func TestEpilogComplete(t *testing.T) {
	tree := &switchplug.TreePlugin{}
	h := newHarness(t, harnessOpts{nodeCount: 4, swp: tree})
	job, step := fourNodeStep(t, h)

	touched := h.mgr.EpilogComplete(job, "tux1")
	assert.Equal(t, 1, touched)
	assert.Equal(t, 3, tree.OpenWindows(step.SwitchJob))

	// unknown node is a no-op
	assert.Equal(t, 0, h.mgr.EpilogComplete(job, "nosuch"))
}

func TestEpilogCompleteUnsupportedSwitch(t *testing.T) {
	h := newHarness(t, harnessOpts{nodeCount: 4})
	job, _ := fourNodeStep(t, h)
	assert.Equal(t, 0, h.mgr.EpilogComplete(job, "tux1"))
}
