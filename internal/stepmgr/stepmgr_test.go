// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package stepmgr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/agentq"
	"github.com/jontk/slurm-controller/pkg/errors"
)

func TestCreateStepValidation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.addJob(t, 1, 0, 1)

	t.Run("unknown job", func(t *testing.T) {
		req := createReq(job)
		req.JobID = 99
		_, _, err := h.mgr.CreateStep(req, false, false)
		assert.Equal(t, errors.ErrorCodeInvalidJobID, errors.CodeOf(err))
	})

	t.Run("wrong owner", func(t *testing.T) {
		req := createReq(job)
		req.UserID = 101
		_, _, err := h.mgr.CreateStep(req, false, false)
		assert.Equal(t, errors.ErrorCodeAccessDenied, errors.CodeOf(err))
	})

	t.Run("suspended job", func(t *testing.T) {
		job.State = JobSuspended
		defer func() { job.State = JobRunning }()
		_, _, err := h.mgr.CreateStep(createReq(job), false, false)
		assert.Equal(t, errors.ErrorCodeDisabled, errors.CodeOf(err))
	})

	t.Run("finished job", func(t *testing.T) {
		job.State = JobComplete
		defer func() { job.State = JobRunning }()
		_, _, err := h.mgr.CreateStep(createReq(job), false, false)
		assert.Equal(t, errors.ErrorCodeAlreadyDone, errors.CodeOf(err))
	})

	t.Run("pending job", func(t *testing.T) {
		job.State = JobPending
		defer func() { job.State = JobRunning }()

		_, _, err := h.mgr.CreateStep(createReq(job), false, false)
		assert.Equal(t, errors.ErrorCodeJobPending, errors.CodeOf(err))

		// a batch script into a pending allocation is the duplicate-id
		// case, not a plain reject
		_, _, err = h.mgr.CreateStep(createReq(job), true, false)
		assert.Equal(t, errors.ErrorCodeDuplicateJobID, errors.CodeOf(err))
	})

	t.Run("bad distribution", func(t *testing.T) {
		req := createReq(job)
		req.TaskDist = api.TaskDist(42)
		_, _, err := h.mgr.CreateStep(req, false, false)
		assert.Equal(t, errors.ErrorCodeBadDist, errors.CodeOf(err))
	})

	t.Run("oversized strings", func(t *testing.T) {
		req := createReq(job)
		req.CkptPath = strings.Repeat("x", 2048)
		_, _, err := h.mgr.CreateStep(req, false, false)
		assert.Equal(t, errors.ErrorCodePathnameTooLong, errors.CodeOf(err))
	})

	t.Run("zero tasks", func(t *testing.T) {
		req := createReq(job)
		req.NumTasks = 0
		_, _, err := h.mgr.CreateStep(req, false, false)
		assert.Equal(t, errors.ErrorCodeBadTaskCount, errors.CodeOf(err))
	})

	t.Run("too many tasks", func(t *testing.T) {
		req := createReq(job)
		req.NodeCount = 2
		req.NumTasks = 2*64 + 1
		_, _, err := h.mgr.CreateStep(req, false, false)
		assert.Equal(t, errors.ErrorCodeBadTaskCount, errors.CodeOf(err))
	})

	t.Run("no partial state after failure", func(t *testing.T) {
		assert.Empty(t, job.Steps)
		assert.Equal(t, []uint16{0, 0}, job.Resources.CPUsUsed)
		assert.Equal(t, 0, job.Resources.CoreBitmapUsed.Count())
		assert.Empty(t, h.sink.Starts)
	})
}

func TestCreateStepDefaults(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.addJob(t, 1, 0, 1)
	job.Network = "jobnet"

	req := createReq(job)
	req.NumTasks = api.NoVal
	req.CPUCount = 3
	req.NodeCount = 1
	step, resp, err := h.mgr.CreateStep(req, false, false)
	require.NoError(t, err)

	// task count defaults to the cpu count; name and network default to
	// the job's
	assert.Equal(t, uint32(3), step.Layout.TaskCount)
	assert.Equal(t, "jobname", step.Name)
	assert.Equal(t, "jobnet", step.Network)
	assert.Equal(t, uint32(3), step.CPUCount)
	assert.NotEmpty(t, resp.NodeList)
}

func TestCreateStepIDsMonotonic(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.addJob(t, 1, 0, 1)

	var last uint32
	for i := 0; i < 4; i++ {
		step, _, err := h.mgr.CreateStep(createReq(job), false, false)
		require.NoError(t, err)
		if i > 0 {
			assert.Greater(t, step.StepID, last)
		}
		last = step.StepID
		require.NoError(t, h.mgr.CompleteStep(job.ID, step.StepID, job.UserID, false, 0))
	}
	// ids are never reused even after completion
	assert.Equal(t, uint32(4), job.NextStepID)
}

func TestCreateStepAccounting(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.addJob(t, 1, 0, 1)

	step, _, err := h.mgr.CreateStep(createReq(job), false, false)
	require.NoError(t, err)
	require.Len(t, h.sink.Starts, 1)
	assert.Equal(t, step.StepID, h.sink.Starts[0].StepID)

	// a failing sink is logged and swallowed
	h.sink.Err = assert.AnError
	_, _, err = h.mgr.CreateStep(createReq(job), false, false)
	assert.NoError(t, err)
}

func TestSignalStep(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.addJob(t, 1, 0, 1)
	step, _, err := h.mgr.CreateStep(createReq(job), false, false)
	require.NoError(t, err)

	t.Run("plain signal fans out", func(t *testing.T) {
		require.NoError(t, h.mgr.SignalStep(job.ID, step.StepID, 10, job.UserID))
		msgs := h.agent.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, agentq.MsgSignalTasks, msgs[0].Type)
		assert.Equal(t, 10, msgs[0].Signal)
	})

	t.Run("hard kill records requester once", func(t *testing.T) {
		require.NoError(t, h.mgr.SignalStep(job.ID, step.StepID, sigKill, 0))
		assert.Equal(t, int64(0), job.RequestUID)

		// second kill from another uid does not overwrite
		require.NoError(t, h.mgr.SignalStep(job.ID, step.StepID, sigKill, job.UserID))
		assert.Equal(t, int64(0), job.RequestUID)

		msgs := h.agent.messages()
		assert.Equal(t, agentq.MsgTerminateTasks, msgs[len(msgs)-1].Type)
	})

	t.Run("wrong state drops the signal", func(t *testing.T) {
		job.State = JobCompleting
		defer func() { job.State = JobRunning }()
		err := h.mgr.SignalStep(job.ID, step.StepID, 10, job.UserID)
		assert.Equal(t, errors.ErrorCodeTransitionState, errors.CodeOf(err))
	})

	t.Run("wrong uid", func(t *testing.T) {
		err := h.mgr.SignalStep(job.ID, step.StepID, 10, 555)
		assert.Equal(t, errors.ErrorCodeAccessDenied, errors.CodeOf(err))
	})

	t.Run("unknown step", func(t *testing.T) {
		err := h.mgr.SignalStep(job.ID, 77, 10, job.UserID)
		assert.Equal(t, errors.ErrorCodeInvalidJobID, errors.CodeOf(err))
	})
}

func TestSignalFrontEndCollapse(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.mgr.cfg.FrontEnd = true
	job := h.addJob(t, 1, 0, 1)
	req := createReq(job)
	req.NodeCount = 2
	req.NumTasks = 2
	step, _, err := h.mgr.CreateStep(req, false, false)
	require.NoError(t, err)

	require.NoError(t, h.mgr.SignalStep(job.ID, step.StepID, 10, job.UserID))
	msgs := h.agent.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"tux0"}, msgs[0].Hosts)
}

func TestCompleteStepIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.addJob(t, 1, 0, 1)
	step, _, err := h.mgr.CreateStep(createReq(job), false, false)
	require.NoError(t, err)

	require.NoError(t, h.mgr.CompleteStep(job.ID, step.StepID, job.UserID, false, 0))
	err = h.mgr.CompleteStep(job.ID, step.StepID, job.UserID, false, 0)
	assert.Equal(t, errors.ErrorCodeInvalidJobID, errors.CodeOf(err))
}

func TestCompleteStepKillOnLast(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.addJob(t, 1, 0, 1)
	step, _, err := h.mgr.CreateStep(createReq(job), false, true)
	require.NoError(t, err)

	require.NoError(t, h.mgr.CompleteStep(job.ID, step.StepID, job.UserID, false, 0))
	assert.True(t, job.State.Finished())
	assert.Empty(t, job.Steps)
	require.Len(t, h.sink.Jobs, 1)
	assert.Equal(t, job.ID, h.sink.Jobs[0].JobID)

	// no further steps start on a completing job
	_, _, err = h.mgr.CreateStep(createReq(job), false, false)
	assert.Equal(t, errors.ErrorCodeAlreadyDone, errors.CodeOf(err))
}

func TestStepsOnNode(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.addJob(t, 1, 0, 1)
	req := createReq(job)
	req.NodeList = "tux1"
	req.NodeCount = 1
	_, _, err := h.mgr.CreateStep(req, false, false)
	require.NoError(t, err)

	assert.False(t, job.StepsOnNode(0))
	assert.True(t, job.StepsOnNode(1))
}

func TestDeleteStepsFilter(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.addJob(t, 1, 0, 1)
	withSwitch, _, err := h.mgr.CreateStep(createReq(job), false, false)
	require.NoError(t, err)
	batch, _, err := h.mgr.CreateStep(createReq(job), true, false)
	require.NoError(t, err)

	h.mgr.DeleteSteps(job, true)
	require.Len(t, job.Steps, 1)
	assert.Equal(t, withSwitch.StepID, job.Steps[0].StepID)
	_ = batch

	h.mgr.DeleteSteps(job, false)
	assert.Empty(t, job.Steps)
}
