// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package stepmgr

import (
	"time"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/ckptplug"
	"github.com/jontk/slurm-controller/pkg/errors"
)

// Checkpoint performs a checkpoint operation on one step or, with
// StepID api.NoVal, on every step of the job.
func (m *Manager) Checkpoint(req *api.CheckpointRequest) (*api.CheckpointResponse, error) {
	job := m.FindJob(req.JobID)
	if job == nil {
		return nil, errors.Newf(errors.ErrorCodeInvalidJobID,
			"job %d not found", req.JobID)
	}
	if req.UserID != job.UserID && req.UserID != 0 {
		return nil, errors.Newf(errors.ErrorCodeAccessDenied,
			"user %d does not own job %d", req.UserID, req.JobID)
	}
	switch job.State {
	case JobPending:
		return nil, errors.Newf(errors.ErrorCodeJobPending,
			"job %d is still pending", req.JobID)
	case JobSuspended:
		// a suspended job gets no cycles to take a checkpoint
		return nil, errors.Newf(errors.ErrorCodeDisabled,
			"job %d is suspended", req.JobID)
	case JobRunning:
	default:
		return nil, errors.Newf(errors.ErrorCodeAlreadyDone,
			"job %d is %s", req.JobID, job.State.String())
	}

	if req.StepID != api.NoVal {
		step := job.FindStep(req.StepID)
		if step == nil {
			return nil, errors.Newf(errors.ErrorCodeInvalidJobID,
				"step %d.%d not found", req.JobID, req.StepID)
		}
		res, err := m.ckptOp(req, job, step)
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	// operate on all of the job's steps, keeping the worst result
	var resp *api.CheckpointResponse
	for _, step := range job.Steps {
		res, err := m.ckptOp(req, job, step)
		if err != nil {
			return nil, err
		}
		if resp == nil || res.ErrorCode > resp.ErrorCode {
			resp = res
		}
	}
	if resp == nil {
		resp = &api.CheckpointResponse{}
	}
	return resp, nil
}

func (m *Manager) ckptOp(req *api.CheckpointRequest, job *Job,
	step *StepRecord) (*api.CheckpointResponse, error) {

	res, err := m.ckpt.Op(req.Op, req.Data, step.CheckJob, ckptplug.StepHandle{
		JobID:    job.ID,
		StepID:   step.StepID,
		CkptPath: step.CkptPath,
		ImageDir: req.ImageDir,
	})
	if err != nil {
		return nil, errors.WithCause(errors.ErrorCodeDisabled,
			"checkpoint operation failed", err)
	}
	if req.Op == api.CheckCreate || req.Op == api.CheckVacate {
		step.CkptTime = m.now()
	}
	return &api.CheckpointResponse{
		EventTime: res.EventTime,
		ErrorCode: res.ErrorCode,
		ErrorMsg:  res.ErrorMsg,
	}, nil
}

// CheckpointComplete notes step checkpoint completion.
func (m *Manager) CheckpointComplete(req *api.CheckpointCompleteRequest) error {
	_, step, err := m.findCkptStep(req.JobID, req.StepID, req.UserID)
	if err != nil {
		return err
	}
	if err := m.ckpt.Complete(step.CheckJob, req.BeginTime, req.ErrorCode,
		req.ErrorMsg); err != nil {
		return errors.WithCause(errors.ErrorCodeDisabled,
			"checkpoint completion rejected", err)
	}
	return nil
}

// CheckpointTaskComplete notes per-task checkpoint completion.
func (m *Manager) CheckpointTaskComplete(req *api.CheckpointTaskCompleteRequest) error {
	_, step, err := m.findCkptStep(req.JobID, req.StepID, req.UserID)
	if err != nil {
		return err
	}
	if err := m.ckpt.TaskComplete(step.CheckJob, req.TaskID, req.BeginTime,
		req.ErrorCode, req.ErrorMsg); err != nil {
		return errors.WithCause(errors.ErrorCodeDisabled,
			"checkpoint task completion rejected", err)
	}
	return nil
}

// findCkptStep shares the completion-path validation: the job must be
// running or suspended (a checkpoint may finish after a suspend).
func (m *Manager) findCkptStep(jobID, stepID, uid uint32) (*Job, *StepRecord, error) {
	job := m.FindJob(jobID)
	if job == nil {
		return nil, nil, errors.Newf(errors.ErrorCodeInvalidJobID,
			"job %d not found", jobID)
	}
	if uid != job.UserID && uid != 0 {
		return nil, nil, errors.Newf(errors.ErrorCodeAccessDenied,
			"user %d does not own job %d", uid, jobID)
	}
	if job.State == JobPending {
		return nil, nil, errors.Newf(errors.ErrorCodeJobPending,
			"job %d is still pending", jobID)
	}
	if job.State != JobRunning && job.State != JobSuspended {
		return nil, nil, errors.Newf(errors.ErrorCodeAlreadyDone,
			"job %d is %s", jobID, job.State.String())
	}
	step := job.FindStep(stepID)
	if step == nil {
		return nil, nil, errors.Newf(errors.ErrorCodeInvalidJobID,
			"step %d.%d not found", jobID, stepID)
	}
	return job, step, nil
}

// CheckpointTick runs the periodic checkpoint sweep: every step of a
// running job whose interval elapsed gets a CREATE operation. A trivial
// checkpoint plugin makes this a no-op.
func (m *Manager) CheckpointTick() {
	if m.ckpt.Type() == "checkpoint/none" {
		return
	}
	now := m.now()
	for _, job := range m.jobs {
		if job.State != JobRunning {
			continue
		}
		for _, step := range job.Steps {
			if step.CkptInterval == 0 {
				continue
			}
			due := step.CkptTime.Add(time.Duration(step.CkptInterval) * time.Minute)
			if due.After(now) {
				continue
			}
			step.CkptTime = now
			if _, err := m.ckpt.Op(api.CheckCreate, 0, step.CheckJob,
				ckptplug.StepHandle{
					JobID:    job.ID,
					StepID:   step.StepID,
					CkptPath: step.CkptPath,
				}); err != nil {
				m.log.Warn("periodic checkpoint failed",
					"job_id", job.ID, "step_id", step.StepID, "error", err)
			}
		}
	}
}
