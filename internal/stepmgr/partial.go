// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package stepmgr

import (
	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/bitstr"
	"github.com/jontk/slurm-controller/internal/hostlist"
	"github.com/jontk/slurm-controller/pkg/errors"
)

// PartialComplete notes completion of a step on a range of its nodes,
// given in step-node-offset space. It returns the count of nodes still
// pending and the maximum return code reported so far.
//
// A non-running job is accepted here: the job may already be COMPLETING
// while step teardown messages are still arriving from its nodes, and
// rejecting them would leak switch windows. Only a pending job, which
// can have started nothing, is refused.
func (m *Manager) PartialComplete(req *api.StepPartialCompleteRequest) (
	remaining int, maxRC uint32, err error) {

	job := m.FindJob(req.JobID)
	if job == nil {
		return 0, 0, errors.Newf(errors.ErrorCodeInvalidJobID,
			"job %d not found", req.JobID)
	}
	if job.State == JobPending {
		return 0, 0, errors.Newf(errors.ErrorCodeJobPending,
			"job %d is still pending", req.JobID)
	}
	step := job.FindStep(req.StepID)
	if step == nil {
		return 0, 0, errors.Newf(errors.ErrorCodeInvalidJobID,
			"step %d.%d not found", req.JobID, req.StepID)
	}

	if step.BatchStep {
		// the batch step spans no explicit nodes; record the outcome
		// and leave the record for the job completion path to purge
		step.ExitCode = req.StepRC
		step.Stats.Aggregate(req.Stats)
		return 0, step.ExitCode, nil
	}

	if req.RangeLast < req.RangeFirst {
		m.log.Error("partial completion with inverted range",
			"job_id", req.JobID, "step_id", req.StepID,
			"first", req.RangeFirst, "last", req.RangeLast)
		return 0, 0, errors.Newf(errors.ErrorCodeInvalidRequest,
			"range %d-%d is inverted", req.RangeFirst, req.RangeLast)
	}

	step.Stats.Aggregate(req.Stats)

	if step.ExitCode == api.NoVal {
		// first wave: initialize the exit bitmap over the step's nodes
		nodeCnt := step.NodeBitmap.Count()
		if int(req.RangeLast) >= nodeCnt { // range is zero origin
			m.log.Error("partial completion range exceeds step nodes",
				"job_id", req.JobID, "step_id", req.StepID,
				"last", req.RangeLast, "nodes", nodeCnt)
			return 0, 0, errors.Newf(errors.ErrorCodeInvalidRequest,
				"node offset %d exceeds step size %d", req.RangeLast, nodeCnt)
		}
		step.ExitNodeBitmap = bitstr.New(nodeCnt)
		step.ExitCode = req.StepRC
	} else {
		nodeCnt := step.ExitNodeBitmap.Size()
		if int(req.RangeLast) >= nodeCnt {
			m.log.Error("partial completion range exceeds step nodes",
				"job_id", req.JobID, "step_id", req.StepID,
				"last", req.RangeLast, "nodes", nodeCnt)
			return 0, 0, errors.Newf(errors.ErrorCodeInvalidRequest,
				"node offset %d exceeds step size %d", req.RangeLast, nodeCnt)
		}
		if req.StepRC > step.ExitCode {
			step.ExitCode = req.StepRC
		}
	}

	step.ExitNodeBitmap.SetRange(int(req.RangeFirst), int(req.RangeLast))
	remaining = step.ExitNodeBitmap.ClearCount()

	if remaining == 0 {
		// release all switch windows
		if step.SwitchJob != nil && step.Layout != nil {
			m.log.Debug("full switch release",
				"job_id", req.JobID, "step_id", req.StepID,
				"nodes", step.Layout.NodeList)
			if err := m.swp.StepComplete(step.SwitchJob,
				step.Layout.NodeList); err != nil {
				m.log.Warn("switch step complete failed",
					"job_id", req.JobID, "step_id", req.StepID, "error", err)
			}
			m.swp.FreeJobInfo(step.SwitchJob)
			step.SwitchJob = nil
		}
	} else if m.swp.PartCompleteSupported() && step.SwitchJob != nil {
		// release windows on the completed nodes only; translate the
		// offset range to node names
		names := m.stepRangeToNames(step, req.RangeFirst, req.RangeLast)
		nodeList := hostlist.Compress(names)
		m.log.Debug("partial switch release",
			"job_id", req.JobID, "step_id", req.StepID, "nodes", nodeList)
		if err := m.swp.StepPartComplete(step.SwitchJob, nodeList); err != nil {
			m.log.Warn("switch partial complete failed",
				"job_id", req.JobID, "step_id", req.StepID, "error", err)
		}
	}

	m.emit(api.StepEvent{
		Type: "partial", JobID: req.JobID, StepID: req.StepID, Time: m.now(),
	})
	return remaining, step.ExitCode, nil
}

// stepRangeToNames expands a step-node-offset range to node names.
func (m *Manager) stepRangeToNames(step *StepRecord, first, last uint32) []string {
	var names []string
	offset := -1
	for i := 0; i < m.registry.Count(); i++ {
		if !step.NodeBitmap.Test(i) {
			continue
		}
		offset++
		if uint32(offset) >= first && uint32(offset) <= last {
			names = append(names, m.registry.Name(i))
		}
	}
	return names
}
