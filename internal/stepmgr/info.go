// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package stepmgr

import (
	"time"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/hostlist"
	"github.com/jontk/slurm-controller/internal/packbuf"
	"github.com/jontk/slurm-controller/pkg/errors"
)

// StepInfoOf builds the info view of one step: the state layout minus
// the opaque switch and checkpoint blobs.
func (m *Manager) StepInfoOf(job *Job, step *StepRecord, now time.Time) api.StepInfo {
	taskCnt := step.taskCount()
	nodeList := ""
	if step.Layout != nil {
		nodeList = step.Layout.NodeList
	} else if step.NodeBitmap != nil {
		nodeList = hostlist.Compress(m.registry.Names(step.NodeBitmap))
	}
	nodeBitmap := ""
	if step.NodeBitmap != nil {
		nodeBitmap = step.NodeBitmap.Fmt()
	}
	return api.StepInfo{
		JobID:        job.ID,
		StepID:       step.StepID,
		UserID:       job.UserID,
		CkptInterval: step.CkptInterval,
		TaskCount:    taskCnt,
		StartTime:    step.StartTime,
		RunTime:      uint64(m.runTime(job, step, now) / time.Second),
		Partition:    job.Partition,
		NodeList:     nodeList,
		Name:         step.Name,
		Network:      step.Network,
		NodeBitmap:   nodeBitmap,
		CkptPath:     step.CkptPath,
	}
}

// StepInfos answers the info query: job id zero selects every job, step
// id api.NoVal every step of the job. Other users' steps are hidden
// from non-superusers unless show-all is set.
func (m *Manager) StepInfos(req *api.StepInfoRequest) ([]api.StepInfo, error) {
	now := m.now()
	visible := func(job *Job) bool {
		return req.ShowAll || req.UserID == 0 || req.UserID == job.UserID
	}

	if req.JobID == 0 {
		var infos []api.StepInfo
		for _, job := range m.jobs {
			if !visible(job) {
				continue
			}
			for _, step := range job.Steps {
				infos = append(infos, m.StepInfoOf(job, step, now))
			}
		}
		return infos, nil
	}

	job := m.FindJob(req.JobID)
	if job == nil || !visible(job) {
		return nil, errors.Newf(errors.ErrorCodeInvalidJobID,
			"job %d not found", req.JobID)
	}
	if req.StepID == api.NoVal {
		infos := make([]api.StepInfo, 0, len(job.Steps))
		for _, step := range job.Steps {
			infos = append(infos, m.StepInfoOf(job, step, now))
		}
		return infos, nil
	}
	step := job.FindStep(req.StepID)
	if step == nil {
		return nil, errors.Newf(errors.ErrorCodeInvalidJobID,
			"step %d.%d not found", req.JobID, req.StepID)
	}
	return []api.StepInfo{m.StepInfoOf(job, step, now)}, nil
}

// PackStepInfoResponse writes the binary info response: a timestamp, a
// record count and the matching step info records. The count is
// backpatched once the records are written.
func (m *Manager) PackStepInfoResponse(req *api.StepInfoRequest,
	buf *packbuf.Buffer) error {

	now := m.now()
	buf.PackTime(now)
	countOffset := buf.Offset()
	buf.Pack32(0) // record count placeholder

	infos, err := m.StepInfos(req)
	if err != nil {
		return err
	}
	for _, info := range infos {
		packStepInfo(info, buf)
	}

	end := buf.Offset()
	buf.SetOffset(countOffset)
	buf.Pack32(uint32(len(infos)))
	buf.SetOffset(end)
	return nil
}

func packStepInfo(info api.StepInfo, buf *packbuf.Buffer) {
	buf.Pack32(info.JobID)
	buf.Pack32(info.StepID)
	buf.Pack16(info.CkptInterval)
	buf.Pack32(info.UserID)
	buf.Pack32(info.TaskCount)
	buf.PackTime(info.StartTime)
	buf.Pack64(info.RunTime)
	buf.PackStr(info.Partition)
	buf.PackStr(info.NodeList)
	buf.PackStr(info.Name)
	buf.PackStr(info.Network)
	buf.PackStr(info.NodeBitmap)
	buf.PackStr(info.CkptPath)
}
