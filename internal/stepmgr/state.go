// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package stepmgr

import (
	"fmt"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/bitstr"
	"github.com/jontk/slurm-controller/internal/layout"
	"github.com/jontk/slurm-controller/internal/packbuf"
	"github.com/jontk/slurm-controller/internal/switchplug"
)

// PackStepState serializes one step for crash recovery; the inverse is
// LoadStepState.
func (m *Manager) PackStepState(step *StepRecord, buf *packbuf.Buffer) {
	buf.Pack32(step.StepID)
	buf.Pack16(step.CyclicAlloc)
	buf.Pack16(step.Port)
	buf.Pack16(step.CkptInterval)

	buf.Pack32(step.CPUCount)
	buf.Pack64(step.MemPerTask)
	buf.Pack32(step.ExitCode)
	if step.ExitCode != api.NoVal {
		// only present while a completion wave is in flight; a batch
		// step records its exit code with no bitmap at all
		if step.ExitNodeBitmap != nil {
			buf.PackStr(step.ExitNodeBitmap.Fmt())
			buf.Pack16(uint16(step.ExitNodeBitmap.Size()))
		} else {
			buf.PackStr("")
			buf.Pack16(0)
		}
	}
	if step.CoreBitmap != nil {
		buf.Pack32(uint32(step.CoreBitmap.Size()))
		buf.PackStr(step.CoreBitmap.Fmt())
	} else {
		buf.Pack32(0)
	}

	buf.PackTime(step.StartTime)
	buf.PackDuration(step.PreSusTime)
	buf.PackDuration(step.TotSusTime)
	buf.PackTime(step.CkptTime)

	buf.PackStr(step.Host)
	buf.PackStr(step.Name)
	buf.PackStr(step.Network)
	buf.PackStr(step.CkptPath)
	buf.PackBool(step.BatchStep)
	if !step.BatchStep {
		step.Layout.Pack(buf)
		m.swp.PackJobInfo(step.SwitchJob, buf)
	}
	m.ckpt.PackJobInfo(step.CheckJob, buf)
}

// LoadStepState recreates a step from saved state. An existing record
// with the same id is overwritten in place. The unpack is strict: any
// missing field or an out-of-range cyclic_alloc abandons the record,
// releasing whatever was already built, and the caller logs and moves
// on. An exit or core bitmap whose text fails to parse is logged and the
// record is kept.
func (m *Manager) LoadStepState(job *Job, buf *packbuf.Buffer) error {
	var (
		exitFmt  string
		exitBits uint16
		coreFmt  string
	)

	stepID, err := buf.Unpack32()
	if err != nil {
		return err
	}
	cyclicAlloc, err := buf.Unpack16()
	if err != nil {
		return err
	}
	port, err := buf.Unpack16()
	if err != nil {
		return err
	}
	ckptInterval, err := buf.Unpack16()
	if err != nil {
		return err
	}
	cpuCount, err := buf.Unpack32()
	if err != nil {
		return err
	}
	memPerTask, err := buf.Unpack64()
	if err != nil {
		return err
	}
	exitCode, err := buf.Unpack32()
	if err != nil {
		return err
	}
	if exitCode != api.NoVal {
		if exitFmt, err = buf.UnpackStr(); err != nil {
			return err
		}
		if exitBits, err = buf.Unpack16(); err != nil {
			return err
		}
	}
	coreSize, err := buf.Unpack32()
	if err != nil {
		return err
	}
	if coreSize > 0 {
		if coreFmt, err = buf.UnpackStr(); err != nil {
			return err
		}
	}

	startTime, err := buf.UnpackTime()
	if err != nil {
		return err
	}
	preSusTime, err := buf.UnpackDuration()
	if err != nil {
		return err
	}
	totSusTime, err := buf.UnpackDuration()
	if err != nil {
		return err
	}
	ckptTime, err := buf.UnpackTime()
	if err != nil {
		return err
	}

	host, err := buf.UnpackStr()
	if err != nil {
		return err
	}
	name, err := buf.UnpackStr()
	if err != nil {
		return err
	}
	network, err := buf.UnpackStr()
	if err != nil {
		return err
	}
	ckptPath, err := buf.UnpackStr()
	if err != nil {
		return err
	}
	batchStep, err := buf.UnpackBool()
	if err != nil {
		return err
	}

	var stepLayout *layout.StepLayout
	var switchJob switchplug.JobInfo
	if !batchStep {
		if stepLayout, err = layout.Unpack(buf); err != nil {
			return err
		}
		if switchJob, err = m.swp.UnpackJobInfo(buf); err != nil {
			return err
		}
	}
	checkJob, err := m.ckpt.UnpackJobInfo(buf)
	if err != nil {
		if switchJob != nil {
			m.swp.FreeJobInfo(switchJob)
		}
		return err
	}

	// validity test as possible
	if cyclicAlloc > 1 {
		if switchJob != nil {
			m.swp.FreeJobInfo(switchJob)
		}
		m.ckpt.FreeJobInfo(checkJob)
		return fmt.Errorf("invalid data for step %d.%d: cyclic_alloc=%d",
			job.ID, stepID, cyclicAlloc)
	}

	step := job.FindStep(stepID)
	fresh := step == nil
	if fresh {
		step = &StepRecord{JobID: job.ID}
		job.Steps = append(job.Steps, step)
		if stepID >= job.NextStepID {
			job.NextStepID = stepID + 1
		}
	}

	step.StepID = stepID
	step.CPUCount = cpuCount
	step.CyclicAlloc = cyclicAlloc
	step.Name = name
	step.Network = network
	step.CkptPath = ckptPath
	step.Port = port
	step.CkptInterval = ckptInterval
	step.MemPerTask = memPerTask
	step.Host = host
	step.BatchStep = batchStep
	step.StartTime = startTime
	step.PreSusTime = preSusTime
	step.TotSusTime = totSusTime
	step.CkptTime = ckptTime
	step.Layout = stepLayout
	step.SwitchJob = switchJob
	step.CheckJob = checkJob
	step.ExitCode = exitCode

	if exitCode != api.NoVal && exitBits > 0 {
		step.ExitNodeBitmap = bitstr.New(int(exitBits))
		if err := step.ExitNodeBitmap.Unfmt(exitFmt); err != nil {
			m.log.Error("error recovering exit node bitmap",
				"job_id", job.ID, "step_id", stepID, "fmt", exitFmt)
		}
	}
	if coreSize > 0 {
		step.CoreBitmap = bitstr.New(int(coreSize))
		if err := step.CoreBitmap.Unfmt(coreFmt); err != nil {
			m.log.Error("error recovering core bitmap",
				"job_id", job.ID, "step_id", stepID, "fmt", coreFmt)
		}
	}
	if job.NodeBitmap != nil {
		step.NodeBitmap = m.stepBitmapFromLayout(job, step)
	}

	// a newly recovered step re-charges the job's account; the existing
	// core bitmap suppresses core picking inside stepAllocLPs. Reloading
	// over a live record keeps its standing charges.
	if fresh && !step.BatchStep && step.NodeBitmap != nil && step.Layout != nil {
		if err := m.stepAllocLPs(step, job); err != nil {
			m.log.Error("recovered step charge failed",
				"job_id", job.ID, "step_id", stepID, "error", err)
		}
		if step.CoreBitmap != nil {
			job.Resources.MarkCoresUsed(step.CoreBitmap)
		}
	}

	if step.SwitchJob != nil {
		nodeList := ""
		if step.Layout != nil {
			nodeList = step.Layout.NodeList
		}
		m.swp.StepAllocated(step.SwitchJob, nodeList)
	}
	m.log.Info("recovered job step", "job_id", job.ID, "step_id", stepID)
	return nil
}

// stepBitmapFromLayout rebuilds the step's node bitmap from its layout's
// node list; the batch step spans the whole job.
func (m *Manager) stepBitmapFromLayout(job *Job, step *StepRecord) *bitstr.BitStr {
	if step.Layout == nil {
		return job.NodeBitmap.Copy()
	}
	bm, err := m.parseNodeList(step.Layout.NodeList)
	if err != nil {
		m.log.Error("recovered step names unknown nodes",
			"job_id", job.ID, "step_id", step.StepID,
			"node_list", step.Layout.NodeList)
		return job.NodeBitmap.Copy()
	}
	return bm
}
