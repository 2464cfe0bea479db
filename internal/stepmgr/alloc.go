// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package stepmgr

import (
	"fmt"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/bitstr"
	"github.com/jontk/slurm-controller/internal/layout"
)

// pickStepCores updates the step's core bitmap for one node, creating it
// as needed, and charges idle cores to the job's used-cores bitmap. When
// idle cores run out the remainder over-subscribes: those cores land in
// the step's bitmap only, never in the used bitmap, because they are
// shared.
func (m *Manager) pickStepCores(step *StepRecord, job *Job, jobNodeInx int,
	taskCnt uint16) error {

	res := job.Resources
	if step.CoreBitmap == nil {
		step.CoreBitmap = bitstr.New(res.CoreBitmap.Size())
	}
	sockets, cores, err := res.SocketsCores(jobNodeInx)
	if err != nil {
		return err
	}

	useAllCores := taskCnt == cores*sockets

	// select idle cores first
	for core := uint16(0); core < cores; core++ {
		for sock := uint16(0); sock < sockets; sock++ {
			offset, err := res.CoreOffset(jobNodeInx, sock, core)
			if err != nil {
				return err
			}
			if !res.CoreBitmap.Test(offset) {
				continue
			}
			if !useAllCores && res.CoreBitmapUsed.Test(offset) {
				continue
			}
			res.CoreBitmapUsed.Set(offset)
			step.CoreBitmap.Set(offset)
			taskCnt--
			if taskCnt == 0 {
				return nil
			}
		}
	}
	if useAllCores {
		return nil
	}

	// need to over-subscribe some cores
	for core := uint16(0); core < cores; core++ {
		for sock := uint16(0); sock < sockets; sock++ {
			offset, err := res.CoreOffset(jobNodeInx, sock, core)
			if err != nil {
				return err
			}
			if !res.CoreBitmap.Test(offset) {
				continue
			}
			if step.CoreBitmap.Test(offset) {
				continue // already taken by this step
			}
			step.CoreBitmap.Set(offset)
			taskCnt--
			if taskCnt == 0 {
				return nil
			}
		}
	}
	return nil
}

// stepAllocLPs charges a scheduled step's CPUs, memory and cores to the
// job's account.
func (m *Manager) stepAllocLPs(step *StepRecord, job *Job) error {
	res := job.Resources
	first := job.NodeBitmap.FFS()
	last := job.NodeBitmap.FLS()
	if first == -1 {
		return nil
	}

	pickCores := true
	if step.CoreBitmap != nil {
		// recovered from saved state, cores already chosen
		pickCores = false
	} else if step.CPUCount == job.TotalCPUs {
		// step uses all of the job's cores, just copy the bitmap
		step.CoreBitmap = res.CoreBitmap.Copy()
		pickCores = false
	}

	jobNodeInx, stepNodeInx := -1, -1
	for i := first; i <= last; i++ {
		if !job.NodeBitmap.Test(i) {
			continue
		}
		jobNodeInx++
		if !step.NodeBitmap.Test(i) {
			continue
		}
		stepNodeInx++
		tasks := step.Layout.Tasks[stepNodeInx]
		res.Charge(jobNodeInx, tasks, step.MemPerTask*uint64(tasks))
		if pickCores {
			if err := m.pickStepCores(step, job, jobNodeInx, tasks); err != nil {
				return err
			}
		}
		if stepNodeInx == int(step.Layout.NodeCount)-1 {
			break
		}
	}
	return nil
}

// stepDeallocLPs is the exact inverse of stepAllocLPs. Underflows clamp
// and log; over-subscribed cores need no handling because they were
// never marked used.
func (m *Manager) stepDeallocLPs(step *StepRecord, job *Job) {
	res := job.Resources
	if step.Layout == nil { // batch step
		return
	}
	first := job.NodeBitmap.FFS()
	last := job.NodeBitmap.FLS()
	if first == -1 {
		return
	}

	log := m.log.With("job_id", job.ID, "step_id", step.StepID)
	jobNodeInx, stepNodeInx := -1, -1
	for i := first; i <= last; i++ {
		if !job.NodeBitmap.Test(i) {
			continue
		}
		jobNodeInx++
		if !step.NodeBitmap.Test(i) {
			continue
		}
		stepNodeInx++
		tasks := step.Layout.Tasks[stepNodeInx]
		res.Refund(jobNodeInx, tasks, step.MemPerTask*uint64(tasks), log)
		if stepNodeInx == int(step.Layout.NodeCount)-1 {
			break
		}
	}
	if step.CoreBitmap != nil {
		res.MarkCoresFree(step.CoreBitmap)
		step.CoreBitmap = nil
	}
}

// stepLayoutCreate builds the task layout over the step's selected
// nodes, bounding each node by its usable CPUs and memory.
func (m *Manager) stepLayoutCreate(step *StepRecord, job *Job,
	stepNodeList string, nodeCount, numTasks uint32,
	dist api.TaskDist, planeSize uint32) (*layout.StepLayout, error) {

	res := job.Resources
	if dist == api.DistArbitrary {
		return layout.Create(stepNodeList, nil, numTasks, dist, planeSize)
	}

	var cpusPerNode []uint16
	var setCPUs uint32
	first := step.NodeBitmap.FFS()
	last := step.NodeBitmap.FLS()
	for i := first; i >= 0 && i <= last; i++ {
		if !step.NodeBitmap.Test(i) {
			continue
		}
		pos := job.jobNodeIndex(i)
		if pos < 0 {
			return nil, fmt.Errorf("step node %s outside job allocation",
				m.registry.Name(i))
		}
		var usable int64
		if step.Exclusive {
			usable = int64(res.CPUs[pos]) - int64(res.CPUsUsed[pos])
			if remaining := int64(numTasks) - int64(setCPUs); usable < remaining {
				usable = remaining
			}
		} else {
			usable = int64(res.CPUs[pos])
		}
		if step.MemPerTask > 0 {
			byMem := int64((res.MemoryAllocated[pos] - res.MemoryUsed[pos]) /
				step.MemPerTask)
			if byMem < usable {
				usable = byMem
			}
		}
		if usable <= 0 {
			return nil, fmt.Errorf("no usable cpus on %s", m.registry.Name(i))
		}
		cpusPerNode = append(cpusPerNode, uint16(usable))
		setCPUs += uint32(usable)
		if uint32(len(cpusPerNode)) == nodeCount {
			break
		}
	}
	return layout.Create(stepNodeList, cpusPerNode, numTasks, dist, planeSize)
}
