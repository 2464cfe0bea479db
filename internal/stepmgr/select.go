// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package stepmgr

import (
	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/bitstr"
	"github.com/jontk/slurm-controller/internal/hostlist"
	"github.com/jontk/slurm-controller/pkg/errors"
)

// pickStepNodes selects the node set for a new step, satisfying the
// superset of the request's constraints against the job's allocation.
// The request may be rewritten: arbitrary distributions demote to block
// when the interconnect cannot run them, and a satisfiable CPU count on
// a homogeneous allocation translates into a node count.
func (m *Manager) pickStepNodes(job *Job, req *api.StepCreateRequest,
	batch bool) (*bitstr.BitStr, error) {

	res := job.Resources
	if job.NodeBitmap == nil || res == nil {
		return nil, errors.New(errors.ErrorCodeConfigUnavailable,
			"job has no allocation")
	}

	avail := job.NodeBitmap.Copy()
	avail.And(m.registry.UpBitmap())

	// Before the first step starts, every allocated node must be fully
	// up: a node still powering up or not yet responding will accept no
	// work, so the caller waits instead of spinning on launch failures.
	if job.NextStepID == 0 {
		if job.PrologRunning {
			return nil, errors.New(errors.ErrorCodeNodesBusy, "prolog still running")
		}
		for i := 0; i < m.registry.Count(); i++ {
			if job.NodeBitmap.Test(i) && m.registry.Transitional(i) {
				return nil, errors.Newf(errors.ErrorCodeNodesBusy,
					"node %s is not yet responding", m.registry.Name(i))
			}
		}
	}

	// In exclusive mode, just satisfy the processor count. Do not use
	// nodes that have no unused CPUs or insufficient unused memory.
	if req.Exclusive {
		return m.pickExclusive(job, req, avail)
	}

	if req.MemPerTask > 0 {
		nodeInx := -1
		for i := 0; i < m.registry.Count(); i++ {
			if !job.NodeBitmap.Test(i) {
				continue
			}
			nodeInx++
			usable := (res.MemoryAllocated[nodeInx] - res.MemoryUsed[nodeInx]) /
				req.MemPerTask
			if usable == 0 {
				if req.NodeCount == api.Infinite {
					return nil, errors.Newf(errors.ErrorCodeInvalidTaskMemory,
						"%d MiB per task does not fit on node %s",
						req.MemPerTask, m.registry.Name(i))
				}
				avail.Clear(i)
			}
		}
	}

	if req.NodeCount == api.Infinite { // use all nodes
		return avail, nil
	}

	var picked, idle *bitstr.BitStr

	if req.NodeList != "" {
		selected, err := m.parseNodeList(req.NodeList)
		if err != nil {
			m.log.Info("step request names an invalid node list",
				"job_id", job.ID, "node_list", req.NodeList, "error", err)
			return nil, errors.WithCause(errors.ErrorCodeConfigUnavailable,
				"invalid node list", err)
		}
		if !selected.SuperSet(job.NodeBitmap) {
			m.log.Info("step request names nodes outside the job",
				"job_id", job.ID, "node_list", req.NodeList)
			return nil, errors.Newf(errors.ErrorCodeConfigUnavailable,
				"requested nodes %s not part of job %d", req.NodeList, job.ID)
		}
		if !selected.SuperSet(avail) {
			m.log.Info("step request names nodes with inadequate memory",
				"job_id", job.ID, "node_list", req.NodeList)
			return nil, errors.Newf(errors.ErrorCodeConfigUnavailable,
				"requested nodes %s unavailable", req.NodeList)
		}
		if req.TaskDist == api.DistArbitrary {
			if !m.swp.ArbitraryDistSupported() {
				// cannot run an arbitrary layout on this interconnect;
				// demote to block and spread over what is available
				m.log.Error("arbitrary task layout unsupported on this switch, using block",
					"switch", m.swp.Type(), "job_id", job.ID)
				req.NodeList = ""
				req.TaskDist = api.DistBlock
				selected = nil
				req.NodeCount = uint32(avail.Count())
			} else {
				req.NodeCount = uint32(selected.Count())
			}
		}
		if selected != nil {
			if req.NodeCount > 0 && uint32(selected.Count()) > req.NodeCount {
				// more candidates than needed: pool them and pick the
				// deficit below
				picked = bitstr.New(avail.Size())
				avail = selected
			} else {
				// exactly the named nodes: pin them, exclude the rest
				picked = selected.Copy()
				avail.AndNot(selected)
			}
		}
	}
	if picked == nil {
		picked = bitstr.New(avail.Size())
	}

	if req.Relative != api.NoVal16 {
		// skip the first relative nodes of the available set
		rel, err := avail.PickCount(int(req.Relative))
		if err != nil {
			m.log.Info("invalid relative value",
				"job_id", job.ID, "relative", req.Relative)
			return nil, errors.Newf(errors.ErrorCodeConfigUnavailable,
				"relative offset %d exceeds available nodes", req.Relative)
		}
		avail.AndNot(rel)
	} else {
		// prefer nodes not already hosting a sibling step
		idle = bitstr.New(avail.Size())
		for _, sibling := range job.Steps {
			if sibling.NodeBitmap != nil {
				idle.Or(sibling.NodeBitmap)
			}
		}
		idle.NotInPlace()
		idle.And(avail)
	}

	// if the step needs a specific processor count and the allocation is
	// CPU-homogeneous, translate it to a node count
	if req.CPUCount > 0 && res.NodeCount() > 0 && homogeneous(res.CPUs) {
		per := uint32(res.CPUs[0])
		need := (req.CPUCount + per - 1) / per
		if need > req.NodeCount {
			req.NodeCount = need
		}
		req.CPUCount = 0
	}

	if req.NodeCount > 0 {
		pickedCnt := uint32(picked.Count())
		if idle != nil && uint32(idle.Count()) >= req.NodeCount &&
			req.NodeCount > pickedCnt {
			tmp, err := idle.PickCount(int(req.NodeCount - pickedCnt))
			if err != nil {
				return nil, errors.WithCause(errors.ErrorCodeConfigUnavailable,
					"node selection failed", err)
			}
			picked.Or(tmp)
			idle.AndNot(tmp)
			avail.AndNot(tmp)
			pickedCnt = req.NodeCount
		}
		if req.NodeCount > pickedCnt {
			tmp, err := avail.PickCount(int(req.NodeCount - pickedCnt))
			if err != nil {
				return nil, errors.Newf(errors.ErrorCodeConfigUnavailable,
					"job %d has %d available nodes, step wants %d",
					job.ID, avail.Count()+int(pickedCnt), req.NodeCount)
			}
			picked.Or(tmp)
			avail.AndNot(tmp)
		}
	}

	if req.CPUCount > 0 {
		// make sure the selected nodes have enough cpus
		if got := m.countCPUs(picked); got < req.CPUCount {
			m.log.Debug("picked nodes hold too few cpus",
				"job_id", job.ID, "have", got, "want", req.CPUCount)
			return nil, errors.Newf(errors.ErrorCodeConfigUnavailable,
				"picked nodes hold %d cpus, step wants %d", got, req.CPUCount)
		}
	}

	return picked, nil
}

// pickExclusive includes nodes in index order until the CPU target is
// met, counting only unused CPUs and capping by unused memory.
func (m *Manager) pickExclusive(job *Job, req *api.StepCreateRequest,
	avail *bitstr.BitStr) (*bitstr.BitStr, error) {

	res := job.Resources
	nodeInx := -1
	var pickedCPUs, totalCPUs uint64
	for i := 0; i < m.registry.Count(); i++ {
		if !job.NodeBitmap.Test(i) {
			continue
		}
		nodeInx++
		availTasks := int64(res.CPUs[nodeInx]) - int64(res.CPUsUsed[nodeInx])
		totTasks := uint64(res.CPUs[nodeInx])
		if req.MemPerTask > 0 {
			unusedMem := (res.MemoryAllocated[nodeInx] - res.MemoryUsed[nodeInx]) /
				req.MemPerTask
			if int64(unusedMem) < availTasks {
				availTasks = int64(unusedMem)
			}
			allMem := res.MemoryAllocated[nodeInx] / req.MemPerTask
			if allMem < totTasks {
				totTasks = allMem
			}
		}
		totalCPUs += totTasks
		if availTasks <= 0 || pickedCPUs >= uint64(req.CPUCount) {
			avail.Clear(i)
		} else {
			pickedCPUs += uint64(availTasks)
		}
	}
	if pickedCPUs >= uint64(req.CPUCount) {
		return avail, nil
	}
	if totalCPUs >= uint64(req.CPUCount) {
		return nil, errors.Newf(errors.ErrorCodeNodesBusy,
			"%d of %d usable cpus busy", uint64(req.CPUCount)-pickedCPUs, totalCPUs)
	}
	return nil, errors.Newf(errors.ErrorCodeConfigUnavailable,
		"allocation holds %d usable cpus, step wants %d", totalCPUs, req.CPUCount)
}

// parseNodeList converts a node list expression to a cluster bitmap.
func (m *Manager) parseNodeList(expr string) (*bitstr.BitStr, error) {
	names, err := hostlist.Expand(expr)
	if err != nil {
		return nil, err
	}
	return m.registry.Bitmap(names)
}

// countCPUs sums schedulable CPUs over the nodes of a bitmap.
func (m *Manager) countCPUs(bm *bitstr.BitStr) uint32 {
	var sum uint32
	for i := 0; i < m.registry.Count(); i++ {
		if bm.Test(i) {
			sum += uint32(m.registry.CPUs(i))
		}
	}
	return sum
}

func homogeneous(cpus []uint16) bool {
	for _, c := range cpus {
		if c != cpus[0] {
			return false
		}
	}
	return true
}
