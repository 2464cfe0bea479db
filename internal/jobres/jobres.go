// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package jobres maintains the per-job resource account: per-node CPU
// and memory capacity and usage, plus the job-wide core bitmaps. Arrays
// are indexed by job-node index, dense over the job's allocated nodes.
package jobres

import (
	"fmt"

	"github.com/jontk/slurm-controller/internal/bitstr"
	"github.com/jontk/slurm-controller/pkg/logging"
)

// Resources is the resource account owned by a job.
type Resources struct {
	// CPUs and CPUsUsed track per-node CPU capacity and charges.
	CPUs     []uint16
	CPUsUsed []uint16

	// MemoryAllocated and MemoryUsed track per-node memory in MiB.
	MemoryAllocated []uint64
	MemoryUsed      []uint64

	// Sockets and CoresPerSocket give each node's core geometry.
	Sockets        []uint16
	CoresPerSocket []uint16

	// CoreBitmap holds the cores the job owns; CoreBitmapUsed the cores
	// currently charged to some step. Offsets are the concatenation of
	// every socket×core block, node by node.
	CoreBitmap     *bitstr.BitStr
	CoreBitmapUsed *bitstr.BitStr

	coreOffset []int
}

// New builds an account for a job allocation. cpus, memMiB, sockets and
// coresPerSocket are parallel arrays over job-node indices. The job's
// core bitmap starts full: the job owns every core of its allocation.
func New(cpus []uint16, memMiB []uint64, sockets, coresPerSocket []uint16) (*Resources, error) {
	n := len(cpus)
	if len(memMiB) != n || len(sockets) != n || len(coresPerSocket) != n {
		return nil, fmt.Errorf("jobres: mismatched array lengths")
	}

	offsets := make([]int, n+1)
	for i := 0; i < n; i++ {
		offsets[i+1] = offsets[i] + int(sockets[i])*int(coresPerSocket[i])
	}
	total := offsets[n]

	r := &Resources{
		CPUs:            cpus,
		CPUsUsed:        make([]uint16, n),
		MemoryAllocated: memMiB,
		MemoryUsed:      make([]uint64, n),
		Sockets:         sockets,
		CoresPerSocket:  coresPerSocket,
		CoreBitmap:      bitstr.New(total),
		CoreBitmapUsed:  bitstr.New(total),
		coreOffset:      offsets,
	}
	if total > 0 {
		r.CoreBitmap.SetRange(0, total-1)
	}
	return r, nil
}

// NodeCount returns the number of nodes in the allocation.
func (r *Resources) NodeCount() int { return len(r.CPUs) }

// TotalCPUs sums CPU capacity over the allocation.
func (r *Resources) TotalCPUs() uint32 {
	var sum uint32
	for _, c := range r.CPUs {
		sum += uint32(c)
	}
	return sum
}

// SocketsCores returns the core geometry of a job node.
func (r *Resources) SocketsCores(nodeInx int) (sockets, cores uint16, err error) {
	if nodeInx < 0 || nodeInx >= r.NodeCount() {
		return 0, 0, fmt.Errorf("jobres: node index %d out of range", nodeInx)
	}
	return r.Sockets[nodeInx], r.CoresPerSocket[nodeInx], nil
}

// CoreOffset maps a (node, socket, core) triple to its bit offset in the
// core bitmaps.
func (r *Resources) CoreOffset(nodeInx int, socket, core uint16) (int, error) {
	if nodeInx < 0 || nodeInx >= r.NodeCount() {
		return -1, fmt.Errorf("jobres: node index %d out of range", nodeInx)
	}
	if socket >= r.Sockets[nodeInx] || core >= r.CoresPerSocket[nodeInx] {
		return -1, fmt.Errorf("jobres: socket %d core %d out of range for node %d",
			socket, core, nodeInx)
	}
	return r.coreOffset[nodeInx] + int(socket)*int(r.CoresPerSocket[nodeInx]) + int(core), nil
}

// Charge adds a step's per-node CPU and memory usage.
func (r *Resources) Charge(nodeInx int, cpus uint16, memMiB uint64) {
	r.CPUsUsed[nodeInx] += cpus
	r.MemoryUsed[nodeInx] += memMiB
}

// Refund removes a step's per-node CPU and memory charge. An underflow
// is logged, the account clamps to zero and the operation continues.
func (r *Resources) Refund(nodeInx int, cpus uint16, memMiB uint64, log logging.Logger) {
	if r.CPUsUsed[nodeInx] >= cpus {
		r.CPUsUsed[nodeInx] -= cpus
	} else {
		log.Error("cpu refund underflow", "node_inx", nodeInx,
			"used", r.CPUsUsed[nodeInx], "refund", cpus)
		r.CPUsUsed[nodeInx] = 0
	}
	if r.MemoryUsed[nodeInx] >= memMiB {
		r.MemoryUsed[nodeInx] -= memMiB
	} else {
		log.Error("memory refund underflow", "node_inx", nodeInx,
			"used", r.MemoryUsed[nodeInx], "refund", memMiB)
		r.MemoryUsed[nodeInx] = 0
	}
}

// MarkCoresUsed sets the given cores in the used-cores bitmap.
func (r *Resources) MarkCoresUsed(bm *bitstr.BitStr) {
	r.CoreBitmapUsed.Or(bm)
}

// MarkCoresFree clears the given cores from the used-cores bitmap.
func (r *Resources) MarkCoresFree(bm *bitstr.BitStr) {
	r.CoreBitmapUsed.AndNot(bm)
}
