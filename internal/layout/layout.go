// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package layout computes how a step's tasks are laid out over its
// selected nodes for each supported task distribution.
package layout

import (
	"fmt"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/hostlist"
	"github.com/jontk/slurm-controller/internal/packbuf"
)

// StepLayout records the per-node task placement of a step.
type StepLayout struct {
	// NodeList is the ordered, compressed node list string.
	NodeList  string
	NodeCount uint32
	TaskCount uint32
	// Tasks holds the task count per step node, in node-list order.
	Tasks     []uint16
	PlaneSize uint32
}

// Create lays out numTasks over the nodes of nodeList. cpusPerNode gives
// the usable CPU count per step node and bounds the first placement pass;
// distributions may over-subscribe beyond it when tasks remain.
func Create(nodeList string, cpusPerNode []uint16, numTasks uint32,
	dist api.TaskDist, planeSize uint32) (*StepLayout, error) {

	names, err := hostlist.Expand(nodeList)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("layout: empty node list")
	}

	if dist == api.DistArbitrary {
		return arbitrary(names, numTasks)
	}

	nodeCnt := len(names)
	if len(cpusPerNode) != nodeCnt {
		return nil, fmt.Errorf("layout: %d nodes but %d cpu counts",
			nodeCnt, len(cpusPerNode))
	}

	l := &StepLayout{
		NodeList:  hostlist.Compress(names),
		NodeCount: uint32(nodeCnt),
		TaskCount: numTasks,
		Tasks:     make([]uint16, nodeCnt),
		PlaneSize: planeSize,
	}

	switch {
	case dist == api.DistPlane:
		if planeSize == 0 {
			return nil, fmt.Errorf("layout: plane distribution needs a plane size")
		}
		l.plane(numTasks, planeSize)
	case dist.Cyclic():
		l.cyclic(numTasks, cpusPerNode)
	default:
		l.block(numTasks, cpusPerNode)
	}
	return l, nil
}

// block fills each node to its usable CPUs before moving on, then
// round-robins any excess.
func (l *StepLayout) block(numTasks uint32, cpus []uint16) {
	rem := numTasks
	for i := range l.Tasks {
		if rem == 0 {
			return
		}
		take := uint32(cpus[i])
		if take > rem {
			take = rem
		}
		l.Tasks[i] += uint16(take)
		rem -= take
	}
	l.roundRobin(rem)
}

// cyclic deals one task per node round robin, honoring CPU capacity
// until every node is full, then continues unbounded.
func (l *StepLayout) cyclic(numTasks uint32, cpus []uint16) {
	rem := numTasks
	for rem > 0 {
		progressed := false
		for i := range l.Tasks {
			if rem == 0 {
				return
			}
			if uint16(l.Tasks[i]) < cpus[i] {
				l.Tasks[i]++
				rem--
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	l.roundRobin(rem)
}

// plane deals blocks of planeSize round robin.
func (l *StepLayout) plane(numTasks, planeSize uint32) {
	rem := numTasks
	for rem > 0 {
		for i := range l.Tasks {
			take := planeSize
			if take > rem {
				take = rem
			}
			l.Tasks[i] += uint16(take)
			rem -= take
			if rem == 0 {
				return
			}
		}
	}
}

func (l *StepLayout) roundRobin(rem uint32) {
	for rem > 0 {
		for i := range l.Tasks {
			if rem == 0 {
				return
			}
			l.Tasks[i]++
			rem--
		}
	}
}

// arbitrary takes the caller's node list verbatim: one entry per task,
// repeats meaning multiple tasks on that node.
func arbitrary(names []string, numTasks uint32) (*StepLayout, error) {
	if uint32(len(names)) != numTasks {
		return nil, fmt.Errorf("layout: arbitrary distribution names %d nodes for %d tasks",
			len(names), numTasks)
	}
	var order []string
	counts := map[string]uint16{}
	for _, name := range names {
		if _, seen := counts[name]; !seen {
			order = append(order, name)
		}
		counts[name]++
	}
	l := &StepLayout{
		NodeList:  hostlist.Compress(order),
		NodeCount: uint32(len(order)),
		TaskCount: numTasks,
		Tasks:     make([]uint16, len(order)),
	}
	for i, name := range order {
		l.Tasks[i] = counts[name]
	}
	return l, nil
}

// Pack serializes the layout into the state buffer.
func (l *StepLayout) Pack(buf *packbuf.Buffer) {
	buf.PackStr(l.NodeList)
	buf.Pack32(l.NodeCount)
	buf.Pack32(l.TaskCount)
	buf.Pack32(l.PlaneSize)
	buf.Pack32(uint32(len(l.Tasks)))
	for _, t := range l.Tasks {
		buf.Pack16(t)
	}
}

// Unpack reads a layout from the state buffer.
func Unpack(buf *packbuf.Buffer) (*StepLayout, error) {
	l := &StepLayout{}
	var err error
	if l.NodeList, err = buf.UnpackStr(); err != nil {
		return nil, err
	}
	if l.NodeCount, err = buf.Unpack32(); err != nil {
		return nil, err
	}
	if l.TaskCount, err = buf.Unpack32(); err != nil {
		return nil, err
	}
	if l.PlaneSize, err = buf.Unpack32(); err != nil {
		return nil, err
	}
	n, err := buf.Unpack32()
	if err != nil {
		return nil, err
	}
	if n != l.NodeCount {
		return nil, fmt.Errorf("layout: task array length %d for %d nodes",
			n, l.NodeCount)
	}
	l.Tasks = make([]uint16, n)
	for i := range l.Tasks {
		if l.Tasks[i], err = buf.Unpack16(); err != nil {
			return nil, err
		}
	}
	return l, nil
}
