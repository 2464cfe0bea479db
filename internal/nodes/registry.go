// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package nodes holds the cluster node table consumed by the step
// manager. The registry is immutable during a scheduling operation; the
// up bitmap is read-only to the core.
package nodes

import (
	"fmt"

	"github.com/jontk/slurm-controller/internal/bitstr"
)

// State flags a node's availability for step scheduling.
type State uint8

const (
	StateUp State = iota
	StateDown
	// StatePowerSave marks a node powered down to save energy.
	StatePowerSave
	// StateNoRespond marks a node that stopped answering RPCs.
	StateNoRespond
)

// Node describes one compute node.
type Node struct {
	Name string
	// CPUs is the live registered CPU count.
	CPUs uint16
	// ConfigCPUs is the configured CPU count, used under fast-schedule.
	ConfigCPUs uint16
	State      State
}

// Registry is the process-wide node table.
type Registry struct {
	nodes        []Node
	byName       map[string]int
	up           *bitstr.BitStr
	fastSchedule bool
}

// NewRegistry builds a registry over the given nodes. Nodes in StateUp,
// StatePowerSave and StateNoRespond count as "up" for the availability
// bitmap; the transitional states are still rejected for a job's first
// step by the selector.
func NewRegistry(nodes []Node, fastSchedule bool) *Registry {
	r := &Registry{
		nodes:        nodes,
		byName:       make(map[string]int, len(nodes)),
		up:           bitstr.New(len(nodes)),
		fastSchedule: fastSchedule,
	}
	for i, n := range nodes {
		r.byName[n.Name] = i
		if n.State != StateDown {
			r.up.Set(i)
		}
	}
	return r
}

// Count returns the number of configured nodes.
func (r *Registry) Count() int { return len(r.nodes) }

// Name returns the name of node i.
func (r *Registry) Name(i int) string { return r.nodes[i].Name }

// CPUs returns the schedulable CPU count of node i, honoring the
// fast-schedule policy.
func (r *Registry) CPUs(i int) uint16 {
	if r.fastSchedule {
		return r.nodes[i].ConfigCPUs
	}
	return r.nodes[i].CPUs
}

// State returns the state of node i.
func (r *Registry) State(i int) State { return r.nodes[i].State }

// Transitional reports whether node i is powered down or unresponsive.
func (r *Registry) Transitional(i int) bool {
	s := r.nodes[i].State
	return s == StatePowerSave || s == StateNoRespond
}

// UpBitmap returns the up-node bitmap. Callers must not mutate it.
func (r *Registry) UpBitmap() *bitstr.BitStr { return r.up }

// Find returns the index of the named node, or -1.
func (r *Registry) Find(name string) int {
	if i, ok := r.byName[name]; ok {
		return i
	}
	return -1
}

// Names expands a node bitmap into node names.
func (r *Registry) Names(bm *bitstr.BitStr) []string {
	var names []string
	for i := 0; i < r.Count(); i++ {
		if bm.Test(i) {
			names = append(names, r.nodes[i].Name)
		}
	}
	return names
}

// Bitmap converts node names to a cluster-indexed bitmap.
func (r *Registry) Bitmap(names []string) (*bitstr.BitStr, error) {
	bm := bitstr.New(r.Count())
	for _, name := range names {
		i := r.Find(name)
		if i < 0 {
			return nil, fmt.Errorf("nodes: unknown node %q", name)
		}
		bm.Set(i)
	}
	return bm, nil
}
