// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package api defines the request and response shapes consumed by the
// controller's step manager.
package api

import "time"

// Sentinel values shared with the wire protocol.
const (
	// NoVal marks an unset 32-bit field.
	NoVal uint32 = 0xfffffffe
	// NoVal16 marks an unset 16-bit field.
	NoVal16 uint16 = 0xfffe
	// Infinite requests every node of the job's allocation.
	Infinite uint32 = 0xffffffff
)

// TaskDist enumerates task distribution methods over nodes and sockets.
type TaskDist uint16

const (
	DistCyclic TaskDist = iota + 1
	DistBlock
	DistArbitrary
	DistPlane
	DistCyclicCyclic
	DistCyclicBlock
	DistBlockCyclic
	DistBlockBlock
)

// Cyclic reports whether tasks rotate across nodes round robin.
func (d TaskDist) Cyclic() bool {
	switch d {
	case DistCyclic, DistCyclicCyclic, DistCyclicBlock:
		return true
	}
	return false
}

// Valid reports whether d names a known distribution.
func (d TaskDist) Valid() bool {
	return d >= DistCyclic && d <= DistBlockBlock
}

// StepCreateRequest is the step-create RPC body.
type StepCreateRequest struct {
	UserID       uint32   `json:"user_id"`
	JobID        uint32   `json:"job_id"`
	NodeCount    uint32   `json:"node_count"` // Infinite selects all job nodes
	CPUCount     uint32   `json:"cpu_count"`
	NumTasks     uint32   `json:"num_tasks"`
	NodeList     string   `json:"node_list,omitempty"`
	Relative     uint16   `json:"relative"` // NoVal16 when unset
	TaskDist     TaskDist `json:"task_dist"`
	PlaneSize    uint32   `json:"plane_size,omitempty"`
	MemPerTask   uint64   `json:"mem_per_task"` // MiB, zero when unlimited
	Exclusive    bool     `json:"exclusive"`
	Overcommit   bool     `json:"overcommit"`
	Immediate    bool     `json:"immediate"`
	Name         string   `json:"name,omitempty"`
	Network      string   `json:"network,omitempty"`
	Host         string   `json:"host,omitempty"`
	Port         uint16   `json:"port,omitempty"`
	CkptInterval uint16   `json:"ckpt_interval"` // minutes, zero disables
	CkptPath     string   `json:"ckpt_path,omitempty"`
}

// StepCreateResponse reports the assigned step and its final node list.
// NodeList is always derived from the selected bitmap, even when the
// request named explicit nodes.
type StepCreateResponse struct {
	JobID    uint32 `json:"job_id"`
	StepID   uint32 `json:"step_id"`
	NodeList string `json:"node_list"`
}

// StepSignalRequest is the step-signal RPC body.
type StepSignalRequest struct {
	JobID  uint32 `json:"job_id"`
	StepID uint32 `json:"step_id"`
	Signal int    `json:"signal"`
	UserID uint32 `json:"user_id"`
}

// StepCompleteRequest is the full-completion RPC body.
type StepCompleteRequest struct {
	JobID      uint32 `json:"job_id"`
	StepID     uint32 `json:"step_id"`
	UserID     uint32 `json:"user_id"`
	Requeue    bool   `json:"requeue"`
	ReturnCode uint32 `json:"return_code"`
}

// StepPartialCompleteRequest reports completion of a node range of a
// step, in step-node-offset space (zero origin, inclusive).
type StepPartialCompleteRequest struct {
	JobID      uint32    `json:"job_id"`
	StepID     uint32    `json:"step_id"`
	RangeFirst uint32    `json:"range_first"`
	RangeLast  uint32    `json:"range_last"`
	StepRC     uint32    `json:"step_rc"`
	Stats      StepStats `json:"stats"`
}

// StepStats is the aggregated accounting blob carried by completion
// messages.
type StepStats struct {
	UserCPUSec uint64 `json:"user_cpu_sec"`
	SysCPUSec  uint64 `json:"sys_cpu_sec"`
	MaxRSS     uint64 `json:"max_rss"`
	TotalTasks uint32 `json:"total_tasks"`
}

// Aggregate folds other into s, keeping the maximum RSS.
func (s *StepStats) Aggregate(other StepStats) {
	s.UserCPUSec += other.UserCPUSec
	s.SysCPUSec += other.SysCPUSec
	if other.MaxRSS > s.MaxRSS {
		s.MaxRSS = other.MaxRSS
	}
	s.TotalTasks += other.TotalTasks
}

// StepInfo is the per-step info layout, minus the opaque switch and
// checkpoint blobs.
type StepInfo struct {
	JobID        uint32    `json:"job_id"`
	StepID       uint32    `json:"step_id"`
	UserID       uint32    `json:"user_id"`
	CkptInterval uint16    `json:"ckpt_interval"`
	TaskCount    uint32    `json:"task_count"`
	StartTime    time.Time `json:"start_time"`
	RunTime      uint64    `json:"run_time_sec"`
	Partition    string    `json:"partition"`
	NodeList     string    `json:"node_list"`
	Name         string    `json:"name"`
	Network      string    `json:"network,omitempty"`
	NodeBitmap   string    `json:"node_bitmap"`
	CkptPath     string    `json:"ckpt_path,omitempty"`
}

// StepInfoRequest filters the info query. JobID zero means all jobs;
// StepID NoVal means all steps of the job.
type StepInfoRequest struct {
	JobID    uint32 `json:"job_id"`
	StepID   uint32 `json:"step_id"`
	UserID   uint32 `json:"user_id"`
	ShowAll  bool   `json:"show_all"`
}
