// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package stepmgr

import (
	"time"

	"github.com/jontk/slurm-controller/internal/bitstr"
	"github.com/jontk/slurm-controller/internal/jobres"
)

// JobState is the job's scheduling state as the step manager sees it.
type JobState uint8

const (
	JobPending JobState = iota
	JobRunning
	JobSuspended
	JobCompleting
	JobComplete
	JobCancelled
	JobFailed
	JobTimeout
	JobNodeFail
)

// Finished reports whether the job has reached a terminal state.
func (s JobState) Finished() bool {
	return s >= JobComplete
}

// String returns the state name for logs.
func (s JobState) String() string {
	switch s {
	case JobPending:
		return "PENDING"
	case JobRunning:
		return "RUNNING"
	case JobSuspended:
		return "SUSPENDED"
	case JobCompleting:
		return "COMPLETING"
	case JobComplete:
		return "COMPLETE"
	case JobCancelled:
		return "CANCELLED"
	case JobFailed:
		return "FAILED"
	case JobTimeout:
		return "TIMEOUT"
	case JobNodeFail:
		return "NODE_FAIL"
	}
	return "UNKNOWN"
}

// Job carries the fields of a job record the step manager reads and the
// step list it owns. Steps refer back to their job by id and resolve
// through the manager's job map.
type Job struct {
	ID        uint32
	UserID    uint32
	Name      string
	Network   string
	Partition string

	State   JobState
	EndTime time.Time

	// SuspendTime is set on every suspend and resume.
	SuspendTime time.Time

	// NodeBitmap is the job's allocation over the cluster node table.
	NodeBitmap *bitstr.BitStr

	// Resources is the job's resource account.
	Resources *jobres.Resources

	// TotalCPUs is the CPU count of the whole allocation.
	TotalCPUs uint32

	NextStepID uint32
	Steps      []*StepRecord

	KillOnStepDone bool
	PrologRunning  bool

	// RequestUID records who requested a hard kill; negative when unset.
	// The first writer wins.
	RequestUID int64
}

// FindStep returns the step with the given id, or nil.
func (j *Job) FindStep(stepID uint32) *StepRecord {
	for _, s := range j.Steps {
		if s.StepID == stepID {
			return s
		}
	}
	return nil
}

// StepsOnNode reports whether any step of the job runs on the given
// cluster node index.
func (j *Job) StepsOnNode(nodeInx int) bool {
	for _, s := range j.Steps {
		if s.NodeBitmap != nil && s.NodeBitmap.Test(nodeInx) {
			return true
		}
	}
	return false
}

// jobNodeIndex maps a cluster node index to the job-node index, the
// position of the node among the set bits of the job's allocation.
// Returns -1 when the node is not allocated to the job.
func (j *Job) jobNodeIndex(nodeInx int) int {
	if j.NodeBitmap == nil || !j.NodeBitmap.Test(nodeInx) {
		return -1
	}
	pos := 0
	for i := 0; i < nodeInx; i++ {
		if j.NodeBitmap.Test(i) {
			pos++
		}
	}
	return pos
}
