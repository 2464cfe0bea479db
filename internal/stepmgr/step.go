// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package stepmgr

import (
	"time"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/bitstr"
	"github.com/jontk/slurm-controller/internal/ckptplug"
	"github.com/jontk/slurm-controller/internal/layout"
	"github.com/jontk/slurm-controller/internal/switchplug"
)

// StepRecord is one job step. Records are created only through the
// manager and owned by their job's step list.
type StepRecord struct {
	StepID uint32
	JobID  uint32

	// NodeBitmap is the step's node set, a subset of the job's
	// allocation, indexed over the cluster node table.
	NodeBitmap *bitstr.BitStr

	// CoreBitmap holds the cores charged to or shared with this step,
	// same length as the job's core bitmap. Nil for batch steps.
	CoreBitmap *bitstr.BitStr

	// ExitNodeBitmap is indexed in step-node-offset space and allocated
	// lazily on the first partial completion.
	ExitNodeBitmap *bitstr.BitStr

	// ExitCode is api.NoVal until a completion reports a return code;
	// afterwards it holds the maximum reported code.
	ExitCode uint32

	// CPUCount is the requested CPU count before any overcommit
	// clearing, kept for reporting.
	CPUCount uint32

	MemPerTask uint64

	// CyclicAlloc is 1 for cyclic task distributions. Kept sixteen bits
	// wide to match the state file; unpack rejects values above one.
	CyclicAlloc uint16

	Exclusive bool
	BatchStep bool

	StartTime time.Time

	// PreSusTime accumulates run time before each suspension;
	// TotSusTime accumulates time spent suspended.
	PreSusTime time.Duration
	TotSusTime time.Duration

	// CkptInterval is in minutes; zero disables periodic checkpoints.
	CkptInterval uint16
	CkptTime     time.Time
	CkptPath     string

	SwitchJob switchplug.JobInfo
	CheckJob  ckptplug.JobInfo

	Layout *layout.StepLayout

	Name    string
	Network string
	Host    string
	Port    uint16

	Stats api.StepStats

	released bool
}

// release frees the step's plugin handles and bitmaps. It is idempotent;
// a second call is a no-op.
func (s *StepRecord) release(swp switchplug.Plugin, ckpt ckptplug.Plugin) {
	if s.released {
		return
	}
	s.released = true
	if s.SwitchJob != nil {
		swp.FreeJobInfo(s.SwitchJob)
		s.SwitchJob = nil
	}
	if s.CheckJob != nil {
		ckpt.FreeJobInfo(s.CheckJob)
		s.CheckJob = nil
	}
	s.NodeBitmap = nil
	s.CoreBitmap = nil
	s.ExitNodeBitmap = nil
	s.Layout = nil
}

// taskCount returns the step's total task count; batch steps count one.
func (s *StepRecord) taskCount() uint32 {
	if s.Layout != nil {
		return s.Layout.TaskCount
	}
	return 1
}
