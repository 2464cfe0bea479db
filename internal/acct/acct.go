// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package acct defines the accounting sink consumed by the step manager.
// Every write is best effort: callers log failures and continue.
package acct

import (
	"sync"
	"time"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/pkg/logging"
)

// StepRecord is the accounting view of a step at start or completion.
type StepRecord struct {
	JobID      uint32
	StepID     uint32
	UserID     uint32
	Name       string
	NodeList   string
	TaskCount  uint32
	StartTime  time.Time
	ElapsedSec uint64
	ExitCode   uint32
	Stats      api.StepStats
}

// JobRecord is the accounting view of a completed job.
type JobRecord struct {
	JobID    uint32
	UserID   uint32
	EndTime  time.Time
	ExitCode uint32
}

// Sink receives accounting records.
type Sink interface {
	StepStart(rec StepRecord) error
	StepComplete(rec StepRecord) error
	JobComplete(rec JobRecord) error
}

// LogSink writes accounting records to the structured log.
type LogSink struct {
	Log logging.Logger
}

// StepStart records a step start.
func (s *LogSink) StepStart(rec StepRecord) error {
	s.Log.Info("acct step start",
		"job_id", rec.JobID, "step_id", rec.StepID,
		"user_id", rec.UserID, "nodes", rec.NodeList,
		"tasks", rec.TaskCount)
	return nil
}

// StepComplete records a step completion.
func (s *LogSink) StepComplete(rec StepRecord) error {
	s.Log.Info("acct step complete",
		"job_id", rec.JobID, "step_id", rec.StepID,
		"elapsed_sec", rec.ElapsedSec, "exit_code", rec.ExitCode)
	return nil
}

// JobComplete records a job completion.
func (s *LogSink) JobComplete(rec JobRecord) error {
	s.Log.Info("acct job complete",
		"job_id", rec.JobID, "exit_code", rec.ExitCode)
	return nil
}

// MemSink collects records in memory; used by tests.
type MemSink struct {
	mu sync.Mutex

	Starts    []StepRecord
	Completes []StepRecord
	Jobs      []JobRecord

	// Err, when set, is returned by every write to exercise the
	// best-effort path.
	Err error
}

// StepStart records a step start.
func (s *MemSink) StepStart(rec StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Starts = append(s.Starts, rec)
	return nil
}

// StepComplete records a step completion.
func (s *MemSink) StepComplete(rec StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Completes = append(s.Completes, rec)
	return nil
}

// JobComplete records a job completion.
func (s *MemSink) JobComplete(rec JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Jobs = append(s.Jobs, rec)
	return nil
}
