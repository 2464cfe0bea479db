// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package ckptplug defines the checkpoint plugin contract: an opaque
// per-step checkpoint state driven by operation requests and completion
// notifications.
package ckptplug

import (
	"fmt"
	"time"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/packbuf"
)

// JobInfo is the opaque per-step checkpoint state.
type JobInfo interface {
	checkJobInfo()
}

// StepHandle identifies the step a checkpoint operation targets.
type StepHandle struct {
	JobID    uint32
	StepID   uint32
	CkptPath string
	ImageDir string
}

// Result is the plugin's reply to an operation.
type Result struct {
	EventTime time.Time
	ErrorCode uint32
	ErrorMsg  string
}

// Plugin is the capability set the step manager consumes.
type Plugin interface {
	// Type names the plugin, e.g. "checkpoint/none".
	Type() string

	// AllocJobInfo allocates empty checkpoint state.
	AllocJobInfo() JobInfo

	// PackJobInfo serializes the state.
	PackJobInfo(ji JobInfo, buf *packbuf.Buffer)

	// UnpackJobInfo deserializes checkpoint state.
	UnpackJobInfo(buf *packbuf.Buffer) (JobInfo, error)

	// Op performs a checkpoint operation against a step.
	Op(op api.CheckpointOp, data uint16, ji JobInfo, step StepHandle) (Result, error)

	// Complete notes step checkpoint completion.
	Complete(ji JobInfo, begin time.Time, errCode uint32, errMsg string) error

	// TaskComplete notes per-task checkpoint completion.
	TaskComplete(ji JobInfo, taskID uint32, begin time.Time, errCode uint32, errMsg string) error

	// FreeJobInfo releases the state. Safe to call with nil.
	FreeJobInfo(ji JobInfo)
}

// New returns the plugin for the configured checkpoint type.
func New(ckptType string) (Plugin, error) {
	switch ckptType {
	case "", "checkpoint/none":
		return &NonePlugin{}, nil
	case "checkpoint/simple":
		return &SimplePlugin{}, nil
	}
	return nil, fmt.Errorf("ckptplug: unknown checkpoint type %q", ckptType)
}
