// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package ckptplug

import (
	"fmt"
	"sync"
	"time"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/packbuf"
)

// NonePlugin is the trivial checkpoint plugin: state is empty and every
// operation succeeds without effect. The periodic checkpoint tick skips
// entirely when this plugin is configured.
type NonePlugin struct{}

type noneJobInfo struct{}

func (*noneJobInfo) checkJobInfo() {}

func (*NonePlugin) Type() string           { return "checkpoint/none" }
func (*NonePlugin) AllocJobInfo() JobInfo  { return &noneJobInfo{} }

func (*NonePlugin) PackJobInfo(_ JobInfo, buf *packbuf.Buffer) { buf.Pack32(0) }

func (*NonePlugin) UnpackJobInfo(buf *packbuf.Buffer) (JobInfo, error) {
	if _, err := buf.Unpack32(); err != nil {
		return nil, err
	}
	return &noneJobInfo{}, nil
}

func (*NonePlugin) Op(api.CheckpointOp, uint16, JobInfo, StepHandle) (Result, error) {
	return Result{}, nil
}

func (*NonePlugin) Complete(JobInfo, time.Time, uint32, string) error { return nil }
func (*NonePlugin) TaskComplete(JobInfo, uint32, time.Time, uint32, string) error {
	return nil
}
func (*NonePlugin) FreeJobInfo(JobInfo) {}

// SimplePlugin keeps checkpoint state in memory: enable/disable, the
// last checkpoint event and its outcome.
type SimplePlugin struct{}

type simpleJobInfo struct {
	mu sync.Mutex

	Disabled  bool
	LastEvent time.Time
	LastError uint32
	LastMsg   string
}

func (*simpleJobInfo) checkJobInfo() {}

func (*SimplePlugin) Type() string          { return "checkpoint/simple" }
func (*SimplePlugin) AllocJobInfo() JobInfo { return &simpleJobInfo{} }

func (*SimplePlugin) PackJobInfo(ji JobInfo, buf *packbuf.Buffer) {
	info, err := simpleInfo(ji)
	if err != nil {
		buf.Pack32(0)
		return
	}
	info.mu.Lock()
	defer info.mu.Unlock()

	blob := packbuf.New()
	blob.PackBool(info.Disabled)
	blob.PackTime(info.LastEvent)
	blob.Pack32(info.LastError)
	blob.PackStr(info.LastMsg)
	buf.PackBytes(blob.Bytes())
}

func (*SimplePlugin) UnpackJobInfo(buf *packbuf.Buffer) (JobInfo, error) {
	raw, err := buf.UnpackBytes()
	if err != nil {
		return nil, err
	}
	info := &simpleJobInfo{}
	if len(raw) == 0 {
		return info, nil
	}
	blob := packbuf.FromBytes(raw)
	if info.Disabled, err = blob.UnpackBool(); err != nil {
		return nil, err
	}
	if info.LastEvent, err = blob.UnpackTime(); err != nil {
		return nil, err
	}
	if info.LastError, err = blob.Unpack32(); err != nil {
		return nil, err
	}
	if info.LastMsg, err = blob.UnpackStr(); err != nil {
		return nil, err
	}
	return info, nil
}

func (*SimplePlugin) Op(op api.CheckpointOp, data uint16, ji JobInfo,
	step StepHandle) (Result, error) {

	info, err := simpleInfo(ji)
	if err != nil {
		return Result{}, err
	}
	info.mu.Lock()
	defer info.mu.Unlock()

	switch op {
	case api.CheckAble:
		if info.Disabled {
			return Result{ErrorCode: 1, ErrorMsg: "checkpointing disabled"}, nil
		}
		return Result{EventTime: info.LastEvent}, nil
	case api.CheckDisable:
		info.Disabled = true
	case api.CheckEnable:
		info.Disabled = false
	case api.CheckCreate, api.CheckVacate:
		if info.Disabled {
			return Result{}, fmt.Errorf("ckptplug: checkpointing disabled for %d.%d",
				step.JobID, step.StepID)
		}
		info.LastEvent = time.Now()
		info.LastError = 0
		info.LastMsg = ""
	case api.CheckRestart:
		if info.LastEvent.IsZero() {
			return Result{}, fmt.Errorf("ckptplug: no checkpoint to restart for %d.%d",
				step.JobID, step.StepID)
		}
	case api.CheckError:
		return Result{
			EventTime: info.LastEvent,
			ErrorCode: info.LastError,
			ErrorMsg:  info.LastMsg,
		}, nil
	default:
		return Result{}, fmt.Errorf("ckptplug: unknown op %d", op)
	}
	return Result{EventTime: info.LastEvent}, nil
}

func (*SimplePlugin) Complete(ji JobInfo, begin time.Time, errCode uint32,
	errMsg string) error {

	info, err := simpleInfo(ji)
	if err != nil {
		return err
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	info.LastEvent = begin
	info.LastError = errCode
	info.LastMsg = errMsg
	return nil
}

func (*SimplePlugin) TaskComplete(ji JobInfo, taskID uint32, begin time.Time,
	errCode uint32, errMsg string) error {

	info, err := simpleInfo(ji)
	if err != nil {
		return err
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	if errCode > info.LastError {
		info.LastError = errCode
		info.LastMsg = fmt.Sprintf("task %d: %s", taskID, errMsg)
	}
	return nil
}

func (*SimplePlugin) FreeJobInfo(JobInfo) {}

func simpleInfo(ji JobInfo) (*simpleJobInfo, error) {
	info, ok := ji.(*simpleJobInfo)
	if !ok || info == nil {
		return nil, fmt.Errorf("ckptplug: state is not simple checkpoint state")
	}
	return info, nil
}
