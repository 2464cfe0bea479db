// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package switchplug

import "github.com/jontk/slurm-controller/internal/packbuf"

// NonePlugin is the trivial interconnect: credentials carry no state and
// every hook succeeds. Arbitrary task layouts are allowed.
type NonePlugin struct{}

type noneJobInfo struct{}

func (*noneJobInfo) switchJobInfo() {}

func (*NonePlugin) Type() string { return "switch/none" }

func (*NonePlugin) AllocJobInfo() (JobInfo, error) { return &noneJobInfo{}, nil }

func (*NonePlugin) BuildJobInfo(JobInfo, string, []uint16, bool, string) error {
	return nil
}

func (*NonePlugin) PackJobInfo(_ JobInfo, buf *packbuf.Buffer) {
	buf.Pack32(0)
}

func (*NonePlugin) UnpackJobInfo(buf *packbuf.Buffer) (JobInfo, error) {
	if _, err := buf.Unpack32(); err != nil {
		return nil, err
	}
	return &noneJobInfo{}, nil
}

func (*NonePlugin) StepComplete(JobInfo, string) error     { return nil }
func (*NonePlugin) StepPartComplete(JobInfo, string) error { return nil }
func (*NonePlugin) PartCompleteSupported() bool            { return false }
func (*NonePlugin) ArbitraryDistSupported() bool           { return true }
func (*NonePlugin) StepAllocated(JobInfo, string)          {}
func (*NonePlugin) FreeJobInfo(JobInfo)                    {}
