// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package switchplug defines the interconnect plugin contract: an opaque
// per-step network credential built once at step create and released at
// step complete.
package switchplug

import (
	"fmt"

	"github.com/jontk/slurm-controller/internal/packbuf"
)

// JobInfo is the opaque per-step switch credential. Concrete types are
// owned by their plugin; the step manager only stores and passes them.
type JobInfo interface {
	switchJobInfo()
}

// Plugin is the capability set the step manager consumes.
type Plugin interface {
	// Type names the plugin, e.g. "switch/none".
	Type() string

	// AllocJobInfo allocates an empty credential.
	AllocJobInfo() (JobInfo, error)

	// BuildJobInfo fills the credential for a step's node set.
	BuildJobInfo(ji JobInfo, nodeList string, tasks []uint16, cyclic bool, network string) error

	// PackJobInfo serializes the credential.
	PackJobInfo(ji JobInfo, buf *packbuf.Buffer)

	// UnpackJobInfo deserializes a credential.
	UnpackJobInfo(buf *packbuf.Buffer) (JobInfo, error)

	// StepComplete releases the credential's windows on every node.
	StepComplete(ji JobInfo, nodeList string) error

	// StepPartComplete releases windows on the named nodes only.
	StepPartComplete(ji JobInfo, nodeList string) error

	// PartCompleteSupported reports whether StepPartComplete does
	// anything useful for this interconnect.
	PartCompleteSupported() bool

	// ArbitraryDistSupported reports whether the interconnect can run an
	// arbitrary task layout.
	ArbitraryDistSupported() bool

	// StepAllocated notes a recovered credential's node set after a
	// state reload.
	StepAllocated(ji JobInfo, nodeList string)

	// FreeJobInfo releases the credential. Safe to call with nil.
	FreeJobInfo(ji JobInfo)
}

// New returns the plugin for the configured switch type.
func New(switchType string) (Plugin, error) {
	switch switchType {
	case "", "switch/none":
		return &NonePlugin{}, nil
	case "switch/tree":
		return &TreePlugin{}, nil
	}
	return nil, fmt.Errorf("switchplug: unknown switch type %q", switchType)
}
