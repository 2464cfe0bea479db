// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package switchplug

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jontk/slurm-controller/internal/hostlist"
	"github.com/jontk/slurm-controller/internal/packbuf"
)

// TreePlugin models a tree-routed interconnect that allocates per-node
// windows. It supports partial completion but cannot run arbitrary task
// layouts, so requests for them are demoted by the step manager.
type TreePlugin struct{}

type treeJobInfo struct {
	mu sync.Mutex

	// ID identifies the credential across pack/unpack.
	ID uuid.UUID

	// Network is the requested network spec, carried opaque.
	Network string

	// windows tracks the nodes still holding a window.
	windows map[string]bool

	built bool
}

func (*treeJobInfo) switchJobInfo() {}

func (*TreePlugin) Type() string { return "switch/tree" }

func (*TreePlugin) AllocJobInfo() (JobInfo, error) {
	return &treeJobInfo{windows: make(map[string]bool)}, nil
}

func (*TreePlugin) BuildJobInfo(ji JobInfo, nodeList string, tasks []uint16,
	cyclic bool, network string) error {

	info, err := treeInfo(ji)
	if err != nil {
		return err
	}
	names, err := hostlist.Expand(nodeList)
	if err != nil {
		return fmt.Errorf("switchplug: bad node list %q: %w", nodeList, err)
	}
	if len(names) != len(tasks) {
		return fmt.Errorf("switchplug: %d nodes but %d task counts",
			len(names), len(tasks))
	}

	info.mu.Lock()
	defer info.mu.Unlock()
	if info.built {
		return fmt.Errorf("switchplug: credential already built")
	}
	info.ID = uuid.New()
	info.Network = network
	for _, name := range names {
		info.windows[name] = true
	}
	info.built = true
	return nil
}

func (*TreePlugin) PackJobInfo(ji JobInfo, buf *packbuf.Buffer) {
	info, err := treeInfo(ji)
	if err != nil {
		buf.Pack32(0)
		return
	}
	info.mu.Lock()
	defer info.mu.Unlock()

	var names []string
	for name, open := range info.windows {
		if open {
			names = append(names, name)
		}
	}
	nodeList := hostlist.Compress(names)

	blob := packbuf.New()
	blob.PackStr(info.ID.String())
	blob.PackStr(info.Network)
	blob.PackStr(nodeList)
	buf.PackBytes(blob.Bytes())
}

func (*TreePlugin) UnpackJobInfo(buf *packbuf.Buffer) (JobInfo, error) {
	raw, err := buf.UnpackBytes()
	if err != nil {
		return nil, err
	}
	info := &treeJobInfo{windows: make(map[string]bool)}
	if len(raw) == 0 {
		return info, nil
	}
	blob := packbuf.FromBytes(raw)
	idStr, err := blob.UnpackStr()
	if err != nil {
		return nil, err
	}
	if info.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("switchplug: bad credential id: %w", err)
	}
	if info.Network, err = blob.UnpackStr(); err != nil {
		return nil, err
	}
	nodeList, err := blob.UnpackStr()
	if err != nil {
		return nil, err
	}
	names, err := hostlist.Expand(nodeList)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		info.windows[name] = true
	}
	info.built = true
	return info, nil
}

func (*TreePlugin) StepComplete(ji JobInfo, nodeList string) error {
	return releaseWindows(ji, nodeList, true)
}

func (*TreePlugin) StepPartComplete(ji JobInfo, nodeList string) error {
	return releaseWindows(ji, nodeList, false)
}

func (*TreePlugin) PartCompleteSupported() bool  { return true }
func (*TreePlugin) ArbitraryDistSupported() bool { return false }

func (*TreePlugin) StepAllocated(ji JobInfo, nodeList string) {
	info, err := treeInfo(ji)
	if err != nil || nodeList == "" {
		return
	}
	names, err := hostlist.Expand(nodeList)
	if err != nil {
		return
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	for _, name := range names {
		if _, known := info.windows[name]; !known {
			info.windows[name] = true
		}
	}
}

func (*TreePlugin) FreeJobInfo(ji JobInfo) {
	info, err := treeInfo(ji)
	if err != nil {
		return
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	info.windows = make(map[string]bool)
	info.built = false
}

// OpenWindows reports the nodes still holding a window; used by tests.
func (p *TreePlugin) OpenWindows(ji JobInfo) int {
	info, err := treeInfo(ji)
	if err != nil {
		return 0
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	n := 0
	for _, open := range info.windows {
		if open {
			n++
		}
	}
	return n
}

func releaseWindows(ji JobInfo, nodeList string, all bool) error {
	info, err := treeInfo(ji)
	if err != nil {
		return err
	}
	names, err := hostlist.Expand(nodeList)
	if err != nil {
		return fmt.Errorf("switchplug: bad node list %q: %w", nodeList, err)
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	for _, name := range names {
		info.windows[name] = false
	}
	if all {
		for name := range info.windows {
			info.windows[name] = false
		}
	}
	return nil
}

func treeInfo(ji JobInfo) (*treeJobInfo, error) {
	info, ok := ji.(*treeJobInfo)
	if !ok || info == nil {
		return nil, fmt.Errorf("switchplug: credential is not a tree credential")
	}
	return info, nil
}
