// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package stepmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/acct"
	"github.com/jontk/slurm-controller/internal/agentq"
	"github.com/jontk/slurm-controller/internal/bitstr"
	"github.com/jontk/slurm-controller/internal/ckptplug"
	"github.com/jontk/slurm-controller/internal/jobres"
	"github.com/jontk/slurm-controller/internal/nodes"
	"github.com/jontk/slurm-controller/internal/switchplug"
	"github.com/jontk/slurm-controller/pkg/config"
	"github.com/jontk/slurm-controller/pkg/logging"
)

// fakeAgent records enqueued fan-out messages.
type fakeAgent struct {
	mu   sync.Mutex
	msgs []agentq.Message
}

func (a *fakeAgent) Enqueue(msg agentq.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

func (a *fakeAgent) messages() []agentq.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agentq.Message(nil), a.msgs...)
}

type harness struct {
	mgr   *Manager
	reg   *nodes.Registry
	agent *fakeAgent
	sink  *acct.MemSink
	swp   switchplug.Plugin
	clock time.Time
}

type harnessOpts struct {
	nodeCount int
	cpus      uint16
	sockets   uint16
	cores     uint16
	memMiB    uint64
	swp       switchplug.Plugin
	ckpt      ckptplug.Plugin
	states    map[int]nodes.State
}

// newHarness builds a manager over a uniform test cluster, default two
// nodes of 2 sockets × 2 cores (4 CPUs) and 8 GiB.
func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	if opts.nodeCount == 0 {
		opts.nodeCount = 2
	}
	if opts.cpus == 0 {
		opts.cpus = 4
	}
	if opts.sockets == 0 {
		opts.sockets = 2
	}
	if opts.cores == 0 {
		opts.cores = 2
	}
	if opts.memMiB == 0 {
		opts.memMiB = 8192
	}
	if opts.swp == nil {
		opts.swp = &switchplug.NonePlugin{}
	}
	if opts.ckpt == nil {
		opts.ckpt = &ckptplug.NonePlugin{}
	}

	tbl := make([]nodes.Node, opts.nodeCount)
	for i := range tbl {
		tbl[i] = nodes.Node{
			Name:       nodeName(i),
			CPUs:       opts.cpus,
			ConfigCPUs: opts.cpus,
		}
		if s, ok := opts.states[i]; ok {
			tbl[i].State = s
		}
	}
	reg := nodes.NewRegistry(tbl, true)

	h := &harness{
		reg:   reg,
		agent: &fakeAgent{},
		sink:  &acct.MemSink{},
		swp:   opts.swp,
		clock: time.Unix(1000, 0).UTC(),
	}
	h.mgr = NewManager(config.NewDefault(), logging.Nop(), reg, h.agent,
		opts.swp, opts.ckpt, h.sink, nil)
	h.mgr.SetClock(func() time.Time { return h.clock })
	return h
}

func nodeName(i int) string {
	return "tux" + string(rune('0'+i))
}

// addJob registers a running job allocated the given cluster nodes, all
// with the harness's uniform geometry.
func (h *harness) addJob(t *testing.T, id uint32, nodeIdx ...int) *Job {
	t.Helper()
	bm := bitstr.New(h.reg.Count())
	for _, i := range nodeIdx {
		bm.Set(i)
	}
	n := len(nodeIdx)
	cpus := make([]uint16, n)
	mem := make([]uint64, n)
	socks := make([]uint16, n)
	cores := make([]uint16, n)
	for i := range cpus {
		cpus[i] = h.reg.CPUs(nodeIdx[i])
		mem[i] = 8192
		socks[i] = 2
		cores[i] = h.reg.CPUs(nodeIdx[i]) / 2
	}
	res, err := jobres.New(cpus, mem, socks, cores)
	require.NoError(t, err)

	job := &Job{
		ID:         id,
		UserID:     100,
		Name:       "jobname",
		Partition:  "debug",
		State:      JobRunning,
		NodeBitmap: bm,
		Resources:  res,
		TotalCPUs:  res.TotalCPUs(),
		RequestUID: -1,
	}
	h.mgr.AddJob(job)
	return job
}

// createReq returns a minimal valid step-create request for the job.
func createReq(job *Job) api.StepCreateRequest {
	return api.StepCreateRequest{
		UserID:    job.UserID,
		JobID:     job.ID,
		NodeCount: 1,
		NumTasks:  1,
		Relative:  api.NoVal16,
		TaskDist:  api.DistBlock,
	}
}
