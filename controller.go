// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"sync"
	"time"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/acct"
	"github.com/jontk/slurm-controller/internal/agentq"
	"github.com/jontk/slurm-controller/internal/ckptplug"
	"github.com/jontk/slurm-controller/internal/nodes"
	"github.com/jontk/slurm-controller/internal/packbuf"
	"github.com/jontk/slurm-controller/internal/stepmgr"
	"github.com/jontk/slurm-controller/internal/switchplug"
	"github.com/jontk/slurm-controller/pkg/config"
	"github.com/jontk/slurm-controller/pkg/errors"
	"github.com/jontk/slurm-controller/pkg/logging"
	"github.com/jontk/slurm-controller/pkg/metrics"
)

// Controller is the process context for the step subsystem: the job map,
// node registry, plugins, agent and metrics, behind one composite
// reader/writer lock. RPC handlers call these methods; each takes the
// lock in the mode it needs and delegates to the step manager.
type Controller struct {
	mu sync.RWMutex

	cfg      *config.Config
	log      logging.Logger
	registry *nodes.Registry
	mgr      *stepmgr.Manager
	agent    *agentq.Queue
	met      metrics.Collector

	subMu sync.Mutex
	subs  map[chan api.StepEvent]struct{}
}

// Options overrides collaborator construction in New.
type Options struct {
	// Deliver transports agent messages to node daemons; nil discards.
	Deliver agentq.DeliverFunc

	// Sink receives accounting records; nil logs them.
	Sink acct.Sink

	// Metrics collects operation counters; nil uses an in-memory
	// collector.
	Metrics metrics.Collector
}

// New builds a controller over the given cluster registry, constructing
// the configured switch and checkpoint plugins.
func New(cfg *config.Config, log logging.Logger, registry *nodes.Registry,
	opts Options) (*Controller, error) {

	swp, err := switchplug.New(cfg.SwitchType)
	if err != nil {
		return nil, err
	}
	ckpt, err := ckptplug.New(cfg.CheckpointType)
	if err != nil {
		return nil, err
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewInMemoryCollector()
	}
	if opts.Sink == nil {
		opts.Sink = &acct.LogSink{Log: log.With("subsystem", "acct")}
	}

	agent := agentq.NewQueue(log.With("subsystem", "agent"), agentq.Options{
		Depth:   cfg.AgentQueueDepth,
		Retries: cfg.AgentRetries,
		Deliver: opts.Deliver,
		Metrics: opts.Metrics,
	})

	c := &Controller{
		cfg:      cfg,
		log:      log,
		registry: registry,
		agent:    agent,
		met:      opts.Metrics,
		subs:     make(map[chan api.StepEvent]struct{}),
	}
	c.mgr = stepmgr.NewManager(cfg, log, registry, agent, swp, ckpt,
		opts.Sink, opts.Metrics)
	c.mgr.Events = c.publish
	return c, nil
}

// Close drains and stops the agent.
func (c *Controller) Close() {
	c.agent.Close()
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		close(ch)
		delete(c.subs, ch)
	}
}

// RegisterJob adds a job allocation to the controller.
func (c *Controller) RegisterJob(job *stepmgr.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mgr.AddJob(job)
}

// CreateStep handles the step-create RPC.
func (c *Controller) CreateStep(req api.StepCreateRequest, batch,
	killJobWhenStepDone bool) (*api.StepCreateResponse, error) {

	c.mu.Lock()
	defer c.mu.Unlock()
	_, resp, err := c.mgr.CreateStep(req, batch, killJobWhenStepDone)
	return resp, err
}

// SignalStep handles the step-signal RPC.
func (c *Controller) SignalStep(req *api.StepSignalRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mgr.SignalStep(req.JobID, req.StepID, req.Signal, req.UserID)
}

// CompleteStep handles the full step-completion RPC.
func (c *Controller) CompleteStep(req *api.StepCompleteRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mgr.CompleteStep(req.JobID, req.StepID, req.UserID,
		req.Requeue, req.ReturnCode)
}

// PartialComplete handles the step partial-completion RPC.
func (c *Controller) PartialComplete(req *api.StepPartialCompleteRequest) (
	remaining int, maxRC uint32, err error) {

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mgr.PartialComplete(req)
}

// Checkpoint handles the checkpoint operation RPC.
func (c *Controller) Checkpoint(req *api.CheckpointRequest) (*api.CheckpointResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mgr.Checkpoint(req)
}

// CheckpointComplete handles the checkpoint completion RPC.
func (c *Controller) CheckpointComplete(req *api.CheckpointCompleteRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mgr.CheckpointComplete(req)
}

// CheckpointTaskComplete handles the per-task checkpoint completion RPC.
func (c *Controller) CheckpointTaskComplete(req *api.CheckpointTaskCompleteRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mgr.CheckpointTaskComplete(req)
}

// CheckpointTick runs the periodic checkpoint sweep.
func (c *Controller) CheckpointTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mgr.CheckpointTick()
}

// SuspendJob suspends a running job, updating its steps' accounting.
func (c *Controller) SuspendJob(jobID, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, err := c.findOwnedJob(jobID, uid)
	if err != nil {
		return err
	}
	if job.State != stepmgr.JobRunning {
		return errors.Newf(errors.ErrorCodeTransitionState,
			"job %d is %s", jobID, job.State.String())
	}
	c.mgr.SuspendJobSteps(job)
	job.State = stepmgr.JobSuspended
	job.SuspendTime = time.Now()
	return nil
}

// ResumeJob resumes a suspended job.
func (c *Controller) ResumeJob(jobID, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, err := c.findOwnedJob(jobID, uid)
	if err != nil {
		return err
	}
	if job.State != stepmgr.JobSuspended {
		return errors.Newf(errors.ErrorCodeTransitionState,
			"job %d is %s", jobID, job.State.String())
	}
	c.mgr.ResumeJobSteps(job)
	job.State = stepmgr.JobRunning
	job.SuspendTime = time.Now()
	return nil
}

// EpilogComplete notes a node's epilog completion for a job.
func (c *Controller) EpilogComplete(jobID uint32, nodeName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	job := c.mgr.FindJob(jobID)
	if job == nil {
		return errors.Newf(errors.ErrorCodeInvalidJobID, "job %d not found", jobID)
	}
	c.mgr.EpilogComplete(job, nodeName)
	return nil
}

// StepInfos answers the step info query under the read lock.
func (c *Controller) StepInfos(req *api.StepInfoRequest) ([]api.StepInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mgr.StepInfos(req)
}

// Stats reports operation counters.
func (c *Controller) Stats() *metrics.Stats {
	return c.met.GetStats()
}

func (c *Controller) findOwnedJob(jobID, uid uint32) (*stepmgr.Job, error) {
	job := c.mgr.FindJob(jobID)
	if job == nil {
		return nil, errors.Newf(errors.ErrorCodeInvalidJobID,
			"job %d not found", jobID)
	}
	if uid != job.UserID && uid != 0 {
		return nil, errors.Newf(errors.ErrorCodeAccessDenied,
			"user %d does not own job %d", uid, jobID)
	}
	return job, nil
}

// Subscribe returns a channel of step events and a cancel function.
// Slow subscribers lose events rather than blocking the core.
func (c *Controller) Subscribe() (<-chan api.StepEvent, func()) {
	ch := make(chan api.StepEvent, 64)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()
	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (c *Controller) publish(ev api.StepEvent) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// stateVersion guards the saved state layout; a mismatch refuses to
// load and the controller starts clean.
const stateVersion uint16 = 1

// SaveState serializes every job's steps for crash recovery.
func (c *Controller) SaveState() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf := packbuf.New()
	buf.Pack16(stateVersion)
	jobs := c.mgr.Jobs()
	buf.Pack32(uint32(len(jobs)))
	for _, job := range jobs {
		buf.Pack32(job.ID)
		buf.Pack32(uint32(len(job.Steps)))
		for _, step := range job.Steps {
			blob := packbuf.New()
			c.mgr.PackStepState(step, blob)
			buf.PackBytes(blob.Bytes())
		}
	}
	return buf.Bytes()
}

// LoadState restores saved step state into already-registered jobs. A
// corrupt step is discarded with a log entry and recovery continues; an
// unknown version or a job no longer in the map drops the whole blob or
// that job's steps respectively.
func (c *Controller) LoadState(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := packbuf.FromBytes(data)
	version, err := buf.Unpack16()
	if err != nil {
		return err
	}
	if version != stateVersion {
		return errors.Newf(errors.ErrorCodeInvalidRequest,
			"state version %d, want %d: starting clean", version, stateVersion)
	}
	jobCnt, err := buf.Unpack32()
	if err != nil {
		return err
	}
	for j := uint32(0); j < jobCnt; j++ {
		jobID, err := buf.Unpack32()
		if err != nil {
			return err
		}
		stepCnt, err := buf.Unpack32()
		if err != nil {
			return err
		}
		job := c.mgr.FindJob(jobID)
		for s := uint32(0); s < stepCnt; s++ {
			blob, err := buf.UnpackBytes()
			if err != nil {
				return err
			}
			if job == nil {
				c.log.Warn("discarding steps of unknown job", "job_id", jobID)
				continue
			}
			if err := c.mgr.LoadStepState(job, packbuf.FromBytes(blob)); err != nil {
				c.log.Error("discarding corrupt step state",
					"job_id", jobID, "error", err)
			}
		}
	}
	return nil
}
