// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package stepmgr manages job step scheduling and resource accounting:
// node selection, core charging, the step life-cycle state machine and
// step state serialization. Callers hold the controller's composite lock
// around every operation; the manager itself spawns no goroutines and
// never blocks, reaching the outside world only through its adapters.
package stepmgr

import (
	"time"

	"github.com/jontk/slurm-controller/api"
	"github.com/jontk/slurm-controller/internal/acct"
	"github.com/jontk/slurm-controller/internal/agentq"
	"github.com/jontk/slurm-controller/internal/ckptplug"
	"github.com/jontk/slurm-controller/internal/hostlist"
	"github.com/jontk/slurm-controller/internal/nodes"
	"github.com/jontk/slurm-controller/internal/switchplug"
	"github.com/jontk/slurm-controller/pkg/config"
	"github.com/jontk/slurm-controller/pkg/errors"
	"github.com/jontk/slurm-controller/pkg/logging"
	"github.com/jontk/slurm-controller/pkg/metrics"
)

const sigKill = 9

// Manager drives the step subsystem for every job in the controller.
type Manager struct {
	cfg      *config.Config
	log      logging.Logger
	registry *nodes.Registry
	agent    agentq.Agent
	swp      switchplug.Plugin
	ckpt     ckptplug.Plugin
	sink     acct.Sink
	met      metrics.Collector

	jobs map[uint32]*Job

	// Events, when set, receives step life-cycle notifications.
	Events func(api.StepEvent)

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// NewManager builds a step manager over the given collaborators.
func NewManager(cfg *config.Config, log logging.Logger, registry *nodes.Registry,
	agent agentq.Agent, swp switchplug.Plugin, ckpt ckptplug.Plugin,
	sink acct.Sink, met metrics.Collector) *Manager {

	if met == nil {
		met = metrics.NopCollector{}
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		registry: registry,
		agent:    agent,
		swp:      swp,
		ckpt:     ckpt,
		sink:     sink,
		met:      met,
		jobs:     make(map[uint32]*Job),
		now:      time.Now,
	}
}

// AddJob registers a job allocation with the step manager.
func (m *Manager) AddJob(job *Job) {
	if job.RequestUID == 0 {
		job.RequestUID = -1
	}
	m.jobs[job.ID] = job
}

// FindJob returns the job with the given id, or nil.
func (m *Manager) FindJob(jobID uint32) *Job { return m.jobs[jobID] }

// Jobs returns every registered job; iteration order is unspecified.
func (m *Manager) Jobs() []*Job {
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out
}

// RemoveJob drops a job and releases every step it still holds.
func (m *Manager) RemoveJob(jobID uint32) {
	if job, ok := m.jobs[jobID]; ok {
		m.DeleteSteps(job, false)
		delete(m.jobs, jobID)
	}
}

// CreateStep validates a step-create request, picks nodes and cores,
// charges the job's account and registers the new record. On any
// failure no partial state survives.
func (m *Manager) CreateStep(req api.StepCreateRequest, batch,
	killJobWhenStepDone bool) (*StepRecord, *api.StepCreateResponse, error) {

	rec, resp, err := m.createStep(&req, batch, killJobWhenStepDone)
	m.met.RecordStepCreate(string(errors.CodeOf(err)))
	return rec, resp, err
}

func (m *Manager) createStep(req *api.StepCreateRequest, batch,
	killJobWhenStepDone bool) (*StepRecord, *api.StepCreateResponse, error) {

	now := m.now()
	m.dumpStepRequest(req)

	job := m.FindJob(req.JobID)
	if job == nil {
		return nil, nil, errors.Newf(errors.ErrorCodeInvalidJobID,
			"job %d not found", req.JobID)
	}
	if job.State == JobSuspended {
		return nil, nil, errors.Newf(errors.ErrorCodeDisabled,
			"job %d is suspended", job.ID)
	}
	if job.State == JobPending {
		if batch {
			// Some upstream managers create the allocation first and
			// submit the batch script into it afterwards. A pending job
			// here means that handoff went wrong, not that the caller
			// asked for something nonsensical.
			m.log.Info("batch script submitted into a pending allocation",
				"job_id", job.ID, "user_id", req.UserID)
			return nil, nil, errors.Newf(errors.ErrorCodeDuplicateJobID,
				"job %d is still pending", job.ID)
		}
		return nil, nil, errors.Newf(errors.ErrorCodeJobPending,
			"job %d is still pending", job.ID)
	}
	if req.UserID != job.UserID {
		return nil, nil, errors.Newf(errors.ErrorCodeAccessDenied,
			"user %d does not own job %d", req.UserID, job.ID)
	}
	if job.State.Finished() || (!job.EndTime.IsZero() && !job.EndTime.After(now)) {
		return nil, nil, errors.Newf(errors.ErrorCodeAlreadyDone,
			"job %d is finished", job.ID)
	}
	if !req.TaskDist.Valid() {
		return nil, nil, errors.Newf(errors.ErrorCodeBadDist,
			"unknown task distribution %d", req.TaskDist)
	}
	if req.TaskDist == api.DistArbitrary && req.NodeList == "" &&
		!m.swp.ArbitraryDistSupported() {
		return nil, nil, errors.Newf(errors.ErrorCodeBadDist,
			"arbitrary task layout unsupported on %s", m.swp.Type())
	}
	if tooLong(m.cfg.MaxStringLen, req.Host, req.NodeList, req.Network,
		req.Name, req.CkptPath) {
		return nil, nil, errors.New(errors.ErrorCodePathnameTooLong,
			"request string exceeds configured maximum")
	}

	// the overcommit flag clears the cpu count so the selector ignores
	// it; keep the original for reporting
	origCPUCount := req.CPUCount
	if req.Overcommit || req.CPUCount == api.NoVal {
		req.CPUCount = 0
	}

	if job.KillOnStepDone {
		// job already being torn down, don't start more steps
		return nil, nil, errors.Newf(errors.ErrorCodeAlreadyDone,
			"job %d is completing", job.ID)
	}

	nodeset, err := m.pickStepNodes(job, req, batch)
	if err != nil {
		return nil, nil, err
	}
	nodeCount := uint32(nodeset.Count())

	if req.NumTasks == api.NoVal {
		if origCPUCount != 0 && origCPUCount != api.NoVal && !req.Overcommit {
			req.NumTasks = origCPUCount
		} else {
			req.NumTasks = nodeCount
		}
	}
	if req.NumTasks < 1 ||
		req.NumTasks > nodeCount*uint32(m.cfg.MaxTasksPerNode) {
		return nil, nil, errors.Newf(errors.ErrorCodeBadTaskCount,
			"step has invalid task count %d", req.NumTasks)
	}

	step := &StepRecord{
		StepID:       job.NextStepID,
		JobID:        job.ID,
		NodeBitmap:   nodeset,
		ExitCode:     api.NoVal,
		CPUCount:     origCPUCount,
		MemPerTask:   req.MemPerTask,
		Exclusive:    req.Exclusive,
		BatchStep:    batch,
		StartTime:    now,
		CkptInterval: req.CkptInterval,
		CkptTime:     now,
		CkptPath:     req.CkptPath,
		Host:         req.Host,
		Port:         req.Port,
	}
	if req.TaskDist.Cyclic() {
		step.CyclicAlloc = 1
	}

	// the response node list always reflects the final bitmap; only an
	// arbitrary layout keeps the caller's ordering for task placement
	bitmapList := hostlist.Compress(m.registry.Names(nodeset))
	stepNodeList := bitmapList
	if req.NodeList != "" && req.TaskDist == api.DistArbitrary {
		stepNodeList = req.NodeList
	}

	// name and network default to the job's values
	step.Name = req.Name
	if step.Name == "" {
		step.Name = job.Name
	}
	step.Network = req.Network
	if step.Network == "" {
		step.Network = job.Network
	}

	job.NextStepID++
	job.Steps = append(job.Steps, step)

	if !batch {
		step.Layout, err = m.stepLayoutCreate(step, job, stepNodeList,
			nodeCount, req.NumTasks, req.TaskDist, req.PlaneSize)
		if err != nil {
			m.removeStepRecord(job, step)
			return nil, nil, errors.WithCause(errors.ErrorCodeConfigUnavailable,
				"cannot lay out step tasks", err)
		}
		step.SwitchJob, err = m.swp.AllocJobInfo()
		if err == nil {
			err = m.swp.BuildJobInfo(step.SwitchJob, step.Layout.NodeList,
				step.Layout.Tasks, step.CyclicAlloc != 0, step.Network)
		}
		if err != nil {
			m.log.Error("switch jobinfo build failed",
				"job_id", job.ID, "step_id", step.StepID, "error", err)
			m.deleteStep(job, step.StepID)
			return nil, nil, errors.WithCause(errors.ErrorCodeInterconnectFailure,
				"switch refused step credential", err)
		}
		if err := m.stepAllocLPs(step, job); err != nil {
			m.deleteStep(job, step.StepID)
			return nil, nil, errors.WithCause(errors.ErrorCodeConfigUnavailable,
				"resource charge failed", err)
		}
	}
	job.KillOnStepDone = killJobWhenStepDone
	step.CheckJob = m.ckpt.AllocJobInfo()

	if err := m.sink.StepStart(m.acctRecord(job, step, now)); err != nil {
		m.log.Warn("accounting step start failed",
			"job_id", job.ID, "step_id", step.StepID, "error", err)
	}
	m.emit(api.StepEvent{
		Type: "created", JobID: job.ID, StepID: step.StepID,
		NodeList: bitmapList, Time: now,
	})

	return step, &api.StepCreateResponse{
		JobID:    job.ID,
		StepID:   step.StepID,
		NodeList: bitmapList,
	}, nil
}

// SignalStep sends a signal to every node of a step through the agent.
// A hard kill records the requester on the job once (first writer wins)
// and notifies the client runtime.
func (m *Manager) SignalStep(jobID, stepID uint32, signal int, uid uint32) error {
	job := m.FindJob(jobID)
	if job == nil {
		m.log.Error("signal for invalid job", "job_id", jobID)
		return errors.Newf(errors.ErrorCodeInvalidJobID, "job %d not found", jobID)
	}
	if job.State.Finished() {
		return errors.Newf(errors.ErrorCodeAlreadyDone, "job %d is finished", jobID)
	}
	if job.State != JobRunning {
		m.log.Info("step signal dropped, job not running",
			"job_id", jobID, "step_id", stepID, "state", job.State.String())
		return errors.Newf(errors.ErrorCodeTransitionState,
			"job %d is %s", jobID, job.State.String())
	}
	if uid != job.UserID && uid != 0 {
		m.log.Error("security violation, step signal from wrong uid",
			"job_id", jobID, "uid", uid)
		return errors.Newf(errors.ErrorCodeAccessDenied,
			"user %d does not own job %d", uid, jobID)
	}
	step := job.FindStep(stepID)
	if step == nil {
		m.log.Info("step signal for unknown step",
			"job_id", jobID, "step_id", stepID)
		return errors.Newf(errors.ErrorCodeInvalidJobID,
			"step %d.%d not found", jobID, stepID)
	}

	if signal == sigKill && job.RequestUID < 0 {
		job.RequestUID = int64(uid)
		m.emit(api.StepEvent{
			Type: "killed", JobID: jobID, StepID: stepID, Time: m.now(),
		})
	}

	m.signalStepTasks(step, signal)
	m.met.RecordSignal()
	return nil
}

// signalStepTasks fans the signal out to the step's nodes. Front-end
// deployments collapse the fan-out to the first node.
func (m *Manager) signalStepTasks(step *StepRecord, signal int) {
	msgType := agentq.MsgSignalTasks
	if signal == sigKill {
		msgType = agentq.MsgTerminateTasks
	}
	var hosts []string
	for i := 0; i < m.registry.Count(); i++ {
		if !step.NodeBitmap.Test(i) {
			continue
		}
		hosts = append(hosts, m.registry.Name(i))
		if m.cfg.FrontEnd {
			break
		}
	}
	if len(hosts) == 0 {
		return
	}
	m.agent.Enqueue(agentq.Message{
		Type:   msgType,
		Hosts:  hosts,
		JobID:  step.JobID,
		StepID: step.StepID,
		Signal: signal,
		Retry:  m.cfg.AgentRetries,
	})
}

// CompleteStep notes normal completion of a step: accounting, refund,
// record removal. A completion for a step no longer in the job's list
// returns INVALID_JOB_ID.
func (m *Manager) CompleteStep(jobID, stepID uint32, uid uint32, requeue bool,
	jobReturnCode uint32) error {

	job := m.FindJob(jobID)
	if job == nil {
		return errors.Newf(errors.ErrorCodeInvalidJobID, "job %d not found", jobID)
	}
	if uid != job.UserID && uid != 0 {
		m.log.Error("security violation, step complete from wrong uid",
			"job_id", jobID, "uid", uid)
		return errors.Newf(errors.ErrorCodeAccessDenied,
			"user %d does not own job %d", uid, jobID)
	}
	step := job.FindStep(stepID)
	if step == nil {
		return errors.Newf(errors.ErrorCodeInvalidJobID,
			"step %d.%d not found", jobID, stepID)
	}

	now := m.now()
	if err := m.sink.StepComplete(m.acctRecord(job, step, now)); err != nil {
		m.log.Warn("accounting step complete failed",
			"job_id", jobID, "step_id", stepID, "error", err)
	}
	m.stepDeallocLPs(step, job)

	if job.KillOnStepDone && len(job.Steps) <= 1 && !job.State.Finished() {
		return m.jobComplete(job, uid, requeue, jobReturnCode)
	}

	if !m.deleteStep(job, stepID) {
		m.log.Info("step complete for missing record",
			"job_id", jobID, "step_id", stepID)
		return errors.Newf(errors.ErrorCodeAlreadyDone,
			"step %d.%d already completed", jobID, stepID)
	}
	m.met.RecordStepComplete()
	m.emit(api.StepEvent{
		Type: "completed", JobID: jobID, StepID: stepID, Time: now,
	})
	return nil
}

// jobComplete finishes the parent job after its last step ended.
func (m *Manager) jobComplete(job *Job, uid uint32, requeue bool,
	returnCode uint32) error {

	now := m.now()
	if returnCode == 0 {
		job.State = JobComplete
	} else {
		job.State = JobFailed
	}
	job.EndTime = now
	m.DeleteSteps(job, false)
	if err := m.sink.JobComplete(acct.JobRecord{
		JobID:    job.ID,
		UserID:   job.UserID,
		EndTime:  now,
		ExitCode: returnCode,
	}); err != nil {
		m.log.Warn("accounting job complete failed",
			"job_id", job.ID, "error", err)
	}
	m.log.Info("job complete on last step",
		"job_id", job.ID, "requeue", requeue, "return_code", returnCode)
	return nil
}

// DeleteSteps purges the job's step records. With keepWithSwitch set,
// steps still holding a switch credential survive.
func (m *Manager) DeleteSteps(job *Job, keepWithSwitch bool) {
	kept := job.Steps[:0]
	for _, step := range job.Steps {
		if keepWithSwitch && step.SwitchJob != nil {
			kept = append(kept, step)
			continue
		}
		m.releaseStep(step)
	}
	job.Steps = kept
}

// deleteStep removes one step record, releasing its switch credential
// and checkpoint state. Reports whether the record existed.
func (m *Manager) deleteStep(job *Job, stepID uint32) bool {
	for i, step := range job.Steps {
		if step.StepID != stepID {
			continue
		}
		job.Steps = append(job.Steps[:i], job.Steps[i+1:]...)
		m.releaseStep(step)
		return true
	}
	return false
}

// releaseStep frees a record's handles. Switch release and record
// purging happen together; if records are ever preserved past
// completion, the switch release must move to completion time.
func (m *Manager) releaseStep(step *StepRecord) {
	if step.SwitchJob != nil && step.Layout != nil {
		if err := m.swp.StepComplete(step.SwitchJob, step.Layout.NodeList); err != nil {
			m.log.Warn("switch step complete failed",
				"job_id", step.JobID, "step_id", step.StepID, "error", err)
		}
	}
	step.release(m.swp, m.ckpt)
}

// removeStepRecord drops a half-built record without touching plugins.
func (m *Manager) removeStepRecord(job *Job, step *StepRecord) {
	for i, s := range job.Steps {
		if s == step {
			job.Steps = append(job.Steps[:i], job.Steps[i+1:]...)
			return
		}
	}
}

// EpilogComplete releases switch windows for the named node across every
// step of the job once the node's epilog ran. Only useful when the
// interconnect supports partial completion. Reports how many steps were
// touched.
func (m *Manager) EpilogComplete(job *Job, nodeName string) int {
	if !m.swp.PartCompleteSupported() {
		return 0
	}
	nodeInx := m.registry.Find(nodeName)
	if nodeInx < 0 {
		return 0
	}
	touched := 0
	for _, step := range job.Steps {
		if step.SwitchJob == nil || step.NodeBitmap == nil ||
			!step.NodeBitmap.Test(nodeInx) {
			continue
		}
		if step.ExitNodeBitmap != nil {
			offset := m.stepNodeOffset(step, nodeInx)
			if offset < 0 || step.ExitNodeBitmap.Test(offset) {
				continue
			}
			step.ExitNodeBitmap.Set(offset)
		}
		touched++
		m.log.Debug("partial switch release on epilog",
			"job_id", job.ID, "step_id", step.StepID, "node", nodeName)
		if err := m.swp.StepPartComplete(step.SwitchJob, nodeName); err != nil {
			m.log.Warn("switch partial complete failed",
				"job_id", job.ID, "step_id", step.StepID, "error", err)
		}
	}
	return touched
}

// stepNodeOffset converts a cluster node index to the node's offset
// within the step's node set, or -1.
func (m *Manager) stepNodeOffset(step *StepRecord, nodeInx int) int {
	if !step.NodeBitmap.Test(nodeInx) {
		return -1
	}
	offset := 0
	for i := 0; i < nodeInx; i++ {
		if step.NodeBitmap.Test(i) {
			offset++
		}
	}
	return offset
}

func (m *Manager) acctRecord(job *Job, step *StepRecord, now time.Time) acct.StepRecord {
	nodeList := ""
	taskCnt := step.taskCount()
	if step.Layout != nil {
		nodeList = step.Layout.NodeList
	} else if step.NodeBitmap != nil {
		nodeList = hostlist.Compress(m.registry.Names(step.NodeBitmap))
	}
	return acct.StepRecord{
		JobID:      job.ID,
		StepID:     step.StepID,
		UserID:     job.UserID,
		Name:       step.Name,
		NodeList:   nodeList,
		TaskCount:  taskCnt,
		StartTime:  step.StartTime,
		ElapsedSec: uint64(m.runTime(job, step, now) / time.Second),
		ExitCode:   step.ExitCode,
		Stats:      step.Stats,
	}
}

// runTime is the step's elapsed run time excluding suspended intervals.
func (m *Manager) runTime(job *Job, step *StepRecord, now time.Time) time.Duration {
	if job.State == JobSuspended {
		return step.PreSusTime
	}
	begin := step.StartTime
	if job.SuspendTime.After(begin) {
		begin = job.SuspendTime
	}
	return step.PreSusTime + now.Sub(begin)
}

func (m *Manager) emit(ev api.StepEvent) {
	if m.Events != nil {
		m.Events(ev)
	}
}

func (m *Manager) dumpStepRequest(req *api.StepCreateRequest) {
	m.log.Debug("step create request",
		"user_id", req.UserID, "job_id", req.JobID,
		"node_count", req.NodeCount, "cpu_count", req.CPUCount,
		"num_tasks", req.NumTasks, "relative", req.Relative,
		"task_dist", req.TaskDist, "node_list", req.NodeList,
		"host", req.Host, "port", req.Port, "name", req.Name,
		"network", req.Network, "ckpt_interval", req.CkptInterval,
		"ckpt_path", req.CkptPath, "exclusive", req.Exclusive,
		"immediate", req.Immediate, "mem_per_task", req.MemPerTask)
}

func tooLong(max int, strs ...string) bool {
	for _, s := range strs {
		if len(s) > max {
			return true
		}
	}
	return false
}
