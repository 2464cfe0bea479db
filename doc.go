// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package controller implements the job-step scheduler and resource
// accounting engine of a batch workload manager's controller daemon.
//
// Given a job's already-granted node allocation, the controller selects
// nodes and cores for each job step, maintains bitmap-based resource
// accounts at the job and step level, drives the step life-cycle state
// machine, and serializes step state for crash recovery. Node-daemon
// fan-out, the interconnect credential, checkpointing and accounting are
// reached through narrow plugin interfaces.
//
// A minimal flow:
//
//	cfg := config.NewDefault()
//	log := logging.NewLogger(nil)
//	reg := nodes.NewRegistry(table, cfg.FastSchedule)
//	ctl, err := controller.New(cfg, log, reg, controller.Options{})
//	if err != nil { ... }
//	ctl.RegisterJob(job)
//	resp, err := ctl.CreateStep(req, false, false)
//
// Every operation runs under the controller's composite reader/writer
// lock; the core itself spawns no goroutines and never blocks on I/O.
package controller
