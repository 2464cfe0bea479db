// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// slurmctld runs the step-manager controller with a demo cluster and
// serves its RPCs over HTTP.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	controller "github.com/jontk/slurm-controller"
	"github.com/jontk/slurm-controller/internal/bitstr"
	"github.com/jontk/slurm-controller/internal/jobres"
	"github.com/jontk/slurm-controller/internal/nodes"
	"github.com/jontk/slurm-controller/internal/rpcserver"
	"github.com/jontk/slurm-controller/internal/stepmgr"
	"github.com/jontk/slurm-controller/pkg/config"
	"github.com/jontk/slurm-controller/pkg/logging"
)

var (
	flagListen     string
	flagNodes      int
	flagCPUs       uint16
	flagMemMiB     uint64
	flagSwitch     string
	flagCkpt       string
	flagDemoJob    bool
	flagTickPeriod time.Duration
	flagDebug      bool
)

func main() {
	root := &cobra.Command{
		Use:   "slurmctld",
		Short: "Job-step controller daemon",
		RunE:  run,
	}
	root.Flags().StringVar(&flagListen, "listen", "", "listen address (default from config)")
	root.Flags().IntVar(&flagNodes, "nodes", 4, "node count of the demo cluster")
	root.Flags().Uint16Var(&flagCPUs, "cpus-per-node", 8, "CPUs per node")
	root.Flags().Uint64Var(&flagMemMiB, "mem-per-node", 16384, "memory per node in MiB")
	root.Flags().StringVar(&flagSwitch, "switch-type", "", "switch plugin (switch/none, switch/tree)")
	root.Flags().StringVar(&flagCkpt, "checkpoint-type", "", "checkpoint plugin (checkpoint/none, checkpoint/simple)")
	root.Flags().BoolVar(&flagDemoJob, "demo-job", true, "register a demo job allocation")
	root.Flags().DurationVar(&flagTickPeriod, "checkpoint-tick", time.Minute, "periodic checkpoint sweep interval")
	root.Flags().BoolVar(&flagDebug, "debug", false, "debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.NewDefault()
	cfg.Load()
	if flagListen != "" {
		cfg.ListenAddr = flagListen
	}
	if flagSwitch != "" {
		cfg.SwitchType = flagSwitch
	}
	if flagCkpt != "" {
		cfg.CheckpointType = flagCkpt
	}
	if flagDebug {
		cfg.Debug = true
	}

	logCfg := logging.DefaultConfig()
	logCfg.Version = "dev"
	if cfg.Debug {
		logCfg.Level = slog.LevelDebug
	}
	log := logging.NewLogger(logCfg)

	tbl := make([]nodes.Node, flagNodes)
	for i := range tbl {
		tbl[i] = nodes.Node{
			Name:       fmt.Sprintf("tux%d", i),
			CPUs:       flagCPUs,
			ConfigCPUs: flagCPUs,
		}
	}
	registry := nodes.NewRegistry(tbl, cfg.FastSchedule)

	ctl, err := controller.New(cfg, log, registry, controller.Options{})
	if err != nil {
		return err
	}
	defer ctl.Close()

	if flagDemoJob {
		if err := registerDemoJob(ctl, registry, flagCPUs, flagMemMiB); err != nil {
			return err
		}
		log.Info("registered demo job", "job_id", 1, "nodes", flagNodes)
	}

	if flagTickPeriod > 0 {
		ticker := time.NewTicker(flagTickPeriod)
		defer ticker.Stop()
		go func() {
			for range ticker.C {
				ctl.CheckpointTick()
			}
		}()
	}

	srv := rpcserver.New(ctl, log)
	log.Info("slurmctld listening", "addr", cfg.ListenAddr,
		"switch", cfg.SwitchType, "checkpoint", cfg.CheckpointType)
	return http.ListenAndServe(cfg.ListenAddr, srv.Handler())
}

func registerDemoJob(ctl *controller.Controller, registry *nodes.Registry,
	cpus uint16, memMiB uint64) error {

	n := registry.Count()
	bm := bitstr.New(n)
	bm.SetRange(0, n-1)

	cpuArr := make([]uint16, n)
	memArr := make([]uint64, n)
	sockArr := make([]uint16, n)
	coreArr := make([]uint16, n)
	for i := 0; i < n; i++ {
		cpuArr[i] = cpus
		memArr[i] = memMiB
		sockArr[i] = 2
		coreArr[i] = cpus / 2
	}
	res, err := jobres.New(cpuArr, memArr, sockArr, coreArr)
	if err != nil {
		return err
	}

	ctl.RegisterJob(&stepmgr.Job{
		ID:         1,
		UserID:     100,
		Name:       "interactive",
		Partition:  "debug",
		State:      stepmgr.JobRunning,
		NodeBitmap: bm,
		Resources:  res,
		TotalCPUs:  res.TotalCPUs(),
		RequestUID: -1,
	})
	return nil
}
