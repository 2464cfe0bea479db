// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config holds the controller configuration consumed by the
// step manager and its adapters.
package config

import (
	"os"
	"strconv"
)

// Config holds configuration for the controller
type Config struct {
	// ListenAddr is the RPC listen address
	ListenAddr string

	// SwitchType names the configured interconnect plugin
	SwitchType string

	// CheckpointType names the configured checkpoint plugin
	CheckpointType string

	// FastSchedule uses configured rather than registered CPU counts
	FastSchedule bool

	// MaxTasksPerNode caps per-node task counts for a step
	MaxTasksPerNode int

	// MaxStringLen caps request string lengths
	MaxStringLen int

	// AgentRetries is the agent fan-out retry bound
	AgentRetries int

	// AgentQueueDepth bounds the agent's pending work list
	AgentQueueDepth int

	// FrontEnd collapses agent fan-out to a single front-end node
	FrontEnd bool

	// Debug enables debug logging
	Debug bool
}

// NewDefault creates a new configuration with default values
func NewDefault() *Config {
	return &Config{
		ListenAddr:      getEnvOrDefault("SLURMCTLD_LISTEN_ADDR", ":6817"),
		SwitchType:      getEnvOrDefault("SLURMCTLD_SWITCH_TYPE", "switch/none"),
		CheckpointType:  getEnvOrDefault("SLURMCTLD_CHECKPOINT_TYPE", "checkpoint/none"),
		FastSchedule:    getEnvBoolOrDefault("SLURMCTLD_FAST_SCHEDULE", true),
		MaxTasksPerNode: 64,
		MaxStringLen:    1024,
		AgentRetries:    10,
		AgentQueueDepth: 1024,
		Debug:           getEnvBoolOrDefault("SLURMCTLD_DEBUG", false),
	}
}

// Load loads configuration overrides from environment variables
func (c *Config) Load() {
	if addr := os.Getenv("SLURMCTLD_LISTEN_ADDR"); addr != "" {
		c.ListenAddr = addr
	}
	if st := os.Getenv("SLURMCTLD_SWITCH_TYPE"); st != "" {
		c.SwitchType = st
	}
	if ct := os.Getenv("SLURMCTLD_CHECKPOINT_TYPE"); ct != "" {
		c.CheckpointType = ct
	}
	if v := os.Getenv("SLURMCTLD_MAX_TASKS_PER_NODE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxTasksPerNode = n
		}
	}
	if v := os.Getenv("SLURMCTLD_AGENT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.AgentRetries = n
		}
	}
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBoolOrDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
