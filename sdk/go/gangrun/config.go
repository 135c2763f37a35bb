// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gangrun

import (
	"errors"
	"fmt"
)

// Config is the driver's serializable configuration. It never holds
// live worker handles, so it can be copied, logged, and sent to a
// worker without dragging the pool along.
type Config struct {
	NumWorkers    int
	CPUsPerWorker int
	UseGPU        bool

	// Communication group backend name, propagated to workers
	// during rendezvous.
	Backend string

	// Random seed propagated to every worker.
	Seed int64

	// Provisioning driver: "loopback" or "httpagent".
	Driver    string
	Loopback  LoopbackConfig
	HTTPAgent HTTPAgentConfig

	// Locator of the base progress queue, e.g. "mem:" or
	// "redis://localhost:6379/0".
	ProgressQueue string

	// Where model snapshots are staged so workers can fetch them
	// by reference, e.g. "mem:" or "s3://bucket/prefix".
	ObjectStore       string
	S3                S3Config
	SnapshotCacheSize int

	// Timeout for each poll of the progress queue.
	PollInterval Duration

	// Maximum time a worker waits for all peers to join the
	// communication group.
	GroupTimeout Duration

	// Maximum time spent tearing down the pool after a run.
	TeardownTimeout Duration

	// Name of a registered function to run on every worker
	// right after it is provisioned. Empty means none.
	InitHook string

	Agent      AgentConfig
	SystemLogs SystemLogsConfig
}

// LoopbackConfig describes the simulated nodes available to the
// loopback driver. Nodes are listed by address; on Linux every
// 127.0.0.0/8 address is a usable local address.
type LoopbackConfig struct {
	Nodes       []string
	CPUsPerNode int
	GPUsPerNode int
}

// HTTPAgentConfig lists the worker agents available to the
// httpagent driver.
type HTTPAgentConfig struct {
	URLs  []string
	Token string

	// Accept any TLS certificate, e.g. the self-signed one an
	// agent generates when Agent.TLS.Automatic is set.
	Insecure bool
}

// S3Config holds the connection parameters for an s3:// object
// store. Empty credentials mean the default AWS credential chain.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// AgentConfig configures a worker agent process ("gangrun agent").
type AgentConfig struct {
	Listen string
	NodeIP string
	CPUs   int
	GPUs   int
	Token  string
	TLS    TLSConfig
}

// TLSConfig enables HTTPS on the agent. Certificate and Key are
// file paths; the files are reloaded on SIGHUP. If Automatic is
// true and no files are given, a self-signed certificate is
// generated at startup.
type TLSConfig struct {
	Certificate string
	Key         string
	Automatic   bool
}

type SystemLogsConfig struct {
	LogLevel string
	Format   string
}

// Validate returns an error if the driver configuration cannot
// support a run.
func (cfg Config) Validate() error {
	if cfg.NumWorkers < 1 {
		return fmt.Errorf("NumWorkers must be at least 1, got %d", cfg.NumWorkers)
	}
	if err := cfg.ResourceSpec().Validate(); err != nil {
		return err
	}
	if cfg.Backend == "" {
		return errors.New("Backend must not be empty")
	}
	if cfg.Driver == "" {
		return errors.New("Driver must not be empty")
	}
	return nil
}

// ResourceSpec returns the per-worker reservation request implied by
// the configuration.
func (cfg Config) ResourceSpec() ResourceSpec {
	return ResourceSpec{CPUs: cfg.CPUsPerWorker, GPU: cfg.UseGPU}
}
