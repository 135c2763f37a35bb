// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

var DefaultYAML = []byte(`# Copyright (C) The Arvados Authors. All rights reserved.
#
# SPDX-License-Identifier: AGPL-3.0

# Do not use this file for site configuration. Create
# /etc/gangrun/config.yml instead.
#
# Entries in the site configuration override the defaults below.

# Number of workers in every run.
NumWorkers: 1

# CPUs reserved for each worker.
CPUsPerWorker: 1

# Reserve one accelerator for each worker. Every worker's model is
# then placed on cuda:0.
UseGPU: false

# Communication group backend. Every worker joins the group before
# its program starts.
Backend: tcp

# Random seed propagated to every worker.
Seed: 0

# Provisioning driver: "loopback" (in-process workers on simulated
# nodes) or "httpagent" (workers reserved on running "gangrun agent"
# processes).
Driver: loopback

Loopback:
  # Addresses of the simulated nodes. On Linux, every 127.0.0.0/8
  # address is a usable local address. Empty means one node,
  # 127.0.0.1.
  Nodes: []

  # Capacity of each simulated node. Zero CPUs means the number of
  # CPUs on this host.
  CPUsPerNode: 0
  GPUsPerNode: 0

HTTPAgent:
  # Base URLs of the worker agents, e.g. "http://10.0.0.5:9010".
  URLs: []

  # Token presented to the agents.
  Token: ""

  # Accept any TLS certificate presented by an agent.
  Insecure: false

# Where progress messages travel from workers to the driver: "mem:"
# (process-local, loopback driver only) or
# "redis://host:6379/0".
ProgressQueue: "mem:"

# Where model snapshots are staged for workers to fetch: "mem:"
# (process-local, loopback driver only) or
# "s3://bucket/prefix".
ObjectStore: "mem:"

S3:
  # Endpoint URL, for S3-compatible services. Empty means AWS.
  Endpoint: ""
  Region: ""

  # Empty credentials mean the default AWS credential chain.
  AccessKeyID: ""
  SecretAccessKey: ""
  UsePathStyle: false

# Number of snapshots each worker process keeps in memory.
SnapshotCacheSize: 4

# Maximum time the driver waits for progress in each poll while
# workers are running.
PollInterval: 100ms

# Maximum time a worker waits for all of its peers to join the
# communication group.
GroupTimeout: 5m

# Maximum time spent shutting down and killing workers after a run.
TeardownTimeout: 1m

# Name of a registered function to run on every worker right after
# it is provisioned. Empty means none.
InitHook: ""

# Settings for "gangrun agent".
Agent:
  # Address to listen on.
  Listen: ":9010"

  # Address this node is known by. Empty means the address of the
  # default route's interface.
  NodeIP: ""

  # Capacity offered by this agent. Zero CPUs means the number of
  # CPUs on this host.
  CPUs: 0
  GPUs: 0

  # Token clients must present. Empty means no check.
  Token: ""

  TLS:
    # Serve HTTPS using these PEM files. They are reloaded when
    # the agent receives SIGHUP.
    Certificate: ""
    Key: ""

    # Serve HTTPS with a self-signed certificate generated at
    # startup, if no files are given above.
    Automatic: false

SystemLogs:
  # Logging threshold: panic, fatal, error, warn, info, debug, or
  # trace
  LogLevel: info

  # Logging format: json or text
  Format: json
`)
