// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback runs workers as in-process agents on simulated
// nodes. Each node is a local address (127.0.0.x) with its own CPU
// and GPU capacity, so the communication group forms over real TCP
// connections.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"git.arvados.org/gangrun.git/lib/agent"
	"git.arvados.org/gangrun.git/lib/cloud"
	"git.arvados.org/gangrun.git/lib/objstore"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/sirupsen/logrus"
)

// Driver is the loopback implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(func(cfg gangrun.Config, logger logrus.FieldLogger) (cloud.Provisioner, error) {
	prv, err := NewProvisioner(cfg, logger)
	if err != nil {
		return nil, err
	}
	return prv, nil
})

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

// Provisioner places each new worker on the first node with enough
// free capacity.
type Provisioner struct {
	hosts   []*agent.Host
	logger  logrus.FieldLogger
	seq     int
	stopped bool
	mtx     sync.Mutex
}

// NewProvisioner returns a Provisioner for the nodes listed in
// cfg.Loopback. With no nodes listed, there is one node, 127.0.0.1,
// with all of this host's CPUs.
func NewProvisioner(cfg gangrun.Config, logger logrus.FieldLogger) (*Provisioner, error) {
	nodes := cfg.Loopback.Nodes
	if len(nodes) == 0 {
		nodes = []string{"127.0.0.1"}
	}
	cpus := cfg.Loopback.CPUsPerNode
	if cpus == 0 {
		cpus = runtime.NumCPU()
	}
	if cpus < 0 || cfg.Loopback.GPUsPerNode < 0 {
		return nil, errors.New("loopback node capacity must not be negative")
	}
	// One opener for all simulated nodes, so a snapshot is
	// fetched once per process rather than once per worker.
	stores := &objstore.Opener{S3Config: cfg.S3, CacheSize: cfg.SnapshotCacheSize}
	metrics := agent.NewMetrics(nil)
	prv := &Provisioner{logger: logger}
	seen := map[string]bool{}
	for _, node := range nodes {
		if seen[node] {
			return nil, fmt.Errorf("loopback node %q listed twice", node)
		}
		seen[node] = true
		prv.hosts = append(prv.hosts, &agent.Host{
			NodeIP:       node,
			Capacity:     cloud.Capacity{CPUs: cpus, GPUs: cfg.Loopback.GPUsPerNode},
			Stores:       stores,
			GroupTimeout: cfg.GroupTimeout.Duration(0),
			Logger:       logger.WithField("Node", node),
			Metrics:      metrics,
		})
	}
	return prv, nil
}

func (prv *Provisioner) Create(ctx context.Context, spec gangrun.ResourceSpec) (cloud.Worker, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	if prv.stopped {
		return nil, errors.New("loopback provisioner is stopped")
	}
	for _, h := range prv.hosts {
		a, err := h.Reserve(spec)
		var cerr *agent.CapacityError
		if errors.As(err, &cerr) {
			continue
		} else if err != nil {
			return nil, err
		}
		prv.seq++
		return &worker{
			id:    cloud.WorkerID(fmt.Sprintf("loopback-%04d", prv.seq)),
			agent: a,
		}, nil
	}
	return nil, quotaError(fmt.Sprintf("no loopback node has %s available", spec))
}

// Stop kills every remaining worker.
func (prv *Provisioner) Stop() {
	prv.mtx.Lock()
	prv.stopped = true
	prv.mtx.Unlock()
	for _, h := range prv.hosts {
		h.KillAll()
	}
}

// Hosts returns the simulated nodes.
func (prv *Provisioner) Hosts() []*agent.Host {
	return prv.hosts
}

type worker struct {
	id    cloud.WorkerID
	agent *agent.Agent
}

func (w *worker) ID() cloud.WorkerID { return w.id }

func (w *worker) String() string {
	return fmt.Sprintf("%s (%s)", w.id, w.agent.ID())
}

func (w *worker) SetEnv(ctx context.Context, vars map[string]string) error {
	return w.agent.SetEnv(vars)
}

func (w *worker) NodeIP(ctx context.Context) (string, error) {
	return w.agent.NodeIP()
}

func (w *worker) Execute(ctx context.Context, call gangrun.Call) (json.RawMessage, error) {
	return w.agent.Call(ctx, call)
}

func (w *worker) Kill() error {
	return w.agent.Kill()
}
