// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"fmt"
	"sync"
	"time"

	"git.arvados.org/gangrun.git/lib/cloud"
	"git.arvados.org/gangrun.git/lib/objstore"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/sirupsen/logrus"
)

// CapacityError is returned by Reserve when the host cannot hold
// another worker with the requested reservation.
type CapacityError struct {
	Requested gangrun.ResourceSpec
	Available cloud.Capacity
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity for %s (available: %d CPU, %d GPU)", e.Requested, e.Available.CPUs, e.Available.GPUs)
}

func (e *CapacityError) IsQuotaError() bool { return true }

// A Host runs workers on one node, each with its own reservation
// of the node's CPUs and GPUs.
type Host struct {
	NodeIP       string
	Capacity     cloud.Capacity
	Stores       *objstore.Opener
	GroupTimeout time.Duration
	Logger       logrus.FieldLogger
	Metrics      *Metrics

	setupOnce sync.Once
	mtx       sync.Mutex
	avail     cloud.Capacity
	agents    map[string]*Agent
	seq       int
}

func (h *Host) setup() {
	if h.Logger == nil {
		h.Logger = logrus.StandardLogger()
	}
	if h.NodeIP == "" {
		h.NodeIP = DefaultNodeIP()
	}
	if h.Stores == nil {
		h.Stores = &objstore.Opener{}
	}
	h.avail = h.Capacity
	h.agents = map[string]*Agent{}
}

// Reserve starts a new worker holding spec. It returns a
// *CapacityError if the host cannot accommodate it.
func (h *Host) Reserve(spec gangrun.ResourceSpec) (*Agent, error) {
	h.setupOnce.Do(h.setup)
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if !h.avail.Reserve(spec) {
		return nil, &CapacityError{Requested: spec, Available: h.avail}
	}
	h.seq++
	id := fmt.Sprintf("%s-%04d", h.NodeIP, h.seq)
	a := New(Options{
		ID:           id,
		Logger:       h.Logger,
		NodeIP:       h.NodeIP,
		GPU:          spec.GPU,
		Stores:       h.Stores,
		GroupTimeout: h.GroupTimeout,
		Metrics:      h.Metrics,
		OnKill:       func() { h.release(id, spec) },
	})
	h.agents[id] = a
	h.reportReserved()
	h.Logger.WithFields(logrus.Fields{
		"Worker": id,
		"Spec":   spec.String(),
	}).Info("worker reserved")
	return a, nil
}

func (h *Host) release(id string, spec gangrun.ResourceSpec) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if _, ok := h.agents[id]; !ok {
		return
	}
	delete(h.agents, id)
	h.avail.Release(spec)
	h.reportReserved()
}

// caller must have lock.
func (h *Host) reportReserved() {
	h.Metrics.setReserved(h.Capacity.CPUs-h.avail.CPUs, h.Capacity.GPUs-h.avail.GPUs)
}

func (h *Host) logger() logrus.FieldLogger {
	h.setupOnce.Do(h.setup)
	return h.Logger
}

// Agent returns the live worker with the given ID.
func (h *Host) Agent(id string) (*Agent, bool) {
	h.setupOnce.Do(h.setup)
	h.mtx.Lock()
	defer h.mtx.Unlock()
	a, ok := h.agents[id]
	return a, ok
}

// Available returns the capacity not currently reserved.
func (h *Host) Available() cloud.Capacity {
	h.setupOnce.Do(h.setup)
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.avail
}

// Workers returns the number of live workers.
func (h *Host) Workers() int {
	h.setupOnce.Do(h.setup)
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.agents)
}

// KillAll kills every live worker.
func (h *Host) KillAll() {
	h.setupOnce.Do(h.setup)
	h.mtx.Lock()
	var agents []*Agent
	for _, a := range h.agents {
		agents = append(agents, a)
	}
	h.mtx.Unlock()
	for _, a := range agents {
		a.Kill()
	}
}
