// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package collective starts and stops membership in the
// communication group that workers use to exchange gradients and
// parameters. gangrun never uses the group's data plane itself.
package collective

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultTimeout = 5 * time.Minute

// GroupConfig tells a worker how to join its group.
type GroupConfig struct {
	Backend   string
	Addr      string
	Port      int
	Rank      int
	WorldSize int

	// Maximum time to wait for all peers to join. Zero means
	// the default (5 minutes).
	Timeout time.Duration
}

// A Group is one worker's membership in a communication group.
type Group interface {
	Rank() int
	WorldSize() int

	// Destroy leaves the group and releases its connections.
	// Calling Destroy more than once is harmless.
	Destroy() error
}

// A Backend joins a group. It must not return until every member has
// joined, or ctx is done.
type Backend func(ctx context.Context, cfg GroupConfig, logger logrus.FieldLogger) (Group, error)

var (
	backends = map[string]Backend{
		"tcp": joinTCP,
	}
	backendsMtx sync.Mutex
)

// Register makes a backend available under the given name.
func Register(name string, backend Backend) {
	backendsMtx.Lock()
	defer backendsMtx.Unlock()
	backends[name] = backend
}

// Backends returns the names of the registered backends.
func Backends() []string {
	backendsMtx.Lock()
	defer backendsMtx.Unlock()
	var names []string
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Init joins the group described by cfg. It blocks until all
// cfg.WorldSize members have joined: this is the barrier every
// worker passes before its program starts.
func Init(ctx context.Context, cfg GroupConfig, logger logrus.FieldLogger) (Group, error) {
	backendsMtx.Lock()
	backend, ok := backends[cfg.Backend]
	backendsMtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("unsupported distributed backend %q", cfg.Backend)
	}
	if cfg.WorldSize < 1 || cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, fmt.Errorf("invalid rank %d for world size %d", cfg.Rank, cfg.WorldSize)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	logger = logger.WithFields(logrus.Fields{
		"Backend":   cfg.Backend,
		"Rank":      cfg.Rank,
		"WorldSize": cfg.WorldSize,
	})
	logger.Infof("initializing distributed: member %d/%d", cfg.Rank+1, cfg.WorldSize)
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	group, err := backend(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("joining %s group at %s:%d: %w", cfg.Backend, cfg.Addr, cfg.Port, err)
	}
	if cfg.Rank == 0 {
		logger.Infof("all distributed processes registered, starting with %d processes", cfg.WorldSize)
	}
	return group, nil
}
