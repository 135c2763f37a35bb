// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/sirupsen/logrus"
)

// A RateLimitError should be returned by a Provisioner when the
// cluster indicates it is rejecting all requests for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by a Provisioner when the cluster
// cannot satisfy another reservation until some existing workers are
// killed.
type QuotaError interface {
	// If true, don't create more workers until some existing
	// workers are killed. If false, don't handle the error as a
	// quota error.
	IsQuotaError() bool
	error
}

type WorkerID string

// ErrWorkerGone is returned by a Worker's methods after the worker
// process has been killed or has otherwise become unreachable.
var ErrWorkerGone = errors.New("worker process is gone")

// Worker is a handle to one provisioned remote worker process.
//
// All methods are goroutine safe. Methods that contact the worker
// block until it answers or ctx is done.
type Worker interface {
	// ID returns the provider's worker ID. It must be stable for
	// the life of the worker.
	ID() WorkerID

	// String typically returns the ID and address.
	String() string

	// SetEnv merges the given variables into the worker's
	// environment. Calling it again with the same variables has
	// no further effect.
	SetEnv(ctx context.Context, vars map[string]string) error

	// NodeIP returns the address of the node the worker runs on.
	// Workers on the same node return the same value.
	NodeIP(ctx context.Context) (string, error)

	// Execute runs a function registered in the worker process
	// and returns its JSON-encoded result.
	Execute(ctx context.Context, call gangrun.Call) (json.RawMessage, error)

	// Kill terminates the worker process. The worker is not
	// restarted, and its reservation is released.
	Kill() error
}

// A Provisioner creates workers with resource reservations on a
// cluster.
type Provisioner interface {
	// Create a new worker holding the given reservation.
	//
	// The returned error should implement RateLimitError and
	// QuotaError where applicable.
	Create(ctx context.Context, spec gangrun.ResourceSpec) (Worker, error)

	// Stop any background tasks and release other resources.
	Stop()
}

// A Driver returns a Provisioner configured according to the given
// driver configuration.
type Driver interface {
	Provisioner(cfg gangrun.Config, logger logrus.FieldLogger) (Provisioner, error)
}

// DriverFunc makes a Driver using the provided function as its
// Provisioner method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(cfg gangrun.Config, logger logrus.FieldLogger) (Provisioner, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(cfg gangrun.Config, logger logrus.FieldLogger) (Provisioner, error)

func (df driverFunc) Provisioner(cfg gangrun.Config, logger logrus.FieldLogger) (Provisioner, error) {
	return df(cfg, logger)
}

// Capacity tracks the CPUs and GPUs still available on one node. The
// zero value has no capacity. Callers must serialize access.
type Capacity struct {
	CPUs int
	GPUs int
}

// Reserve subtracts spec from the capacity and returns true, or
// returns false if the capacity is insufficient.
func (c *Capacity) Reserve(spec gangrun.ResourceSpec) bool {
	if c.CPUs < spec.CPUs || c.GPUs < spec.GPUs() {
		return false
	}
	c.CPUs -= spec.CPUs
	c.GPUs -= spec.GPUs()
	return true
}

// Release returns spec to the capacity.
func (c *Capacity) Release(spec gangrun.ResourceSpec) {
	c.CPUs += spec.CPUs
	c.GPUs += spec.GPUs()
}
