// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package worker manages the fixed-size set of workers used by one
// run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/gangrun.git/lib/cloud"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const defaultTeardownTimeout = time.Minute

// ErrPoolInUse is returned by Provision if the pool already holds
// workers.
var ErrPoolInUse = errors.New("worker pool is already provisioned; teardown must come first")

// NewPool returns a Pool that creates workers through provisioner.
func NewPool(logger logrus.FieldLogger, reg *prometheus.Registry, provisioner cloud.Provisioner) *Pool {
	wp := &Pool{
		logger:      logger,
		provisioner: provisioner,
	}
	wp.registerMetrics(reg)
	return wp
}

// Pool owns the workers of a run, from provisioning to teardown. A
// zero Pool should not be used. Call NewPool to create a new Pool.
type Pool struct {
	// Name of a registered function to run on every new worker.
	InitHook string

	// Maximum time Teardown spends on the workers. Zero means
	// one minute.
	TeardownTimeout time.Duration

	logger      logrus.FieldLogger
	provisioner cloud.Provisioner

	mtx          sync.Mutex
	workers      []cloud.Worker
	provisioning bool

	throttleCreate throttle

	mWorkers           prometheus.Gauge
	mProvisionFailures prometheus.Counter
	mTeardowns         prometheus.Counter
	mShutdownFailures  prometheus.Counter
	mKillFailures      prometheus.Counter
}

// Provision creates count workers, each holding the given
// reservation, and returns them ordered by ID. If any worker cannot
// be created, the ones that were are killed, and the returned error
// is a *gangrun.ProvisioningError.
func (wp *Pool) Provision(ctx context.Context, count int, spec gangrun.ResourceSpec) ([]cloud.Worker, error) {
	if count < 1 {
		return nil, fmt.Errorf("cannot provision %d workers", count)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	wp.mtx.Lock()
	if wp.provisioning || len(wp.workers) > 0 {
		wp.mtx.Unlock()
		return nil, ErrPoolInUse
	}
	wp.provisioning = true
	wp.mtx.Unlock()
	defer func() {
		wp.mtx.Lock()
		wp.provisioning = false
		wp.mtx.Unlock()
	}()

	if err := wp.throttleCreate.Error(); err != nil {
		wp.mProvisionFailures.Inc()
		return nil, &gangrun.ProvisioningError{Requested: count, Err: err}
	}

	logger := wp.logger.WithFields(logrus.Fields{
		"Count": count,
		"Spec":  spec.String(),
	})
	logger.Info("provisioning workers")
	t0 := time.Now()
	workers := make([]cloud.Worker, count)
	errs := make([]error, count)
	var wg sync.WaitGroup
	for i := range workers {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			workers[i], errs[i] = wp.provisioner.Create(ctx, spec)
		}()
	}
	wg.Wait()

	var created []cloud.Worker
	var failed []error
	for i, wkr := range workers {
		if errs[i] != nil {
			failed = append(failed, errs[i])
			wp.throttleCreate.CheckRateLimitError(errs[i], wp.logger, "create worker")
		} else {
			created = append(created, wkr)
		}
	}
	if len(failed) > 0 {
		err := errors.Join(failed...)
		logger.WithError(err).WithField("Created", len(created)).Error("provisioning failed")
		wp.mProvisionFailures.Inc()
		wp.killAll(ctx, created, false)
		return nil, &gangrun.ProvisioningError{Requested: count, Created: len(created), Err: err}
	}
	sort.Slice(created, func(i, j int) bool { return created[i].ID() < created[j].ID() })

	if wp.InitHook != "" {
		if err := wp.runInitHook(ctx, created); err != nil {
			logger.WithError(err).Error("init hook failed")
			wp.mProvisionFailures.Inc()
			wp.killAll(ctx, created, false)
			return nil, &gangrun.ProvisioningError{Requested: count, Created: count, Err: err}
		}
	}

	wp.mtx.Lock()
	wp.workers = created
	wp.mtx.Unlock()
	wp.mWorkers.Set(float64(len(created)))
	logger.WithField("Elapsed", time.Since(t0).Seconds()).Info("workers provisioned")
	return append([]cloud.Worker(nil), created...), nil
}

func (wp *Pool) runInitHook(ctx context.Context, workers []cloud.Worker) error {
	call := gangrun.Call{Func: wp.InitHook}
	errs := make([]error, len(workers))
	var wg sync.WaitGroup
	for i, wkr := range workers {
		i, wkr := i, wkr
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := wkr.Execute(ctx, call); err != nil {
				errs[i] = fmt.Errorf("init hook %q on %s: %w", wp.InitHook, wkr, err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Workers returns the workers currently held by the pool.
func (wp *Pool) Workers() []cloud.Worker {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	return append([]cloud.Worker(nil), wp.workers...)
}

// Teardown tells every worker to leave its communication group and
// release accelerator memory, then kills it. Workers are handled
// concurrently and independently. Failures are logged, never
// returned. When Teardown returns, the pool is empty.
func (wp *Pool) Teardown(ctx context.Context) {
	wp.mtx.Lock()
	workers := wp.workers
	wp.workers = nil
	wp.mtx.Unlock()
	timeout := wp.TeardownTimeout
	if timeout <= 0 {
		timeout = defaultTeardownTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	wp.killAll(ctx, workers, true)
	wp.mTeardowns.Inc()
	wp.mWorkers.Set(0)
	wp.logger.WithField("Workers", len(workers)).Info("teardown complete")
}

func (wp *Pool) killAll(ctx context.Context, workers []cloud.Worker, shutdown bool) {
	var wg sync.WaitGroup
	for _, wkr := range workers {
		wkr := wkr
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger := wp.logger.WithField("Worker", wkr.String())
			if shutdown {
				_, err := wkr.Execute(ctx, gangrun.Call{Func: gangrun.FuncShutdown})
				if errors.Is(err, cloud.ErrWorkerGone) {
					logger.Info("worker already gone")
					return
				} else if err != nil {
					wp.mShutdownFailures.Inc()
					logger.WithError(err).Warn("shutdown call failed")
				}
			}
			err := wkr.Kill()
			if errors.Is(err, cloud.ErrWorkerGone) {
				logger.Info("worker already gone")
			} else if err != nil {
				wp.mKillFailures.Inc()
				logger.WithError(err).Warn("kill failed")
			} else {
				logger.Debug("worker killed")
			}
		}()
	}
	wg.Wait()
}

// Stop releases the provisioner. The pool must not be used
// afterwards.
func (wp *Pool) Stop() {
	wp.provisioner.Stop()
}

func (wp *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	wp.mWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gangrun",
		Subsystem: "pool",
		Name:      "workers",
		Help:      "Number of workers currently held by the pool.",
	})
	reg.MustRegister(wp.mWorkers)
	wp.mProvisionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gangrun",
		Subsystem: "pool",
		Name:      "provision_failures_total",
		Help:      "Number of Provision calls that failed.",
	})
	reg.MustRegister(wp.mProvisionFailures)
	wp.mTeardowns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gangrun",
		Subsystem: "pool",
		Name:      "teardowns_total",
		Help:      "Number of completed teardowns.",
	})
	reg.MustRegister(wp.mTeardowns)
	wp.mShutdownFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gangrun",
		Subsystem: "pool",
		Name:      "shutdown_failures_total",
		Help:      "Number of workers that failed the shutdown call during teardown.",
	})
	reg.MustRegister(wp.mShutdownFailures)
	wp.mKillFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gangrun",
		Subsystem: "pool",
		Name:      "kill_failures_total",
		Help:      "Number of workers that could not be killed.",
	})
	reg.MustRegister(wp.mKillFailures)
}
