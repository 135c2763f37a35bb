// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatch drives a run from the driver process: it
// provisions the workers, establishes their communication group,
// dispatches one identical call to every rank, forwards progress to
// an observer, and restores the rank 0 worker's state into the
// caller's model before tearing everything down.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/gangrun.git/lib/cloud"
	"git.arvados.org/gangrun.git/lib/objstore"
	"git.arvados.org/gangrun.git/lib/progress"
	"git.arvados.org/gangrun.git/lib/ranks"
	"git.arvados.org/gangrun.git/lib/rendezvous"
	"git.arvados.org/gangrun.git/lib/worker"
	"git.arvados.org/gangrun.git/sdk/go/ctxlog"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const defaultPollInterval = 100 * time.Millisecond

// ErrRunInProgress is returned by Run if another run is already in
// progress on the same Coordinator.
var ErrRunInProgress = errors.New("a run is already in progress")

// Request describes one run.
type Request struct {
	// Name of a program registered in every worker process.
	Program string
	Mode    gangrun.Mode

	// The driver's model. Its encoded state is shared with every
	// worker, and it receives the rank 0 worker's final state.
	Model gangrun.Model

	// If not nil, receives progress messages while a fit run is
	// in flight.
	Observer progress.Observer
}

// Result is what a successful run returns.
type Result struct {
	RunID            string
	Result           json.RawMessage
	CheckpointPath   *string
	Metrics          map[string]float64
	Assignment       []gangrun.Placement
	Endpoint         rendezvous.Endpoint
	ProgressMessages int
}

// Coordinator runs stages on a pool of workers. A Coordinator runs
// one stage at a time.
type Coordinator struct {
	cfg    gangrun.Config
	logger logrus.FieldLogger
	pool   *worker.Pool
	stores *objstore.Opener

	mtx            sync.Mutex
	running        bool
	transitions    []State
	checkpointPath *string
	metrics        map[string]float64

	mRuns     *prometheus.CounterVec
	mProgress prometheus.Counter
}

// New returns a Coordinator that provisions workers with the driver
// named in cfg.
func New(ctx context.Context, cfg gangrun.Config, reg *prometheus.Registry) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prv, err := newProvisioner(cfg, ctxlog.FromContext(ctx).WithField("Driver", cfg.Driver))
	if err != nil {
		return nil, err
	}
	return NewWithProvisioner(ctx, cfg, reg, prv)
}

// NewWithProvisioner returns a Coordinator that provisions workers
// with prv, ignoring cfg.Driver.
func NewWithProvisioner(ctx context.Context, cfg gangrun.Config, reg *prometheus.Registry, prv cloud.Provisioner) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	logger := ctxlog.FromContext(ctx)
	pool := worker.NewPool(logger, reg, prv)
	pool.InitHook = cfg.InitHook
	pool.TeardownTimeout = cfg.TeardownTimeout.Duration(0)
	co := &Coordinator{
		cfg:         cfg,
		logger:      logger,
		pool:        pool,
		stores:      &objstore.Opener{S3Config: cfg.S3},
		transitions: []State{StateIdle},
		metrics:     map[string]float64{},
	}
	co.registerMetrics(reg)
	return co, nil
}

// Fit runs a training stage.
func (co *Coordinator) Fit(ctx context.Context, program string, model gangrun.Model, observer progress.Observer) (*Result, error) {
	return co.Run(ctx, Request{Program: program, Mode: gangrun.ModeFit, Model: model, Observer: observer})
}

// Evaluate runs an evaluation stage.
func (co *Coordinator) Evaluate(ctx context.Context, program string, model gangrun.Model) (*Result, error) {
	return co.Run(ctx, Request{Program: program, Mode: gangrun.ModeEvaluate, Model: model})
}

// Predict runs a prediction stage.
func (co *Coordinator) Predict(ctx context.Context, program string, model gangrun.Model) (*Result, error) {
	return co.Run(ctx, Request{Program: program, Mode: gangrun.ModePredict, Model: model})
}

// State returns the stage the current (or last) run has reached.
func (co *Coordinator) State() State {
	co.mtx.Lock()
	defer co.mtx.Unlock()
	return co.transitions[len(co.transitions)-1]
}

// Transitions returns every state the current (or last) run has
// passed through, starting with StateIdle.
func (co *Coordinator) Transitions() []State {
	co.mtx.Lock()
	defer co.mtx.Unlock()
	return append([]State(nil), co.transitions...)
}

// CheckpointPath returns the checkpoint locator reported by the
// last successful run, or nil.
func (co *Coordinator) CheckpointPath() *string {
	co.mtx.Lock()
	defer co.mtx.Unlock()
	return co.checkpointPath
}

// Metrics returns the metrics accumulated from every successful run.
// Later runs overwrite earlier values of the same metric.
func (co *Coordinator) Metrics() map[string]float64 {
	co.mtx.Lock()
	defer co.mtx.Unlock()
	m := make(map[string]float64, len(co.metrics))
	for k, v := range co.metrics {
		m[k] = v
	}
	return m
}

// Config returns the coordinator's configuration. It never includes
// live worker handles.
func (co *Coordinator) Config() gangrun.Config {
	return co.cfg
}

// Close releases the provisioner.
func (co *Coordinator) Close() {
	co.pool.Stop()
}

func (co *Coordinator) setState(st State) {
	co.mtx.Lock()
	defer co.mtx.Unlock()
	co.transitions = append(co.transitions, st)
}

// Run executes one stage on a freshly provisioned pool. Whatever
// happens after provisioning starts, the pool is torn down exactly
// once before Run returns.
func (co *Coordinator) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Model == nil {
		return nil, errors.New("no model given")
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("invalid mode %q", req.Mode)
	}
	if req.Program == "" {
		return nil, errors.New("no program given")
	}
	co.mtx.Lock()
	if co.running {
		co.mtx.Unlock()
		return nil, ErrRunInProgress
	}
	co.running = true
	co.transitions = []State{StateIdle}
	co.mtx.Unlock()
	defer func() {
		co.mtx.Lock()
		co.running = false
		co.mtx.Unlock()
	}()

	runID := uuid.NewString()
	logger := co.logger.WithFields(logrus.Fields{
		"RunID":   runID,
		"Program": req.Program,
		"Mode":    req.Mode,
	})
	ctx = ctxlog.Context(ctx, logger)
	res, err := co.run(ctx, runID, req, logger)
	if err != nil {
		co.mRuns.WithLabelValues("failure").Inc()
		logger.WithError(err).Error("run failed")
		return nil, err
	}
	co.mRuns.WithLabelValues("success").Inc()
	logger.Info("run finished")
	return res, nil
}

func (co *Coordinator) run(ctx context.Context, runID string, req Request, logger logrus.FieldLogger) (*Result, error) {
	co.setState(StateRendezvous)
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		co.pool.Teardown(cleanupCtx)
		co.setState(StateTornDown)
	}()

	snapshot, err := co.putSnapshot(ctx, runID, req.Model, logger)
	if err != nil {
		return nil, err
	}
	defer co.deleteSnapshot(cleanupCtx, snapshot, logger)

	workers, err := co.pool.Provision(ctx, co.cfg.NumWorkers, co.cfg.ResourceSpec())
	if err != nil {
		return nil, err
	}
	nodes, err := nodeIPs(ctx, workers)
	if err != nil {
		return nil, err
	}
	assignment, err := ranks.Resolve(nodes)
	if err != nil {
		return nil, err
	}
	env, err := rendezvous.Coordinator{
		Seed:    co.cfg.Seed,
		Backend: co.cfg.Backend,
		Logger:  logger,
	}.Establish(ctx, workers)
	if err != nil {
		return nil, err
	}

	var queue progress.Queue
	if req.Observer != nil && req.Mode == gangrun.ModeFit {
		queue, err = progress.Create(ctx, co.cfg.ProgressQueue, runID)
		if err != nil {
			return nil, fmt.Errorf("creating progress queue: %w", err)
		}
		defer queue.Shutdown()
	}

	calls := make([]gangrun.Call, len(workers))
	for rank := range workers {
		envelope := gangrun.ExecutionEnvelope{
			RunID:      runID,
			Program:    req.Program,
			Mode:       req.Mode,
			Snapshot:   snapshot,
			GlobalRank: rank,
			WorldSize:  len(workers),
			Assignment: assignment,
			UseGPU:     co.cfg.UseGPU,
		}
		if queue != nil {
			envelope.Progress = queue.Locator()
		}
		calls[rank], err = gangrun.NewCall(gangrun.FuncRun, envelope)
		if err != nil {
			return nil, err
		}
	}

	co.setState(StateDispatched)
	// Cancelled when the first rank fails, so peers blocked on the
	// failed rank return instead of waiting for it.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var (
		resultsMtx sync.Mutex
		results    = make([]json.RawMessage, len(workers))
		errs       = make([]error, len(workers))
		aborted    bool
		failed     = make(chan struct{})
		done       = make(chan struct{})
		wg         sync.WaitGroup
	)
	for rank, wkr := range workers {
		rank, wkr := rank, wkr
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := wkr.Execute(runCtx, calls[rank])
			resultsMtx.Lock()
			defer resultsMtx.Unlock()
			if aborted {
				// Resolved after the run was abandoned;
				// most likely a consequence of the
				// cancellation.
				return
			}
			results[rank], errs[rank] = result, err
			if err != nil {
				aborted = true
				cancelRun()
				close(failed)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	// stopped closes when every rank has returned, or any rank has
	// failed.
	stopped := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-failed:
		}
		close(stopped)
	}()
	logger.WithField("Workers", len(workers)).Info("dispatched")

	nmsgs := 0
	if queue != nil {
		co.setState(StateDraining)
		nmsgs = co.drain(ctx, queue, req.Observer, stopped, logger)
	} else {
		<-stopped
	}

	co.setState(StateCollecting)
	resultsMtx.Lock()
	aborted = true
	rerr := remoteExecutionError(errs)
	resultsMtx.Unlock()
	if rerr != nil {
		return nil, rerr
	}
	leader, err := partition(results)
	if err != nil {
		return nil, err
	}

	co.setState(StateRestoring)
	if err := req.Model.DecodeState(leader.State); err != nil {
		return nil, fmt.Errorf("restoring model state: %w", err)
	}
	co.mtx.Lock()
	co.checkpointPath = leader.CheckpointPath
	for k, v := range leader.Metrics {
		co.metrics[k] = v
	}
	co.mtx.Unlock()
	logger.WithField("StateSize", humanize.IBytes(uint64(len(leader.State)))).Info("restored model state from rank 0")
	return &Result{
		RunID:            runID,
		Result:           leader.Result,
		CheckpointPath:   leader.CheckpointPath,
		Metrics:          leader.Metrics,
		Assignment:       assignment,
		Endpoint:         env.Endpoint,
		ProgressMessages: nmsgs,
	}, nil
}

func (co *Coordinator) putSnapshot(ctx context.Context, runID string, model gangrun.Model, logger logrus.FieldLogger) (gangrun.ObjectRef, error) {
	blob, err := model.EncodeState()
	if err != nil {
		return gangrun.ObjectRef{}, fmt.Errorf("encoding model state: %w", err)
	}
	store, err := co.stores.Open(ctx, co.cfg.ObjectStore)
	if err != nil {
		return gangrun.ObjectRef{}, err
	}
	ref := gangrun.ObjectRef{Store: store.URL(), Key: "snapshots/" + runID}
	if err := store.Put(ctx, ref.Key, blob); err != nil {
		return gangrun.ObjectRef{}, fmt.Errorf("staging snapshot: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"Store": ref.Store,
		"Key":   ref.Key,
		"Size":  humanize.IBytes(uint64(len(blob))),
	}).Debug("staged model snapshot")
	return ref, nil
}

func (co *Coordinator) deleteSnapshot(ctx context.Context, ref gangrun.ObjectRef, logger logrus.FieldLogger) {
	store, err := co.stores.Open(ctx, ref.Store)
	if err == nil {
		err = store.Delete(ctx, ref.Key)
	}
	if err != nil {
		logger.WithError(err).Warn("error deleting model snapshot")
	}
}

// drain forwards progress messages to the observer until stopped is
// closed, then drains the queue once more so nothing enqueued before
// the workers returned is lost. Messages returned alongside a queue
// error are still forwarded. It returns the number of messages
// forwarded.
func (co *Coordinator) drain(ctx context.Context, queue progress.Queue, observer progress.Observer, stopped <-chan struct{}, logger logrus.FieldLogger) int {
	poll := co.cfg.PollInterval.Duration(defaultPollInterval)
	total := 0
	forward := func(msgs []progress.Message) {
		if len(msgs) == 0 {
			return
		}
		total += len(msgs)
		co.mProgress.Add(float64(len(msgs)))
		if err := observer.Observe(ctx, msgs); err != nil {
			logger.WithError(err).Warn("progress observer failed")
		}
	}
	for {
		select {
		case <-stopped:
			for {
				msgs, err := queue.Drain(ctx, 0)
				forward(msgs)
				if err != nil {
					logger.WithError(err).Warn("error draining progress queue")
					return total
				}
				if len(msgs) == 0 {
					return total
				}
			}
		default:
		}
		msgs, err := queue.Drain(ctx, poll)
		forward(msgs)
		if err != nil {
			logger.WithError(err).Warn("error polling progress queue")
			// Don't spin on a broken queue, and don't
			// outlive the workers.
			select {
			case <-stopped:
			case <-time.After(poll):
			}
		}
	}
}

func nodeIPs(ctx context.Context, workers []cloud.Worker) ([]string, error) {
	nodes := make([]string, len(workers))
	errs := make([]error, len(workers))
	var wg sync.WaitGroup
	for i, wkr := range workers {
		i, wkr := i, wkr
		wg.Add(1)
		go func() {
			defer wg.Done()
			nodes[i], errs[i] = wkr.NodeIP(ctx)
			if errs[i] != nil {
				errs[i] = fmt.Errorf("rank %d (%s): %w", i, wkr, errs[i])
			}
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, &gangrun.RendezvousError{Step: "node identity lookup", Err: err}
	}
	return nodes, nil
}

func remoteExecutionError(errs []error) error {
	rerr := &gangrun.RemoteExecutionError{Errs: map[int]error{}}
	for rank, err := range errs {
		if err != nil {
			rerr.Errs[rank] = err
		}
	}
	if len(rerr.Errs) == 0 {
		return nil
	}
	return rerr
}

// partition returns the single result envelope among the per-rank
// results, which must come from rank 0.
func partition(results []json.RawMessage) (*gangrun.ResultEnvelope, error) {
	var leader *gangrun.ResultEnvelope
	var from []int
	for rank, raw := range results {
		if len(raw) == 0 {
			continue
		}
		var re *gangrun.ResultEnvelope
		if err := json.Unmarshal(raw, &re); err != nil {
			return nil, &gangrun.ProtocolViolation{Reason: fmt.Sprintf("rank %d returned an undecodable result: %s", rank, err)}
		}
		if re == nil {
			continue
		}
		from = append(from, rank)
		if rank == 0 {
			leader = re
		}
	}
	switch {
	case len(from) == 0:
		return nil, &gangrun.ProtocolViolation{Reason: "no worker returned a result envelope"}
	case len(from) > 1:
		return nil, &gangrun.ProtocolViolation{Reason: fmt.Sprintf("%d workers returned result envelopes (ranks %v), expected only rank 0", len(from), from)}
	case leader == nil:
		return nil, &gangrun.ProtocolViolation{Reason: fmt.Sprintf("result envelope came from rank %d, not rank 0", from[0])}
	}
	return leader, nil
}

func (co *Coordinator) registerMetrics(reg *prometheus.Registry) {
	co.mRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gangrun",
		Subsystem: "dispatch",
		Name:      "runs_total",
		Help:      "Number of runs, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(co.mRuns)
	co.mProgress = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gangrun",
		Subsystem: "dispatch",
		Name:      "progress_messages_total",
		Help:      "Number of progress messages forwarded to observers.",
	})
	reg.MustRegister(co.mProgress)
}
