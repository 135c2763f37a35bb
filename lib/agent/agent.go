// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package agent is the worker side of a run. Each Agent is one
// worker: it holds the environment set during rendezvous, runs
// registered functions on request, and executes one rank of a run.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"git.arvados.org/gangrun.git/lib/cloud"
	"git.arvados.org/gangrun.git/lib/collective"
	"git.arvados.org/gangrun.git/lib/objstore"
	"git.arvados.org/gangrun.git/lib/progress"
	"git.arvados.org/gangrun.git/lib/rendezvous"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy is returned by FuncRun if the worker is already
	// running.
	ErrBusy = errors.New("worker is already running")

	ErrUnknownFunc = errors.New("no such function")
)

// Options configure a new Agent.
type Options struct {
	ID     string
	Logger logrus.FieldLogger

	// Address of the node the worker runs on. Defaults to
	// DefaultNodeIP().
	NodeIP string

	// True if the worker holds an accelerator reservation.
	GPU bool

	// Opens the object stores that hold run snapshots. If nil, a
	// private Opener with no cache is used.
	Stores *objstore.Opener

	// Maximum time to wait for peers to join the communication
	// group. Zero means the collective default.
	GroupTimeout time.Duration

	Metrics *Metrics

	// Called once, by Kill.
	OnKill func()
}

// An Agent is one worker process's state.
type Agent struct {
	opts   Options
	logger logrus.FieldLogger

	mtx     sync.Mutex
	env     map[string]string
	rank    int // -1 until adopted
	running bool
	group   collective.Group
	model   gangrun.Model
	gone    bool
}

// New returns a new Agent.
func New(opts Options) *Agent {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.NodeIP == "" {
		opts.NodeIP = DefaultNodeIP()
	}
	if opts.Stores == nil {
		opts.Stores = &objstore.Opener{}
	}
	logger := opts.Logger
	if opts.ID != "" {
		logger = logger.WithField("Worker", opts.ID)
	}
	return &Agent{
		opts:   opts,
		logger: logger,
		env:    map[string]string{},
		rank:   -1,
	}
}

// DefaultNodeIP returns the first non-loopback IPv4 address of this
// host, or 127.0.0.1 if there is none.
func DefaultNodeIP() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

func (a *Agent) ID() string { return a.opts.ID }

func (a *Agent) alive() error {
	if a.gone {
		return cloud.ErrWorkerGone
	}
	return nil
}

// SetEnv merges vars into the worker's environment.
func (a *Agent) SetEnv(vars map[string]string) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if err := a.alive(); err != nil {
		return err
	}
	for k, v := range vars {
		a.env[k] = v
	}
	return nil
}

// Env returns a copy of the worker's environment.
func (a *Agent) Env() map[string]string {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	env := make(map[string]string, len(a.env))
	for k, v := range a.env {
		env[k] = v
	}
	return env
}

// NodeIP returns the address of the node the worker runs on.
func (a *Agent) NodeIP() (string, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if err := a.alive(); err != nil {
		return "", err
	}
	return a.opts.NodeIP, nil
}

// Rank returns the global rank the worker adopted, if any.
func (a *Agent) Rank() (int, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.rank, a.rank >= 0
}

// Call runs the named built-in or registered function and returns
// its JSON-encoded result.
func (a *Agent) Call(ctx context.Context, call gangrun.Call) (json.RawMessage, error) {
	a.mtx.Lock()
	err := a.alive()
	a.mtx.Unlock()
	if err != nil {
		return nil, err
	}
	var ret interface{}
	switch call.Func {
	case gangrun.FuncFreePort:
		ret, err = a.freePort()
	case gangrun.FuncRun:
		ret, err = a.run(ctx, call.Args)
	case gangrun.FuncShutdown:
		ret, err = nil, a.shutdown()
	default:
		fn, ok := lookupFunc(call.Func)
		if !ok {
			err = fmt.Errorf("%w: %q", ErrUnknownFunc, call.Func)
			break
		}
		ret, err = fn(ctx, a, call.Args)
	}
	a.opts.Metrics.observeCall(call.Func, err)
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(ret)
	if err != nil {
		return nil, fmt.Errorf("encoding %s result: %w", call.Func, err)
	}
	return buf, nil
}

func (a *Agent) freePort() (interface{}, error) {
	port, err := rendezvous.FreePort()
	if err != nil {
		return nil, err
	}
	a.logger.WithField("Port", port).Debug("allocated free port")
	return rendezvous.FreePortResult{Port: port}, nil
}

// run executes one rank of a run. Only rank 0 returns a non-nil
// envelope.
func (a *Agent) run(ctx context.Context, args json.RawMessage) (*gangrun.ResultEnvelope, error) {
	var env gangrun.ExecutionEnvelope
	if err := json.Unmarshal(args, &env); err != nil {
		return nil, fmt.Errorf("decoding execution envelope: %w", err)
	}
	if !env.Mode.Valid() {
		return nil, fmt.Errorf("invalid mode %q", env.Mode)
	}
	if env.WorldSize != len(env.Assignment) {
		return nil, fmt.Errorf("world size %d does not match assignment of %d workers", env.WorldSize, len(env.Assignment))
	}
	placement, err := env.Placement()
	if err != nil {
		return nil, err
	}
	prog, ok := lookupProgram(env.Program)
	if !ok {
		return nil, fmt.Errorf("no program %q registered in this worker process", env.Program)
	}
	device := "cpu"
	if env.UseGPU {
		if !a.opts.GPU {
			return nil, errors.New("run requires an accelerator but this worker has none reserved")
		}
		device = "cuda:0"
	}

	a.mtx.Lock()
	if a.running {
		a.mtx.Unlock()
		return nil, ErrBusy
	}
	if a.rank >= 0 && a.rank != env.GlobalRank {
		a.mtx.Unlock()
		return nil, fmt.Errorf("worker has already adopted rank %d, cannot run as rank %d", a.rank, env.GlobalRank)
	}
	a.running = true
	a.rank = env.GlobalRank
	vars := make(map[string]string, len(a.env))
	for k, v := range a.env {
		vars[k] = v
	}
	a.mtx.Unlock()
	defer func() {
		a.mtx.Lock()
		a.running = false
		a.mtx.Unlock()
	}()
	a.opts.Metrics.runStarted()
	defer a.opts.Metrics.runFinished()

	logger := a.logger.WithFields(logrus.Fields{
		"RunID":      env.RunID,
		"Program":    env.Program,
		"Mode":       env.Mode,
		"GlobalRank": env.GlobalRank,
		"LocalRank":  placement.LocalRank,
		"NodeRank":   placement.NodeRank,
	})

	var producer *progress.Producer
	if env.Progress != "" {
		q, err := progress.Open(ctx, env.Progress)
		if err != nil {
			return nil, fmt.Errorf("opening progress queue: %w", err)
		}
		producer = progress.NewProducer(q, env.GlobalRank)
		defer producer.Close()
	}

	renv, err := rendezvous.ParseEnv(vars)
	if err != nil {
		return nil, fmt.Errorf("rendezvous environment: %w", err)
	}
	a.mtx.Lock()
	prev := a.group
	a.group = nil
	a.mtx.Unlock()
	if prev != nil {
		prev.Destroy()
	}
	group, err := collective.Init(ctx, collective.GroupConfig{
		Backend:   renv.Backend,
		Addr:      renv.Addr,
		Port:      renv.Port,
		Rank:      env.GlobalRank,
		WorldSize: env.WorldSize,
		Timeout:   a.opts.GroupTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.mtx.Lock()
	a.group = group
	a.mtx.Unlock()

	model, err := a.loadSnapshot(ctx, prog, env.Snapshot, logger)
	if err != nil {
		return nil, err
	}
	if dm, ok := model.(gangrun.DeviceMover); ok {
		if err := dm.ToDevice(device); err != nil {
			return nil, fmt.Errorf("moving model to %s: %w", device, err)
		}
	}
	a.mtx.Lock()
	a.model = model
	a.mtx.Unlock()

	wc := &WorkerContext{
		RunID:      env.RunID,
		Mode:       env.Mode,
		GlobalRank: env.GlobalRank,
		LocalRank:  placement.LocalRank,
		NodeRank:   placement.NodeRank,
		WorldSize:  env.WorldSize,
		Device:     device,
		Seed:       renv.Seed,
		Group:      group,
		Logger:     logger,
		producer:   producer,
	}
	if prog.Teardown != nil {
		defer prog.Teardown(wc, model)
	}
	t0 := time.Now()
	outcome, err := prog.Run(ctx, wc, model)
	if err != nil {
		logger.WithError(err).Error("program failed")
		return nil, err
	}
	logger.WithField("Elapsed", time.Since(t0).Seconds()).Info("program finished")
	if !wc.IsLeader() {
		return nil, nil
	}
	state, err := model.EncodeState()
	if err != nil {
		return nil, fmt.Errorf("encoding model state: %w", err)
	}
	result, err := json.Marshal(outcome.Result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	re := &gangrun.ResultEnvelope{
		Result:  result,
		State:   state,
		Metrics: outcome.Metrics,
	}
	if outcome.CheckpointPath != "" {
		cp := outcome.CheckpointPath
		re.CheckpointPath = &cp
	}
	logger.WithField("StateSize", humanize.IBytes(uint64(len(state)))).Debug("returning result envelope")
	return re, nil
}

func (a *Agent) loadSnapshot(ctx context.Context, prog Program, ref gangrun.ObjectRef, logger logrus.FieldLogger) (gangrun.Model, error) {
	model := prog.NewModel()
	if ref.Key == "" {
		return model, nil
	}
	store, err := a.opts.Stores.Open(ctx, ref.Store)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", err)
	}
	blob, err := store.Get(ctx, ref.Key)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}
	if err := model.DecodeState(blob); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	logger.WithField("Size", humanize.IBytes(uint64(len(blob)))).Debug("loaded snapshot")
	return model, nil
}

// shutdown leaves the communication group and releases the model.
func (a *Agent) shutdown() error {
	a.mtx.Lock()
	group, model := a.group, a.model
	a.group, a.model = nil, nil
	a.mtx.Unlock()
	if group != nil {
		if err := group.Destroy(); err != nil {
			a.logger.WithError(err).Warn("error leaving communication group")
		}
	}
	if mr, ok := model.(gangrun.MemoryReleaser); ok {
		mr.ReleaseMemory()
	}
	return nil
}

// Kill shuts the worker down for good. Every later call returns
// cloud.ErrWorkerGone.
func (a *Agent) Kill() error {
	a.mtx.Lock()
	if a.gone {
		a.mtx.Unlock()
		return cloud.ErrWorkerGone
	}
	a.gone = true
	a.mtx.Unlock()
	a.shutdown()
	if a.opts.OnKill != nil {
		a.opts.OnKill()
	}
	a.logger.Info("worker killed")
	return nil
}
