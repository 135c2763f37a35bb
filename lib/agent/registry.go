// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"git.arvados.org/gangrun.git/lib/collective"
	"git.arvados.org/gangrun.git/lib/progress"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/sirupsen/logrus"
)

// A Func is a function that workers can be asked to run by name.
// Its return value is sent back JSON-encoded.
//
// Funcs must be registered in every worker process, typically in an
// init function, before any worker is provisioned.
type Func func(ctx context.Context, a *Agent, args json.RawMessage) (interface{}, error)

// A Program is the training or evaluation logic run by FuncRun.
type Program struct {
	Name string

	// NewModel returns an empty model for the worker to decode
	// the run's snapshot into.
	NewModel func() gangrun.Model

	// Run executes one stage on one worker. Every worker in the
	// run calls Run concurrently, after the communication group
	// has formed.
	Run func(ctx context.Context, wc *WorkerContext, model gangrun.Model) (Outcome, error)

	// Teardown, if not nil, is called after Run returns, whether
	// or not it succeeded.
	Teardown func(wc *WorkerContext, model gangrun.Model)
}

// Outcome is what a Program's Run returns. Only the rank 0 worker's
// outcome reaches the driver.
type Outcome struct {
	Result         interface{}
	CheckpointPath string // empty means none
	Metrics        map[string]float64
}

// WorkerContext describes the worker a Program is running on.
type WorkerContext struct {
	RunID      string
	Mode       gangrun.Mode
	GlobalRank int
	LocalRank  int
	NodeRank   int
	WorldSize  int
	Device     string
	Seed       int64
	Group      collective.Group
	Logger     logrus.FieldLogger

	producer *progress.Producer
}

// IsLeader reports whether this worker's outcome is the one returned
// to the driver.
func (wc *WorkerContext) IsLeader() bool { return wc.GlobalRank == 0 }

// Report sends intermediate metrics to the driver. It does nothing
// if no observer is attached to the run.
func (wc *WorkerContext) Report(ctx context.Context, metrics map[string]float64) error {
	if wc.producer == nil {
		return nil
	}
	return wc.producer.Report(ctx, metrics)
}

// Reporting reports whether Report delivers anything.
func (wc *WorkerContext) Reporting() bool { return wc.producer != nil }

var (
	funcs    = map[string]Func{}
	programs = map[string]Program{}
	regMtx   sync.Mutex
)

// RegisterFunc makes fn callable by name on every agent in this
// process. It panics if the name is already taken.
func RegisterFunc(name string, fn Func) {
	regMtx.Lock()
	defer regMtx.Unlock()
	if _, dup := funcs[name]; dup || isBuiltin(name) {
		panic(fmt.Sprintf("agent: func %q registered twice", name))
	}
	funcs[name] = fn
}

// RegisterProgram makes prog available to FuncRun. It panics if the
// name is already taken.
func RegisterProgram(prog Program) {
	regMtx.Lock()
	defer regMtx.Unlock()
	if prog.Name == "" || prog.NewModel == nil || prog.Run == nil {
		panic(fmt.Sprintf("agent: incomplete program %q", prog.Name))
	}
	if _, dup := programs[prog.Name]; dup {
		panic(fmt.Sprintf("agent: program %q registered twice", prog.Name))
	}
	programs[prog.Name] = prog
}

// Programs returns the names of the registered programs.
func Programs() []string {
	regMtx.Lock()
	defer regMtx.Unlock()
	var names []string
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewModel returns an empty model of the named program, for a driver
// to decode an initial state into.
func NewModel(program string) (gangrun.Model, error) {
	prog, ok := lookupProgram(program)
	if !ok {
		return nil, fmt.Errorf("unknown program %q", program)
	}
	return prog.NewModel(), nil
}

func lookupFunc(name string) (Func, bool) {
	regMtx.Lock()
	defer regMtx.Unlock()
	fn, ok := funcs[name]
	return fn, ok
}

func lookupProgram(name string) (Program, bool) {
	regMtx.Lock()
	defer regMtx.Unlock()
	prog, ok := programs[name]
	return prog, ok
}

func isBuiltin(name string) bool {
	switch name {
	case gangrun.FuncFreePort, gangrun.FuncRun, gangrun.FuncShutdown:
		return true
	}
	return false
}
