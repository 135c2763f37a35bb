// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/gangrun.git/lib/cloud"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/sirupsen/logrus"
)

// Op names a StubWorker primitive, for fault injection.
type Op string

const (
	OpNodeIP  Op = "NodeIP"
	OpSetEnv  Op = "SetEnv"
	OpExecute Op = "Execute"
	OpKill    Op = "Kill"
)

// An ExecFunc handles a StubWorker's Execute calls.
type ExecFunc func(ctx context.Context, wkr *StubWorker, call gangrun.Call) (json.RawMessage, error)

// A StubProvisioner implements cloud.Provisioner with in-memory
// workers whose Execute calls are passed to Exec.
//
// Workers are assigned to Nodes round-robin in creation order, and
// their IDs sort in creation order.
type StubProvisioner struct {
	Nodes []string
	Exec  ExecFunc

	// If not nil, called before the n-th (zero-based) Create
	// call; a non-nil return value is returned by Create.
	CreateErr func(n int) error

	// If not nil, called before every worker primitive; a non-nil
	// return value is returned by the primitive.
	Fail func(wkr *StubWorker, op Op) error

	// Time each Create call takes.
	CreateDelay time.Duration

	mtx     sync.Mutex
	creates int
	workers []*StubWorker
	stopped bool
}

// Driver returns a cloud.Driver that always returns sp.
func (sp *StubProvisioner) Driver() cloud.Driver {
	return cloud.DriverFunc(func(gangrun.Config, logrus.FieldLogger) (cloud.Provisioner, error) {
		return sp, nil
	})
}

func (sp *StubProvisioner) Create(ctx context.Context, spec gangrun.ResourceSpec) (cloud.Worker, error) {
	sp.mtx.Lock()
	if sp.stopped {
		sp.mtx.Unlock()
		return nil, errors.New("StubProvisioner: Create called after Stop")
	}
	n := sp.creates
	sp.creates++
	var err error
	if sp.CreateErr != nil {
		err = sp.CreateErr(n)
	}
	var wkr *StubWorker
	if err == nil {
		node := "127.0.0.1"
		if len(sp.Nodes) > 0 {
			node = sp.Nodes[n%len(sp.Nodes)]
		}
		wkr = &StubWorker{
			prov:  sp,
			id:    cloud.WorkerID(fmt.Sprintf("stub-%04d", n)),
			index: n,
			node:  node,
			spec:  spec,
			env:   map[string]string{},
		}
		sp.workers = append(sp.workers, wkr)
	}
	sp.mtx.Unlock()
	if sp.CreateDelay > 0 {
		time.Sleep(sp.CreateDelay)
	}
	if err != nil {
		return nil, err
	}
	return wkr, nil
}

func (sp *StubProvisioner) Stop() {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	sp.stopped = true
}

// Creates returns the number of Create calls so far.
func (sp *StubProvisioner) Creates() int {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	return sp.creates
}

// Workers returns every worker created so far, including killed
// ones, in creation order.
func (sp *StubProvisioner) Workers() []*StubWorker {
	sp.mtx.Lock()
	defer sp.mtx.Unlock()
	return append([]*StubWorker(nil), sp.workers...)
}

// Live returns the workers that have not been killed.
func (sp *StubProvisioner) Live() []*StubWorker {
	var live []*StubWorker
	for _, wkr := range sp.Workers() {
		if !wkr.Killed() {
			live = append(live, wkr)
		}
	}
	return live
}

// StubWorker is an in-memory cloud.Worker.
type StubWorker struct {
	prov  *StubProvisioner
	id    cloud.WorkerID
	index int
	node  string
	spec  gangrun.ResourceSpec

	mtx    sync.Mutex
	env    map[string]string
	calls  []gangrun.Call
	killed bool
}

func (wkr *StubWorker) ID() cloud.WorkerID { return wkr.id }

func (wkr *StubWorker) String() string { return fmt.Sprintf("%s@%s", wkr.id, wkr.node) }

// Index returns the worker's position in creation order.
func (wkr *StubWorker) Index() int { return wkr.index }

// Spec returns the reservation the worker was created with.
func (wkr *StubWorker) Spec() gangrun.ResourceSpec { return wkr.spec }

func (wkr *StubWorker) check(op Op) error {
	wkr.mtx.Lock()
	killed := wkr.killed
	wkr.mtx.Unlock()
	if killed {
		return cloud.ErrWorkerGone
	}
	if wkr.prov.Fail != nil {
		return wkr.prov.Fail(wkr, op)
	}
	return nil
}

func (wkr *StubWorker) SetEnv(ctx context.Context, vars map[string]string) error {
	if err := wkr.check(OpSetEnv); err != nil {
		return err
	}
	wkr.mtx.Lock()
	defer wkr.mtx.Unlock()
	for k, v := range vars {
		wkr.env[k] = v
	}
	return nil
}

func (wkr *StubWorker) NodeIP(ctx context.Context) (string, error) {
	if err := wkr.check(OpNodeIP); err != nil {
		return "", err
	}
	return wkr.node, nil
}

func (wkr *StubWorker) Execute(ctx context.Context, call gangrun.Call) (json.RawMessage, error) {
	if err := wkr.check(OpExecute); err != nil {
		return nil, err
	}
	wkr.mtx.Lock()
	wkr.calls = append(wkr.calls, call)
	wkr.mtx.Unlock()
	if wkr.prov.Exec == nil {
		return json.RawMessage("null"), nil
	}
	return wkr.prov.Exec(ctx, wkr, call)
}

// Kill marks the worker dead. Subsequent calls return
// cloud.ErrWorkerGone, even if Kill itself was made to fail.
func (wkr *StubWorker) Kill() error {
	err := wkr.check(OpKill)
	if errors.Is(err, cloud.ErrWorkerGone) {
		return err
	}
	wkr.mtx.Lock()
	wkr.killed = true
	wkr.mtx.Unlock()
	return err
}

// Env returns a copy of the variables set so far.
func (wkr *StubWorker) Env() map[string]string {
	wkr.mtx.Lock()
	defer wkr.mtx.Unlock()
	env := map[string]string{}
	for k, v := range wkr.env {
		env[k] = v
	}
	return env
}

// Calls returns the Execute calls received so far.
func (wkr *StubWorker) Calls() []gangrun.Call {
	wkr.mtx.Lock()
	defer wkr.mtx.Unlock()
	return append([]gangrun.Call(nil), wkr.calls...)
}

// CallCount returns the number of Execute calls for fn.
func (wkr *StubWorker) CallCount(fn string) int {
	n := 0
	for _, call := range wkr.Calls() {
		if call.Func == fn {
			n++
		}
	}
	return n
}

func (wkr *StubWorker) Killed() bool {
	wkr.mtx.Lock()
	defer wkr.mtx.Unlock()
	return wkr.killed
}
