// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package rendezvous chooses the endpoint where a run's workers form
// their communication group, and delivers it to every worker.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"git.arvados.org/gangrun.git/lib/cloud"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/sirupsen/logrus"
)

// Names of the variables broadcast to every worker.
const (
	VarSeed    = "GANGRUN_GLOBAL_SEED"
	VarBackend = "GANGRUN_DISTRIBUTED_BACKEND"
	VarAddr    = "GANGRUN_MASTER_ADDR"
	VarPort    = "GANGRUN_MASTER_PORT"
)

// Endpoint is the address and port of the rank 0 worker's group
// listener.
type Endpoint struct {
	Addr string
	Port int
}

func (ep Endpoint) String() string {
	return net.JoinHostPort(ep.Addr, strconv.Itoa(ep.Port))
}

// Env is the shared state every worker receives before joining the
// group.
type Env struct {
	Seed    int64
	Backend string
	Endpoint
}

// Vars returns env as worker environment variables.
func (env Env) Vars() map[string]string {
	return map[string]string{
		VarSeed:    strconv.FormatInt(env.Seed, 10),
		VarBackend: env.Backend,
		VarAddr:    env.Addr,
		VarPort:    strconv.Itoa(env.Port),
	}
}

// ParseEnv reads an Env back from worker environment variables. It
// fails if any variable is missing or malformed.
func ParseEnv(vars map[string]string) (Env, error) {
	var env Env
	for _, k := range []string{VarSeed, VarBackend, VarAddr, VarPort} {
		if vars[k] == "" {
			return env, fmt.Errorf("%s is not set", k)
		}
	}
	seed, err := strconv.ParseInt(vars[VarSeed], 10, 64)
	if err != nil {
		return env, fmt.Errorf("%s: %w", VarSeed, err)
	}
	port, err := strconv.Atoi(vars[VarPort])
	if err != nil {
		return env, fmt.Errorf("%s: %w", VarPort, err)
	}
	if port < 1 || port > 65535 {
		return env, fmt.Errorf("%s: port %d out of range", VarPort, port)
	}
	env.Seed = seed
	env.Backend = vars[VarBackend]
	env.Addr = vars[VarAddr]
	env.Port = port
	return env, nil
}

// FreePortResult is the result of the FuncFreePort call.
type FreePortResult struct {
	Port int `json:"port"`
}

// FreePort binds an ephemeral TCP port, closes it, and returns its
// number. Workers run this on their own host so the port is known to
// be free where the group listener will be opened.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// A Coordinator establishes the group endpoint for a run.
type Coordinator struct {
	Seed    int64
	Backend string
	Logger  logrus.FieldLogger
}

// Establish asks the rank 0 worker for its address and a free port,
// then sends the resulting Env to every worker. It returns only after
// every worker has acknowledged. If the leader cannot be reached, no
// worker receives anything.
func (co Coordinator) Establish(ctx context.Context, workers []cloud.Worker) (Env, error) {
	if len(workers) == 0 {
		return Env{}, &gangrun.RendezvousError{Step: "leader selection", Err: errors.New("no workers")}
	}
	logger := co.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	leader := workers[0]
	logger = logger.WithField("Leader", leader.String())

	addr, err := leader.NodeIP(ctx)
	if err != nil {
		return Env{}, &gangrun.RendezvousError{Step: "leader address lookup", Err: err}
	}
	if addr == "" {
		return Env{}, &gangrun.RendezvousError{Step: "leader address lookup", Err: errors.New("leader reported an empty address")}
	}
	port, err := co.freePort(ctx, leader)
	if err != nil {
		return Env{}, &gangrun.RendezvousError{Step: "port allocation", Err: err}
	}
	env := Env{
		Seed:     co.Seed,
		Backend:  co.Backend,
		Endpoint: Endpoint{Addr: addr, Port: port},
	}
	logger.WithField("Endpoint", env.Endpoint.String()).Info("rendezvous endpoint selected")

	vars := env.Vars()
	errs := make([]error, len(workers))
	var wg sync.WaitGroup
	for i, wkr := range workers {
		i, wkr := i, wkr
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wkr.SetEnv(ctx, vars); err != nil {
				errs[i] = fmt.Errorf("rank %d (%s): %w", i, wkr, err)
			}
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return Env{}, &gangrun.RendezvousError{Step: "environment broadcast", Err: err}
	}
	logger.WithField("Workers", len(workers)).Debug("rendezvous environment acknowledged by all workers")
	return env, nil
}

func (co Coordinator) freePort(ctx context.Context, leader cloud.Worker) (int, error) {
	call, err := gangrun.NewCall(gangrun.FuncFreePort, nil)
	if err != nil {
		return 0, err
	}
	buf, err := leader.Execute(ctx, call)
	if err != nil {
		return 0, err
	}
	var res FreePortResult
	if err := json.Unmarshal(buf, &res); err != nil {
		return 0, fmt.Errorf("decoding %s result: %w", gangrun.FuncFreePort, err)
	}
	if res.Port < 1 || res.Port > 65535 {
		return 0, fmt.Errorf("leader reported invalid port %d", res.Port)
	}
	return res.Port, nil
}
