// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gangrun

import (
	"encoding/json"
	"fmt"
)

// Names of the functions every worker agent provides.
const (
	FuncFreePort = "gangrun.free-port"
	FuncRun      = "gangrun.run"
	FuncShutdown = "gangrun.shutdown"
)

// A Call asks a worker to run the function registered under Func.
// Args is the function's JSON-encoded argument, or empty.
type Call struct {
	Func string          `json:"func"`
	Args json.RawMessage `json:"args,omitempty"`
}

// NewCall returns a Call with args encoded as JSON.
func NewCall(fn string, args interface{}) (Call, error) {
	call := Call{Func: fn}
	if args == nil {
		return call, nil
	}
	buf, err := json.Marshal(args)
	if err != nil {
		return call, fmt.Errorf("encoding args for %s: %w", fn, err)
	}
	call.Args = buf
	return call, nil
}

// Mode is the kind of stage a run executes.
type Mode string

const (
	ModeFit      Mode = "fit"
	ModeEvaluate Mode = "evaluate"
	ModePredict  Mode = "predict"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeFit, ModeEvaluate, ModePredict:
		return true
	}
	return false
}

// Placement is a worker's position relative to its node: its index
// among the workers on the same node, and the node's index among all
// participating nodes.
type Placement struct {
	LocalRank int `json:"local_rank"`
	NodeRank  int `json:"node_rank"`
}

// ObjectRef points to a blob staged in an object store.
type ObjectRef struct {
	Store string `json:"store"`
	Key   string `json:"key"`
}

// ExecutionEnvelope is the argument of FuncRun. One is built for
// every worker; all of them share the same Snapshot reference.
type ExecutionEnvelope struct {
	RunID      string      `json:"run_id"`
	Program    string      `json:"program"`
	Mode       Mode        `json:"mode"`
	Snapshot   ObjectRef   `json:"snapshot"`
	GlobalRank int         `json:"global_rank"`
	WorldSize  int         `json:"world_size"`
	Assignment []Placement `json:"assignment"`
	UseGPU     bool        `json:"use_gpu"`

	// Locator of the progress queue, or empty if no observer is
	// attached to this run.
	Progress string `json:"progress,omitempty"`
}

// Placement returns the receiving worker's own placement.
func (env ExecutionEnvelope) Placement() (Placement, error) {
	if env.GlobalRank < 0 || env.GlobalRank >= len(env.Assignment) {
		return Placement{}, fmt.Errorf("global rank %d outside assignment of %d workers", env.GlobalRank, len(env.Assignment))
	}
	return env.Assignment[env.GlobalRank], nil
}

// ResultEnvelope is returned by the rank 0 worker at the end of a
// run. All other ranks return nothing (JSON null).
type ResultEnvelope struct {
	Result         json.RawMessage    `json:"result"`
	CheckpointPath *string            `json:"checkpoint_path"`
	State          []byte             `json:"state"`
	Metrics        map[string]float64 `json:"metrics"`
}
