// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"git.arvados.org/gangrun.git/sdk/go/gangrun"
)

// FreePortExec returns an ExecFunc that answers the free-port call
// with the given port, passes FuncRun calls to run, and returns null
// for everything else.
func FreePortExec(port int, run ExecFunc) ExecFunc {
	return func(ctx context.Context, wkr *StubWorker, call gangrun.Call) (json.RawMessage, error) {
		switch call.Func {
		case gangrun.FuncFreePort:
			return json.RawMessage(fmt.Sprintf(`{"port":%d}`, port)), nil
		case gangrun.FuncRun:
			if run != nil {
				return run(ctx, wkr, call)
			}
		}
		return json.RawMessage("null"), nil
	}
}

// DecodeEnvelope decodes the ExecutionEnvelope of a FuncRun call.
func DecodeEnvelope(call gangrun.Call) (gangrun.ExecutionEnvelope, error) {
	var env gangrun.ExecutionEnvelope
	err := json.Unmarshal(call.Args, &env)
	return env, err
}

// LeaderResult returns an ExecFunc for FuncRun calls that makes rank
// 0 return an envelope whose result is its own rank, and every other
// rank return null.
func LeaderResult(state []byte) ExecFunc {
	return func(ctx context.Context, wkr *StubWorker, call gangrun.Call) (json.RawMessage, error) {
		env, err := DecodeEnvelope(call)
		if err != nil {
			return nil, err
		}
		if env.GlobalRank != 0 {
			return json.RawMessage("null"), nil
		}
		return json.Marshal(gangrun.ResultEnvelope{
			Result:  json.RawMessage(fmt.Sprintf("%d", env.GlobalRank)),
			State:   state,
			Metrics: map[string]float64{"workers": float64(env.WorldSize)},
		})
	}
}

// Slow wraps an ExecFunc so each call takes at least d.
func Slow(d time.Duration, fn ExecFunc) ExecFunc {
	return func(ctx context.Context, wkr *StubWorker, call gangrun.Call) (json.RawMessage, error) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return fn(ctx, wkr, call)
	}
}
