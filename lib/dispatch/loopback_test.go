// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"git.arvados.org/gangrun.git/lib/agent"
	"git.arvados.org/gangrun.git/sdk/go/ctxlog"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

// counterModel's state is a decimal integer.
type counterModel struct {
	N int
}

func (m *counterModel) EncodeState() ([]byte, error) { return []byte(strconv.Itoa(m.N)), nil }
func (m *counterModel) DecodeState(buf []byte) (err error) {
	m.N, err = strconv.Atoi(string(buf))
	return
}

func init() {
	agent.RegisterProgram(agent.Program{
		Name:     "dispatch-test.count",
		NewModel: func() gangrun.Model { return &counterModel{} },
		Run: func(ctx context.Context, wc *agent.WorkerContext, model gangrun.Model) (agent.Outcome, error) {
			m := model.(*counterModel)
			for step := 0; step < 4; step++ {
				m.N++
				if err := wc.Report(ctx, map[string]float64{"step": float64(step), "node": float64(wc.NodeRank)}); err != nil {
					return agent.Outcome{}, err
				}
			}
			m.N += wc.WorldSize
			return agent.Outcome{
				Result:  map[string]int{"rank": wc.GlobalRank, "local": wc.LocalRank, "node": wc.NodeRank},
				Metrics: map[string]float64{"final": float64(m.N)},
			}, nil
		},
	})
	agent.RegisterProgram(agent.Program{
		Name:     "dispatch-test.fail-rank-1",
		NewModel: func() gangrun.Model { return &counterModel{} },
		Run: func(ctx context.Context, wc *agent.WorkerContext, model gangrun.Model) (agent.Outcome, error) {
			if wc.GlobalRank == 1 {
				return agent.Outcome{}, errors.New("rank 1 gave up")
			}
			return agent.Outcome{}, nil
		},
	})
}

var _ = check.Suite(&LoopbackSuite{})

// LoopbackSuite runs whole stages on in-process workers joined by a
// real TCP communication group.
type LoopbackSuite struct {
	ctx context.Context
	cfg gangrun.Config
}

func (s *LoopbackSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.cfg = gangrun.Config{
		NumWorkers:    3,
		CPUsPerWorker: 1,
		Backend:       "tcp",
		Seed:          1,
		Driver:        "loopback",
		Loopback: gangrun.LoopbackConfig{
			Nodes:       []string{"127.0.0.1", "127.0.0.2"},
			CPUsPerNode: 2,
		},
		ObjectStore:       "mem:dispatch-loopback-" + uuid.NewString(),
		ProgressQueue:     "mem:",
		SnapshotCacheSize: 4,
		PollInterval:      gangrun.Duration(20 * time.Millisecond),
		GroupTimeout:      gangrun.Duration(10 * time.Second),
	}
}

func (s *LoopbackSuite) TestFit(c *check.C) {
	co, err := New(s.ctx, s.cfg, prometheus.NewRegistry())
	c.Assert(err, check.IsNil)
	defer co.Close()
	model := &counterModel{N: 10}
	col := &collector{}
	res, err := co.Fit(s.ctx, "dispatch-test.count", model, col)
	c.Assert(err, check.IsNil)
	c.Check(model.N, check.Equals, 10+4+3)
	c.Check(res.Metrics["final"], check.Equals, 17.0)
	var result map[string]int
	c.Assert(json.Unmarshal(res.Result, &result), check.IsNil)
	c.Check(result, check.DeepEquals, map[string]int{"rank": 0, "local": 0, "node": 0})
	c.Check(res.Assignment, check.DeepEquals, []gangrun.Placement{
		{LocalRank: 0, NodeRank: 0},
		{LocalRank: 1, NodeRank: 0},
		{LocalRank: 0, NodeRank: 1},
	})
	c.Check(res.Endpoint.Addr, check.Equals, "127.0.0.1")
	c.Check(col.received(), check.HasLen, 12)
	c.Check(co.pool.Workers(), check.HasLen, 0)
}

func (s *LoopbackSuite) TestRepeatedStages(c *check.C) {
	s.cfg.NumWorkers = 2
	co, err := New(s.ctx, s.cfg, prometheus.NewRegistry())
	c.Assert(err, check.IsNil)
	defer co.Close()
	model := &counterModel{}
	for i := 1; i <= 3; i++ {
		_, err = co.Evaluate(s.ctx, "dispatch-test.count", model)
		c.Assert(err, check.IsNil)
		c.Check(model.N, check.Equals, i*(4+2))
	}
}

func (s *LoopbackSuite) TestRemoteFailure(c *check.C) {
	co, err := New(s.ctx, s.cfg, prometheus.NewRegistry())
	c.Assert(err, check.IsNil)
	defer co.Close()
	_, err = co.Fit(s.ctx, "dispatch-test.fail-rank-1", &counterModel{}, nil)
	var rerr *gangrun.RemoteExecutionError
	c.Assert(errors.As(err, &rerr), check.Equals, true, check.Commentf("%v", err))
	c.Check(rerr.Ranks(), check.DeepEquals, []int{1})
	c.Check(err, check.ErrorMatches, `.*rank 1 gave up.*`)

	// Capacity is released, so the next stage can run.
	_, err = co.Fit(s.ctx, "dispatch-test.count", &counterModel{}, nil)
	c.Check(err, check.IsNil)
}

func (s *LoopbackSuite) TestNotEnoughCapacity(c *check.C) {
	s.cfg.NumWorkers = 5
	co, err := New(s.ctx, s.cfg, prometheus.NewRegistry())
	c.Assert(err, check.IsNil)
	defer co.Close()
	_, err = co.Fit(s.ctx, "dispatch-test.count", &counterModel{}, nil)
	var perr *gangrun.ProvisioningError
	c.Assert(errors.As(err, &perr), check.Equals, true, check.Commentf("%v", err))
	c.Check(perr.Requested, check.Equals, 5)
	c.Check(co.Transitions()[len(co.Transitions())-1], check.Equals, StateTornDown)
}
