// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/gangrun.git/lib/dispatch/test"
	"git.arvados.org/gangrun.git/lib/objstore"
	"git.arvados.org/gangrun.git/lib/progress"
	"git.arvados.org/gangrun.git/lib/rendezvous"
	"git.arvados.org/gangrun.git/sdk/go/ctxlog"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CoordinatorSuite{})

type stubModel struct {
	State     []byte
	decodeErr error
	decoded   int
}

func (m *stubModel) EncodeState() ([]byte, error) { return m.State, nil }
func (m *stubModel) DecodeState(buf []byte) error {
	if m.decodeErr != nil {
		return m.decodeErr
	}
	m.decoded++
	m.State = buf
	return nil
}

type collector struct {
	mtx  sync.Mutex
	msgs []progress.Message
	err  error
}

func (col *collector) Observe(ctx context.Context, msgs []progress.Message) error {
	col.mtx.Lock()
	defer col.mtx.Unlock()
	col.msgs = append(col.msgs, msgs...)
	return col.err
}

func (col *collector) received() []progress.Message {
	col.mtx.Lock()
	defer col.mtx.Unlock()
	return append([]progress.Message(nil), col.msgs...)
}

type CoordinatorSuite struct {
	ctx   context.Context
	cfg   gangrun.Config
	reg   *prometheus.Registry
	stub  *test.StubProvisioner
	store objstore.Store
}

func (s *CoordinatorSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.cfg = gangrun.Config{
		NumWorkers:    3,
		CPUsPerWorker: 1,
		Backend:       "tcp",
		Seed:          42,
		Driver:        "stub",
		ObjectStore:   "mem:dispatch-test-" + uuid.NewString(),
		ProgressQueue: "mem:",
		PollInterval:  gangrun.Duration(10 * time.Millisecond),
	}
	s.reg = prometheus.NewRegistry()
	s.stub = &test.StubProvisioner{
		Nodes: []string{"127.0.0.1", "127.0.0.1", "127.0.0.2"},
		Exec:  test.FreePortExec(34567, test.LeaderResult([]byte("trained"))),
	}
	var err error
	s.store, err = objstore.Open(s.ctx, s.cfg.ObjectStore, gangrun.S3Config{})
	c.Assert(err, check.IsNil)
}

func (s *CoordinatorSuite) coordinator(c *check.C) *Coordinator {
	co, err := NewWithProvisioner(s.ctx, s.cfg, s.reg, s.stub)
	c.Assert(err, check.IsNil)
	return co
}

// checkTornDown checks that every worker was shut down and killed
// exactly once.
func (s *CoordinatorSuite) checkTornDown(c *check.C, co *Coordinator) {
	c.Check(s.stub.Live(), check.HasLen, 0)
	for _, wkr := range s.stub.Workers() {
		c.Check(wkr.CallCount(gangrun.FuncShutdown), check.Equals, 1, check.Commentf("%s", wkr))
	}
	c.Check(co.pool.Workers(), check.HasLen, 0)
	trans := co.Transitions()
	c.Check(trans[len(trans)-1], check.Equals, StateTornDown)
	n := 0
	for _, st := range trans {
		if st == StateTornDown {
			n++
		}
	}
	c.Check(n, check.Equals, 1)
}

func (s *CoordinatorSuite) TestFit(c *check.C) {
	co := s.coordinator(c)
	model := &stubModel{State: []byte("initial")}
	res, err := co.Fit(s.ctx, "dispatch-test.any", model, nil)
	c.Assert(err, check.IsNil)
	c.Check(string(res.Result), check.Equals, "0")
	c.Check(string(model.State), check.Equals, "trained")
	c.Check(model.decoded, check.Equals, 1)
	c.Check(res.Assignment, check.DeepEquals, []gangrun.Placement{
		{LocalRank: 0, NodeRank: 0},
		{LocalRank: 1, NodeRank: 0},
		{LocalRank: 0, NodeRank: 1},
	})
	c.Check(res.Endpoint, check.Equals, rendezvous.Endpoint{Addr: "127.0.0.1", Port: 34567})
	c.Check(res.Metrics, check.DeepEquals, map[string]float64{"workers": 3})
	c.Check(co.Metrics()["workers"], check.Equals, 3.0)
	c.Check(res.CheckpointPath, check.IsNil)

	workers := s.stub.Workers()
	c.Assert(workers, check.HasLen, 3)
	for rank, wkr := range workers {
		c.Check(wkr.Env(), check.DeepEquals, map[string]string{
			rendezvous.VarSeed:    "42",
			rendezvous.VarBackend: "tcp",
			rendezvous.VarAddr:    "127.0.0.1",
			rendezvous.VarPort:    "34567",
		})
		c.Check(wkr.CallCount(gangrun.FuncRun), check.Equals, 1)
		for _, call := range wkr.Calls() {
			if call.Func != gangrun.FuncRun {
				continue
			}
			env, err := test.DecodeEnvelope(call)
			c.Assert(err, check.IsNil)
			c.Check(env.GlobalRank, check.Equals, rank)
			c.Check(env.WorldSize, check.Equals, 3)
			c.Check(env.RunID, check.Equals, res.RunID)
			c.Check(env.Snapshot.Store, check.Equals, s.store.URL())
			c.Check(env.Progress, check.Equals, "")
		}
	}
	// Only the leader is asked for a free port.
	c.Check(workers[0].CallCount(gangrun.FuncFreePort), check.Equals, 1)
	c.Check(workers[1].CallCount(gangrun.FuncFreePort), check.Equals, 0)

	c.Check(co.Transitions(), check.DeepEquals, []State{
		StateIdle, StateRendezvous, StateDispatched, StateCollecting, StateRestoring, StateTornDown,
	})
	s.checkTornDown(c, co)
}

func (s *CoordinatorSuite) TestSnapshotByReference(c *check.C) {
	var seen sync.Map
	s.stub.Exec = test.FreePortExec(34567, func(ctx context.Context, wkr *test.StubWorker, call gangrun.Call) (json.RawMessage, error) {
		env, err := test.DecodeEnvelope(call)
		if err != nil {
			return nil, err
		}
		st, err := objstore.Open(ctx, env.Snapshot.Store, gangrun.S3Config{})
		if err != nil {
			return nil, err
		}
		buf, err := st.Get(ctx, env.Snapshot.Key)
		if err != nil {
			return nil, err
		}
		seen.Store(env.GlobalRank, env.Snapshot.Key+"="+string(buf))
		return test.LeaderResult(buf)(ctx, wkr, call)
	})
	co := s.coordinator(c)
	res, err := co.Evaluate(s.ctx, "dispatch-test.any", &stubModel{State: []byte("weights")})
	c.Assert(err, check.IsNil)
	for rank := 0; rank < 3; rank++ {
		v, ok := seen.Load(rank)
		c.Check(ok, check.Equals, true)
		c.Check(v, check.Equals, "snapshots/"+res.RunID+"=weights")
	}
	_, err = s.store.Get(s.ctx, "snapshots/"+res.RunID)
	c.Check(errors.Is(err, objstore.ErrNotFound), check.Equals, true)
}

func (s *CoordinatorSuite) TestSingleWorker(c *check.C) {
	s.cfg.NumWorkers = 1
	co := s.coordinator(c)
	model := &stubModel{}
	res, err := co.Predict(s.ctx, "dispatch-test.any", model)
	c.Assert(err, check.IsNil)
	c.Check(string(res.Result), check.Equals, "0")
	c.Check(res.Assignment, check.DeepEquals, []gangrun.Placement{{}})
	c.Check(string(model.State), check.Equals, "trained")
	c.Check(s.stub.Workers()[0].Env()[rendezvous.VarAddr], check.Equals, "127.0.0.1")
	s.checkTornDown(c, co)
}

func (s *CoordinatorSuite) TestNoEnvelope(c *check.C) {
	s.stub.Exec = test.FreePortExec(34567, nil)
	co := s.coordinator(c)
	model := &stubModel{State: []byte("initial")}
	_, err := co.Fit(s.ctx, "dispatch-test.any", model, nil)
	var pv *gangrun.ProtocolViolation
	c.Assert(errors.As(err, &pv), check.Equals, true, check.Commentf("%v", err))
	c.Check(pv.Reason, check.Matches, `no worker returned a result envelope`)
	c.Check(string(model.State), check.Equals, "initial")
	c.Check(model.decoded, check.Equals, 0)
	s.checkTornDown(c, co)
}

func (s *CoordinatorSuite) TestTwoEnvelopes(c *check.C) {
	s.stub.Exec = test.FreePortExec(34567, func(ctx context.Context, wkr *test.StubWorker, call gangrun.Call) (json.RawMessage, error) {
		env, _ := test.DecodeEnvelope(call)
		if env.GlobalRank == 2 {
			return json.RawMessage("null"), nil
		}
		return json.Marshal(gangrun.ResultEnvelope{State: []byte("x")})
	})
	co := s.coordinator(c)
	model := &stubModel{}
	_, err := co.Fit(s.ctx, "dispatch-test.any", model, nil)
	var pv *gangrun.ProtocolViolation
	c.Assert(errors.As(err, &pv), check.Equals, true, check.Commentf("%v", err))
	c.Check(pv.Reason, check.Matches, `2 workers returned result envelopes \(ranks \[0 1\]\).*`)
	c.Check(model.decoded, check.Equals, 0)
	s.checkTornDown(c, co)
}

func (s *CoordinatorSuite) TestEnvelopeFromWrongRank(c *check.C) {
	s.stub.Exec = test.FreePortExec(34567, func(ctx context.Context, wkr *test.StubWorker, call gangrun.Call) (json.RawMessage, error) {
		env, _ := test.DecodeEnvelope(call)
		if env.GlobalRank != 1 {
			return json.RawMessage("null"), nil
		}
		return json.Marshal(gangrun.ResultEnvelope{State: []byte("x")})
	})
	co := s.coordinator(c)
	_, err := co.Fit(s.ctx, "dispatch-test.any", &stubModel{}, nil)
	var pv *gangrun.ProtocolViolation
	c.Assert(errors.As(err, &pv), check.Equals, true, check.Commentf("%v", err))
	c.Check(pv.Reason, check.Matches, `result envelope came from rank 1, not rank 0`)
	s.checkTornDown(c, co)
}

func (s *CoordinatorSuite) TestUndecodableResult(c *check.C) {
	s.stub.Exec = test.FreePortExec(34567, func(ctx context.Context, wkr *test.StubWorker, call gangrun.Call) (json.RawMessage, error) {
		return json.RawMessage(`"not an envelope"`), nil
	})
	co := s.coordinator(c)
	_, err := co.Fit(s.ctx, "dispatch-test.any", &stubModel{}, nil)
	var pv *gangrun.ProtocolViolation
	c.Assert(errors.As(err, &pv), check.Equals, true, check.Commentf("%v", err))
	c.Check(pv.Reason, check.Matches, `rank 0 returned an undecodable result.*`)
	s.checkTornDown(c, co)
}

func (s *CoordinatorSuite) TestRemoteExecutionError(c *check.C) {
	s.stub.Exec = test.FreePortExec(34567, func(ctx context.Context, wkr *test.StubWorker, call gangrun.Call) (json.RawMessage, error) {
		if wkr.Index() == 1 {
			return nil, errors.New("loss is NaN")
		}
		return test.LeaderResult(nil)(ctx, wkr, call)
	})
	co := s.coordinator(c)
	_, err := co.Fit(s.ctx, "dispatch-test.any", &stubModel{}, nil)
	var rerr *gangrun.RemoteExecutionError
	c.Assert(errors.As(err, &rerr), check.Equals, true, check.Commentf("%v", err))
	c.Check(rerr.Ranks(), check.DeepEquals, []int{1})
	c.Check(err, check.ErrorMatches, `.*rank 1: loss is NaN.*`)
	trans := co.Transitions()
	c.Check(trans[len(trans)-2], check.Equals, StateCollecting)
	s.checkTornDown(c, co)
}

func (s *CoordinatorSuite) TestFailureCancelsOtherRanks(c *check.C) {
	s.stub.Exec = test.FreePortExec(34567, func(ctx context.Context, wkr *test.StubWorker, call gangrun.Call) (json.RawMessage, error) {
		if wkr.Index() == 1 {
			return nil, errors.New("out of memory")
		}
		// Other ranks wait for a peer that will never arrive.
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()
	co := s.coordinator(c)
	t0 := time.Now()
	_, err := co.Fit(ctx, "dispatch-test.any", &stubModel{}, nil)
	c.Check(time.Since(t0) < 10*time.Second, check.Equals, true, check.Commentf("took %v", time.Since(t0)))
	c.Check(ctx.Err(), check.IsNil)
	var rerr *gangrun.RemoteExecutionError
	c.Assert(errors.As(err, &rerr), check.Equals, true, check.Commentf("%v", err))
	c.Check(rerr.Ranks(), check.DeepEquals, []int{1})
	c.Check(err, check.ErrorMatches, `.*rank 1: out of memory.*`)
	s.checkTornDown(c, co)
}

// flakyQueue returns each scripted batch in turn, then nothing.
type flakyQueue struct {
	progress.Queue
	batches []flakyBatch
}

type flakyBatch struct {
	msgs []progress.Message
	err  error
}

func (q *flakyQueue) Drain(ctx context.Context, timeout time.Duration) ([]progress.Message, error) {
	if len(q.batches) == 0 {
		return nil, nil
	}
	b := q.batches[0]
	q.batches = q.batches[1:]
	return b.msgs, b.err
}

func (s *CoordinatorSuite) TestDrainForwardsPartialBatch(c *check.C) {
	co := s.coordinator(c)
	defer co.Close()
	stopped := make(chan struct{})
	close(stopped)
	queue := &flakyQueue{batches: []flakyBatch{
		{msgs: []progress.Message{{Rank: 0}, {Rank: 1}}, err: errors.New("connection reset")},
	}}
	col := &collector{}
	n := co.drain(s.ctx, queue, col, stopped, ctxlog.TestLogger(c))
	c.Check(n, check.Equals, 2)
	c.Check(col.received(), check.HasLen, 2)

	queue = &flakyQueue{batches: []flakyBatch{
		{msgs: []progress.Message{{Rank: 2}}},
		{msgs: []progress.Message{{Rank: 0}}},
	}}
	col = &collector{}
	n = co.drain(s.ctx, queue, col, stopped, ctxlog.TestLogger(c))
	c.Check(n, check.Equals, 2)
	c.Check(col.received(), check.HasLen, 2)
}

func (s *CoordinatorSuite) TestDecodeStateError(c *check.C) {
	co := s.coordinator(c)
	_, err := co.Fit(s.ctx, "dispatch-test.any", &stubModel{decodeErr: errors.New("bad blob")}, nil)
	c.Check(err, check.ErrorMatches, `restoring model state: bad blob`)
	c.Check(co.CheckpointPath(), check.IsNil)
	s.checkTornDown(c, co)
}

func (s *CoordinatorSuite) TestProvisioningFailure(c *check.C) {
	s.stub.CreateErr = func(n int) error {
		if n == 2 {
			return errors.New("out of nodes")
		}
		return nil
	}
	co := s.coordinator(c)
	_, err := co.Fit(s.ctx, "dispatch-test.any", &stubModel{}, nil)
	var perr *gangrun.ProvisioningError
	c.Assert(errors.As(err, &perr), check.Equals, true, check.Commentf("%v", err))
	c.Check(perr.Requested, check.Equals, 3)
	c.Check(s.stub.Live(), check.HasLen, 0)
	for _, wkr := range s.stub.Workers() {
		c.Check(wkr.CallCount(gangrun.FuncRun), check.Equals, 0)
	}
	c.Check(co.Transitions(), check.DeepEquals, []State{StateIdle, StateRendezvous, StateTornDown})
}

func (s *CoordinatorSuite) TestNodeIPFailure(c *check.C) {
	s.stub.Fail = func(wkr *test.StubWorker, op test.Op) error {
		if op == test.OpNodeIP && wkr.Index() == 2 {
			return errors.New("no route to host")
		}
		return nil
	}
	co := s.coordinator(c)
	_, err := co.Fit(s.ctx, "dispatch-test.any", &stubModel{}, nil)
	var rerr *gangrun.RendezvousError
	c.Assert(errors.As(err, &rerr), check.Equals, true, check.Commentf("%v", err))
	c.Check(rerr.Step, check.Equals, "node identity lookup")
	c.Check(err, check.ErrorMatches, `(?s).*rank 2 \(stub-0002@127.0.0.2\): no route to host.*`)
	for _, wkr := range s.stub.Workers() {
		c.Check(wkr.Env(), check.HasLen, 0)
	}
	s.checkTornDown(c, co)
}

func (s *CoordinatorSuite) TestBroadcastFailure(c *check.C) {
	s.stub.Fail = func(wkr *test.StubWorker, op test.Op) error {
		if op == test.OpSetEnv && wkr.Index() == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	co := s.coordinator(c)
	_, err := co.Fit(s.ctx, "dispatch-test.any", &stubModel{}, nil)
	var rerr *gangrun.RendezvousError
	c.Assert(errors.As(err, &rerr), check.Equals, true, check.Commentf("%v", err))
	c.Check(rerr.Step, check.Equals, "environment broadcast")
	for _, wkr := range s.stub.Workers() {
		c.Check(wkr.CallCount(gangrun.FuncRun), check.Equals, 0)
	}
	s.checkTornDown(c, co)
}

func (s *CoordinatorSuite) TestProgress(c *check.C) {
	const perRank = 20
	s.stub.Exec = test.FreePortExec(34567, func(ctx context.Context, wkr *test.StubWorker, call gangrun.Call) (json.RawMessage, error) {
		env, err := test.DecodeEnvelope(call)
		if err != nil {
			return nil, err
		}
		if env.Progress == "" {
			return nil, errors.New("no progress queue")
		}
		q, err := progress.Open(ctx, env.Progress)
		if err != nil {
			return nil, err
		}
		p := progress.NewProducer(q, env.GlobalRank)
		defer p.Close()
		for i := 0; i < perRank; i++ {
			if err := p.Report(ctx, map[string]float64{"step": float64(i)}); err != nil {
				return nil, err
			}
			if i%5 == 0 {
				time.Sleep(5 * time.Millisecond)
			}
		}
		return test.LeaderResult(nil)(ctx, wkr, call)
	})
	col := &collector{err: errors.New("observers may fail without aborting the run")}
	co := s.coordinator(c)
	res, err := co.Fit(s.ctx, "dispatch-test.any", &stubModel{}, col)
	c.Assert(err, check.IsNil)
	msgs := col.received()
	c.Check(msgs, check.HasLen, 3*perRank)
	c.Check(res.ProgressMessages, check.Equals, 3*perRank)
	// Per-rank order is preserved.
	next := map[int]float64{}
	for _, msg := range msgs {
		c.Check(msg.Metrics["step"], check.Equals, next[msg.Rank])
		next[msg.Rank]++
	}
	c.Check(co.Transitions(), check.DeepEquals, []State{
		StateIdle, StateRendezvous, StateDispatched, StateDraining, StateCollecting, StateRestoring, StateTornDown,
	})
	s.checkTornDown(c, co)

	mfs, err := s.reg.Gather()
	c.Assert(err, check.IsNil)
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "gangrun_dispatch_progress_messages_total" {
			found = true
			c.Check(mf.GetMetric()[0].GetCounter().GetValue(), check.Equals, float64(3*perRank))
		}
	}
	c.Check(found, check.Equals, true)
}

func (s *CoordinatorSuite) TestNoProgressQueueOutsideFit(c *check.C) {
	co := s.coordinator(c)
	_, err := co.Run(s.ctx, Request{
		Program:  "dispatch-test.any",
		Mode:     gangrun.ModeEvaluate,
		Model:    &stubModel{},
		Observer: &collector{},
	})
	c.Assert(err, check.IsNil)
	for _, wkr := range s.stub.Workers() {
		for _, call := range wkr.Calls() {
			if call.Func == gangrun.FuncRun {
				env, err := test.DecodeEnvelope(call)
				c.Assert(err, check.IsNil)
				c.Check(env.Progress, check.Equals, "")
			}
		}
	}
}

func (s *CoordinatorSuite) TestRunInProgress(c *check.C) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	s.stub.Exec = test.FreePortExec(34567, func(ctx context.Context, wkr *test.StubWorker, call gangrun.Call) (json.RawMessage, error) {
		started <- struct{}{}
		<-release
		return test.LeaderResult(nil)(ctx, wkr, call)
	})
	co := s.coordinator(c)
	done := make(chan error, 1)
	go func() {
		_, err := co.Fit(s.ctx, "dispatch-test.any", &stubModel{}, nil)
		done <- err
	}()
	<-started
	c.Check(co.State(), check.Equals, StateDispatched)
	_, err := co.Fit(s.ctx, "dispatch-test.any", &stubModel{}, nil)
	c.Check(err, check.Equals, ErrRunInProgress)
	close(release)
	c.Check(<-done, check.IsNil)
	c.Check(s.stub.Creates(), check.Equals, 3)

	// The coordinator can run again once the first run is over.
	s.stub.Exec = test.FreePortExec(34567, test.LeaderResult(nil))
	_, err = co.Fit(s.ctx, "dispatch-test.any", &stubModel{}, nil)
	c.Check(err, check.IsNil)
	c.Check(s.stub.Creates(), check.Equals, 6)
}

func (s *CoordinatorSuite) TestCheckpointPath(c *check.C) {
	s.stub.Exec = test.FreePortExec(34567, func(ctx context.Context, wkr *test.StubWorker, call gangrun.Call) (json.RawMessage, error) {
		env, _ := test.DecodeEnvelope(call)
		if env.GlobalRank != 0 {
			return json.RawMessage("null"), nil
		}
		path := "mem:ckpt/epoch-3"
		return json.Marshal(gangrun.ResultEnvelope{Result: json.RawMessage(`0.25`), CheckpointPath: &path})
	})
	co := s.coordinator(c)
	res, err := co.Fit(s.ctx, "dispatch-test.any", &stubModel{}, nil)
	c.Assert(err, check.IsNil)
	c.Assert(res.CheckpointPath, check.NotNil)
	c.Check(*res.CheckpointPath, check.Equals, "mem:ckpt/epoch-3")
	c.Check(*co.CheckpointPath(), check.Equals, "mem:ckpt/epoch-3")
	c.Check(string(res.Result), check.Equals, "0.25")
}

func (s *CoordinatorSuite) TestInitHook(c *check.C) {
	s.cfg.InitHook = "dispatch-test.warmup"
	co := s.coordinator(c)
	_, err := co.Fit(s.ctx, "dispatch-test.any", &stubModel{}, nil)
	c.Assert(err, check.IsNil)
	for _, wkr := range s.stub.Workers() {
		calls := wkr.Calls()
		c.Assert(len(calls) > 0, check.Equals, true)
		c.Check(calls[0].Func, check.Equals, "dispatch-test.warmup")
	}
}

func (s *CoordinatorSuite) TestBadRequest(c *check.C) {
	co := s.coordinator(c)
	for _, trial := range []struct {
		req Request
		err string
	}{
		{Request{Program: "p", Mode: gangrun.ModeFit}, `no model given`},
		{Request{Program: "p", Mode: "train", Model: &stubModel{}}, `invalid mode "train"`},
		{Request{Mode: gangrun.ModeFit, Model: &stubModel{}}, `no program given`},
	} {
		_, err := co.Run(s.ctx, trial.req)
		c.Check(err, check.ErrorMatches, trial.err)
	}
	c.Check(s.stub.Creates(), check.Equals, 0)
}

func (s *CoordinatorSuite) TestNew(c *check.C) {
	s.cfg.Driver = "nonexistent"
	_, err := New(s.ctx, s.cfg, nil)
	c.Check(err, check.ErrorMatches, `unsupported provisioning driver "nonexistent"`)
	s.cfg.NumWorkers = 0
	_, err = New(s.ctx, s.cfg, nil)
	c.Check(err, check.ErrorMatches, `NumWorkers must be at least 1.*`)
	c.Check(Drivers(), check.DeepEquals, []string{"httpagent", "loopback"})
}

func (s *CoordinatorSuite) TestProcessLocalLocators(c *check.C) {
	s.cfg.Driver = "httpagent"
	s.cfg.HTTPAgent.URLs = []string{"http://10.9.9.9:9010"}
	_, err := New(s.ctx, s.cfg, nil)
	c.Check(err, check.ErrorMatches, `ObjectStore "mem:dispatch-test-.*" is local to this process, but httpagent workers run elsewhere`)

	s.cfg.ObjectStore = "s3://bucket/snapshots"
	_, err = New(s.ctx, s.cfg, nil)
	c.Check(err, check.ErrorMatches, `ProgressQueue "mem:" is local to this process, but httpagent workers run elsewhere`)

	s.cfg.Driver = "loopback"
	s.cfg.ObjectStore = "mem:"
	co, err := New(s.ctx, s.cfg, nil)
	c.Assert(err, check.IsNil)
	co.Close()
}

func (s *CoordinatorSuite) TestRunsMetric(c *check.C) {
	co := s.coordinator(c)
	_, err := co.Fit(s.ctx, "dispatch-test.any", &stubModel{}, nil)
	c.Assert(err, check.IsNil)
	s.stub.Exec = test.FreePortExec(34567, nil)
	_, err = co.Fit(s.ctx, "dispatch-test.any", &stubModel{}, nil)
	c.Assert(err, check.NotNil)
	mfs, err := s.reg.Gather()
	c.Assert(err, check.IsNil)
	got := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() != "gangrun_dispatch_runs_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			got[fmt.Sprintf("%s=%s", m.GetLabel()[0].GetName(), m.GetLabel()[0].GetValue())] = m.GetCounter().GetValue()
		}
	}
	c.Check(got, check.DeepEquals, map[string]float64{"outcome=success": 1, "outcome=failure": 1})
}
