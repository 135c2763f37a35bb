// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package demo provides demo.regression, a small data-parallel
// program used by "gangrun run" and the end-to-end tests.
//
// Every rank fits y = W*x + B by stochastic gradient descent on its
// own synthetic shard, drawn from y = 3x + 2 plus noise. Only rank 0's
// parameters are returned to the driver.
package demo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"git.arvados.org/gangrun.git/lib/agent"
	"git.arvados.org/gangrun.git/lib/objstore"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

const ProgramName = "demo.regression"

// Parameters of the generating line.
const (
	trueW = 3.0
	trueB = 2.0
	noise = 0.1
)

func init() {
	agent.RegisterProgram(agent.Program{
		Name:     ProgramName,
		NewModel: func() gangrun.Model { return &Regression{} },
		Run:      run,
	})
}

// Regression is a linear model and its training settings.
type Regression struct {
	W float64
	B float64

	// Training settings. Zero values mean the defaults.
	Epochs       int
	LearningRate float64
	Samples      int // per rank
	BatchSize    int

	// Epochs trained so far, across all fit stages.
	Trained int

	// Inputs for predict mode.
	Inputs []float64

	device string
}

func (m *Regression) EncodeState() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Regression) DecodeState(buf []byte) error {
	return json.Unmarshal(buf, m)
}

func (m *Regression) ToDevice(device string) error {
	m.device = device
	return nil
}

func (m *Regression) epochs() int {
	if m.Epochs > 0 {
		return m.Epochs
	}
	return 20
}

func (m *Regression) learningRate() float64 {
	if m.LearningRate > 0 {
		return m.LearningRate
	}
	return 0.1
}

func (m *Regression) samples() int {
	if m.Samples > 0 {
		return m.Samples
	}
	return 256
}

func (m *Regression) batchSize() int {
	if m.BatchSize > 0 {
		return m.BatchSize
	}
	return 16
}

// Predict returns W*x + B.
func (m *Regression) Predict(x float64) float64 {
	return m.W*x + m.B
}

type sample struct{ x, y float64 }

// shard returns the synthetic samples seen by one rank. The same seed
// and rank always produce the same shard.
func shard(seed int64, rank, n int) []sample {
	rng := rand.New(rand.NewSource(seed*1000003 + int64(rank)))
	data := make([]sample, n)
	for i := range data {
		x := rng.Float64()*2 - 1
		data[i] = sample{x: x, y: trueW*x + trueB + rng.NormFloat64()*noise}
	}
	return data
}

// loss returns the mean squared error of m over data.
func (m *Regression) loss(data []sample) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, s := range data {
		d := m.Predict(s.x) - s.y
		sum += d * d
	}
	return sum / float64(len(data))
}

// step applies one minibatch gradient update.
func (m *Regression) step(batch []sample, lr float64) {
	var gw, gb float64
	for _, s := range batch {
		d := m.Predict(s.x) - s.y
		gw += 2 * d * s.x
		gb += 2 * d
	}
	n := float64(len(batch))
	m.W -= lr * gw / n
	m.B -= lr * gb / n
}

func run(ctx context.Context, wc *agent.WorkerContext, model gangrun.Model) (agent.Outcome, error) {
	m, ok := model.(*Regression)
	if !ok {
		return agent.Outcome{}, fmt.Errorf("%s: unexpected model type %T", ProgramName, model)
	}
	switch wc.Mode {
	case gangrun.ModeFit:
		return fit(ctx, wc, m)
	case gangrun.ModeEvaluate:
		data := shard(wc.Seed, wc.GlobalRank, m.samples())
		l := m.loss(data)
		return agent.Outcome{Result: l, Metrics: map[string]float64{"val_loss": l}}, nil
	case gangrun.ModePredict:
		preds := make([]float64, len(m.Inputs))
		for i, x := range m.Inputs {
			preds[i] = m.Predict(x)
		}
		return agent.Outcome{Result: preds}, nil
	default:
		return agent.Outcome{}, fmt.Errorf("%s: unsupported mode %q", ProgramName, wc.Mode)
	}
}

func fit(ctx context.Context, wc *agent.WorkerContext, m *Regression) (agent.Outcome, error) {
	data := shard(wc.Seed, wc.GlobalRank, m.samples())
	rng := rand.New(rand.NewSource(wc.Seed + int64(wc.GlobalRank)))
	lr, bs := m.learningRate(), m.batchSize()
	var l float64
	for epoch := 0; epoch < m.epochs(); epoch++ {
		if err := ctx.Err(); err != nil {
			return agent.Outcome{}, err
		}
		rng.Shuffle(len(data), func(i, j int) { data[i], data[j] = data[j], data[i] })
		for i := 0; i < len(data); i += bs {
			end := i + bs
			if end > len(data) {
				end = len(data)
			}
			m.step(data[i:end], lr)
		}
		l = m.loss(data)
		if math.IsNaN(l) || math.IsInf(l, 0) {
			return agent.Outcome{}, errors.New("loss diverged")
		}
		m.Trained++
		if err := wc.Report(ctx, map[string]float64{"epoch": float64(m.Trained), "loss": l}); err != nil {
			return agent.Outcome{}, fmt.Errorf("reporting progress: %w", err)
		}
		wc.Logger.WithFields(logrus.Fields{
			"Epoch": m.Trained,
			"Loss":  l,
		}).Debug("epoch finished")
	}
	out := agent.Outcome{
		Result:  l,
		Metrics: map[string]float64{"loss": l, "w": m.W, "b": m.B},
	}
	if wc.IsLeader() {
		path, err := checkpoint(ctx, wc.RunID, m)
		if err != nil {
			return agent.Outcome{}, err
		}
		out.CheckpointPath = path
	}
	return out, nil
}

// Checkpoints live in one process-local store. Each run keeps only
// its latest checkpoint, and only the most recent checkpointRuns runs
// keep one at all.
const (
	checkpointStore = "mem:demo-checkpoints"
	checkpointRuns  = 16
)

var (
	checkpointsOnce sync.Once
	checkpoints     *checkpointer
)

type checkpointer struct {
	store objstore.Store
	mtx   sync.Mutex
	// run ID -> key of the run's latest checkpoint
	latest *lru.Cache
}

func getCheckpointer(ctx context.Context) *checkpointer {
	checkpointsOnce.Do(func() {
		store, _ := objstore.Open(ctx, checkpointStore, gangrun.S3Config{})
		cp := &checkpointer{store: store}
		cp.latest, _ = lru.NewWithEvict(checkpointRuns, func(_, key interface{}) {
			cp.store.Delete(context.Background(), key.(string))
		})
		checkpoints = cp
	})
	return checkpoints
}

// checkpoint saves m in the worker's process-local checkpoint store,
// replacing the run's previous checkpoint, and returns its locator.
func checkpoint(ctx context.Context, runID string, m *Regression) (string, error) {
	buf, err := m.EncodeState()
	if err != nil {
		return "", err
	}
	cp := getCheckpointer(ctx)
	key := fmt.Sprintf("%s.epoch-%d", runID, m.Trained)
	if err := cp.store.Put(ctx, key, buf); err != nil {
		return "", fmt.Errorf("saving checkpoint: %w", err)
	}
	cp.mtx.Lock()
	defer cp.mtx.Unlock()
	if prev, ok := cp.latest.Peek(runID); ok && prev.(string) != key {
		cp.store.Delete(ctx, prev.(string))
	}
	cp.latest.Add(runID, key)
	return cp.store.URL() + "/" + key, nil
}
