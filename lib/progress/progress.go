// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package progress carries intermediate metrics from workers to the
// driver while a run is in flight. Every worker may enqueue; only
// the driver drains.
package progress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Message is one batch of metrics reported by one worker.
type Message struct {
	Rank    int                `json:"rank"`
	Time    time.Time          `json:"time"`
	Metrics map[string]float64 `json:"metrics"`
}

// A Queue is a cluster-wide FIFO of progress messages.
type Queue interface {
	// Locator returns a string that Open can use, in another
	// process if the queue type allows it, to reach this queue.
	Locator() string

	Enqueue(ctx context.Context, msg Message) error

	// Drain returns every message currently queued. If none are
	// queued, it waits up to timeout for one to arrive, and
	// returns an empty slice if none does.
	Drain(ctx context.Context, timeout time.Duration) ([]Message, error)

	// Shutdown discards any remaining messages and releases the
	// queue's resources. Further calls fail. Only the creator of
	// a queue should shut it down.
	Shutdown() error

	// Close releases this handle. Messages already enqueued, and
	// other handles to the same queue, are not affected.
	Close() error
}

// Create returns a new queue called name, of the type indicated by
// base ("mem:" or "redis://host:port/db").
func Create(ctx context.Context, base, name string) (Queue, error) {
	switch {
	case base == "" || strings.HasPrefix(base, "mem:"):
		return newMemQueue(name), nil
	case strings.HasPrefix(base, "redis://"), strings.HasPrefix(base, "rediss://"):
		return newRedisQueue(ctx, base, name)
	default:
		return nil, fmt.Errorf("unsupported progress queue %q", base)
	}
}

// Open returns the queue at the given locator, as returned by
// (Queue)Locator().
func Open(ctx context.Context, locator string) (Queue, error) {
	switch {
	case strings.HasPrefix(locator, "mem:"):
		return openMemQueue(locator)
	case strings.HasPrefix(locator, "redis://"), strings.HasPrefix(locator, "rediss://"):
		return openRedisQueue(ctx, locator)
	default:
		return nil, fmt.Errorf("unsupported progress queue locator %q", locator)
	}
}

// A Producer enqueues messages on behalf of one worker.
type Producer struct {
	queue Queue
	rank  int
}

func NewProducer(queue Queue, rank int) *Producer {
	return &Producer{queue: queue, rank: rank}
}

// Rank returns the rank the producer is bound to.
func (p *Producer) Rank() int { return p.rank }

// Report enqueues a message with the given metrics.
func (p *Producer) Report(ctx context.Context, metrics map[string]float64) error {
	return p.queue.Enqueue(ctx, Message{
		Rank:    p.rank,
		Time:    time.Now(),
		Metrics: metrics,
	})
}

// Close releases the producer's queue handle.
func (p *Producer) Close() error {
	return p.queue.Close()
}

// An Observer receives progress messages on the driver.
type Observer interface {
	Observe(ctx context.Context, msgs []Message) error
}

// ObserverFunc makes an Observer from a function.
type ObserverFunc func(ctx context.Context, msgs []Message) error

func (f ObserverFunc) Observe(ctx context.Context, msgs []Message) error {
	return f(ctx, msgs)
}

// LogObserver returns an Observer that logs each message.
func LogObserver(logger logrus.FieldLogger) Observer {
	return ObserverFunc(func(_ context.Context, msgs []Message) error {
		for _, msg := range msgs {
			fields := logrus.Fields{"Rank": msg.Rank}
			for k, v := range msg.Metrics {
				fields[k] = v
			}
			logger.WithFields(fields).Info("progress")
		}
		return nil
	})
}
