// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrShutdown = errors.New("progress queue has been shut down")

var (
	memQueues    = map[string]*memQueue{}
	memQueuesMtx sync.Mutex
)

// memQueue is only reachable from the process that created it,
// which is enough for the loopback driver.
type memQueue struct {
	name   string
	mtx    sync.Mutex
	msgs   []Message
	ready  chan struct{} // non-empty when msgs is non-empty
	closed bool
}

func newMemQueue(name string) *memQueue {
	q := &memQueue{
		name:  name,
		ready: make(chan struct{}, 1),
	}
	memQueuesMtx.Lock()
	memQueues[name] = q
	memQueuesMtx.Unlock()
	return q
}

func openMemQueue(locator string) (*memQueue, error) {
	name := locator[len("mem:"):]
	memQueuesMtx.Lock()
	defer memQueuesMtx.Unlock()
	q, ok := memQueues[name]
	if !ok {
		return nil, fmt.Errorf("no progress queue %q in this process", name)
	}
	return q, nil
}

func (q *memQueue) Locator() string { return "mem:" + q.name }

func (q *memQueue) Enqueue(ctx context.Context, msg Message) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.closed {
		return ErrShutdown
	}
	q.msgs = append(q.msgs, msg)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *memQueue) Drain(ctx context.Context, timeout time.Duration) ([]Message, error) {
	if msgs, err := q.take(); err != nil || len(msgs) > 0 {
		return msgs, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.ready:
		return q.take()
	case <-timer.C:
		return q.take()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *memQueue) take() ([]Message, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.closed {
		return nil, ErrShutdown
	}
	msgs := q.msgs
	q.msgs = nil
	select {
	case <-q.ready:
	default:
	}
	return msgs, nil
}

func (q *memQueue) Shutdown() error {
	memQueuesMtx.Lock()
	if memQueues[q.name] == q {
		delete(memQueues, q.name)
	}
	memQueuesMtx.Unlock()
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.closed {
		return ErrShutdown
	}
	q.closed = true
	q.msgs = nil
	return nil
}

func (q *memQueue) Close() error { return nil }
