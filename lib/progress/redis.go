// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"git.arvados.org/gangrun.git/sdk/go/ctxlog"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "gangrun:progress:"

	// Most messages returned by a single Drain call.
	redisDrainBatch = 1000

	// BLPOP timeouts are whole seconds; anything shorter would
	// be sent as 0, which blocks forever. A zero Drain timeout
	// skips BLPOP entirely.
	redisMinBlock = time.Second
)

// redisQueue is a list in a Redis database, shared by every process
// that can reach the server.
type redisQueue struct {
	client  *redis.Client
	key     string
	locator string
	owner   bool
}

func newRedisQueue(ctx context.Context, base, name string) (*redisQueue, error) {
	key := redisKeyPrefix + name
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	u.Fragment = key
	q, err := dialRedisQueue(ctx, u)
	if err != nil {
		return nil, err
	}
	q.owner = true
	// Start empty even if a previous run with the same name left
	// messages behind.
	if err := q.client.Del(ctx, q.key).Err(); err != nil {
		q.client.Close()
		return nil, err
	}
	return q, nil
}

func openRedisQueue(ctx context.Context, locator string) (*redisQueue, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, err
	}
	if u.Fragment == "" {
		return nil, fmt.Errorf("redis queue locator %q has no #key", locator)
	}
	return dialRedisQueue(ctx, u)
}

func dialRedisQueue(ctx context.Context, u *url.URL) (*redisQueue, error) {
	key := u.Fragment
	locator := u.String()
	u.Fragment = ""
	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return &redisQueue{client: client, key: key, locator: locator}, nil
}

func (q *redisQueue) Locator() string { return q.locator }

func (q *redisQueue) Enqueue(ctx context.Context, msg Message) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.key, buf).Err()
}

func (q *redisQueue) Drain(ctx context.Context, timeout time.Duration) ([]Message, error) {
	vals, err := q.client.LPopCount(ctx, q.key, redisDrainBatch).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(vals) == 0 && timeout > 0 {
		if timeout < redisMinBlock {
			timeout = redisMinBlock
		}
		kv, err := q.client.BLPop(ctx, timeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		vals = kv[1:]
	}
	return decodeMessages(ctx, vals), nil
}

// decodeMessages decodes each queued entry, logging and skipping any
// that are not valid messages so the rest of the batch gets through.
func decodeMessages(ctx context.Context, vals []string) []Message {
	msgs := make([]Message, 0, len(vals))
	for _, val := range vals {
		var msg Message
		if err := json.Unmarshal([]byte(val), &msg); err != nil {
			ctxlog.FromContext(ctx).WithError(err).WithField("entry", val).Warn("skipping undecodable progress message")
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (q *redisQueue) Shutdown() error {
	var err error
	if q.owner {
		err = q.client.Del(context.Background(), q.key).Err()
	}
	if cerr := q.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}
