// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package objstore stages opaque blobs (model snapshots) where every
// worker can fetch them by key.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	lru "github.com/hashicorp/golang-lru"
)

var ErrNotFound = errors.New("object not found")

// A Store holds blobs by key.
type Store interface {
	// URL returns the string that Open uses to reach this
	// store.
	URL() string
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Open returns the store at the given URL: "mem:name" for a
// process-local store, or "s3://bucket/prefix".
func Open(ctx context.Context, storeURL string, s3cfg gangrun.S3Config) (Store, error) {
	switch {
	case storeURL == "" || strings.HasPrefix(storeURL, "mem:"):
		return openMem(storeURL), nil
	case strings.HasPrefix(storeURL, "s3://"):
		return openS3(ctx, storeURL, s3cfg)
	default:
		return nil, fmt.Errorf("unsupported object store %q", storeURL)
	}
}

var (
	memStores    = map[string]*memStore{}
	memStoresMtx sync.Mutex
)

// memStore is shared by everything in the process that opens the
// same URL.
type memStore struct {
	url  string
	mtx  sync.Mutex
	objs map[string][]byte
}

func openMem(storeURL string) *memStore {
	if storeURL == "" {
		storeURL = "mem:"
	}
	memStoresMtx.Lock()
	defer memStoresMtx.Unlock()
	if ms, ok := memStores[storeURL]; ok {
		return ms
	}
	ms := &memStore{url: storeURL, objs: map[string][]byte{}}
	memStores[storeURL] = ms
	return ms
}

func (ms *memStore) URL() string { return ms.url }

func (ms *memStore) Put(ctx context.Context, key string, data []byte) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	ms.objs[key] = data
	return nil
}

func (ms *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	data, ok := ms.objs[key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", ms.url, key, ErrNotFound)
	}
	return data, nil
}

func (ms *memStore) Delete(ctx context.Context, key string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	delete(ms.objs, key)
	return nil
}

// Cached wraps a store with an LRU cache of up to size blobs. Blobs
// are never modified once put, so cached entries do not go stale.
func Cached(store Store, size int) (Store, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &cachedStore{Store: store, cache: cache}, nil
}

type cachedStore struct {
	Store
	cache *lru.Cache
}

func (cs *cachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if data, ok := cs.cache.Get(key); ok {
		return data.([]byte), nil
	}
	data, err := cs.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	cs.cache.Add(key, data)
	return data, nil
}

func (cs *cachedStore) Put(ctx context.Context, key string, data []byte) error {
	if err := cs.Store.Put(ctx, key, data); err != nil {
		return err
	}
	cs.cache.Add(key, data)
	return nil
}

func (cs *cachedStore) Delete(ctx context.Context, key string) error {
	cs.cache.Remove(key)
	return cs.Store.Delete(ctx, key)
}

// An Opener opens stores by URL and keeps each one open for reuse,
// so workers in the same process share one cache per store.
type Opener struct {
	S3Config  gangrun.S3Config
	CacheSize int

	mtx    sync.Mutex
	stores map[string]Store
}

// Open returns the (possibly cached) store at storeURL.
func (o *Opener) Open(ctx context.Context, storeURL string) (Store, error) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if st, ok := o.stores[storeURL]; ok {
		return st, nil
	}
	st, err := Open(ctx, storeURL, o.S3Config)
	if err != nil {
		return nil, err
	}
	if o.CacheSize > 0 {
		st, err = Cached(st, o.CacheSize)
		if err != nil {
			return nil, err
		}
	}
	if o.stores == nil {
		o.stores = map[string]Store{}
	}
	o.stores[storeURL] = st
	return st, nil
}
