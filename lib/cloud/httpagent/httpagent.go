// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package httpagent provisions workers by reserving capacity on a
// static list of "gangrun agent" processes.
package httpagent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.arvados.org/gangrun.git/lib/agent"
	"git.arvados.org/gangrun.git/lib/cloud"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"git.arvados.org/gangrun.git/sdk/go/httpserver"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Driver is the httpagent implementation of the cloud.Driver
// interface.
var Driver = cloud.DriverFunc(func(cfg gangrun.Config, logger logrus.FieldLogger) (cloud.Provisioner, error) {
	prv, err := NewProvisioner(cfg.HTTPAgent, logger)
	if err != nil {
		return nil, err
	}
	prv.KillTimeout = cfg.TeardownTimeout.Duration(0)
	return prv, nil
})

var (
	retryWaitMin = 100 * time.Millisecond
	retryWaitMax = 2 * time.Second
	retryMax     = 4

	defaultKillTimeout = time.Minute
)

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (e rateLimitError) EarliestRetry() time.Time { return e.earliestRetry }

// Provisioner reserves workers on the first agent with enough free
// capacity, in the order the agents are listed.
type Provisioner struct {
	// Maximum time a Kill request may take. Zero means one
	// minute.
	KillTimeout time.Duration

	urls   []string
	token  string
	logger logrus.FieldLogger

	// Used for calls that must not be repeated.
	client *http.Client

	// Used for calls that can safely be repeated.
	retryClient *retryablehttp.Client

	mtx     sync.Mutex
	seq     int
	stopped bool
}

func NewProvisioner(cfg gangrun.HTTPAgentConfig, logger logrus.FieldLogger) (*Provisioner, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("no agent URLs configured")
	}
	var urls []string
	for _, u := range cfg.URLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return nil, fmt.Errorf("invalid agent URL %q", u)
		}
		urls = append(urls, strings.TrimSuffix(u, "/"))
	}
	rc := retryablehttp.NewClient()
	rc.RetryWaitMin = retryWaitMin
	rc.RetryWaitMax = retryWaitMax
	rc.RetryMax = retryMax
	rc.Logger = leveledLogger{logger}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client := &http.Client{}
	if cfg.Insecure {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		client.Transport = tr
		rc.HTTPClient.Transport = tr
	}
	return &Provisioner{
		urls:        urls,
		token:       cfg.Token,
		logger:      logger,
		client:      client,
		retryClient: rc,
	}, nil
}

func (prv *Provisioner) Create(ctx context.Context, spec gangrun.ResourceSpec) (cloud.Worker, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	if prv.stopped {
		return nil, errors.New("httpagent provisioner is stopped")
	}
	var errs []error
	for _, base := range prv.urls {
		var rr agent.ReserveResponse
		resp, err := prv.do(ctx, prv.client, "POST", base+"/v1/reserve", spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch resp.StatusCode {
		case http.StatusServiceUnavailable:
			resp.Body.Close()
			continue
		case http.StatusTooManyRequests:
			err := httpserver.ErrorFromResponse(resp)
			resp.Body.Close()
			return nil, rateLimitError{err, time.Now().Add(retryAfter(resp))}
		}
		err = decodeResponse(resp, &rr)
		if err != nil {
			return nil, fmt.Errorf("reserving worker on %s: %w", base, err)
		}
		prv.seq++
		wkr := &worker{
			prv:      prv,
			id:       cloud.WorkerID(fmt.Sprintf("httpagent-%04d", prv.seq)),
			base:     base + "/v1/workers/" + rr.ID,
			remoteID: rr.ID,
		}
		prv.logger.WithFields(logrus.Fields{
			"Worker": wkr.id,
			"Agent":  base,
			"Remote": rr.ID,
		}).Debug("reserved worker")
		return wkr, nil
	}
	if len(errs) == len(prv.urls) {
		return nil, fmt.Errorf("no agent reachable: %w", errors.Join(errs...))
	}
	return nil, quotaError(fmt.Sprintf("no agent has %s available", spec))
}

func (prv *Provisioner) Stop() {
	prv.mtx.Lock()
	defer prv.mtx.Unlock()
	prv.stopped = true
}

func retryAfter(resp *http.Response) time.Duration {
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Minute
}

// do sends body as JSON using the given client, which is either an
// *http.Client or a *retryablehttp.Client.
func (prv *Provisioner) do(ctx context.Context, client interface{}, method, url string, body interface{}) (*http.Response, error) {
	var buf []byte
	if body != nil {
		var err error
		buf, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if prv.token != "" {
		header.Set("Authorization", "Bearer "+prv.token)
	}
	switch client := client.(type) {
	case *retryablehttp.Client:
		req, err := retryablehttp.NewRequestWithContext(ctx, method, url, buf)
		if err != nil {
			return nil, err
		}
		req.Header = header
		return client.Do(req)
	case *http.Client:
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
		if err != nil {
			return nil, err
		}
		req.Header = header
		return client.Do(req)
	default:
		panic(fmt.Sprintf("unsupported client type %T", client))
	}
}

// decodeResponse decodes a successful response into dst, and closes
// the response body.
func decodeResponse(resp *http.Response, dst interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return cloud.ErrWorkerGone
	}
	if err := httpserver.ErrorFromResponse(resp); err != nil {
		return err
	}
	if raw, ok := dst.(*json.RawMessage); ok {
		buf, err := io.ReadAll(resp.Body)
		*raw = buf
		return err
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

type worker struct {
	prv      *Provisioner
	id       cloud.WorkerID
	base     string
	remoteID string
}

func (w *worker) ID() cloud.WorkerID { return w.id }

func (w *worker) String() string {
	return fmt.Sprintf("%s (%s)", w.id, w.base)
}

func (w *worker) SetEnv(ctx context.Context, vars map[string]string) error {
	resp, err := w.prv.do(ctx, w.prv.retryClient, "PUT", w.base+"/env", vars)
	if err != nil {
		return err
	}
	return decodeResponse(resp, &struct{}{})
}

func (w *worker) NodeIP(ctx context.Context) (string, error) {
	resp, err := w.prv.do(ctx, w.prv.retryClient, "GET", w.base+"/node", nil)
	if err != nil {
		return "", err
	}
	var nr agent.NodeResponse
	if err := decodeResponse(resp, &nr); err != nil {
		return "", err
	}
	return nr.NodeIP, nil
}

func (w *worker) Execute(ctx context.Context, call gangrun.Call) (json.RawMessage, error) {
	resp, err := w.prv.do(ctx, w.prv.client, "POST", w.base+"/execute", call)
	if err != nil {
		return nil, err
	}
	var ret json.RawMessage
	if err := decodeResponse(resp, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (w *worker) Kill() error {
	timeout := w.prv.KillTimeout
	if timeout <= 0 {
		timeout = defaultKillTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := w.prv.do(ctx, w.prv.client, "POST", w.base+"/kill", nil)
	if err != nil {
		return err
	}
	return decodeResponse(resp, &struct{}{})
}

// leveledLogger sends retryablehttp's log messages to logrus.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) fields(kv []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return l.logger.WithFields(fields)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Info(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
