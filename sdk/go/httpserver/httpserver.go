// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

type Server struct {
	http.Server
	Addr string // host:port where the server is listening.

	// Maximum time Close waits for active requests to finish.
	// Zero means 10 seconds.
	ShutdownTimeout time.Duration

	err      error
	done     chan struct{}
	listener net.Listener
	mtx      sync.Mutex
}

// Start is essentially (*http.Server)ListenAndServe() with two more
// features: (1) by the time Start() returns, Addr is changed to the
// address:port we ended up listening to -- which makes listening on
// ":0" useful in test suites -- and (2) the server can be shut down
// without killing the process. If TLSConfig is set, the listener
// serves TLS.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if srv.TLSConfig != nil {
		ln = tls.NewListener(ln, srv.TLSConfig)
	}
	srv.mtx.Lock()
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	srv.mtx.Unlock()
	go func() {
		err := srv.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			srv.mtx.Lock()
			srv.err = err
			srv.mtx.Unlock()
		}
		close(srv.done)
	}()
	return nil
}

// Close stops accepting connections, waits for active requests to
// finish (up to ShutdownTimeout), and returns when the server has
// stopped.
func (srv *Server) Close() error {
	timeout := srv.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Server.Close()
	}
	return srv.Wait()
}

// Wait returns when the server has shut down.
func (srv *Server) Wait() error {
	srv.mtx.Lock()
	done := srv.done
	srv.mtx.Unlock()
	if done == nil {
		return nil
	}
	<-done
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return srv.err
}
