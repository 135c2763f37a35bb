// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"context"
	"net/http"
	"runtime"

	"git.arvados.org/gangrun.git/lib/cloud"
	"git.arvados.org/gangrun.git/lib/objstore"
	"git.arvados.org/gangrun.git/lib/service"
	"git.arvados.org/gangrun.git/sdk/go/ctxlog"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/prometheus/client_golang/prometheus"
)

// Command runs a worker agent: an HTTP service that reserves
// workers on this node for the httpagent driver.
var Command = service.Command("agent", newServiceHandler)

func newServiceHandler(ctx context.Context, cfg *gangrun.Config, token string, reg *prometheus.Registry) service.Handler {
	capacity := cloud.Capacity{CPUs: cfg.Agent.CPUs, GPUs: cfg.Agent.GPUs}
	if capacity.CPUs <= 0 {
		capacity.CPUs = runtime.NumCPU()
	}
	host := &Host{
		NodeIP:   cfg.Agent.NodeIP,
		Capacity: capacity,
		Stores: &objstore.Opener{
			S3Config:  cfg.S3,
			CacheSize: cfg.SnapshotCacheSize,
		},
		GroupTimeout: cfg.GroupTimeout.Duration(0),
		Logger:       ctxlog.FromContext(ctx),
		Metrics:      NewMetrics(reg),
	}
	sh := &serviceHandler{
		Handler: NewHandler(host, token, reg),
		host:    host,
		done:    make(chan struct{}),
	}
	go func() {
		<-ctx.Done()
		host.KillAll()
		close(sh.done)
	}()
	return sh
}

type serviceHandler struct {
	http.Handler
	host *Host
	done chan struct{}
}

// CheckHealth reports an error if the agent has nothing to offer.
func (sh *serviceHandler) CheckHealth() error {
	if avail := sh.host.Available(); avail.CPUs <= 0 {
		return &CapacityError{Available: avail}
	}
	return nil
}

func (sh *serviceHandler) Done() <-chan struct{} {
	return sh.done
}
