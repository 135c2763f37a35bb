// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"encoding/json"
	"errors"
	"net/http"

	"git.arvados.org/gangrun.git/lib/cloud"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"git.arvados.org/gangrun.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReserveResponse is the response body of POST /v1/reserve.
type ReserveResponse struct {
	ID string `json:"id"`
}

// NodeResponse is the response body of GET /v1/workers/{id}/node.
type NodeResponse struct {
	NodeIP string `json:"node_ip"`
}

// NewHandler returns an http.Handler exposing the workers on h to
// the httpagent driver. If token is not empty, every request must
// carry it as a bearer token.
func NewHandler(h *Host, token string, reg *prometheus.Registry) http.Handler {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	hh := &hostHandler{host: h}
	mux := httprouter.New()
	mux.HandlerFunc("POST", "/v1/reserve", hh.reserve)
	mux.HandlerFunc("GET", "/v1/capacity", hh.capacity)
	mux.HandlerFunc("PUT", "/v1/workers/:id/env", hh.setEnv)
	mux.HandlerFunc("GET", "/v1/workers/:id/node", hh.node)
	mux.HandlerFunc("POST", "/v1/workers/:id/execute", hh.execute)
	mux.HandlerFunc("POST", "/v1/workers/:id/kill", hh.kill)
	mux.Handler("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: h.logger(),
	}))
	mux.HandlerFunc("GET", "/_health/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"health": "OK"})
	})
	return httpserver.RequireLiteralToken(token, mux)
}

type hostHandler struct {
	host *Host
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (hh *hostHandler) worker(w http.ResponseWriter, r *http.Request) (*Agent, bool) {
	id := httprouter.ParamsFromContext(r.Context()).ByName("id")
	a, ok := hh.host.Agent(id)
	if !ok {
		httpserver.Error(w, cloud.ErrWorkerGone.Error(), http.StatusNotFound)
	}
	return a, ok
}

func (hh *hostHandler) reserve(w http.ResponseWriter, r *http.Request) {
	var spec gangrun.ResourceSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		httpserver.Error(w, "decoding resource spec: "+err.Error(), http.StatusBadRequest)
		return
	}
	a, err := hh.host.Reserve(spec)
	var cerr *CapacityError
	if errors.As(err, &cerr) {
		httpserver.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	} else if err != nil {
		httpserver.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, ReserveResponse{ID: a.ID()})
}

func (hh *hostHandler) capacity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, hh.host.Available())
}

func (hh *hostHandler) setEnv(w http.ResponseWriter, r *http.Request) {
	a, ok := hh.worker(w, r)
	if !ok {
		return
	}
	var vars map[string]string
	if err := json.NewDecoder(r.Body).Decode(&vars); err != nil {
		httpserver.Error(w, "decoding variables: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.SetEnv(vars); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func (hh *hostHandler) node(w http.ResponseWriter, r *http.Request) {
	a, ok := hh.worker(w, r)
	if !ok {
		return
	}
	ip, err := a.NodeIP()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, NodeResponse{NodeIP: ip})
}

func (hh *hostHandler) execute(w http.ResponseWriter, r *http.Request) {
	a, ok := hh.worker(w, r)
	if !ok {
		return
	}
	var call gangrun.Call
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		httpserver.Error(w, "decoding call: "+err.Error(), http.StatusBadRequest)
		return
	}
	ret, err := a.Call(r.Context(), call)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(ret)
}

func (hh *hostHandler) kill(w http.ResponseWriter, r *http.Request) {
	a, ok := hh.worker(w, r)
	if !ok {
		return
	}
	if err := a.Kill(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct{}{})
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, cloud.ErrWorkerGone):
		code = http.StatusNotFound
	case errors.Is(err, ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, ErrUnknownFunc):
		code = http.StatusBadRequest
	}
	httpserver.Error(w, err.Error(), code)
}
