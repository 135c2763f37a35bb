// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"net/http"

	"git.arvados.org/gangrun.git/sdk/go/ctxlog"
	"git.arvados.org/gangrun.git/sdk/go/httpserver"
	"github.com/sirupsen/logrus"
)

// ErrorHandler returns a Handler that is permanently unhealthy.
// Health checks get 503 with the error in a JSON body; every other
// request gets 500. The error is logged once here, and again for
// each request.
func ErrorHandler(ctx context.Context, err error) Handler {
	logger := ctxlog.FromContext(ctx)
	logger.WithError(err).Error("unhealthy service")
	return errorHandler{err, logger}
}

type errorHandler struct {
	err    error
	logger logrus.FieldLogger
}

func (eh errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eh.logger.WithError(eh.err).Error("unhealthy service")
	if r.URL.Path == "/_health/ping" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"health": "ERROR", "error": eh.err.Error()})
		return
	}
	httpserver.Error(w, eh.err.Error(), http.StatusInternalServerError)
}

func (eh errorHandler) CheckHealth() error {
	return eh.err
}

// Done returns a closed channel: an unhealthy service is already
// stopped.
func (eh errorHandler) Done() <-chan struct{} {
	return closedChan
}

var closedChan = func() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}()
