// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"

	"git.arvados.org/gangrun.git/sdk/go/ctxlog"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AddRequestIDs wraps an http.Handler, adding an X-Request-Id header
// to each request that doesn't already have one.
func AddRequestIDs(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-Request-Id") == "" {
			req.Header.Set("X-Request-Id", "req-"+uuid.NewString())
		}
		h.ServeHTTP(w, req)
	})
}

// LogRequests wraps an http.Handler, logging each request and
// response via logger. The request's logger is available to the
// handler through ctxlog.FromContext(req.Context()).
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseTimer{ResponseWriter: wrapped}
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get("X-Request-Id"),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path,
			"reqBytes":        req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		tStart := time.Now()
		lgr.Debug("request")
		defer func() {
			tDone := time.Now()
			status := w.status
			if status == 0 {
				status = http.StatusOK
			}
			if w.writeTime.IsZero() {
				w.writeTime = tDone
			}
			lgr.WithFields(logrus.Fields{
				"timeTotal":      tDone.Sub(tStart).Seconds(),
				"timeToStatus":   w.writeTime.Sub(tStart).Seconds(),
				"respStatusCode": status,
				"respStatus":     http.StatusText(status),
				"respBytes":      w.bytes,
			}).Info("response")
		}()
		h.ServeHTTP(w, req)
	})
}

type responseTimer struct {
	http.ResponseWriter
	status    int
	bytes     int
	writeTime time.Time
}

func (rt *responseTimer) WriteHeader(code int) {
	if rt.status == 0 {
		rt.status = code
		rt.writeTime = time.Now()
	}
	rt.ResponseWriter.WriteHeader(code)
}

func (rt *responseTimer) Write(p []byte) (int, error) {
	if rt.status == 0 {
		rt.WriteHeader(http.StatusOK)
	}
	n, err := rt.ResponseWriter.Write(p)
	rt.bytes += n
	return n, err
}

func (rt *responseTimer) Unwrap() http.ResponseWriter {
	return rt.ResponseWriter
}
