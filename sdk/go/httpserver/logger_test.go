// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"git.arvados.org/gangrun.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LoggerSuite{})

type LoggerSuite struct{}

func (s *LoggerSuite) TestLogRequests(c *check.C) {
	captured := &bytes.Buffer{}
	log := logrus.New()
	log.Out = captured
	log.Level = logrus.DebugLevel
	log.Formatter = &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	}

	h := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctxlog.FromContext(req.Context()).Info("handling")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hello world"))
	})
	req, err := http.NewRequest("GET", "https://foo.example/bar", nil)
	c.Assert(err, check.IsNil)
	req.Header.Set("X-Forwarded-For", "1.2.3.4:12345")
	resp := httptest.NewRecorder()
	AddRequestIDs(LogRequests(log, h)).ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusTeapot)

	dec := json.NewDecoder(captured)

	gotReq := make(map[string]interface{})
	c.Assert(dec.Decode(&gotReq), check.IsNil)
	c.Check(gotReq["RequestID"], check.Matches, "req-[-a-f0-9]{36}")
	c.Check(gotReq["reqForwardedFor"], check.Equals, "1.2.3.4:12345")
	c.Check(gotReq["msg"], check.Equals, "request")

	gotHandler := make(map[string]interface{})
	c.Assert(dec.Decode(&gotHandler), check.IsNil)
	c.Check(gotHandler["RequestID"], check.Equals, gotReq["RequestID"])
	c.Check(gotHandler["msg"], check.Equals, "handling")

	gotResp := make(map[string]interface{})
	c.Assert(dec.Decode(&gotResp), check.IsNil)
	c.Check(gotResp["RequestID"], check.Equals, gotReq["RequestID"])
	c.Check(gotResp["msg"], check.Equals, "response")
	c.Check(gotResp["respStatusCode"], check.Equals, float64(http.StatusTeapot))
	c.Check(gotResp["respBytes"], check.Equals, float64(len("hello world")))

	c.Assert(gotResp["time"], check.FitsTypeOf, "")
	_, err = time.Parse(time.RFC3339Nano, gotResp["time"].(string))
	c.Check(err, check.IsNil)
	for _, key := range []string{"timeToStatus", "timeTotal"} {
		c.Check(gotResp[key], check.FitsTypeOf, float64(0))
	}
}

func (s *LoggerSuite) TestKeepRequestID(c *check.C) {
	var got string
	h := AddRequestIDs(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got = req.Header.Get("X-Request-Id")
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-Id", "req-abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	c.Check(got, check.Equals, "req-abc")
}

var _ = check.Suite(&ServerSuite{})

type ServerSuite struct{}

func (s *ServerSuite) TestStartClose(c *check.C) {
	srv := &Server{
		Server: http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Write([]byte("ok"))
		})},
		Addr: "127.0.0.1:0",
	}
	c.Assert(srv.Start(), check.IsNil)
	c.Check(srv.Addr, check.Not(check.Equals), "127.0.0.1:0")
	resp, err := http.Get("http://" + srv.Addr + "/")
	c.Assert(err, check.IsNil)
	resp.Body.Close()
	c.Check(resp.StatusCode, check.Equals, http.StatusOK)
	c.Check(srv.Close(), check.IsNil)
	_, err = http.Get("http://" + srv.Addr + "/")
	c.Check(err, check.NotNil)
}
