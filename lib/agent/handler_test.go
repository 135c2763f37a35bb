// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"git.arvados.org/gangrun.git/lib/cloud"
	"git.arvados.org/gangrun.git/sdk/go/ctxlog"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&HandlerSuite{})

type HandlerSuite struct {
	host    *Host
	handler http.Handler
}

func (s *HandlerSuite) SetUpTest(c *check.C) {
	reg := prometheus.NewRegistry()
	s.host = &Host{
		NodeIP:   "127.0.0.7",
		Capacity: cloud.Capacity{CPUs: 2},
		Logger:   ctxlog.TestLogger(c),
		Metrics:  NewMetrics(reg),
	}
	s.handler = NewHandler(s.host, "secret", reg)
}

func (s *HandlerSuite) do(c *check.C, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		c.Assert(err, check.IsNil)
		rdr = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	return resp
}

func (s *HandlerSuite) TestAuth(c *check.C) {
	c.Check(s.do(c, "GET", "/_health/ping", "", nil).Code, check.Equals, http.StatusUnauthorized)
	c.Check(s.do(c, "GET", "/_health/ping", "wrong", nil).Code, check.Equals, http.StatusForbidden)
	resp := s.do(c, "GET", "/_health/ping", "secret", nil)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Equals, `{"health":"OK"}`+"\n")
}

func (s *HandlerSuite) TestWorkerLifecycle(c *check.C) {
	resp := s.do(c, "POST", "/v1/reserve", "secret", gangrun.ResourceSpec{CPUs: 2})
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var rr ReserveResponse
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &rr), check.IsNil)
	c.Check(rr.ID, check.Equals, "127.0.0.7-0001")

	resp = s.do(c, "POST", "/v1/reserve", "secret", gangrun.ResourceSpec{CPUs: 1})
	c.Check(resp.Code, check.Equals, http.StatusServiceUnavailable)
	c.Check(resp.Body.String(), check.Matches, `(?s).*insufficient capacity.*`)

	resp = s.do(c, "PUT", "/v1/workers/"+rr.ID+"/env", "secret", map[string]string{"A": "B"})
	c.Check(resp.Code, check.Equals, http.StatusOK)
	a, ok := s.host.Agent(rr.ID)
	c.Assert(ok, check.Equals, true)
	c.Check(a.Env(), check.DeepEquals, map[string]string{"A": "B"})

	resp = s.do(c, "GET", "/v1/workers/"+rr.ID+"/node", "secret", nil)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	var nr NodeResponse
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &nr), check.IsNil)
	c.Check(nr.NodeIP, check.Equals, "127.0.0.7")

	resp = s.do(c, "POST", "/v1/workers/"+rr.ID+"/execute", "secret", gangrun.Call{Func: gangrun.FuncFreePort})
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `\{"port":\d+\}`)

	resp = s.do(c, "POST", "/v1/workers/"+rr.ID+"/execute", "secret", gangrun.Call{Func: "bogus"})
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)

	resp = s.do(c, "GET", "/metrics", "secret", nil)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?s).*gangrun_agent_calls_total\{func="gangrun.free-port",outcome="success"\} 1.*`)
	c.Check(resp.Body.String(), check.Matches, `(?s).*gangrun_agent_reserved\{resource="cpus"\} 2.*`)

	resp = s.do(c, "POST", "/v1/workers/"+rr.ID+"/kill", "secret", nil)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	resp = s.do(c, "GET", "/v1/workers/"+rr.ID+"/node", "secret", nil)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
	c.Check(strings.Contains(resp.Body.String(), cloud.ErrWorkerGone.Error()), check.Equals, true)

	resp = s.do(c, "GET", "/v1/capacity", "secret", nil)
	var avail cloud.Capacity
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &avail), check.IsNil)
	c.Check(avail, check.Equals, cloud.Capacity{CPUs: 2})
}

func (s *HandlerSuite) TestBadRequest(c *check.C) {
	req := httptest.NewRequest("POST", "/v1/reserve", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer secret")
	resp := httptest.NewRecorder()
	s.handler.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)

	c.Check(s.do(c, "POST", "/v1/reserve", "secret", gangrun.ResourceSpec{}).Code, check.Equals, http.StatusBadRequest)
}
