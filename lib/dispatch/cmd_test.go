// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (*CommandSuite) config() *bytes.Buffer {
	return bytes.NewBufferString(`
NumWorkers: 2
Driver: loopback
Loopback:
  Nodes: [127.0.0.1]
  CPUsPerNode: 2
ObjectStore: "mem:dispatch-cmd-` + uuid.NewString() + `"
PollInterval: 20ms
GroupTimeout: 10s
SystemLogs:
  LogLevel: debug
  Format: text
`)
}

func (s *CommandSuite) TestRun(c *check.C) {
	dir := c.MkDir()
	in, out := filepath.Join(dir, "in"), filepath.Join(dir, "out")
	c.Assert(os.WriteFile(in, []byte("5"), 0600), check.IsNil)

	var stdout, stderr bytes.Buffer
	code := Command.RunCommand("gangrun run", []string{"-config", "-", "-program", "dispatch-test.count", "-state", in, "-output-state", out}, s.config(), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms).*run complete.*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*msg=progress.*`)

	var res Result
	c.Assert(json.Unmarshal(stdout.Bytes(), &res), check.IsNil)
	c.Check(res.Metrics["final"], check.Equals, 11.0)
	c.Check(res.ProgressMessages, check.Equals, 8)
	buf, err := os.ReadFile(out)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Equals, "11")
}

func (s *CommandSuite) TestEvaluate(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := Command.RunCommand("gangrun run", []string{"-config", "-", "-program", "dispatch-test.count", "-mode", "evaluate"}, s.config(), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	var res Result
	c.Assert(json.Unmarshal(stdout.Bytes(), &res), check.IsNil)
	c.Check(res.ProgressMessages, check.Equals, 0)
}

func (s *CommandSuite) TestNoProgram(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := Command.RunCommand("gangrun run", []string{"-config", "-"}, s.config(), &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*-program is required.*dispatch-test.count.*`)
}

func (s *CommandSuite) TestUnknownProgram(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := Command.RunCommand("gangrun run", []string{"-config", "-", "-program", "bogus"}, s.config(), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*unknown program.*`)
}

func (s *CommandSuite) TestRemoteFailure(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := Command.RunCommand("gangrun run", []string{"-config", "-", "-program", "dispatch-test.fail-rank-1"}, s.config(), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*rank 1 gave up.*`)
	c.Check(stdout.String(), check.Equals, "")
}
