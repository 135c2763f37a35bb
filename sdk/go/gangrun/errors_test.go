// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gangrun

import (
	"errors"
	"fmt"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ErrorsSuite{})

type ErrorsSuite struct{}

func (s *ErrorsSuite) TestRemoteExecutionError(c *check.C) {
	errA := errors.New("boom")
	err := fmt.Errorf("run: %w", &RemoteExecutionError{Errs: map[int]error{
		2: errors.New("later"),
		1: errA,
	}})
	var ree *RemoteExecutionError
	c.Assert(errors.As(err, &ree), check.Equals, true)
	c.Check(ree.Ranks(), check.DeepEquals, []int{1, 2})
	c.Check(errors.Is(err, errA), check.Equals, true)
	c.Check(err, check.ErrorMatches, `run: remote execution failed on 2 worker\(s\): rank 1: boom; rank 2: later`)
}

func (s *ErrorsSuite) TestWrapping(c *check.C) {
	base := errors.New("no capacity")
	var pe *ProvisioningError
	c.Check(errors.As(fmt.Errorf("x: %w", &ProvisioningError{Requested: 3, Created: 1, Err: base}), &pe), check.Equals, true)
	c.Check(errors.Is(pe, base), check.Equals, true)
	c.Check(pe, check.ErrorMatches, `provisioning failed \(1 of 3 workers created\): no capacity`)

	re := &RendezvousError{Step: "node address", Err: base}
	c.Check(errors.Is(re, base), check.Equals, true)
}

func (s *ErrorsSuite) TestEnvelopePlacement(c *check.C) {
	env := ExecutionEnvelope{GlobalRank: 1, Assignment: []Placement{{0, 0}, {1, 0}}}
	p, err := env.Placement()
	c.Check(err, check.IsNil)
	c.Check(p, check.Equals, Placement{LocalRank: 1, NodeRank: 0})
	env.GlobalRank = 2
	_, err = env.Placement()
	c.Check(err, check.NotNil)
}
