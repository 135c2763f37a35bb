// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gangrun

import (
	"fmt"
	"sort"
	"strings"
)

// ProvisioningError means one or more workers could not be created
// with the requested reservation. No rendezvous was attempted.
type ProvisioningError struct {
	Requested int
	Created   int
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed (%d of %d workers created): %s", e.Created, e.Requested, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// RendezvousError means the group endpoint could not be determined
// or could not be delivered to every worker.
type RendezvousError struct {
	Step string
	Err  error
}

func (e *RendezvousError) Error() string {
	return fmt.Sprintf("rendezvous failed during %s: %s", e.Step, e.Err)
}

func (e *RendezvousError) Unwrap() error { return e.Err }

// ProtocolViolation means the workers' results contradict the rank
// assumptions: the run must produce exactly one result envelope, and
// it must come from rank 0.
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return "protocol violation: " + e.Reason
}

// RemoteExecutionError collects the errors returned by workers,
// keyed by global rank.
type RemoteExecutionError struct {
	Errs map[int]error
}

// Ranks returns the failed ranks in increasing order.
func (e *RemoteExecutionError) Ranks() []int {
	var ranks []int
	for r := range e.Errs {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	return ranks
}

func (e *RemoteExecutionError) Error() string {
	var msgs []string
	for _, r := range e.Ranks() {
		msgs = append(msgs, fmt.Sprintf("rank %d: %s", r, e.Errs[r]))
	}
	return fmt.Sprintf("remote execution failed on %d worker(s): %s", len(e.Errs), strings.Join(msgs, "; "))
}

// Unwrap returns the lowest-ranked error.
func (e *RemoteExecutionError) Unwrap() error {
	ranks := e.Ranks()
	if len(ranks) == 0 {
		return nil
	}
	return e.Errs[ranks[0]]
}
