// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

// State is the stage a run has reached.
type State string

const (
	StateIdle       State = "Idle"
	StateRendezvous State = "RendezvousInProgress"
	StateDispatched State = "Dispatched"
	StateDraining   State = "Draining"
	StateCollecting State = "Collecting"
	StateRestoring  State = "Restoring"
	StateTornDown   State = "TornDown"
)
