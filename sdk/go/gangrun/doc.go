// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package gangrun holds the types shared by the gangrun driver and
// the worker agents: configuration, resource requests, the envelopes
// exchanged during a run, and the error taxonomy.
//
// Anything that crosses a process boundary is defined here and has a
// JSON encoding.
package gangrun
