// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package version reports the gangrun release.
package version

import (
	"runtime/debug"
)

var (
	// Version will get assigned the release number at compile time
	Version string
)

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// GetVersion returns the release number if it was assigned by the
// linker, otherwise the main module version recorded by "go install"
// (e.g. "v0.3.1"), otherwise "dev".
func GetVersion() string {
	if Version != "" {
		return Version
	}
	if info, ok := readBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
