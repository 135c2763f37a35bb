// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
)

const redacted = "xxxxx"

// Redacted returns a copy of cfg that is safe to log: every non-empty
// secret is replaced by a placeholder.
func Redacted(cfg gangrun.Config) gangrun.Config {
	for _, secret := range []*string{
		&cfg.HTTPAgent.Token,
		&cfg.S3.SecretAccessKey,
		&cfg.Agent.Token,
	} {
		if *secret != "" {
			*secret = redacted
		}
	}
	// Don't share the caller's slices.
	cfg.Loopback.Nodes = append([]string(nil), cfg.Loopback.Nodes...)
	cfg.HTTPAgent.URLs = append([]string(nil), cfg.HTTPAgent.URLs...)
	return cfg
}
