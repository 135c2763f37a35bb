// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"git.arvados.org/gangrun.git/lib/cloud"
	"git.arvados.org/gangrun.git/lib/cloud/httpagent"
	"git.arvados.org/gangrun.git/lib/cloud/loopback"
	"git.arvados.org/gangrun.git/sdk/go/gangrun"
	"github.com/sirupsen/logrus"
)

var drivers = map[string]cloud.Driver{
	"loopback":  loopback.Driver,
	"httpagent": httpagent.Driver,
}

// inProcess lists the drivers whose workers run in the driver's own
// process, where process-local "mem:" stores and queues are shared.
var inProcess = map[string]bool{
	"loopback": true,
}

// Drivers returns the names of the supported provisioning drivers.
func Drivers() []string {
	var names []string
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newProvisioner(cfg gangrun.Config, logger logrus.FieldLogger) (cloud.Provisioner, error) {
	driver, ok := drivers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported provisioning driver %q", cfg.Driver)
	}
	if err := checkReachable(cfg); err != nil {
		return nil, err
	}
	return driver.Provisioner(cfg, logger)
}

// checkReachable returns an error if workers provisioned by
// cfg.Driver could not reach the configured object store or progress
// queue.
func checkReachable(cfg gangrun.Config) error {
	if inProcess[cfg.Driver] {
		return nil
	}
	for _, loc := range []struct{ key, url string }{
		{"ObjectStore", cfg.ObjectStore},
		{"ProgressQueue", cfg.ProgressQueue},
	} {
		if strings.HasPrefix(loc.url, "mem:") {
			return fmt.Errorf("%s %q is local to this process, but %s workers run elsewhere", loc.key, loc.url, cfg.Driver)
		}
	}
	return nil
}
