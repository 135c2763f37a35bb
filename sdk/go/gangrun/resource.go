// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gangrun

import "fmt"

// ResourceSpec is the reservation request made for every worker.
type ResourceSpec struct {
	CPUs int  `json:"cpus"`
	GPU  bool `json:"gpu"` // reserve exactly one accelerator
}

// GPUs returns the number of accelerator units reserved.
func (rs ResourceSpec) GPUs() int {
	if rs.GPU {
		return 1
	}
	return 0
}

// Validate returns an error if rs is not a satisfiable request.
func (rs ResourceSpec) Validate() error {
	if rs.CPUs < 1 {
		return fmt.Errorf("CPUs per worker must be at least 1, got %d", rs.CPUs)
	}
	return nil
}

func (rs ResourceSpec) String() string {
	return fmt.Sprintf("%d CPU, %d GPU", rs.CPUs, rs.GPUs())
}
