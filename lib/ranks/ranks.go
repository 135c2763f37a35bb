// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ranks derives each worker's placement on its node from the
// node identities of an ordered worker list.
package ranks

import (
	"errors"

	"git.arvados.org/gangrun.git/sdk/go/gangrun"
)

var ErrNoWorkers = errors.New("cannot assign ranks to an empty worker list")

// Resolve returns the placement of every worker, given the node
// identity of each worker indexed by global rank.
//
// Local ranks count up from 0 on each node in order of increasing
// global rank. Node ranks number the distinct nodes from 0 in the
// order they first appear.
func Resolve(nodes []string) ([]gangrun.Placement, error) {
	if len(nodes) == 0 {
		return nil, ErrNoWorkers
	}
	nodeRank := map[string]int{}
	nextLocal := map[string]int{}
	assignment := make([]gangrun.Placement, len(nodes))
	for globalRank, node := range nodes {
		if _, seen := nodeRank[node]; !seen {
			nodeRank[node] = len(nodeRank)
		}
		assignment[globalRank] = gangrun.Placement{
			LocalRank: nextLocal[node],
			NodeRank:  nodeRank[node],
		}
		nextLocal[node]++
	}
	return assignment, nil
}

// NumNodes returns the number of distinct nodes in an assignment.
func NumNodes(assignment []gangrun.Placement) int {
	n := 0
	for _, p := range assignment {
		if p.NodeRank+1 > n {
			n = p.NodeRank + 1
		}
	}
	return n
}
