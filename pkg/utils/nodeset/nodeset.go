// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package nodeset parses NUMA node lists such as 0-1,3 in the format of
// /sys/devices/system/node/online.
package nodeset

import (
	"fmt"

	"k8s.io/utils/cpuset"
)

// NodeSet is a set of NUMA node IDs. It shares the list format and set
// operations of k8s.io/utils/cpuset.CPUSet.
type NodeSet = cpuset.CPUSet

var (
	// New creates a NodeSet of the given nodes.
	New = cpuset.New
)

// Parse parses a node list. An empty list is an empty set.
func Parse(s string) (NodeSet, error) {
	nodes, err := cpuset.Parse(s)
	if err != nil {
		return NodeSet{}, fmt.Errorf("invalid node list %q: %w", s, err)
	}
	return nodes, nil
}

// MustParse panics if parsing the given node list fails.
func MustParse(s string) NodeSet {
	nodes, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return nodes
}

// ParseList parses node lists and returns the union of the nodes in
// ascending order.
func ParseList(lists ...string) ([]int, error) {
	all := New()
	for _, s := range lists {
		nodes, err := Parse(s)
		if err != nil {
			return nil, err
		}
		all = all.Union(nodes)
	}
	return all.List(), nil
}
