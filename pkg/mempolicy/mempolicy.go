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

// Package mempolicy provides low-level functions for setting and getting
// NUMA memory policy using the Linux set_mempolicy, get_mempolicy and
// mbind syscalls.
package mempolicy

import (
	"fmt"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	MPOL_DEFAULT = iota
	MPOL_PREFERRED
	MPOL_BIND
	MPOL_INTERLEAVE
	MPOL_LOCAL
	MPOL_PREFERRED_MANY
	MPOL_WEIGHTED_INTERLEAVE

	MPOL_F_STATIC_NODES   uint = (1 << 15)
	MPOL_F_RELATIVE_NODES uint = (1 << 14)
	MPOL_F_NUMA_BALANCING uint = (1 << 13)

	MPOL_MF_STRICT uint = (1 << 0)
	MPOL_MF_MOVE   uint = (1 << 1)

	MAX_NUMA_NODES = 1024

	modeFlagMask = MPOL_F_STATIC_NODES | MPOL_F_RELATIVE_NODES | MPOL_F_NUMA_BALANCING
)

var Modes = map[string]uint{
	"MPOL_DEFAULT":             MPOL_DEFAULT,
	"MPOL_PREFERRED":           MPOL_PREFERRED,
	"MPOL_BIND":                MPOL_BIND,
	"MPOL_INTERLEAVE":          MPOL_INTERLEAVE,
	"MPOL_LOCAL":               MPOL_LOCAL,
	"MPOL_PREFERRED_MANY":      MPOL_PREFERRED_MANY,
	"MPOL_WEIGHTED_INTERLEAVE": MPOL_WEIGHTED_INTERLEAVE,
}

var Flags = map[string]uint{
	"MPOL_F_STATIC_NODES":   MPOL_F_STATIC_NODES,
	"MPOL_F_RELATIVE_NODES": MPOL_F_RELATIVE_NODES,
	"MPOL_F_NUMA_BALANCING": MPOL_F_NUMA_BALANCING,
}

var ModeNames map[uint]string

var FlagNames map[uint]string

// ParseMode parses a mode with optional flags, for instance
// "MPOL_BIND|MPOL_F_STATIC_NODES". The MPOL_ and MPOL_F_ prefixes
// are optional, names are case-insensitive, numeric modes are accepted.
func ParseMode(str string) (uint, error) {
	parts := strings.Split(str, "|")

	name := strings.ToUpper(strings.TrimSpace(parts[0]))
	mode, ok := Modes[name]
	if !ok {
		mode, ok = Modes["MPOL_"+name]
	}
	if !ok {
		n, err := strconv.ParseUint(name, 10, 32)
		if err != nil || n > MPOL_WEIGHTED_INTERLEAVE {
			return 0, fmt.Errorf("mempolicy: invalid mode %q", parts[0])
		}
		mode = uint(n)
	}

	for _, f := range parts[1:] {
		name = strings.ToUpper(strings.TrimSpace(f))
		flag, ok := Flags[name]
		if !ok {
			flag, ok = Flags["MPOL_F_"+name]
		}
		if !ok {
			return 0, fmt.Errorf("mempolicy: invalid mode flag %q", f)
		}
		mode |= flag
	}

	return mode, nil
}

// ModeString returns a string representation of a mode with flags.
func ModeString(mode uint) string {
	str, ok := ModeNames[mode&^modeFlagMask]
	if !ok {
		str = fmt.Sprintf("MPOL_%d", mode&^modeFlagMask)
	}
	for _, flag := range []uint{MPOL_F_STATIC_NODES, MPOL_F_RELATIVE_NODES, MPOL_F_NUMA_BALANCING} {
		if mode&flag != 0 {
			str += "|" + FlagNames[flag]
		}
	}
	return str
}

func nodesToMask(nodes []int) ([]uint64, error) {
	maxNode := 0
	for _, node := range nodes {
		if node < 0 || node >= MAX_NUMA_NODES {
			return nil, fmt.Errorf("mempolicy: node %d out of range", node)
		}
		maxNode = max(maxNode, node)
	}
	mask := make([]uint64, (maxNode/64)+1)
	for _, node := range nodes {
		mask[node/64] |= (1 << (node % 64))
	}
	return mask, nil
}

func maskToNodes(mask []uint64) []int {
	nodes := make([]int, 0)
	for i := range len(mask) * 64 {
		if (mask[i/64] & (1 << (i % 64))) != 0 {
			nodes = append(nodes, i)
		}
	}
	return nodes
}

// SetMempolicy sets the memory policy of the calling thread.
func SetMempolicy(mpol uint, nodes []int) error {
	nodeMask, err := nodesToMask(nodes)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_SET_MEMPOLICY, uintptr(mpol),
		uintptr(unsafe.Pointer(&nodeMask[0])), uintptr(len(nodeMask)*64+1))
	if errno != 0 {
		return fmt.Errorf("mempolicy: set_mempolicy(%s, %v): %w", ModeString(mpol), nodes, errno)
	}
	return nil
}

// GetMempolicy returns the memory policy of the calling thread.
func GetMempolicy() (uint, []int, error) {
	var mpol uint
	nodeMask := make([]uint64, MAX_NUMA_NODES/64)
	_, _, errno := unix.Syscall6(unix.SYS_GET_MEMPOLICY, uintptr(unsafe.Pointer(&mpol)),
		uintptr(unsafe.Pointer(&nodeMask[0])), uintptr(MAX_NUMA_NODES), 0, 0, 0)
	if errno != 0 {
		return 0, []int{}, fmt.Errorf("mempolicy: get_mempolicy: %w", errno)
	}
	return mpol, maskToNodes(nodeMask), nil
}

// Mbind sets the memory policy for the given memory range. The range must
// be page aligned.
func Mbind(mem []byte, mpol uint, nodes []int, flags uint) error {
	if len(mem) == 0 {
		return nil
	}
	nodeMask, err := nodesToMask(nodes)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall6(unix.SYS_MBIND, uintptr(unsafe.Pointer(&mem[0])),
		uintptr(len(mem)), uintptr(mpol), uintptr(unsafe.Pointer(&nodeMask[0])),
		uintptr(len(nodeMask)*64+1), uintptr(flags))
	if errno != 0 {
		return fmt.Errorf("mempolicy: mbind(%s, %v): %w", ModeString(mpol), nodes, errno)
	}
	return nil
}

func init() {
	ModeNames = make(map[uint]string)
	for k, v := range Modes {
		ModeNames[v] = k
	}
	FlagNames = make(map[uint]string)
	for k, v := range Flags {
		FlagNames[v] = k
	}
}
