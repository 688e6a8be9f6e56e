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

package mminfo

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// ZoneFree is the number of free blocks per order in a single zone.
type ZoneFree struct {
	Node int      `json:"node"`
	Zone string   `json:"zone"`
	Free []uint64 `json:"free"`
}

// BuddyInfo is a snapshot of free blocks in all zones.
type BuddyInfo []ZoneFree

// ReadBuddyInfo reads buddyinfo from the procfs root.
func ReadBuddyInfo() (BuddyInfo, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, err
	}
	entries, err := fs.BuddyInfo()
	if err != nil {
		return nil, err
	}

	info := make(BuddyInfo, 0, len(entries))
	for _, e := range entries {
		node, err := strconv.Atoi(e.Node)
		if err != nil {
			return nil, mminfoError(buddyInfoFile, "invalid node %q: %v", e.Node, err)
		}
		zf := ZoneFree{
			Node: node,
			Zone: e.Zone,
			Free: make([]uint64, 0, len(e.Sizes)),
		}
		for _, cnt := range e.Sizes {
			zf.Free = append(zf.Free, uint64(cnt))
		}
		info = append(info, zf)
	}

	return info, nil
}

// ParseBuddyInfo parses buddyinfo formatted data.
func ParseBuddyInfo(r io.Reader) (BuddyInfo, error) {
	var info BuddyInfo

	err := scanLines(r, func(line string) error {
		node, zone, fields, err := parseZoneHeader(line)
		if err != nil {
			return err
		}
		zf := ZoneFree{
			Node: node,
			Zone: zone,
			Free: make([]uint64, 0, len(fields)),
		}
		for _, f := range fields {
			cnt, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid free count %q for zone %s: %w", f, zone, err)
			}
			zf.Free = append(zf.Free, cnt)
		}
		info = append(info, zf)
		return nil
	})

	if err != nil {
		return nil, err
	}

	return info, nil
}

// FreePages returns the number of free pages in the zone.
func (z ZoneFree) FreePages() uint64 {
	pages := uint64(0)
	for order, cnt := range z.Free {
		pages += cnt << order
	}
	return pages
}

// FreeAtLeast returns the number of free blocks of at least the given order,
// counted in units of that order.
func (z ZoneFree) FreeAtLeast(order int) uint64 {
	blocks := uint64(0)
	for o := order; o < len(z.Free); o++ {
		blocks += z.Free[o] << (o - order)
	}
	return blocks
}

// Zone looks up the given zone on the given node.
func (b BuddyInfo) Zone(node int, name string) (ZoneFree, bool) {
	for _, z := range b {
		if z.Node == node && z.Zone == name {
			return z, true
		}
	}
	return ZoneFree{}, false
}

// FreePages returns the total number of free pages.
func (b BuddyInfo) FreePages() uint64 {
	pages := uint64(0)
	for _, z := range b {
		pages += z.FreePages()
	}
	return pages
}

// String returns the snapshot formatted like /proc/buddyinfo.
func (b BuddyInfo) String() string {
	sb := &strings.Builder{}
	for _, z := range b {
		fmt.Fprintf(sb, "Node %d, zone %8s", z.Node, z.Zone)
		for _, cnt := range z.Free {
			fmt.Fprintf(sb, " %6d", cnt)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
