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
)

// Zone describes the page frame range and page counts of a zone.
type Zone struct {
	Node     int    `json:"node"`
	Name     string `json:"name"`
	StartPFN uint64 `json:"startPFN"`
	Spanned  uint64 `json:"spanned"`
	Present  uint64 `json:"present"`
	Managed  uint64 `json:"managed"`
	Free     uint64 `json:"free"`
}

// ZoneInfo describes all zones.
type ZoneInfo []Zone

// ReadZoneInfo reads and parses zoneinfo from the procfs root.
func ReadZoneInfo() (ZoneInfo, error) {
	var info ZoneInfo
	err := readProcFile(zoneInfoFile, func(r io.Reader) error {
		var err error
		info, err = ParseZoneInfo(r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ParseZoneInfo parses zoneinfo formatted data. Only the fields describing
// zone extents and page counts are parsed, everything else is skipped.
func ParseZoneInfo(r io.Reader) (ZoneInfo, error) {
	var (
		info ZoneInfo
		cur  = -1
	)

	err := scanLines(r, func(line string) error {
		if strings.HasPrefix(line, "Node ") {
			node, name, _, err := parseZoneHeader(line)
			if err != nil {
				return err
			}
			info = append(info, Zone{Node: node, Name: name})
			cur = len(info) - 1
			return nil
		}

		if cur < 0 {
			return nil
		}

		zone := &info[cur]

		fields := strings.Fields(line)
		var (
			key string
			val string
		)
		switch {
		case len(fields) == 3 && fields[0] == "pages" && fields[1] == "free":
			key, val = "free", fields[2]
		case len(fields) == 2:
			key, val = strings.TrimSuffix(fields[0], ":"), fields[1]
		default:
			return nil
		}

		var ptr *uint64
		switch key {
		case "free":
			ptr = &zone.Free
		case "spanned":
			ptr = &zone.Spanned
		case "present":
			ptr = &zone.Present
		case "managed":
			ptr = &zone.Managed
		case "start_pfn":
			ptr = &zone.StartPFN
		default:
			return nil
		}

		v, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q for zone %s: %w", key, val, zone.Name, err)
		}
		*ptr = v
		return nil
	})

	if err != nil {
		return nil, err
	}

	return info, nil
}

// ZoneOf returns the zone spanning the given page frame number.
func (zi ZoneInfo) ZoneOf(pfn uint64) (Zone, bool) {
	for _, z := range zi {
		if z.Spanned == 0 {
			continue
		}
		if z.StartPFN <= pfn && pfn < z.StartPFN+z.Spanned {
			return z, true
		}
	}
	return Zone{}, false
}
