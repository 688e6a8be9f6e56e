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

// Package mminfo parses the page allocator state the kernel exposes in
// /proc/buddyinfo and /proc/zoneinfo.
package mminfo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	buddyInfoFile = "buddyinfo"
	zoneInfoFile  = "zoneinfo"
)

var (
	procRoot = "/proc"
)

// SetProcRoot sets the procfs root directory used for reading kernel state.
func SetProcRoot(path string) {
	procRoot = path
}

// ProcRoot returns the current procfs root directory.
func ProcRoot() string {
	return procRoot
}

// parseZoneHeader parses a 'Node N, zone NAME' prefix, returning the node,
// the zone name, and any remaining fields.
func parseZoneHeader(line string) (int, string, []string, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[0] != "Node" || fields[2] != "zone" ||
		!strings.HasSuffix(fields[1], ",") {
		return 0, "", nil, fmt.Errorf("not a zone header: %q", line)
	}
	node, err := strconv.Atoi(strings.TrimSuffix(fields[1], ","))
	if err != nil {
		return 0, "", nil, fmt.Errorf("invalid node in %q: %w", line, err)
	}
	return node, fields[3], fields[4:], nil
}

func readProcFile(name string, parse func(io.Reader) error) error {
	path := filepath.Join(procRoot, name)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := parse(f); err != nil {
		return mminfoError(path, "%v", err)
	}
	return nil
}

func scanLines(r io.Reader, fn func(string) error) error {
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return s.Err()
}

func mminfoError(path, format string, args ...any) error {
	return fmt.Errorf("mminfo: %s: "+format, append([]any{path}, args...)...)
}
