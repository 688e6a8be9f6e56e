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

package pagealloc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RegionClass is the class of the memory region a block was allocated from.
type RegionClass int

const (
	RegionDMA RegionClass = iota
	RegionDMA32
	RegionNormal
	RegionHighMem
	RegionMovable
	RegionUnclassified

	// NumRegionClasses is the number of region classes, including unclassified.
	NumRegionClasses = int(RegionUnclassified) + 1
)

var (
	regionToString = map[RegionClass]string{
		RegionDMA:          "DMA",
		RegionDMA32:        "DMA32",
		RegionNormal:       "Normal",
		RegionHighMem:      "HighMem",
		RegionMovable:      "Movable",
		RegionUnclassified: "Unclassified",
	}

	// DefaultRegionTable maps the usual zone labels to region classes.
	DefaultRegionTable = map[string]RegionClass{
		"DMA":     RegionDMA,
		"DMA32":   RegionDMA32,
		"Normal":  RegionNormal,
		"HighMem": RegionHighMem,
		"Movable": RegionMovable,
	}
)

// RegionClasses returns all region classes, unclassified last.
func RegionClasses() []RegionClass {
	return []RegionClass{
		RegionDMA, RegionDMA32, RegionNormal, RegionHighMem, RegionMovable, RegionUnclassified,
	}
}

// String returns the name of the region class.
func (r RegionClass) String() string {
	if str, ok := regionToString[r]; ok {
		return str
	}
	return fmt.Sprintf("%%!(pagealloc:Bad-RegionClass %d)", r)
}

// MarshalText is the encoding.TextMarshaler for RegionClass. It lets
// region classes be used as JSON map keys.
func (r RegionClass) MarshalText() ([]byte, error) {
	if _, ok := regionToString[r]; !ok {
		return nil, fmt.Errorf("pagealloc: invalid region class %d", r)
	}
	return []byte(r.String()), nil
}

// UnmarshalText is the encoding.TextUnmarshaler for RegionClass.
func (r *RegionClass) UnmarshalText(data []byte) error {
	for class, name := range regionToString {
		if strings.EqualFold(name, string(data)) {
			*r = class
			return nil
		}
	}
	return fmt.Errorf("pagealloc: invalid region class %q", string(data))
}

var _ json.Marshaler = RegionCounts{}

// RegionCounts counts blocks per region class.
type RegionCounts [NumRegionClasses]int

// Add increments the count for the given region class.
func (c *RegionCounts) Add(r RegionClass) {
	if r < 0 || int(r) >= NumRegionClasses {
		r = RegionUnclassified
	}
	c[r]++
}

// Total returns the sum of all counts.
func (c RegionCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// MarshalJSON marshals the non-zero counts as a map keyed by class name.
func (c RegionCounts) MarshalJSON() ([]byte, error) {
	m := make(map[string]int)
	for _, r := range RegionClasses() {
		if c[r] != 0 {
			m[r.String()] = c[r]
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON is the json.Unmarshaller for RegionCounts.
func (c *RegionCounts) UnmarshalJSON(data []byte) error {
	m := make(map[RegionClass]int)
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*c = RegionCounts{}
	for r, n := range m {
		c[r] = n
	}
	return nil
}

// Classifier maps the zone labels reported by an allocator to region classes.
type Classifier struct {
	table map[string]RegionClass
}

// NewClassifier creates a classifier with the given label table. Labels are
// matched case-insensitively. A nil table gives DefaultRegionTable.
func NewClassifier(table map[string]RegionClass) *Classifier {
	if table == nil {
		table = DefaultRegionTable
	}
	c := &Classifier{table: make(map[string]RegionClass, len(table))}
	for label, class := range table {
		c.table[strings.ToLower(label)] = class
	}
	return c
}

// Classify returns the region class for the given zone label. Unknown
// labels are classified as RegionUnclassified.
func (c *Classifier) Classify(label string) RegionClass {
	if class, ok := c.table[strings.ToLower(strings.TrimSpace(label))]; ok {
		return class
	}
	return RegionUnclassified
}

// ClassifyBlock returns the region class of the given block.
func (c *Classifier) ClassifyBlock(a Allocator, b *Block) RegionClass {
	return c.Classify(a.Zone(b))
}
