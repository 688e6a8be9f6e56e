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

package fragtest

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// RegionCount returns the number of distinct aligned windows of 2^shift
// frame numbers occupied by the given keys. The keys are not modified.
func RegionCount(keys []uint64, shift uint) int {
	if len(keys) == 0 {
		return 0
	}

	sorted := slices.Clone(keys)
	slices.Sort(sorted)

	count := 1
	prev := sorted[0] >> shift
	for _, key := range sorted[1:] {
		if w := key >> shift; w != prev {
			count++
			prev = w
		}
	}

	return count
}

// MinRegions returns the fewest windows the given number of blocks can
// occupy, with unitsPerWindow blocks fitting into a single window.
func MinRegions(units, unitsPerWindow int) int {
	if units <= 0 {
		return 0
	}
	if unitsPerWindow < 1 {
		unitsPerWindow = 1
	}
	return (units + unitsPerWindow - 1) / unitsPerWindow
}

// Index is a fragmentation index, the ratio of observed to minimum regions.
// It is not applicable to empty sets of blocks.
type Index struct {
	Value float64
	Valid bool
}

// FragmentationIndex returns the fragmentation index for the given
// observed and minimum region counts.
func FragmentationIndex(observed, minimum int) Index {
	if minimum <= 0 {
		return Index{}
	}
	return Index{
		Value: float64(observed) / float64(minimum),
		Valid: true,
	}
}

// String returns the index with 3 decimals, or n/a.
func (i Index) String() string {
	if !i.Valid {
		return "n/a"
	}
	return fmt.Sprintf("%.3f", i.Value)
}

// MarshalJSON marshals the index as a number, or null if not applicable.
func (i Index) MarshalJSON() ([]byte, error) {
	if !i.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(i.Value)
}

// UnmarshalJSON is the json.Unmarshaller for Index.
func (i *Index) UnmarshalJSON(data []byte) error {
	var v *float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v == nil {
		*i = Index{}
	} else {
		*i = Index{Value: *v, Valid: true}
	}
	return nil
}

// RegionTracker incrementally tracks the windows occupied by a growing
// set of blocks.
type RegionTracker struct {
	shift   uint
	windows *roaring64.Bitmap
	units   int
}

// NewRegionTracker creates a tracker for windows of 2^shift frame numbers.
func NewRegionTracker(shift uint) *RegionTracker {
	return &RegionTracker{
		shift:   shift,
		windows: roaring64.New(),
	}
}

// Add adds the block with the given frame number to the tracked set.
func (t *RegionTracker) Add(key uint64) {
	t.windows.Add(key >> t.shift)
	t.units++
}

// Units returns the number of tracked blocks.
func (t *RegionTracker) Units() int {
	return t.units
}

// Regions returns the number of windows occupied by the tracked blocks.
func (t *RegionTracker) Regions() int {
	return int(t.windows.GetCardinality())
}
