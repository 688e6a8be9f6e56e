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

package fragtest_test

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/fragtest/pkg/fragtest"
)

func TestRegionCount(t *testing.T) {
	type testCase struct {
		name  string
		keys  []uint64
		shift uint
		count int
	}
	for _, tc := range []*testCase{
		{
			name:  "empty",
			shift: 9,
			count: 0,
		},
		{
			name:  "single window",
			keys:  []uint64{0, 1, 2, 511},
			shift: 9,
			count: 1,
		},
		{
			name:  "window boundary",
			keys:  []uint64{511, 512},
			shift: 9,
			count: 2,
		},
		{
			name:  "one per window",
			keys:  []uint64{0, 512, 1024},
			shift: 9,
			count: 3,
		},
		{
			name:  "unsorted",
			keys:  []uint64{1024, 3, 1030, 700},
			shift: 9,
			count: 3,
		},
		{
			name:  "zero shift",
			keys:  []uint64{5, 3, 5, 4},
			shift: 0,
			count: 3,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			keys := append([]uint64(nil), tc.keys...)
			require.Equal(t, tc.count, fragtest.RegionCount(keys, tc.shift))
			require.Equal(t, tc.keys, keys, "keys must not be modified")
		})
	}
}

func TestMinRegions(t *testing.T) {
	require.Equal(t, 0, fragtest.MinRegions(0, 512))
	require.Equal(t, 1, fragtest.MinRegions(1, 512))
	require.Equal(t, 1, fragtest.MinRegions(512, 512))
	require.Equal(t, 2, fragtest.MinRegions(513, 512))
	require.Equal(t, 5, fragtest.MinRegions(5, 1))
	require.Equal(t, 5, fragtest.MinRegions(5, 0))
}

func TestUnitsPerWindow(t *testing.T) {
	for _, tc := range []struct {
		order, pageblockOrder, units int
	}{
		{0, 9, 512},
		{2, 9, 128},
		{9, 9, 1},
		{10, 9, 1},
		{0, 0, 1},
	} {
		cfg := fragtest.Config{Order: tc.order, PageblockOrder: tc.pageblockOrder}
		require.Equal(t, tc.units, cfg.UnitsPerWindow(), "order %d, pageblock order %d",
			tc.order, tc.pageblockOrder)
	}
}

func TestFragmentationIndex(t *testing.T) {
	idx := fragtest.FragmentationIndex(3, 0)
	require.False(t, idx.Valid)
	require.Equal(t, "n/a", idx.String())
	data, err := json.Marshal(idx)
	require.NoError(t, err)
	require.Equal(t, "null", string(data))

	idx = fragtest.FragmentationIndex(6, 4)
	require.True(t, idx.Valid)
	require.Equal(t, 1.5, idx.Value)
	require.Equal(t, "1.500", idx.String())
	data, err = json.Marshal(idx)
	require.NoError(t, err)
	require.Equal(t, "1.5", string(data))

	var parsed fragtest.Index
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Equal(t, idx, parsed)
	require.NoError(t, json.Unmarshal([]byte("null"), &parsed))
	require.False(t, parsed.Valid)
}

func TestRegionTracker(t *testing.T) {
	const (
		order          = 2
		pageblockOrder = 9
		blocks         = 1024
	)

	var (
		rng     = rand.New(rand.NewPCG(1, 2))
		tracker = fragtest.NewRegionTracker(pageblockOrder)
		keys    []uint64
		upw     = 1 << (pageblockOrder - order)
	)

	for _, k := range rng.Perm(blocks) {
		key := uint64(k) << order
		keys = append(keys, key)
		tracker.Add(key)

		regions := tracker.Regions()
		require.Equal(t, len(keys), tracker.Units())
		require.Equal(t, fragtest.RegionCount(keys, pageblockOrder), regions)
		require.LessOrEqual(t, fragtest.MinRegions(len(keys), upw), regions)
		require.LessOrEqual(t, regions, len(keys))
	}

	// all blocks allocated, packed into the minimum number of windows
	require.Equal(t, blocks/upw, tracker.Regions())
}
