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
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/containers/fragtest/pkg/fragtest"
	"github.com/containers/fragtest/pkg/pagealloc/buddy"
)

func TestMetricsObserver(t *testing.T) {
	m := newMockAllocator()
	m.capacity = 10

	cfg := testConfig()
	cfg.EvictFraction = 0.5
	cfg.Seed = 1

	o := fragtest.NewMetricsObserver()
	h := newHarness(t, m, cfg, fragtest.WithObserver(o))
	_, err := h.Run(context.Background(), fragtest.ModeFillAndFragment)
	require.NoError(t, err)

	expected := `
# HELP allocations_total Number of successful allocations by region class.
# TYPE allocations_total counter
allocations_total{region="Normal"} 10
# HELP attempts_total Number of allocation attempts by outcome.
# TYPE attempts_total counter
attempts_total{outcome="failure"} 1
attempts_total{outcome="success"} 10
# HELP evicted_blocks Number of blocks evicted by the last fill-and-fragment run.
# TYPE evicted_blocks gauge
evicted_blocks 5
# HELP running 1 if a run is in progress, 0 otherwise.
# TYPE running gauge
running 0
# HELP runs_total Number of finished runs by mode and final state.
# TYPE runs_total counter
runs_total{mode="fill-and-fragment",state="completed"} 1
# HELP sample_units Number of blocks in the last fragmentation sample.
# TYPE sample_units gauge
sample_units{phase="evicted"} 5
sample_units{phase="fill"} 10
`
	require.NoError(t, testutil.CollectAndCompare(o, strings.NewReader(expected),
		"allocations_total", "attempts_total", "evicted_blocks", "running", "runs_total",
		"sample_units"))

	// all consecutive frames fall into a single window
	require.Equal(t, 2, testutil.CollectAndCount(o, "fragmentation_index"))
	require.Equal(t, 1, testutil.CollectAndCount(o, "attempt_latency_seconds"))
}

func TestBuddyInfoCollector(t *testing.T) {
	a, err := buddy.New(
		buddy.WithMaxOrder(4),
		buddy.WithZones(buddy.ZoneConfig{Name: "Normal", Pages: 64}),
	)
	require.NoError(t, err)

	expected := `
# HELP free_blocks Number of free blocks per node, zone and order.
# TYPE free_blocks gauge
free_blocks{node="0",order="0",zone="Normal"} 0
free_blocks{node="0",order="1",zone="Normal"} 0
free_blocks{node="0",order="2",zone="Normal"} 0
free_blocks{node="0",order="3",zone="Normal"} 8
`
	require.NoError(t, testutil.CollectAndCompare(fragtest.NewBuddyInfoCollector(a),
		strings.NewReader(expected)))
}
