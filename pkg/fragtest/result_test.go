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
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/containers/fragtest/pkg/fragtest"
	"github.com/containers/fragtest/pkg/pagealloc"
)

func TestSummarizeLatencies(t *testing.T) {
	require.Equal(t, fragtest.LatencySummary{}, fragtest.SummarizeLatencies(nil))

	var records []fragtest.AttemptRecord
	for i := 100; i > 0; i-- {
		records = append(records, fragtest.AttemptRecord{
			Index:   100 - i,
			Latency: time.Duration(i) * time.Millisecond,
		})
	}

	expected := fragtest.LatencySummary{
		Count: 100,
		Min:   time.Millisecond,
		Max:   100 * time.Millisecond,
		Mean:  50500 * time.Microsecond,
		P50:   50 * time.Millisecond,
		P99:   99 * time.Millisecond,
	}
	if diff := cmp.Diff(expected, fragtest.SummarizeLatencies(records)); diff != "" {
		t.Errorf("unexpected latency summary (-expected, +got):\n%s", diff)
	}

	single := fragtest.SummarizeLatencies(records[:1])
	require.Equal(t, 100*time.Millisecond, single.P50)
	require.Equal(t, 100*time.Millisecond, single.P99)
}

func testResult() *fragtest.Result {
	res := &fragtest.Result{
		Mode:       fragtest.ModePaced,
		Config:     fragtest.DefaultConfig(),
		State:      fragtest.StateCompleted,
		Successes:  3,
		Failures:   1,
		PoolSize:   3,
		MinRegions: 1,
		Attempts: []fragtest.AttemptRecord{
			{Index: 0, Outcome: fragtest.OutcomeSuccess, Region: pagealloc.RegionNormal},
			{Index: 1, Outcome: fragtest.OutcomeFailure, Region: pagealloc.RegionUnclassified},
			{Index: 2, Outcome: fragtest.OutcomeSuccess, Region: pagealloc.RegionNormal},
			{Index: 3, Outcome: fragtest.OutcomeSuccess, Region: pagealloc.RegionDMA32},
		},
		Samples: []fragtest.Sample{
			{Phase: fragtest.PhaseFill, AttemptIndex: 3, Units: 3, Regions: 2, MinRegions: 1},
		},
		FinalRegions: 2,
	}
	res.Regions[pagealloc.RegionNormal] = 2
	res.Regions[pagealloc.RegionDMA32] = 1
	res.Index = fragtest.FragmentationIndex(res.FinalRegions, res.MinRegions)
	return res
}

func TestWriteReport(t *testing.T) {
	res := testResult()

	buf := &bytes.Buffer{}
	require.NoError(t, res.WriteReport(buf))
	report := buf.String()

	for _, line := range []string{
		"Mode:                    paced\n",
		"Attempted allocations:   4\n",
		"Success allocs:          3\n",
		"Failed allocs:           1\n",
		"Normal zone allocs:      2\n",
		"DMA32 zone allocs:       1\n",
		"% Success:               75.0\n",
		"Fragmentation index:     2.000\n",
		"  fill 3: 2 (3 units, min 1)\n",
		"Test completed successfully\n",
	} {
		require.Contains(t, report, line)
	}
	require.NotContains(t, report, "Evicted")

	res.State = fragtest.StateAborted
	res.Abort = &fragtest.AbortReason{
		Kind:         fragtest.AbortSuccessStall,
		AttemptIndex: 3,
		Message:      "no successful allocation",
	}
	buf.Reset()
	require.NoError(t, res.WriteReport(buf))
	require.Contains(t, buf.String(),
		"Test aborted after 4 attempts: success-stall at attempt 3: no successful allocation\n")
}

func TestSummary(t *testing.T) {
	res := testResult()
	res.PoolSize = 0
	res.MinRegions = 0
	res.FinalRegions = 0
	res.Index = fragtest.FragmentationIndex(0, 0)

	s := res.Summary()
	require.Equal(t, 4, s.Attempts)
	require.Equal(t, 75.0, s.SuccessPercent)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Contains(t, parsed, "index")
	require.Nil(t, parsed["index"])
	require.Equal(t, "paced", parsed["mode"])
	require.Equal(t, "completed", parsed["state"])
	require.Equal(t, "highuser", parsed["policy"])
	require.Equal(t, map[string]any{"Normal": 2.0, "DMA32": 1.0}, parsed["regions"])
	require.NotContains(t, parsed, "abort")
}

func TestResultJSON(t *testing.T) {
	res := testResult()

	data, err := json.Marshal(res)
	require.NoError(t, err)

	parsed := &fragtest.Result{}
	require.NoError(t, json.Unmarshal(data, parsed))
	if diff := cmp.Diff(res, parsed); diff != "" {
		t.Errorf("unexpected result after JSON round trip (-expected, +got):\n%s", diff)
	}
}
