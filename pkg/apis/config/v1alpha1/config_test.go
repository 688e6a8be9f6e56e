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

package v1alpha1_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/fragtest/pkg/apis/config/v1alpha1"
	"github.com/containers/fragtest/pkg/fragtest"
	"github.com/containers/fragtest/pkg/pagealloc"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := cfgapi.Load([]byte("spec: {}\n"))
	require.NoError(t, err)
	require.Equal(t, cfgapi.Kind, cfg.Kind)
	require.Equal(t, cfgapi.BackendSim, cfg.Spec.Backend.Type)
	require.Equal(t, uint(cfgapi.DefaultMaxOrder), cfg.Spec.Backend.MaxOrder)

	rc, err := cfg.Spec.Harness.ToConfig()
	require.NoError(t, err)
	if diff := cmp.Diff(fragtest.DefaultConfig(), rc); diff != "" {
		t.Errorf("unexpected default configuration (-want +got):\n%s", diff)
	}

	mode, err := cfg.Spec.Harness.RunMode()
	require.NoError(t, err)
	require.Equal(t, fragtest.ModePaced, mode)
}

func TestLoad(t *testing.T) {
	data := `
apiVersion: config.fragtest.io/v1alpha1
kind: FragtestConfig
metadata:
  name: test
spec:
  harness:
    mode: fragalloc
    order: 3
    policy: highuser-movable+noretry
    batchCount: 10
    pacingDelay: 5ms
    evictFraction: 0.25
    attemptStallTimeout: 1m
    successStallTimeout: 2m
    seed: 42
  backend:
    type: sim
    zones:
      - name: DMA32
        pages: 1024
    regionTable:
      dma32: Normal
  log:
    debug: [ fragtest ]
`
	cfg, err := cfgapi.Load([]byte(data))
	require.NoError(t, err)
	require.Equal(t, "test", cfg.Name)

	rc, err := cfg.Spec.Harness.ToConfig()
	require.NoError(t, err)

	expected := fragtest.DefaultConfig()
	expected.Order = 3
	expected.Policy = pagealloc.PolicyHighUserMovable | pagealloc.PolicyNoRetry
	expected.BatchCount = 10
	expected.PacingDelay = 5 * time.Millisecond
	expected.EvictFraction = 0.25
	expected.AttemptStallTimeout = time.Minute
	expected.SuccessStallTimeout = 2 * time.Minute
	expected.Seed = 42

	if diff := cmp.Diff(expected, rc); diff != "" {
		t.Errorf("unexpected configuration (-want +got):\n%s", diff)
	}

	mode, err := cfg.Spec.Harness.RunMode()
	require.NoError(t, err)
	require.Equal(t, fragtest.ModeFillAndFragment, mode)

	table, err := cfg.Spec.Backend.ParseRegionTable()
	require.NoError(t, err)
	require.Equal(t, map[string]pagealloc.RegionClass{"dma32": pagealloc.RegionNormal}, table)
	require.Equal(t, []string{"fragtest"}, cfg.Spec.Log.Debug)
}

func TestLoadErrors(t *testing.T) {
	type testCase struct {
		name string
		data string
	}
	for _, tc := range []*testCase{
		{
			name: "unknown field",
			data: "spec:\n  harness:\n    bogus: 1\n",
		},
		{
			name: "wrong kind",
			data: "kind: Pod\nspec: {}\n",
		},
		{
			name: "malformed",
			data: "spec: [\n",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := cfgapi.Load([]byte(tc.data))
			require.Error(t, err)
		})
	}
}

func TestInvalidHarnessConfig(t *testing.T) {
	h := cfgapi.HarnessConfig{
		Mode:   "bogus",
		Policy: "atomic",
	}
	_, err := h.ToConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "harness.policy")
	require.Contains(t, err.Error(), "harness.mode")

	b := cfgapi.BackendConfig{RegionTable: map[string]string{"foo": "bar"}}
	_, err = b.ParseRegionTable()
	require.Error(t, err)
}

func TestConfigRoundTrip(t *testing.T) {
	rc := fragtest.DefaultConfig()
	rc.Order = 2
	rc.StopOnFailure = true
	rc.FillLimit = 100

	h := cfgapi.FromConfig(rc, fragtest.ModeFillAndFragment)
	back, err := h.ToConfig()
	require.NoError(t, err)
	require.Equal(t, rc, back)
	require.Equal(t, "fill-and-fragment", h.Mode)
}
