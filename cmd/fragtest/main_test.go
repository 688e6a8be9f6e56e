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

package main

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/fragtest/pkg/apis/config/v1alpha1"
	"github.com/containers/fragtest/pkg/fragtest"
	"github.com/containers/fragtest/pkg/pagealloc"
)

func TestParseZones(t *testing.T) {
	type testCase struct {
		name   string
		args   []string
		result []cfgapi.ZoneConfig
		fail   bool
	}
	for _, tc := range []*testCase{
		{
			name:   "single zone",
			args:   []string{"Normal=1024"},
			result: []cfgapi.ZoneConfig{{Name: "Normal", Pages: 1024}},
		},
		{
			name: "multiple zones",
			args: []string{"DMA32 = 0x1000", "Normal=2048"},
			result: []cfgapi.ZoneConfig{
				{Name: "DMA32", Pages: 4096},
				{Name: "Normal", Pages: 2048},
			},
		},
		{
			name: "missing page count",
			args: []string{"Normal"},
			fail: true,
		},
		{
			name: "missing name",
			args: []string{"=12"},
			fail: true,
		},
		{
			name: "zero pages",
			args: []string{"Normal=0"},
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			zones, err := parseZones(tc.args)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.result, zones)
		})
	}
}

func TestWriteResult(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	obj := &payload{Name: "paced", Count: 42}
	dir := t.TempDir()

	t.Run("json", func(t *testing.T) {
		file := filepath.Join(dir, "result.json")
		require.NoError(t, writeResult(file, obj))
		data, err := os.ReadFile(file)
		require.NoError(t, err)
		got := &payload{}
		require.NoError(t, json.Unmarshal(data, got))
		require.Equal(t, obj, got)
	})

	t.Run("compressed yaml", func(t *testing.T) {
		file := filepath.Join(dir, "result.yaml.gz")
		require.NoError(t, writeResult(file, obj))
		f, err := os.Open(file)
		require.NoError(t, err)
		defer f.Close()
		zr, err := gzip.NewReader(f)
		require.NoError(t, err)
		data := make([]byte, 0, 128)
		buf := make([]byte, 64)
		for {
			n, err := zr.Read(buf)
			data = append(data, buf[:n]...)
			if err != nil {
				break
			}
		}
		require.Contains(t, string(data), "name: paced")
		got := &payload{}
		require.NoError(t, yaml.Unmarshal(data, got))
		require.Equal(t, obj, got)
	})

	t.Run("bad path", func(t *testing.T) {
		require.Error(t, writeResult(filepath.Join(dir, "missing", "result.json"), obj))
	})
}

func TestHarnessConfigFlags(t *testing.T) {
	var (
		cfg    *cfgapi.FragtestConfig
		runCfg fragtest.Config
	)

	app := &cli.App{
		Name:  "fragtest",
		Flags: slices.Concat(globalFlags, runFlags),
		Action: func(c *cli.Context) error {
			var err error
			if cfg, err = loadConfig(c); err != nil {
				return err
			}
			runCfg, err = harnessConfig(c, cfg)
			return err
		},
	}

	err := app.Run([]string{
		"fragtest",
		"--zone", "Normal=4096",
		"--max-order", "6",
		"--nodes", "0-1",
		"--order", "2",
		"--policy", "kernel+noretry",
		"--batch-count", "8",
		"--delay", "5ms",
		"--seed", "7",
	})
	require.NoError(t, err)

	require.Equal(t, cfgapi.BackendSim, cfg.Spec.Backend.Type)
	require.Equal(t, uint(6), cfg.Spec.Backend.MaxOrder)
	require.Equal(t, []cfgapi.ZoneConfig{{Name: "Normal", Pages: 4096}}, cfg.Spec.Backend.Zones)
	require.Equal(t, []int{0, 1}, cfg.Spec.Backend.Nodes)

	require.Equal(t, 2, runCfg.Order)
	require.Equal(t, pagealloc.PolicyKernel|pagealloc.PolicyNoRetry, runCfg.Policy)
	require.Equal(t, 8, runCfg.BatchCount)
	require.Equal(t, 5*time.Millisecond, runCfg.PacingDelay)
	require.Equal(t, uint64(7), runCfg.Seed)
	require.Equal(t, fragtest.DefaultBatchUnits, runCfg.BatchUnits)
	require.Equal(t, fragtest.DefaultAttemptStallTimeout, runCfg.AttemptStallTimeout)
}
