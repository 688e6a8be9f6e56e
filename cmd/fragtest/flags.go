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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	cfgapi "github.com/containers/fragtest/pkg/apis/config/v1alpha1"
	"github.com/containers/fragtest/pkg/fragtest"
	logger "github.com/containers/fragtest/pkg/log"
	"github.com/containers/fragtest/pkg/pagealloc"
	"github.com/containers/fragtest/pkg/utils/nodeset"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML configuration file, flags override its settings",
	},
	&cli.StringFlag{
		Name:  "backend",
		Value: cfgapi.BackendSim,
		Usage: "allocator backend, sim or mmap",
	},
	&cli.UintFlag{
		Name:  "max-order",
		Value: cfgapi.DefaultMaxOrder,
		Usage: "exclusive upper bound of block orders",
	},
	&cli.StringSliceFlag{
		Name:  "zone",
		Usage: "zone of the simulated allocator as name=pages, may be repeated",
	},
	&cli.StringFlag{
		Name:  "mem-policy",
		Usage: "memory policy for mmap allocations, for instance bind or preferred",
	},
	&cli.StringSliceFlag{
		Name:  "nodes",
		Usage: "NUMA node list for the mmap memory policy, for instance 0-1,3",
	},
	&cli.BoolFlag{
		Name:  "physical-frames",
		Usage: "order mmap allocations by physical frame number (needs /proc/self/pagemap)",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "lowest severity of log messages, debug, info, warn, or error",
	},
	&cli.StringSliceFlag{
		Name:  "debug",
		Usage: "enable debug messages for logger sources, for instance fragtest,driver or all",
	},
}

var runFlags = []cli.Flag{
	&cli.IntFlag{
		Name:  "order",
		Value: fragtest.DefaultOrder,
		Usage: "order of allocated blocks",
	},
	&cli.StringFlag{
		Name:  "policy",
		Value: fragtest.DefaultPolicy.String(),
		Usage: "allocation policy, kernel, highuser, or highuser-movable, optionally +noretry",
	},
	&cli.IntFlag{
		Name:  "batch-units",
		Value: fragtest.DefaultBatchUnits,
		Usage: "allocation attempts per paced batch",
	},
	&cli.IntFlag{
		Name:  "batch-count",
		Value: fragtest.DefaultBatchCount,
		Usage: "number of paced batches",
	},
	&cli.DurationFlag{
		Name:  "delay",
		Value: fragtest.DefaultPacingDelay,
		Usage: "minimum delay between paced batches",
	},
	&cli.IntFlag{
		Name:  "check-interval",
		Value: fragtest.DefaultCheckInterval,
		Usage: "successful allocations between fragmentation samples",
	},
	&cli.Float64Flag{
		Name:  "evict-fraction",
		Value: fragtest.DefaultEvictFraction,
		Usage: "fraction of filled blocks to evict",
	},
	&cli.IntFlag{
		Name:  "pageblock-order",
		Value: fragtest.DefaultPageblockOrder,
		Usage: "order of alignment windows",
	},
	&cli.DurationFlag{
		Name:  "attempt-stall-timeout",
		Value: fragtest.DefaultAttemptStallTimeout,
		Usage: "abort if a single attempt takes longer",
	},
	&cli.DurationFlag{
		Name:  "success-stall-timeout",
		Value: fragtest.DefaultSuccessStallTimeout,
		Usage: "abort if no allocation succeeds for longer",
	},
	&cli.BoolFlag{
		Name:  "stop-on-failure",
		Usage: "end a paced run at the first failed allocation",
	},
	&cli.IntFlag{
		Name:  "fill-limit",
		Usage: "maximum number of blocks to fill with, 0 for no limit",
	},
	&cli.Uint64Flag{
		Name:  "seed",
		Usage: "seed for eviction randomness, 0 for a random seed",
	},
	&cli.StringFlag{
		Name:  "out",
		Usage: "file to write the result to (JSON, .yaml for YAML, .gz for compression)",
	},
	&cli.BoolFlag{
		Name:  "full",
		Usage: "include all attempt records and samples in the written result",
	},
	&cli.BoolFlag{
		Name:  "report",
		Value: true,
		Usage: "print a human readable report",
	},
	&cli.BoolFlag{
		Name:  "no-progress",
		Usage: "do not show a progress bar",
	},
	&cli.BoolFlag{
		Name:  "fail-on-abort",
		Usage: "exit with status 2 if the test is aborted",
	},
}

// loadConfig loads the configuration file, if any, and applies the
// backend flags on top of it.
func loadConfig(c *cli.Context) (*cfgapi.FragtestConfig, error) {
	cfg := &cfgapi.FragtestConfig{}

	if file := c.String("config"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
		if cfg, err = cfgapi.Load(data); err != nil {
			return nil, err
		}
	}

	b := &cfg.Spec.Backend
	if c.IsSet("backend") {
		b.Type = c.String("backend")
	}
	if c.IsSet("max-order") {
		b.MaxOrder = c.Uint("max-order")
	}
	if c.IsSet("zone") {
		zones, err := parseZones(c.StringSlice("zone"))
		if err != nil {
			return nil, err
		}
		b.Zones = zones
	}
	if c.IsSet("mem-policy") {
		b.MemPolicy = c.String("mem-policy")
	}
	if c.IsSet("nodes") {
		nodes, err := nodeset.ParseList(c.StringSlice("nodes")...)
		if err != nil {
			return nil, err
		}
		b.Nodes = nodes
	}
	if c.IsSet("physical-frames") {
		b.PhysicalFrames = c.Bool("physical-frames")
	}

	cfg.SetDefaults()

	return cfg, nil
}

// configureLogging applies the logging configuration and flags.
func configureLogging(c *cli.Context, cfg *cfgapi.FragtestConfig) error {
	logCfg := cfg.Spec.Log
	if c.IsSet("log-level") {
		logCfg.Level = c.String("log-level")
	}
	if c.IsSet("debug") {
		logCfg.Debug = append(logCfg.Debug, c.StringSlice("debug")...)
	}
	return logger.Configure(&logCfg)
}

// harnessConfig returns the run configuration with the run flags applied.
func harnessConfig(c *cli.Context, cfg *cfgapi.FragtestConfig) (fragtest.Config, error) {
	runCfg, err := cfg.Spec.Harness.ToConfig()
	if err != nil {
		return fragtest.Config{}, err
	}

	setInt := func(name string, ptr *int) {
		if c.IsSet(name) {
			*ptr = c.Int(name)
		}
	}
	setDuration := func(name string, ptr *time.Duration) {
		if c.IsSet(name) {
			*ptr = c.Duration(name)
		}
	}

	setInt("order", &runCfg.Order)
	setInt("batch-units", &runCfg.BatchUnits)
	setInt("batch-count", &runCfg.BatchCount)
	setInt("check-interval", &runCfg.CheckInterval)
	setInt("pageblock-order", &runCfg.PageblockOrder)
	setInt("fill-limit", &runCfg.FillLimit)
	setDuration("delay", &runCfg.PacingDelay)
	setDuration("attempt-stall-timeout", &runCfg.AttemptStallTimeout)
	setDuration("success-stall-timeout", &runCfg.SuccessStallTimeout)

	if c.IsSet("policy") {
		p, err := pagealloc.ParsePolicy(c.String("policy"))
		if err != nil {
			return fragtest.Config{}, err
		}
		runCfg.Policy = p
	}
	if c.IsSet("evict-fraction") {
		runCfg.EvictFraction = c.Float64("evict-fraction")
	}
	if c.IsSet("stop-on-failure") {
		runCfg.StopOnFailure = c.Bool("stop-on-failure")
	}
	if c.IsSet("seed") {
		runCfg.Seed = c.Uint64("seed")
	}

	return runCfg, nil
}

// parseZones parses zones given as name=pages.
func parseZones(zoneArgs []string) ([]cfgapi.ZoneConfig, error) {
	zones := make([]cfgapi.ZoneConfig, 0, len(zoneArgs))
	for _, arg := range zoneArgs {
		name, pages, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid zone %q, expected name=pages", arg)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(pages), 0, 64)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid page count in zone %q", arg)
		}
		zones = append(zones, cfgapi.ZoneConfig{Name: strings.TrimSpace(name), Pages: n})
	}
	return zones, nil
}
