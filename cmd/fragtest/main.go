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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/fragtest/pkg/apis/config/v1alpha1"
	"github.com/containers/fragtest/pkg/fragtest"
	logger "github.com/containers/fragtest/pkg/log"
	"github.com/containers/fragtest/pkg/pagealloc"
	"github.com/containers/fragtest/pkg/pagealloc/backend"
	"github.com/containers/fragtest/pkg/version"
)

var log = logger.Get("fragtest-cli")

func runCommand(mode fragtest.Mode, usage string) *cli.Command {
	return &cli.Command{
		Name:  mode.String(),
		Usage: usage,
		Flags: runFlags,
		Action: func(c *cli.Context) error {
			return runTest(c, mode)
		},
	}
}

func runTest(c *cli.Context, mode fragtest.Mode) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := configureLogging(c, cfg); err != nil {
		return err
	}

	runCfg, err := harnessConfig(c, cfg)
	if err != nil {
		return err
	}

	alloc, err := backend.New(&cfg.Spec.Backend)
	if err != nil {
		return fmt.Errorf("failed to create allocator: %w", err)
	}
	defer func() {
		if err := backend.Close(alloc); err != nil {
			log.Error("failed to close allocator: %v", err)
		}
	}()

	classifier, err := backend.NewClassifier(&cfg.Spec.Backend)
	if err != nil {
		return fmt.Errorf("invalid region table: %w", err)
	}

	opts := []fragtest.Option{
		fragtest.WithClassifier(classifier),
		fragtest.WithConfig(runCfg),
	}
	if !c.Bool("no-progress") {
		opts = append(opts, fragtest.WithObserver(newProgressObserver(os.Stderr)))
	}

	h, err := fragtest.New(alloc, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := h.Run(ctx, mode)
	if err != nil {
		return err
	}

	if c.Bool("report") {
		if err := res.WriteReport(os.Stdout); err != nil {
			return err
		}
	}

	if out := c.String("out"); out != "" {
		var obj any = res.Summary()
		if c.Bool("full") {
			obj = res
		}
		if err := writeResult(out, obj); err != nil {
			return err
		}
		log.Info("result written to %s", out)
	}

	if res.Aborted() && c.Bool("fail-on-abort") {
		return cli.Exit(fmt.Sprintf("test aborted: %s", res.Abort), 2)
	}

	return nil
}

var buddyInfoCommand = &cli.Command{
	Name:  "buddyinfo",
	Usage: "show free blocks per zone and order as seen by the allocator backend",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if err := configureLogging(c, cfg); err != nil {
			return err
		}

		alloc, err := backend.New(&cfg.Spec.Backend)
		if err != nil {
			return fmt.Errorf("failed to create allocator: %w", err)
		}
		defer backend.Close(alloc)

		src, ok := alloc.(pagealloc.BuddyInfoSource)
		if !ok {
			return fmt.Errorf("backend %s does not report buddy info", cfg.Spec.Backend.Type)
		}
		bi, err := src.BuddyInfo()
		if err != nil {
			return err
		}

		fmt.Print(bi.String())
		return nil
	},
}

var paramsCommand = &cli.Command{
	Name:  "params",
	Usage: "list run parameters with their effective values",
	Flags: runFlags,
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		runCfg, err := harnessConfig(c, cfg)
		if err != nil {
			return err
		}

		alloc, err := backend.New(&cfg.Spec.Backend)
		if err != nil {
			return err
		}
		defer backend.Close(alloc)

		h, err := fragtest.New(alloc, fragtest.WithConfig(runCfg))
		if err != nil {
			return err
		}
		for _, p := range h.Params() {
			fmt.Printf("%-22s %-12s %s\n", p.Name, p.Value, p.Description)
		}
		return nil
	},
}

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "print the effective configuration as YAML",
	Flags: runFlags,
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		runCfg, err := harnessConfig(c, cfg)
		if err != nil {
			return err
		}
		mode, err := cfg.Spec.Harness.RunMode()
		if err != nil {
			return err
		}
		cfg.Spec.Harness = cfgapi.FromConfig(runCfg, mode)

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func main() {
	defer klog.Flush()

	app := &cli.App{
		Name:    "fragtest",
		Usage:   "stress a page allocator and measure external fragmentation",
		Version: version.Version + " (build " + version.Build + ")",
		Flags:   globalFlags,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run a test and report the results",
				Subcommands: []*cli.Command{
					runCommand(fragtest.ModePaced, "make paced batches of allocation attempts"),
					runCommand(fragtest.ModeFillAndFragment,
						"allocate until failure, then evict a random fraction of the blocks"),
				},
			},
			buddyInfoCommand,
			paramsCommand,
			configCommand,
		},
	}

	if err := app.RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		klog.Flush()
		os.Exit(1)
	}
}
