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
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/fragtest/pkg/apis/config/v1alpha1"
	"github.com/containers/fragtest/pkg/config/watch"
	"github.com/containers/fragtest/pkg/control"
	"github.com/containers/fragtest/pkg/fragtest"
	"github.com/containers/fragtest/pkg/healthz"
	"github.com/containers/fragtest/pkg/instrumentation"
	logger "github.com/containers/fragtest/pkg/log"
	"github.com/containers/fragtest/pkg/metrics"
	"github.com/containers/fragtest/pkg/pagealloc"
	"github.com/containers/fragtest/pkg/pagealloc/backend"
	"github.com/containers/fragtest/pkg/version"
)

const (
	defaultHTTPEndpoint = ":8891"
	shutdownTimeout     = 10 * time.Second
)

var log = logger.Default()

// daemon tracks the configuration of a running fragtestd.
type daemon struct {
	sync.Mutex
	harness *fragtest.Harness
	cfg     *cfgapi.FragtestConfig
	mode    fragtest.Mode
}

func main() {
	var (
		configFile   = flag.String("config", "", "configuration file, watched for changes")
		httpEndpoint = flag.String("http-endpoint", "", "HTTP endpoint, overrides configuration")
		printConfig  = flag.Bool("print-config", false, "print configuration and exit")
	)
	flag.Parse()
	defer klog.Flush()

	if args := flag.Args(); len(args) > 0 {
		log.Error("unknown command line arguments: %s", strings.Join(args, ","))
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatal("%v", err)
	}
	if *httpEndpoint != "" {
		cfg.Spec.Instrumentation.HTTPEndpoint = *httpEndpoint
	}
	if cfg.Spec.Instrumentation.HTTPEndpoint == "" {
		cfg.Spec.Instrumentation.HTTPEndpoint = defaultHTTPEndpoint
	}

	if *printConfig {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatal("failed to marshal configuration: %v", err)
		}
		fmt.Print(string(data))
		os.Exit(0)
	}

	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		log.Fatal("failed to configure logging: %v", err)
	}

	log.Info("fragtestd (version %s, build %s) starting...", version.Version, version.Build)

	if err := run(cfg, *configFile); err != nil {
		log.Fatal("%v", err)
	}
}

func run(cfg *cfgapi.FragtestConfig, configFile string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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

	runCfg, err := cfg.Spec.Harness.ToConfig()
	if err != nil {
		return fmt.Errorf("invalid harness configuration: %w", err)
	}
	mode, err := cfg.Spec.Harness.RunMode()
	if err != nil {
		return fmt.Errorf("invalid harness configuration: %w", err)
	}

	observer := fragtest.NewMetricsObserver()
	if err := metrics.Register("runs", observer, metrics.WithGroup("harness")); err != nil {
		return err
	}
	if src, ok := alloc.(pagealloc.BuddyInfoSource); ok {
		err := metrics.Register("buddyinfo", fragtest.NewBuddyInfoCollector(src),
			metrics.WithGroup("allocator"), metrics.WithPolled())
		if err != nil {
			return err
		}
	}

	h, err := fragtest.New(alloc,
		fragtest.WithClassifier(classifier),
		fragtest.WithObserver(observer),
		fragtest.WithConfig(runCfg),
	)
	if err != nil {
		return fmt.Errorf("failed to create harness: %w", err)
	}

	d := &daemon{
		harness: h,
		cfg:     cfg,
		mode:    mode,
	}

	healthz.RegisterHealthChecker("harness", d.checkHealth)
	control.New(ctx, h, control.WithDefaultMode(d.defaultMode)).Setup(instrumentation.Mux())

	if err := instrumentation.Start(&cfg.Spec.Instrumentation); err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}
	defer instrumentation.Stop()

	if configFile != "" {
		w, err := watch.File(configFile, func(data []byte, _ string) (*cfgapi.FragtestConfig, error) {
			return cfgapi.Load(data)
		})
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", configFile, err)
		}
		defer w.Stop()
		go d.watchConfig(w)
	}

	log.Info("fragtestd up and running, serving on %s", instrumentation.Address())

	<-ctx.Done()

	log.Info("shutting down...")
	h.Stop()

	wctx, wcancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer wcancel()
	if err := h.Wait(wctx); err != nil {
		log.Error("run did not stop in %s: %v", shutdownTimeout, err)
	}

	return nil
}

func (d *daemon) watchConfig(w *watch.FileWatch[*cfgapi.FragtestConfig]) {
	for e := range w.ResultChan() {
		switch e.Type {
		case watch.Added, watch.Modified:
			log.Info("configuration %s", strings.ToLower(string(e.Type)))
			if err := d.reconfigure(e.Object); err != nil {
				log.Error("failed to apply configuration: %v", err)
			}
		case watch.Deleted:
			log.Warn("configuration file removed, keeping current configuration")
		case watch.Error:
			log.Error("configuration watch failed: %v", e.Err)
		}
	}
}

func (d *daemon) reconfigure(cfg *cfgapi.FragtestConfig) error {
	d.Lock()
	defer d.Unlock()

	if cfg.Spec.Instrumentation.HTTPEndpoint == "" {
		cfg.Spec.Instrumentation.HTTPEndpoint = d.cfg.Spec.Instrumentation.HTTPEndpoint
	}

	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	if !reflect.DeepEqual(cfg.Spec.Backend, d.cfg.Spec.Backend) {
		log.Warn("allocator backend changes take effect after a restart")
	}

	runCfg, err := cfg.Spec.Harness.ToConfig()
	if err != nil {
		return fmt.Errorf("harness: %w", err)
	}
	mode, err := cfg.Spec.Harness.RunMode()
	if err != nil {
		return fmt.Errorf("harness: %w", err)
	}

	if err := d.harness.Configure(runCfg); err != nil {
		if errors.Is(err, fragtest.ErrBusy) {
			log.Warn("run in progress, configuration update skipped")
			return nil
		}
		return fmt.Errorf("harness: %w", err)
	}
	d.mode = mode

	if !reflect.DeepEqual(cfg.Spec.Instrumentation, d.cfg.Spec.Instrumentation) {
		if err := instrumentation.Reconfigure(&cfg.Spec.Instrumentation); err != nil {
			return fmt.Errorf("instrumentation: %w", err)
		}
	}

	d.cfg = cfg

	return nil
}

func (d *daemon) defaultMode() fragtest.Mode {
	d.Lock()
	defer d.Unlock()
	return d.mode
}

func (d *daemon) checkHealth() (healthz.Status, error) {
	res, err := d.harness.Result()
	if err != nil {
		return healthz.Healthy, nil
	}
	if len(res.Errors) > 0 {
		return healthz.Degraded, fmt.Errorf("last run failed to free blocks: %s",
			strings.Join(res.Errors, "; "))
	}
	return healthz.Healthy, nil
}

func loadConfig(file string) (*cfgapi.FragtestConfig, error) {
	if file == "" {
		cfg := &cfgapi.FragtestConfig{}
		cfg.SetDefaults()
		return cfg, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	return cfgapi.Load(data)
}
