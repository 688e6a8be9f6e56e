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

// Package instrumentation runs the HTTP server and the tracing and metrics
// exporters of a process.
package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	cfgapi "github.com/containers/fragtest/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/fragtest/pkg/healthz"
	"github.com/containers/fragtest/pkg/instrumentation/tracing"
	logger "github.com/containers/fragtest/pkg/log"
	"github.com/containers/fragtest/pkg/metrics"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "fragtest"
	// shutdownTimeout is the time we wait for HTTP requests to finish on stop.
	shutdownTimeout = 5 * time.Second
)

var (
	lock     sync.Mutex
	cfg      = &cfgapi.Config{}
	mux      = http.NewServeMux()
	srv      *http.Server
	addr     net.Addr
	gatherer *metrics.Gatherer
	log      = logger.Get("instrumentation")
)

func init() {
	healthz.Setup(mux)
	mux.HandleFunc("/metrics", serveMetrics)
}

// Mux returns the request multiplexer of our HTTP server. Handlers
// registered with it survive restarts.
func Mux() *http.ServeMux {
	return mux
}

// Address returns the address our HTTP server is listening on, or an
// empty string if it is not running.
func Address() string {
	lock.Lock()
	defer lock.Unlock()
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Start starts instrumentation services with the given configuration.
func Start(c *cfgapi.Config) error {
	lock.Lock()
	defer lock.Unlock()

	if c != nil {
		cfg = c
	}

	log.Info("starting instrumentation services...")

	return start()
}

// Stop stops instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

// Reconfigure restarts instrumentation services with a new configuration.
func Reconfigure(c *cfgapi.Config) error {
	lock.Lock()
	defer lock.Unlock()

	stop()
	cfg = c

	if err := start(); err != nil {
		log.Error("failed to restart instrumentation: %v", err)
		return err
	}

	return nil
}

func start() error {
	if err := tracing.Start(
		tracing.WithServiceName(ServiceName),
		tracing.WithCollectorEndpoint(cfg.TracingCollector),
		tracing.WithSamplingRatio(cfg.SamplingRatio()),
	); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	if cfg.PrometheusExport {
		opts := []metrics.GathererOption{
			metrics.WithNamespace(ServiceName),
			metrics.WithPollInterval(cfg.ReportPeriod.Duration),
		}
		if m := cfg.Metrics; m != nil {
			opts = append(opts, metrics.WithMetrics(m.Enabled, m.Polled))
		}
		g, err := metrics.NewGatherer(opts...)
		if err != nil {
			return fmt.Errorf("failed to start metrics: %w", err)
		}
		gatherer = g
	}

	if cfg.HTTPEndpoint == "" {
		log.Info("HTTP server disabled, no endpoint set")
		return nil
	}

	l, err := net.Listen("tcp", cfg.HTTPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	addr = l.Addr()

	go func(s *http.Server) {
		if err := s.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}(srv)

	log.Info("HTTP server listening on %s", addr)

	return nil
}

func stop() {
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("failed to shut down HTTP server: %v", err)
		}
		cancel()
		srv = nil
		addr = nil
	}
	if gatherer != nil {
		gatherer.Stop()
		gatherer = nil
	}
	tracing.Stop()
}

func serveMetrics(w http.ResponseWriter, req *http.Request) {
	lock.Lock()
	g := gatherer
	lock.Unlock()

	if g == nil {
		http.NotFound(w, req)
		return
	}

	g.Handler().ServeHTTP(w, req)
}
