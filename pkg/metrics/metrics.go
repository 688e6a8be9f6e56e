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

package metrics

import (
	"fmt"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/fragtest/pkg/log"
)

var (
	log  = logger.Get("metrics")
	clog = logger.Get("collector")
)

const (
	// DefaultGroup is the group collectors are registered to by default.
	DefaultGroup = "default"
	// MinPollInterval is the most frequent allowed polling interval.
	MinPollInterval = time.Second
	// DefaultPollInterval is the default interval for polling collectors.
	DefaultPollInterval = 30 * time.Second
)

// Collector is a prometheus.Collector registered with a Registry.
// A polled Collector serves the metrics collected during the last poll
// instead of collecting them on demand.
type Collector struct {
	sync.Mutex
	collector prometheus.Collector
	name      string
	group     string
	enabled   bool
	polled    bool
	unscoped  bool
	lastpoll  []prometheus.Metric
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*Collector)

// WithGroup registers a collector in the given group. Unless the
// collector is unscoped, its metrics are prefixed with the group name.
func WithGroup(name string) RegisterOption {
	return func(c *Collector) {
		if name == "" {
			name = DefaultGroup
		}
		c.group = name
	}
}

// WithPolled registers a collector for polled collection.
func WithPolled() RegisterOption {
	return func(c *Collector) {
		c.polled = true
	}
}

// WithoutScope registers a collector without namespace or group prefix.
func WithoutScope() RegisterOption {
	return func(c *Collector) {
		c.unscoped = true
	}
}

// Name returns the full name of the collector, group/name.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Matches returns true if the collector matches the given glob. Globs are
// matched against the group, the name, and the full name of the collector.
func (c *Collector) Matches(glob string) bool {
	for _, str := range []string{c.group, c.name, c.Name()} {
		ok, err := path.Match(glob, str)
		if err != nil {
			log.Warn("invalid collector glob %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.Lock()
	defer c.Unlock()

	switch {
	case !c.enabled:
	case !c.polled:
		clog.Debug("collecting %s", c.Name())
		c.collector.Collect(ch)
	default:
		clog.Debug("collecting %s (polled)", c.Name())
		for _, m := range c.lastpoll {
			ch <- m
		}
	}
}

// Poll collects and caches metrics for an enabled polled collector.
func (c *Collector) Poll() {
	c.Lock()
	enabled, polled := c.enabled, c.polled
	c.Unlock()

	if !enabled || !polled {
		return
	}

	clog.Debug("polling %s", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	metrics := make([]prometheus.Metric, 0, 16)
	for m := range ch {
		metrics = append(metrics, m)
	}

	c.Lock()
	c.lastpoll = metrics
	c.Unlock()
}

// Registry is a set of named collectors.
type Registry struct {
	sync.Mutex
	collectors []*Collector
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register registers a named collector.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	c := &Collector{
		collector: collector,
		name:      name,
		group:     DefaultGroup,
		enabled:   true,
	}
	for _, o := range opts {
		o(c)
	}

	r.Lock()
	defer r.Unlock()

	for _, o := range r.collectors {
		if o.Name() == c.Name() {
			return fmt.Errorf("metrics: collector %s already registered", c.Name())
		}
	}

	r.collectors = append(r.collectors, c)
	log.Info("registered collector %s", c.Name())

	return nil
}

// Configure enables collectors matching any glob in enabled or polled and
// disables the rest. Collectors matching any glob in polled are switched to
// polled collection. It is an error if a glob does not match any collector.
func (r *Registry) Configure(enabled, polled []string) error {
	r.Lock()
	defer r.Unlock()

	log.Info("enabling collectors [%s], polled [%s]", strings.Join(enabled, ","),
		strings.Join(polled, ","))

	matched := map[string]bool{}
	for _, c := range r.collectors {
		on := false
		for _, glob := range enabled {
			if c.Matches(glob) {
				matched[glob] = true
				on = true
			}
		}
		poll := c.polled
		for _, glob := range polled {
			if c.Matches(glob) {
				matched[glob] = true
				on = true
				poll = true
			}
		}

		c.Lock()
		c.enabled = on
		c.polled = poll
		c.Unlock()

		log.Debug("collector %s enabled: %v, polled: %v", c.Name(), on, poll)
	}

	var unmatched []string
	for _, glob := range slices.Concat(enabled, polled) {
		if !matched[glob] {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return fmt.Errorf("metrics: no collectors match %s", strings.Join(unmatched, ", "))
	}

	return nil
}

// Poll polls all enabled polled collectors.
func (r *Registry) Poll() {
	r.Lock()
	collectors := slices.Clone(r.collectors)
	r.Unlock()

	wg := sync.WaitGroup{}
	for _, c := range collectors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Poll()
		}()
	}
	wg.Wait()
}

func (r *Registry) hasPolled() bool {
	r.Lock()
	defer r.Unlock()

	for _, c := range r.collectors {
		c.Lock()
		polled := c.enabled && c.polled
		c.Unlock()
		if polled {
			return true
		}
	}
	return false
}

// Gatherer is a prometheus.Gatherer for a Registry.
type Gatherer struct {
	*prometheus.Registry
	lock         sync.Mutex
	r            *Registry
	namespace    string
	pollInterval time.Duration
	enabled      []string
	polled       []string
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

// WithNamespace sets the common prefix for all scoped metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval sets the interval for polling collectors. A zero
// interval disables periodic polling.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		if interval != 0 && interval < MinPollInterval {
			interval = MinPollInterval
		}
		g.pollInterval = interval
	}
}

// WithMetrics sets the globs for enabled and polled collectors.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// NewGatherer creates a gatherer for the registry.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry:     prometheus.NewPedanticRegistry(),
		r:            r,
		enabled:      []string{"*"},
		pollInterval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(g)
	}

	if err := r.Configure(g.enabled, g.polled); err != nil {
		return nil, err
	}

	r.Lock()
	collectors := slices.Clone(r.collectors)
	r.Unlock()

	for _, c := range collectors {
		if err := g.registerer(c).Register(c); err != nil {
			return nil, fmt.Errorf("metrics: failed to register %s: %w", c.Name(), err)
		}
	}

	g.start()

	return g, nil
}

func (g *Gatherer) registerer(c *Collector) prometheus.Registerer {
	if c.unscoped {
		return g.Registry
	}

	// wrappers prefix outermost first, so the namespace goes innermost
	var reg prometheus.Registerer = g.Registry
	if g.namespace != "" {
		reg = prometheus.WrapRegistererWithPrefix(g.namespace+"_", reg)
	}
	if c.group != "" {
		reg = prometheus.WrapRegistererWithPrefix(c.group+"_", reg)
	}
	return reg
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.Registry.Gather()
}

// Poll polls all enabled polled collectors.
func (g *Gatherer) Poll() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.r.Poll()
}

// Handler returns an HTTP handler serving the gathered metrics.
func (g *Gatherer) Handler() http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (g *Gatherer) start() {
	if !g.r.hasPolled() {
		return
	}

	g.Poll()

	if g.pollInterval == 0 {
		log.Info("periodic polling disabled")
		return
	}

	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})

	go func() {
		ticker := time.NewTicker(g.pollInterval)
		defer func() {
			ticker.Stop()
			close(g.doneCh)
		}()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.Poll()
			}
		}
	}()
}

// Stop stops periodic polling.
func (g *Gatherer) Stop() {
	if g.stopCh == nil {
		return
	}
	close(g.stopCh)
	<-g.doneCh
	g.stopCh = nil
}

var (
	defaultRegistry = NewRegistry()
)

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return Default().Register(name, collector, opts...)
}

// MustRegister registers a collector with the default registry, panicking on error.
func MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := Register(name, collector, opts...); err != nil {
		panic(err)
	}
}

// NewGatherer creates a gatherer for the default registry.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(opts...)
}
