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

package fragtest

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/fragtest/pkg/pagealloc"
)

// MetricsObserver is an Observer which exports runs as prometheus metrics.
type MetricsObserver struct {
	sync.Mutex
	attempts    *prometheus.CounterVec
	latency     prometheus.Histogram
	allocations *prometheus.CounterVec
	runs        *prometheus.CounterVec
	running     prometheus.Gauge
	units       *prometheus.GaugeVec
	regions     *prometheus.GaugeVec
	minRegions  *prometheus.GaugeVec
	index       *prometheus.GaugeVec
	evicted     prometheus.Gauge
}

var (
	_ Observer             = &MetricsObserver{}
	_ prometheus.Collector = &MetricsObserver{}
)

// NewMetricsObserver creates a new metrics observer.
func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attempts_total",
				Help: "Number of allocation attempts by outcome.",
			},
			[]string{"outcome"},
		),
		latency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "attempt_latency_seconds",
				Help:    "Latency of allocation attempts.",
				Buckets: prometheus.ExponentialBuckets(1e-6, 4, 14),
			},
		),
		allocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "allocations_total",
				Help: "Number of successful allocations by region class.",
			},
			[]string{"region"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runs_total",
				Help: "Number of finished runs by mode and final state.",
			},
			[]string{"mode", "state"},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "running",
				Help: "1 if a run is in progress, 0 otherwise.",
			},
		),
		units: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sample_units",
				Help: "Number of blocks in the last fragmentation sample.",
			},
			[]string{"phase"},
		),
		regions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sample_regions",
				Help: "Number of occupied windows in the last fragmentation sample.",
			},
			[]string{"phase"},
		),
		minRegions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sample_min_regions",
				Help: "Minimum number of windows for the last fragmentation sample.",
			},
			[]string{"phase"},
		),
		index: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fragmentation_index",
				Help: "Fragmentation index of the last sample, occupied over minimum windows.",
			},
			[]string{"phase"},
		),
		evicted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "evicted_blocks",
				Help: "Number of blocks evicted by the last fill-and-fragment run.",
			},
		),
	}
}

func (m *MetricsObserver) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.attempts,
		m.latency,
		m.allocations,
		m.runs,
		m.running,
		m.units,
		m.regions,
		m.minRegions,
		m.index,
		m.evicted,
	}
}

// Describe implements prometheus.Collector.
func (m *MetricsObserver) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *MetricsObserver) Collect(ch chan<- prometheus.Metric) {
	m.Lock()
	defer m.Unlock()
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *MetricsObserver) RunStarted(Mode, Config) {
	m.Lock()
	defer m.Unlock()
	m.running.Set(1)
	m.units.Reset()
	m.regions.Reset()
	m.minRegions.Reset()
	m.index.Reset()
}

func (m *MetricsObserver) AttemptDone(rec AttemptRecord) {
	m.attempts.WithLabelValues(rec.Outcome.String()).Inc()
	m.latency.Observe(rec.Latency.Seconds())
	if rec.Outcome == OutcomeSuccess {
		m.allocations.WithLabelValues(rec.Region.String()).Inc()
	}
}

func (m *MetricsObserver) SampleTaken(s Sample) {
	m.Lock()
	defer m.Unlock()

	phase := string(s.Phase)
	m.units.WithLabelValues(phase).Set(float64(s.Units))
	m.regions.WithLabelValues(phase).Set(float64(s.Regions))
	m.minRegions.WithLabelValues(phase).Set(float64(s.MinRegions))
	if idx := s.Index(); idx.Valid {
		m.index.WithLabelValues(phase).Set(idx.Value)
	} else {
		m.index.DeleteLabelValues(phase)
	}
}

func (m *MetricsObserver) RunFinished(res *Result) {
	m.Lock()
	defer m.Unlock()
	m.running.Set(0)
	m.runs.WithLabelValues(res.Mode.String(), res.State.String()).Inc()
	if res.Mode == ModeFillAndFragment {
		m.evicted.Set(float64(res.Evicted))
	}
}

// BuddyInfoCollector exports the free blocks per zone and order reported
// by an allocator.
type BuddyInfoCollector struct {
	src  pagealloc.BuddyInfoSource
	desc *prometheus.Desc
}

// NewBuddyInfoCollector creates a collector for the given source.
func NewBuddyInfoCollector(src pagealloc.BuddyInfoSource) *BuddyInfoCollector {
	return &BuddyInfoCollector{
		src: src,
		desc: prometheus.NewDesc(
			"free_blocks",
			"Number of free blocks per node, zone and order.",
			[]string{"node", "zone", "order"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *BuddyInfoCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector.
func (c *BuddyInfoCollector) Collect(ch chan<- prometheus.Metric) {
	bi, err := c.src.BuddyInfo()
	if err != nil {
		log.Warn("failed to collect buddy info: %v", err)
		return
	}

	for _, z := range bi {
		node := strconv.Itoa(z.Node)
		for order, cnt := range z.Free {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue,
				float64(cnt), node, z.Zone, strconv.Itoa(order))
		}
	}
}
