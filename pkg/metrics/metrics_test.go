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

package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/containers/fragtest/pkg/metrics"
)

func TestUnscopedCollection(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithoutScope())
	newTestGauge(t, r, "test2", metrics.WithoutScope())

	g := newTestGatherer(t, r, []string{"*"}, nil, 0)

	values := gather(t, g)
	require.Equal(t, map[string]float64{"test1": 0, "test2": 0}, values)
}

func TestScopedCollection(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1")
	newTestGauge(t, r, "test2", metrics.WithGroup("group1"))

	g, err := r.NewGatherer(metrics.WithNamespace("ns"))
	require.NoError(t, err)
	defer g.Stop()

	values := gather(t, g)
	require.Equal(t, map[string]float64{"ns_default_test1": 0, "ns_group1_test2": 0}, values)
}

func TestUpdatedMetricsCollection(t *testing.T) {
	r := metrics.NewRegistry()

	g1 := newTestGauge(t, r, "test1", metrics.WithoutScope())
	g2 := newTestGauge(t, r, "test2", metrics.WithoutScope())

	g := newTestGatherer(t, r, []string{"*"}, nil, 0)

	g1.Inc()
	g2.Set(5)
	require.Equal(t, map[string]float64{"test1": 1, "test2": 5}, gather(t, g))

	g1.Set(4)
	g2.Dec()
	require.Equal(t, map[string]float64{"test1": 4, "test2": 4}, gather(t, g))
}

func TestMetricsConfiguration(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))
	newTestGauge(t, r, "test2", metrics.WithGroup("group1"), metrics.WithoutScope())
	newTestGauge(t, r, "test3", metrics.WithGroup("group2"), metrics.WithoutScope())
	newTestGauge(t, r, "test4", metrics.WithGroup("group2"))

	g := newTestGatherer(t, r, []string{"test1", "group2"}, nil, 0)

	values := gather(t, g)
	require.Contains(t, values, "group1_test1")
	require.NotContains(t, values, "test2")
	require.Contains(t, values, "test3")
	require.Contains(t, values, "group2_test4")
}

func TestUnmatchedConfiguration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test1")

	_, err := r.NewGatherer(metrics.WithMetrics([]string{"test1", "nonexistent"}, nil))
	require.Error(t, err)
	require.Contains(t, err.Error(), "nonexistent")
}

func TestDuplicateRegistration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test1")

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test1", Help: "duplicate"})
	require.Error(t, r.Register("test1", gauge))
	require.NoError(t, r.Register("test1", gauge, metrics.WithGroup("other")))
}

func TestMetricsPolling(t *testing.T) {
	r := metrics.NewRegistry()

	p1 := newTestPolled(t, r, "test1")
	p2 := newTestPolled(t, r, "test2")

	// no periodic polling, only the initial one when the gatherer starts
	g := newTestGatherer(t, r, nil, []string{"*"}, 0)
	require.Equal(t, map[string]float64{"test1": 0, "test2": 0}, gather(t, g))

	p1.Set(1)
	p2.Set(2)
	require.Equal(t, map[string]float64{"test1": 0, "test2": 0}, gather(t, g))

	g.Poll()
	require.Equal(t, map[string]float64{"test1": 1, "test2": 2}, gather(t, g))
}

func TestPeriodicPolling(t *testing.T) {
	r := metrics.NewRegistry()

	p := newTestPolled(t, r, "test1")
	g := newTestGatherer(t, r, nil, []string{"test1"}, metrics.MinPollInterval)

	p.Set(7)
	require.Eventually(t, func() bool {
		return gather(t, g)["test1"] == 7
	}, 5*metrics.MinPollInterval, 100*time.Millisecond)
}

func newTestGatherer(t *testing.T, r *metrics.Registry, enabled, polled []string, poll time.Duration) *metrics.Gatherer {
	g, err := r.NewGatherer(
		metrics.WithMetrics(enabled, polled),
		metrics.WithPollInterval(poll),
	)
	require.NoError(t, err)
	require.NotNil(t, g)
	t.Cleanup(g.Stop)
	return g
}

func newTestGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) prometheus.Gauge {
	g := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: name,
			Help: "Test gauge " + name,
		},
	)
	require.NoError(t, r.Register(name, g, options...))
	return g
}

type testPolled struct {
	desc  *prometheus.Desc
	value chan int
}

func newTestPolled(t *testing.T, r *metrics.Registry, name string) *testPolled {
	p := &testPolled{
		desc:  prometheus.NewDesc(name, "Help for metric "+name, nil, nil),
		value: make(chan int, 1),
	}
	p.value <- 0
	require.NoError(t, r.Register(name, p, metrics.WithoutScope(), metrics.WithPolled()))
	return p
}

func (p *testPolled) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc
}

func (p *testPolled) Collect(ch chan<- prometheus.Metric) {
	v := <-p.value
	p.value <- v
	ch <- prometheus.MustNewConstMetric(p.desc, prometheus.GaugeValue, float64(v))
}

func (p *testPolled) Set(v int) {
	<-p.value
	p.value <- v
}

// gather collects all gauge values by metric name.
func gather(t *testing.T, g prometheus.Gatherer) map[string]float64 {
	mfs, err := g.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}

	count, err := testutil.GatherAndCount(g)
	require.NoError(t, err)
	require.Equal(t, len(values), count)

	return values
}
