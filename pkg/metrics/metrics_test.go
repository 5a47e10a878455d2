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
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	model "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/containers/memrt/pkg/metrics"
)

func TestUnprefixedCollection(t *testing.T) {
	r := metrics.NewRegistry()
	g1 := newTestGauge(t, r, "test1", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	g2 := newTestGauge(t, r, "test2", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	g := newGatherer(t, r, []string{"*"}, nil)

	values := gather(t, g)
	require.Equal(t, map[string]float64{"test1": 0, "test2": 0}, values)

	g1.Inc()
	g2.Set(5)

	values = gather(t, g)
	require.Equal(t, map[string]float64{"test1": 1, "test2": 5}, values)
}

func TestPrefixedCollection(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test1")
	newTestGauge(t, r, "test2", metrics.WithGroup("svm"))

	g := newGatherer(t, r, []string{"*"}, nil,
		metrics.WithNamespace("memrt"))

	values := gather(t, g)
	require.Contains(t, values, "memrt_default_test1")
	require.Contains(t, values, "memrt_svm_test2")

	count, err := testutil.GatherAndCount(g, "memrt_svm_test2")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDuplicateRegistration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test1")
	err := r.Register("test1", prometheus.NewGauge(prometheus.GaugeOpts{Name: "test1", Help: "dup"}))
	require.Error(t, err)
}

func TestConfiguration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))
	newTestGauge(t, r, "test2", metrics.WithGroup("group1"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test3", metrics.WithGroup("group2"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test4", metrics.WithGroup("group2"))

	g := newGatherer(t, r, []string{"test1", "group2"}, nil)

	values := gather(t, g)
	require.Contains(t, values, "group1_test1")
	require.NotContains(t, values, "test2")
	require.Contains(t, values, "test3")
	require.Contains(t, values, "group2_test4")

	_, err := r.Configure([]string{"no-such-collector"}, nil)
	require.Error(t, err)
}

func TestPolling(t *testing.T) {
	r := metrics.NewRegistry()
	p1 := newTestPolled(t, r, "test1")
	p2 := newTestPolled(t, r, "test2")

	g := newGatherer(t, r, nil, []string{"*"}, metrics.WithoutPolling())
	require.True(t, r.State().IsPolled())

	values := gather(t, g)
	require.Equal(t, map[string]float64{"test1": 0, "test2": 0}, values)

	p1.Set(2)
	p2.Set(3)

	values = gather(t, g)
	require.Equal(t, map[string]float64{"test1": 0, "test2": 0}, values,
		"polled collectors return cached values until next poll")

	g.Poll()

	values = gather(t, g)
	require.Equal(t, map[string]float64{"test1": 2, "test2": 3}, values)
}

func TestDump(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test1", metrics.WithGroup("pagefault")).Set(3)

	g := newGatherer(t, r, []string{"*"}, nil, metrics.WithNamespace("memrt"))

	out := &strings.Builder{}
	require.NoError(t, g.Dump(out))
	require.Contains(t, out.String(), "# TYPE memrt_pagefault_test1 gauge")
	require.Contains(t, out.String(), "memrt_pagefault_test1 3")
}

func TestStateString(t *testing.T) {
	require.Equal(t, "disabled", metrics.State(0).String())
	require.Equal(t, "enabled,polled", (metrics.Enabled | metrics.Polled).String())
}

func newGatherer(t *testing.T, r *metrics.Registry, enabled, polled []string, opts ...metrics.GathererOption) *metrics.Gatherer {
	opts = append([]metrics.GathererOption{metrics.WithMetrics(enabled, polled)}, opts...)
	g, err := r.NewGatherer(opts...)
	require.NoError(t, err)
	require.NotNil(t, g)
	t.Cleanup(g.Stop)
	return g
}

func gather(t *testing.T, g prometheus.Gatherer) map[string]float64 {
	mfs, err := g.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			values[mf.GetName()] = metricValue(mf.GetType(), m)
		}
	}
	return values
}

func metricValue(kind model.MetricType, m *model.Metric) float64 {
	switch kind {
	case model.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case model.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	}
	return m.GetUntyped().GetValue()
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
	value int
}

func newTestPolled(t *testing.T, r *metrics.Registry, name string) *testPolled {
	p := &testPolled{
		desc: prometheus.NewDesc(name, "Help for metric "+name, nil, nil),
	}
	require.NoError(t, r.Register(name, p, metrics.WithCollectorOptions(metrics.WithoutSubsystem())))
	return p
}

func (p *testPolled) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc
}

func (p *testPolled) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(p.desc, prometheus.GaugeValue, float64(p.value))
}

func (p *testPolled) Set(v int) {
	p.value = v
}
