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

package submission

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/memrt/pkg/metrics"
)

var (
	flushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flushes_total",
			Help: "Flushed tasks, by whether a buffer was submitted.",
		},
		[]string{"kind"},
	)
	waitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waits_total",
			Help: "Task count waits, by final state.",
		},
		[]string{"state"},
	)
	evictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evictions_total",
			Help: "Allocations evicted from a context.",
		},
	)
	taskCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "task_count",
			Help: "Latest task count, by context.",
		},
		[]string{"context"},
	)
	residentAllocations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resident_allocations",
			Help: "Allocations resident in a context.",
		},
		[]string{"context"},
	)
)

func init() {
	for name, c := range map[string]prometheus.Collector{
		"flushes":   flushesTotal,
		"waits":     waitsTotal,
		"evictions": evictionsTotal,
		"tasks":     taskCount,
		"residency": residentAllocations,
	} {
		metrics.MustRegister(name, c, metrics.WithGroup("submission"))
	}
}
