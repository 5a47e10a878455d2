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

package svm

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/memrt/pkg/metrics"
)

var (
	allocations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "allocations",
			Help: "Unified memory allocations, by kind.",
		},
		[]string{"kind"},
	)
	createFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "create_failures_total",
			Help: "Failed unified memory allocations, by kind.",
		},
		[]string{"kind"},
	)
	mapOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "map_operations",
			Help: "Recorded host mappings.",
		},
	)
)

func init() {
	metrics.MustRegister("allocations", allocations, metrics.WithGroup("svm"))
	metrics.MustRegister("failures", createFailures, metrics.WithGroup("svm"))
	metrics.MustRegister("mappings", mapOperations, metrics.WithGroup("svm"))
}
