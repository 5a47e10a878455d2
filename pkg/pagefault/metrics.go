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

package pagefault

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/memrt/pkg/metrics"
)

var (
	transfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfers_total",
			Help: "Domain transfers of tracked ranges, by direction.",
		},
		[]string{"direction"},
	)
	faultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faults_total",
			Help: "CPU faults offered to the coordinator, by result.",
		},
		[]string{"result"},
	)
	trackedRanges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracked_ranges",
			Help: "Ranges tracked by the coordinator.",
		},
	)
)

func init() {
	metrics.MustRegister("transfers", transfersTotal, metrics.WithGroup("pagefault"))
	metrics.MustRegister("faults", faultsTotal, metrics.WithGroup("pagefault"))
	metrics.MustRegister("ranges", trackedRanges, metrics.WithGroup("pagefault"))
}
