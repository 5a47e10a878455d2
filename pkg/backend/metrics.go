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

package backend

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/memrt/pkg/metrics"
)

var (
	writesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "writes_total",
			Help: "Allocation writes to device memory, by result.",
		},
		[]string{"result"},
	)
	writtenBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "written_bytes_total",
			Help: "Bytes which changed in device memory due to writes.",
		},
	)
	downloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "downloads_total",
			Help: "Allocation downloads from device memory.",
		},
	)
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submissions_total",
			Help: "Submissions queued for execution, by engine.",
		},
		[]string{"engine"},
	)
	captureActivations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capture_activations_total",
			Help: "Sub-capture windows opened.",
		},
	)
)

func init() {
	for name, c := range map[string]prometheus.Collector{
		"writes":      writesTotal,
		"written":     writtenBytes,
		"downloads":   downloadsTotal,
		"submissions": submissionsTotal,
		"capture":     captureActivations,
	} {
		metrics.MustRegister(name, c, metrics.WithGroup("backend"))
	}
}
