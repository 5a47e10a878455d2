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

// Package metrics is a thin layer over prometheus collectors. It groups
// collectors, prefixes their metrics with an optional namespace and the
// group name, allows enabling collectors by glob at runtime, and caches
// the output of expensive collectors which are only polled periodically.
//
// Components register their collectors with the default registry during
// initialization:
//
//	metrics.MustRegister("transfers", transfers, metrics.WithGroup("pagefault"))
//
// and the binary exposes the enabled ones through a gatherer:
//
//	g, err := metrics.NewGatherer(metrics.WithNamespace("memrt"),
//	    metrics.WithMetrics([]string{"*"}, nil))
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
