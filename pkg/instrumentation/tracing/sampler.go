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

package tracing

import (
	"sync/atomic"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// sampler delegates to a replaceable sampler, dropping everything while
// none is set. It lets the sampling ratio change without a new provider.
type sampler struct {
	current atomic.Pointer[samplerHolder]
}

type samplerHolder struct {
	sdktrace.Sampler
}

var _ sdktrace.Sampler = (*sampler)(nil)

func (s *sampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if h := s.current.Load(); h != nil {
		return h.ShouldSample(p)
	}
	return sdktrace.SamplingResult{Decision: sdktrace.Drop}
}

func (s *sampler) Description() string {
	if h := s.current.Load(); h != nil {
		return "Dynamic{" + h.Description() + "}"
	}
	return "Dynamic{Drop}"
}

func (s *sampler) set(smp sdktrace.Sampler) {
	if smp == nil {
		s.current.Store(nil)
		return
	}
	s.current.Store(&samplerHolder{smp})
}
