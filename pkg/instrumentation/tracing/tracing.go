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
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	logger "github.com/containers/memrt/pkg/log"
)

// Option represents an option which can be applied to tracing.
type Option func(*config) error

type config struct {
	endpoint string
	sampling float64
	exporter sdktrace.SpanExporter
}

type tracing struct {
	sync.RWMutex
	exporter *spanExporter
	sampler  *sampler
	provider *sdktrace.TracerProvider
	active   bool
}

var (
	log = logger.Get("tracing")
	trc = &tracing{
		exporter: &spanExporter{},
		sampler:  &sampler{},
	}
)

const (
	// timeout for shutting down exporters and providers
	shutdownTimeout = 5 * time.Second
	// name of the tracer used for root spans
	tracerName = "memrt"
)

// WithCollectorEndpoint sets the given collector endpoint.
func WithCollectorEndpoint(endpoint string) Option {
	return func(c *config) error {
		c.endpoint = endpoint
		return nil
	}
}

// WithSamplingRatio sets the given sampling ratio.
func WithSamplingRatio(ratio float64) Option {
	return func(c *config) error {
		if ratio < 0.0 || ratio > 1.0 {
			return fmt.Errorf("invalid sampling ratio %f", ratio)
		}
		c.sampling = ratio
		return nil
	}
}

// WithSpanExporter exports spans to the given exporter instead of a
// collector endpoint.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(c *config) error {
		c.exporter = exp
		return nil
	}
}

// Start (or reconfigure) tracing.
func Start(r *resource.Resource, options ...Option) error {
	c := &config{}
	for _, opt := range options {
		if err := opt(c); err != nil {
			return fmt.Errorf("failed to set tracing option: %w", err)
		}
	}

	trc.Lock()
	defer trc.Unlock()

	if c.exporter != nil {
		trc.exporter.setExporter(c.exporter)
	} else if err := trc.exporter.setEndpoint(c.endpoint); err != nil {
		return fmt.Errorf("failed to start tracing exporter: %w", err)
	}

	switch {
	case !trc.exporter.enabled():
		log.Info("tracing disabled, no endpoint set")
		trc.disable()
		return nil
	case c.sampling == 0.0:
		log.Info("tracing disabled, sampling ratio is 0.0")
		trc.disable()
		return nil
	}

	trc.sampler.set(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.sampling)))

	if trc.provider == nil {
		trc.provider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(r),
			sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(trc.exporter)),
			sdktrace.WithSampler(trc.sampler),
		)
		otel.SetTracerProvider(trc.provider)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			),
		)
	}
	trc.active = true

	log.Info("tracing started (sampling ratio %.6f)", c.sampling)

	return nil
}

// Flush exports all pending spans.
func Flush(ctx context.Context) error {
	trc.RLock()
	defer trc.RUnlock()

	if trc.provider == nil {
		return nil
	}
	return trc.provider.ForceFlush(ctx)
}

// Stop tracing.
func Stop() {
	trc.Lock()
	defer trc.Unlock()

	if trc.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := trc.provider.ForceFlush(ctx); err != nil {
			log.Errorf("failed to flush tracer provider: %v", err)
		}
	}

	trc.disable()
	trc.exporter.setExporter(nil)
}

func (t *tracing) disable() {
	t.sampler.set(nil)
	t.active = false
}

func (t *tracing) isActive() bool {
	t.RLock()
	defer t.RUnlock()
	return t.active
}
