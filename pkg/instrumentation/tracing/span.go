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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// KeyValue is an alias for the opentelemetry KeyValue attribute.
type KeyValue = attribute.KeyValue

// SpanStartOption is applied to a Span in StartSpan.
type SpanStartOption func(*spanStart)

// SpanEndOption is applied to a Span in Span.End.
type SpanEndOption func(*Span)

type spanStart struct {
	attrs []attribute.KeyValue
	kind  trace.SpanKind
}

// WithAttributes sets initial attributes of a Span.
func WithAttributes(attrs ...attribute.KeyValue) SpanStartOption {
	return func(o *spanStart) {
		o.attrs = append(o.attrs, attrs...)
	}
}

// WithInternalKind marks the Span as an internal operation, not one
// serving an external request.
func WithInternalKind() SpanStartOption {
	return func(o *spanStart) {
		o.kind = trace.SpanKindInternal
	}
}

// WithStatus sets the status for the span.
func WithStatus(err error) SpanEndOption {
	return func(s *Span) {
		s.SetStatus(err)
	}
}

// Span is a (wrapped open-) tracing Span. A zero Span, returned while
// tracing is disabled, silently ignores all operations.
type Span struct {
	otel  trace.Span
	start time.Time
}

// StartSpan starts a new tracing Span. Must be ended with Span.End().
func StartSpan(ctx context.Context, name string, opts ...SpanStartOption) (context.Context, *Span) {
	if !trc.isActive() {
		return ctx, &Span{}
	}

	o := &spanStart{}
	for _, opt := range opts {
		opt(o)
	}

	tracer := otel.Tracer(tracerName)
	if parent := trace.SpanFromContext(ctx); parent.SpanContext().IsValid() {
		tracer = parent.TracerProvider().Tracer(tracerName)
	}

	startOpts := []trace.SpanStartOption{trace.WithAttributes(o.attrs...)}
	if o.kind != trace.SpanKindUnspecified {
		startOpts = append(startOpts, trace.WithSpanKind(o.kind))
	}

	ctx, span := tracer.Start(ctx, name, startOpts...)
	return ctx, &Span{otel: span, start: time.Now()}
}

// SetStatus sets the status of the Span, recording err if it is not nil.
func (s *Span) SetStatus(err error) {
	if !s.recording() {
		return
	}
	if err != nil {
		s.otel.RecordError(err)
		s.otel.SetStatus(codes.Error, err.Error())
		return
	}
	s.otel.SetStatus(codes.Ok, "")
}

// SetAttributes sets attributes of the Span.
func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	if s.recording() {
		s.otel.SetAttributes(attrs...)
	}
}

// AddEvent records a named event with the time elapsed since the start
// of the Span.
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	if !s.recording() {
		return
	}
	attrs = append(attrs, attribute.String("elapsed", time.Since(s.start).String()))
	s.otel.AddEvent(name, trace.WithAttributes(attrs...))
}

// End the Span.
func (s *Span) End(opts ...SpanEndOption) {
	if !s.recording() {
		return
	}
	for _, o := range opts {
		o(s)
	}
	s.otel.End()
}

func (s *Span) recording() bool {
	return s != nil && s.otel != nil
}

// Attribute returns an attribute with the given key and value. Addresses
// and other unsigned 64-bit values are rendered in hex.
func Attribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case nil:
		return attribute.String(key, "<nil>")
	case string:
		return attribute.String(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case uint32:
		return attribute.Int64(key, int64(v))
	case uint64:
		return attribute.String(key, fmt.Sprintf("0x%x", v))
	case uintptr:
		return attribute.String(key, fmt.Sprintf("0x%x", v))
	case float64:
		return attribute.Float64(key, v)
	case time.Duration:
		return attribute.String(key, v.String())
	case error:
		return attribute.String(key, v.Error())
	case fmt.Stringer:
		return attribute.String(key, v.String())
	}
	return attribute.String(key, fmt.Sprintf("%v", value))
}
