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

package tracing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/containers/memrt/pkg/instrumentation/tracing"
)

func TestSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	require.NoError(t, tracing.Start(resource.Default(),
		tracing.WithSpanExporter(exp),
		tracing.WithSamplingRatio(1.0),
	))
	defer tracing.Stop()

	ctx, span := tracing.StartSpan(context.Background(), "flush",
		tracing.WithAttributes(tracing.Attribute("taskCount", uint32(3))))
	_, child := tracing.StartSpan(ctx, "write", tracing.WithInternalKind())
	child.AddEvent("uploaded", tracing.Attribute("gpuAddress", uintptr(0x2000)))
	child.End()
	span.End(tracing.WithStatus(errors.New("failed")))

	require.NoError(t, tracing.Flush(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	require.Equal(t, "write", spans[0].Name)
	require.Equal(t, "flush", spans[1].Name)
	require.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	require.Len(t, spans[0].Events, 1)
	require.Equal(t, "uploaded", spans[0].Events[0].Name)
	require.Equal(t, codes.Error, spans[1].Status.Code)
}

func TestDisabled(t *testing.T) {
	require.NoError(t, tracing.Start(resource.Default()))

	_, span := tracing.StartSpan(context.Background(), "noop")
	span.SetAttributes(tracing.Attribute("key", "value"))
	span.End()

	require.Error(t, tracing.Start(resource.Default(), tracing.WithSamplingRatio(2)))
	require.Error(t, tracing.Start(resource.Default(),
		tracing.WithCollectorEndpoint("ftp://localhost"), tracing.WithSamplingRatio(1)))
}

func TestAttribute(t *testing.T) {
	require.Equal(t, "0x1000", tracing.Attribute("addr", uint64(0x1000)).Value.AsString())
	require.Equal(t, int64(7), tracing.Attribute("count", uint32(7)).Value.AsInt64())
	require.Equal(t, "<nil>", tracing.Attribute("none", nil).Value.AsString())
	require.Equal(t, "1.5s", tracing.Attribute("timeout", 1500*time.Millisecond).Value.AsString())
	require.Equal(t, "gone", tracing.Attribute("err", errors.New("gone")).Value.AsString())
}
