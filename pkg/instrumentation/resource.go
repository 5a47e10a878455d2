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

package instrumentation

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/containers/memrt/pkg/version"
)

var (
	resource *otelresource.Resource
	resErr   error
	resOnce  sync.Once
)

// GetResource returns the OpenTelemetry resource describing this process.
// Identity attributes must be set before the first call.
func GetResource() (*otelresource.Resource, error) {
	resOnce.Do(func() {
		attrs := append(processAttributes(), identity...)
		resource, resErr = otelresource.Merge(
			otelresource.Default(),
			otelresource.NewWithAttributes(semconv.SchemaURL, attrs...),
		)
		if resErr == nil && resource == nil {
			resErr = fmt.Errorf("empty resource")
		}
	})

	if resErr != nil {
		return nil, fmt.Errorf("failed to create OTEL resource: %w", resErr)
	}

	return resource, nil
}

func processAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(version.Version),
		semconv.ProcessPID(os.Getpid()),
		semconv.ProcessRuntimeVersion(runtime.Version()),
		attribute.String("memrt.build", version.Build),
	}
	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostName(hostname))
	}
	return attrs
}
