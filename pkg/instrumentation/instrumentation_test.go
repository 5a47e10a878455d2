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

package instrumentation_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/memrt/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/memrt/pkg/instrumentation"
	"github.com/containers/memrt/pkg/metrics"
)

func TestMetricsEndpoint(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "probe", Help: "Test probe."})
	gauge.Set(42)
	require.NoError(t, metrics.Register("probe", gauge, metrics.WithGroup("instrtest")))

	require.NoError(t, instrumentation.Start(&cfgapi.Config{
		HTTPEndpoint: "127.0.0.1:0",
		Metrics:      &cfgapi.MetricsConfig{Enabled: []string{"instrtest"}},
	}))
	defer instrumentation.Stop()

	addr := instrumentation.Address()
	require.NotEmpty(t, addr)

	rpl, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer rpl.Body.Close()
	require.Equal(t, http.StatusOK, rpl.StatusCode)

	body, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "memrt_instrtest_probe 42")

	require.NoError(t, instrumentation.Reconfigure(&cfgapi.Config{}))
	require.Empty(t, instrumentation.Address())
}
