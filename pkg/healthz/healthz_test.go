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

package healthz_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/memrt/pkg/healthz"
)

func TestCheck(t *testing.T) {
	healthz.Register("test-a", func() (healthz.Status, error) { return healthz.Healthy, nil })
	t.Cleanup(func() { healthz.Unregister("test-a") })

	status, details := healthz.Check()
	require.Equal(t, healthz.Healthy, status)
	require.Empty(t, details)

	healthz.Register("test-b", func() (healthz.Status, error) {
		return healthz.Degraded, errors.New("slow")
	})
	t.Cleanup(func() { healthz.Unregister("test-b") })
	healthz.Register("test-c", func() (healthz.Status, error) {
		return healthz.NonFunctional, errors.New("gone")
	})

	status, details = healthz.Check()
	require.Equal(t, healthz.NonFunctional, status)
	require.Len(t, details, 2)
	require.EqualError(t, details["test-c"], "gone")

	healthz.Unregister("test-c")
	healthz.Unregister("test-c")
	status, _ = healthz.Check()
	require.Equal(t, healthz.Degraded, status)

	healthz.Register("test-b", func() (healthz.Status, error) { return healthz.Healthy, nil })
	status, _ = healthz.Check()
	require.Equal(t, healthz.Healthy, status)
}

func TestServe(t *testing.T) {
	mux := http.NewServeMux()
	healthz.Setup(mux)

	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rec
	}

	rec := get()
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	healthz.Register("test-serve", func() (healthz.Status, error) {
		return healthz.Degraded, errors.New("lagging")
	})
	t.Cleanup(func() { healthz.Unregister("test-serve") })

	rec = get()
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "degraded\ntest-serve: lagging\n", rec.Body.String())
}
