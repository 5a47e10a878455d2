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

package collectors_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/memrt/pkg/metrics"
	"github.com/containers/memrt/pkg/metrics/collectors"
)

func TestRegister(t *testing.T) {
	r := metrics.NewRegistry()
	require.NoError(t, collectors.Register(r))
	require.Error(t, collectors.Register(r), "duplicate registration")

	g, err := r.NewGatherer(metrics.WithMetrics([]string{"standard"}, nil))
	require.NoError(t, err)
	defer g.Stop()

	mfs, err := g.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	require.True(t, names["version_info"])
	require.True(t, names["go_goroutines"])
}
