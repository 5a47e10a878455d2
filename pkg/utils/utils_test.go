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

package utils_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/memrt/pkg/utils"
)

func TestParseEnabled(t *testing.T) {
	for _, tc := range []struct {
		value   string
		enabled bool
		fail    bool
	}{
		{value: "on", enabled: true},
		{value: " True ", enabled: true},
		{value: "1", enabled: true},
		{value: "off", enabled: false},
		{value: "disabled", enabled: false},
		{value: "maybe", fail: true},
	} {
		enabled, err := utils.ParseEnabled(tc.value)
		if tc.fail {
			require.Error(t, err, tc.value)
			continue
		}
		require.NoError(t, err, tc.value)
		require.Equal(t, tc.enabled, enabled, tc.value)
	}
}

func TestPrettySize(t *testing.T) {
	require.Equal(t, "512", utils.PrettySize(512))
	require.Equal(t, "4K", utils.PrettySize(4096))
	require.Equal(t, "1.50K", utils.PrettySize(1536))
	require.Equal(t, "2M", utils.PrettySize(2<<20))
	require.Equal(t, "1G", utils.PrettySize(1<<30))
}

func TestAlign(t *testing.T) {
	require.Equal(t, uint64(0x2000), utils.AlignUp(0x1001, 0x1000))
	require.Equal(t, uint64(0x1000), utils.AlignUp(0x1000, 0x1000))
	require.Equal(t, uint64(0x1000), utils.AlignDown(0x1fff, 0x1000))
}
