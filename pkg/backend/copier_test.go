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

package backend_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/memrt/pkg/backend"
)

func TestCopiers(t *testing.T) {
	for _, c := range []backend.Copier{
		backend.GenericCopier(),
		backend.ChunkCopier(16),
		backend.ChunkCopier(64),
		backend.NewCopier(),
	} {
		t.Run(c.Name(), func(t *testing.T) {
			src := make([]byte, 200)
			dst := make([]byte, 200)
			for i := range src {
				src[i] = byte(i)
			}

			n := c.Copy(dst, src)
			require.Equal(t, src, dst)
			require.Positive(t, n)

			src[150] ^= 0xff
			n = c.Copy(dst, src)
			require.Equal(t, src, dst)
			if c.Name() != "generic" {
				require.LessOrEqual(t, n, 64, "only the changed chunk is copied")
			}
		})
	}

	require.Equal(t, "generic", backend.ChunkCopier(0).Name())
}
