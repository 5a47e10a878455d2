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

package utils

import (
	"fmt"
	"strings"
)

// ParseEnabled parses an enabled/disabled state from a string.
func ParseEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "true", "enable", "enabled", "yes", "1":
		return true, nil
	case "off", "false", "disable", "disabled", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid enabled/disabled state %q", value)
}

// PrettySize returns a human readable representation of a memory size.
func PrettySize(size int64) string {
	const (
		K = int64(1) << 10
		M = int64(1) << 20
		G = int64(1) << 30
	)

	switch {
	case size >= G && size%G == 0:
		return fmt.Sprintf("%dG", size/G)
	case size >= G:
		return fmt.Sprintf("%.2fG", float64(size)/float64(G))
	case size >= M && size%M == 0:
		return fmt.Sprintf("%dM", size/M)
	case size >= M:
		return fmt.Sprintf("%.2fM", float64(size)/float64(M))
	case size >= K && size%K == 0:
		return fmt.Sprintf("%dK", size/K)
	case size >= K:
		return fmt.Sprintf("%.2fK", float64(size)/float64(K))
	}
	return fmt.Sprintf("%d", size)
}

// AlignUp rounds size up to the next multiple of align, a power of two.
func AlignUp(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}

// AlignDown rounds addr down to a multiple of align, a power of two.
func AlignDown(addr, align uint64) uint64 {
	return addr &^ (align - 1)
}
