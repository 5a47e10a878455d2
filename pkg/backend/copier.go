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

package backend

import (
	"bytes"
	"fmt"

	"golang.org/x/sys/cpu"
)

// Copier moves data between CPU-visible and device memory.
type Copier interface {
	// Name returns the name of the copy strategy.
	Name() string
	// Copy copies src to dst and returns the number of bytes which changed.
	Copy(dst, src []byte) int
}

// NewCopier returns the best copy strategy for the CPU we are running on.
func NewCopier() Copier {
	switch {
	case cpu.X86.HasAVX512F:
		return &chunkCopier{name: "avx512", width: 64}
	case cpu.X86.HasAVX2:
		return &chunkCopier{name: "avx2", width: 32}
	case cpu.X86.HasSSE2:
		return &chunkCopier{name: "sse2", width: 16}
	case cpu.ARM64.HasASIMD:
		return &chunkCopier{name: "asimd", width: 16}
	}
	return GenericCopier()
}

// GenericCopier returns a copy strategy which copies everything and
// treats all of it as changed.
func GenericCopier() Copier {
	return genericCopier{}
}

// ChunkCopier returns a copy strategy which only copies chunks of the
// given width which differ.
func ChunkCopier(width int) Copier {
	if width <= 0 {
		return GenericCopier()
	}
	return &chunkCopier{name: fmt.Sprintf("chunk%d", width), width: width}
}

type genericCopier struct{}

func (genericCopier) Name() string {
	return "generic"
}

func (genericCopier) Copy(dst, src []byte) int {
	return copy(dst, src)
}

type chunkCopier struct {
	name  string
	width int
}

func (c *chunkCopier) Name() string {
	return c.name
}

func (c *chunkCopier) Copy(dst, src []byte) int {
	n := min(len(dst), len(src))
	changed := 0
	for off := 0; off < n; off += c.width {
		end := min(off+c.width, n)
		if bytes.Equal(dst[off:end], src[off:end]) {
			continue
		}
		changed += copy(dst[off:end], src[off:end])
	}
	return changed
}
