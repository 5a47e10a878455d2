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

//go:build unix

package manager

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/containers/memrt/pkg/memory"
)

// mapHost maps size bytes of anonymous, page aligned host memory.
func mapHost(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapHost(mem []byte) error {
	return unix.Munmap(mem)
}

func hostAddress(mem []byte) memory.Address {
	return memory.Address(uintptr(unsafe.Pointer(&mem[0])))
}
