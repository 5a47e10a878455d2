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

//go:build linux

package pagefault

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/containers/memrt/pkg/memory"
)

type mprotectProtector struct{}

// NewMprotectProtector returns a protector which uses mprotect(2).
// Protected memory must be mapped with mmap and page aligned.
func NewMprotectProtector() (Protector, error) {
	return mprotectProtector{}, nil
}

func (mprotectProtector) Name() string {
	return "mprotect"
}

func (mprotectProtector) Protect(addr memory.Address, size uint64, prot Protection) error {
	var flags uintptr
	switch prot {
	case ProtReadWrite:
		flags = unix.PROT_READ | unix.PROT_WRITE
	case ProtRead:
		flags = unix.PROT_READ
	case ProtNone:
		flags = unix.PROT_NONE
	default:
		return fmt.Errorf("%w: %s", ErrInvalidProtection, prot)
	}

	start, size := pages(addr, size)
	if _, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(start), uintptr(size), flags); errno != 0 {
		return fmt.Errorf("pagefault: mprotect(0x%x, %d, %s) failed: %w", start, size, prot, errno)
	}

	return nil
}
