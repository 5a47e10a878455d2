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

package pagefault

import (
	"fmt"
	"sync"

	"github.com/containers/memrt/pkg/memory"
	"github.com/containers/memrt/pkg/utils"
)

// Protection is the CPU access allowed to a range of memory.
type Protection int

const (
	// ProtReadWrite allows all CPU access.
	ProtReadWrite Protection = iota
	// ProtRead allows CPU reads only.
	ProtRead
	// ProtNone makes any CPU access fault.
	ProtNone
)

// String returns the name of the protection.
func (p Protection) String() string {
	switch p {
	case ProtReadWrite:
		return "read-write"
	case ProtRead:
		return "read-only"
	case ProtNone:
		return "none"
	}
	return fmt.Sprintf("%%!(pagefault:Bad-Protection %d)", int(p))
}

// Protector changes the CPU access protection of memory ranges. Ranges
// are extended to full pages.
type Protector interface {
	Name() string
	Protect(addr memory.Address, size uint64, prot Protection) error
}

// pages returns the page aligned bounds of a range.
func pages(addr memory.Address, size uint64) (memory.Address, uint64) {
	start := utils.AlignDown(addr, memory.PageSize)
	end := utils.AlignUp(addr+size, memory.PageSize)
	return start, end - start
}

// SoftwareProtector only records the protection of pages. Accesses
// never fault, so faults need to be injected with OnFault.
type SoftwareProtector struct {
	sync.Mutex
	pages map[memory.Address]Protection
}

// NewSoftwareProtector returns a new software protector.
func NewSoftwareProtector() *SoftwareProtector {
	return &SoftwareProtector{
		pages: make(map[memory.Address]Protection),
	}
}

// Name returns the name of the protector.
func (p *SoftwareProtector) Name() string {
	return "software"
}

// Protect records the protection of the pages of a range.
func (p *SoftwareProtector) Protect(addr memory.Address, size uint64, prot Protection) error {
	p.Lock()
	defer p.Unlock()

	start, size := pages(addr, size)
	for page := start; page < start+size; page += memory.PageSize {
		if prot == ProtReadWrite {
			delete(p.pages, page)
		} else {
			p.pages[page] = prot
		}
	}

	return nil
}

// Protection returns the protection of the page containing addr.
func (p *SoftwareProtector) Protection(addr memory.Address) Protection {
	p.Lock()
	defer p.Unlock()
	return p.pages[utils.AlignDown(addr, memory.PageSize)]
}
