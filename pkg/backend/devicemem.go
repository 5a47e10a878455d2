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
	"sync"

	"github.com/containers/memrt/pkg/memory"
	"github.com/containers/memrt/pkg/utils"
)

// deviceMemory is sparse, page granular, per-bank simulated device memory.
type deviceMemory struct {
	lock   sync.RWMutex
	banks  []map[memory.Address][]byte
	copier Copier
}

func newDeviceMemory(banks int, copier Copier) *deviceMemory {
	m := &deviceMemory{
		banks:  make([]map[memory.Address][]byte, banks),
		copier: copier,
	}
	for i := range m.banks {
		m.banks[i] = make(map[memory.Address][]byte)
	}
	return m
}

// write stores data at addr in the given bank and returns the number of
// bytes which changed.
func (m *deviceMemory) write(bank int, addr memory.Address, data []byte) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	pages := m.banks[bank]
	changed := 0
	for off := uint64(0); off < uint64(len(data)); {
		var (
			page  = utils.AlignDown(addr+off, memory.PageSize)
			pgOff = addr + off - page
			n     = min(memory.PageSize-pgOff, uint64(len(data))-off)
			mem   = pages[page]
		)
		if mem == nil {
			mem = make([]byte, memory.PageSize)
			pages[page] = mem
		}
		changed += m.copier.Copy(mem[pgOff:pgOff+n], data[off:off+n])
		off += n
	}

	return changed
}

// read copies the contents of the given bank at addr into buf. Parts of
// buf backed by pages which were never written are left untouched. It
// returns true if any page was present.
func (m *deviceMemory) read(bank int, addr memory.Address, buf []byte) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()

	pages := m.banks[bank]
	found := false
	for off := uint64(0); off < uint64(len(buf)); {
		var (
			page  = utils.AlignDown(addr+off, memory.PageSize)
			pgOff = addr + off - page
			n     = min(memory.PageSize-pgOff, uint64(len(buf))-off)
		)
		if mem, ok := pages[page]; ok {
			m.copier.Copy(buf[off:off+n], mem[pgOff:pgOff+n])
			found = true
		}
		off += n
	}

	return found
}

// release drops the pages backing [addr, addr+size) in all banks.
func (m *deviceMemory) release(addr memory.Address, size uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()

	first := utils.AlignDown(addr, memory.PageSize)
	for _, pages := range m.banks {
		for page := first; page < addr+size; page += memory.PageSize {
			delete(pages, page)
		}
	}
}

// pageCount returns the number of pages present in the given bank.
func (m *deviceMemory) pageCount(bank int) int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.banks[bank])
}

// Device is the view simulated device work has of device memory.
type Device interface {
	// Read reads device memory at the given device address.
	Read(addr memory.Address, buf []byte)
	// Write writes device memory at the given device address.
	Write(addr memory.Address, data []byte)
}

type deviceView struct {
	mem   *deviceMemory
	banks memory.BankMask
}

func (v *deviceView) Read(addr memory.Address, buf []byte) {
	v.mem.read(v.banks.First(), addr, buf)
}

func (v *deviceView) Write(addr memory.Address, data []byte) {
	v.banks.Foreach(func(bank int) bool {
		v.mem.write(bank, addr, data)
		return true
	})
}
