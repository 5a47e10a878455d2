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

// Package manager implements the allocator that owns all allocations of
// a simulated device. System memory allocations are backed by page
// aligned host mappings, so OS page protection can be applied to them.
// Device-local allocations get a CPU-visible shadow but no CPU address.
package manager

import (
	"fmt"
	"slices"
	"sync"

	"github.com/containers/memrt/pkg/hwinfo"
	logger "github.com/containers/memrt/pkg/log"
	"github.com/containers/memrt/pkg/memory"
	"github.com/containers/memrt/pkg/utils"
)

var (
	ErrNoMem         = fmt.Errorf("manager: insufficient memory")
	ErrInvalidSize   = fmt.Errorf("manager: invalid allocation size")
	ErrUnknown       = fmt.Errorf("manager: unknown allocation")
	ErrNotCPUVisible = fmt.Errorf("manager: allocation not CPU accessible")
)

var (
	log = logger.Get("manager")
)

const (
	// gpuBase is the first device virtual address handed out.
	gpuBase = memory.Address(0x1_0000_0000)
	// maxReusable is the maximum number of allocations kept per type for reuse.
	maxReusable = 16
)

// Properties describe a requested allocation.
type Properties struct {
	// Type is the type of the allocation.
	Type memory.Type
	// Size is the size of the allocation in bytes.
	Size uint64
	// Pool is the preferred pool. Local memory requests fall back to
	// system memory on devices without local memory.
	Pool memory.Pool
	// Banks the allocation is placed in. Defaults to all banks of the device.
	Banks memory.BankMask
}

// Manager allocates and frees allocations for a device.
type Manager struct {
	lock     sync.Mutex
	info     hwinfo.Info
	nextGPU  memory.Address
	capacity map[memory.Pool]uint64
	used     map[memory.Pool]uint64
	allocs   map[uint64]*memory.Allocation
	mappings map[uint64][]byte
	reuse    map[memory.Type][]*memory.Allocation
	onFree   []func(*memory.Allocation)
}

// Option is an opaque option for a Manager.
type Option func(*Manager) error

// WithCapacity limits the amount of memory available in a pool. Zero
// means unlimited.
func WithCapacity(pool memory.Pool, capacity uint64) Option {
	return func(m *Manager) error {
		m.capacity[pool] = capacity
		return nil
	}
}

// WithFreeNotifier registers a function to call for every freed allocation.
// The function is called with the manager locked and must not call back
// into the manager.
func WithFreeNotifier(fn func(*memory.Allocation)) Option {
	return func(m *Manager) error {
		m.onFree = append(m.onFree, fn)
		return nil
	}
}

// New creates a memory manager for the given device.
func New(info hwinfo.Info, options ...Option) (*Manager, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		info:     info,
		nextGPU:  gpuBase,
		capacity: make(map[memory.Pool]uint64),
		used:     make(map[memory.Pool]uint64),
		allocs:   make(map[uint64]*memory.Allocation),
		mappings: make(map[uint64][]byte),
		reuse:    make(map[memory.Type][]*memory.Allocation),
	}

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, fmt.Errorf("manager: failed to apply option: %w", err)
		}
	}

	log.Info("created memory manager for %s (local memory: %v, banks: %d)",
		info.Family, info.LocalMemory, info.BankCount())

	return m, nil
}

// HasLocalMemory returns true if the device has device-local memory.
func (m *Manager) HasLocalMemory() bool {
	return m.info.LocalMemory
}

// Banks returns all memory banks of the device.
func (m *Manager) Banks() memory.BankMask {
	return memory.AllBanks(m.info.BankCount())
}

// Allocate creates a new allocation with the given properties.
func (m *Manager) Allocate(p Properties) (*memory.Allocation, error) {
	if p.Size == 0 {
		return nil, fmt.Errorf("%w: 0", ErrInvalidSize)
	}

	pool := p.Pool
	if pool == memory.PoolLocal && !m.info.LocalMemory {
		pool = memory.PoolSystem
	}
	banks := p.Banks & m.Banks()
	if banks == 0 {
		banks = m.Banks()
	}
	if pool == memory.PoolSystem {
		banks = memory.NewBankMask(banks.First())
	}

	mapped := utils.AlignUp(p.Size, memory.PageSize)

	m.lock.Lock()
	defer m.lock.Unlock()

	if limit := m.capacity[pool]; limit != 0 && m.used[pool]+mapped > limit {
		return nil, fmt.Errorf("%w: %s %s requested, %s of %s in use", ErrNoMem,
			pool, utils.PrettySize(int64(mapped)),
			utils.PrettySize(int64(m.used[pool])), utils.PrettySize(int64(limit)))
	}

	var (
		storage []byte
		cpuAddr memory.Address
		err     error
	)

	if pool == memory.PoolSystem {
		storage, err = mapHost(mapped)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoMem, err)
		}
		cpuAddr = hostAddress(storage)
	} else {
		storage = make([]byte, mapped)
	}

	a := memory.NewAllocation(memory.Options{
		Type:       p.Type,
		Pool:       pool,
		Size:       p.Size,
		CPUAddress: cpuAddr,
		GPUAddress: m.nextGPU,
		Banks:      banks,
		Storage:    storage,
	})

	m.nextGPU += mapped + memory.PageSize
	m.used[pool] += mapped
	m.allocs[a.ID()] = a
	if pool == memory.PoolSystem {
		m.mappings[a.ID()] = storage
	}

	log.Debug("allocated %s", a)

	return a, nil
}

// Free releases the given allocation.
func (m *Manager) Free(a *memory.Allocation) {
	if a == nil {
		return
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	m.free(a)
}

func (m *Manager) free(a *memory.Allocation) {
	if _, ok := m.allocs[a.ID()]; !ok {
		log.Assert(false, "free of unknown %s", a)
		return
	}

	m.used[a.Pool()] -= utils.AlignUp(a.Size(), memory.PageSize)
	delete(m.allocs, a.ID())
	m.reuse[a.Type()] = slices.DeleteFunc(m.reuse[a.Type()], func(r *memory.Allocation) bool {
		return r == a
	})

	if mapping, ok := m.mappings[a.ID()]; ok {
		delete(m.mappings, a.ID())
		if err := unmapHost(mapping); err != nil {
			log.Error("failed to unmap %s: %v", a, err)
		}
	}

	for _, fn := range m.onFree {
		fn(a)
	}

	log.Debug("freed %s", a)
}

// StoreForReuse keeps the allocation for a later ObtainReusable instead
// of freeing it.
func (m *Manager) StoreForReuse(a *memory.Allocation) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.allocs[a.ID()]; !ok {
		log.Assert(false, "store for reuse of unknown %s", a)
		return
	}

	if len(m.reuse[a.Type()]) >= maxReusable {
		m.free(m.reuse[a.Type()][0])
	}
	m.reuse[a.Type()] = append(m.reuse[a.Type()], a)

	log.Debug("stored %s for reuse", a)
}

// ObtainReusable returns a previously stored allocation of the given
// type which is large enough and not in use by any context, or nil.
func (m *Manager) ObtainReusable(t memory.Type, size uint64) *memory.Allocation {
	m.lock.Lock()
	defer m.lock.Unlock()

	list := m.reuse[t]
	idx := slices.IndexFunc(list, func(a *memory.Allocation) bool {
		return a.Size() >= size && !a.IsUsedByAnyContext()
	})
	if idx < 0 {
		return nil
	}

	a := list[idx]
	m.reuse[t] = slices.Delete(list, idx, idx+1)

	log.Debug("reusing %s for %d bytes", a, size)

	return a
}

// LockForCPUAccess returns the CPU-visible copy of the allocation.
func (m *Manager) LockForCPUAccess(a *memory.Allocation) ([]byte, error) {
	m.lock.Lock()
	_, ok := m.allocs[a.ID()]
	m.lock.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, a)
	}

	return a.Lock(), nil
}

// UnlockForCPUAccess releases CPU access to the allocation. Changes made
// through the CPU-visible copy dirty the allocation for all its banks.
func (m *Manager) UnlockForCPUAccess(a *memory.Allocation) {
	a.Unlock()
	a.SetWritable(true, a.Banks())
}

// Usage returns the amount of memory in use in the given pool.
func (m *Manager) Usage(pool memory.Pool) uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.used[pool]
}

// Close frees all allocations, including ones stored for reuse.
func (m *Manager) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, a := range m.allocs {
		m.free(a)
	}
	m.reuse = make(map[memory.Type][]*memory.Allocation)
}
