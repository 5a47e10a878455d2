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

package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	idset "github.com/intel/goresctrl/pkg/utils"

	"github.com/containers/memrt/pkg/utils"
)

// Allocation is a unit of addressable memory. Allocations are owned by
// a memory manager and referenced by everything else.
type Allocation struct {
	id      uint64
	typ     Type
	pool    Pool
	size    uint64
	cpuAddr Address
	gpuAddr Address
	banks   BankMask
	storage []byte

	lock     sync.Mutex
	writable BankMask
	dumpable bool
	usage    map[ContextID]*usage
	locked   int
}

// usage is the per-context residency bookkeeping of an allocation.
type usage struct {
	state          ResidencyState
	residencyCount uint32
	taskCount      uint32
}

// Options describe a new Allocation.
type Options struct {
	Type       Type
	Pool       Pool
	Size       uint64
	CPUAddress Address
	GPUAddress Address
	Banks      BankMask
	Storage    []byte
}

var nextID atomic.Uint64

// NewAllocation creates an allocation. Storage, if given, must be at
// least Size bytes; otherwise a zeroed CPU-visible copy is created.
// New allocations are writable to all of their banks.
func NewAllocation(o Options) *Allocation {
	storage := o.Storage
	if storage == nil {
		storage = make([]byte, o.Size)
	}
	banks := o.Banks
	if banks == 0 {
		banks = NewBankMask(0)
	}

	return &Allocation{
		id:       nextID.Add(1),
		typ:      o.Type,
		pool:     o.Pool,
		size:     o.Size,
		cpuAddr:  o.CPUAddress,
		gpuAddr:  o.GPUAddress,
		banks:    banks,
		storage:  storage[:o.Size:o.Size],
		writable: banks,
		usage:    make(map[ContextID]*usage),
	}
}

// ID returns the unique ID of the allocation.
func (a *Allocation) ID() uint64 {
	return a.id
}

// Type returns the type of the allocation.
func (a *Allocation) Type() Type {
	return a.typ
}

// Pool returns the memory pool backing the allocation.
func (a *Allocation) Pool() Pool {
	return a.pool
}

// Size returns the size of the allocation in bytes.
func (a *Allocation) Size() uint64 {
	return a.size
}

// CPUAddress returns the CPU address of the allocation, or 0 if the
// allocation has no CPU mapping.
func (a *Allocation) CPUAddress() Address {
	return a.cpuAddr
}

// GPUAddress returns the device virtual address of the allocation.
func (a *Allocation) GPUAddress() Address {
	return a.gpuAddr
}

// Banks returns the memory banks the allocation is placed in.
func (a *Allocation) Banks() BankMask {
	return a.banks
}

// Storage returns the CPU-visible copy of the allocation's contents.
func (a *Allocation) Storage() []byte {
	return a.storage
}

// ContainsCPU returns true if addr falls within the CPU range of the allocation.
func (a *Allocation) ContainsCPU(addr Address) bool {
	return a.cpuAddr != 0 && addr >= a.cpuAddr && addr < a.cpuAddr+a.size
}

// ContainsGPU returns true if addr falls within the device range of the allocation.
func (a *Allocation) ContainsGPU(addr Address) bool {
	return addr >= a.gpuAddr && addr < a.gpuAddr+a.size
}

// ReadAt copies contents from the CPU-visible copy at the given offset.
func (a *Allocation) ReadAt(p []byte, offset uint64) error {
	if offset+uint64(len(p)) > a.size {
		return fmt.Errorf("%w: read [%d, %d) of %s", ErrOutOfRange, offset, offset+uint64(len(p)), a)
	}
	copy(p, a.storage[offset:])
	return nil
}

// WriteAt copies contents into the CPU-visible copy at the given offset
// and marks the allocation writable to all of its banks.
func (a *Allocation) WriteAt(p []byte, offset uint64) error {
	if offset+uint64(len(p)) > a.size {
		return fmt.Errorf("%w: write [%d, %d) of %s", ErrOutOfRange, offset, offset+uint64(len(p)), a)
	}
	copy(a.storage[offset:], p)
	a.SetWritable(true, a.banks)
	return nil
}

// IsWritable returns true if the allocation needs to be uploaded to the bank.
func (a *Allocation) IsWritable(bank int) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.writable.Contains(bank)
}

// WritableBanks returns the banks the allocation needs to be uploaded to.
func (a *Allocation) WritableBanks() BankMask {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.writable
}

// SetWritable sets or clears the writable flag for the given banks.
func (a *Allocation) SetWritable(writable bool, banks BankMask) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if writable {
		a.writable |= banks & a.banks
	} else {
		a.writable &^= banks
	}
}

// IsDumpable returns true if the allocation should be dumped on download.
func (a *Allocation) IsDumpable() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.dumpable
}

// SetDumpable sets the dumpable flag of the allocation.
func (a *Allocation) SetDumpable(dumpable bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.dumpable = dumpable
}

func (a *Allocation) usageFor(ctx ContextID) *usage {
	u, ok := a.usage[ctx]
	if !ok {
		u = &usage{}
		a.usage[ctx] = u
	}
	return u
}

// ResidencyState returns the residency state of the allocation in the context.
func (a *Allocation) ResidencyState(ctx ContextID) ResidencyState {
	a.lock.Lock()
	defer a.lock.Unlock()
	if u, ok := a.usage[ctx]; ok {
		return u.state
	}
	return NonResident
}

// SetResidencyState updates the residency state of the allocation in the context.
func (a *Allocation) SetResidencyState(ctx ContextID, state ResidencyState) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.usageFor(ctx).state = state
}

// IsResident returns true if the allocation is resident in the context.
func (a *Allocation) IsResident(ctx ContextID) bool {
	return a.ResidencyState(ctx).IsResident()
}

// ResidencyTaskCount returns the task count the allocation was last made
// resident for in the context.
func (a *Allocation) ResidencyTaskCount(ctx ContextID) uint32 {
	a.lock.Lock()
	defer a.lock.Unlock()
	if u, ok := a.usage[ctx]; ok {
		return u.residencyCount
	}
	return 0
}

// UpdateResidencyTaskCount raises the residency task count of the
// allocation in the context to count. The count is never lowered. It
// returns the resulting residency task count.
func (a *Allocation) UpdateResidencyTaskCount(ctx ContextID, count uint32) uint32 {
	a.lock.Lock()
	defer a.lock.Unlock()
	u := a.usageFor(ctx)
	if count > u.residencyCount {
		u.residencyCount = count
	}
	return u.residencyCount
}

// TaskCount returns the task count of the last submission using the
// allocation in the context.
func (a *Allocation) TaskCount(ctx ContextID) uint32 {
	a.lock.Lock()
	defer a.lock.Unlock()
	if u, ok := a.usage[ctx]; ok {
		return u.taskCount
	}
	return 0
}

// UpdateTaskCount records the task count of a submission using the
// allocation in the context.
func (a *Allocation) UpdateTaskCount(ctx ContextID, count uint32) {
	a.lock.Lock()
	defer a.lock.Unlock()
	u := a.usageFor(ctx)
	if count > u.taskCount {
		u.taskCount = count
	}
}

// ReleaseResidency makes the allocation non-resident in the context.
// The residency task count is kept.
func (a *Allocation) ReleaseResidency(ctx ContextID) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if u, ok := a.usage[ctx]; ok {
		u.state = NonResident
	}
}

// ResidentContexts returns the set of contexts the allocation is resident in.
func (a *Allocation) ResidentContexts() idset.IDSet {
	a.lock.Lock()
	defer a.lock.Unlock()
	ids := idset.NewIDSet()
	for ctx, u := range a.usage {
		if u.state.IsResident() {
			ids.Add(idset.ID(ctx))
		}
	}
	return ids
}

// IsUsedByAnyContext returns true if the allocation is resident anywhere.
func (a *Allocation) IsUsedByAnyContext() bool {
	return a.ResidentContexts().Size() > 0
}

// Lock marks the allocation locked for CPU access and returns the
// CPU-visible copy.
func (a *Allocation) Lock() []byte {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.locked++
	return a.storage
}

// Unlock releases a lock for CPU access.
func (a *Allocation) Unlock() {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.locked > 0 {
		a.locked--
	}
}

// IsLocked returns true if the allocation is locked for CPU access.
func (a *Allocation) IsLocked() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.locked > 0
}

// String returns a string representation of the allocation.
func (a *Allocation) String() string {
	if a == nil {
		return "<nil allocation>"
	}
	cpu := "-"
	if a.cpuAddr != 0 {
		cpu = fmt.Sprintf("0x%x", a.cpuAddr)
	}
	return fmt.Sprintf("allocation #%d<%s, %s, %s, cpu %s, gpu 0x%x, banks %s>",
		a.id, a.typ, a.pool, utils.PrettySize(int64(a.size)), cpu, a.gpuAddr, a.banks)
}
