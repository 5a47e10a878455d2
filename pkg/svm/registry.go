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

package svm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"

	logger "github.com/containers/memrt/pkg/log"
	"github.com/containers/memrt/pkg/memory"
	"github.com/containers/memrt/pkg/memory/manager"
	"github.com/containers/memrt/pkg/pagefault"
)

var (
	log     = logger.Get("svm")
	details = logger.Get("svm-details")
)

var (
	// ErrUnknownPointer is returned for pointers not in the registry.
	ErrUnknownPointer = fmt.Errorf("svm: unknown pointer")
	// ErrInvalidKind is returned for an invalid memory kind.
	ErrInvalidKind = fmt.Errorf("svm: invalid memory kind")
)

// Kind is a bitmask of unified memory kinds.
type Kind uint32

const (
	// KindHost is host memory accessible by the device.
	KindHost Kind = 1 << iota
	// KindDevice is device memory.
	KindDevice
	// KindShared is memory migrated between host and device on demand.
	KindShared
	// KindAll matches every kind.
	KindAll = KindHost | KindDevice | KindShared
)

// String returns the kinds in the mask.
func (k Kind) String() string {
	var names []string
	for _, kind := range []struct {
		k    Kind
		name string
	}{
		{KindHost, "host"},
		{KindDevice, "device"},
		{KindShared, "shared"},
	} {
		if k&kind.k != 0 {
			names = append(names, kind.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Allocator allocates the memory of unified allocations.
type Allocator interface {
	Allocate(manager.Properties) (*memory.Allocation, error)
	Free(*memory.Allocation)
	StoreForReuse(*memory.Allocation)
	ObtainReusable(memory.Type, uint64) *memory.Allocation
	HasLocalMemory() bool
}

// Backend transfers allocation contents to and from a device.
type Backend interface {
	Upload(*memory.Allocation) bool
	Download(*memory.Allocation) bool
	Forget(*memory.Allocation)
}

// Device is a device unified memory is created for.
type Device struct {
	// Name of the device.
	Name string
	// Allocator of the device.
	Allocator Allocator
	// Backend of the device.
	Backend Backend
	// Queue is synced before shared memory is pulled back from the device.
	Queue pagefault.Queue
}

// PageFaults tracks shared allocations for fault driven migration.
type PageFaults interface {
	Track(ptr memory.Address, size uint64, mem pagefault.Memory, queue pagefault.Queue) error
	Untrack(ptr memory.Address) error
}

// Record is a unified memory allocation. For zero-copy allocations CPU
// and GPU refer to the same allocation. Device memory has no CPU side.
type Record struct {
	// Ptr is the address returned for the allocation.
	Ptr memory.Address
	// Size is the requested size.
	Size uint64
	// Kind of the allocation.
	Kind Kind
	// Device the allocation was created for.
	Device *Device
	// CPU is the allocation accessed by the CPU.
	CPU *memory.Allocation
	// GPU is the allocation accessed by the device.
	GPU *memory.Allocation

	freeing bool
}

// IsZeroCopy returns true if CPU and device share the allocation.
func (r *Record) IsZeroCopy() bool {
	return r.CPU == r.GPU
}

// Allocations returns the distinct allocations of the record.
func (r *Record) Allocations() []*memory.Allocation {
	switch {
	case r.CPU == nil:
		return []*memory.Allocation{r.GPU}
	case r.IsZeroCopy():
		return []*memory.Allocation{r.CPU}
	}
	return []*memory.Allocation{r.CPU, r.GPU}
}

func (r *Record) String() string {
	return fmt.Sprintf("%s 0x%x (%d bytes, %s)", r.Kind, r.Ptr, r.Size, r.Device.Name)
}

// entry maps an address range to a record.
type entry struct {
	base memory.Address
	size uint64
	rec  *Record
}

func lessEntry(a, b *entry) bool {
	return a.base < b.base
}

// Registry tracks unified memory allocations by address.
type Registry struct {
	lock    sync.Mutex
	records *btree.BTreeG[*entry]
	mapOps  *btree.BTreeG[*MapOperation]
	faults  PageFaults
}

// Option is an opaque option for a Registry.
type Option func(*Registry) error

// WithPageFaults tracks shared allocations with the given page faults
// coordinator.
func WithPageFaults(pf PageFaults) Option {
	return func(r *Registry) error {
		r.faults = pf
		return nil
	}
}

// New creates a new registry.
func New(options ...Option) (*Registry, error) {
	r := &Registry{
		records: btree.NewG(16, lessEntry),
		mapOps:  btree.NewG(16, lessMapOperation),
	}

	for _, o := range options {
		if err := o(r); err != nil {
			return nil, fmt.Errorf("svm: failed to apply option: %w", err)
		}
	}

	return r, nil
}

// Create allocates size bytes of unified memory of the given kind for
// the device. It returns the address of the allocation or 0 and an error
// if the memory could not be allocated.
func (r *Registry) Create(size uint64, kind Kind, dev *Device) (memory.Address, error) {
	rec := &Record{
		Size:   size,
		Kind:   kind,
		Device: dev,
	}

	var err error

	switch kind {
	case KindHost:
		rec.CPU, err = r.allocate(dev, memory.TypeSVMZeroCopy, memory.PoolSystem, size, true)
		rec.GPU = rec.CPU
	case KindDevice:
		rec.GPU, err = r.allocate(dev, memory.TypeSVMGPU, memory.PoolLocal, size, false)
	case KindShared:
		if !dev.Allocator.HasLocalMemory() {
			rec.CPU, err = r.allocate(dev, memory.TypeSVMZeroCopy, memory.PoolSystem, size, true)
			rec.GPU = rec.CPU
			break
		}
		rec.CPU, err = r.allocate(dev, memory.TypeSVMCPU, memory.PoolSystem, size, false)
		if err == nil {
			rec.GPU, err = r.allocate(dev, memory.TypeSVMGPU, memory.PoolLocal, size, false)
			if err != nil {
				dev.Allocator.Free(rec.CPU)
			}
		}
	default:
		err = fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}

	if err != nil {
		createFailures.WithLabelValues(kind.String()).Inc()
		return 0, fmt.Errorf("svm: failed to create %d bytes of %s memory: %w", size, kind, err)
	}

	if rec.CPU != nil {
		rec.Ptr = rec.CPU.CPUAddress()
	} else {
		rec.Ptr = rec.GPU.GPUAddress()
	}

	r.insert(rec)

	if kind == KindShared && r.faults != nil {
		if err := r.faults.Track(rec.Ptr, rec.Size, r, dev.Queue); err != nil {
			r.release(rec)
			return 0, fmt.Errorf("svm: failed to track %s: %w", rec, err)
		}
	}

	log.Debug("created %s", rec)

	return rec.Ptr, nil
}

func (r *Registry) allocate(dev *Device, typ memory.Type, pool memory.Pool, size uint64, reuse bool) (*memory.Allocation, error) {
	if reuse {
		if a := dev.Allocator.ObtainReusable(typ, size); a != nil {
			clear(a.Storage())
			a.SetWritable(true, a.Banks())
			return a, nil
		}
	}
	return dev.Allocator.Allocate(manager.Properties{Type: typ, Size: size, Pool: pool})
}

// Insert registers an existing allocation as zero-copy memory of the
// given kind. The registry takes over the allocation. It returns the
// address the allocation is registered at.
func (r *Registry) Insert(a *memory.Allocation, kind Kind, dev *Device) memory.Address {
	rec := &Record{
		Ptr:    a.CPUAddress(),
		Size:   a.Size(),
		Kind:   kind,
		Device: dev,
		CPU:    a,
		GPU:    a,
	}
	if rec.Ptr == 0 {
		rec.Ptr = a.GPUAddress()
		rec.CPU = nil
	}

	r.insert(rec)

	return rec.Ptr
}

func (r *Registry) insert(rec *Record) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if rec.CPU != nil {
		r.records.ReplaceOrInsert(&entry{base: rec.CPU.CPUAddress(), size: rec.Size, rec: rec})
	}
	if rec.GPU.GPUAddress() != rec.Ptr {
		r.records.ReplaceOrInsert(&entry{base: rec.GPU.GPUAddress(), size: rec.Size, rec: rec})
	}
	if rec.CPU == nil {
		r.records.ReplaceOrInsert(&entry{base: rec.Ptr, size: rec.Size, rec: rec})
	}

	allocations.WithLabelValues(rec.Kind.String()).Inc()
}

// Remove unregisters the allocation at ptr without freeing it. It
// returns the record of the allocation or nil if ptr is unknown.
func (r *Registry) Remove(ptr memory.Address) *Record {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.records.Get(&entry{base: ptr})
	if !ok || e.rec.Ptr != ptr {
		return nil
	}

	r.remove(e.rec)

	return e.rec
}

func (r *Registry) remove(rec *Record) {
	for _, a := range rec.Allocations() {
		for _, base := range []memory.Address{a.CPUAddress(), a.GPUAddress()} {
			if e, ok := r.records.Get(&entry{base: base}); ok && e.rec == rec {
				r.records.Delete(e)
			}
		}
	}
	allocations.WithLabelValues(rec.Kind.String()).Dec()
}

// Free releases the allocation at ptr. Shared memory is moved back to
// the CPU and untracked first. Command buffers are kept for reuse. Freeing
// an unknown pointer is an invariant violation and returns false.
func (r *Registry) Free(ptr memory.Address) bool {
	r.lock.Lock()
	e, ok := r.records.Get(&entry{base: ptr})
	if !ok || e.rec.Ptr != ptr || e.rec.freeing {
		r.lock.Unlock()
		log.Assert(false, "free of unknown pointer 0x%x", ptr)
		return false
	}
	rec := e.rec
	rec.freeing = true
	r.lock.Unlock()

	if rec.Kind == KindShared && r.faults != nil {
		if err := r.faults.Untrack(ptr); err != nil {
			log.Error("failed to untrack %s: %v", rec, err)
		}
	}

	r.release(rec)

	return true
}

func (r *Registry) release(rec *Record) {
	r.lock.Lock()
	r.remove(rec)
	r.lock.Unlock()

	for _, a := range rec.Allocations() {
		switch a.Type() {
		case memory.TypeCommandBuffer, memory.TypeSVMZeroCopy:
			// Device pages of a reused allocation must not outlive its owner.
			rec.Device.Backend.Forget(a)
			rec.Device.Allocator.StoreForReuse(a)
		default:
			rec.Device.Allocator.Free(a)
		}
	}

	log.Debug("freed %s", rec)
}

// Lookup returns the record of the allocation containing ptr in either
// its CPU or its device address range, or nil.
func (r *Registry) Lookup(ptr memory.Address) *Record {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.lookup(ptr)
}

func (r *Registry) lookup(ptr memory.Address) *Record {
	var found *Record
	r.records.DescendLessOrEqual(&entry{base: ptr}, func(e *entry) bool {
		if ptr < e.base+e.size {
			found = e.rec
		}
		return false
	})
	return found
}

// Len returns the number of allocations in the registry.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.all(KindAll))
}

func (r *Registry) all(mask Kind) []*Record {
	var (
		seen = map[*Record]struct{}{}
		list []*Record
	)
	r.records.Ascend(func(e *entry) bool {
		if _, ok := seen[e.rec]; !ok && e.rec.Kind&mask != 0 {
			seen[e.rec] = struct{}{}
			list = append(list, e.rec)
		}
		return true
	})
	return list
}

// Residency makes allocations resident for the next task of a context.
type Residency interface {
	MakeResident(*memory.Allocation)
}

// MakeInternalAllocationsResident makes the device side of every
// allocation of the given kinds resident in the context of tracker.
func (r *Registry) MakeInternalAllocationsResident(tracker Residency, mask Kind) int {
	r.lock.Lock()
	list := r.all(mask)
	r.lock.Unlock()

	for _, rec := range list {
		tracker.MakeResident(rec.GPU)
	}

	return len(list)
}

// Close frees all remaining allocations.
func (r *Registry) Close(ctx context.Context) error {
	r.lock.Lock()
	list := r.all(KindAll)
	r.lock.Unlock()

	var errs *multierror.Error
	for _, rec := range list {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		if !r.Free(rec.Ptr) {
			errs = multierror.Append(errs, fmt.Errorf("%w: 0x%x", ErrUnknownPointer, rec.Ptr))
		}
	}

	if len(list) > 0 {
		log.Info("freed %d remaining allocations", len(list))
	}

	return errs.ErrorOrNil()
}

// Dump logs the registry if details are being debugged.
func (r *Registry) Dump(what string) {
	if !details.DebugEnabled() {
		return
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	var b strings.Builder
	for _, rec := range r.all(KindAll) {
		fmt.Fprintf(&b, "\n  - %s", rec)
		for _, a := range rec.Allocations() {
			fmt.Fprintf(&b, "\n    %s", a)
		}
	}
	r.mapOps.Ascend(func(op *MapOperation) bool {
		fmt.Fprintf(&b, "\n  - %s", op)
		return true
	})

	details.Debug("%s: registry:%s", what, b.String())
}
