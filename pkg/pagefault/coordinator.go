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
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"

	"github.com/containers/memrt/pkg/backend"
	"github.com/containers/memrt/pkg/instrumentation/tracing"
	logger "github.com/containers/memrt/pkg/log"
	"github.com/containers/memrt/pkg/memory"
)

var (
	log     = logger.Get("pagefault")
	details = logger.Get("pagefault-details")
)

var (
	// ErrNotTracked is returned for addresses outside any tracked range.
	ErrNotTracked = fmt.Errorf("pagefault: address not tracked")
	// ErrAlreadyTracked is returned for ranges overlapping a tracked one.
	ErrAlreadyTracked = fmt.Errorf("pagefault: range already tracked")
	// ErrInvalidProtection is returned for an unknown protection.
	ErrInvalidProtection = fmt.Errorf("pagefault: invalid protection")
	// ErrNotSupported is returned for protection unsupported on the platform.
	ErrNotSupported = fmt.Errorf("pagefault: not supported")
)

// Domain is the owner of the contents of a tracked range.
type Domain int

const (
	// DomainCPU means the CPU copy is authoritative and writable.
	DomainCPU Domain = iota
	// DomainDevice means the device copy is authoritative and the CPU
	// copy is protected.
	DomainDevice
)

// String returns the name of the domain.
func (d Domain) String() string {
	switch d {
	case DomainCPU:
		return "cpu-owned"
	case DomainDevice:
		return "device-owned"
	}
	return fmt.Sprintf("%%!(pagefault:Bad-Domain %d)", int(d))
}

// Memory moves the contents of the ranges it owns between the domains.
type Memory interface {
	// TransferToCPU brings the CPU copy of the range at ptr up to date.
	TransferToCPU(ptr memory.Address) error
	// TransferToDevice brings the device copy of the range at ptr up to date.
	TransferToDevice(ptr memory.Address) error
	// SetBackendWritable controls whether the backend may upload the range.
	SetBackendWritable(ptr memory.Address, writable bool)
}

// Queue is the work queue associated with a range. It is synced before
// contents are pulled back from the device.
type Queue interface {
	Sync(ctx context.Context) error
}

type trackedRange struct {
	base    memory.Address
	size    uint64
	mem     Memory
	queue   Queue
	domain  Domain
	busy    bool
	removed bool
}

func (r *trackedRange) contains(addr memory.Address) bool {
	return r.base <= addr && addr < r.base+r.size
}

func (r *trackedRange) String() string {
	return fmt.Sprintf("[0x%x, 0x%x) %s", r.base, r.base+r.size, r.domain)
}

// Coordinator tracks unified memory ranges and moves them between the
// CPU and the device domain.
type Coordinator struct {
	lock      sync.Mutex
	cond      *sync.Cond
	ranges    *btree.BTreeG[*trackedRange]
	protector Protector
	guard     *Guard
	backend   *backend.Backend
}

// Option is an opaque option for a Coordinator.
type Option func(*Coordinator) error

// WithProtector sets the protector used to guard device owned ranges.
func WithProtector(p Protector) Option {
	return func(c *Coordinator) error {
		c.protector = p
		return nil
	}
}

// WithBackend hooks the coordinator into the backend. Backend accesses to
// CPU memory are run through the fault guard and opening a capture window
// pulls all device owned ranges back to the CPU.
func WithBackend(b *backend.Backend) Option {
	return func(c *Coordinator) error {
		c.backend = b
		return nil
	}
}

// New creates a new coordinator. Without a protector set by an option,
// a software protector is used.
func New(options ...Option) (*Coordinator, error) {
	c := &Coordinator{
		ranges: btree.NewG(16, func(a, b *trackedRange) bool {
			return a.base < b.base
		}),
	}
	c.cond = sync.NewCond(&c.lock)
	c.guard = NewGuard(c.OnFault)

	for _, o := range options {
		if err := o(c); err != nil {
			return nil, fmt.Errorf("pagefault: failed to apply option: %w", err)
		}
	}

	if c.protector == nil {
		c.protector = NewSoftwareProtector()
	}

	if c.backend != nil {
		c.backend.SetAccessor(c.guard)
		c.backend.OnSubCaptureActivation(c.pullAll)
	}

	log.Info("created coordinator with %s protection", c.protector.Name())

	return c, nil
}

// Guard returns the fault guard of the coordinator. CPU accesses to
// tracked memory must be run through it.
func (c *Coordinator) Guard() *Guard {
	return c.guard
}

// Track starts tracking the range [ptr, ptr+size) owned by mem. The
// range starts out CPU owned, with its CPU copy brought up to date.
func (c *Coordinator) Track(ptr memory.Address, size uint64, mem Memory, queue Queue) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if overlap := c.overlapping(ptr, size); overlap != nil {
		log.Assert(false, "tracking [0x%x, 0x%x) overlapping %s", ptr, ptr+size, overlap)
		return fmt.Errorf("%w: [0x%x, 0x%x) overlaps %s", ErrAlreadyTracked, ptr, ptr+size, overlap)
	}

	r := &trackedRange{
		base:   ptr,
		size:   size,
		mem:    mem,
		queue:  queue,
		domain: DomainCPU,
	}
	c.ranges.ReplaceOrInsert(r)
	trackedRanges.Set(float64(c.ranges.Len()))

	if err := c.pull(r); err != nil {
		c.ranges.Delete(r)
		trackedRanges.Set(float64(c.ranges.Len()))
		return err
	}

	log.Debug("tracking %s", r)

	return nil
}

// Untrack stops tracking the range at ptr. A device owned range is moved
// back to the CPU first, so no protected memory is left behind.
func (c *Coordinator) Untrack(ptr memory.Address) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	r, ok := c.ranges.Get(&trackedRange{base: ptr})
	if !log.Assert(ok, "untracking unknown range 0x%x", ptr) {
		return fmt.Errorf("%w: 0x%x", ErrNotTracked, ptr)
	}

	c.waitIdle(r)
	if r.removed {
		return fmt.Errorf("%w: 0x%x", ErrNotTracked, ptr)
	}

	var err error
	if r.domain == DomainDevice {
		err = c.pull(r)
	}

	r.removed = true
	c.ranges.Delete(r)
	trackedRanges.Set(float64(c.ranges.Len()))
	c.cond.Broadcast()

	log.Debug("untracked %s", r)

	return err
}

// ToDeviceDomain moves the range containing ptr to the device. The
// backend is no longer allowed to upload the range and CPU access to it
// is blocked until it is pulled back.
func (c *Coordinator) ToDeviceDomain(ptr memory.Address) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	r := c.find(ptr)
	if r == nil {
		return fmt.Errorf("%w: 0x%x", ErrNotTracked, ptr)
	}

	c.waitIdle(r)
	if r.removed {
		return fmt.Errorf("%w: 0x%x", ErrNotTracked, ptr)
	}

	return c.push(r)
}

// ToDeviceDomainForRegistry moves every CPU owned range of mem to the
// device.
func (c *Coordinator) ToDeviceDomainForRegistry(ctx context.Context, mem Memory) error {
	_, span := tracing.StartSpan(ctx, "pagefault.ToDeviceDomainForRegistry")

	c.lock.Lock()
	defer c.lock.Unlock()

	var (
		errs  *multierror.Error
		count int
	)

	for _, r := range c.snapshot() {
		if r.mem != mem {
			continue
		}
		c.waitIdle(r)
		if r.removed || r.domain == DomainDevice {
			continue
		}
		if err := c.push(r); err != nil {
			errs = multierror.Append(errs, err)
		}
		count++
	}

	err := errs.ErrorOrNil()
	span.SetAttributes(tracing.Attribute("ranges", count))
	span.End(tracing.WithStatus(err))

	return err
}

// OnFault handles a CPU fault at addr. A fault in a device owned range
// pulls the range back to the CPU. It returns false if the fault is not
// caused by a tracked range and needs to be handled some other way.
func (c *Coordinator) OnFault(addr memory.Address) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	r := c.find(addr)
	if r == nil {
		faultsTotal.WithLabelValues("unhandled").Inc()
		return false
	}

	if c.waitIdle(r) && !r.removed && r.domain == DomainCPU {
		// pulled back by a concurrent fault
		faultsTotal.WithLabelValues("resolved").Inc()
		return true
	}

	if r.removed || r.domain == DomainCPU {
		faultsTotal.WithLabelValues("unhandled").Inc()
		return false
	}

	if err := c.pull(r); err != nil {
		log.Error("failed to handle fault at 0x%x: %v", addr, err)
	}
	faultsTotal.WithLabelValues("handled").Inc()

	return true
}

// Domain returns the domain of the range containing ptr.
func (c *Coordinator) Domain(ptr memory.Address) (Domain, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	r := c.find(ptr)
	if r == nil {
		return DomainCPU, false
	}

	c.waitIdle(r)

	return r.domain, !r.removed
}

// Tracked returns the number of tracked ranges.
func (c *Coordinator) Tracked() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ranges.Len()
}

// pullAll moves all device owned ranges back to the CPU.
func (c *Coordinator) pullAll() {
	c.lock.Lock()
	defer c.lock.Unlock()

	count := 0
	for _, r := range c.snapshot() {
		c.waitIdle(r)
		if r.removed || r.domain == DomainCPU {
			continue
		}
		if err := c.pull(r); err != nil {
			log.Error("failed to pull %s: %v", r, err)
		}
		count++
	}

	if count > 0 {
		log.Info("pulled %d device owned ranges back to the CPU", count)
	}
}

// push moves a CPU owned range to the device. The range is write
// protected while its contents are uploaded. Must be called with the
// lock held.
func (c *Coordinator) push(r *trackedRange) error {
	if r.domain == DomainDevice {
		return nil
	}

	_, span := tracing.StartSpan(context.Background(), "pagefault.ToDevice",
		tracing.WithInternalKind(),
		tracing.WithAttributes(tracing.Attribute("base", r.base)),
	)

	r.mem.SetBackendWritable(r.base, false)

	err := c.protector.Protect(r.base, r.size, ProtRead)
	if err == nil {
		err = r.mem.TransferToDevice(r.base)
	}
	if err == nil {
		err = c.protector.Protect(r.base, r.size, ProtNone)
	}

	if err != nil {
		r.mem.SetBackendWritable(r.base, true)
		if perr := c.protector.Protect(r.base, r.size, ProtReadWrite); perr != nil {
			log.Error("failed to unprotect %s: %v", r, perr)
		}
		span.End(tracing.WithStatus(err))
		return fmt.Errorf("pagefault: failed to move %s to device: %w", r, err)
	}

	r.domain = DomainDevice
	transfersTotal.WithLabelValues("to-device").Inc()
	span.End()

	log.Debug("moved %s", r)

	return nil
}

// pull moves a device owned range back to the CPU. The queue of the range
// is synced without the lock held, with the range marked busy. Must be
// called with the lock held.
func (c *Coordinator) pull(r *trackedRange) error {
	_, span := tracing.StartSpan(context.Background(), "pagefault.ToCPU",
		tracing.WithInternalKind(),
		tracing.WithAttributes(tracing.Attribute("base", r.base)),
	)

	var errs *multierror.Error

	if r.queue != nil {
		r.busy = true
		c.lock.Unlock()
		err := r.queue.Sync(context.Background())
		c.lock.Lock()
		r.busy = false
		c.cond.Broadcast()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to sync queue: %w", err))
		}
		span.AddEvent("queue-synced")
	}

	if err := c.protector.Protect(r.base, r.size, ProtReadWrite); err != nil {
		errs = multierror.Append(errs, err)
	}
	r.mem.SetBackendWritable(r.base, true)
	if err := r.mem.TransferToCPU(r.base); err != nil {
		errs = multierror.Append(errs, err)
	}

	r.domain = DomainCPU
	transfersTotal.WithLabelValues("to-cpu").Inc()

	err := errs.ErrorOrNil()
	span.End(tracing.WithStatus(err))

	if err != nil {
		return fmt.Errorf("pagefault: failed to move %s to CPU: %w", r, err)
	}

	log.Debug("moved %s", r)

	return nil
}

// waitIdle waits until no transfer is in progress for the range. It
// returns true if it had to wait. Must be called with the lock held.
func (c *Coordinator) waitIdle(r *trackedRange) bool {
	waited := false
	for r.busy {
		waited = true
		c.cond.Wait()
	}
	return waited
}

func (c *Coordinator) find(addr memory.Address) *trackedRange {
	var found *trackedRange
	c.ranges.DescendLessOrEqual(&trackedRange{base: addr}, func(r *trackedRange) bool {
		if r.contains(addr) {
			found = r
		}
		return false
	})
	return found
}

func (c *Coordinator) overlapping(ptr memory.Address, size uint64) *trackedRange {
	if r := c.find(ptr); r != nil {
		return r
	}

	var found *trackedRange
	c.ranges.AscendGreaterOrEqual(&trackedRange{base: ptr}, func(r *trackedRange) bool {
		if r.base < ptr+size {
			found = r
		}
		return false
	})
	return found
}

func (c *Coordinator) snapshot() []*trackedRange {
	list := make([]*trackedRange, 0, c.ranges.Len())
	c.ranges.Ascend(func(r *trackedRange) bool {
		list = append(list, r)
		return true
	})
	return list
}

// Dump logs the tracked ranges if details are being debugged.
func (c *Coordinator) Dump(what string) {
	if !details.DebugEnabled() {
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	var b strings.Builder
	c.ranges.Ascend(func(r *trackedRange) bool {
		fmt.Fprintf(&b, "\n  - %s", r)
		return true
	})

	details.Debug("%s: %d tracked ranges:%s", what, c.ranges.Len(), b.String())
}
