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

package svm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/memrt/pkg/backend"
	"github.com/containers/memrt/pkg/hwinfo"
	logger "github.com/containers/memrt/pkg/log"
	"github.com/containers/memrt/pkg/memory"
	"github.com/containers/memrt/pkg/memory/manager"
	"github.com/containers/memrt/pkg/pagefault"
	"github.com/containers/memrt/pkg/svm"
)

func newDevice(t *testing.T, family hwinfo.Family, options ...manager.Option) *svm.Device {
	info, err := hwinfo.Default().Preset(family)
	require.NoError(t, err)

	b, err := backend.New(info)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	m, err := manager.New(info, append(options, manager.WithFreeNotifier(b.Forget))...)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return &svm.Device{Name: string(family), Allocator: m, Backend: b}
}

func newRegistry(t *testing.T, options ...svm.Option) *svm.Registry {
	r, err := svm.New(options...)
	require.NoError(t, err)
	return r
}

func TestCreateKinds(t *testing.T) {
	var (
		igpu = newDevice(t, hwinfo.FamilyGen12LP)
		dgpu = newDevice(t, hwinfo.FamilyXeHPC)
		r    = newRegistry(t)
	)

	for _, tc := range []struct {
		name     string
		kind     svm.Kind
		dev      *svm.Device
		zeroCopy bool
		cpu      bool
		gpuPool  memory.Pool
	}{
		{"host", svm.KindHost, dgpu, true, true, memory.PoolSystem},
		{"device", svm.KindDevice, dgpu, false, false, memory.PoolLocal},
		{"shared without local memory", svm.KindShared, igpu, true, true, memory.PoolSystem},
		{"shared with local memory", svm.KindShared, dgpu, false, true, memory.PoolLocal},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ptr, err := r.Create(100, tc.kind, tc.dev)
			require.NoError(t, err)
			require.NotZero(t, ptr)

			rec := r.Lookup(ptr)
			require.NotNil(t, rec)
			require.Equal(t, ptr, rec.Ptr)
			require.Equal(t, uint64(100), rec.Size)
			require.Equal(t, tc.kind, rec.Kind)
			require.Same(t, tc.dev, rec.Device)
			require.Equal(t, tc.zeroCopy, rec.IsZeroCopy())
			require.Equal(t, tc.cpu, rec.CPU != nil)
			require.Equal(t, tc.gpuPool, rec.GPU.Pool())

			require.Same(t, rec, r.Lookup(rec.GPU.GPUAddress()+99), "found by device address")
			require.True(t, r.Free(ptr))
			require.Nil(t, r.Lookup(ptr))
		})
	}

	require.Zero(t, r.Len())
}

func TestLookupContainment(t *testing.T) {
	var (
		dev = newDevice(t, hwinfo.FamilyGen12LP)
		r   = newRegistry(t)
	)

	sizes := []uint64{1, 100, memory.PageSize, 3*memory.PageSize + 5}
	ptrs := make([]memory.Address, 0, len(sizes))
	for _, size := range sizes {
		ptr, err := r.Create(size, svm.KindHost, dev)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	require.Equal(t, len(sizes), r.Len())

	for i, ptr := range ptrs {
		size := sizes[i]
		for _, addr := range []memory.Address{ptr, ptr + size/2, ptr + size - 1} {
			rec := r.Lookup(addr)
			require.NotNil(t, rec, "0x%x within [0x%x, 0x%x)", addr, ptr, ptr+size)
			require.Equal(t, ptr, rec.Ptr)
			require.Equal(t, size, rec.Size)
		}
		if rec := r.Lookup(ptr + size); rec != nil {
			require.NotEqual(t, ptr, rec.Ptr, "end of range is not contained")
		}
	}

	require.Nil(t, r.Lookup(0))
}

func TestCreateFailure(t *testing.T) {
	var (
		dev = newDevice(t, hwinfo.FamilyGen12LP, manager.WithCapacity(memory.PoolSystem, memory.PageSize))
		r   = newRegistry(t)
	)

	ptr, err := r.Create(2*memory.PageSize, svm.KindHost, dev)
	require.ErrorIs(t, err, manager.ErrNoMem)
	require.Zero(t, ptr)

	ptr, err = r.Create(memory.PageSize, svm.Kind(0), dev)
	require.ErrorIs(t, err, svm.ErrInvalidKind)
	require.Zero(t, ptr)

	ptr, err = r.Create(memory.PageSize, svm.KindHost, dev)
	require.NoError(t, err)
	require.NotZero(t, ptr)
}

func TestFreeUnknown(t *testing.T) {
	var (
		dev = newDevice(t, hwinfo.FamilyGen12LP)
		r   = newRegistry(t)
	)

	ptr, err := r.Create(64, svm.KindHost, dev)
	require.NoError(t, err)

	prev := logger.EnableAsserts(false)
	defer logger.EnableAsserts(prev)

	require.False(t, r.Free(ptr+8), "only the base pointer frees")
	require.True(t, r.Free(ptr))
	require.False(t, r.Free(ptr), "double free")

	logger.EnableAsserts(true)
	require.Panics(t, func() { r.Free(ptr) })
}

func TestFreeStoresForReuse(t *testing.T) {
	var (
		dev = newDevice(t, hwinfo.FamilyGen12LP)
		r   = newRegistry(t)
	)

	ptr, err := r.Create(memory.PageSize, svm.KindHost, dev)
	require.NoError(t, err)
	copy(r.Lookup(ptr).CPU.Storage(), "stale")
	require.True(t, r.Free(ptr))

	again, err := r.Create(100, svm.KindHost, dev)
	require.NoError(t, err)
	require.Equal(t, ptr, again, "zero-copy memory is reused")
	require.Equal(t, make([]byte, 5), r.Lookup(again).CPU.Storage()[:5], "reused memory is cleared")
}

func TestReusedSharedMemoryHasNoStaleDeviceContents(t *testing.T) {
	var (
		dev = newDevice(t, hwinfo.FamilyGen12LP)
		b   = dev.Backend.(*backend.Backend)
	)

	c, err := pagefault.New(pagefault.WithBackend(b))
	require.NoError(t, err)
	r := newRegistry(t, svm.WithPageFaults(c))

	ptr, err := r.Create(memory.PageSize, svm.KindShared, dev)
	require.NoError(t, err)
	require.True(t, r.Lookup(ptr).IsZeroCopy())
	copy(r.Lookup(ptr).CPU.Storage(), "secret")

	require.NoError(t, c.ToDeviceDomain(ptr))
	require.True(t, c.OnFault(ptr))
	require.True(t, r.Free(ptr))
	require.Zero(t, c.Tracked())

	again, err := r.Create(memory.PageSize, svm.KindShared, dev)
	require.NoError(t, err)
	require.Equal(t, ptr, again, "zero-copy memory is reused")
	require.Equal(t, make([]byte, 6), r.Lookup(again).CPU.Storage()[:6],
		"tracking reused memory does not bring back device contents of its previous owner")
	d, ok := c.Domain(again)
	require.True(t, ok)
	require.Equal(t, pagefault.DomainCPU, d)

	require.True(t, r.Free(again))
}

func TestInsertAndRemove(t *testing.T) {
	var (
		dev = newDevice(t, hwinfo.FamilyGen12LP)
		r   = newRegistry(t)
	)

	cmds, err := dev.Allocator.Allocate(manager.Properties{Type: memory.TypeCommandBuffer, Size: memory.PageSize})
	require.NoError(t, err)

	ptr := r.Insert(cmds, svm.KindHost, dev)
	require.Equal(t, cmds.CPUAddress(), ptr)
	require.Same(t, cmds, r.Lookup(ptr+10).CPU)

	rec := r.Remove(ptr)
	require.NotNil(t, rec)
	require.Nil(t, r.Lookup(ptr))
	require.Nil(t, r.Remove(ptr))

	r.Insert(cmds, svm.KindHost, dev)
	require.True(t, r.Free(ptr))
	require.Same(t, cmds, dev.Allocator.ObtainReusable(memory.TypeCommandBuffer, 64),
		"freed command buffers are kept for reuse")
}

func TestMapOperations(t *testing.T) {
	r := newRegistry(t)

	r.InsertMapOperation(0x10000, 0x20000, 0x1000, 0x100, true)
	r.InsertMapOperation(0x10000, 0x30000, 0x2000, 0, false)
	require.Equal(t, 2, r.MapOperations())

	op := r.GetMapOperation(0x20800)
	require.NotNil(t, op)
	require.Equal(t, svm.MapOperation{
		Ptr:        0x10000,
		RegionPtr:  0x20000,
		RegionSize: 0x1000,
		BaseOffset: 0x100,
		ReadOnly:   true,
	}, *op)

	require.Nil(t, r.GetMapOperation(0x21000))
	require.NotNil(t, r.GetMapOperation(0x31fff))

	require.True(t, r.RemoveMapOperation(0x20000))
	require.False(t, r.RemoveMapOperation(0x20000))
	require.Nil(t, r.GetMapOperation(0x20000))
	require.Equal(t, 1, r.MapOperations())
}

type residency struct {
	list []*memory.Allocation
}

func (r *residency) MakeResident(a *memory.Allocation) {
	r.list = append(r.list, a)
}

func TestMakeInternalAllocationsResident(t *testing.T) {
	var (
		dev = newDevice(t, hwinfo.FamilyXeHPC)
		r   = newRegistry(t)
	)

	host, err := r.Create(64, svm.KindHost, dev)
	require.NoError(t, err)
	device, err := r.Create(64, svm.KindDevice, dev)
	require.NoError(t, err)
	shared, err := r.Create(64, svm.KindShared, dev)
	require.NoError(t, err)

	res := &residency{}
	require.Equal(t, 2, r.MakeInternalAllocationsResident(res, svm.KindDevice|svm.KindShared))
	require.ElementsMatch(t, []*memory.Allocation{r.Lookup(device).GPU, r.Lookup(shared).GPU}, res.list)

	res = &residency{}
	require.Equal(t, 3, r.MakeInternalAllocationsResident(res, svm.KindAll))
	require.Contains(t, res.list, r.Lookup(host).GPU)
}

func TestTransfers(t *testing.T) {
	var (
		dev = newDevice(t, hwinfo.FamilyXeHPC)
		r   = newRegistry(t)
	)

	ptr, err := r.Create(64, svm.KindShared, dev)
	require.NoError(t, err)
	rec := r.Lookup(ptr)
	require.False(t, rec.IsZeroCopy())

	copy(rec.CPU.Storage(), "to device")
	require.NoError(t, r.TransferToDevice(ptr))
	require.Equal(t, "to device", string(rec.GPU.Storage()[:9]))

	copy(rec.GPU.Storage(), "to cpu...")
	require.True(t, dev.Backend.Upload(rec.GPU))
	clear(rec.GPU.Storage())
	require.NoError(t, r.TransferToCPU(ptr))
	require.Equal(t, "to cpu...", string(rec.CPU.Storage()[:9]))

	r.SetBackendWritable(ptr, false)
	require.Zero(t, rec.GPU.WritableBanks())
	r.SetBackendWritable(ptr, true)
	require.Equal(t, rec.GPU.Banks(), rec.GPU.WritableBanks())

	require.ErrorIs(t, r.TransferToCPU(1), svm.ErrUnknownPointer)
	require.ErrorIs(t, r.TransferToDevice(1), svm.ErrUnknownPointer)
}

type pageFaults struct {
	tracked map[memory.Address]uint64
	mems    map[memory.Address]pagefault.Memory
}

func (pf *pageFaults) Track(ptr memory.Address, size uint64, mem pagefault.Memory, _ pagefault.Queue) error {
	pf.tracked[ptr] = size
	pf.mems[ptr] = mem
	return nil
}

func (pf *pageFaults) Untrack(ptr memory.Address) error {
	delete(pf.tracked, ptr)
	return nil
}

func TestSharedMemoryIsTracked(t *testing.T) {
	var (
		dev = newDevice(t, hwinfo.FamilyGen12LP)
		pf  = &pageFaults{tracked: map[memory.Address]uint64{}, mems: map[memory.Address]pagefault.Memory{}}
		r   = newRegistry(t, svm.WithPageFaults(pf))
	)

	host, err := r.Create(64, svm.KindHost, dev)
	require.NoError(t, err)
	shared, err := r.Create(128, svm.KindShared, dev)
	require.NoError(t, err)

	require.Equal(t, map[memory.Address]uint64{shared: 128}, pf.tracked)
	require.Same(t, r, pf.mems[shared])

	require.True(t, r.Free(shared))
	require.Empty(t, pf.tracked)
	require.True(t, r.Free(host))
}

func TestClose(t *testing.T) {
	var (
		dev = newDevice(t, hwinfo.FamilyXeHPC)
		r   = newRegistry(t)
	)

	for _, kind := range []svm.Kind{svm.KindHost, svm.KindDevice, svm.KindShared} {
		_, err := r.Create(64, kind, dev)
		require.NoError(t, err)
	}
	require.Equal(t, 3, r.Len())

	require.NoError(t, r.Close(context.Background()))
	require.Zero(t, r.Len())
}
