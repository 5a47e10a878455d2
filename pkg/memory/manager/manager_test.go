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

package manager_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/memrt/pkg/hwinfo"
	"github.com/containers/memrt/pkg/memory"
	"github.com/containers/memrt/pkg/memory/manager"
)

func newManager(t *testing.T, family hwinfo.Family, options ...manager.Option) *manager.Manager {
	info, err := hwinfo.Default().Preset(family)
	require.NoError(t, err)
	m, err := manager.New(info, options...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestAllocateSystemMemory(t *testing.T) {
	m := newManager(t, hwinfo.FamilyGen12LP)
	require.False(t, m.HasLocalMemory())

	a, err := m.Allocate(manager.Properties{Type: memory.TypeBuffer, Size: 100, Pool: memory.PoolLocal})
	require.NoError(t, err)
	require.Equal(t, memory.PoolSystem, a.Pool(), "falls back to system memory")
	require.NotZero(t, a.CPUAddress())
	require.Zero(t, a.CPUAddress()%memory.PageSize, "host memory is page aligned")
	require.Equal(t, uint64(100), a.Size())
	require.Len(t, a.Storage(), 100)
	require.Equal(t, uint64(memory.PageSize), m.Usage(memory.PoolSystem))

	b, err := m.Allocate(manager.Properties{Type: memory.TypeBuffer, Size: memory.PageSize + 1})
	require.NoError(t, err)
	require.Greater(t, b.GPUAddress(), a.GPUAddress()+a.Size(), "device ranges do not overlap")

	m.Free(a)
	m.Free(b)
	require.Zero(t, m.Usage(memory.PoolSystem))
}

func TestAllocateLocalMemory(t *testing.T) {
	m := newManager(t, hwinfo.FamilyXeHPC)
	require.True(t, m.HasLocalMemory())

	a, err := m.Allocate(manager.Properties{Type: memory.TypeSVMGPU, Size: 4096, Pool: memory.PoolLocal})
	require.NoError(t, err)
	require.Equal(t, memory.PoolLocal, a.Pool())
	require.Zero(t, a.CPUAddress(), "device-local memory has no CPU address")
	require.Equal(t, memory.AllBanks(2), a.Banks())

	s, err := m.Allocate(manager.Properties{Type: memory.TypeSVMCPU, Size: 4096})
	require.NoError(t, err)
	require.Equal(t, memory.NewBankMask(0), s.Banks(), "system memory lives in a single bank")
}

func TestCapacity(t *testing.T) {
	m := newManager(t, hwinfo.FamilyGen9, manager.WithCapacity(memory.PoolSystem, 2*memory.PageSize))

	a, err := m.Allocate(manager.Properties{Type: memory.TypeBuffer, Size: memory.PageSize})
	require.NoError(t, err)
	_, err = m.Allocate(manager.Properties{Type: memory.TypeBuffer, Size: memory.PageSize})
	require.NoError(t, err)

	_, err = m.Allocate(manager.Properties{Type: memory.TypeBuffer, Size: 1})
	require.True(t, errors.Is(err, manager.ErrNoMem))

	m.Free(a)
	_, err = m.Allocate(manager.Properties{Type: memory.TypeBuffer, Size: 1})
	require.NoError(t, err)

	_, err = m.Allocate(manager.Properties{Type: memory.TypeBuffer})
	require.True(t, errors.Is(err, manager.ErrInvalidSize))
}

func TestReuse(t *testing.T) {
	m := newManager(t, hwinfo.FamilyGen9)

	a, err := m.Allocate(manager.Properties{Type: memory.TypeCommandBuffer, Size: 8192})
	require.NoError(t, err)

	require.Nil(t, m.ObtainReusable(memory.TypeCommandBuffer, 4096))

	m.StoreForReuse(a)
	require.Nil(t, m.ObtainReusable(memory.TypeCommandBuffer, 16384), "too small")
	require.Nil(t, m.ObtainReusable(memory.TypeBuffer, 4096), "wrong type")

	a.SetResidencyState(1, memory.Resident)
	require.Nil(t, m.ObtainReusable(memory.TypeCommandBuffer, 4096), "still in use")

	a.ReleaseResidency(1)
	require.Same(t, a, m.ObtainReusable(memory.TypeCommandBuffer, 4096))
	require.Nil(t, m.ObtainReusable(memory.TypeCommandBuffer, 4096), "handed out only once")
}

func TestLockForCPUAccess(t *testing.T) {
	m := newManager(t, hwinfo.FamilyXeHPG)

	a, err := m.Allocate(manager.Properties{Type: memory.TypeBuffer, Size: 16, Pool: memory.PoolLocal})
	require.NoError(t, err)
	a.SetWritable(false, a.Banks())

	mem, err := m.LockForCPUAccess(a)
	require.NoError(t, err)
	require.True(t, a.IsLocked())
	mem[0] = 0xaa
	m.UnlockForCPUAccess(a)
	require.False(t, a.IsLocked())
	require.True(t, a.IsWritable(0), "unlock dirties the allocation")

	m.Free(a)
	_, err = m.LockForCPUAccess(a)
	require.True(t, errors.Is(err, manager.ErrUnknown))
}
