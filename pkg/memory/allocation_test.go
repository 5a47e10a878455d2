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

package memory_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/memrt/pkg/memory"
)

func TestResidencyTaskCountNeverDecreases(t *testing.T) {
	a := NewAllocation(Options{Type: TypeBuffer, Size: 64})
	ctx := ContextID(1)

	require.Equal(t, uint32(0), a.ResidencyTaskCount(ctx))
	require.Equal(t, uint32(5), a.UpdateResidencyTaskCount(ctx, 5))
	require.Equal(t, uint32(5), a.UpdateResidencyTaskCount(ctx, 3))
	require.Equal(t, uint32(7), a.UpdateResidencyTaskCount(ctx, 7))
	require.Equal(t, uint32(7), a.ResidencyTaskCount(ctx))

	a.ReleaseResidency(ctx)
	require.False(t, a.IsResident(ctx))
	require.Equal(t, uint32(7), a.ResidencyTaskCount(ctx), "release keeps the residency task count")
}

func TestPerContextResidency(t *testing.T) {
	a := NewAllocation(Options{Type: TypeBuffer, Size: 64})

	a.SetResidencyState(1, Resident)
	a.SetResidencyState(3, PendingDownload)
	a.SetResidencyState(4, NonResident)

	require.True(t, a.IsResident(1))
	require.False(t, a.IsResident(2))
	require.True(t, a.IsResident(3))
	require.False(t, a.IsResident(4))

	ctxs := a.ResidentContexts()
	require.Equal(t, 2, ctxs.Size())
	require.True(t, ctxs.Has(1))
	require.True(t, ctxs.Has(3))
	require.True(t, a.IsUsedByAnyContext())

	a.UpdateResidencyTaskCount(1, 10)
	require.Equal(t, uint32(0), a.ResidencyTaskCount(3), "contexts do not interfere")
}

func TestPerBankWritable(t *testing.T) {
	a := NewAllocation(Options{Type: TypeBuffer, Size: 64, Banks: AllBanks(2)})

	require.True(t, a.IsWritable(0))
	require.True(t, a.IsWritable(1))
	require.False(t, a.IsWritable(2), "not placed in bank 2")

	a.SetWritable(false, NewBankMask(0))
	require.False(t, a.IsWritable(0))
	require.True(t, a.IsWritable(1))

	a.SetWritable(true, AllBanks(4))
	require.Equal(t, AllBanks(2), a.WritableBanks(), "only placed banks become writable")

	a.SetWritable(false, a.Banks())
	require.NoError(t, a.WriteAt([]byte{1, 2, 3}, 10))
	require.Equal(t, AllBanks(2), a.WritableBanks(), "CPU writes dirty all banks")

	buf := make([]byte, 3)
	require.NoError(t, a.ReadAt(buf, 10))
	require.Equal(t, []byte{1, 2, 3}, buf)

	err := a.WriteAt([]byte{1, 2}, 63)
	require.True(t, errors.Is(err, ErrOutOfRange))
}

func TestAddressContainment(t *testing.T) {
	a := NewAllocation(Options{Type: TypeSVMZeroCopy, Size: 0x1000, CPUAddress: 0x10000, GPUAddress: 0x800000})

	require.True(t, a.ContainsCPU(0x10000))
	require.True(t, a.ContainsCPU(0x10fff))
	require.False(t, a.ContainsCPU(0x11000))
	require.False(t, a.ContainsCPU(0xffff))
	require.True(t, a.ContainsGPU(0x800800))
	require.False(t, a.ContainsGPU(0x801000))

	b := NewAllocation(Options{Type: TypeSVMGPU, Size: 0x1000, GPUAddress: 0x900000})
	require.False(t, b.ContainsCPU(0), "allocations without CPU address contain no CPU address")
}

func TestTypes(t *testing.T) {
	for _, typ := range []Type{TypeConstantSurface, TypeInstructionHeap, TypeScratchSurface, TypeTimestampPacket} {
		require.True(t, typ.IsOneTimeWritable(), typ.String())
	}
	for _, typ := range []Type{TypeBuffer, TypeCommandBuffer, TypeTagBuffer, TypeSVMGPU} {
		require.False(t, typ.IsOneTimeWritable(), typ.String())
	}

	typ, err := ParseType("Instruction-Heap")
	require.NoError(t, err)
	require.Equal(t, TypeInstructionHeap, typ)

	_, err = ParseType("bogus")
	require.True(t, errors.Is(err, ErrInvalidType))

	data, err := json.Marshal(TypeTagBuffer)
	require.NoError(t, err)
	require.Equal(t, `"tag-buffer"`, string(data))

	var parsed Type
	require.NoError(t, json.Unmarshal([]byte(`"scratch-surface"`), &parsed))
	require.Equal(t, TypeScratchSurface, parsed)
}

func TestBankMask(t *testing.T) {
	m := NewBankMask(0, 2, 5)
	require.Equal(t, 3, m.Size())
	require.Equal(t, 0, m.First())
	require.Equal(t, "{0,2,5}", m.String())
	require.Equal(t, -1, BankMask(0).First())
	require.Equal(t, BankMask(0xf), AllBanks(4))

	var seen []int
	m.Foreach(func(b int) bool {
		seen = append(seen, b)
		return b < 2
	})
	require.Equal(t, []int{0, 2}, seen)
}
