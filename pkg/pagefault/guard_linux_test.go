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

package pagefault_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/containers/memrt/pkg/backend"
	"github.com/containers/memrt/pkg/hwinfo"
	"github.com/containers/memrt/pkg/memory"
	"github.com/containers/memrt/pkg/memory/manager"
	"github.com/containers/memrt/pkg/pagefault"
	"github.com/containers/memrt/pkg/submission"
	"github.com/containers/memrt/pkg/svm"
)

func TestMprotectFaults(t *testing.T) {
	ctx := context.Background()

	info, err := hwinfo.Default().Preset(hwinfo.FamilyGen12LP)
	require.NoError(t, err)
	b, err := backend.New(info)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	m, err := manager.New(info, manager.WithFreeNotifier(b.Forget))
	require.NoError(t, err)
	t.Cleanup(m.Close)

	p, err := pagefault.NewMprotectProtector()
	require.NoError(t, err)
	c, err := pagefault.New(pagefault.WithProtector(p), pagefault.WithBackend(b))
	require.NoError(t, err)

	tr, err := submission.NewTracker(1, b, m)
	require.NoError(t, err)
	r, err := svm.New(svm.WithPageFaults(c))
	require.NoError(t, err)

	dev := &svm.Device{Name: "gpu", Allocator: m, Backend: b, Queue: tr}
	ptr, err := r.Create(memory.PageSize, svm.KindShared, dev)
	require.NoError(t, err)
	rec := r.Lookup(ptr)
	require.True(t, rec.IsZeroCopy())
	require.Equal(t, 1, c.Tracked())

	buf := rec.CPU.Storage()
	c.Guard().Access(func() { copy(buf, "cpu") })
	require.NoError(t, c.ToDeviceDomain(ptr))

	cmds, err := m.Allocate(manager.Properties{Type: memory.TypeCommandBuffer, Size: memory.PageSize})
	require.NoError(t, err)
	_, err = tr.Flush(ctx, backend.Batch{
		Buffer: cmds,
		Length: 64,
		Label:  "overwrite",
		Work: func(d backend.Device) {
			var data [3]byte
			d.Read(rec.GPU.GPUAddress(), data[:])
			if string(data[:]) == "cpu" {
				d.Write(rec.GPU.GPUAddress(), []byte("gpu"))
			}
		},
	}, []*memory.Allocation{rec.GPU})
	require.NoError(t, err)

	var got []byte
	c.Guard().Access(func() { got = append(got[:0], buf[:3]...) })
	require.Equal(t, "gpu", string(got), "CPU access pulls device contents")
	d, _ := c.Domain(ptr)
	require.Equal(t, pagefault.DomainCPU, d)

	other, err := unix.Mmap(-1, 0, memory.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	require.NoError(t, err)
	defer func() { _ = unix.Munmap(other) }()

	require.NoError(t, unix.Mprotect(other, unix.PROT_NONE))
	require.Panics(t, func() {
		c.Guard().Access(func() { other[0] = 1 })
	}, "faults outside tracked ranges are not handled")
	require.NoError(t, unix.Mprotect(other, unix.PROT_READ|unix.PROT_WRITE))

	require.True(t, r.Free(ptr))
	require.Zero(t, c.Tracked())
	require.NoError(t, tr.Close(ctx))
}
