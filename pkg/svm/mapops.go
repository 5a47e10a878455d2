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
	"fmt"

	"github.com/containers/memrt/pkg/memory"
)

// MapOperation is a host mapping of a region of an allocation.
type MapOperation struct {
	// Ptr is the mapped allocation.
	Ptr memory.Address
	// RegionPtr is the host address of the mapped region.
	RegionPtr memory.Address
	// RegionSize is the size of the mapped region.
	RegionSize uint64
	// BaseOffset is the offset of the region within the allocation.
	BaseOffset uint64
	// ReadOnly is true for regions mapped for reading only.
	ReadOnly bool
}

func lessMapOperation(a, b *MapOperation) bool {
	return a.RegionPtr < b.RegionPtr
}

func (op *MapOperation) String() string {
	access := "rw"
	if op.ReadOnly {
		access = "ro"
	}
	return fmt.Sprintf("map 0x%x+0x%x -> [0x%x, 0x%x) %s", op.Ptr, op.BaseOffset,
		op.RegionPtr, op.RegionPtr+op.RegionSize, access)
}

// InsertMapOperation records a host mapping of the allocation at ptr for
// a later unmap.
func (r *Registry) InsertMapOperation(ptr, regionPtr memory.Address, regionSize, baseOffset uint64, readOnly bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	op := &MapOperation{
		Ptr:        ptr,
		RegionPtr:  regionPtr,
		RegionSize: regionSize,
		BaseOffset: baseOffset,
		ReadOnly:   readOnly,
	}

	if prev, ok := r.mapOps.ReplaceOrInsert(op); ok {
		log.Warn("replaced %s with %s", prev, op)
	}
	mapOperations.Set(float64(r.mapOps.Len()))
}

// RemoveMapOperation forgets the mapping of the region at regionPtr.
func (r *Registry) RemoveMapOperation(regionPtr memory.Address) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	_, ok := r.mapOps.Delete(&MapOperation{RegionPtr: regionPtr})
	mapOperations.Set(float64(r.mapOps.Len()))

	return ok
}

// GetMapOperation returns the mapping containing regionPtr, or nil.
func (r *Registry) GetMapOperation(regionPtr memory.Address) *MapOperation {
	r.lock.Lock()
	defer r.lock.Unlock()

	var found *MapOperation
	r.mapOps.DescendLessOrEqual(&MapOperation{RegionPtr: regionPtr}, func(op *MapOperation) bool {
		if regionPtr < op.RegionPtr+op.RegionSize || regionPtr == op.RegionPtr {
			found = op
		}
		return false
	})

	if found == nil {
		return nil
	}
	op := *found
	return &op
}

// MapOperations returns the number of recorded mappings.
func (r *Registry) MapOperations() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.mapOps.Len()
}
