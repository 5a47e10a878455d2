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

// TransferToDevice brings the device copy of the allocation at ptr up to
// date with its CPU copy.
func (r *Registry) TransferToDevice(ptr memory.Address) error {
	rec := r.Lookup(ptr)
	if rec == nil {
		return fmt.Errorf("%w: 0x%x", ErrUnknownPointer, ptr)
	}

	if rec.CPU != nil && !rec.IsZeroCopy() {
		copy(rec.GPU.Storage(), rec.CPU.Storage())
	}
	if !rec.Device.Backend.Upload(rec.GPU) {
		log.Debug("no data path to upload %s", rec)
	}

	return nil
}

// TransferToCPU brings the CPU copy of the allocation at ptr up to date
// with its device copy.
func (r *Registry) TransferToCPU(ptr memory.Address) error {
	rec := r.Lookup(ptr)
	if rec == nil {
		return fmt.Errorf("%w: 0x%x", ErrUnknownPointer, ptr)
	}
	if rec.CPU == nil {
		return nil
	}

	rec.Device.Backend.Download(rec.GPU)
	if !rec.IsZeroCopy() {
		copy(rec.CPU.Storage(), rec.GPU.Storage())
	}

	return nil
}

// SetBackendWritable marks the device side of the allocation at ptr
// writable or not writable by the backend.
func (r *Registry) SetBackendWritable(ptr memory.Address, writable bool) {
	rec := r.Lookup(ptr)
	if rec == nil {
		log.Warn("cannot set writability of unknown pointer 0x%x", ptr)
		return
	}
	rec.GPU.SetWritable(writable, rec.GPU.Banks())
}
