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

// Package memory implements the allocation data model shared by the
// unified memory registry, the domain coordinator, the submission
// tracker and the simulated backend.
//
// # Allocations
//
// An Allocation is a unit of addressable memory. It has a type, which
// tells what the memory is used for, a pool, which tells whether it is
// backed by system memory or by device-local memory, a device virtual
// address, and optionally a CPU address. Every allocation carries a
// CPU-visible copy of its contents. For system memory this copy is the
// memory itself, for device-local memory it is a shadow which is kept
// in sync with the device by explicit uploads (writes) and downloads.
//
// # Residency
//
// Residency is tracked per execution context. For every context an
// allocation has been made resident in, it records a residency state
// and the task count of the last task the allocation was resident for.
// The residency task count never decreases.
//
//	NonResident -> Resident -> PendingDownload -> Downloaded -> NonResident
//
// # Writability
//
// An allocation carries one writable flag per memory bank. A set flag
// tells the backend that the CPU-visible copy has changed and must be
// uploaded to that bank before it is used by the device again. Read
// mostly allocation types are one-time-writable: the backend clears
// their flag after a successful upload.
package memory
