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
	"encoding/json"
	"fmt"
	"math/bits"
	"strings"
)

const (
	// PageSize is the granularity of CPU page protection and device pages.
	PageSize = 4096
)

// Address is a CPU or device virtual address.
type Address = uint64

// ContextID identifies an execution context.
type ContextID uint32

// Type represents known types of allocations.
type Type int

const (
	TypeUnknown         Type = iota
	TypeBuffer               // generic buffer
	TypeCommandBuffer        // command buffer submitted to an engine
	TypeConstantSurface      // constant data of a kernel
	TypeInstructionHeap      // kernel instructions
	TypeScratchSurface       // per thread scratch space
	TypeTimestampPacket      // timestamp packets
	TypeTagBuffer            // completion tag written by the device
	TypeLinearStream         // indirect heaps, linear streams
	TypeSVMCPU               // CPU side of a unified allocation
	TypeSVMGPU               // device side of a unified allocation
	TypeSVMZeroCopy          // unified allocation shared by CPU and device
	typeMax
)

var (
	typeToString = map[Type]string{
		TypeUnknown:         "unknown",
		TypeBuffer:          "buffer",
		TypeCommandBuffer:   "command-buffer",
		TypeConstantSurface: "constant-surface",
		TypeInstructionHeap: "instruction-heap",
		TypeScratchSurface:  "scratch-surface",
		TypeTimestampPacket: "timestamp-packet",
		TypeTagBuffer:       "tag-buffer",
		TypeLinearStream:    "linear-stream",
		TypeSVMCPU:          "svm-cpu",
		TypeSVMGPU:          "svm-gpu",
		TypeSVMZeroCopy:     "svm-zero-copy",
	}
	stringToType = func() map[string]Type {
		m := make(map[string]Type, len(typeToString))
		for t, s := range typeToString {
			m[s] = t
		}
		return m
	}()
)

// ParseType parses the given string into an allocation type.
func ParseType(str string) (Type, error) {
	if t, ok := stringToType[strings.ToLower(str)]; ok {
		return t, nil
	}
	return TypeUnknown, fmt.Errorf("%w: %q", ErrInvalidType, str)
}

// IsValid returns true if the allocation type is known.
func (t Type) IsValid() bool {
	return t > TypeUnknown && t < typeMax
}

// IsOneTimeWritable returns true for read mostly allocation types. The
// backend uploads these once per dirty period only.
func (t Type) IsOneTimeWritable() bool {
	switch t {
	case TypeConstantSurface, TypeInstructionHeap, TypeScratchSurface, TypeTimestampPacket:
		return true
	}
	return false
}

// String returns a string representation of the allocation type.
func (t Type) String() string {
	if str, ok := typeToString[t]; ok {
		return str
	}
	return fmt.Sprintf("%%!(memory:Bad-Type %d)", t)
}

// MarshalJSON is the json.Marshaller for Type.
func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON is the json.Unmarshaller for Type.
func (t *Type) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidType, err)
	}
	parsed, err := ParseType(str)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Pool is the kind of memory backing an allocation.
type Pool int

const (
	PoolSystem Pool = iota // system memory, directly accessible by the CPU
	PoolLocal              // device-local memory, shadowed for the CPU
)

// String returns a string representation of the pool.
func (p Pool) String() string {
	switch p {
	case PoolSystem:
		return "system"
	case PoolLocal:
		return "local"
	}
	return fmt.Sprintf("%%!(memory:Bad-Pool %d)", int(p))
}

// BankMask is a set of device memory banks.
type BankMask uint32

const (
	// MaxBanks is the maximum number of memory banks of a device.
	MaxBanks = 32
)

// NewBankMask returns a BankMask with the given banks set.
func NewBankMask(banks ...int) BankMask {
	m := BankMask(0)
	for _, b := range banks {
		m |= 1 << b
	}
	return m
}

// AllBanks returns a BankMask with the first count banks set.
func AllBanks(count int) BankMask {
	if count >= MaxBanks {
		return ^BankMask(0)
	}
	return (BankMask(1) << count) - 1
}

// Contains returns true if the given bank is present in the mask.
func (m BankMask) Contains(bank int) bool {
	return m&(1<<bank) != 0
}

// Size returns the number of banks in the mask.
func (m BankMask) Size() int {
	return bits.OnesCount32(uint32(m))
}

// First returns the lowest bank in the mask, or -1 for an empty mask.
func (m BankMask) First() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros32(uint32(m))
}

// Foreach calls fn for each bank in the mask until fn returns false.
func (m BankMask) Foreach(fn func(bank int) bool) {
	for b := 0; m != 0; b, m = b+1, m>>1 {
		if m&1 != 0 && !fn(b) {
			return
		}
	}
}

// String returns a string representation of the mask.
func (m BankMask) String() string {
	var (
		str = strings.Builder{}
		sep = ""
	)
	str.WriteString("{")
	m.Foreach(func(b int) bool {
		str.WriteString(fmt.Sprintf("%s%d", sep, b))
		sep = ","
		return true
	})
	str.WriteString("}")
	return str.String()
}

// ResidencyState is the residency state of an allocation in a context.
type ResidencyState int

const (
	NonResident     ResidencyState = iota // not resident in the context
	Resident                              // resident, device may be using it
	PendingDownload                       // resident, eligible for download
	Downloaded                            // resident, CPU copy up to date
)

// String returns a string representation of the residency state.
func (s ResidencyState) String() string {
	switch s {
	case NonResident:
		return "non-resident"
	case Resident:
		return "resident"
	case PendingDownload:
		return "pending-download"
	case Downloaded:
		return "downloaded"
	}
	return fmt.Sprintf("%%!(memory:Bad-ResidencyState %d)", int(s))
}

// IsResident returns true if the state is any of the resident states.
func (s ResidencyState) IsResident() bool {
	return s != NonResident
}
