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

// Package hwinfo describes the capabilities of simulated devices and
// maps hardware families to the backend traits used to simulate them.
// The family registry is built once from a static table and is never
// modified afterwards.
package hwinfo

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrUnsupportedFamily = fmt.Errorf("hwinfo: unsupported hardware family")
	ErrInvalidInfo       = fmt.Errorf("hwinfo: invalid hardware info")
)

// Family is a hardware family tag.
type Family string

const (
	FamilyGen9    Family = "gen9"
	FamilyGen11   Family = "gen11"
	FamilyGen12LP Family = "gen12lp"
	FamilyXeHPG   Family = "xe-hpg"
	FamilyXeHPC   Family = "xe-hpc"
)

// ParseFamily parses the given string into a Family.
func ParseFamily(str string) Family {
	return Family(strings.ToLower(strings.TrimSpace(str)))
}

// String returns the family as a string.
func (f Family) String() string {
	return string(f)
}

// EngineType is the type of an execution engine.
type EngineType string

const (
	EngineCompute EngineType = "ccs"
	EngineRender  EngineType = "rcs"
	EngineCopy    EngineType = "bcs"
)

// Info is the hardware-capability descriptor of a device.
type Info struct {
	// Family is the hardware family of the device.
	Family Family `json:"family"`
	// Name is a human readable name for the device.
	Name string `json:"name,omitempty"`
	// LocalMemory is true if the device has device-local memory.
	LocalMemory bool `json:"localMemory"`
	// Banks is the number of memory banks of the device.
	Banks int `json:"banks,omitempty"`
	// Engines lists the execution engines of the device.
	Engines []EngineType `json:"engines,omitempty"`
}

// Validate checks the descriptor for obvious inconsistencies.
func (i *Info) Validate() error {
	if i.Family == "" {
		return fmt.Errorf("%w: no family", ErrInvalidInfo)
	}
	if i.Banks < 0 || i.Banks > 32 {
		return fmt.Errorf("%w: invalid bank count %d", ErrInvalidInfo, i.Banks)
	}
	if !i.LocalMemory && i.Banks > 1 {
		return fmt.Errorf("%w: %d banks without local memory", ErrInvalidInfo, i.Banks)
	}
	return nil
}

// BankCount returns the number of memory banks, at least 1.
func (i *Info) BankCount() int {
	if i.Banks < 1 {
		return 1
	}
	return i.Banks
}

// HasEngine returns true if the device has an engine of the given type.
func (i *Info) HasEngine(e EngineType) bool {
	return slices.Contains(i.Engines, e)
}

// String returns a string representation of the descriptor.
func (i *Info) String() string {
	data, err := json.Marshal(i)
	if err != nil {
		return fmt.Sprintf("<%s: %v>", i.Family, err)
	}
	return string(data)
}

// Traits describe how a hardware family is simulated.
type Traits struct {
	// DataPath is true if memory transfers can be simulated for the family.
	// Without a data path writes and submissions are no-ops, but completion
	// is still signalled in submission order.
	DataPath bool
	// BatchAlignment is the required alignment of submitted buffers.
	BatchAlignment uint64
	// RingSize is the size of the simulated ring of each engine.
	RingSize uint64
	// OneTimeWritable tells whether read mostly allocations are uploaded
	// only once per dirty period.
	OneTimeWritable bool
}

// Factory produces the simulation traits for a device of a family.
type Factory func(info *Info) (Traits, error)

// Entry pairs a family tag with its factory.
type Entry struct {
	Family  Family
	Factory Factory
	Preset  Info
}

// Registry maps hardware families to simulation traits. It is immutable.
type Registry struct {
	entries map[Family]Entry
}

// NewRegistry creates a registry from the given entries.
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[Family]Entry, len(entries))}
	for _, e := range entries {
		if _, ok := r.entries[e.Family]; ok {
			return nil, fmt.Errorf("hwinfo: duplicate family %q", e.Family)
		}
		if e.Factory == nil {
			return nil, fmt.Errorf("hwinfo: family %q without factory", e.Family)
		}
		r.entries[e.Family] = e
	}
	return r, nil
}

// Traits returns the simulation traits for the given device.
func (r *Registry) Traits(info *Info) (Traits, error) {
	if err := info.Validate(); err != nil {
		return Traits{}, err
	}
	e, ok := r.entries[info.Family]
	if !ok {
		return Traits{}, fmt.Errorf("%w: %q", ErrUnsupportedFamily, info.Family)
	}
	return e.Factory(info)
}

// Preset returns a default descriptor for the given family.
func (r *Registry) Preset(family Family) (Info, error) {
	e, ok := r.entries[family]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrUnsupportedFamily, family)
	}
	info := e.Preset
	info.Engines = slices.Clone(e.Preset.Engines)
	return info, nil
}

// Families returns the sorted list of supported families.
func (r *Registry) Families() []Family {
	families := make([]Family, 0, len(r.entries))
	for f := range r.entries {
		families = append(families, f)
	}
	slices.Sort(families)
	return families
}

func defaultTraits(dataPath bool) Factory {
	return func(info *Info) (Traits, error) {
		return Traits{
			DataPath:        dataPath,
			BatchAlignment:  64,
			RingSize:        16 * 4096,
			OneTimeWritable: true,
		}, nil
	}
}

func localMemoryTraits(info *Info) (Traits, error) {
	if !info.LocalMemory {
		return Traits{}, fmt.Errorf("%w: family %s requires local memory", ErrInvalidInfo, info.Family)
	}
	return Traits{
		DataPath:        true,
		BatchAlignment:  256,
		RingSize:        64 * 4096,
		OneTimeWritable: true,
	}, nil
}

var builtin = []Entry{
	{
		Family:  FamilyGen9,
		Factory: defaultTraits(true),
		Preset:  Info{Family: FamilyGen9, Name: "gen9-gt2", Banks: 1, Engines: []EngineType{EngineRender, EngineCopy}},
	},
	{
		Family:  FamilyGen11,
		Factory: defaultTraits(false),
		Preset:  Info{Family: FamilyGen11, Name: "gen11-lp", Banks: 1, Engines: []EngineType{EngineRender}},
	},
	{
		Family:  FamilyGen12LP,
		Factory: defaultTraits(true),
		Preset:  Info{Family: FamilyGen12LP, Name: "gen12lp", Banks: 1, Engines: []EngineType{EngineRender, EngineCompute, EngineCopy}},
	},
	{
		Family:  FamilyXeHPG,
		Factory: localMemoryTraits,
		Preset:  Info{Family: FamilyXeHPG, Name: "xe-hpg", LocalMemory: true, Banks: 1, Engines: []EngineType{EngineRender, EngineCompute, EngineCopy}},
	},
	{
		Family:  FamilyXeHPC,
		Factory: localMemoryTraits,
		Preset:  Info{Family: FamilyXeHPC, Name: "xe-hpc-2t", LocalMemory: true, Banks: 2, Engines: []EngineType{EngineCompute, EngineCopy}},
	},
}

// Default returns the registry of built-in hardware families.
var Default = sync.OnceValue(func() *Registry {
	r, err := NewRegistry(builtin...)
	if err != nil {
		panic(err)
	}
	return r
})
