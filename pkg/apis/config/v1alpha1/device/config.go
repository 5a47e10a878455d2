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

package device

import (
	"github.com/containers/memrt/pkg/hwinfo"
)

// Config describes the simulated device.
type Config struct {
	// Family is the hardware family of the device.
	// +kubebuilder:example="gen12lp"
	Family string `json:"family,omitempty"`
	// Banks overrides the number of memory banks of the family preset.
	// +optional
	Banks int `json:"banks,omitempty"`
	// LocalMemory overrides the presence of device-local memory.
	// +optional
	LocalMemory *bool `json:"localMemory,omitempty"`
	// SystemMemoryLimit limits the amount of system memory allocated for
	// the device, in bytes. Zero means unlimited.
	// +optional
	SystemMemoryLimit uint64 `json:"systemMemoryLimit,omitempty"`
	// LocalMemoryLimit limits the amount of device-local memory, in bytes.
	// +optional
	LocalMemoryLimit uint64 `json:"localMemoryLimit,omitempty"`
}

// Info returns the hardware descriptor for the configuration, starting
// from the preset of the family in the given registry.
func (c *Config) Info(r *hwinfo.Registry) (hwinfo.Info, error) {
	info, err := r.Preset(hwinfo.ParseFamily(c.Family))
	if err != nil {
		return hwinfo.Info{}, err
	}
	if c.Banks > 0 {
		info.Banks = c.Banks
	}
	if c.LocalMemory != nil {
		info.LocalMemory = *c.LocalMemory
	}
	return info, info.Validate()
}
