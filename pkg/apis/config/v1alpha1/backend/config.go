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

package backend

// CaptureMode selects how sub-captures are activated.
type CaptureMode string

const (
	// CaptureOff disables capturing.
	CaptureOff CaptureMode = "off"
	// CaptureAll captures everything from the start.
	CaptureAll CaptureMode = "all"
	// CaptureFilter activates capture for dispatches matching a label
	// filter within an index window.
	CaptureFilter CaptureMode = "filter"
	// CaptureToggle activates capture by a programmatic or file toggle.
	CaptureToggle CaptureMode = "toggle"
)

// Config provides runtime configuration for the simulated backend.
type Config struct {
	// Capture configures sub-capturing.
	// +optional
	Capture CaptureConfig `json:"capture,omitempty"`
	// DisableDataPath turns writes and submissions into no-ops even for
	// families which support a data path.
	// +optional
	DisableDataPath bool `json:"disableDataPath,omitempty"`
}

// CaptureConfig configures sub-capturing.
type CaptureConfig struct {
	// Mode selects how capture is activated.
	// +kubebuilder:validation:Enum=off;all;filter;toggle
	// +kubebuilder:default="off"
	Mode CaptureMode `json:"mode,omitempty"`
	// Filter is the dispatch label to capture in filter mode. Empty
	// matches every label.
	// +optional
	Filter string `json:"filter,omitempty"`
	// StartIndex is the first dispatch index captured in filter mode.
	// +optional
	StartIndex uint32 `json:"startIndex,omitempty"`
	// EndIndex is the last dispatch index captured in filter mode. Zero
	// means no upper limit.
	// +optional
	EndIndex uint32 `json:"endIndex,omitempty"`
	// ToggleFile is a file whose contents toggle capture in toggle mode.
	// +optional
	ToggleFile string `json:"toggleFile,omitempty"`
}

// GetMode returns the capture mode, defaulting to off.
func (c *CaptureConfig) GetMode() CaptureMode {
	if c == nil || c.Mode == "" {
		return CaptureOff
	}
	return c.Mode
}
