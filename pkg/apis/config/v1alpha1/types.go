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

// Package v1alpha1 contains the runtime configuration of memrt.
package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/memrt/pkg/apis/config/v1alpha1/backend"
	"github.com/containers/memrt/pkg/apis/config/v1alpha1/device"
	"github.com/containers/memrt/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/memrt/pkg/apis/config/v1alpha1/log"
	"github.com/containers/memrt/pkg/apis/config/v1alpha1/submission"
)

const (
	// APIVersion of this configuration.
	APIVersion = "config.memrt.io/v1alpha1"
	// Kind of this configuration.
	Kind = "RuntimeConfig"
)

// RuntimeConfig is the configuration of the memory runtime.
type RuntimeConfig struct {
	metav1.TypeMeta `json:",inline"`
	// Device describes the simulated device.
	Device device.Config `json:"device"`
	// +optional
	Backend backend.Config `json:"backend,omitempty"`
	// +optional
	Wait submission.Config `json:"wait,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}
