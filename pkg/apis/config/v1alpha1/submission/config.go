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

package submission

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// DefaultNotifyTimeout is how long a wait blocks on completion
	// notification before falling back to polling.
	DefaultNotifyTimeout = 10 * time.Millisecond
	// DefaultPollInterval is the interval between completion polls.
	DefaultPollInterval = time.Millisecond
)

// Config provides runtime configuration for task completion waits.
type Config struct {
	// NotifyTimeout is how long to wait for completion notification
	// before starting to poll.
	// +optional
	// +kubebuilder:validation:Format="duration"
	NotifyTimeout metav1.Duration `json:"notifyTimeout,omitempty"`
	// PollInterval is the minimum interval between completion polls.
	// +optional
	// +kubebuilder:validation:Format="duration"
	PollInterval metav1.Duration `json:"pollInterval,omitempty"`
	// Timeout bounds each wait. Zero waits forever.
	// +optional
	// +kubebuilder:validation:Format="duration"
	Timeout metav1.Duration `json:"timeout,omitempty"`
}

// GetNotifyTimeout returns the notification timeout, with defaults applied.
func (c *Config) GetNotifyTimeout() time.Duration {
	if c == nil || c.NotifyTimeout.Duration <= 0 {
		return DefaultNotifyTimeout
	}
	return c.NotifyTimeout.Duration
}

// GetPollInterval returns the polling interval, with defaults applied.
func (c *Config) GetPollInterval() time.Duration {
	if c == nil || c.PollInterval.Duration <= 0 {
		return DefaultPollInterval
	}
	return c.PollInterval.Duration
}

// GetTimeout returns the wait timeout. Zero means no timeout.
func (c *Config) GetTimeout() time.Duration {
	if c == nil {
		return 0
	}
	return c.Timeout.Duration
}
