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

// Package config loads the runtime configuration.
package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/memrt/pkg/apis/config/v1alpha1"
	backendcfg "github.com/containers/memrt/pkg/apis/config/v1alpha1/backend"
	"github.com/containers/memrt/pkg/hwinfo"
	logger "github.com/containers/memrt/pkg/log"
)

const (
	// FamilyEnvVar overrides the default device family.
	FamilyEnvVar = "MEMRT_DEVICE_FAMILY"
	// DefaultFamily is the device family used if none is configured.
	DefaultFamily = hwinfo.FamilyGen12LP
)

var (
	log = logger.Get("config")
	// ErrInvalidConfig is returned for a configuration failing validation.
	ErrInvalidConfig = fmt.Errorf("config: invalid configuration")
)

// Default returns the default configuration.
func Default() *cfgapi.RuntimeConfig {
	cfg := &cfgapi.RuntimeConfig{
		TypeMeta: metav1.TypeMeta{
			APIVersion: cfgapi.APIVersion,
			Kind:       cfgapi.Kind,
		},
	}
	cfg.Device.Family = string(DefaultFamily)
	if family := os.Getenv(FamilyEnvVar); family != "" {
		cfg.Device.Family = family
	}
	return cfg
}

// Load reads, parses and validates the configuration file at path. An
// empty path gives the default configuration.
func Load(path string) (*cfgapi.RuntimeConfig, error) {
	if path == "" {
		cfg := Default()
		return cfg, Validate(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load configuration file %q", path)
	}

	log.Info("loaded configuration from %q", path)

	return cfg, nil
}

// Parse parses and validates configuration data. Unset fields take their
// default values.
func Parse(data []byte) (*cfgapi.RuntimeConfig, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func Validate(cfg *cfgapi.RuntimeConfig) error {
	if cfg.APIVersion != "" && cfg.APIVersion != cfgapi.APIVersion {
		return fmt.Errorf("%w: unsupported apiVersion %q", ErrInvalidConfig, cfg.APIVersion)
	}
	if cfg.Kind != "" && cfg.Kind != cfgapi.Kind {
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidConfig, cfg.Kind)
	}

	if _, err := cfg.Device.Info(hwinfo.Default()); err != nil {
		return fmt.Errorf("%w: device: %w", ErrInvalidConfig, err)
	}

	switch mode := cfg.Backend.Capture.GetMode(); mode {
	case backendcfg.CaptureOff, backendcfg.CaptureAll, backendcfg.CaptureFilter, backendcfg.CaptureToggle:
	default:
		return fmt.Errorf("%w: backend: unknown capture mode %q", ErrInvalidConfig, mode)
	}

	if start, end := cfg.Backend.Capture.StartIndex, cfg.Backend.Capture.EndIndex; end != 0 && end < start {
		return fmt.Errorf("%w: backend: capture window [%d, %d] is empty", ErrInvalidConfig, start, end)
	}

	for name, d := range map[string]metav1.Duration{
		"notifyTimeout": cfg.Wait.NotifyTimeout,
		"pollInterval":  cfg.Wait.PollInterval,
		"timeout":       cfg.Wait.Timeout,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%w: wait: negative %s %s", ErrInvalidConfig, name, d.Duration)
		}
	}

	if r := cfg.Instrumentation.SamplingRatePerMillion; r < 0 || r > 1000000 {
		return fmt.Errorf("%w: instrumentation: sampling rate %d out of range", ErrInvalidConfig, r)
	}

	return nil
}
