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

package log

import (
	"fmt"
	"os"
	"sort"
	"strings"

	cfgapi "github.com/containers/memrt/pkg/apis/config/v1alpha1/log"
	"github.com/containers/memrt/pkg/log/klogcontrol"
	"github.com/containers/memrt/pkg/utils"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar is the environment variable used to seed debugging flags.
	debugEnvVar = "LOGGER_DEBUG"
	// logSourceEnvVar is the environment variable used to seed source logging.
	logSourceEnvVar = "LOGGER_LOG_SOURCE"
)

// srcmap maps logger sources, or "*" for all of them, to debug state.
type srcmap map[string]bool

var (
	// klog control
	klogctl = klogcontrol.Get()
)

// parse updates the srcmap from a comma-separated list of sources. A
// source can be prefixed with a state ("on:", "off:", or anything
// utils.ParseEnabled accepts) which then applies to the following
// unprefixed sources too. "all" stands for every source.
func (m *srcmap) parse(value string) error {
	if *m == nil {
		*m = make(srcmap)
	}

	enabled := true
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		src := entry
		if state, rest, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(rest, ":") {
				return loggerError("invalid source entry %q in debug map", entry)
			}
			on, err := utils.ParseEnabled(strings.TrimSpace(state))
			if err != nil {
				return loggerError("invalid state %q in debug map", state)
			}
			enabled, src = on, strings.TrimSpace(rest)
		}

		if src == "all" {
			src = "*"
		}
		(*m)[src] = enabled
	}

	return nil
}

// String returns the srcmap in the format accepted by parse.
func (m srcmap) String() string {
	var on, off []string
	for src, state := range m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	sort.Strings(on)
	sort.Strings(off)

	var parts []string
	if len(on) > 0 {
		parts = append(parts, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		parts = append(parts, "off:"+strings.Join(off, ","))
	}
	return strings.Join(parts, ",")
}

// Configure updates the logging configuration.
func Configure(cfg *cfgapi.Config) error {
	deflog.Debug("logger configuration update %+v", cfg)

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	debug := make(srcmap)
	for _, value := range cfg.Debug {
		if err := debug.parse(value); err != nil {
			return fmt.Errorf("failed to parse debug setting %q: %w", value, err)
		}
	}

	// klog prints no headers then, so the source is the only context.
	prefix := cfg.LogSource
	if isSet(cfg.Klog.Logtostderr) && isSet(cfg.Klog.Skip_headers) {
		prefix = true
	}

	if len(debug) > 0 {
		deflog.Info("debug logging: %s", debug)
	}

	log.Lock()
	log.setDbgMap(debug)
	log.setPrefix(prefix)
	log.level = level
	if cfg.Asserts != nil {
		log.asserts = *cfg.Asserts
	}
	log.Unlock()

	return klogctl.Configure(&cfg.Klog)
}

func isSet(b *bool) bool {
	return b != nil && *b
}

// init seeds debugging and source prefixing from the environment.
func init() {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(logSourceEnvVar) != "",
	}

	if value, ok := os.LookupEnv(debugEnvVar); ok {
		cfg.Debug = []string{value}
	}

	if err := Configure(cfg); err != nil {
		Default().Error("failed to configure logging from $%s: %v", debugEnvVar, err)
	}
}
