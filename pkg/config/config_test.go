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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/memrt/pkg/apis/config/v1alpha1"
	backendcfg "github.com/containers/memrt/pkg/apis/config/v1alpha1/backend"
	"github.com/containers/memrt/pkg/config"
	"github.com/containers/memrt/pkg/hwinfo"
)

func TestDefault(t *testing.T) {
	t.Setenv(config.FamilyEnvVar, "")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, cfgapi.APIVersion, cfg.APIVersion)
	require.Equal(t, string(config.DefaultFamily), cfg.Device.Family)
	require.Equal(t, backendcfg.CaptureOff, cfg.Backend.Capture.GetMode())

	t.Setenv(config.FamilyEnvVar, string(hwinfo.FamilyXeHPC))
	cfg, err = config.Load("")
	require.NoError(t, err)
	require.Equal(t, string(hwinfo.FamilyXeHPC), cfg.Device.Family)
}

func TestParse(t *testing.T) {
	cfg, err := config.Parse([]byte(`
apiVersion: config.memrt.io/v1alpha1
kind: RuntimeConfig
device:
  family: xe-hpc
  localMemoryLimit: 1048576
backend:
  capture:
    mode: filter
    filter: kernel
    startIndex: 2
    endIndex: 4
wait:
  notifyTimeout: 5ms
  pollInterval: 250us
  timeout: 2s
log:
  debug:
    - svm
    - pagefault
instrumentation:
  httpEndpoint: 127.0.0.1:0
  metrics:
    enabled:
      - submission
`))
	require.NoError(t, err)
	require.Equal(t, "xe-hpc", cfg.Device.Family)
	require.Equal(t, uint64(1<<20), cfg.Device.LocalMemoryLimit)
	require.Equal(t, backendcfg.CaptureFilter, cfg.Backend.Capture.Mode)
	require.Equal(t, uint32(4), cfg.Backend.Capture.EndIndex)
	require.Equal(t, 5*time.Millisecond, cfg.Wait.GetNotifyTimeout())
	require.Equal(t, 250*time.Microsecond, cfg.Wait.GetPollInterval())
	require.Equal(t, 2*time.Second, cfg.Wait.GetTimeout())
	require.Equal(t, []string{"submission"}, cfg.Instrumentation.Metrics.GetEnabled())
}

func TestParseErrors(t *testing.T) {
	for name, data := range map[string]string{
		"unknown field":  "device:\n  family: gen9\n  color: blue\n",
		"bad family":     "device:\n  family: gen42\n",
		"bad kind":       "kind: PodSpec\n",
		"capture mode":   "backend:\n  capture:\n    mode: sometimes\n",
		"capture window": "backend:\n  capture:\n    mode: filter\n    startIndex: 5\n    endIndex: 1\n",
		"bad duration":   "wait:\n  timeout: soon\n",
		"negative wait":  "wait:\n  pollInterval: -1s\n",
		"sampling rate":  "instrumentation:\n  samplingRatePerMillion: 2000000\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.Parse([]byte(data))
			require.Error(t, err)
		})
	}

	_, err := config.Parse([]byte("device:\n  family: gen42\n"))
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	require.ErrorIs(t, err, hwinfo.ErrUnsupportedFamily)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memrt.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  family: gen9\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "gen9", cfg.Device.Family)

	_, err = config.Load(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
