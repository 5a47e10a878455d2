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

package hwinfo_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/memrt/pkg/hwinfo"
)

func TestBuiltinFamilies(t *testing.T) {
	r := hwinfo.Default()
	require.Equal(t,
		[]hwinfo.Family{"gen11", "gen12lp", "gen9", "xe-hpc", "xe-hpg"},
		r.Families())

	for _, f := range r.Families() {
		info, err := r.Preset(f)
		require.NoError(t, err, f.String())
		_, err = r.Traits(&info)
		require.NoError(t, err, f.String())
	}
}

func TestTraits(t *testing.T) {
	r := hwinfo.Default()

	info, err := r.Preset(hwinfo.FamilyGen11)
	require.NoError(t, err)
	traits, err := r.Traits(&info)
	require.NoError(t, err)
	require.False(t, traits.DataPath, "gen11 has no simulated data path")

	info, err = r.Preset(hwinfo.FamilyXeHPC)
	require.NoError(t, err)
	require.Equal(t, 2, info.BankCount())
	require.True(t, info.LocalMemory)

	info.LocalMemory = false
	info.Banks = 1
	_, err = r.Traits(&info)
	require.True(t, errors.Is(err, hwinfo.ErrInvalidInfo))

	_, err = r.Traits(&hwinfo.Info{Family: "gen7"})
	require.True(t, errors.Is(err, hwinfo.ErrUnsupportedFamily))
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	f := func(*hwinfo.Info) (hwinfo.Traits, error) { return hwinfo.Traits{}, nil }
	_, err := hwinfo.NewRegistry(
		hwinfo.Entry{Family: "a", Factory: f},
		hwinfo.Entry{Family: "a", Factory: f},
	)
	require.Error(t, err)

	_, err = hwinfo.NewRegistry(hwinfo.Entry{Family: "b"})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.Error(t, (&hwinfo.Info{}).Validate())
	require.Error(t, (&hwinfo.Info{Family: "gen9", Banks: 2}).Validate())
	require.NoError(t, (&hwinfo.Info{Family: "xe-hpc", LocalMemory: true, Banks: 2}).Validate())
	require.Equal(t, 1, (&hwinfo.Info{Family: "gen9"}).BankCount())
}
