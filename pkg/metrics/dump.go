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

package metrics

import (
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/common/expfmt"
)

// Dump writes all metrics of the gatherer to w in the text exposition
// format. Families failing to encode are skipped and reported together.
func (g *Gatherer) Dump(w io.Writer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, f := range families {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}
