// Copyright 2025 Ryan McCoy
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

package dispatch

import (
	"strings"
	"time"

	"github.com/ryansmccoy/spine/pkg/pipeline"
)

// Normalizer canonicalizes submitted parameter values before the
// logical key is computed, so spelling variants of the same work
// deduplicate against each other.
type Normalizer interface {
	Normalize(pipelineName string, params pipeline.Params) pipeline.Params
}

// tierAliases maps the shorthand operators actually type to the
// canonical FINRA tier names the domain tables use.
var tierAliases = map[string]string{
	"T1":         "NMS_TIER_1",
	"TIER1":      "NMS_TIER_1",
	"TIER_1":     "NMS_TIER_1",
	"NMS1":       "NMS_TIER_1",
	"NMS_TIER_1": "NMS_TIER_1",
	"T2":         "NMS_TIER_2",
	"TIER2":      "NMS_TIER_2",
	"TIER_2":     "NMS_TIER_2",
	"NMS2":       "NMS_TIER_2",
	"NMS_TIER_2": "NMS_TIER_2",
	"OTC":        "OTC_TIER",
	"OTCE":       "OTC_TIER",
	"OTC_TIER":   "OTC_TIER",
}

// StandardNormalizer canonicalizes tier aliases and resolves the
// "latest" date alias against its clock.
type StandardNormalizer struct {
	now func() time.Time
}

// NewStandardNormalizer returns the default normalizer. A nil now
// defaults to time.Now.
func NewStandardNormalizer(now func() time.Time) *StandardNormalizer {
	if now == nil {
		now = time.Now
	}
	return &StandardNormalizer{now: now}
}

// Normalize returns a copy of params with tier and date aliases
// canonicalized. Unknown values pass through untouched; validation has
// already run, so anything unrecognized here is simply not an alias.
func (n *StandardNormalizer) Normalize(pipelineName string, params pipeline.Params) pipeline.Params {
	out := make(pipeline.Params, len(params))
	for k, v := range params {
		out[k] = v
	}
	if tier, ok := out["tier"].(string); ok {
		if canonical, ok := tierAliases[strings.ToUpper(tier)]; ok {
			out["tier"] = canonical
		}
	}
	if week, ok := out["week_ending"].(string); ok && strings.EqualFold(week, "latest") {
		out["week_ending"] = lastCompletedFriday(n.now().UTC()).Format(pipeline.DateLayout)
	}
	return out
}

// lastCompletedFriday returns the most recent Friday strictly before
// today: reporting weeks end on Friday and the current week is never
// complete.
func lastCompletedFriday(now time.Time) time.Time {
	day := now.Truncate(24 * time.Hour)
	for {
		day = day.AddDate(0, 0, -1)
		if day.Weekday() == time.Friday {
			return day
		}
	}
}
