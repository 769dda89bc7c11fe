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

package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

func ingestDetail() Detail {
	return Detail{
		Name: "finra.otc_transparency.ingest_week",
		RequiredParams: []ParamDef{
			{Name: "tier", Type: TypeString, Required: true, Choices: []string{"NMS_TIER_1", "NMS_TIER_2", "OTC"}},
			{Name: "week_ending", Type: TypeDate, Required: true},
		},
		OptionalParams: []ParamDef{
			{Name: "limit", Type: TypeInt, Default: 100},
			{Name: "min_share", Type: TypeFloat, Default: 0.0},
			{Name: "replace", Type: TypeBool, Default: false},
		},
		IsIngest: true,
	}
}

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name      string
		raw       map[string]any
		wantErr   bool
		wantField string
		check     func(t *testing.T, p Params)
	}{
		{
			name: "valid with defaults applied",
			raw: map[string]any{
				"tier":        "NMS_TIER_1",
				"week_ending": "2025-12-19",
			},
			check: func(t *testing.T, p Params) {
				assert.Equal(t, "NMS_TIER_1", p.String("tier"))
				assert.Equal(t, 100, p.Int("limit"))
				assert.Equal(t, 0.0, p.Float("min_share"))
				assert.False(t, p.Bool("replace"))
				assert.Equal(t, time.December, p.Date("week_ending").Month())
			},
		},
		{
			name:      "missing required",
			raw:       map[string]any{"tier": "NMS_TIER_1"},
			wantErr:   true,
			wantField: "week_ending",
		},
		{
			name: "unknown parameter rejected",
			raw: map[string]any{
				"tier":        "NMS_TIER_1",
				"week_ending": "2025-12-19",
				"tire":        "NMS_TIER_1",
			},
			wantErr:   true,
			wantField: "tire",
		},
		{
			name: "choice violation",
			raw: map[string]any{
				"tier":        "TIER_9",
				"week_ending": "2025-12-19",
			},
			wantErr:   true,
			wantField: "tier",
		},
		{
			name: "numeric strings coerced",
			raw: map[string]any{
				"tier":        "OTC",
				"week_ending": "2025-12-19",
				"limit":       "250",
				"min_share":   "0.05",
				"replace":     "true",
			},
			check: func(t *testing.T, p Params) {
				assert.Equal(t, 250, p.Int("limit"))
				assert.Equal(t, 0.05, p.Float("min_share"))
				assert.True(t, p.Bool("replace"))
			},
		},
		{
			name: "json numbers coerced to int",
			raw: map[string]any{
				"tier":        "OTC",
				"week_ending": "2025-12-19",
				"limit":       float64(50),
			},
			check: func(t *testing.T, p Params) {
				assert.Equal(t, 50, p.Int("limit"))
			},
		},
		{
			name: "fractional value rejected for int",
			raw: map[string]any{
				"tier":        "OTC",
				"week_ending": "2025-12-19",
				"limit":       2.5,
			},
			wantErr:   true,
			wantField: "limit",
		},
		{
			name: "bad date rejected",
			raw: map[string]any{
				"tier":        "OTC",
				"week_ending": "12/19/2025",
			},
			wantErr:   true,
			wantField: "week_ending",
		},
		{
			name: "timestamp date normalized",
			raw: map[string]any{
				"tier":        "OTC",
				"week_ending": "2025-12-19T00:00:00Z",
			},
			check: func(t *testing.T, p Params) {
				assert.Equal(t, "2025-12-19", p.String("week_ending"))
			},
		},
	}

	detail := ingestDetail()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := detail.ValidateParams(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				var ve *spineerrors.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, tt.wantField, ve.Field)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, p)
			}
		})
	}
}

func TestValidateParams_DoesNotMutateInput(t *testing.T) {
	raw := map[string]any{
		"tier":        "OTC",
		"week_ending": "2025-12-19",
	}
	_, err := ingestDetail().ValidateParams(raw)
	require.NoError(t, err)
	assert.Len(t, raw, 2)
	assert.NotContains(t, raw, "limit")
}

func TestExpandKey(t *testing.T) {
	params := Params{
		"tier":        "NMS_TIER_1",
		"week_ending": "2025-12-19",
		"limit":       100,
	}

	key, err := ExpandKey("finra.otc:{tier}:{week_ending}", params)
	require.NoError(t, err)
	assert.Equal(t, "finra.otc:NMS_TIER_1:2025-12-19", key)

	key, err = ExpandKey("static-key", params)
	require.NoError(t, err)
	assert.Equal(t, "static-key", key)

	_, err = ExpandKey("finra.otc:{symbol}", params)
	var ve *spineerrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "symbol", ve.Field)
}
