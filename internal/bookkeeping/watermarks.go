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

package bookkeeping

import (
	"context"
	"errors"

	"github.com/ryansmccoy/spine/internal/store"
	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
	"github.com/ryansmccoy/spine/pkg/pipeline"
)

// Watermarks advances the per-(domain, source, partition) high-value
// cursors that incremental ingests resume from.
type Watermarks struct {
	store   *store.Store
	binding Binding
}

var _ pipeline.WatermarkSink = (*Watermarks)(nil)

// Advance moves a cursor forward. A value at or above the stored one
// succeeds; moving backwards is refused unless force is set. A forced
// regression is an operator rewinding history, so it leaves a WARN
// anomaly naming both values before the cursor moves.
func (w *Watermarks) Advance(ctx context.Context, domain, source, partitionKey, newHigh string, force bool) (bool, error) {
	if force {
		if err := w.recordRegression(ctx, domain, source, partitionKey, newHigh); err != nil {
			return false, err
		}
	}
	return w.store.AdvanceWatermark(ctx, &store.Watermark{
		Domain:       domain,
		Source:       source,
		PartitionKey: partitionKey,
		HighValue:    newHigh,
		ExecutionID:  w.binding.ExecutionID,
	}, force)
}

func (w *Watermarks) recordRegression(ctx context.Context, domain, source, partitionKey, newHigh string) error {
	current, err := w.store.GetWatermark(ctx, domain, source, partitionKey)
	if err != nil {
		var notFound *spineerrors.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	if newHigh >= current.HighValue {
		return nil
	}
	return w.store.AppendAnomaly(ctx, &store.Anomaly{
		Domain:       domain,
		PartitionKey: partitionKey,
		Severity:     store.SeverityWarn,
		Category:     "WATERMARK_REGRESSION",
		Message:      "watermark forced backwards for " + source,
		Details: map[string]any{
			"source":    source,
			"from_high": current.HighValue,
			"to_high":   newHigh,
		},
		ExecutionID: w.binding.ExecutionID,
	})
}
