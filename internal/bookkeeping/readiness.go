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

	"github.com/ryansmccoy/spine/internal/store"
	"github.com/ryansmccoy/spine/pkg/pipeline"
)

// Readiness certifies partitions for downstream consumption.
type Readiness struct {
	store   *store.Store
	binding Binding
}

var _ pipeline.ReadinessSink = (*Readiness)(nil)

// Certify computes and records readiness for one (domain, partition,
// purpose). A partition certifies only when every required stage is
// complete and no unresolved CRITICAL anomaly exists for it. The row is
// upserted either way so dashboards can see why certification is
// withheld.
func (r *Readiness) Certify(ctx context.Context, domain, partitionKey, readyFor string, requiredStages []string) (bool, error) {
	critical, err := r.store.HasCriticalAnomalies(ctx, domain, partitionKey)
	if err != nil {
		return false, err
	}
	complete, err := r.store.StagesComplete(ctx, domain, partitionKey, requiredStages)
	if err != nil {
		return false, err
	}

	certified := !critical && complete
	readiness := &store.DataReadiness{
		Domain:              domain,
		PartitionKey:        partitionKey,
		ReadyFor:            readyFor,
		Certified:           certified,
		NoCriticalAnomalies: !critical,
		AllStagesComplete:   complete,
		ExecutionID:         r.binding.ExecutionID,
	}
	if certified {
		readiness.CertifiedAt = r.store.Now()
	}
	if err := r.store.UpsertDataReadiness(ctx, readiness); err != nil {
		return false, err
	}
	return certified, nil
}
