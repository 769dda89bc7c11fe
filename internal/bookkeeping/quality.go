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
	"fmt"
	"math"

	"github.com/ryansmccoy/spine/internal/store"
	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
	"github.com/ryansmccoy/spine/pkg/pipeline"
)

// Quality evaluates declarative checks and persists each outcome.
type Quality struct {
	store   *store.Store
	binding Binding
}

var _ pipeline.QualityRunner = (*Quality)(nil)

// Run evaluates the checks against the scope and records one result row
// per check. Failing checks marked WarnOnly are downgraded to WARN. The
// report is returned for the caller to act on; recording a result never
// fails the run by itself.
func (q *Quality) Run(ctx context.Context, scope pipeline.QualityScope, checks []pipeline.QualityCheck) (*pipeline.QualityReport, error) {
	report := &pipeline.QualityReport{}
	for _, check := range checks {
		outcome, err := evaluate(check)
		if err != nil {
			return nil, err
		}
		report.Outcomes = append(report.Outcomes, outcome)
		if err := q.store.AppendQualityResult(ctx, &store.QualityResult{
			Domain:       scope.Domain,
			PartitionKey: scope.PartitionKey,
			CheckName:    outcome.Name,
			Status:       outcome.Status,
			Actual:       outcome.Actual,
			Expected:     outcome.Expected,
			Message:      outcome.Message,
			CaptureID:    scope.CaptureID,
			ExecutionID:  q.binding.ExecutionID,
		}); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func evaluate(check pipeline.QualityCheck) (pipeline.QualityOutcome, error) {
	var pass bool
	switch check.Op {
	case "gte":
		pass = check.Actual >= check.Expected
	case "lte":
		pass = check.Actual <= check.Expected
	case "eq":
		pass = check.Actual == check.Expected
	case "near":
		pass = math.Abs(check.Actual-check.Expected) <= check.Tolerance
	default:
		return pipeline.QualityOutcome{}, &spineerrors.ValidationError{
			Field:      "op",
			Message:    fmt.Sprintf("unknown quality op %q", check.Op),
			Suggestion: "use one of: gte, lte, eq, near",
		}
	}

	status := store.QualityPass
	message := check.Message
	if !pass {
		status = store.QualityFail
		if check.WarnOnly {
			status = store.QualityWarn
		}
		if message == "" {
			message = fmt.Sprintf("%s: actual %v %s expected %v failed",
				check.Name, check.Actual, check.Op, check.Expected)
		}
	}
	return pipeline.QualityOutcome{
		Name:     check.Name,
		Status:   status,
		Actual:   check.Actual,
		Expected: check.Expected,
		Message:  message,
	}, nil
}
