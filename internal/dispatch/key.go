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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/ryansmccoy/spine/pkg/pipeline"
)

// LogicalKey derives the default deduplication key for a submission:
// "{pipeline}:{12-hex}" over the canonical JSON of the normalized
// params. encoding/json sorts map keys, so two submissions with the
// same params in any order hash identically.
func LogicalKey(pipelineName string, params pipeline.Params) string {
	canonical, err := json.Marshal(map[string]any(params))
	if err != nil {
		// Params already survived a JSON round-trip in validation;
		// this cannot fail for admitted values.
		canonical = []byte(pipelineName)
	}
	sum := sha256.Sum256(canonical)
	return pipelineName + ":" + hex.EncodeToString(sum[:6])
}
