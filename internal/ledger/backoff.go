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

package ledger

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes retry delays: the base doubles per failed attempt up
// to the cap, then jitter spreads the result across ±20% so a burst of
// synchronized failures does not reconverge on the same instant.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	rand func() float64
}

// NewBackoff returns a policy with the given base delay and cap.
func NewBackoff(base, limit time.Duration) Backoff {
	return Backoff{Base: base, Cap: limit, rand: rand.Float64}
}

// Delay returns the wait scheduled after the given attempt fails. The
// first retry waits roughly the base delay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Cap > 0 && delay > float64(b.Cap) {
		delay = float64(b.Cap)
	}

	random := b.rand
	if random == nil {
		random = rand.Float64
	}
	jitter := 0.8 + 0.4*random()
	return time.Duration(delay * jitter)
}
