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

package scheduler

import (
	"testing"
	"time"
)

func TestParseCron_Fields(t *testing.T) {
	c, err := ParseCron("*/15 9-17 1,15 * 1-5")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(c.minute) != 4 || c.minute[0] != 0 || c.minute[3] != 45 {
		t.Errorf("minutes = %v, want [0 15 30 45]", c.minute)
	}
	if len(c.hour) != 9 || c.hour[0] != 9 || c.hour[8] != 17 {
		t.Errorf("hours = %v, want 9..17", c.hour)
	}
	if len(c.dayOfMonth) != 2 {
		t.Errorf("days = %v, want [1 15]", c.dayOfMonth)
	}
	if len(c.dayOfWeek) != 5 {
		t.Errorf("weekdays = %v, want 1..5", c.dayOfWeek)
	}
}

func TestParseCron_Aliases(t *testing.T) {
	daily, err := ParseCron("@daily")
	if err != nil {
		t.Fatalf("@daily failed: %v", err)
	}
	next := daily.Next(time.Date(2025, 12, 19, 13, 30, 0, 0, time.UTC))
	want := time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("@daily next = %v, want %v", next, want)
	}
}

func TestParseCron_Invalid(t *testing.T) {
	for _, expr := range []string{
		"* * * *",       // four fields
		"60 * * * *",    // minute out of range
		"* 24 * * *",    // hour out of range
		"*/0 * * * *",   // zero step
		"5-1 * * * *",   // inverted range
		"bogus * * * *", // not a number
	} {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) accepted invalid expression", expr)
		}
	}
}

func TestNext_WeekdayMorning(t *testing.T) {
	c, err := ParseCron("0 9 * * 1-5")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	// Friday 2025-12-19 10:00 rolls over the weekend to Monday.
	from := time.Date(2025, 12, 19, 10, 0, 0, 0, time.UTC)
	next := c.Next(from)
	want := time.Date(2025, 12, 22, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNext_ImpossibleDate(t *testing.T) {
	c, err := ParseCron("0 0 30 2 *")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if next := c.Next(time.Now()); !next.IsZero() {
		t.Errorf("Feb 30 produced a firing: %v", next)
	}
}

func TestNextRun_Interval(t *testing.T) {
	from := time.Date(2025, 12, 19, 10, 0, 0, 0, time.UTC)
	next, err := NextRun("", 900, "", from)
	if err != nil {
		t.Fatalf("interval next failed: %v", err)
	}
	if !next.Equal(from.Add(15 * time.Minute)) {
		t.Errorf("next = %v, want +15m", next)
	}
}

func TestNextRun_Timezone(t *testing.T) {
	// 06:00 Saturday in New York is 11:00 UTC in winter.
	from := time.Date(2025, 12, 19, 10, 0, 0, 0, time.UTC)
	next, err := NextRun("0 6 * * 6", 0, "America/New_York", from)
	if err != nil {
		t.Fatalf("cron next failed: %v", err)
	}
	want := time.Date(2025, 12, 20, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}
