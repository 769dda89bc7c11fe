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
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// CronExpr is a parsed five-field cron expression
// (minute hour day-of-month month day-of-week).
type CronExpr struct {
	minute     []int // 0-59
	hour       []int // 0-23
	dayOfMonth []int // 1-31
	month      []int // 1-12
	dayOfWeek  []int // 0-6, 0 = Sunday
}

// cronAliases are the @-shorthands accepted in place of five fields.
var cronAliases = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

// ParseCron parses a five-field cron expression. Fields accept
// wildcards, single values, ranges, steps, and comma lists:
// "*/15 * * * *", "0 9 * * 1-5", "0 6 * * 6".
func ParseCron(expr string) (*CronExpr, error) {
	if alias, ok := cronAliases[strings.ToLower(expr)]; ok {
		expr = alias
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 cron fields, got %d", len(fields))
	}

	bounds := []struct {
		name     string
		min, max int
		dest     *[]int
	}{
		{"minute", 0, 59, nil},
		{"hour", 0, 23, nil},
		{"day-of-month", 1, 31, nil},
		{"month", 1, 12, nil},
		{"day-of-week", 0, 6, nil},
	}

	c := &CronExpr{}
	bounds[0].dest = &c.minute
	bounds[1].dest = &c.hour
	bounds[2].dest = &c.dayOfMonth
	bounds[3].dest = &c.month
	bounds[4].dest = &c.dayOfWeek

	for i, b := range bounds {
		values, err := parseField(fields[i], b.min, b.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", b.name, err)
		}
		*b.dest = values
	}
	return c, nil
}

func parseField(field string, min, max int) ([]int, error) {
	var values []int
	for _, part := range strings.Split(field, ",") {
		expanded, err := parseFieldPart(part, min, max)
		if err != nil {
			return nil, err
		}
		values = append(values, expanded...)
	}
	values = lo.Uniq(values)
	sort.Ints(values)
	return values, nil
}

// parseFieldPart expands one comma-separated part: a wildcard, single
// value, or range, optionally with a /step suffix.
func parseFieldPart(part string, min, max int) ([]int, error) {
	step := 1
	if idx := strings.Index(part, "/"); idx != -1 {
		parsed, err := strconv.Atoi(part[idx+1:])
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid step %q", part[idx+1:])
		}
		step = parsed
		part = part[:idx]
	}

	start, end := min, max
	switch {
	case part == "*":
	case strings.Contains(part, "-"):
		idx := strings.Index(part, "-")
		var err error
		if start, err = strconv.Atoi(part[:idx]); err != nil {
			return nil, fmt.Errorf("invalid range start %q", part[:idx])
		}
		if end, err = strconv.Atoi(part[idx+1:]); err != nil {
			return nil, fmt.Errorf("invalid range end %q", part[idx+1:])
		}
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", part)
		}
		start, end = v, v
	}

	if start < min || end > max || start > end {
		return nil, fmt.Errorf("range %d-%d outside [%d-%d]", start, end, min, max)
	}

	var values []int
	for v := start; v <= end; v += step {
		values = append(values, v)
	}
	return values, nil
}

// Next returns the first time strictly after from that matches the
// expression, at minute resolution. The zero time means no match within
// four years, which only happens for impossible dates like Feb 30.
func (c *CronExpr) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	horizon := from.Add(4 * 365 * 24 * time.Hour)

	for t.Before(horizon) {
		if !containsInt(c.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !containsInt(c.dayOfMonth, t.Day()) || !containsInt(c.dayOfWeek, int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !containsInt(c.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !containsInt(c.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func containsInt(values []int, v int) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// NextRun computes the next firing after from for either trigger
// style. Interval schedules are a plain addition; cron schedules walk
// the expression in the schedule's timezone and come back as UTC.
func NextRun(cronExpr string, everySeconds int, tz string, from time.Time) (time.Time, error) {
	if everySeconds > 0 {
		return from.Add(time.Duration(everySeconds) * time.Second), nil
	}
	expr, err := ParseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	loc := time.UTC
	if tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
	}
	next := expr.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q never fires", cronExpr)
	}
	return next.UTC(), nil
}
