// Copyright 2025 Tom Barlow
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

// Package scheduler runs schedule-triggered pipelines on their cron
// expressions.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cron is a parsed 5-field cron expression. Each field is a bit set over
// the field's value range.
type Cron struct {
	minute uint64 // bits 0-59
	hour   uint32 // bits 0-23
	dom    uint32 // bits 1-31
	month  uint16 // bits 1-12
	dow    uint8  // bits 0-6, 0 = Sunday

	// Standard cron day semantics: when both day fields are restricted
	// (neither is "*"), a day matches if either field matches.
	domStar bool
	dowStar bool
}

// ParseCron parses a standard 5-field cron expression
// (minute hour day-of-month month day-of-week) or one of the @hourly,
// @daily, @midnight, @weekly, @monthly, and @yearly shorthands.
// Day-of-week accepts 0-7, with both 0 and 7 meaning Sunday.
func ParseCron(expr string) (*Cron, error) {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "@hourly":
		expr = "0 * * * *"
	case "@daily", "@midnight":
		expr = "0 0 * * *"
	case "@weekly":
		expr = "0 0 * * 0"
	case "@monthly":
		expr = "0 0 1 * *"
	case "@yearly", "@annually":
		expr = "0 0 1 1 *"
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression needs 5 fields, got %d", len(fields))
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-month field: %w", err)
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-week field: %w", err)
	}
	// Fold the 7 alias for Sunday onto 0.
	if dow&(1<<7) != 0 {
		dow = (dow &^ (1 << 7)) | 1
	}

	return &Cron{
		minute:  minute,
		hour:    uint32(hour),
		dom:     uint32(dom),
		month:   uint16(month),
		dow:     uint8(dow),
		domStar: fields[2] == "*",
		dowStar: fields[4] == "*",
	}, nil
}

// parseField parses one cron field into a bit set. It accepts wildcards,
// single values, ranges, steps, and comma-separated lists of these.
func parseField(field string, min, max int) (uint64, error) {
	var bits uint64

	for _, part := range strings.Split(field, ",") {
		step := 1
		if idx := strings.Index(part, "/"); idx != -1 {
			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s <= 0 {
				return 0, fmt.Errorf("invalid step: %s", part[idx+1:])
			}
			step = s
			part = part[:idx]
		}

		start, end := min, max
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err error
			if start, err = strconv.Atoi(bounds[0]); err != nil {
				return 0, fmt.Errorf("invalid range start: %s", bounds[0])
			}
			if end, err = strconv.Atoi(bounds[1]); err != nil {
				return 0, fmt.Errorf("invalid range end: %s", bounds[1])
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return 0, fmt.Errorf("invalid value: %s", part)
			}
			start, end = v, v
		}

		if start < min || end > max || start > end {
			return 0, fmt.Errorf("value out of range [%d-%d]: %s", min, max, part)
		}
		for v := start; v <= end; v += step {
			bits |= 1 << uint(v)
		}
	}

	return bits, nil
}

// Matches reports whether the time satisfies the expression, at minute
// granularity.
func (c *Cron) Matches(t time.Time) bool {
	return c.minute&(1<<uint(t.Minute())) != 0 &&
		c.hour&(1<<uint(t.Hour())) != 0 &&
		c.month&(1<<uint(t.Month())) != 0 &&
		c.dayMatches(t)
}

// dayMatches applies the standard cron day rule: the two day fields are
// ORed when both are restricted, ANDed otherwise.
func (c *Cron) dayMatches(t time.Time) bool {
	domHit := c.dom&(1<<uint(t.Day())) != 0
	dowHit := c.dow&(1<<uint(t.Weekday())) != 0
	if !c.domStar && !c.dowStar {
		return domHit || dowHit
	}
	return domHit && dowHit
}

// Next returns the first time after from that satisfies the expression,
// or the zero time if none exists within four years.
func (c *Cron) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(4, 0, 0)

	for t.Before(limit) {
		if c.month&(1<<uint(t.Month())) == 0 {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !c.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if c.hour&(1<<uint(t.Hour())) == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if c.minute&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}

	return time.Time{}
}
