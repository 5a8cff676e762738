// Package timeparsing parses the start time given to "fcpbot sync --since".
//
// Inputs are tried in layers, first match wins:
//  1. Compact duration (6h, 3d, 2w), counted back from now
//  2. Absolute timestamp (RFC3339, date-only)
//  3. Natural language (2 days ago, yesterday, last monday)
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// compactDurationRe matches compact duration patterns: -?(\d+)([hdwmy])
// A leading "-" is accepted for symmetry; both forms point into the past.
var compactDurationRe = regexp.MustCompile(`^(-?)(\d+)([hdwmy])$`)

var parser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseSince parses s as a point in the past relative to now.
//
// Examples:
//   - "6h"                   -> now - 6 hours
//   - "3d", "-3d"            -> now - 3 days
//   - "2024-03-01"           -> midnight UTC on that date
//   - "2024-03-01T09:00:00Z" -> that instant
//   - "2 days ago"           -> now - 2 days
//
// Times after now are rejected.
func ParseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}

	t, err := parse(s, now)
	if err != nil {
		return time.Time{}, err
	}
	if t.After(now) {
		return time.Time{}, fmt.Errorf("%q is in the future", s)
	}
	return t, nil
}

func parse(s string, now time.Time) (time.Time, error) {
	if t, err := ParseCompactDuration(s, now); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	r, err := parser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time expression %q", s)
	}
	return r.Time, nil
}

// ParseCompactDuration parses compact duration syntax and returns now
// minus the duration.
//
// Units:
//   - h = hours
//   - d = days
//   - w = weeks
//   - m = months
//   - y = years
func ParseCompactDuration(s string, now time.Time) (time.Time, error) {
	matches := compactDurationRe.FindStringSubmatch(s)
	if matches == nil {
		return time.Time{}, fmt.Errorf("not a compact duration: %q", s)
	}

	amount, err := strconv.Atoi(matches[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration amount: %q", matches[2])
	}

	return applyDuration(now, -amount, matches[3]), nil
}

// applyDuration applies the given amount and unit to the base time.
func applyDuration(base time.Time, amount int, unit string) time.Time {
	switch unit {
	case "h":
		return base.Add(time.Duration(amount) * time.Hour)
	case "d":
		return base.AddDate(0, 0, amount)
	case "w":
		return base.AddDate(0, 0, amount*7)
	case "m":
		return base.AddDate(0, amount, 0)
	case "y":
		return base.AddDate(amount, 0, 0)
	default:
		return base
	}
}

// IsCompactDuration returns true if the string matches compact duration syntax.
func IsCompactDuration(s string) bool {
	return compactDurationRe.MatchString(s)
}
