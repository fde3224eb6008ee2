// Package recurrence normalizes and validates RFC 5545 RRULE values.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

const prefix = "RRULE:"

// Strip removes a literal "RRULE:" prefix and surrounding whitespace.
func Strip(rule string) string {
	rule = strings.TrimSpace(rule)
	if len(rule) >= len(prefix) && strings.EqualFold(rule[:len(prefix)], prefix) {
		rule = rule[len(prefix):]
	}
	return strings.TrimSpace(rule)
}

// WithPrefix returns the rule in the "RRULE:..." form the remote API expects.
func WithPrefix(rule string) string {
	return prefix + Strip(rule)
}

// Validate checks that rule parses as an RRULE. The prefix is optional.
func Validate(rule string) error {
	bare := Strip(rule)
	if bare == "" {
		return fmt.Errorf("empty recurrence rule")
	}
	if _, err := rrule.StrToROption(bare); err != nil {
		return fmt.Errorf("invalid recurrence rule %q: %w", bare, err)
	}
	return nil
}

// Occurrences lists up to limit starts of rule anchored at dtstart. It is used
// to sanity check imported series, which must yield at least one instance.
func Occurrences(rule string, dtstart time.Time, limit int) ([]time.Time, error) {
	opt, err := rrule.StrToROption(Strip(rule))
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence rule: %w", err)
	}
	opt.Dtstart = dtstart
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("build recurrence rule: %w", err)
	}

	out := make([]time.Time, 0, limit)
	next := r.Iterator()
	for len(out) < limit {
		t, ok := next()
		if !ok {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
