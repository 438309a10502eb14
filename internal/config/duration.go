package config

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ISO-8601 durations limited to days and clock parts (PnDTnHnMn.nS).
// Each part may carry its own sign; only seconds take a fraction.
var reISODuration = regexp.MustCompile(`^([-+]?)P(?:([-+]?\d+)D)?(?:T(?:([-+]?\d+)H)?(?:([-+]?\d+)M)?(?:([-+]?\d+)(?:[.,](\d{0,9}))?S)?)?$`)

// ParseDuration accepts ISO-8601 durations ("PT10S", "P1DT2H", "PT0.5S")
// and, as a fallback, Go duration strings ("10s", "1m30s").
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	m := reISODuration.FindStringSubmatch(s)
	if m == nil {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q (use ISO-8601 like PT30S)", raw)
		}
		return d, nil
	}
	if s == "P" || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("invalid duration %q (no parts)", raw)
	}

	var (
		total time.Duration
		ok    bool
	)
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	for i, unit := range units {
		v := m[i+2]
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		limit := int64(math.MaxInt64 / unit)
		if n > limit || n < -limit {
			return 0, fmt.Errorf("invalid duration %q: out of range", raw)
		}
		if total, ok = addDuration(total, time.Duration(n)*unit); !ok {
			return 0, fmt.Errorf("invalid duration %q: out of range", raw)
		}
	}
	if frac := m[6]; frac != "" {
		ns, _ := strconv.ParseInt((frac + "000000000")[:9], 10, 64)
		if strings.HasPrefix(m[5], "-") {
			ns = -ns
		}
		if total, ok = addDuration(total, time.Duration(ns)); !ok {
			return 0, fmt.Errorf("invalid duration %q: out of range", raw)
		}
	}
	if m[1] == "-" {
		total = -total
	}
	return total, nil
}

// addDuration reports false when a+b overflows.
func addDuration(a, b time.Duration) (time.Duration, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// parseDurationField parses a duration and tags failures with path.
//
// Durations must be strictly positive.
func parseDurationField(path, raw string) (time.Duration, error) {
	d, err := ParseDuration(raw)
	if err != nil {
		return 0, problem(path, err.Error())
	}
	if d <= 0 {
		return 0, problem(path, "duration must be > 0")
	}
	return d, nil
}

// ParseDateTime parses an ISO-8601 offset datetime (RFC 3339).
func ParseDateTime(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid datetime %q (use ISO-8601 with offset, e.g. 2024-01-02T15:04:05+01:00)", raw)
	}
	return t, nil
}
