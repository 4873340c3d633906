package auth

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// unixTimestampPattern accepts non-negative base-10 integers with no sign,
// no leading zeros, and no surrounding junk.
var unixTimestampPattern = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)

// parseTimestamp parses a provider timestamp header value into epoch
// seconds. Two forms are accepted: a strict unix integer, or an ISO-8601
// datetime that explicitly carries a UTC designator (Z, +00:00, or +0000).
// Anything else, including local-time or offset forms, is rejected; a
// sloppy parse here would widen the replay window.
func parseTimestamp(value string) (int64, bool) {
	if value == "" || !headerValueClean(value) {
		return 0, false
	}

	if unixTimestampPattern.MatchString(value) {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}

	return parseISOTimestamp(value)
}

func parseISOTimestamp(value string) (int64, bool) {
	var layout string
	switch {
	case strings.HasSuffix(value, "Z"), strings.HasSuffix(value, "+00:00"):
		layout = time.RFC3339
	case strings.HasSuffix(value, "+0000"):
		layout = "2006-01-02T15:04:05-0700"
	default:
		return 0, false
	}

	t, err := time.Parse(layout, value)
	if err != nil {
		return 0, false
	}
	return t.Unix(), true
}

// timestampWithinTolerance reports whether a presented timestamp is inside
// the replay window: abs(now - ts) <= tolerance, bounds inclusive. A
// timestamp at or before the epoch never passes, whatever the tolerance.
func timestampWithinTolerance(value string, tolerance int64, now time.Time) bool {
	ts, ok := parseTimestamp(value)
	if !ok {
		return false
	}
	if ts <= 0 {
		return false
	}

	diff := now.Unix() - ts
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
