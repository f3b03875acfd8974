package config

import (
	"regexp"
	"strconv"
	"time"
)

var uptimePattern = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?(?:(\d+)ms)?$`)

// ParseUptime parses the MAX_UPTIME grammar: any subset of Nd Nh Nm Ns Nms
// in that order ("1h30m", "4h", "90s"), or bare digits interpreted as
// milliseconds. The second return is false for anything else.
func ParseUptime(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, true
	}

	m := uptimePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	units := []time.Duration{
		24 * time.Hour,
		time.Hour,
		time.Minute,
		time.Second,
		time.Millisecond,
	}
	var total time.Duration
	matched := false
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, false
		}
		total += time.Duration(n) * unit
		matched = true
	}
	if !matched {
		return 0, false
	}
	return total, true
}
