package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSpec is wrapped by every ParseLine error.
var ErrInvalidSpec = errors.New("invalid worker spec")

const timerPrefix = "R-"

// ParseLine parses one fleet line into a Spec. Accepted forms:
//
//	path                 RamOnly
//	path|T               SimpleTimeout(T minutes)
//	path|AAR             AlarmRestart(A, R), e.g. path|5A10
//	path|A|A|R           AlarmRestart, legacy spelling of the above
//	<any of these>|R-U   UptimeTimer(U minutes) overlay
//
// Comment and directive lines must be filtered by the caller.
func ParseLine(line string) (Spec, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Spec{}, fmt.Errorf("%w: empty line", ErrInvalidSpec)
	}
	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	spec := Spec{Path: parts[0], Policy: RamOnly{}}
	if spec.Path == "" {
		return Spec{}, fmt.Errorf("%w: missing script path", ErrInvalidSpec)
	}

	if n := len(parts); n > 1 && strings.HasPrefix(parts[n-1], timerPrefix) {
		u, err := minutes(strings.TrimPrefix(parts[n-1], timerPrefix))
		if err != nil {
			return Spec{}, fmt.Errorf("%w: uptime timer %q: %v", ErrInvalidSpec, parts[n-1], err)
		}
		spec.Uptime = u
		parts = parts[:n-1]
	}

	switch len(parts) {
	case 1:
		return spec, nil
	case 2:
		p, err := parsePolicy(parts[1])
		if err != nil {
			return Spec{}, err
		}
		spec.Policy = p
		return spec, nil
	case 4:
		if parts[2] != "A" {
			return Spec{}, fmt.Errorf("%w: expected path|alarm|A|restart, got %q", ErrInvalidSpec, line)
		}
		p, err := alarmRestart(parts[1], parts[3])
		if err != nil {
			return Spec{}, err
		}
		spec.Policy = p
		return spec, nil
	default:
		return Spec{}, fmt.Errorf("%w: unexpected field count %d", ErrInvalidSpec, len(parts))
	}
}

func parsePolicy(s string) (Policy, error) {
	if a, r, ok := strings.Cut(s, "A"); ok {
		return alarmRestart(a, r)
	}
	t, err := minutes(s)
	if err != nil {
		return nil, fmt.Errorf("%w: timeout %q: %v", ErrInvalidSpec, s, err)
	}
	return SimpleTimeout{Timeout: t}, nil
}

func alarmRestart(alarm, restart string) (Policy, error) {
	a, err := minutes(alarm)
	if err != nil {
		return nil, fmt.Errorf("%w: alarm %q: %v", ErrInvalidSpec, alarm, err)
	}
	r, err := minutes(restart)
	if err != nil {
		return nil, fmt.Errorf("%w: restart %q: %v", ErrInvalidSpec, restart, err)
	}
	if a > r {
		return nil, fmt.Errorf("%w: alarm %dm exceeds restart %dm", ErrInvalidSpec, a/time.Minute, r/time.Minute)
	}
	return AlarmRestart{Alarm: a, Restart: r}, nil
}

func minutes(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.New("not a whole number of minutes")
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return time.Duration(n) * time.Minute, nil
}
