package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var zeroStep = regexp.MustCompile(`/0+(,|$)`)

// ParseSchedule parses a 5-field cron expression (minute hour dom month dow) in UTC. Day of week
// accepts 0-7 where both 0 and 7 are Sunday.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	if strings.HasPrefix(expr, "@") {
		return cronParser.Parse(expr)
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, found %d: %q", len(fields), expr)
	}
	for _, f := range fields {
		if zeroStep.MatchString(f) {
			return nil, fmt.Errorf("step of zero in %q", expr)
		}
	}
	fields[4] = normalizeDow(fields[4])

	return cronParser.Parse(strings.Join(fields, " "))
}

// NextFire returns the earliest instant strictly after `after` matching expr.
func NextFire(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", expr)
	}
	return next, nil
}

// normalizeDow rewrites day 7 as 0 since the parser only knows 0-6.
func normalizeDow(field string) string {
	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, normalizeDowPart(part)...)
	}
	return strings.Join(out, ",")
}

func normalizeDowPart(part string) []string {
	base, step, hasStep := strings.Cut(part, "/")
	if base == "7" {
		if hasStep {
			// "7/2" starts on Sunday and runs to the end of the week
			return []string{"0/" + step}
		}
		return []string{"0"}
	}

	lo, hi, isRange := strings.Cut(base, "-")
	if !isRange || hi != "7" {
		return []string{part}
	}
	if lo == "7" {
		return []string{"0"}
	}

	start, err := strconv.Atoi(lo)
	if err != nil {
		// let the parser report it
		return []string{part}
	}
	n := 1
	if hasStep {
		if n, err = strconv.Atoi(step); err != nil || n <= 0 {
			return []string{part}
		}
	}

	var res []string
	if start <= 6 {
		r := fmt.Sprintf("%d-6", start)
		if hasStep {
			r += "/" + step
		}
		res = append(res, r)
	}
	if (7-start)%n == 0 {
		res = append(res, "0")
	}
	return res
}
