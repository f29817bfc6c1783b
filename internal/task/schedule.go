// Package task runs chirpwatch's periodic housekeeping jobs (mirror health
// sweep, governor persistence, cache report) on robfig/cron schedules.
package task

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Spec is a parsed schedule: either a cron expression or a fixed interval.
type Spec struct {
	Cron  string
	Every time.Duration
}

func (s Spec) IsInterval() bool { return s.Every > 0 }

func (s Spec) String() string {
	if s.IsInterval() {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

var hhmm = regexp.MustCompile(`^(\d{1,3}):([0-5]\d)$`)

// ParseSchedule accepts
//
//	"*/5 * * * *", "@hourly", "@every 55m"  cron
//	"55m", "2h30m"                          interval
//	"02:30"                                 interval of 2h30m
//
// A "cron:" prefix forces cron, "every:" or "interval:" forces an interval.
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("empty cron expression")
		}
		return Spec{Cron: expr}, nil
	case strings.HasPrefix(low, "every:"):
		return parseEvery(s[len("every:"):])
	case strings.HasPrefix(low, "interval:"):
		return parseEvery(s[len("interval:"):])
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return Spec{Cron: s}, nil
	}
	spec, err := parseEvery(s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q (cron like '*/5 * * * *', HH:MM like '02:30' or duration like '55m')", raw)
	}
	return spec, nil
}

func parseEvery(v string) (Spec, error) {
	v = strings.TrimSpace(v)
	var d time.Duration
	if m := hhmm.FindStringSubmatch(v); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		d = time.Duration(h)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return Spec{}, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{Every: d}, nil
}

// parser accepts 5 and 6 field specs plus descriptors.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether raw parses into a usable cron schedule.
func Validate(raw string) error {
	spec, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if spec.IsInterval() {
		return nil
	}
	_, err = parser.Parse(spec.Cron)
	return err
}
