package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrISOFormat     = errors.New("invalid ISO8601 duration")
	ErrEmptySchedule = errors.New("both cron and duration are empty")
)

// Schedule says how often the running service reports its statistics.
// Exactly one of Cron (5 fields or a @macro) and Duration (ISO8601, e.g.
// PT30S) is expected; Cron wins when both are set.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Interval returns the period between two consecutive runs.
func (s Schedule) Interval() (time.Duration, error) {
	switch {
	case s.Cron != "":
		d, err := ParseCron(s.Cron)
		if err != nil {
			return 0, fmt.Errorf("parsing service.report.cron: %w", err)
		}
		return d, nil
	case s.Duration != "":
		d, err := ParseISODuration(s.Duration)
		if err != nil {
			return 0, fmt.Errorf("parsing service.report.duration: %w", err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("parsing service.report.duration: %w", ErrISOFormat)
		}
		return d, nil
	default:
		return 0, ErrEmptySchedule
	}
}

// ParseCron parses a 5 field cron expression or a macro and returns the
// distance between its next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}

	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err = parser5.Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	next2 := schedule.Next(next1)
	return next2.Sub(next1), nil
}

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseISODuration parses the day and time part of an ISO8601 duration
// (PnDTnHnMnS). Years, months, weeks and fractions are not supported.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "P" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}
	m := isoDurationRx.FindStringSubmatch(dur)
	if m == nil {
		return 0, ErrISOFormat
	}
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, part := range m[1:] {
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrISOFormat, err)
		}
		total += time.Duration(n) * units[i]
	}
	return total, nil
}
