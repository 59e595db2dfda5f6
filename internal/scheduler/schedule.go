package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ScheduleKind identifies which shape a schedule specification takes.
type ScheduleKind string

const (
	ScheduleKindOnce  ScheduleKind = "once"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule is a task's schedule specification: a one-shot timestamp, a
// fixed interval, or a cron expression, matching spec.md's
// "schedule specification (one-shot timestamp / interval / cron)".
type Schedule struct {
	Kind     ScheduleKind
	At       time.Time
	Every    time.Duration
	CronExpr string
	Timezone string
}

// ParseSchedule validates and normalizes a raw schedule spec coming from a
// task row. exactly one of at/every/cronExpr must be non-zero.
func ParseSchedule(kind ScheduleKind, at time.Time, every time.Duration, cronExpr, timezone string) (Schedule, error) {
	sched := Schedule{Kind: kind, At: at, Every: every, CronExpr: strings.TrimSpace(cronExpr), Timezone: strings.TrimSpace(timezone)}
	switch kind {
	case ScheduleKindOnce:
		if at.IsZero() {
			return Schedule{}, fmt.Errorf("scheduler: once schedule requires a timestamp")
		}
	case ScheduleKindEvery:
		if every <= 0 {
			return Schedule{}, fmt.Errorf("scheduler: every schedule requires a positive interval")
		}
	case ScheduleKindCron:
		if sched.CronExpr == "" {
			return Schedule{}, fmt.Errorf("scheduler: cron schedule requires an expression")
		}
		if _, err := cronParser.Parse(sched.CronExpr); err != nil {
			return Schedule{}, fmt.Errorf("scheduler: invalid cron expression %q: %w", sched.CronExpr, err)
		}
	default:
		return Schedule{}, fmt.Errorf("scheduler: unknown schedule kind %q", kind)
	}
	return sched, nil
}

// Next computes the next fire time strictly after `after`. The bool return
// is false when the schedule has no further occurrences (a "once" schedule
// whose timestamp has already passed).
func (s Schedule) Next(after time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case ScheduleKindOnce:
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("scheduler: once schedule missing timestamp")
		}
		if !after.Before(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case ScheduleKindEvery:
		if s.Every <= 0 {
			return time.Time{}, false, fmt.Errorf("scheduler: every schedule missing interval")
		}
		return after.Add(s.Every), true, nil
	case ScheduleKindCron:
		loc := time.UTC
		if s.Timezone != "" {
			if tz, err := time.LoadLocation(s.Timezone); err == nil {
				loc = tz
			}
		}
		spec, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("scheduler: parse cron expression: %w", err)
		}
		next := spec.Next(after.In(loc))
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("scheduler: unknown schedule kind %q", s.Kind)
	}
}
