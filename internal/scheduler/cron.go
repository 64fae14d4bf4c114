// Package scheduler implements the Scheduler (C8): cron-like recurring
// triggers guarded by the Sync Lock, invoking a Sync Worker per table.
//
// No cron-parsing library appears anywhere in the example pack, so the
// standard 5-field expression (minute hour day-of-month month
// day-of-week) is hand-parsed here — documented as a stdlib exception in
// the grounding ledger. Grounded on original_source/scheduler/scheduler.py
// (BackgroundScheduler + CronTrigger, and the threading.Lock-guarded
// create_protected_job wrapper that skips overlapping runs).
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSpec is a parsed 5-field cron expression.
type cronSpec struct {
	minutes     fieldSet
	hours       fieldSet
	daysOfMonth fieldSet
	months      fieldSet
	daysOfWeek  fieldSet
}

type fieldSet map[int]bool

func parseCron(expr string) (cronSpec, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSpec{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	minutes, err := parseField(fields[0], 0, 59)
	if err != nil {
		return cronSpec{}, fmt.Errorf("minute field: %w", err)
	}
	hours, err := parseField(fields[1], 0, 23)
	if err != nil {
		return cronSpec{}, fmt.Errorf("hour field: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return cronSpec{}, fmt.Errorf("day-of-month field: %w", err)
	}
	months, err := parseField(fields[3], 1, 12)
	if err != nil {
		return cronSpec{}, fmt.Errorf("month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 6)
	if err != nil {
		return cronSpec{}, fmt.Errorf("day-of-week field: %w", err)
	}
	return cronSpec{minutes: minutes, hours: hours, daysOfMonth: dom, months: months, daysOfWeek: dow}, nil
}

// parseField handles "*", "*/n", "a-b", "a-b/n", and comma-separated
// lists of any of those, the common subset every cron implementation in
// the ecosystem supports.
func parseField(field string, min, max int) (fieldSet, error) {
	set := fieldSet{}
	for _, part := range strings.Split(field, ",") {
		if err := parsePart(part, min, max, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func parsePart(part string, min, max int, set fieldSet) error {
	step := 1
	rangePart := part
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		rangePart = part[:idx]
		s, err := strconv.Atoi(part[idx+1:])
		if err != nil || s <= 0 {
			return fmt.Errorf("invalid step in %q", part)
		}
		step = s
	}

	lo, hi := min, max
	if rangePart != "*" {
		if idx := strings.IndexByte(rangePart, '-'); idx >= 0 {
			a, err1 := strconv.Atoi(rangePart[:idx])
			b, err2 := strconv.Atoi(rangePart[idx+1:])
			if err1 != nil || err2 != nil {
				return fmt.Errorf("invalid range %q", rangePart)
			}
			lo, hi = a, b
		} else {
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return fmt.Errorf("invalid value %q", rangePart)
			}
			lo, hi = v, v
		}
	}
	if lo < min || hi > max || lo > hi {
		return fmt.Errorf("value out of range in %q", part)
	}
	for v := lo; v <= hi; v += step {
		set[v] = true
	}
	return nil
}

func (c cronSpec) matches(t time.Time) bool {
	return c.minutes[t.Minute()] &&
		c.hours[t.Hour()] &&
		c.daysOfMonth[t.Day()] &&
		c.months[int(t.Month())] &&
		c.daysOfWeek[int(t.Weekday())]
}

// next returns the first minute-aligned instant strictly after after that
// matches c, scanning forward up to four years (enough to cross any leap
// year boundary safely).
func (c cronSpec) next(after time.Time) time.Time {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.AddDate(4, 0, 0)
	for t.Before(limit) {
		if c.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return limit
}
