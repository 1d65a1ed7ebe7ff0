// Package schedule converts a step delay plus send-window rules into a concrete
// UTC send time. Everything here is pure: the only clock is Input.Now.
package schedule

import (
	"strconv"
	"strings"
	"time"

	"mailnexy/models"
)

const (
	// DefaultDelayMinutes is used when a step has no usable delay.
	DefaultDelayMinutes = 2

	// searchDays bounds the forward search for an allowed day/window.
	searchDays = 14

	minutesPerDay = 24 * 60
)

// Input carries everything Compute needs.
type Input struct {
	Now              time.Time
	DelayValue       *int
	DelayUnit        string
	ContactTimezone  string
	FallbackTimezone string
	Options          *models.ScheduleOptions
}

// Result is the computed send time and how it was derived.
type Result struct {
	At           time.Time // UTC
	Desired      time.Time // Now + delay, before any window/day adjustment (UTC)
	DelayMinutes int
	UsedDefault  bool
	Timezone     string
	Adjusted     bool
}

// NormalizeDelay converts (value, unit) to minutes. Missing, non-positive or
// unknown delays fall back to DefaultDelayMinutes.
func NormalizeDelay(value *int, unit string) (int, bool) {
	if value == nil || *value <= 0 {
		return DefaultDelayMinutes, true
	}
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "minute", "minutes", "min", "mins", "m":
		return *value, false
	case "hour", "hours", "h":
		return *value * 60, false
	case "day", "days", "d":
		return *value * minutesPerDay, false
	default:
		return DefaultDelayMinutes, true
	}
}

// ResolveTimezone picks the effective zone: contact zone (when the options
// respect it), then options.Timezone, then options.FallbackTimezone, then the
// fallback argument, then UTC. Unknown zone names are skipped.
func ResolveTimezone(contactTZ string, opts *models.ScheduleOptions, fallback string) (*time.Location, string) {
	var candidates []string
	if opts != nil {
		if opts.RespectContactTimezone {
			candidates = append(candidates, contactTZ)
		}
		candidates = append(candidates, opts.Timezone, opts.FallbackTimezone)
	}
	candidates = append(candidates, fallback)

	for _, name := range candidates {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc, name
		}
	}
	return time.UTC, "UTC"
}

// Compute returns the send time for a step.
func Compute(in Input) Result {
	minutes, usedDefault := NormalizeDelay(in.DelayValue, in.DelayUnit)
	desired := in.Now.Add(time.Duration(minutes) * time.Minute)

	res := Result{
		At:           desired.UTC(),
		Desired:      desired.UTC(),
		DelayMinutes: minutes,
		UsedDefault:  usedDefault,
		Timezone:     "UTC",
	}

	opts := in.Options
	if opts == nil {
		return res
	}

	loc, tzName := ResolveTimezone(in.ContactTimezone, opts, in.FallbackTimezone)
	res.Timezone = tzName
	days := parseDays(opts.SendDays)

	var (
		at time.Time
		ok bool
	)
	switch strings.ToLower(opts.Mode) {
	case models.ModeFixed:
		at, ok = nextFixed(desired, loc, opts.SendTime, days)
	case models.ModeWindow:
		windows := parseWindows([]models.SendWindow{{Start: opts.WindowStart, End: opts.WindowEnd}})
		if len(windows) == 0 {
			windows = parseWindows(opts.SendWindows)
		}
		at, ok = nextInWindows(desired, loc, windows, days)
	default:
		windows := parseWindows(opts.SendWindows)
		if len(windows) == 0 && len(days) == 0 {
			return res
		}
		at, ok = nextInWindows(desired, loc, windows, days)
	}

	if !ok {
		return res
	}
	res.At = at.UTC()
	res.Adjusted = !res.At.Equal(res.Desired)
	return res
}

// span is a daily window in minutes after local midnight. end may exceed a
// day when the window wraps past midnight.
type span struct {
	start int
	end   int
}

func nextFixed(base time.Time, loc *time.Location, sendTime string, days map[time.Weekday]bool) (time.Time, bool) {
	at, ok := parseClock(sendTime)
	if !ok || at >= minutesPerDay {
		return time.Time{}, false
	}
	local := base.In(loc)
	for d := 0; d <= searchDays; d++ {
		t := time.Date(local.Year(), local.Month(), local.Day()+d, at/60, at%60, 0, 0, loc)
		if !dayAllowed(days, t.Weekday()) {
			continue
		}
		if !t.Before(base) {
			return t, true
		}
	}
	return time.Time{}, false
}

func nextInWindows(base time.Time, loc *time.Location, windows []span, days map[time.Weekday]bool) (time.Time, bool) {
	if len(windows) == 0 {
		windows = []span{{start: 0, end: minutesPerDay}}
	}
	local := base.In(loc)

	var (
		best  time.Time
		found bool
	)
	// Start one day back so a window that wraps past midnight is considered.
	for d := -1; d <= searchDays; d++ {
		dayStart := time.Date(local.Year(), local.Month(), local.Day()+d, 0, 0, 0, 0, loc)
		if !dayAllowed(days, dayStart.Weekday()) {
			continue
		}
		for _, w := range windows {
			start := time.Date(dayStart.Year(), dayStart.Month(), dayStart.Day(), w.start/60, w.start%60, 0, 0, loc)
			end := time.Date(dayStart.Year(), dayStart.Month(), dayStart.Day(), 0, 0, 0, 0, loc).
				Add(time.Duration(w.end) * time.Minute)
			if !base.Before(end) {
				continue
			}
			candidate := start
			if base.After(start) {
				candidate = base
			}
			if !found || candidate.Before(best) {
				best = candidate
				found = true
			}
		}
		if found && best.Before(dayStart) {
			// Nothing on a later day can beat a slot found before it.
			break
		}
	}
	return best, found
}

func parseWindows(in []models.SendWindow) []span {
	var out []span
	for _, w := range in {
		start, ok1 := parseClock(w.Start)
		end, ok2 := parseClock(w.End)
		if !ok1 || !ok2 || start >= minutesPerDay {
			continue
		}
		switch {
		case end == start:
			end = start + minutesPerDay
		case end < start:
			end += minutesPerDay
		}
		out = append(out, span{start: start, end: end})
	}
	return out
}

// parseClock parses "HH:MM" into minutes after midnight. "24:00" is accepted.
func parseClock(s string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, false
	}
	return h*60 + m, true
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// parseDays returns nil when no valid day is listed, meaning every day.
func parseDays(in []string) map[time.Weekday]bool {
	var out map[time.Weekday]bool
	for _, raw := range in {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(raw))]
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[time.Weekday]bool, 7)
		}
		out[wd] = true
	}
	return out
}

func dayAllowed(days map[time.Weekday]bool, wd time.Weekday) bool {
	return len(days) == 0 || days[wd]
}
