package campaign

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// BusinessHoursConfig restricts dialing to per-weekday windows in one IANA zone.
type BusinessHoursConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone"`
	// Schedule is keyed by lowercase weekday name ("monday" ... "sunday").
	// A missing or empty day means no calling that day.
	Schedule map[string][]TimeSlot `json:"schedule"`
}

func (b *BusinessHoursConfig) clone() *BusinessHoursConfig {
	out := *b
	if b.Schedule != nil {
		out.Schedule = make(map[string][]TimeSlot, len(b.Schedule))
		for day, slots := range b.Schedule {
			out.Schedule[day] = append([]TimeSlot(nil), slots...)
		}
	}
	return &out
}

// TimeSlot is an inclusive time-of-day range in 24h "HH:MM".
type TimeSlot struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type clockRange struct {
	start, end int // minutes since midnight
}

// Validate rejects unknown weekday keys and malformed or inverted slots.
func (c BusinessHoursConfig) Validate() error {
	for day, slots := range c.Schedule {
		if _, ok := weekdayByName[strings.ToLower(day)]; !ok {
			return fmt.Errorf("business hours: unknown weekday %q", day)
		}
		for _, s := range slots {
			r, err := s.parse()
			if err != nil {
				return fmt.Errorf("business hours: %s: %w", day, err)
			}
			if r.end < r.start {
				return fmt.Errorf("business hours: %s: slot %s-%s ends before it starts", day, s.Start, s.End)
			}
		}
	}
	return nil
}

// IsWithinBusinessHours reports whether now falls inside one of the configured
// windows, evaluated in timezone (or the config's own zone when empty).
//
// A nil or disabled config never restricts. If the zone or the day's slots
// cannot be resolved the answer is true: a misconfigured campaign keeps
// dialing instead of stalling forever.
func IsWithinBusinessHours(cfg *BusinessHoursConfig, timezone string, now time.Time) bool {
	if cfg == nil || !cfg.Enabled {
		return true
	}
	loc, err := cfg.location(timezone)
	if err != nil {
		return true
	}
	local := now.In(loc)

	raw := cfg.slotsFor(local.Weekday())
	if len(raw) == 0 {
		return false
	}
	slots := parseSlots(raw)
	if len(slots) == 0 {
		return true
	}

	minute := local.Hour()*60 + local.Minute()
	for _, s := range slots {
		if minute < s.start {
			// sorted by start; nothing later can match
			break
		}
		if minute <= s.end {
			return true
		}
	}
	return false
}

// NextWindowStart returns the start of the next window strictly after now,
// scanning at most 7 days ahead. The bool is false when the schedule has no
// usable slot in that horizon.
func NextWindowStart(cfg *BusinessHoursConfig, timezone string, now time.Time) (time.Time, bool) {
	if cfg == nil || !cfg.Enabled {
		return now, true
	}
	loc, err := cfg.location(timezone)
	if err != nil {
		return now, true
	}
	local := now.In(loc)
	y, m, d := local.Date()

	for offset := 0; offset <= 7; offset++ {
		day := time.Date(y, m, d+offset, 12, 0, 0, 0, loc).Weekday()
		for _, s := range parseSlots(cfg.slotsFor(day)) {
			start := time.Date(y, m, d+offset, s.start/60, s.start%60, 0, 0, loc)
			if start.After(now) {
				return start, true
			}
		}
	}
	return time.Time{}, false
}

func (c BusinessHoursConfig) location(timezone string) (*time.Location, error) {
	tz := strings.TrimSpace(timezone)
	if tz == "" {
		tz = strings.TrimSpace(c.Timezone)
	}
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

func (c BusinessHoursConfig) slotsFor(day time.Weekday) []TimeSlot {
	name := weekdayNames[day]
	if slots, ok := c.Schedule[name]; ok {
		return slots
	}
	// tolerate "Monday" style keys from hand-written configs
	for k, slots := range c.Schedule {
		if strings.EqualFold(k, name) {
			return slots
		}
	}
	return nil
}

// parseSlots drops malformed slots and sorts the rest by start.
func parseSlots(slots []TimeSlot) []clockRange {
	out := make([]clockRange, 0, len(slots))
	for _, s := range slots {
		r, err := s.parse()
		if err != nil || r.end < r.start {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

func (s TimeSlot) parse() (clockRange, error) {
	start, err := parseClock(s.Start)
	if err != nil {
		return clockRange{}, err
	}
	end, err := parseClock(s.End)
	if err != nil {
		return clockRange{}, err
	}
	return clockRange{start: start, end: end}, nil
}

var errBadClock = errors.New("time must be HH:MM")

func parseClock(v string) (int, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w, got %q", errBadClock, v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w, got %q", errBadClock, v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w, got %q", errBadClock, v)
	}
	return h*60 + m, nil
}

var weekdayNames = [...]string{
	time.Sunday:    "sunday",
	time.Monday:    "monday",
	time.Tuesday:   "tuesday",
	time.Wednesday: "wednesday",
	time.Thursday:  "thursday",
	time.Friday:    "friday",
	time.Saturday:  "saturday",
}

var weekdayByName = func() map[string]time.Weekday {
	m := make(map[string]time.Weekday, len(weekdayNames))
	for d, name := range weekdayNames {
		m[name] = time.Weekday(d)
	}
	return m
}()
