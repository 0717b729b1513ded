// Package schedule computes when recurring daily operations should fire.
//
// All functions are pure: "now" and randomness come in as arguments, so
// callers poll as often as they like and tests pin both. The jitter is
// re-rolled on every evaluation on purpose - persisting one roll would let
// a frequent poller always catch the earliest minute of the window.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"homerbot/internal/clock"
)

// Decision is the result of one ShouldExecuteNow evaluation.
type Decision struct {
	Fire              bool
	JitterUsed        int // minutes
	RandomizedTarget  time.Time
	AlreadyFiredToday bool
}

// ParseHHMM validates a wall-clock time string.
// Accepted: one-or-two-digit hour 0-23, exactly two-digit minute 00-59.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[0]) < 1 || len(parts[0]) > 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil, fmt.Errorf("timezone is empty")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// ToUTC converts a local wall-clock HH:MM in tz to the UTC HH:MM it maps to
// today. DST is handled by anchoring the conversion to the current date.
func ToUTC(now time.Time, hhmm, tz string) (string, error) {
	h, m, err := ParseHHMM(hhmm)
	if err != nil {
		return "", err
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return "", err
	}
	local := now.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
	u := t.UTC()
	return fmt.Sprintf("%02d:%02d", u.Hour(), u.Minute()), nil
}

// ToLocal converts a UTC wall-clock HH:MM to the HH:MM it maps to today in tz.
func ToLocal(now time.Time, hhmm, tz string) (string, error) {
	h, m, err := ParseHHMM(hhmm)
	if err != nil {
		return "", err
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return "", err
	}
	u := now.UTC()
	t := time.Date(u.Year(), u.Month(), u.Day(), h, m, 0, 0, time.UTC)
	l := t.In(loc)
	return fmt.Sprintf("%02d:%02d", l.Hour(), l.Minute()), nil
}

func validateJitter(jitterMin, jitterMax int) error {
	if jitterMin > jitterMax {
		return fmt.Errorf("jitter_min %d > jitter_max %d", jitterMin, jitterMax)
	}
	return nil
}

func rollJitter(jitterMin, jitterMax int, rng clock.Rand) int {
	span := jitterMax - jitterMin + 1
	if span <= 1 {
		return jitterMin
	}
	return jitterMin + rng.Intn(span)
}

// todayAt returns the occurrence of target on now's calendar date in loc.
func todayAt(now time.Time, h, m int, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
}

// NextExecutionTime computes the next absolute fire instant for a daily
// target: today's occurrence of target in tz, or tomorrow's when today's is
// already at or before now, plus a fresh random jitter of whole minutes in
// [jitterMin, jitterMax] inclusive.
func NextExecutionTime(now time.Time, target string, jitterMin, jitterMax int, tz string, rng clock.Rand) (time.Time, error) {
	h, m, err := ParseHHMM(target)
	if err != nil {
		return time.Time{}, err
	}
	if err := validateJitter(jitterMin, jitterMax); err != nil {
		return time.Time{}, err
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}

	at := todayAt(now, h, m, loc)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at.Add(time.Duration(rollJitter(jitterMin, jitterMax, rng)) * time.Minute), nil
}

// ShouldExecuteNow is the live "fire now or wait" decision for a daily task.
//
// The randomized target is recomputed with a fresh jitter roll on every call;
// AlreadyFiredToday compares lastExecution's calendar date against now's, both
// in the task timezone, which makes the task at-most-once per calendar day no
// matter how often it is polled. A zero lastExecution means "never ran".
func ShouldExecuteNow(now time.Time, target string, lastExecution time.Time, jitterMin, jitterMax int, tz string, rng clock.Rand) (Decision, error) {
	h, m, err := ParseHHMM(target)
	if err != nil {
		return Decision{}, err
	}
	if err := validateJitter(jitterMin, jitterMax); err != nil {
		return Decision{}, err
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return Decision{}, err
	}

	jitter := rollJitter(jitterMin, jitterMax, rng)
	randomized := todayAt(now, h, m, loc).Add(time.Duration(jitter) * time.Minute)

	d := Decision{
		JitterUsed:       jitter,
		RandomizedTarget: randomized,
	}
	if !lastExecution.IsZero() {
		ly, lm, ld := lastExecution.In(loc).Date()
		ny, nm, nd := now.In(loc).Date()
		d.AlreadyFiredToday = ly == ny && lm == nm && ld == nd
	}
	d.Fire = !d.AlreadyFiredToday && !now.Before(randomized)
	return d, nil
}

// InRange reports whether now's minute-of-day in tz falls inside
// [start, end]. When start > end the range wraps past midnight, so
// "23:00".."01:00" matches both late evening and early morning.
func InRange(now time.Time, start, end, tz string) (bool, error) {
	sh, sm, err := ParseHHMM(start)
	if err != nil {
		return false, err
	}
	eh, em, err := ParseHHMM(end)
	if err != nil {
		return false, err
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return false, err
	}

	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	lo := sh*60 + sm
	hi := eh*60 + em

	if lo <= hi {
		return cur >= lo && cur <= hi, nil
	}
	// wrapping range
	return cur >= lo || cur <= hi, nil
}
