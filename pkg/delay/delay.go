// Package delay converts (magnitude, unit) durations into absolute instants.
//
// Nothing here reads the clock: callers pass the reference instant explicitly.
package delay

import (
	"fmt"
	"math"
	"time"

	"github.com/aretw0/itinerary/pkg/domain"
)

var multipliers = map[domain.DurationUnit]time.Duration{
	domain.UnitMinutes: time.Minute,
	domain.UnitHours:   time.Hour,
	domain.UnitDays:    24 * time.Hour,
	domain.UnitWeeks:   7 * 24 * time.Hour,
}

// Duration returns magnitude*unit.
// A negative magnitude, an unknown unit or a product beyond the range of
// time.Duration is an error.
func Duration(magnitude int, unit domain.DurationUnit) (time.Duration, error) {
	if magnitude < 0 {
		return 0, fmt.Errorf("delay magnitude must be non-negative, got %d", magnitude)
	}
	m, ok := multipliers[unit]
	if !ok {
		// A zero wait without a unit is common in imported graphs.
		if magnitude == 0 && unit == "" {
			return 0, nil
		}
		return 0, fmt.Errorf("unknown delay unit %q", unit)
	}
	if int64(magnitude) > math.MaxInt64/int64(m) {
		return 0, fmt.Errorf("delay of %d %s is too long", magnitude, unit)
	}
	return time.Duration(magnitude) * m, nil
}

// ComputeNextExecution returns ref advanced by magnitude units.
// A magnitude of 0 yields ref itself: eligible at the next tick.
func ComputeNextExecution(ref time.Time, magnitude int, unit domain.DurationUnit) (time.Time, error) {
	d, err := Duration(magnitude, unit)
	if err != nil {
		return time.Time{}, err
	}
	return ref.Add(d), nil
}

// ValidUnit reports whether unit is one of the supported duration units.
func ValidUnit(unit domain.DurationUnit) bool {
	_, ok := multipliers[unit]
	return ok
}

// Max returns the later of a and b.
func Max(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
