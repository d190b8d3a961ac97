package manager

import "time"

// calendarCycle is a reference CycleArithmetic: a coarse Y/M/D/h/m bucket
// used only for expiry-window arithmetic, not for calendar-accurate
// scheduling. Callers integrating a real task scheduler are expected to
// supply their own CycleArithmetic that reflects that scheduler's actual
// cycle semantics; this exists so the engine has a usable default and so
// tests don't need a fake for the common units.
type calendarCycle struct{}

// DefaultCycleArithmetic returns the reference CycleArithmetic described
// above.
func DefaultCycleArithmetic() CycleArithmetic { return calendarCycle{} }

func (calendarCycle) UnitDuration(cycleUnit string) (time.Duration, bool) {
	switch cycleUnit {
	case "m":
		return time.Minute, true
	case "h":
		return time.Hour, true
	case "D":
		return 24 * time.Hour, true
	case "M":
		return 30 * 24 * time.Hour, true
	case "Y":
		return 365 * 24 * time.Hour, true
	default:
		return 0, false
	}
}
