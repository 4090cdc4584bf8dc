package watchdog

import (
	"fmt"
	"math"
	"time"

	"github.com/loykin/rtmsm/internal/settings"
)

// WarningMinutes are the countdown marks that produce a warning.
var WarningMinutes = []int{90, 60, 30, 10, 5}

// NextRestart computes the next restart instant strictly after now.
//
// Hourly: anchored on LastStart and advanced by Frequency hours until it is
// in the future; without LastStart, or with one too old to step from, it is
// now + Frequency.
// Designated: today's StartTime, or tomorrow's if that has passed. An
// unparsable StartTime yields now + 24h and an error describing it.
func NextRestart(rs settings.RestartSchedule, now time.Time) (time.Time, error) {
	if rs.EffectiveMode() == settings.ModeDesignated {
		tod, err := time.Parse(settings.TimeOfDayLayout, rs.StartTime)
		if err != nil {
			return now.Add(24 * time.Hour), fmt.Errorf("invalid start_time %q: %w", rs.StartTime, err)
		}
		next := atTimeOfDay(now, tod)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	}

	freq := time.Duration(rs.FrequencyHours()) * time.Hour
	anchor, ok := rs.LastStartAt(now.Location())
	if !ok {
		return now.Add(freq), nil
	}
	if anchor.After(now) {
		return anchor, nil
	}
	elapsed := now.Sub(anchor)
	if elapsed > math.MaxInt64-freq {
		// too stale to step from without overflowing; start a new cadence
		return now.Add(freq), nil
	}
	steps := elapsed/freq + 1
	return anchor.Add(steps * freq), nil
}

// MinutesLeft is floor((next - now) / 1m).
func MinutesLeft(next, now time.Time) int {
	return int(math.Floor(next.Sub(now).Minutes()))
}

func isWarningMark(minutes int) bool {
	for _, m := range WarningMinutes {
		if m == minutes {
			return true
		}
	}
	return false
}

func atTimeOfDay(day, tod time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), tod.Hour(), tod.Minute(), 0, 0, day.Location())
}
