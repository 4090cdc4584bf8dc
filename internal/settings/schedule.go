package settings

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how the restart schedule recurs.
type Mode string

const (
	// ModeHourly restarts every Frequency hours, anchored on LastStart.
	ModeHourly Mode = "hourly"
	// ModeDesignated restarts once a day at StartTime.
	ModeDesignated Mode = "designated"
)

const (
	// TimeOfDayLayout is the format of RestartSchedule.StartTime.
	TimeOfDayLayout = "15:04"
	// LastStartLayout is the format of RestartSchedule.LastStart.
	LastStartLayout = "2006-01-02 15:04:05"

	MinFrequency = 1
	MaxFrequency = 24
)

// RestartSchedule is the persisted "restart_schedule" entry.
// Frequency and LastStart only matter in hourly mode, StartTime only in
// designated mode.
type RestartSchedule struct {
	Enabled   bool   `json:"enabled"`
	Warnings  bool   `json:"warnings"`
	Mode      Mode   `json:"mode,omitempty"`
	Frequency int    `json:"frequency"`
	StartTime string `json:"start_time"`
	LastStart string `json:"last_start,omitempty"`
}

// DefaultRestartSchedule mirrors the document seeded on first run.
func DefaultRestartSchedule() RestartSchedule {
	return RestartSchedule{
		Enabled:   false,
		Warnings:  false,
		Mode:      ModeHourly,
		Frequency: 4,
		StartTime: "00:00",
	}
}

// EffectiveMode returns Mode, treating an empty or unknown value as hourly.
func (s RestartSchedule) EffectiveMode() Mode {
	if Mode(strings.ToLower(string(s.Mode))) == ModeDesignated {
		return ModeDesignated
	}
	return ModeHourly
}

// FrequencyHours returns Frequency clamped to [MinFrequency, MaxFrequency].
func (s RestartSchedule) FrequencyHours() int {
	switch {
	case s.Frequency < MinFrequency:
		return MinFrequency
	case s.Frequency > MaxFrequency:
		return MaxFrequency
	default:
		return s.Frequency
	}
}

// Normalized returns a copy that Validate accepts whenever the stored fields
// are still usable: Mode is made explicit, Frequency is clamped, and in hourly
// mode an unparsable StartTime is reset to the default.
func (s RestartSchedule) Normalized() RestartSchedule {
	s.Mode = s.EffectiveMode()
	if s.Mode == ModeHourly {
		s.Frequency = s.FrequencyHours()
		if _, err := time.Parse(TimeOfDayLayout, s.StartTime); err != nil {
			s.StartTime = DefaultRestartSchedule().StartTime
		}
	}
	return s
}

// LastStartAt parses LastStart in loc. ok is false when unset or malformed.
func (s RestartSchedule) LastStartAt(loc *time.Location) (t time.Time, ok bool) {
	if strings.TrimSpace(s.LastStart) == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(LastStartLayout, strings.TrimSpace(s.LastStart), loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// WithLastStart returns a copy with LastStart set to t.
func (s RestartSchedule) WithLastStart(t time.Time) RestartSchedule {
	s.LastStart = t.Format(LastStartLayout)
	return s
}

// Validate rejects schedules that cannot be saved.
func (s RestartSchedule) Validate() error {
	switch Mode(strings.ToLower(string(s.Mode))) {
	case "", ModeHourly, ModeDesignated:
	default:
		return fmt.Errorf("invalid mode %q, must be one of: hourly, designated", s.Mode)
	}
	if s.EffectiveMode() == ModeHourly {
		if s.Frequency < MinFrequency || s.Frequency > MaxFrequency {
			return fmt.Errorf("frequency must be between %d and %d hours, got %d", MinFrequency, MaxFrequency, s.Frequency)
		}
	}
	if s.EffectiveMode() == ModeDesignated || s.StartTime != "" {
		if _, err := time.Parse(TimeOfDayLayout, s.StartTime); err != nil {
			return fmt.Errorf("invalid start_time %q, expected HH:MM", s.StartTime)
		}
	}
	if s.LastStart != "" {
		if _, err := time.Parse(LastStartLayout, s.LastStart); err != nil {
			return fmt.Errorf("invalid last_start %q, expected %s", s.LastStart, LastStartLayout)
		}
	}
	return nil
}
