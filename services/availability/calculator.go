// Package availability decides whether an instant falls inside a policy's
// weekly availability schedule and when the next window opens.
package availability

import (
	"fmt"
	"sort"
	"time"

	"github.com/upb/screentime-engine/models"
	"github.com/upb/screentime-engine/services"
	"github.com/upb/screentime-engine/utils"
)

// scanDays is how far ahead the next window is searched, wrapping the week
const scanDays = 7

type window struct {
	source models.AvailabilityWindow
	start  int // Minutes after local midnight
	end    int
}

// CheckAvailability evaluates schedule at now. Blackout dates close the whole
// local day ahead of the weekly windows. Windows match on [start, end) and
// never span midnight. A schedule with an unknown timezone is read in UTC.
func CheckAvailability(schedule models.Schedule, now time.Time) models.Availability {
	loc := schedule.Location()
	local := now.In(loc)
	blackouts := blackoutSet(schedule.BlackoutDates)
	byDay := windowsByDay(schedule.Windows)

	var result models.Availability

	if blackouts[local.Format(models.DateLayout)] {
		result.Blackout = true
	} else {
		current := local.Hour()*60 + local.Minute()
		for _, w := range byDay[local.Weekday()] {
			if current >= w.start && current < w.end {
				matched := w.source
				result.IsWithin = true
				result.CurrentWindow = &matched
				return result
			}
		}
		for _, w := range byDay[local.Weekday()] {
			if w.start > current {
				next := atMinute(local, w.start, loc)
				result.NextStart = &next
				return result
			}
		}
	}

	for offset := 1; offset <= scanDays; offset++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+offset, 0, 0, 0, 0, loc)
		if blackouts[day.Format(models.DateLayout)] {
			continue
		}
		if ws := byDay[day.Weekday()]; len(ws) > 0 {
			next := atMinute(day, ws[0].start, loc)
			result.NextStart = &next
			return result
		}
	}

	return result
}

// Validate rejects malformed clock times, empty or inverted windows,
// unknown timezones and bad blackout dates
func Validate(schedule models.Schedule) error {
	if err := utils.ValidateStruct(schedule); err != nil {
		return services.NewDomainError(services.ErrorTypeValidation, "invalid availability schedule", err).
			WithDetail("fields", utils.GetValidationFields(err))
	}

	if schedule.Timezone != "" {
		if _, err := time.LoadLocation(schedule.Timezone); err != nil {
			return services.NewDomainError(services.ErrorTypeValidation, "invalid availability schedule", err).
				WithDetail("timezone", schedule.Timezone)
		}
	}

	for i, w := range schedule.Windows {
		start, err := utils.ParseClock(w.StartTime)
		if err != nil {
			return invalidWindow(i, err.Error())
		}
		end, err := utils.ParseClock(w.EndTime)
		if err != nil {
			return invalidWindow(i, err.Error())
		}
		if start >= end {
			return invalidWindow(i, fmt.Sprintf("start %s must be before end %s", w.StartTime, w.EndTime))
		}
	}

	for _, d := range schedule.BlackoutDates {
		if _, err := time.Parse(models.DateLayout, d); err != nil {
			return services.NewDomainError(services.ErrorTypeValidation, "invalid availability schedule", err).
				WithDetail("blackout_date", d)
		}
	}
	return nil
}

func invalidWindow(index int, reason string) error {
	return services.NewDomainError(services.ErrorTypeValidation, "invalid availability schedule", nil).
		WithDetail("window", index).
		WithDetail("reason", reason)
}

// windowsByDay groups enabled, well-formed windows per weekday, earliest first
func windowsByDay(windows []models.AvailabilityWindow) map[time.Weekday][]window {
	byDay := make(map[time.Weekday][]window)
	for _, w := range windows {
		if !w.Enabled {
			continue
		}
		start, err := utils.ParseClock(w.StartTime)
		if err != nil {
			continue
		}
		end, err := utils.ParseClock(w.EndTime)
		if err != nil || start >= end {
			continue
		}
		byDay[w.DayOfWeek] = append(byDay[w.DayOfWeek], window{source: w, start: start, end: end})
	}
	for day := range byDay {
		ws := byDay[day]
		sort.SliceStable(ws, func(i, j int) bool { return ws[i].start < ws[j].start })
	}
	return byDay
}

func blackoutSet(dates []string) map[string]bool {
	set := make(map[string]bool, len(dates))
	for _, d := range dates {
		set[d] = true
	}
	return set
}

func atMinute(day time.Time, minute int, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, loc)
}
