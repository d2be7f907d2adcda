// Package services provides business logic and orchestration services.
//
// This file implements the Strategy Pattern for advancing a recurring series.
// Each frequency (daily, weekly, monthly, quarterly, yearly) has its own
// stepper that moves a calendar date to the next occurrence.

package services

import (
	"fmt"

	"cadenza/internal/core"
)

// Stepper is the strategy interface for advancing a date by one occurrence.
type Stepper interface {
	// Next returns the occurrence that follows d.
	Next(d core.Date) core.Date
}

// DayStepper advances by a fixed number of days.
type DayStepper struct {
	Days int
}

// Next returns d plus the configured number of days.
func (s DayStepper) Next(d core.Date) core.Date {
	return d.AddDays(s.Days)
}

// MonthStepper advances by calendar months, keeping the day of month and
// clamping to the last day when the target month is shorter.
type MonthStepper struct {
	Months int
}

// Next returns d moved by the configured number of months.
func (s MonthStepper) Next(d core.Date) core.Date {
	return d.AddMonthsClamped(s.Months)
}

// steppers maps frequencies to their corresponding strategy.
var steppers = map[core.Frequency]Stepper{
	core.Daily:     DayStepper{Days: 1},
	core.Weekly:    DayStepper{Days: 7},
	core.Monthly:   MonthStepper{Months: 1},
	core.Quarterly: MonthStepper{Months: 3},
	core.Yearly:    MonthStepper{Months: 12},
}

// GetStepper returns the stepper for a frequency.
// One-time, empty and unknown frequencies have no stepper.
func GetStepper(frequency core.Frequency) (Stepper, error) {
	stepper, ok := steppers[frequency]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no next occurrence", core.ErrInvalidFrequency, frequency)
	}
	return stepper, nil
}

// Step maps (date, frequency) to the next calendar date.
func Step(d core.Date, frequency core.Frequency) (core.Date, error) {
	stepper, err := GetStepper(frequency)
	if err != nil {
		return core.Date{}, err
	}
	return stepper.Next(d), nil
}
