package availability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSlotUnavailable  = errors.New("requested time is outside provider availability")
	ErrSlotBooked       = errors.New("provider already has an appointment in this time range")
	ErrProviderNotFound = errors.New("provider not found")
	ErrInvalidInterval  = errors.New("invalid interval")
)

// Provider maps a local provider to the ids the external system expects.
type Provider struct {
	ID                 string
	ExternalProviderID string
	ExternalServiceID  string
	Timezone           string
}

// Location resolves the provider's timezone, defaulting to UTC.
func (p *Provider) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("provider %s timezone: %w", p.ID, err)
	}
	return loc, nil
}

// TimeOfDay is seconds since local midnight. EndOfDay (24:00) is valid as an
// exclusive upper bound.
type TimeOfDay int

const EndOfDay TimeOfDay = 24 * 60 * 60

func Clock(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*3600 + minute*60)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/3600, (int(t)%3600)/60)
}

// Window is a half-open [Start, End) span within one local day.
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

type Rule struct {
	DayOfWeek time.Weekday
	Start     TimeOfDay
	End       TimeOfDay
	Recurring bool
}

type ExceptionKind string

const (
	ExceptionBlock  ExceptionKind = "block"
	ExceptionAdd    ExceptionKind = "add"
	ExceptionModify ExceptionKind = "modify"
)

// Exception overrides the weekly rules on one date. Nil bounds cover the
// whole day.
type Exception struct {
	Date  time.Time
	Kind  ExceptionKind
	Start *TimeOfDay
	End   *TimeOfDay
}

func (e Exception) window() Window {
	if e.Start == nil || e.End == nil {
		return Window{Start: 0, End: EndOfDay}
	}
	return Window{Start: *e.Start, End: *e.End}
}

// Interval is a half-open [Start, End) instant range.
type Interval struct {
	Start time.Time
	End   time.Time
}

func (iv Interval) Validate() error {
	if iv.Start.IsZero() || iv.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidInterval)
	}
	if !iv.Start.Before(iv.End) {
		return fmt.Errorf("%w: start must be before end", ErrInvalidInterval)
	}
	return nil
}

func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}
