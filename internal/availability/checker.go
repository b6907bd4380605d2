package availability

import (
	"context"
	"fmt"
	"time"
)

// Store reads provider schedules. Schedules are never written by the core.
type Store interface {
	GetProvider(ctx context.Context, id string) (*Provider, error)
	RulesFor(ctx context.Context, providerID string, weekday time.Weekday) ([]Rule, error)
	ExceptionsOn(ctx context.Context, providerID string, date time.Time) ([]Exception, error)
}

// BookedLookup reports active appointments overlapping an interval.
type BookedLookup interface {
	HasOverlap(ctx context.Context, providerID string, iv Interval) (bool, error)
}

type Checker struct {
	store  Store
	booked BookedLookup
}

func NewChecker(store Store, booked BookedLookup) *Checker {
	return &Checker{store: store, booked: booked}
}

// Check returns nil when iv is inside the provider's availability and free.
// The insert transaction repeats the overlap check; this one only gives
// callers an early, cheap answer.
func (c *Checker) Check(ctx context.Context, providerID string, iv Interval) error {
	if err := iv.Validate(); err != nil {
		return err
	}

	provider, err := c.store.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}

	ok, err := c.withinAvailability(ctx, provider, iv)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSlotUnavailable
	}

	overlap, err := c.booked.HasOverlap(ctx, providerID, iv)
	if err != nil {
		return fmt.Errorf("check overlap: %w", err)
	}
	if overlap {
		return ErrSlotBooked
	}
	return nil
}

// Windows returns the effective windows for the provider on a local date.
func (c *Checker) Windows(ctx context.Context, provider *Provider, date time.Time) ([]Window, error) {
	rules, err := c.store.RulesFor(ctx, provider.ID, date.Weekday())
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	exceptions, err := c.store.ExceptionsOn(ctx, provider.ID, date)
	if err != nil {
		return nil, fmt.Errorf("load exceptions: %w", err)
	}
	return EffectiveWindows(date.Weekday(), rules, exceptions), nil
}

func (c *Checker) withinAvailability(ctx context.Context, provider *Provider, iv Interval) (bool, error) {
	loc, err := provider.Location()
	if err != nil {
		return false, err
	}

	start := iv.Start.In(loc)
	end := iv.End.In(loc)
	day := localDate(start)

	endTOD := timeOfDay(end)
	switch endDay := localDate(end); {
	case endDay.Equal(day):
	case endTOD == 0 && endDay.Equal(day.AddDate(0, 0, 1)):
		endTOD = EndOfDay
	default:
		// Windows never span midnight.
		return false, nil
	}

	windows, err := c.Windows(ctx, provider, day)
	if err != nil {
		return false, err
	}
	return Contains(windows, timeOfDay(start), endTOD), nil
}

// localDate is the calendar date of t in its own location, as UTC midnight.
func localDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func timeOfDay(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(h*3600 + m*60 + s)
}
