// Package ledger provides deterministic construction of counter keys for
// (tenant, scope, period, window) tuples, plus the period-window arithmetic
// behind them. Every counter the gateway and the accounting worker touch is
// addressed through this package so that both sides agree on window
// boundaries byte for byte.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Period identifies the recurrence of a budget or counter window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
	PeriodCustom  Period = "custom"
)

var (
	// ErrInvalidPeriod is returned for a period outside the known set.
	ErrInvalidPeriod = errors.New("ledger: invalid period")
	// ErrMissingWindow is returned when a custom period has no explicit window.
	ErrMissingWindow = errors.New("ledger: custom period requires a window")
	// ErrInvalidWindow is returned when a custom window has start >= end.
	ErrInvalidWindow = errors.New("ledger: window start must precede end")
)

// Valid reports whether p is one of the known periods.
func (p Period) Valid() bool {
	switch p {
	case PeriodDaily, PeriodMonthly, PeriodCustom:
		return true
	}
	return false
}

// Window is an explicit (start, end] accounting window for custom periods.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

const dayLayout = "2006-01-02"

// Key returns the stable window identifier for a counter of the given period
// containing at. Day and month boundaries are UTC midnight; an in-flight
// request observing a rollover is accounted against the window of at, with no
// retroactive rebalancing.
func Key(period Period, at time.Time, custom *Window) (string, error) {
	at = at.UTC()
	switch period {
	case PeriodDaily:
		return at.Format(dayLayout), nil
	case PeriodMonthly:
		return at.Format("2006-01"), nil
	case PeriodCustom:
		if custom == nil {
			return "", ErrMissingWindow
		}
		if !custom.Start.Before(custom.End) {
			return "", ErrInvalidWindow
		}
		return custom.Start.UTC().Format(dayLayout) + ".." + custom.End.UTC().Format(dayLayout), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
}

// DayBucket returns the UTC calendar-day bucket containing at. Tag usage
// counters are sharded by day bucket regardless of their budget period.
func DayBucket(at time.Time) string {
	return at.UTC().Format(dayLayout)
}

// WindowEnd returns the instant the window containing at closes.
func WindowEnd(period Period, at time.Time, custom *Window) (time.Time, error) {
	at = at.UTC()
	switch period {
	case PeriodDaily:
		start := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		return start.Add(24 * time.Hour), nil
	case PeriodMonthly:
		start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start.AddDate(0, 1, 0), nil
	case PeriodCustom:
		if custom == nil {
			return time.Time{}, ErrMissingWindow
		}
		return custom.End.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
}

// TTL returns how long a counter for the window containing at should live in
// the cache: the remaining window length plus a one-hour grace so late
// accountant writes still land on a live key.
func TTL(period Period, at time.Time, custom *Window) (time.Duration, error) {
	end, err := WindowEnd(period, at, custom)
	if err != nil {
		return 0, err
	}
	remaining := end.Sub(at.UTC())
	if remaining < 0 {
		remaining = 0
	}
	return remaining + time.Hour, nil
}
