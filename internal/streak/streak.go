package streak

import (
	"context"
	"slices"
	"time"

	"github.com/cam3ron2/github-quest/internal/githubapi"
	"go.uber.org/zap"
)

// DateLayout is the ISO date format used as the active-days key.
const DateLayout = "2006-01-02"

const defaultLookback = 365 * 24 * time.Hour

// State is the streak summary of one contribution calendar.
type State struct {
	// Days maps ISO dates to contribution counts, active days only.
	Days       map[string]int
	Current    int
	Longest    int
	LastActive string
	ActiveDays int
}

// Calculate derives streaks from days as of today. The current streak counts
// back from today and is 0 when today itself has no contributions.
func Calculate(days map[string]int, today time.Time) State {
	active := make(map[string]int, len(days))
	dates := make([]time.Time, 0, len(days))
	for raw, count := range days {
		if count <= 0 {
			continue
		}
		date, err := time.Parse(DateLayout, raw)
		if err != nil {
			continue
		}
		key := date.Format(DateLayout)
		if _, seen := active[key]; !seen {
			dates = append(dates, date)
		}
		active[key] += count
	}

	state := State{Days: active, ActiveDays: len(active)}
	if len(dates) == 0 {
		return state
	}

	slices.SortFunc(dates, func(a, b time.Time) int { return a.Compare(b) })
	state.LastActive = dates[len(dates)-1].Format(DateLayout)

	run := 0
	var previous time.Time
	for i, date := range dates {
		if i > 0 && date.Sub(previous) == 24*time.Hour {
			run++
		} else {
			run = 1
		}
		state.Longest = max(state.Longest, run)
		previous = date
	}

	day := truncateToDate(today)
	for {
		if _, ok := active[day.Format(DateLayout)]; !ok {
			break
		}
		state.Current++
		day = day.AddDate(0, 0, -1)
	}
	return state
}

func truncateToDate(ts time.Time) time.Time {
	utc := ts.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// CalendarSource provides a daily contribution calendar.
type CalendarSource interface {
	ContributionCalendar(ctx context.Context, username string, from, to time.Time) ([]githubapi.ContributionDay, error)
}

// Calculator fetches a user's calendar and computes streaks from it.
type Calculator struct {
	source   CalendarSource
	lookback time.Duration
	logger   *zap.Logger

	// Now is injected for testability.
	Now func() time.Time
}

// NewCalculator creates a calculator. A non-positive lookback means 365 days.
func NewCalculator(source CalendarSource, lookback time.Duration, logger *zap.Logger) *Calculator {
	if lookback <= 0 {
		lookback = defaultLookback
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{
		source:   source,
		lookback: lookback,
		logger:   logger,
		Now:      time.Now,
	}
}

// Compute returns the streak state of username. Any failure yields the zero state.
func (c *Calculator) Compute(ctx context.Context, username string) State {
	now := c.Now().UTC()
	calendar, err := c.source.ContributionCalendar(ctx, username, now.Add(-c.lookback), now)
	if err != nil {
		c.logger.Warn("contribution calendar unavailable, using empty streak",
			zap.String("username", username),
			zap.Error(err),
		)
		return State{Days: map[string]int{}}
	}

	days := make(map[string]int, len(calendar))
	for _, day := range calendar {
		days[day.Date] += day.Count
	}
	return Calculate(days, now)
}
