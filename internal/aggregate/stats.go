package aggregate

import (
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/github-quest/internal/collector"
	"github.com/cam3ron2/github-quest/internal/githubapi"
	"github.com/cam3ron2/github-quest/internal/streak"
)

// TimeRange selects the activity window of an aggregation.
type TimeRange string

const (
	RangeToday TimeRange = "today"
	RangeWeek  TimeRange = "week"
	RangeMonth TimeRange = "month"
	RangeYear  TimeRange = "year"
	RangeAll   TimeRange = "all"
)

// ParseTimeRange parses raw. An empty value means RangeAll.
func ParseTimeRange(raw string) (TimeRange, error) {
	switch TimeRange(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RangeAll:
		return RangeAll, nil
	case RangeToday:
		return RangeToday, nil
	case RangeWeek:
		return RangeWeek, nil
	case RangeMonth:
		return RangeMonth, nil
	case RangeYear:
		return RangeYear, nil
	default:
		return "", fmt.Errorf("unknown time range %q", raw)
	}
}

// Window returns the collection window of r ending at now.
func (r TimeRange) Window(now time.Time) collector.Window {
	now = now.UTC()
	switch r {
	case RangeToday:
		return collector.Window{Since: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), Until: now}
	case RangeWeek:
		return collector.Window{Since: now.AddDate(0, 0, -7), Until: now}
	case RangeMonth:
		return collector.Window{Since: now.AddDate(0, 0, -30), Until: now}
	case RangeYear:
		return collector.Window{Since: now.AddDate(0, 0, -365), Until: now}
	default:
		return collector.Window{}
	}
}

// Stats is the aggregated activity of one user.
type Stats struct {
	TotalCommits int `json:"total_commits"`
	TotalPRs     int `json:"total_prs"`
	OpenPRs      int `json:"open_prs"`
	MergedPRs    int `json:"merged_prs"`
	TotalReviews int `json:"total_reviews"`
	TotalStars   int `json:"total_stars"`
	TotalRepos   int `json:"total_repos"`
	// EstimatedLinesChanged is extrapolated from sampled commits.
	EstimatedLinesChanged int       `json:"estimated_lines_changed"`
	LinesEstimated        bool      `json:"lines_estimated"`
	CurrentStreak         int       `json:"current_streak"`
	LongestStreak         int       `json:"longest_streak"`
	ActiveDays            int       `json:"active_days"`
	Contributions         int       `json:"contributions"`
	ReposImpacted         int       `json:"repos_impacted"`
	LastActivity          time.Time `json:"last_activity,omitzero"`
	TimeRange             TimeRange `json:"time_range"`
}

// ZeroStats is the result reported when a run produced nothing usable.
func ZeroStats(r TimeRange) Stats {
	return Stats{LinesEstimated: true, TimeRange: r}
}

// Rollup sums per-repository metrics into Stats. Stars count only
// repositories owned by username.
func Rollup(username string, r TimeRange, repos []githubapi.Repository, results []collector.RepoMetrics) Stats {
	stats := ZeroStats(r)
	stats.TotalRepos = len(repos)

	for _, repo := range repos {
		if repo.OwnerType != githubapi.OwnerTypeOrganization && strings.EqualFold(repo.Owner, username) {
			stats.TotalStars += max(repo.Stars, 0)
		}
	}

	for _, result := range results {
		stats.TotalCommits += result.Commits
		stats.TotalPRs += result.PullRequests
		stats.OpenPRs += result.OpenPRs
		stats.MergedPRs += result.MergedPRs
		stats.TotalReviews += result.Reviews
		stats.EstimatedLinesChanged += result.EstimatedLines
		if result.Contributions() > 0 {
			stats.ReposImpacted++
		}
		if result.LastActivity.After(stats.LastActivity) {
			stats.LastActivity = result.LastActivity
		}
	}
	stats.Contributions = stats.TotalCommits + stats.TotalPRs + stats.TotalReviews
	return stats
}

// ApplyStreak merges a streak state into stats.
func ApplyStreak(stats Stats, state streak.State) Stats {
	stats.CurrentStreak = state.Current
	stats.LongestStreak = max(state.Longest, state.Current)
	stats.ActiveDays = state.ActiveDays
	if state.LastActive != "" && stats.LastActivity.IsZero() {
		if day, err := time.Parse(streak.DateLayout, state.LastActive); err == nil {
			stats.LastActivity = day
		}
	}
	return stats
}
