// Package gamify turns aggregated stats into points, levels and achievements
// and persists them with the stats record.
package gamify

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/cam3ron2/github-quest/internal/aggregate"
	"github.com/cam3ron2/github-quest/internal/store"
	"go.uber.org/zap"
)

const (
	pointsPerCommit    = 10
	pointsPerPR        = 25
	pointsPerMergedPR  = 15
	pointsPerReview    = 15
	pointsPerStar      = 5
	pointsPerStreakDay = 20
)

// Points scores stats.
func Points(stats aggregate.Stats) int {
	return stats.TotalCommits*pointsPerCommit +
		stats.TotalPRs*pointsPerPR +
		stats.MergedPRs*pointsPerMergedPR +
		stats.TotalReviews*pointsPerReview +
		stats.TotalStars*pointsPerStar +
		stats.LongestStreak*pointsPerStreakDay
}

// Level maps points to a level, starting at 1.
func Level(points int) int {
	if points <= 0 {
		return 1
	}
	return 1 + int(math.Floor(math.Sqrt(float64(points)/100)))
}

// Achievement is a named threshold on stats.
type Achievement struct {
	ID    string
	Title string
	Met   func(stats aggregate.Stats, level int) bool
}

// Achievements is the fixed rule list, in award order.
var Achievements = []Achievement{
	{ID: "first-commit", Title: "First Commit", Met: func(s aggregate.Stats, _ int) bool { return s.TotalCommits >= 1 }},
	{ID: "centurion", Title: "100 Commits", Met: func(s aggregate.Stats, _ int) bool { return s.TotalCommits >= 100 }},
	{ID: "first-pr", Title: "First Pull Request", Met: func(s aggregate.Stats, _ int) bool { return s.TotalPRs >= 1 }},
	{ID: "merge-master", Title: "10 Merged Pull Requests", Met: func(s aggregate.Stats, _ int) bool { return s.MergedPRs >= 10 }},
	{ID: "reviewer", Title: "10 Reviews", Met: func(s aggregate.Stats, _ int) bool { return s.TotalReviews >= 10 }},
	{ID: "streak-7", Title: "Week Streak", Met: func(s aggregate.Stats, _ int) bool { return s.LongestStreak >= 7 }},
	{ID: "streak-30", Title: "Month Streak", Met: func(s aggregate.Stats, _ int) bool { return s.LongestStreak >= 30 }},
	{ID: "explorer", Title: "Active in 10 Repositories", Met: func(s aggregate.Stats, _ int) bool { return s.ReposImpacted >= 10 }},
	{ID: "stargazer", Title: "100 Stars", Met: func(s aggregate.Stats, _ int) bool { return s.TotalStars >= 100 }},
	{ID: "level-5", Title: "Level 5", Met: func(_ aggregate.Stats, level int) bool { return level >= 5 }},
}

// Evaluate returns held plus every achievement stats now meet. Held
// achievements are never revoked.
func Evaluate(stats aggregate.Stats, level int, held []string) []string {
	out := slices.Clone(held)
	for _, achievement := range Achievements {
		if slices.Contains(out, achievement.ID) {
			continue
		}
		if achievement.Met(stats, level) {
			out = append(out, achievement.ID)
		}
	}
	return out
}

// Engine saves stats records and awards achievements. It satisfies
// aggregate.Saver and aggregate.Finalizer.
type Engine struct {
	store  store.StatsStore
	logger *zap.Logger

	// Now is injected for testability.
	Now func() time.Time
}

// New creates an engine over statsStore.
func New(statsStore store.StatsStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: statsStore, logger: logger, Now: time.Now}
}

// Save stores stats with their points and level. The level never drops
// below the stored one.
func (e *Engine) Save(ctx context.Context, username string, stats aggregate.Stats) error {
	prior, found, err := e.store.GetStats(ctx, username)
	if err != nil {
		return fmt.Errorf("read prior stats: %w", err)
	}

	points := Points(stats)
	level := Level(points)
	var held []string
	if found {
		level = max(level, prior.Level)
		held = prior.Achievements
	}

	record := store.Record{
		Username:     username,
		Stats:        stats,
		Points:       points,
		Level:        level,
		Achievements: held,
		UpdatedAt:    e.Now().UTC(),
	}
	if err := e.store.UpsertStats(ctx, record); err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	e.logger.Debug("stats saved",
		zap.String("username", username),
		zap.Int("points", points),
		zap.Int("level", level),
	)
	return nil
}

// Finalize awards achievements earned by the saved stats.
func (e *Engine) Finalize(ctx context.Context, username string, _ aggregate.Stats) error {
	record, found, err := e.store.GetStats(ctx, username)
	if err != nil {
		return fmt.Errorf("read saved stats: %w", err)
	}
	if !found {
		return fmt.Errorf("no saved stats for %s", username)
	}

	awarded := Evaluate(record.Stats, record.Level, record.Achievements)
	if len(awarded) == len(record.Achievements) {
		return nil
	}
	newly := awarded[len(record.Achievements):]
	record.Achievements = awarded
	record.UpdatedAt = e.Now().UTC()
	if err := e.store.UpsertStats(ctx, record); err != nil {
		return fmt.Errorf("save achievements: %w", err)
	}
	e.logger.Info("achievements awarded",
		zap.String("username", username),
		zap.Strings("achievements", newly),
	)
	return nil
}
