package exporter

import (
	"context"
	"maps"
	"strconv"

	"github.com/cam3ron2/github-quest/internal/store"
)

// Point is one exported gauge sample.
type Point struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// SnapshotReader reads the current gauge samples.
type SnapshotReader interface {
	Snapshot(ctx context.Context) ([]Point, error)
}

// RecordSource lists stored stats records.
type RecordSource interface {
	Leaderboard(ctx context.Context, limit int) ([]store.Record, error)
}

// StoreSnapshotReader exports the top stored users as gauges.
type StoreSnapshotReader struct {
	source RecordSource
	limit  int
}

// NewStoreSnapshotReader exports up to limit users from source.
func NewStoreSnapshotReader(source RecordSource, limit int) *StoreSnapshotReader {
	return &StoreSnapshotReader{source: source, limit: limit}
}

// Snapshot implements SnapshotReader.
func (r *StoreSnapshotReader) Snapshot(ctx context.Context) ([]Point, error) {
	records, err := r.source.Leaderboard(ctx, r.limit)
	if err != nil {
		return nil, err
	}
	return PointsFromRecords(records), nil
}

// PointsFromRecords converts stats records into per-user gauges.
func PointsFromRecords(records []store.Record) []Point {
	points := make([]Point, 0, len(records)*10)
	for _, record := range records {
		user := map[string]string{"user": record.Username}
		rangeLabels := map[string]string{"user": record.Username, "range": string(record.Stats.TimeRange)}
		stats := record.Stats

		points = append(points,
			Point{Name: "gq_user_points", Labels: user, Value: float64(record.Points)},
			Point{Name: "gq_user_level", Labels: user, Value: float64(record.Level)},
			Point{Name: "gq_user_achievements", Labels: user, Value: float64(len(record.Achievements))},
			Point{Name: "gq_user_current_streak_days", Labels: user, Value: float64(stats.CurrentStreak)},
			Point{Name: "gq_user_longest_streak_days", Labels: user, Value: float64(stats.LongestStreak)},
			Point{Name: "gq_user_commits", Labels: rangeLabels, Value: float64(stats.TotalCommits)},
			Point{Name: "gq_user_pull_requests", Labels: rangeLabels, Value: float64(stats.TotalPRs)},
			Point{Name: "gq_user_reviews", Labels: rangeLabels, Value: float64(stats.TotalReviews)},
			Point{Name: "gq_user_estimated_lines_changed", Labels: rangeLabels, Value: float64(stats.EstimatedLinesChanged)},
			Point{Name: "gq_user_repos_impacted", Labels: rangeLabels, Value: float64(stats.ReposImpacted)},
			Point{Name: "gq_user_updated_timestamp_seconds", Labels: user, Value: float64(record.UpdatedAt.Unix())},
		)
	}
	return points
}

func clonePoint(point Point) Point {
	point.Labels = maps.Clone(point.Labels)
	return point
}

func seriesKey(point Point) string {
	key := point.Name
	for _, name := range sortedKeys(point.Labels) {
		key += "|" + name + "=" + strconv.Quote(point.Labels[name])
	}
	return key
}
