package gamify

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/cam3ron2/github-quest/internal/aggregate"
	"github.com/cam3ron2/github-quest/internal/store"
)

func TestPoints(t *testing.T) {
	t.Parallel()

	stats := aggregate.Stats{
		TotalCommits:  30,
		TotalPRs:      4,
		MergedPRs:     3,
		TotalReviews:  2,
		TotalStars:    10,
		LongestStreak: 5,
	}
	want := 30*10 + 4*25 + 3*15 + 2*15 + 10*5 + 5*20
	if got := Points(stats); got != want {
		t.Fatalf("Points() = %d, want %d", got, want)
	}
}

func TestLevel(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		points int
		want   int
	}{
		{points: 0, want: 1},
		{points: 99, want: 1},
		{points: 100, want: 2},
		{points: 399, want: 2},
		{points: 400, want: 3},
		{points: 2500, want: 6},
	}

	for _, tc := range testCases {
		if got := Level(tc.points); got != tc.want {
			t.Fatalf("Level(%d) = %d, want %d", tc.points, got, tc.want)
		}
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	t.Parallel()

	stats := aggregate.Stats{TotalCommits: 120, TotalPRs: 1, LongestStreak: 8}
	first := Evaluate(stats, 2, nil)
	want := []string{"first-commit", "centurion", "first-pr", "streak-7"}
	if !slices.Equal(first, want) {
		t.Fatalf("Evaluate() = %v, want %v", first, want)
	}
	if second := Evaluate(stats, 2, first); !slices.Equal(second, first) {
		t.Fatalf("Evaluate() second pass = %v, want %v", second, first)
	}

	kept := Evaluate(aggregate.Stats{}, 1, first)
	if !slices.Equal(kept, first) {
		t.Fatalf("Evaluate() revoked achievements: %v", kept)
	}
}

func TestEngineSaveCarriesLevelForward(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	statsStore := store.NewMemoryStore()
	engine := New(statsStore, nil)
	engine.Now = func() time.Time { return time.Unix(1739836800, 0) }

	if err := engine.Save(ctx, "alice", aggregate.Stats{TotalCommits: 90}); err != nil {
		t.Fatalf("Save() unexpected error: %v", err)
	}
	record, _, _ := statsStore.GetStats(ctx, "alice")
	if record.Points != 900 || record.Level != 4 {
		t.Fatalf("Save() points/level = %d/%d, want 900/4", record.Points, record.Level)
	}

	if err := engine.Save(ctx, "alice", aggregate.Stats{TotalCommits: 1}); err != nil {
		t.Fatalf("Save() unexpected error: %v", err)
	}
	record, _, _ = statsStore.GetStats(ctx, "alice")
	if record.Points != 10 {
		t.Fatalf("Save() points = %d, want 10", record.Points)
	}
	if record.Level != 4 {
		t.Fatalf("Save() level = %d, want carried-forward 4", record.Level)
	}
}

func TestEngineFinalizeAwardsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	statsStore := store.NewMemoryStore()
	engine := New(statsStore, nil)
	engine.Now = func() time.Time { return time.Unix(1739836800, 0) }

	stats := aggregate.Stats{TotalCommits: 3, TotalPRs: 1}
	if err := engine.Save(ctx, "alice", stats); err != nil {
		t.Fatalf("Save() unexpected error: %v", err)
	}
	for range 2 {
		if err := engine.Finalize(ctx, "alice", stats); err != nil {
			t.Fatalf("Finalize() unexpected error: %v", err)
		}
	}
	record, _, _ := statsStore.GetStats(ctx, "alice")
	want := []string{"first-commit", "first-pr"}
	if !slices.Equal(record.Achievements, want) {
		t.Fatalf("Finalize() achievements = %v, want %v", record.Achievements, want)
	}

	if err := engine.Save(ctx, "alice", aggregate.Stats{}); err != nil {
		t.Fatalf("Save() unexpected error: %v", err)
	}
	record, _, _ = statsStore.GetStats(ctx, "alice")
	if !slices.Equal(record.Achievements, want) {
		t.Fatalf("Save() dropped achievements: %v", record.Achievements)
	}
}

type failingStore struct {
	store.StatsStore
	err error
}

func (s failingStore) GetStats(context.Context, string) (store.Record, bool, error) {
	return store.Record{}, false, s.err
}

func TestEngineSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("database down")
	engine := New(failingStore{err: boom}, nil)

	if err := engine.Save(context.Background(), "alice", aggregate.Stats{}); !errors.Is(err, boom) {
		t.Fatalf("Save() error = %v, want %v", err, boom)
	}
	if err := engine.Finalize(context.Background(), "alice", aggregate.Stats{}); !errors.Is(err, boom) {
		t.Fatalf("Finalize() error = %v, want %v", err, boom)
	}
}
