package aggregate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/github-quest/internal/collector"
	"github.com/cam3ron2/github-quest/internal/githubapi"
	"github.com/cam3ron2/github-quest/internal/progress"
	"github.com/cam3ron2/github-quest/internal/scheduler"
)

var now = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

// fakeClient serves a fixed set of user repositories, each with the same
// number of commits.
type fakeClient struct {
	repos          []githubapi.Repository
	commitsPerRepo int
	calendar       []githubapi.ContributionDay
	listCommits    func(ctx context.Context, owner, name string) ([]githubapi.Commit, error)
}

func (f *fakeClient) ListAuthenticatedRepos(context.Context, int) ([]githubapi.Repository, error) {
	return nil, nil
}

func (f *fakeClient) ListUserRepos(context.Context, string, int) ([]githubapi.Repository, error) {
	return f.repos, nil
}

func (f *fakeClient) ListOrgRepos(context.Context, string, int) ([]githubapi.Repository, error) {
	return nil, nil
}

func (f *fakeClient) SearchRepos(context.Context, string, int) ([]githubapi.Repository, error) {
	return f.repos, nil
}

func (f *fakeClient) SearchIssueRepos(context.Context, string, int) ([]string, error) {
	return nil, nil
}

func (f *fakeClient) SearchCommitRepos(context.Context, string, int) ([]githubapi.Repository, error) {
	return nil, nil
}

func (f *fakeClient) GetRepo(_ context.Context, owner, name string) (githubapi.Repository, error) {
	return githubapi.Repository{}, fmt.Errorf("%s/%s not found", owner, name)
}

func (f *fakeClient) ContributedRepos(context.Context, string, time.Time, time.Time) ([]githubapi.ContributedRepository, error) {
	return nil, nil
}

func (f *fakeClient) ListAuthenticatedOrgs(context.Context) ([]string, error) { return nil, nil }

func (f *fakeClient) ListUserOrgs(context.Context, string) ([]string, error) { return nil, nil }

func (f *fakeClient) ListOrgMemberships(context.Context) ([]string, error) { return nil, nil }

func (f *fakeClient) IsOrgMember(context.Context, string, string) (bool, error) { return false, nil }

func (f *fakeClient) ListCommits(ctx context.Context, owner, name, _ string, _, _ time.Time, _ int) ([]githubapi.Commit, error) {
	if f.listCommits != nil {
		return f.listCommits(ctx, owner, name)
	}
	commits := make([]githubapi.Commit, f.commitsPerRepo)
	for i := range commits {
		commits[i] = githubapi.Commit{SHA: fmt.Sprintf("%s-%d", name, i), AuthoredAt: now.Add(-time.Duration(i) * time.Hour)}
	}
	return commits, nil
}

func (f *fakeClient) GetCommitStats(context.Context, string, string, string) (githubapi.CommitStats, error) {
	return githubapi.CommitStats{Additions: 3, Deletions: 1}, nil
}

func (f *fakeClient) ListPullRequests(context.Context, string, string, int) ([]githubapi.PullRequest, error) {
	return nil, nil
}

func (f *fakeClient) ListReviews(context.Context, string, string, int) ([]githubapi.Review, error) {
	return nil, nil
}

func (f *fakeClient) ContributionCalendar(context.Context, string, time.Time, time.Time) ([]githubapi.ContributionDay, error) {
	return f.calendar, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (s *recordingSink) Report(_ context.Context, event progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) Active(context.Context) bool { return true }

func (s *recordingSink) stages() []progress.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stages []progress.Stage
	for _, event := range s.events {
		if len(stages) == 0 || stages[len(stages)-1] != event.Stage {
			stages = append(stages, event.Stage)
		}
	}
	return stages
}

type saverFunc func(ctx context.Context, username string, stats Stats) error

func (f saverFunc) Save(ctx context.Context, username string, stats Stats) error {
	return f(ctx, username, stats)
}

type finalizerFunc func(ctx context.Context, username string, stats Stats) error

func (f finalizerFunc) Finalize(ctx context.Context, username string, stats Stats) error {
	return f(ctx, username, stats)
}

func userRepos(owner string, n int) []githubapi.Repository {
	repos := make([]githubapi.Repository, n)
	for i := range repos {
		repo, _ := githubapi.RepositoryFromFullName(fmt.Sprintf("%s/repo-%d", owner, i))
		repo.PushedAt = now.Add(-time.Duration(i) * time.Hour)
		repos[i] = repo
	}
	return repos
}

func newTestOrchestrator(cfg Config, deps Dependencies) *Orchestrator {
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.New(scheduler.Config{Concurrency: 2, BatchSize: 20}, nil)
	}
	o := New(cfg, deps, nil)
	o.Now = func() time.Time { return now }
	return o
}

func TestRunAggregatesUserActivity(t *testing.T) {
	t.Parallel()

	var saved Stats
	var finalized bool
	sink := &recordingSink{}
	o := newTestOrchestrator(Config{}, Dependencies{
		Saver: saverFunc(func(_ context.Context, username string, stats Stats) error {
			if username != "alice" {
				t.Errorf("Save() username = %q", username)
			}
			saved = stats
			return nil
		}),
		Finalizer: finalizerFunc(func(context.Context, string, Stats) error {
			finalized = true
			return nil
		}),
	})

	outcome := o.Run(context.Background(), Request{
		Username: "alice",
		Range:    RangeWeek,
		Client:   &fakeClient{repos: userRepos("alice", 3), commitsPerRepo: 10},
		Sink:     sink,
	})
	if outcome.Status != StatusSucceeded || outcome.Err != nil {
		t.Fatalf("Run() = %s, %v; want succeeded", outcome.Status, outcome.Err)
	}
	if outcome.ZeroFallback() {
		t.Fatalf("ZeroFallback() = true for a successful run")
	}

	got := outcome.Stats
	if got.TotalCommits != 30 || got.TotalPRs != 0 || got.TotalStars != 0 || got.TotalRepos != 3 || got.Contributions != 30 {
		t.Fatalf("Stats = %+v, want commits=30 prs=0 stars=0 repos=3 contributions=30", got)
	}
	if got.ReposImpacted != 3 || got.EstimatedLinesChanged != 120 || !got.LinesEstimated {
		t.Fatalf("Stats = %+v, want 3 impacted repos and 120 estimated lines", got)
	}
	if got.TimeRange != RangeWeek {
		t.Fatalf("TimeRange = %q, want week", got.TimeRange)
	}
	if saved != got || !finalized {
		t.Fatalf("saved = %+v finalized = %t, want saved stats and finalizer run", saved, finalized)
	}

	want := progress.Stages()
	if stages := sink.stages(); !slices.Equal(stages, want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
}

func TestRunTimesOutWhenCollectionHangs(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	sink := &recordingSink{}
	o := newTestOrchestrator(Config{Timeout: 50 * time.Millisecond}, Dependencies{})
	client := &fakeClient{
		repos: userRepos("alice", 2),
		listCommits: func(context.Context, string, string) ([]githubapi.Commit, error) {
			<-release
			return nil, nil
		},
	}

	started := time.Now()
	outcome := o.Run(context.Background(), Request{Username: "alice", Client: client, Sink: sink})
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("Run() took %s, want to return near the timeout", elapsed)
	}
	if outcome.Status != StatusTimedOut || !errors.Is(outcome.Err, ErrTimedOut) {
		t.Fatalf("Run() = %s, %v; want timed out", outcome.Status, outcome.Err)
	}
	if outcome.Stats != ZeroStats(RangeAll) || !outcome.ZeroFallback() {
		t.Fatalf("Stats = %+v, want zero stats", outcome.Stats)
	}
	stages := sink.stages()
	if stages[len(stages)-1] != progress.StageTimedOut {
		t.Fatalf("last stage = %s, want %s", stages[len(stages)-1], progress.StageTimedOut)
	}

	stats, err := o.Aggregate(context.Background(), Request{Username: "alice", Client: client})
	if !errors.Is(err, ErrTimedOut) || stats != ZeroStats(RangeAll) {
		t.Fatalf("Aggregate() = %+v, %v; want zero stats and ErrTimedOut", stats, err)
	}
}

func TestAggregateZeroFallbackSwallowsFailure(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(Config{ZeroFallback: true}, Dependencies{
		Saver: saverFunc(func(context.Context, string, Stats) error { return errors.New("db down") }),
	})
	stats, err := o.Aggregate(context.Background(), Request{
		Username: "alice",
		Client:   &fakeClient{repos: userRepos("alice", 1), commitsPerRepo: 2},
	})
	if err != nil {
		t.Fatalf("Aggregate() unexpected error: %v", err)
	}
	if stats != ZeroStats(RangeAll) {
		t.Fatalf("Aggregate() = %+v, want zero stats", stats)
	}
}

func TestRunReportsStageFailures(t *testing.T) {
	t.Parallel()

	dbErr := errors.New("db down")
	testCases := []struct {
		name      string
		req       Request
		saver     Saver
		wantStage progress.Stage
	}{
		{
			name:      "missing_username",
			req:       Request{Client: &fakeClient{}},
			wantStage: progress.StageInitializing,
		},
		{
			name:      "missing_client",
			req:       Request{Username: "alice"},
			wantStage: progress.StageInitializing,
		},
		{
			name:      "save_failure",
			req:       Request{Username: "alice", Client: &fakeClient{repos: userRepos("alice", 1), commitsPerRepo: 1}},
			saver:     saverFunc(func(context.Context, string, Stats) error { return dbErr }),
			wantStage: progress.StageSaving,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			outcome := newTestOrchestrator(Config{}, Dependencies{Saver: tc.saver}).Run(context.Background(), tc.req)
			if outcome.Status != StatusFailed {
				t.Fatalf("Run() status = %s, want failed", outcome.Status)
			}
			var stageErr *StageError
			if !errors.As(outcome.Err, &stageErr) || stageErr.Stage != tc.wantStage {
				t.Fatalf("Run() error = %v, want StageError at %s", outcome.Err, tc.wantStage)
			}
			if outcome.Stats != ZeroStats(RangeAll) {
				t.Fatalf("Stats = %+v, want zero stats", outcome.Stats)
			}
		})
	}
}

func TestRunRecoversPanics(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(Config{}, Dependencies{
		Finalizer: finalizerFunc(func(context.Context, string, Stats) error { panic("boom") }),
	})
	outcome := o.Run(context.Background(), Request{Username: "alice", Client: &fakeClient{}})
	var stageErr *StageError
	if outcome.Status != StatusFailed || !errors.As(outcome.Err, &stageErr) || stageErr.Stage != progress.StageFinalizing {
		t.Fatalf("Run() = %s, %v; want failed at finalizing", outcome.Status, outcome.Err)
	}
}

func TestRunIgnoresFinalizerErrors(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(Config{}, Dependencies{
		Finalizer: finalizerFunc(func(context.Context, string, Stats) error { return errors.New("achievements down") }),
	})
	outcome := o.Run(context.Background(), Request{
		Username: "alice",
		Client:   &fakeClient{repos: userRepos("alice", 1), commitsPerRepo: 4},
	})
	if outcome.Status != StatusSucceeded || outcome.Stats.TotalCommits != 4 {
		t.Fatalf("Run() = %s %+v, want success with 4 commits", outcome.Status, outcome.Stats)
	}
}

func TestRunMergesStreak(t *testing.T) {
	t.Parallel()

	client := &fakeClient{calendar: []githubapi.ContributionDay{
		{Date: "2026-10-15", Count: 1},
		{Date: "2026-10-14", Count: 3},
		{Date: "2026-10-10", Count: 1},
	}}
	outcome := newTestOrchestrator(Config{}, Dependencies{}).Run(context.Background(), Request{Username: "alice", Client: client})
	got := outcome.Stats
	if got.CurrentStreak != 2 || got.LongestStreak != 2 || got.ActiveDays != 3 {
		t.Fatalf("streak = %d/%d/%d, want 2/2/3", got.CurrentStreak, got.LongestStreak, got.ActiveDays)
	}
	if !got.LastActivity.Equal(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("LastActivity = %s, want the last active day", got.LastActivity)
	}
}

func TestRollupSumsRepositoryResults(t *testing.T) {
	t.Parallel()

	repos := userRepos("alice", 2)
	repos[0].Stars = 7
	orgRepo, _ := githubapi.RepositoryFromFullName("acme/api")
	orgRepo.OwnerType = githubapi.OwnerTypeOrganization
	orgRepo.Stars = 100
	repos = append(repos, orgRepo)

	results := []collector.RepoMetrics{
		{Commits: 5, PullRequests: 4, OpenPRs: 1, MergedPRs: 2, Reviews: 1, EstimatedLines: 50, LastActivity: now.Add(-time.Hour)},
		{Commits: 0, PullRequests: 0, Reviews: 0},
		{Commits: 2, PullRequests: 3, OpenPRs: 3, MergedPRs: 0, Reviews: 6, EstimatedLines: 8, LastActivity: now},
	}

	got := Rollup("alice", RangeMonth, repos, results)
	sumCommits, sumPRs := 0, 0
	for _, result := range results {
		sumCommits += result.Commits
		sumPRs += result.PullRequests
	}
	if got.TotalCommits != sumCommits || got.TotalPRs != sumPRs {
		t.Fatalf("totals = %d/%d, want %d/%d", got.TotalCommits, got.TotalPRs, sumCommits, sumPRs)
	}
	if got.OpenPRs+got.MergedPRs > got.TotalPRs {
		t.Fatalf("open %d + merged %d > total %d", got.OpenPRs, got.MergedPRs, got.TotalPRs)
	}
	if got.TotalStars != 7 {
		t.Fatalf("TotalStars = %d, want 7 from personally owned repositories", got.TotalStars)
	}
	if got.Contributions != 7+7+7 || got.ReposImpacted != 2 || got.TotalRepos != 3 || got.EstimatedLinesChanged != 58 {
		t.Fatalf("Stats = %+v", got)
	}
	if !got.LastActivity.Equal(now) {
		t.Fatalf("LastActivity = %s, want %s", got.LastActivity, now)
	}
}

func TestParseTimeRangeAndWindow(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		raw       string
		want      TimeRange
		wantSince time.Time
	}{
		{raw: "", want: RangeAll},
		{raw: "ALL", want: RangeAll},
		{raw: "today", want: RangeToday, wantSince: time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)},
		{raw: "week", want: RangeWeek, wantSince: now.AddDate(0, 0, -7)},
		{raw: " month ", want: RangeMonth, wantSince: now.AddDate(0, 0, -30)},
		{raw: "year", want: RangeYear, wantSince: now.AddDate(0, 0, -365)},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run("range_"+tc.raw, func(t *testing.T) {
			t.Parallel()

			got, err := ParseTimeRange(tc.raw)
			if err != nil {
				t.Fatalf("ParseTimeRange() unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("ParseTimeRange(%q) = %q, want %q", tc.raw, got, tc.want)
			}
			window := got.Window(now)
			if !window.Since.Equal(tc.wantSince) {
				t.Fatalf("Window().Since = %s, want %s", window.Since, tc.wantSince)
			}
			if got == RangeAll && !window.Until.IsZero() {
				t.Fatalf("all-time window has an upper bound")
			}
		})
	}

	if _, err := ParseTimeRange("decade"); err == nil {
		t.Fatalf("ParseTimeRange(decade) expected error")
	}
}
