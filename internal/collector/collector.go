package collector

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/cam3ron2/github-quest/internal/githubapi"
	"github.com/cam3ron2/github-quest/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	defaultMaxCommitPages = 5
	defaultMaxPRPages     = 2
	defaultReviewSample   = 20
)

// Reasons recorded in RepoMetrics.Missed when a sub-step yields zero because
// of a failure rather than absent activity.
const (
	MissedCommits = "commits"
	MissedLines   = "lines"
	MissedPulls   = "pulls"
	MissedReviews = "reviews"
)

// Source is the remote surface the collector needs.
type Source interface {
	ListCommits(ctx context.Context, owner, name, author string, since, until time.Time, maxPages int) ([]githubapi.Commit, error)
	GetCommitStats(ctx context.Context, owner, name, sha string) (githubapi.CommitStats, error)
	ListPullRequests(ctx context.Context, owner, name string, maxPages int) ([]githubapi.PullRequest, error)
	ListReviews(ctx context.Context, owner, name string, number int) ([]githubapi.Review, error)
}

// Config bounds the cost of collecting one repository.
type Config struct {
	// MaxCommitPages caps the commit listing at MaxCommitPages x 100 commits.
	MaxCommitPages int
	MaxPRPages     int
	// ReviewSample is the number of most recently updated PRs whose reviews are fetched.
	ReviewSample int
	Sampling     SamplingConfig
}

// Window bounds the activity counted. A zero Since means all time; a zero
// Until means up to now.
type Window struct {
	Since time.Time
	Until time.Time
}

// Contains reports whether ts falls inside the window. Zero timestamps never do.
func (w Window) Contains(ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	if !w.Since.IsZero() && ts.Before(w.Since) {
		return false
	}
	if !w.Until.IsZero() && ts.After(w.Until) {
		return false
	}
	return true
}

// RepoMetrics is the activity of one user in one repository.
type RepoMetrics struct {
	Repository githubapi.Repository
	Commits    int
	// EstimatedLines extrapolates sampled commit stats to all commits. It is
	// an approximation, never an exact count.
	EstimatedLines int
	LinesSampled   int
	PullRequests   int
	OpenPRs        int
	MergedPRs      int
	Reviews        int
	LastActivity   time.Time
	// Missed lists sub-steps that failed and were counted as zero.
	Missed []string
}

// Contributions is commits plus pull requests plus reviews.
func (m RepoMetrics) Contributions() int {
	return m.Commits + m.PullRequests + m.Reviews
}

// Collector gathers commit, line, pull request and review metrics for one
// repository at a time.
type Collector struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a collector. Zero config fields take defaults.
func New(cfg Config, logger *zap.Logger) *Collector {
	if cfg.MaxCommitPages <= 0 {
		cfg.MaxCommitPages = defaultMaxCommitPages
	}
	if cfg.MaxPRPages <= 0 {
		cfg.MaxPRPages = defaultMaxPRPages
	}
	if cfg.ReviewSample <= 0 {
		cfg.ReviewSample = defaultReviewSample
	}
	cfg.Sampling = cfg.Sampling.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{cfg: cfg, logger: logger}
}

// Collect gathers the metrics of username in repo. Sub-step failures yield
// zero for that metric. The only error returned is a retryable failure of the
// commit listing, so that a caller with an item-level retry can run it again.
func (c *Collector) Collect(
	ctx context.Context,
	src Source,
	repo githubapi.Repository,
	username string,
	window Window,
) (RepoMetrics, error) {
	ctx, span := telemetry.StartSpan(ctx, "collector.repository",
		attribute.String("github.repo", repo.FullName),
	)
	defer span.End()

	metrics := RepoMetrics{Repository: repo}
	logger := c.logger.With(zap.String("repo", repo.FullName), zap.String("username", username))

	commits, err := src.ListCommits(ctx, repo.Owner, repo.Name, username, window.Since, window.Until, c.cfg.MaxCommitPages)
	switch status := githubapi.StatusOf(err); status {
	case githubapi.EndpointStatusOK:
	case githubapi.EndpointStatusNotFound, githubapi.EndpointStatusConflict:
		commits = nil
	case githubapi.EndpointStatusForbidden:
		logger.Warn("commit listing forbidden", zap.Error(err))
		metrics.Missed = append(metrics.Missed, MissedCommits)
		commits = nil
	default:
		span.SetStatus(codes.Error, string(status))
		span.RecordError(err)
		return RepoMetrics{Repository: repo}, fmt.Errorf("list commits of %s: %w", repo.FullName, err)
	}

	metrics.Commits = len(commits)
	for _, commit := range commits {
		metrics.LastActivity = maxTime(metrics.LastActivity, commit.AuthoredAt)
	}
	c.estimateLines(ctx, src, repo, commits, &metrics, logger)
	c.collectPulls(ctx, src, repo, username, window, &metrics, logger)

	span.SetAttributes(
		attribute.Int("collector.commits", metrics.Commits),
		attribute.Int("collector.pull_requests", metrics.PullRequests),
		attribute.Int("collector.reviews", metrics.Reviews),
	)
	return metrics, nil
}

func (c *Collector) estimateLines(
	ctx context.Context,
	src Source,
	repo githubapi.Repository,
	commits []githubapi.Commit,
	metrics *RepoMetrics,
	logger *zap.Logger,
) {
	sample := SampleCommits(commits, c.cfg.Sampling.Size(len(commits)))
	changes := make([]int, 0, len(sample))
	failed := 0
	for _, commit := range sample {
		stats, err := src.GetCommitStats(ctx, repo.Owner, repo.Name, commit.SHA)
		if err != nil {
			failed++
			logger.Debug("commit stats unavailable", zap.String("sha", commit.SHA), zap.Error(err))
			continue
		}
		changes = append(changes, stats.Changes())
	}

	metrics.LinesSampled = len(changes)
	metrics.EstimatedLines = EstimateLines(changes, metrics.Commits)
	if len(sample) > 0 && len(changes) == 0 {
		logger.Warn("no commit stats sampled, lines estimate is zero", zap.Int("failed", failed))
		metrics.Missed = append(metrics.Missed, MissedLines)
	}
}

func (c *Collector) collectPulls(
	ctx context.Context,
	src Source,
	repo githubapi.Repository,
	username string,
	window Window,
	metrics *RepoMetrics,
	logger *zap.Logger,
) {
	pulls, err := src.ListPullRequests(ctx, repo.Owner, repo.Name, c.cfg.MaxPRPages)
	if err != nil {
		switch githubapi.StatusOf(err) {
		case githubapi.EndpointStatusNotFound, githubapi.EndpointStatusConflict:
		default:
			logger.Warn("pull request listing failed", zap.Error(err))
			metrics.Missed = append(metrics.Missed, MissedPulls, MissedReviews)
		}
		return
	}

	for _, pr := range pulls {
		if !sameLogin(pr.Author, username) || !window.Contains(pr.CreatedAt) {
			continue
		}
		metrics.PullRequests++
		switch {
		case pr.Merged():
			metrics.MergedPRs++
		case strings.EqualFold(pr.State, "open"):
			metrics.OpenPRs++
		}
		metrics.LastActivity = maxTime(metrics.LastActivity, pr.CreatedAt)
	}

	recent := slices.Clone(pulls)
	slices.SortStableFunc(recent, func(a, b githubapi.PullRequest) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	recent = recent[:min(len(recent), c.cfg.ReviewSample)]

	failed := 0
	for _, pr := range recent {
		reviews, reviewErr := src.ListReviews(ctx, repo.Owner, repo.Name, pr.Number)
		if reviewErr != nil {
			failed++
			logger.Debug("review listing failed", zap.Int("pull", pr.Number), zap.Error(reviewErr))
			continue
		}
		for _, review := range reviews {
			if !sameLogin(review.Reviewer, username) || !window.Contains(review.SubmittedAt) {
				continue
			}
			metrics.Reviews++
			metrics.LastActivity = maxTime(metrics.LastActivity, review.SubmittedAt)
		}
	}
	if failed > 0 && failed == len(recent) {
		metrics.Missed = append(metrics.Missed, MissedReviews)
	}
}

// EstimateLines extrapolates the mean of sampled changes to total commits,
// rounded to the nearest line. It returns 0 without samples.
func EstimateLines(sampledChanges []int, totalCommits int) int {
	if len(sampledChanges) == 0 || totalCommits <= 0 {
		return 0
	}
	sum := 0
	for _, changes := range sampledChanges {
		sum += max(changes, 0)
	}
	mean := float64(sum) / float64(len(sampledChanges))
	return int(math.Round(mean * float64(totalCommits)))
}

func sameLogin(left, right string) bool {
	return strings.EqualFold(strings.TrimSpace(left), strings.TrimSpace(right))
}

func maxTime(left, right time.Time) time.Time {
	if left.After(right) {
		return left
	}
	return right
}
