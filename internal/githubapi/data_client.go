package githubapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
	"github.com/shurcooL/githubv4"
)

const perPage = 100

// OwnerType distinguishes personal repositories from organization ones.
type OwnerType string

const (
	// OwnerTypeUser marks a repository owned by a personal account.
	OwnerTypeUser OwnerType = "user"
	// OwnerTypeOrganization marks a repository owned by an organization.
	OwnerTypeOrganization OwnerType = "organization"
)

// Repository is one GitHub repository reachable by the aggregated user.
type Repository struct {
	Owner     string
	Name      string
	FullName  string
	Private   bool
	OwnerType OwnerType
	Fork      bool
	Stars     int
	PushedAt  time.Time
	UpdatedAt time.Time
}

// Key is the case-insensitive identity of the repository.
func (r Repository) Key() string {
	return strings.ToLower(r.FullName)
}

// ActivityAt is the timestamp used to order repositories by recency.
func (r Repository) ActivityAt() time.Time {
	if !r.PushedAt.IsZero() {
		return r.PushedAt
	}
	return r.UpdatedAt
}

// RepositoryFromFullName synthesizes a minimal record from "owner/name".
func RepositoryFromFullName(fullName string) (Repository, bool) {
	owner, name, ok := SplitFullName(fullName)
	if !ok {
		return Repository{}, false
	}
	return Repository{
		Owner:     owner,
		Name:      name,
		FullName:  owner + "/" + name,
		OwnerType: OwnerTypeUser,
	}, true
}

// SplitFullName splits "owner/name".
func SplitFullName(fullName string) (string, string, bool) {
	owner, name, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}

// Commit is one commit authored by the aggregated user.
type Commit struct {
	SHA        string
	Message    string
	AuthoredAt time.Time
}

// CommitStats is the line delta of one commit.
type CommitStats struct {
	Additions int
	Deletions int
}

// Changes is additions plus deletions.
func (s CommitStats) Changes() int {
	return s.Additions + s.Deletions
}

// PullRequest is one pull request summary.
type PullRequest struct {
	Number    int
	Author    string
	State     string
	CreatedAt time.Time
	UpdatedAt time.Time
	MergedAt  time.Time
}

// Merged reports whether the pull request was merged.
func (p PullRequest) Merged() bool {
	return !p.MergedAt.IsZero()
}

// Review is one pull request review submission.
type Review struct {
	Reviewer    string
	State       string
	SubmittedAt time.Time
}

// ContributedRepository is one repository reference from the contribution graph.
type ContributedRepository struct {
	FullName string
	Private  bool
}

// ContributionDay is one day of the contribution calendar.
type ContributionDay struct {
	Date  string
	Count int
}

// GraphQLQuerier is implemented by githubv4.Client.
type GraphQLQuerier interface {
	Query(ctx context.Context, q any, variables map[string]any) error
}

// DataClient exposes the GitHub capabilities the aggregation needs. Every call,
// including each page of a paginated listing, runs through the Executor.
type DataClient struct {
	rest     *github.Client
	graphql  GraphQLQuerier
	executor *Executor
}

// NewDataClient creates a data client. graphql may be nil when contribution
// queries are not needed.
func NewDataClient(rest *github.Client, graphql GraphQLQuerier, executor *Executor) *DataClient {
	if rest == nil {
		rest = github.NewClient(nil)
	}
	return &DataClient{
		rest:     rest,
		graphql:  graphql,
		executor: executor,
	}
}

// ListAuthenticatedRepos lists repositories visible to the authenticated identity,
// private ones included.
func (c *DataClient) ListAuthenticatedRepos(ctx context.Context, maxPages int) ([]Repository, error) {
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Affiliation: "owner,collaborator,organization_member",
		Sort:        "pushed",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	return paginate(ctx, c.executor, "repos.list_authenticated", maxPages, func(ctx context.Context, page int) ([]Repository, *github.Response, error) {
		opts.Page = page
		repos, resp, err := c.rest.Repositories.ListByAuthenticatedUser(ctx, opts)
		return convertRepositories(repos), resp, err
	})
}

// ListUserRepos lists public repositories owned by username.
func (c *DataClient) ListUserRepos(ctx context.Context, username string, maxPages int) ([]Repository, error) {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return nil, fmt.Errorf("username is required")
	}
	opts := &github.RepositoryListByUserOptions{
		Type:        "all",
		Sort:        "pushed",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	return paginate(ctx, c.executor, "repos.list_user", maxPages, func(ctx context.Context, page int) ([]Repository, *github.Response, error) {
		opts.Page = page
		repos, resp, err := c.rest.Repositories.ListByUser(ctx, trimmed, opts)
		return convertRepositories(repos), resp, err
	})
}

// ListOrgRepos lists repositories of one organization, bounded to maxPages.
func (c *DataClient) ListOrgRepos(ctx context.Context, org string, maxPages int) ([]Repository, error) {
	trimmed := strings.TrimSpace(org)
	if trimmed == "" {
		return nil, fmt.Errorf("organization is required")
	}
	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		Sort:        "pushed",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	return paginate(ctx, c.executor, "repos.list_org", maxPages, func(ctx context.Context, page int) ([]Repository, *github.Response, error) {
		opts.Page = page
		repos, resp, err := c.rest.Repositories.ListByOrg(ctx, trimmed, opts)
		return convertRepositories(repos), resp, err
	})
}

// SearchRepos runs a repository search query.
func (c *DataClient) SearchRepos(ctx context.Context, query string, maxPages int) ([]Repository, error) {
	opts := &github.SearchOptions{
		Sort:        "updated",
		Order:       "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	return paginate(ctx, c.executor, "search.repositories", maxPages, func(ctx context.Context, page int) ([]Repository, *github.Response, error) {
		opts.Page = page
		result, resp, err := c.rest.Search.Repositories(ctx, query, opts)
		if err != nil || result == nil {
			return nil, resp, err
		}
		return convertRepositories(result.Repositories), resp, nil
	})
}

// SearchIssueRepos runs an issue/PR search and returns the full names of the
// repositories the hits belong to.
func (c *DataClient) SearchIssueRepos(ctx context.Context, query string, maxPages int) ([]string, error) {
	opts := &github.SearchOptions{
		Sort:        "updated",
		Order:       "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	return paginate(ctx, c.executor, "search.issues", maxPages, func(ctx context.Context, page int) ([]string, *github.Response, error) {
		opts.Page = page
		result, resp, err := c.rest.Search.Issues(ctx, query, opts)
		if err != nil || result == nil {
			return nil, resp, err
		}
		names := make([]string, 0, len(result.Issues))
		for _, issue := range result.Issues {
			if fullName, ok := fullNameFromRepositoryURL(issue.GetRepositoryURL()); ok {
				names = append(names, fullName)
			}
		}
		return names, resp, nil
	})
}

// SearchCommitRepos runs a commit search and returns the repositories of the hits.
func (c *DataClient) SearchCommitRepos(ctx context.Context, query string, maxPages int) ([]Repository, error) {
	opts := &github.SearchOptions{
		Sort:        "committer-date",
		Order:       "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	return paginate(ctx, c.executor, "search.commits", maxPages, func(ctx context.Context, page int) ([]Repository, *github.Response, error) {
		opts.Page = page
		result, resp, err := c.rest.Search.Commits(ctx, query, opts)
		if err != nil || result == nil {
			return nil, resp, err
		}
		repos := make([]Repository, 0, len(result.Commits))
		for _, commit := range result.Commits {
			if commit.GetRepository() == nil {
				continue
			}
			repos = append(repos, convertRepository(commit.GetRepository()))
		}
		return repos, resp, nil
	})
}

// GetRepo reads one repository.
func (c *DataClient) GetRepo(ctx context.Context, owner, name string) (Repository, error) {
	return Call(ctx, c.executor, "repos.get", func(ctx context.Context) (Repository, error) {
		repo, _, err := c.rest.Repositories.Get(ctx, owner, name)
		if err != nil {
			return Repository{}, err
		}
		return convertRepository(repo), nil
	})
}

// ListCommits lists commits authored by author in the window, bounded to maxPages.
// Zero since/until leave that side of the window open.
func (c *DataClient) ListCommits(ctx context.Context, owner, name, author string, since, until time.Time, maxPages int) ([]Commit, error) {
	opts := &github.CommitsListOptions{
		Author:      author,
		Since:       since,
		Until:       until,
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	return paginate(ctx, c.executor, "repos.list_commits", maxPages, func(ctx context.Context, page int) ([]Commit, *github.Response, error) {
		opts.Page = page
		commits, resp, err := c.rest.Repositories.ListCommits(ctx, owner, name, opts)
		if err != nil {
			return nil, resp, err
		}
		out := make([]Commit, 0, len(commits))
		for _, commit := range commits {
			out = append(out, Commit{
				SHA:        commit.GetSHA(),
				Message:    commit.GetCommit().GetMessage(),
				AuthoredAt: commit.GetCommit().GetAuthor().GetDate().Time,
			})
		}
		return out, resp, nil
	})
}

// GetCommitStats reads the additions and deletions of one commit.
func (c *DataClient) GetCommitStats(ctx context.Context, owner, name, sha string) (CommitStats, error) {
	return Call(ctx, c.executor, "repos.get_commit", func(ctx context.Context) (CommitStats, error) {
		commit, _, err := c.rest.Repositories.GetCommit(ctx, owner, name, sha, nil)
		if err != nil {
			return CommitStats{}, err
		}
		return CommitStats{
			Additions: commit.GetStats().GetAdditions(),
			Deletions: commit.GetStats().GetDeletions(),
		}, nil
	})
}

// ListPullRequests lists pull requests in any state, most recently updated first.
func (c *DataClient) ListPullRequests(ctx context.Context, owner, name string, maxPages int) ([]PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	return paginate(ctx, c.executor, "pulls.list", maxPages, func(ctx context.Context, page int) ([]PullRequest, *github.Response, error) {
		opts.Page = page
		pulls, resp, err := c.rest.PullRequests.List(ctx, owner, name, opts)
		if err != nil {
			return nil, resp, err
		}
		out := make([]PullRequest, 0, len(pulls))
		for _, pull := range pulls {
			out = append(out, PullRequest{
				Number:    pull.GetNumber(),
				Author:    pull.GetUser().GetLogin(),
				State:     pull.GetState(),
				CreatedAt: pull.GetCreatedAt().Time,
				UpdatedAt: pull.GetUpdatedAt().Time,
				MergedAt:  pull.GetMergedAt().Time,
			})
		}
		return out, resp, nil
	})
}

// ListReviews lists the reviews submitted on one pull request.
func (c *DataClient) ListReviews(ctx context.Context, owner, name string, number int) ([]Review, error) {
	opts := &github.ListOptions{PerPage: perPage}
	return paginate(ctx, c.executor, "pulls.list_reviews", 1, func(ctx context.Context, page int) ([]Review, *github.Response, error) {
		opts.Page = page
		reviews, resp, err := c.rest.PullRequests.ListReviews(ctx, owner, name, number, opts)
		if err != nil {
			return nil, resp, err
		}
		out := make([]Review, 0, len(reviews))
		for _, review := range reviews {
			out = append(out, Review{
				Reviewer:    review.GetUser().GetLogin(),
				State:       review.GetState(),
				SubmittedAt: review.GetSubmittedAt().Time,
			})
		}
		return out, resp, nil
	})
}

// ListAuthenticatedOrgs lists organizations of the authenticated identity.
func (c *DataClient) ListAuthenticatedOrgs(ctx context.Context) ([]string, error) {
	return c.listOrgs(ctx, "orgs.list_authenticated", "")
}

// ListUserOrgs lists public organization memberships of username.
func (c *DataClient) ListUserOrgs(ctx context.Context, username string) ([]string, error) {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return nil, fmt.Errorf("username is required")
	}
	return c.listOrgs(ctx, "orgs.list_user", trimmed)
}

func (c *DataClient) listOrgs(ctx context.Context, name, username string) ([]string, error) {
	opts := &github.ListOptions{PerPage: perPage}
	return paginate(ctx, c.executor, name, 0, func(ctx context.Context, page int) ([]string, *github.Response, error) {
		opts.Page = page
		orgs, resp, err := c.rest.Organizations.List(ctx, username, opts)
		if err != nil {
			return nil, resp, err
		}
		logins := make([]string, 0, len(orgs))
		for _, org := range orgs {
			logins = append(logins, org.GetLogin())
		}
		return logins, resp, nil
	})
}

// ListOrgMemberships lists active organization memberships of the authenticated identity.
func (c *DataClient) ListOrgMemberships(ctx context.Context) ([]string, error) {
	opts := &github.ListOrgMembershipsOptions{
		State:       "active",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	return paginate(ctx, c.executor, "orgs.list_memberships", 0, func(ctx context.Context, page int) ([]string, *github.Response, error) {
		opts.Page = page
		memberships, resp, err := c.rest.Organizations.ListOrgMemberships(ctx, opts)
		if err != nil {
			return nil, resp, err
		}
		logins := make([]string, 0, len(memberships))
		for _, membership := range memberships {
			logins = append(logins, membership.GetOrganization().GetLogin())
		}
		return logins, resp, nil
	})
}

// IsOrgMember probes whether username is a member of org.
func (c *DataClient) IsOrgMember(ctx context.Context, org, username string) (bool, error) {
	return Call(ctx, c.executor, "orgs.is_member", func(ctx context.Context) (bool, error) {
		member, _, err := c.rest.Organizations.IsMember(ctx, org, username)
		return member, err
	})
}

type graphRepository struct {
	NameWithOwner string
	IsPrivate     bool
}

type contributionScanQuery struct {
	User struct {
		ContributionsCollection struct {
			CommitContributionsByRepository []struct {
				Repository graphRepository
			} `graphql:"commitContributionsByRepository(maxRepositories: 100)"`
			PullRequestContributionsByRepository []struct {
				Repository graphRepository
			} `graphql:"pullRequestContributionsByRepository(maxRepositories: 100)"`
			IssueContributionsByRepository []struct {
				Repository graphRepository
			} `graphql:"issueContributionsByRepository(maxRepositories: 100)"`
			PullRequestReviewContributionsByRepository []struct {
				Repository graphRepository
			} `graphql:"pullRequestReviewContributionsByRepository(maxRepositories: 100)"`
		} `graphql:"contributionsCollection(from: $from, to: $to)"`
	} `graphql:"user(login: $login)"`
}

type contributionCalendarQuery struct {
	User struct {
		ContributionsCollection struct {
			ContributionCalendar struct {
				Weeks []struct {
					ContributionDays []struct {
						Date              string
						ContributionCount int
					}
				}
			}
		} `graphql:"contributionsCollection(from: $from, to: $to)"`
	} `graphql:"user(login: $login)"`
}

// ContributedRepos returns the repositories username contributed commits, pull
// requests, issues or reviews to between from and to. Duplicates across the
// contribution kinds are removed.
func (c *DataClient) ContributedRepos(ctx context.Context, username string, from, to time.Time) ([]ContributedRepository, error) {
	if c.graphql == nil {
		return nil, fmt.Errorf("graphql client is not configured")
	}
	var query contributionScanQuery
	err := c.executor.Do(ctx, "graphql.contributions_by_repository", func(ctx context.Context) error {
		return c.graphql.Query(ctx, &query, contributionVariables(username, from, to))
	})
	if err != nil {
		return nil, err
	}

	collection := query.User.ContributionsCollection
	seen := make(map[string]struct{})
	var out []ContributedRepository
	add := func(repo graphRepository) {
		key := strings.ToLower(repo.NameWithOwner)
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, ContributedRepository{FullName: repo.NameWithOwner, Private: repo.IsPrivate})
	}
	for _, entry := range collection.CommitContributionsByRepository {
		add(entry.Repository)
	}
	for _, entry := range collection.PullRequestContributionsByRepository {
		add(entry.Repository)
	}
	for _, entry := range collection.IssueContributionsByRepository {
		add(entry.Repository)
	}
	for _, entry := range collection.PullRequestReviewContributionsByRepository {
		add(entry.Repository)
	}
	return out, nil
}

// ContributionCalendar returns the days with non-zero contributions between from and to.
func (c *DataClient) ContributionCalendar(ctx context.Context, username string, from, to time.Time) ([]ContributionDay, error) {
	if c.graphql == nil {
		return nil, fmt.Errorf("graphql client is not configured")
	}
	var query contributionCalendarQuery
	err := c.executor.Do(ctx, "graphql.contribution_calendar", func(ctx context.Context) error {
		return c.graphql.Query(ctx, &query, contributionVariables(username, from, to))
	})
	if err != nil {
		return nil, err
	}

	var days []ContributionDay
	for _, week := range query.User.ContributionsCollection.ContributionCalendar.Weeks {
		for _, day := range week.ContributionDays {
			if day.ContributionCount <= 0 {
				continue
			}
			days = append(days, ContributionDay{Date: day.Date, Count: day.ContributionCount})
		}
	}
	return days, nil
}

func contributionVariables(username string, from, to time.Time) map[string]any {
	return map[string]any{
		"login": githubv4.String(username),
		"from":  githubv4.DateTime{Time: from.UTC()},
		"to":    githubv4.DateTime{Time: to.UTC()},
	}
}

// paginate walks pages until GitHub reports no next page or maxPages is reached.
// maxPages <= 0 means no bound. Items from pages read before a failure are returned
// alongside the error.
func paginate[T any](
	ctx context.Context,
	executor *Executor,
	name string,
	maxPages int,
	fetch func(ctx context.Context, page int) ([]T, *github.Response, error),
) ([]T, error) {
	type pageResult struct {
		items []T
		next  int
	}

	var out []T
	page := 1
	for read := 0; maxPages <= 0 || read < maxPages; read++ {
		result, err := Call(ctx, executor, name, func(ctx context.Context) (pageResult, error) {
			items, resp, err := fetch(ctx, page)
			if err != nil {
				return pageResult{}, err
			}
			next := 0
			if resp != nil {
				next = resp.NextPage
			}
			return pageResult{items: items, next: next}, nil
		})
		if err != nil {
			return out, fmt.Errorf("%s page %d: %w", name, page, err)
		}
		out = append(out, result.items...)
		if result.next == 0 || len(result.items) == 0 {
			break
		}
		page = result.next
	}
	return out, nil
}

func convertRepositories(repos []*github.Repository) []Repository {
	out := make([]Repository, 0, len(repos))
	for _, repo := range repos {
		if repo == nil || repo.GetFullName() == "" {
			continue
		}
		out = append(out, convertRepository(repo))
	}
	return out
}

func convertRepository(repo *github.Repository) Repository {
	ownerType := OwnerTypeUser
	if strings.EqualFold(repo.GetOwner().GetType(), "Organization") {
		ownerType = OwnerTypeOrganization
	}
	owner := repo.GetOwner().GetLogin()
	name := repo.GetName()
	if splitOwner, splitName, ok := SplitFullName(repo.GetFullName()); ok {
		owner, name = splitOwner, splitName
	}
	return Repository{
		Owner:     owner,
		Name:      name,
		FullName:  repo.GetFullName(),
		Private:   repo.GetPrivate(),
		OwnerType: ownerType,
		Fork:      repo.GetFork(),
		Stars:     repo.GetStargazersCount(),
		PushedAt:  repo.GetPushedAt().Time,
		UpdatedAt: repo.GetUpdatedAt().Time,
	}
}

// fullNameFromRepositoryURL extracts "owner/name" from an API repository URL
// such as https://api.github.com/repos/owner/name.
func fullNameFromRepositoryURL(raw string) (string, bool) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	for i := 0; i+2 < len(segments); i++ {
		if segments[i] == "repos" {
			return segments[i+1] + "/" + segments[i+2], true
		}
	}
	return "", false
}
