package discovery

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/github-quest/internal/githubapi"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxUserPages         = 10
	defaultMaxOrgPages          = 5
	defaultSearchPages          = 1
	defaultContributionTimeout  = 30 * time.Second
	defaultContributionLookback = 365 * 24 * time.Hour
	defaultFanOut               = 5
)

// Source is the remote surface repository discovery needs.
type Source interface {
	ListAuthenticatedRepos(ctx context.Context, maxPages int) ([]githubapi.Repository, error)
	ListUserRepos(ctx context.Context, username string, maxPages int) ([]githubapi.Repository, error)
	ListOrgRepos(ctx context.Context, org string, maxPages int) ([]githubapi.Repository, error)
	SearchRepos(ctx context.Context, query string, maxPages int) ([]githubapi.Repository, error)
	SearchIssueRepos(ctx context.Context, query string, maxPages int) ([]string, error)
	SearchCommitRepos(ctx context.Context, query string, maxPages int) ([]githubapi.Repository, error)
	GetRepo(ctx context.Context, owner, name string) (githubapi.Repository, error)
	ContributedRepos(ctx context.Context, username string, from, to time.Time) ([]githubapi.ContributedRepository, error)
}

// OrgSource is the remote surface organization discovery needs.
type OrgSource interface {
	ListAuthenticatedOrgs(ctx context.Context) ([]string, error)
	ListUserOrgs(ctx context.Context, username string) ([]string, error)
	ListOrgMemberships(ctx context.Context) ([]string, error)
	IsOrgMember(ctx context.Context, org, username string) (bool, error)
}

// Config bounds the cost of one discovery run.
type Config struct {
	// KnownOrgs is the allowlist probed for membership when listings miss an org.
	KnownOrgs []string
	// MaxUserPages caps the authenticated and username listings.
	MaxUserPages int
	// MaxOrgPages caps the listing of each organization.
	MaxOrgPages int
	// SearchPages caps every search query.
	SearchPages          int
	ContributionTimeout  time.Duration
	ContributionLookback time.Duration
	// FanOut limits concurrent per-org listings, probes and record fetches.
	FanOut int
}

// Request describes one discovery run.
type Request struct {
	Username string
	// Orgs are organizations supplied by the caller or found earlier.
	Orgs []string
	// OnProgress, when set, is called as strategies finish. It may be called
	// concurrently.
	OnProgress func(detail, org string)
}

// Discoverer finds the repositories a user touched through several
// independent strategies. A failing strategy contributes nothing.
type Discoverer struct {
	cfg    Config
	logger *zap.Logger

	// Now is injected for testability.
	Now func() time.Time
}

// New creates a discoverer. Zero config fields take defaults.
func New(cfg Config, logger *zap.Logger) *Discoverer {
	if cfg.MaxUserPages <= 0 {
		cfg.MaxUserPages = defaultMaxUserPages
	}
	if cfg.MaxOrgPages <= 0 {
		cfg.MaxOrgPages = defaultMaxOrgPages
	}
	if cfg.SearchPages <= 0 {
		cfg.SearchPages = defaultSearchPages
	}
	if cfg.ContributionTimeout <= 0 {
		cfg.ContributionTimeout = defaultContributionTimeout
	}
	if cfg.ContributionLookback <= 0 {
		cfg.ContributionLookback = defaultContributionLookback
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = defaultFanOut
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{cfg: cfg, logger: logger, Now: time.Now}
}

// Organizations merges the orgs visible to the credential, the user's public
// orgs, active memberships and positive probes of the known-orgs allowlist.
func (d *Discoverer) Organizations(ctx context.Context, src OrgSource, username string) []string {
	lists := make([][]string, 4)
	var g errgroup.Group

	g.Go(func() error {
		orgs, err := src.ListAuthenticatedOrgs(ctx)
		d.tolerate("authenticated_orgs", "", err)
		lists[0] = orgs
		return nil
	})
	g.Go(func() error {
		orgs, err := src.ListUserOrgs(ctx, username)
		d.tolerate("public_orgs", "", err)
		lists[1] = orgs
		return nil
	})
	g.Go(func() error {
		orgs, err := src.ListOrgMemberships(ctx)
		d.tolerate("org_memberships", "", err)
		lists[2] = orgs
		return nil
	})
	g.Go(func() error {
		lists[3] = d.probeKnownOrgs(ctx, src, username)
		return nil
	})
	_ = g.Wait()

	return MergeOrgs(lists...)
}

func (d *Discoverer) probeKnownOrgs(ctx context.Context, src OrgSource, username string) []string {
	if len(d.cfg.KnownOrgs) == 0 {
		return nil
	}

	members := make([]bool, len(d.cfg.KnownOrgs))
	var g errgroup.Group
	g.SetLimit(d.cfg.FanOut)
	for i, org := range d.cfg.KnownOrgs {
		g.Go(func() error {
			ok, err := src.IsOrgMember(ctx, org, username)
			d.tolerate("known_org_probe", org, err)
			members[i] = ok && err == nil
			return nil
		})
	}
	_ = g.Wait()

	found := make([]string, 0, len(members))
	for i, ok := range members {
		if ok {
			found = append(found, d.cfg.KnownOrgs[i])
		}
	}
	return found
}

// MergeOrgs deduplicates org names case-insensitively, keeping the first
// spelling seen, and sorts the result.
func MergeOrgs(lists ...[]string) []string {
	seen := map[string]struct{}{}
	merged := []string{}
	for _, list := range lists {
		for _, org := range list {
			org = strings.TrimSpace(org)
			if org == "" {
				continue
			}
			key := strings.ToLower(org)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, org)
		}
	}
	slices.SortFunc(merged, func(a, b string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	})
	return merged
}

// strategy results, merged in this order so the last writer is stable.
const (
	slotAuthenticated = iota
	slotUser
	slotOrgs
	slotSearch
	slotContributed
	slotCount
)

// Repositories runs every strategy and returns the merged set, most recently
// active first.
func (d *Discoverer) Repositories(ctx context.Context, src Source, req Request) []githubapi.Repository {
	found := make([][]githubapi.Repository, slotCount)
	var referencesMu sync.Mutex
	var references []string
	addReferences := func(names []string) {
		referencesMu.Lock()
		references = append(references, names...)
		referencesMu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		repos, err := src.ListAuthenticatedRepos(ctx, d.cfg.MaxUserPages)
		d.tolerate("authenticated_repos", "", err)
		found[slotAuthenticated] = repos
		req.report("listed repositories visible to the credential", "")
		return nil
	})
	g.Go(func() error {
		repos, err := src.ListUserRepos(ctx, req.Username, d.cfg.MaxUserPages)
		d.tolerate("user_repos", "", err)
		found[slotUser] = repos
		req.report("listed public repositories of "+req.Username, "")
		return nil
	})
	g.Go(func() error {
		found[slotOrgs] = d.orgRepositories(ctx, src, req)
		return nil
	})
	g.Go(func() error {
		repos, names := d.search(ctx, src, req)
		found[slotSearch] = repos
		addReferences(names)
		req.report("searched repositories", "")
		return nil
	})
	g.Go(func() error {
		addReferences(d.contributedNames(ctx, src, req.Username))
		req.report("scanned contribution graph", "")
		return nil
	})
	_ = g.Wait()

	set := NewSet()
	for _, repos := range found[:slotContributed] {
		set.Add(repos...)
	}
	found[slotContributed] = d.resolve(ctx, src, set, references)
	set.Add(found[slotContributed]...)

	return set.Sorted()
}

func (d *Discoverer) orgRepositories(ctx context.Context, src Source, req Request) []githubapi.Repository {
	orgs := MergeOrgs(req.Orgs)
	perOrg := make([][]githubapi.Repository, len(orgs))

	var g errgroup.Group
	g.SetLimit(d.cfg.FanOut)
	for i, org := range orgs {
		g.Go(func() error {
			repos, err := src.ListOrgRepos(ctx, org, d.cfg.MaxOrgPages)
			d.tolerate("org_repos", org, err)
			perOrg[i] = repos
			req.report("listed organization repositories", org)
			return nil
		})
	}
	_ = g.Wait()

	return slices.Concat(perOrg...)
}

// search runs the fixed query set. Repository and commit searches return
// records; issue searches return names only.
func (d *Discoverer) search(ctx context.Context, src Source, req Request) ([]githubapi.Repository, []string) {
	var repos []githubapi.Repository
	var names []string
	pages := d.cfg.SearchPages

	collect := func(query string, list func(context.Context, string, int) ([]githubapi.Repository, error)) {
		found, err := list(ctx, query, pages)
		d.tolerate("search", query, err)
		repos = append(repos, found...)
	}

	collect("user:"+req.Username, src.SearchRepos)
	for _, org := range MergeOrgs(req.Orgs) {
		collect("org:"+org, src.SearchRepos)
	}
	for _, query := range []string{"involves:" + req.Username, "author:" + req.Username + " type:pr"} {
		found, err := src.SearchIssueRepos(ctx, query, pages)
		d.tolerate("search", query, err)
		names = append(names, found...)
	}
	collect("committer:"+req.Username, src.SearchCommitRepos)

	return repos, names
}

func (d *Discoverer) contributedNames(ctx context.Context, src Source, username string) []string {
	scanCtx, cancel := context.WithTimeout(ctx, d.cfg.ContributionTimeout)
	defer cancel()

	now := d.Now().UTC()
	contributed, err := src.ContributedRepos(scanCtx, username, now.Add(-d.cfg.ContributionLookback), now)
	d.tolerate("contribution_scan", "", err)

	names := make([]string, 0, len(contributed))
	for _, repo := range contributed {
		names = append(names, repo.FullName)
	}
	return names
}

// resolve fetches the records of referenced repositories not already in set,
// synthesizing a minimal record when the fetch fails.
func (d *Discoverer) resolve(ctx context.Context, src Source, set *Set, names []string) []githubapi.Repository {
	unknown := make([]githubapi.Repository, 0, len(names))
	seen := map[string]struct{}{}
	for _, name := range names {
		minimal, ok := githubapi.RepositoryFromFullName(name)
		if !ok {
			continue
		}
		key := minimal.Key()
		if _, dup := seen[key]; dup || set.Has(key) {
			continue
		}
		seen[key] = struct{}{}
		unknown = append(unknown, minimal)
	}

	resolved := make([]githubapi.Repository, len(unknown))
	var g errgroup.Group
	g.SetLimit(d.cfg.FanOut)
	for i, minimal := range unknown {
		g.Go(func() error {
			repo, err := src.GetRepo(ctx, minimal.Owner, minimal.Name)
			if err != nil {
				d.logger.Debug("repository fetch failed, using minimal record",
					zap.String("repo", minimal.FullName),
					zap.Error(err),
				)
				repo = minimal
			}
			resolved[i] = repo
			return nil
		})
	}
	_ = g.Wait()

	return resolved
}

func (d *Discoverer) tolerate(strategy, subject string, err error) {
	if err == nil {
		return
	}
	d.logger.Warn("discovery strategy failed",
		zap.String("strategy", strategy),
		zap.String("subject", subject),
		zap.String("status", string(githubapi.StatusOf(err))),
		zap.Error(err),
	)
}

func (r Request) report(detail, org string) {
	if r.OnProgress != nil {
		r.OnProgress(detail, org)
	}
}
