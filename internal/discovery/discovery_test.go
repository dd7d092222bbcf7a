package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cam3ron2/github-quest/internal/githubapi"
)

type fakeSource struct {
	authenticated func(ctx context.Context, maxPages int) ([]githubapi.Repository, error)
	user          func(ctx context.Context, username string, maxPages int) ([]githubapi.Repository, error)
	org           func(ctx context.Context, org string, maxPages int) ([]githubapi.Repository, error)
	searchRepos   func(ctx context.Context, query string, maxPages int) ([]githubapi.Repository, error)
	searchIssues  func(ctx context.Context, query string, maxPages int) ([]string, error)
	searchCommits func(ctx context.Context, query string, maxPages int) ([]githubapi.Repository, error)
	getRepo       func(ctx context.Context, owner, name string) (githubapi.Repository, error)
	contributed   func(ctx context.Context, username string, from, to time.Time) ([]githubapi.ContributedRepository, error)
}

func (f *fakeSource) ListAuthenticatedRepos(ctx context.Context, maxPages int) ([]githubapi.Repository, error) {
	if f.authenticated == nil {
		return nil, nil
	}
	return f.authenticated(ctx, maxPages)
}

func (f *fakeSource) ListUserRepos(ctx context.Context, username string, maxPages int) ([]githubapi.Repository, error) {
	if f.user == nil {
		return nil, nil
	}
	return f.user(ctx, username, maxPages)
}

func (f *fakeSource) ListOrgRepos(ctx context.Context, org string, maxPages int) ([]githubapi.Repository, error) {
	if f.org == nil {
		return nil, nil
	}
	return f.org(ctx, org, maxPages)
}

func (f *fakeSource) SearchRepos(ctx context.Context, query string, maxPages int) ([]githubapi.Repository, error) {
	if f.searchRepos == nil {
		return nil, nil
	}
	return f.searchRepos(ctx, query, maxPages)
}

func (f *fakeSource) SearchIssueRepos(ctx context.Context, query string, maxPages int) ([]string, error) {
	if f.searchIssues == nil {
		return nil, nil
	}
	return f.searchIssues(ctx, query, maxPages)
}

func (f *fakeSource) SearchCommitRepos(ctx context.Context, query string, maxPages int) ([]githubapi.Repository, error) {
	if f.searchCommits == nil {
		return nil, nil
	}
	return f.searchCommits(ctx, query, maxPages)
}

func (f *fakeSource) GetRepo(ctx context.Context, owner, name string) (githubapi.Repository, error) {
	if f.getRepo == nil {
		return githubapi.Repository{}, errors.New("not configured")
	}
	return f.getRepo(ctx, owner, name)
}

func (f *fakeSource) ContributedRepos(ctx context.Context, username string, from, to time.Time) ([]githubapi.ContributedRepository, error) {
	if f.contributed == nil {
		return nil, nil
	}
	return f.contributed(ctx, username, from, to)
}

func repo(fullName string, pushedDaysAgo int) githubapi.Repository {
	record, _ := githubapi.RepositoryFromFullName(fullName)
	record.PushedAt = time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -pushedDaysAgo)
	return record
}

func fullNames(repos []githubapi.Repository) []string {
	names := make([]string, 0, len(repos))
	for _, r := range repos {
		names = append(names, r.FullName)
	}
	return names
}

func overlappingSource() *fakeSource {
	shared := repo("alice/shared", 1)
	return &fakeSource{
		authenticated: func(context.Context, int) ([]githubapi.Repository, error) {
			return []githubapi.Repository{shared, repo("alice/private", 3)}, nil
		},
		user: func(context.Context, string, int) ([]githubapi.Repository, error) {
			return []githubapi.Repository{shared, repo("Alice/Shared", 1)}, nil
		},
		org: func(_ context.Context, org string, _ int) ([]githubapi.Repository, error) {
			return []githubapi.Repository{repo(org+"/service", 2), shared}, nil
		},
		searchRepos: func(context.Context, string, int) ([]githubapi.Repository, error) {
			return []githubapi.Repository{shared}, nil
		},
		searchIssues: func(context.Context, string, int) ([]string, error) {
			return []string{"alice/shared", "upstream/project"}, nil
		},
		searchCommits: func(context.Context, string, int) ([]githubapi.Repository, error) {
			return []githubapi.Repository{shared, repo("acme/service", 2)}, nil
		},
		getRepo: func(_ context.Context, owner, name string) (githubapi.Repository, error) {
			return repo(owner+"/"+name, 10), nil
		},
		contributed: func(context.Context, string, time.Time, time.Time) ([]githubapi.ContributedRepository, error) {
			return []githubapi.ContributedRepository{{FullName: "upstream/project"}, {FullName: "alice/shared"}}, nil
		},
	}
}

func TestRepositoriesDeduplicatesAcrossStrategies(t *testing.T) {
	t.Parallel()

	d := New(Config{}, nil)
	req := Request{Username: "alice", Orgs: []string{"acme", "ACME"}}
	src := overlappingSource()

	first := d.Repositories(context.Background(), src, req)
	second := d.Repositories(context.Background(), src, req)

	want := []string{"alice/shared", "acme/service", "alice/private", "upstream/project"}
	for _, got := range [][]githubapi.Repository{first, second} {
		names := fullNames(got)
		if len(names) != len(want) {
			t.Fatalf("Repositories() = %v, want %v", names, want)
		}
		seen := map[string]bool{}
		for i, name := range names {
			key := strings.ToLower(name)
			if seen[key] {
				t.Fatalf("duplicate repository %q in %v", name, names)
			}
			seen[key] = true
			if key != want[i] {
				t.Fatalf("Repositories()[%d] = %q, want %q", i, name, want[i])
			}
		}
	}
}

func TestRepositoriesToleratesFailingStrategies(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	src := &fakeSource{
		authenticated: func(context.Context, int) ([]githubapi.Repository, error) { return nil, boom },
		user: func(context.Context, string, int) ([]githubapi.Repository, error) {
			return []githubapi.Repository{repo("alice/dotfiles", 1)}, nil
		},
		org: func(_ context.Context, org string, _ int) ([]githubapi.Repository, error) {
			if org == "broken" {
				return nil, boom
			}
			return []githubapi.Repository{repo(org+"/api", 4)}, nil
		},
		searchRepos:   func(context.Context, string, int) ([]githubapi.Repository, error) { return nil, boom },
		searchIssues:  func(context.Context, string, int) ([]string, error) { return nil, boom },
		searchCommits: func(context.Context, string, int) ([]githubapi.Repository, error) { return nil, boom },
		contributed: func(context.Context, string, time.Time, time.Time) ([]githubapi.ContributedRepository, error) {
			return nil, boom
		},
	}

	got := fullNames(New(Config{}, nil).Repositories(context.Background(), src, Request{
		Username: "alice",
		Orgs:     []string{"broken", "acme"},
	}))
	if len(got) != 2 || got[0] != "alice/dotfiles" || got[1] != "acme/api" {
		t.Fatalf("Repositories() = %v, want [alice/dotfiles acme/api]", got)
	}
}

func TestRepositoriesSynthesizesUnresolvableContributions(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	src := &fakeSource{
		getRepo: func(context.Context, string, string) (githubapi.Repository, error) {
			fetches.Add(1)
			return githubapi.Repository{}, errors.New("forbidden")
		},
		contributed: func(context.Context, string, time.Time, time.Time) ([]githubapi.ContributedRepository, error) {
			return []githubapi.ContributedRepository{{FullName: "secret/repo"}, {FullName: "not-a-name"}}, nil
		},
	}

	got := New(Config{}, nil).Repositories(context.Background(), src, Request{Username: "alice"})
	if len(got) != 1 {
		t.Fatalf("Repositories() = %v, want one synthesized record", fullNames(got))
	}
	if got[0].Owner != "secret" || got[0].Name != "repo" || got[0].FullName != "secret/repo" {
		t.Fatalf("synthesized record = %+v", got[0])
	}
	if fetches.Load() != 1 {
		t.Fatalf("GetRepo calls = %d, want 1", fetches.Load())
	}
}

func TestRepositoriesBoundsContributionScan(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		user: func(context.Context, string, int) ([]githubapi.Repository, error) {
			return []githubapi.Repository{repo("alice/dotfiles", 1)}, nil
		},
		contributed: func(ctx context.Context, _ string, _, _ time.Time) ([]githubapi.ContributedRepository, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	d := New(Config{ContributionTimeout: 20 * time.Millisecond}, nil)
	done := make(chan []githubapi.Repository, 1)
	go func() {
		done <- d.Repositories(context.Background(), src, Request{Username: "alice"})
	}()

	select {
	case got := <-done:
		if len(got) != 1 {
			t.Fatalf("Repositories() = %v, want the listed repository", fullNames(got))
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Repositories() did not return after the contribution timeout")
	}
}

func TestRepositoriesIssuesFixedSearchQueries(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var queries []string
	record := func(query string) {
		mu.Lock()
		queries = append(queries, query)
		mu.Unlock()
	}
	src := &fakeSource{
		searchRepos: func(_ context.Context, query string, _ int) ([]githubapi.Repository, error) {
			record(query)
			return nil, nil
		},
		searchIssues: func(_ context.Context, query string, _ int) ([]string, error) {
			record(query)
			return nil, nil
		},
		searchCommits: func(_ context.Context, query string, _ int) ([]githubapi.Repository, error) {
			record(query)
			return nil, nil
		},
	}

	New(Config{}, nil).Repositories(context.Background(), src, Request{Username: "alice", Orgs: []string{"acme"}})

	want := []string{"user:alice", "org:acme", "involves:alice", "author:alice type:pr", "committer:alice"}
	if strings.Join(queries, ",") != strings.Join(want, ",") {
		t.Fatalf("queries = %v, want %v", queries, want)
	}
}

func TestRepositoriesCapsOrgPages(t *testing.T) {
	t.Parallel()

	var gotPages atomic.Int32
	src := &fakeSource{
		org: func(_ context.Context, _ string, maxPages int) ([]githubapi.Repository, error) {
			gotPages.Store(int32(maxPages))
			return nil, nil
		},
	}

	New(Config{MaxOrgPages: 3}, nil).Repositories(context.Background(), src, Request{Username: "alice", Orgs: []string{"acme"}})
	if gotPages.Load() != 3 {
		t.Fatalf("org maxPages = %d, want 3", gotPages.Load())
	}
}

type fakeOrgSource struct {
	authenticated func(ctx context.Context) ([]string, error)
	public        func(ctx context.Context, username string) ([]string, error)
	memberships   func(ctx context.Context) ([]string, error)
	isMember      func(ctx context.Context, org, username string) (bool, error)
}

func (f *fakeOrgSource) ListAuthenticatedOrgs(ctx context.Context) ([]string, error) {
	return f.authenticated(ctx)
}

func (f *fakeOrgSource) ListUserOrgs(ctx context.Context, username string) ([]string, error) {
	return f.public(ctx, username)
}

func (f *fakeOrgSource) ListOrgMemberships(ctx context.Context) ([]string, error) {
	return f.memberships(ctx)
}

func (f *fakeOrgSource) IsOrgMember(ctx context.Context, org, username string) (bool, error) {
	return f.isMember(ctx, org, username)
}

func TestOrganizationsMergesSubStrategies(t *testing.T) {
	t.Parallel()

	src := &fakeOrgSource{
		authenticated: func(context.Context) ([]string, error) { return []string{"acme", "Globex"}, nil },
		public:        func(context.Context, string) ([]string, error) { return nil, errors.New("boom") },
		memberships:   func(context.Context) ([]string, error) { return []string{"ACME", "initech"}, nil },
		isMember: func(_ context.Context, org, _ string) (bool, error) {
			switch org {
			case "hooli":
				return true, nil
			case "broken":
				return true, errors.New("boom")
			default:
				return false, nil
			}
		},
	}

	d := New(Config{KnownOrgs: []string{"hooli", "umbrella", "broken"}}, nil)
	got := d.Organizations(context.Background(), src, "alice")
	want := "acme,Globex,hooli,initech"
	if strings.Join(got, ",") != want {
		t.Fatalf("Organizations() = %v, want %s", got, want)
	}
}

func TestMergeOrgs(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		lists [][]string
		want  string
	}{
		{name: "empty", lists: nil, want: ""},
		{name: "case_insensitive", lists: [][]string{{"Acme", " acme "}, {"ACME"}}, want: "Acme"},
		{name: "sorted", lists: [][]string{{"zeta", ""}, {"Alpha", "beta"}}, want: "Alpha,beta,zeta"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := strings.Join(MergeOrgs(tc.lists...), ","); got != tc.want {
				t.Fatalf("MergeOrgs() = %q, want %q", got, tc.want)
			}
		})
	}
}
