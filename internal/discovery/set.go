package discovery

import (
	"slices"
	"strings"

	"github.com/cam3ron2/github-quest/internal/githubapi"
)

// Set is a repository collection keyed by case-insensitive full name.
// Adding a repository already present replaces it. Set is not safe for
// concurrent use.
type Set struct {
	repos map[string]githubapi.Repository
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{repos: map[string]githubapi.Repository{}}
}

// Add inserts repos, skipping records without a full name.
func (s *Set) Add(repos ...githubapi.Repository) {
	for _, repo := range repos {
		key := repo.Key()
		if key == "" {
			continue
		}
		s.repos[key] = repo
	}
}

// Has reports whether key (a lowercase full name) is present.
func (s *Set) Has(key string) bool {
	_, ok := s.repos[key]
	return ok
}

// Len returns the number of distinct repositories.
func (s *Set) Len() int {
	return len(s.repos)
}

// Sorted returns the repositories, most recent activity first, ties by name.
func (s *Set) Sorted() []githubapi.Repository {
	out := make([]githubapi.Repository, 0, len(s.repos))
	for _, repo := range s.repos {
		out = append(out, repo)
	}
	slices.SortFunc(out, func(a, b githubapi.Repository) int {
		if c := b.ActivityAt().Compare(a.ActivityAt()); c != 0 {
			return c
		}
		return strings.Compare(a.Key(), b.Key())
	})
	return out
}
