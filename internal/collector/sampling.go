package collector

import (
	"math"

	"github.com/cam3ron2/github-quest/internal/githubapi"
)

// SamplingConfig sizes the commit sample used to estimate lines changed.
// Repositories with at most SmallMax commits sample all of them, up to
// MediumMax sample MediumRate, larger ones sample LargeRate but no fewer than
// LargeFloor. MaxSample caps every tier.
type SamplingConfig struct {
	SmallMax   int
	MediumMax  int
	MediumRate float64
	LargeRate  float64
	LargeFloor int
	MaxSample  int
}

// DefaultSamplingConfig returns the sampling tiers used when none are configured.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		SmallMax:   10,
		MediumMax:  100,
		MediumRate: 0.25,
		LargeRate:  0.10,
		LargeFloor: 5,
		MaxSample:  20,
	}
}

func (s SamplingConfig) withDefaults() SamplingConfig {
	defaults := DefaultSamplingConfig()
	if s.SmallMax <= 0 {
		s.SmallMax = defaults.SmallMax
	}
	if s.MediumMax < s.SmallMax {
		s.MediumMax = max(defaults.MediumMax, s.SmallMax)
	}
	if s.MediumRate <= 0 || s.MediumRate > 1 {
		s.MediumRate = defaults.MediumRate
	}
	if s.LargeRate <= 0 || s.LargeRate > 1 {
		s.LargeRate = defaults.LargeRate
	}
	if s.LargeFloor <= 0 {
		s.LargeFloor = defaults.LargeFloor
	}
	if s.MaxSample <= 0 {
		s.MaxSample = defaults.MaxSample
	}
	return s
}

// Size returns how many of total commits to sample.
func (s SamplingConfig) Size(total int) int {
	if total <= 0 {
		return 0
	}
	var size int
	switch {
	case total <= s.SmallMax:
		size = total
	case total <= s.MediumMax:
		size = int(math.Ceil(float64(total) * s.MediumRate))
	default:
		size = max(int(math.Ceil(float64(total)*s.LargeRate)), s.LargeFloor)
	}
	return min(size, s.MaxSample, total)
}

// SampleCommits picks size commits spread evenly across commits, which are
// ordered newest first.
func SampleCommits(commits []githubapi.Commit, size int) []githubapi.Commit {
	if size <= 0 || len(commits) == 0 {
		return nil
	}
	if size >= len(commits) {
		return commits
	}
	sample := make([]githubapi.Commit, 0, size)
	step := float64(len(commits)) / float64(size)
	for i := range size {
		sample = append(sample, commits[int(float64(i)*step)])
	}
	return sample
}
