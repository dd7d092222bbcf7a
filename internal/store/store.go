package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/github-quest/internal/aggregate"
)

// DefaultLeaderboardLimit applies when a leaderboard limit is not positive.
const DefaultLeaderboardLimit = 100

// ErrInvalidRecord is returned for records that cannot be stored.
var ErrInvalidRecord = errors.New("invalid stats record")

// Record is the persisted stats of one user.
type Record struct {
	Username     string          `json:"username"`
	Stats        aggregate.Stats `json:"stats"`
	Points       int             `json:"points"`
	Level        int             `json:"level"`
	Achievements []string        `json:"achievements"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// StatsStore persists per-user stats records.
type StatsStore interface {
	// GetStats returns the record of username and whether one exists.
	GetStats(ctx context.Context, username string) (Record, bool, error)
	// UpsertStats replaces the record of record.Username in one write.
	UpsertStats(ctx context.Context, record Record) error
	// Leaderboard returns up to limit records by points, highest first.
	Leaderboard(ctx context.Context, limit int) ([]Record, error)
	Ping(ctx context.Context) error
}

// NormalizeUsername is the key records are stored under.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateRecord(record Record) error {
	if NormalizeUsername(record.Username) == "" {
		return errors.Join(ErrInvalidRecord, errors.New("username is required"))
	}
	if record.UpdatedAt.IsZero() {
		return errors.Join(ErrInvalidRecord, errors.New("updated time is required"))
	}
	if record.Points < 0 || record.Level < 0 {
		return errors.Join(ErrInvalidRecord, errors.New("points and level must be non-negative"))
	}
	return nil
}

func sortLeaderboard(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		if a.Points != b.Points {
			return b.Points - a.Points
		}
		return strings.Compare(NormalizeUsername(a.Username), NormalizeUsername(b.Username))
	})
}

// MemoryStore is an in-process StatsStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// GetStats implements StatsStore.
func (s *MemoryStore) GetStats(_ context.Context, username string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[NormalizeUsername(username)]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(record), true, nil
}

// UpsertStats implements StatsStore.
func (s *MemoryStore) UpsertStats(_ context.Context, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[NormalizeUsername(record.Username)] = cloneRecord(record)
	return nil
}

// Leaderboard implements StatsStore.
func (s *MemoryStore) Leaderboard(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	records := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, cloneRecord(record))
	}
	s.mu.RUnlock()

	sortLeaderboard(records)
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Ping implements StatsStore.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func cloneRecord(record Record) Record {
	record.Achievements = slices.Clone(record.Achievements)
	return record
}
