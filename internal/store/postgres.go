package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/cam3ron2/github-quest/internal/aggregate"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresConfig configures the Postgres connection pool.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Migrate applies embedded schema migrations on open.
	Migrate bool
}

// PostgresStore is a StatsStore backed by the user_stats table.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgres connects to Postgres and optionally migrates the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if cfg.Migrate {
		if err := Migrate(db.DB); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return NewPostgresStore(db), nil
}

// Migrate applies the embedded migrations to db.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// NewPostgresStore wraps an open connection.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping implements StatsStore.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type statsRow struct {
	Username              string         `db:"username"`
	TotalCommits          int            `db:"total_commits"`
	TotalPRs              int            `db:"total_prs"`
	OpenPRs               int            `db:"open_prs"`
	MergedPRs             int            `db:"merged_prs"`
	TotalReviews          int            `db:"total_reviews"`
	TotalStars            int            `db:"total_stars"`
	TotalRepos            int            `db:"total_repos"`
	EstimatedLinesChanged int            `db:"estimated_lines_changed"`
	CurrentStreak         int            `db:"current_streak"`
	LongestStreak         int            `db:"longest_streak"`
	ActiveDays            int            `db:"active_days"`
	Contributions         int            `db:"contributions"`
	ReposImpacted         int            `db:"repos_impacted"`
	LastActivity          sql.NullTime   `db:"last_activity"`
	TimeRange             string         `db:"time_range"`
	Points                int            `db:"points"`
	Level                 int            `db:"level"`
	Achievements          pq.StringArray `db:"achievements"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

const statsColumns = `username, total_commits, total_prs, open_prs, merged_prs, total_reviews,
	total_stars, total_repos, estimated_lines_changed, current_streak, longest_streak,
	active_days, contributions, repos_impacted, last_activity, time_range, points, level,
	achievements, updated_at`

const upsertStatsQuery = `INSERT INTO user_stats (` + statsColumns + `)
VALUES (:username, :total_commits, :total_prs, :open_prs, :merged_prs, :total_reviews,
	:total_stars, :total_repos, :estimated_lines_changed, :current_streak, :longest_streak,
	:active_days, :contributions, :repos_impacted, :last_activity, :time_range, :points, :level,
	:achievements, :updated_at)
ON CONFLICT (username) DO UPDATE SET
	total_commits = EXCLUDED.total_commits,
	total_prs = EXCLUDED.total_prs,
	open_prs = EXCLUDED.open_prs,
	merged_prs = EXCLUDED.merged_prs,
	total_reviews = EXCLUDED.total_reviews,
	total_stars = EXCLUDED.total_stars,
	total_repos = EXCLUDED.total_repos,
	estimated_lines_changed = EXCLUDED.estimated_lines_changed,
	current_streak = EXCLUDED.current_streak,
	longest_streak = EXCLUDED.longest_streak,
	active_days = EXCLUDED.active_days,
	contributions = EXCLUDED.contributions,
	repos_impacted = EXCLUDED.repos_impacted,
	last_activity = EXCLUDED.last_activity,
	time_range = EXCLUDED.time_range,
	points = EXCLUDED.points,
	level = EXCLUDED.level,
	achievements = EXCLUDED.achievements,
	updated_at = EXCLUDED.updated_at`

// GetStats implements StatsStore.
func (s *PostgresStore) GetStats(ctx context.Context, username string) (Record, bool, error) {
	var row statsRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+statsColumns+` FROM user_stats WHERE username = $1`,
		NormalizeUsername(username),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get stats of %s: %w", username, err)
	}
	return row.record(), true, nil
}

// UpsertStats implements StatsStore.
func (s *PostgresStore) UpsertStats(ctx context.Context, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, upsertStatsQuery, rowFromRecord(record)); err != nil {
		return fmt.Errorf("upsert stats of %s: %w", record.Username, err)
	}
	return nil
}

// Leaderboard implements StatsStore.
func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	var rows []statsRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+statsColumns+` FROM user_stats ORDER BY points DESC, username ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read leaderboard: %w", err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

func rowFromRecord(record Record) statsRow {
	stats := record.Stats
	achievements := pq.StringArray(record.Achievements)
	if achievements == nil {
		achievements = pq.StringArray{}
	}
	timeRange := string(stats.TimeRange)
	if timeRange == "" {
		timeRange = string(aggregate.RangeAll)
	}
	return statsRow{
		Username:              NormalizeUsername(record.Username),
		TotalCommits:          stats.TotalCommits,
		TotalPRs:              stats.TotalPRs,
		OpenPRs:               stats.OpenPRs,
		MergedPRs:             stats.MergedPRs,
		TotalReviews:          stats.TotalReviews,
		TotalStars:            stats.TotalStars,
		TotalRepos:            stats.TotalRepos,
		EstimatedLinesChanged: stats.EstimatedLinesChanged,
		CurrentStreak:         stats.CurrentStreak,
		LongestStreak:         stats.LongestStreak,
		ActiveDays:            stats.ActiveDays,
		Contributions:         stats.Contributions,
		ReposImpacted:         stats.ReposImpacted,
		LastActivity:          sql.NullTime{Time: stats.LastActivity, Valid: !stats.LastActivity.IsZero()},
		TimeRange:             timeRange,
		Points:                record.Points,
		Level:                 record.Level,
		Achievements:          achievements,
		UpdatedAt:             record.UpdatedAt.UTC(),
	}
}

func (r statsRow) record() Record {
	stats := aggregate.Stats{
		TotalCommits:          r.TotalCommits,
		TotalPRs:              r.TotalPRs,
		OpenPRs:               r.OpenPRs,
		MergedPRs:             r.MergedPRs,
		TotalReviews:          r.TotalReviews,
		TotalStars:            r.TotalStars,
		TotalRepos:            r.TotalRepos,
		EstimatedLinesChanged: r.EstimatedLinesChanged,
		LinesEstimated:        true,
		CurrentStreak:         r.CurrentStreak,
		LongestStreak:         r.LongestStreak,
		ActiveDays:            r.ActiveDays,
		Contributions:         r.Contributions,
		ReposImpacted:         r.ReposImpacted,
		TimeRange:             aggregate.TimeRange(r.TimeRange),
	}
	if r.LastActivity.Valid {
		stats.LastActivity = r.LastActivity.Time.UTC()
	}
	return Record{
		Username:     r.Username,
		Stats:        stats,
		Points:       r.Points,
		Level:        r.Level,
		Achievements: []string(r.Achievements),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}
