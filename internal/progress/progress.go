package progress

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stage is one step of an aggregation run.
type Stage string

const (
	StageInitializing      Stage = "initializing"
	StageDiscoveringRepos  Stage = "discovering-repos"
	StageProcessingRepos   Stage = "processing-repos"
	StageCalculatingStreak Stage = "calculating-streak"
	StageCalculatingImpact Stage = "calculating-impact"
	StageSaving            Stage = "saving"
	StageFinalizing        Stage = "finalizing"
	StageComplete          Stage = "complete"
	// StageFailed and StageTimedOut end a run that did not complete.
	StageFailed   Stage = "failed"
	StageTimedOut Stage = "timed-out"
)

// Stages returns the normal stage sequence in order.
func Stages() []Stage {
	return []Stage{
		StageInitializing,
		StageDiscoveringRepos,
		StageProcessingRepos,
		StageCalculatingStreak,
		StageCalculatingImpact,
		StageSaving,
		StageFinalizing,
		StageComplete,
	}
}

// Terminal reports whether no further events follow s.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed || s == StageTimedOut
}

// Event is the latest known state of one user's aggregation.
type Event struct {
	Stage     Stage     `json:"stage"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	Detail    string    `json:"detail,omitempty"`
	Org       string    `json:"org,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives the progress of one aggregation run.
type Sink interface {
	Report(ctx context.Context, event Event)
	// Active reports whether anyone is listening.
	Active(ctx context.Context) bool
}

// Discard is a Sink that drops every event.
type Discard struct{}

// Report implements Sink.
func (Discard) Report(context.Context, Event) {}

// Active implements Sink.
func (Discard) Active(context.Context) bool { return false }

// Board keeps the latest event and the listener count per user. It retains
// no history.
type Board interface {
	Publish(ctx context.Context, username string, event Event) error
	Latest(ctx context.Context, username string) (Event, bool, error)
	// Attach registers a listener; the returned func detaches it.
	Attach(ctx context.Context, username string) (func(), error)
	IsActive(ctx context.Context, username string) (bool, error)
}

// SinkFor adapts board to the Sink of one user's run. Events are keyed by the
// lowercased username. Board failures are logged and otherwise ignored.
func SinkFor(board Board, username string, logger *zap.Logger) Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &boardSink{board: board, username: strings.ToLower(strings.TrimSpace(username)), logger: logger}
}

type boardSink struct {
	board    Board
	username string
	logger   *zap.Logger
}

func (s *boardSink) Report(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if err := s.board.Publish(ctx, s.username, event); err != nil {
		s.logger.Warn("publish progress failed",
			zap.String("username", s.username),
			zap.String("stage", string(event.Stage)),
			zap.Error(err),
		)
	}
}

func (s *boardSink) Active(ctx context.Context) bool {
	active, err := s.board.IsActive(ctx, s.username)
	if err != nil {
		s.logger.Debug("progress listener check failed", zap.String("username", s.username), zap.Error(err))
		return false
	}
	return active
}

// MemoryBoard is an in-process Board.
type MemoryBoard struct {
	mu        sync.RWMutex
	latest    map[string]Event
	listeners map[string]int
}

// NewMemoryBoard creates an empty board.
func NewMemoryBoard() *MemoryBoard {
	return &MemoryBoard{
		latest:    make(map[string]Event),
		listeners: make(map[string]int),
	}
}

// Publish implements Board.
func (b *MemoryBoard) Publish(_ context.Context, username string, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[username] = event
	return nil
}

// Latest implements Board.
func (b *MemoryBoard) Latest(_ context.Context, username string) (Event, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	event, ok := b.latest[username]
	return event, ok, nil
}

// Attach implements Board.
func (b *MemoryBoard) Attach(_ context.Context, username string) (func(), error) {
	b.mu.Lock()
	b.listeners[username]++
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.listeners[username] <= 1 {
				delete(b.listeners, username)
				return
			}
			b.listeners[username]--
		})
	}, nil
}

// IsActive implements Board.
func (b *MemoryBoard) IsActive(_ context.Context, username string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listeners[username] > 0, nil
}
