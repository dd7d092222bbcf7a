package exporter

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CacheConfig configures the snapshot cache used by /metrics rendering.
type CacheConfig struct {
	RefreshInterval time.Duration
	Now             func() time.Time
}

type cachedSnapshotReader struct {
	source          SnapshotReader
	refreshInterval time.Duration
	now             func() time.Time
	logger          *zap.Logger

	mu          sync.RWMutex
	initialized bool
	lastRefresh time.Time
	series      map[string]Point
}

// NewCachedSnapshotReader wraps a snapshot reader with periodic cache refresh.
// A failed refresh keeps serving the previous snapshot.
func NewCachedSnapshotReader(source SnapshotReader, cfg CacheConfig, logger *zap.Logger) SnapshotReader {
	if _, alreadyCached := source.(*cachedSnapshotReader); alreadyCached {
		return source
	}

	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &cachedSnapshotReader{
		source:          source,
		refreshInterval: refreshInterval,
		now:             nowFn,
		logger:          logger,
		series:          make(map[string]Point),
	}
}

func (c *cachedSnapshotReader) Snapshot(ctx context.Context) ([]Point, error) {
	if c.source == nil {
		return nil, nil
	}
	c.refreshIfNeeded(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedSnapshotLocked(), nil
}

func (c *cachedSnapshotReader) refreshIfNeeded(ctx context.Context) {
	now := c.now()

	c.mu.RLock()
	if c.initialized && now.Sub(c.lastRefresh) < c.refreshInterval {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized && now.Sub(c.lastRefresh) < c.refreshInterval {
		return
	}

	points, err := c.source.Snapshot(ctx)
	if err != nil {
		c.logger.Warn("refreshing metrics snapshot failed", zap.Error(err))
		return
	}

	next := make(map[string]Point, len(points))
	for _, point := range points {
		next[seriesKey(point)] = clonePoint(point)
	}
	c.series = next
	c.lastRefresh = now
	c.initialized = true
}

func (c *cachedSnapshotReader) sortedSnapshotLocked() []Point {
	if len(c.series) == 0 {
		return nil
	}

	keys := make([]string, 0, len(c.series))
	for key := range c.series {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Point, 0, len(keys))
	for _, key := range keys {
		result = append(result, clonePoint(c.series[key]))
	}
	return result
}

func sortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
