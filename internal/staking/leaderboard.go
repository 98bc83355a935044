package staking

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/atmx/oracle-engine/internal/metrics"
	"github.com/atmx/oracle-engine/internal/model"
	"github.com/atmx/oracle-engine/internal/store"
)

// Leaderboard caches store leaderboard queries in process. Entries expire
// after ttl and are dropped whenever a stake or claim changes the rankings.
type Leaderboard struct {
	store store.Store
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewLeaderboard creates a leaderboard cache over st.
func NewLeaderboard(st store.Store, ttl time.Duration) (*Leaderboard, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1000,
		MaxCost:     100, // entries, one per distinct limit
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("leaderboard cache: %w", err)
	}
	return &Leaderboard{store: st, cache: cache, ttl: ttl}, nil
}

// Top returns up to limit users.
func (l *Leaderboard) Top(ctx context.Context, limit int) ([]model.UserStats, error) {
	key := fmt.Sprintf("top:%d", limit)
	if v, ok := l.cache.Get(key); ok {
		metrics.CacheLookups.WithLabelValues("leaderboard", "hit").Inc()
		return v.([]model.UserStats), nil
	}
	metrics.CacheLookups.WithLabelValues("leaderboard", "miss").Inc()

	stats, err := l.store.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = []model.UserStats{}
	}
	if l.ttl > 0 {
		l.cache.SetWithTTL(key, stats, 1, l.ttl)
	}
	return stats, nil
}

// Invalidate drops every cached ranking.
func (l *Leaderboard) Invalidate() {
	l.cache.Clear()
}

// Wait blocks until buffered cache writes are applied.
func (l *Leaderboard) Wait() {
	l.cache.Wait()
}

// Close releases the cache.
func (l *Leaderboard) Close() {
	l.cache.Close()
}
