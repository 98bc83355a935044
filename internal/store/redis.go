package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/oracle-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheJSON(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) RecordStake(ctx context.Context, marketID string, prepare StakeFunc, transfer TransferFunc) (*model.Market, *model.Position, error) {
	m, pos, err := s.primary.RecordStake(ctx, marketID, prepare, transfer)
	if err != nil {
		return nil, nil, err
	}
	s.invalidate(ctx, marketKey(marketID), positionsKey(pos.User))
	return m, pos, nil
}

func (s *CachedStore) ResolveMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.ResolveMarket(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, marketKey(m.ID))
	return nil
}

func (s *CachedStore) RecordClaim(ctx context.Context, pos *model.Position, transfer TransferFunc) error {
	if err := s.primary.RecordClaim(ctx, pos, transfer); err != nil {
		return err
	}
	s.invalidate(ctx, positionsKey(pos.User))
	return nil
}

// Primary returns the uncached store. The engine reads through it so that
// cached records never feed a write.
func (s *CachedStore) Primary() Store { return s.primary }

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, marketKey(id), m)
	return m, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, user model.Identity) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(user)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, positionsKey(user), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	return s.primary.GetPosition(ctx, key)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) Leaderboard(ctx context.Context, limit int) ([]model.UserStats, error) {
	return s.primary.Leaderboard(ctx, limit)
}

// --- Cache helpers ---

// invalidate drops keys after a committed write. A failure leaves stale
// reads until the TTL expires, so it is logged.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := s.rdb.Del(context.WithoutCancel(ctx), keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketKey(id string) string                { return fmt.Sprintf("market:%s", id) }
func positionsKey(user model.Identity) string { return fmt.Sprintf("positions:%s", user) }
