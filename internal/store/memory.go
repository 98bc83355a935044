package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/oracle-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	markets      map[string]*model.Market
	positions    map[model.PositionKey]*model.Position
	order        []model.PositionKey // insertion order
	participants map[string]map[model.Identity]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:      make(map[string]*model.Market),
		positions:    make(map[model.PositionKey]*model.Position),
		participants: make(map[string]map[model.Identity]struct{}),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}

	// Store a copy to avoid external mutation.
	copy := *m
	s.markets[m.ID] = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) RecordStake(ctx context.Context, marketID string, prepare StakeFunc, transfer TransferFunc) (*model.Market, *model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.markets[marketID]
	if !ok {
		return nil, nil, fmt.Errorf("market %s: %w", marketID, ErrNotFound)
	}
	snapshot := *stored
	pos, err := prepare(&snapshot)
	if err != nil {
		return nil, nil, err
	}
	if pos.MarketID != marketID {
		return nil, nil, fmt.Errorf("position for market %s staked on %s", pos.MarketID, marketID)
	}
	key := pos.Key()
	if _, ok := s.positions[key]; ok {
		return nil, nil, fmt.Errorf("position %s: %w", key, ErrAlreadyExists)
	}

	// Nothing below the transfer can fail.
	if err := runTransfer(ctx, &Unit{}, transfer); err != nil {
		return nil, nil, err
	}

	applyStake(stored, pos)
	users, ok := s.participants[marketID]
	if !ok {
		users = make(map[model.Identity]struct{})
		s.participants[marketID] = users
	}
	if _, seen := users[pos.User]; !seen {
		users[pos.User] = struct{}{}
		stored.ParticipantCount++
	}

	copy := *pos
	s.positions[key] = &copy
	s.order = append(s.order, key)

	after := *stored
	return &after, pos, nil
}

func (s *MemoryStore) ResolveMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.markets[m.ID]
	if !ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	if stored.Status != model.StatusActive {
		return fmt.Errorf("market %s is %s: %w", m.ID, stored.Status, ErrConflict)
	}
	stored.Status = m.Status
	stored.WinningOutcome = m.WinningOutcome
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, key model.PositionKey) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", key, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool { return p.MarketID == marketID }), nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, user model.Identity) ([]model.Position, error) {
	return s.filterPositions(func(p *model.Position) bool { return p.User == user }), nil
}

func (s *MemoryStore) RecordClaim(ctx context.Context, pos *model.Position, transfer TransferFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pos.Key()
	stored, ok := s.positions[key]
	if !ok {
		return fmt.Errorf("position %s: %w", key, ErrNotFound)
	}
	if stored.Claimed {
		return fmt.Errorf("position %s already claimed: %w", key, ErrConflict)
	}

	if err := runTransfer(ctx, &Unit{}, transfer); err != nil {
		return err
	}

	stored.PayoutAmount = pos.PayoutAmount
	stored.Claimed = true
	return nil
}

func (s *MemoryStore) Leaderboard(_ context.Context, limit int) ([]model.UserStats, error) {
	all := s.filterPositions(func(*model.Position) bool { return true })
	return aggregateLeaderboard(all, limit), nil
}

func (s *MemoryStore) filterPositions(keep func(*model.Position) bool) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, key := range s.order {
		if p := s.positions[key]; keep(p) {
			result = append(result, *p)
		}
	}
	return result
}

// aggregateLeaderboard folds positions into per-user stats.
func aggregateLeaderboard(positions []model.Position, limit int) []model.UserStats {
	byUser := make(map[model.Identity]*model.UserStats)
	for _, p := range positions {
		st, ok := byUser[p.User]
		if !ok {
			st = &model.UserStats{User: p.User}
			byUser[p.User] = st
		}
		st.TotalVolume += p.StakeAmount
		st.TotalPositions++
		if p.Claimed {
			st.TotalPayout += p.PayoutAmount
			st.NetProfit += p.PayoutAmount - p.StakeAmount
			if p.PayoutAmount > 0 {
				st.Wins++
			}
		}
	}

	stats := make([]model.UserStats, 0, len(byUser))
	for _, st := range byUser {
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if a.TotalPayout != b.TotalPayout {
			return a.TotalPayout > b.TotalPayout
		}
		if a.TotalVolume != b.TotalVolume {
			return a.TotalVolume > b.TotalVolume
		}
		return a.User < b.User
	})
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats
}
