package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atmx/oracle-engine/internal/model"
)

func seedMarket(t *testing.T, s *MemoryStore, id string) *model.Market {
	t.Helper()
	m := &model.Market{
		ID:        id,
		Authority: "0xAuthority",
		Question:  "Will it rain?",
		EndTime:   time.Now().Add(time.Hour),
		Status:    model.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	return m
}

// positionFor returns a StakeFunc that stakes amount on o without looking
// at the market.
func positionFor(user model.Identity, ts, amount int64, o model.Outcome) StakeFunc {
	return func(m *model.Market) (*model.Position, error) {
		p := &model.Position{User: user, MarketID: m.ID, Timestamp: ts, StakeAmount: amount, Outcome: o}
		p.ID = p.Key().String()
		return p, nil
	}
}

func stakeOn(t *testing.T, s *MemoryStore, m *model.Market, user model.Identity, ts, amount int64, o model.Outcome) *model.Position {
	t.Helper()
	_, p, err := s.RecordStake(context.Background(), m.ID, positionFor(user, ts, amount, o), nil)
	if err != nil {
		t.Fatalf("record stake: %v", err)
	}
	return p
}

func TestMemoryStore_DuplicateMarket(t *testing.T) {
	s := NewMemoryStore()
	m := seedMarket(t, s, "m1")
	if err := s.CreateMarket(context.Background(), m); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMemoryStore_GetMarketNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetMarket(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_RecordStakeCountsParticipants(t *testing.T) {
	s := NewMemoryStore()
	m := seedMarket(t, s, "m1")

	stakeOn(t, s, m, "alice", 1, 10, model.OutcomeYes)
	stakeOn(t, s, m, "alice", 2, 10, model.OutcomeNo)
	stakeOn(t, s, m, "bob", 1, 5, model.OutcomeYes)

	got, _ := s.GetMarket(context.Background(), "m1")
	if got.ParticipantCount != 2 {
		t.Errorf("expected 2 participants, got %d", got.ParticipantCount)
	}
	if got.PoolYes != 15 || got.PoolNo != 10 || got.TotalVolume != 25 {
		t.Errorf("unexpected pools: %+v", got)
	}
}

func TestMemoryStore_RecordStakeDuplicateKey(t *testing.T) {
	s := NewMemoryStore()
	m := seedMarket(t, s, "m1")
	stakeOn(t, s, m, "alice", 1, 10, model.OutcomeYes)

	before, _ := s.GetMarket(context.Background(), "m1")
	_, _, err := s.RecordStake(context.Background(), "m1", positionFor("alice", 1, 3, model.OutcomeNo), nil)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	after, _ := s.GetMarket(context.Background(), "m1")
	if after.PoolNo != before.PoolNo {
		t.Errorf("pool changed on rejected stake: %d → %d", before.PoolNo, after.PoolNo)
	}
}

func TestMemoryStore_RecordStakeAddsToStoredPools(t *testing.T) {
	s := NewMemoryStore()
	m := seedMarket(t, s, "m1")
	stale := *m // taken before any stake

	stakeOn(t, s, m, "alice", 1, 300, model.OutcomeYes)

	var seen model.Market
	prepare := func(locked *model.Market) (*model.Position, error) {
		seen = *locked
		return positionFor("bob", 1, 100, model.OutcomeYes)(locked)
	}
	after, _, err := s.RecordStake(context.Background(), stale.ID, prepare, nil)
	if err != nil {
		t.Fatalf("record stake: %v", err)
	}
	if seen.PoolYes != 300 {
		t.Errorf("prepare saw pool_yes %d, want 300", seen.PoolYes)
	}
	if after.PoolYes != 400 || after.TotalVolume != 400 {
		t.Errorf("pools after stake = %+v, want yes=400 volume=400", after)
	}
}

func TestMemoryStore_PrepareErrorAbortsStake(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, "m1")

	closed := errors.New("closed")
	transferred := false
	_, _, err := s.RecordStake(context.Background(), "m1",
		func(*model.Market) (*model.Position, error) { return nil, closed },
		func(context.Context) error { transferred = true; return nil })
	if !errors.Is(err, closed) {
		t.Fatalf("expected prepare error, got %v", err)
	}
	if transferred {
		t.Error("transfer ran after prepare failed")
	}
}

func TestMemoryStore_TransferFailureAbortsStake(t *testing.T) {
	s := NewMemoryStore()
	seedMarket(t, s, "m1")

	boom := errors.New("boom")
	undone := false
	transfer := func(ctx context.Context) error {
		u, ok := UnitFrom(ctx)
		if !ok {
			t.Fatal("transfer ran outside a unit of work")
		}
		u.OnRollback(func() { undone = true })
		return boom
	}
	_, _, err := s.RecordStake(context.Background(), "m1", positionFor("alice", 1, 10, model.OutcomeYes), transfer)
	if !errors.Is(err, boom) {
		t.Fatalf("expected transfer error, got %v", err)
	}
	if !undone {
		t.Error("rollback hooks did not run")
	}
	got, _ := s.GetMarket(context.Background(), "m1")
	if got.TotalVolume != 0 || got.ParticipantCount != 0 {
		t.Errorf("expected untouched market, got %+v", got)
	}
	if _, err := s.GetPosition(context.Background(), model.PositionKey{User: "alice", MarketID: "m1", Timestamp: 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no position, got %v", err)
	}
}

func TestMemoryStore_SuccessfulTransferKeepsEffects(t *testing.T) {
	s := NewMemoryStore()
	m := seedMarket(t, s, "m1")
	p := stakeOn(t, s, m, "alice", 1, 10, model.OutcomeYes)

	undone := false
	transfer := func(ctx context.Context) error {
		u, _ := UnitFrom(ctx)
		u.OnRollback(func() { undone = true })
		return nil
	}
	p.PayoutAmount = 10
	if err := s.RecordClaim(context.Background(), p, transfer); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if undone {
		t.Error("rollback hook ran for a committed claim")
	}
}

func TestMemoryStore_ResolveOnlyOnce(t *testing.T) {
	s := NewMemoryStore()
	m := seedMarket(t, s, "m1")
	m.Status = model.StatusResolved
	m.WinningOutcome = model.ResolvedTo(model.OutcomeYes)
	if err := s.ResolveMarket(context.Background(), m); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m.WinningOutcome = model.ResolvedTo(model.OutcomeNo)
	if err := s.ResolveMarket(context.Background(), m); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	got, _ := s.GetMarket(context.Background(), "m1")
	if w, _ := got.WinningOutcome.Winner(); w != model.OutcomeYes {
		t.Errorf("winner changed to %s", w)
	}
}

func TestMemoryStore_ClaimOnlyOnce(t *testing.T) {
	s := NewMemoryStore()
	m := seedMarket(t, s, "m1")
	p := stakeOn(t, s, m, "alice", 1, 10, model.OutcomeYes)

	p.PayoutAmount = 10
	if err := s.RecordClaim(context.Background(), p, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	p.PayoutAmount = 99
	if err := s.RecordClaim(context.Background(), p, nil); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	got, _ := s.GetPosition(context.Background(), p.Key())
	if got.PayoutAmount != 10 || !got.Claimed {
		t.Errorf("unexpected position after double claim: %+v", got)
	}
}

func TestMemoryStore_Leaderboard(t *testing.T) {
	s := NewMemoryStore()
	m := seedMarket(t, s, "m1")
	a := stakeOn(t, s, m, "alice", 1, 30, model.OutcomeYes)
	stakeOn(t, s, m, "bob", 1, 100, model.OutcomeNo)
	stakeOn(t, s, m, "carol", 1, 5, model.OutcomeNo)

	a.PayoutAmount = 135
	if err := s.RecordClaim(context.Background(), a, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	board, err := s.Leaderboard(context.Background(), 2)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(board))
	}
	if board[0].User != "alice" || board[0].TotalPayout != 135 || board[0].NetProfit != 105 || board[0].Wins != 1 {
		t.Errorf("unexpected leader: %+v", board[0])
	}
	if board[1].User != "bob" {
		t.Errorf("expected bob second by volume, got %s", board[1].User)
	}
}
