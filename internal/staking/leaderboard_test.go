package staking_test

import (
	"context"
	"testing"
	"time"

	"github.com/atmx/oracle-engine/internal/model"
	"github.com/atmx/oracle-engine/internal/staking"
	"github.com/atmx/oracle-engine/internal/store"
)

type countingStore struct {
	store.Store
	calls int
}

func (c *countingStore) Leaderboard(ctx context.Context, limit int) ([]model.UserStats, error) {
	c.calls++
	return c.Store.Leaderboard(ctx, limit)
}

func TestLeaderboard_CachesUntilInvalidated(t *testing.T) {
	st := &countingStore{Store: store.NewMemoryStore()}
	lb, err := staking.NewLeaderboard(st, time.Minute)
	if err != nil {
		t.Fatalf("NewLeaderboard: %v", err)
	}
	defer lb.Close()
	ctx := context.Background()

	if _, err := lb.Top(ctx, 10); err != nil {
		t.Fatalf("Top: %v", err)
	}
	lb.Wait()
	if _, err := lb.Top(ctx, 10); err != nil {
		t.Fatalf("Top: %v", err)
	}
	if st.calls != 1 {
		t.Errorf("store calls = %d, want 1 (second read cached)", st.calls)
	}

	// Different limits are cached separately.
	if _, err := lb.Top(ctx, 5); err != nil {
		t.Fatalf("Top: %v", err)
	}
	if st.calls != 2 {
		t.Errorf("store calls = %d, want 2", st.calls)
	}

	lb.Invalidate()
	if _, err := lb.Top(ctx, 10); err != nil {
		t.Fatalf("Top: %v", err)
	}
	if st.calls != 3 {
		t.Errorf("store calls = %d, want 3 after Invalidate", st.calls)
	}
}

func TestLeaderboard_ZeroTTLDisablesCache(t *testing.T) {
	st := &countingStore{Store: store.NewMemoryStore()}
	lb, err := staking.NewLeaderboard(st, 0)
	if err != nil {
		t.Fatalf("NewLeaderboard: %v", err)
	}
	defer lb.Close()

	for range 3 {
		stats, err := lb.Top(context.Background(), 10)
		if err != nil {
			t.Fatalf("Top: %v", err)
		}
		if stats == nil {
			t.Fatal("Top returned nil, want empty slice")
		}
	}
	if st.calls != 3 {
		t.Errorf("store calls = %d, want 3", st.calls)
	}
}
