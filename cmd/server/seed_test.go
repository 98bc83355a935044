package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/oracle-engine/internal/auth"
	"github.com/atmx/oracle-engine/internal/escrow"
	"github.com/atmx/oracle-engine/internal/lock"
	"github.com/atmx/oracle-engine/internal/market"
	"github.com/atmx/oracle-engine/internal/store"
)

const seedTOML = `
[[market]]
id = "btc-100k"
question = "Will BTC close above 100k?"
end_time = 2030-01-01T00:00:00Z

[[market]]
id = "rain-lisbon"
question = "Will it rain in Lisbon tomorrow?"
ends_in = "24h"
`

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markets.toml")
	require.NoError(t, os.WriteFile(path, []byte(seedTOML), 0o600))

	markets, err := loadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.Equal(t, "btc-100k", markets[0].ID)
	assert.Equal(t, 2030, markets[0].EndTime.Year())
	assert.Equal(t, "24h", markets[1].EndsIn)
}

func TestSeedMarkets_Idempotent(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	sealer, err := escrow.NewSealer([]byte("seed-test-capability-secret"))
	require.NoError(t, err)
	engine := market.NewEngine(ms, escrow.NewMemoryLedger(sealer), sealer, lock.NewKeyedMutex())
	p := auth.Principal{Identity: "0x00000000000000000000000000000000000000Aa"}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	markets := []seedMarket{
		{ID: "a", Question: "A?", EndTime: now.Add(time.Hour)},
		{ID: "b", Question: "B?", EndsIn: "48h"},
	}
	n, err := seedMarkets(ctx, engine, p, markets, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	b, err := ms.GetMarket(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, now.Add(48*time.Hour), b.EndTime)
	assert.Equal(t, p.Identity, b.Authority)

	n, err = seedMarkets(ctx, engine, p, markets, now)
	require.NoError(t, err)
	assert.Zero(t, n, "existing markets are skipped")
}

func TestSeedMarkets_Invalid(t *testing.T) {
	ms := store.NewMemoryStore()
	sealer, err := escrow.NewSealer([]byte("seed-test-capability-secret"))
	require.NoError(t, err)
	engine := market.NewEngine(ms, escrow.NewMemoryLedger(sealer), sealer, lock.NewKeyedMutex())

	_, err = seedMarkets(context.Background(), engine, auth.Principal{Identity: "0xA"},
		[]seedMarket{{ID: "x", EndsIn: "soon"}}, time.Now())
	assert.Error(t, err)

	_, err = seedMarkets(context.Background(), engine, auth.Principal{Identity: "0xA"},
		[]seedMarket{{ID: "no-end"}}, time.Now())
	assert.ErrorIs(t, err, market.ErrInvalidEndTime)
}
