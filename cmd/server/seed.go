package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/atmx/oracle-engine/internal/auth"
	"github.com/atmx/oracle-engine/internal/market"
	"github.com/atmx/oracle-engine/internal/store"
)

//nolint:gochecknoglobals // Cobra boilerplate
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create markets from a TOML file",
	Long: `Creates every market listed in the seed file, owned by seed.authority.
Markets that already exist are skipped, so seeding is repeatable.

    [[market]]
    id = "btc-100k-2026"
    question = "Will BTC close above $100k on 2026-12-31?"
    end_time = 2026-12-31T23:59:59Z   # or: ends_in = "720h"`,
	RunE: runSeed,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().StringP("file", "f", "markets.toml", "seed file")
	seedCmd.Flags().String("authority", "", "authority address (overrides seed.authority)")
}

type seedFile struct {
	Markets []seedMarket `toml:"market"`
}

type seedMarket struct {
	ID       string    `toml:"id"`
	Question string    `toml:"question"`
	EndTime  time.Time `toml:"end_time"`
	EndsIn   string    `toml:"ends_in"`
}

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("file")
	authority := cfg.Seed.Authority
	if v, _ := cmd.Flags().GetString("authority"); v != "" {
		authority = v
	}
	id, err := auth.NormalizeAddress(authority)
	if err != nil {
		return fmt.Errorf("seed authority: %w", err)
	}

	markets, err := loadSeedFile(path)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	created, err := seedMarkets(ctx, d.engine, auth.Principal{Identity: id}, markets, time.Now())
	if err != nil {
		return err
	}
	slog.Info("seed complete", "file", path, "created", created, "total", len(markets))
	return nil
}

func loadSeedFile(path string) ([]seedMarket, error) {
	var f seedFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}
	return f.Markets, nil
}

// seedMarkets creates each market, skipping ones that already exist. It
// returns how many were created.
func seedMarkets(ctx context.Context, engine *market.Engine, p auth.Principal, markets []seedMarket, now time.Time) (int, error) {
	created := 0
	for _, sm := range markets {
		end := sm.EndTime
		if sm.EndsIn != "" {
			d, err := time.ParseDuration(sm.EndsIn)
			if err != nil {
				return created, fmt.Errorf("market %s: ends_in: %w", sm.ID, err)
			}
			end = now.Add(d)
		}

		_, err := engine.CreateMarket(ctx, p, market.CreateMarketParams{
			ID:       sm.ID,
			Question: sm.Question,
			EndTime:  end,
		})
		switch {
		case errors.Is(err, store.ErrAlreadyExists):
			slog.Info("market exists, skipping", "market", sm.ID)
		case err != nil:
			return created, fmt.Errorf("market %s: %w", sm.ID, err)
		default:
			created++
		}
	}
	return created, nil
}
