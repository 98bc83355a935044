package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/oracle-engine/internal/archive"
	"github.com/atmx/oracle-engine/internal/auth"
	"github.com/atmx/oracle-engine/internal/config"
	"github.com/atmx/oracle-engine/internal/metrics"
	"github.com/atmx/oracle-engine/internal/model"
	"github.com/atmx/oracle-engine/internal/staking"
)

//nolint:gochecknoglobals // Cobra boilerplate
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := seedActiveGauge(ctx, d); err != nil {
		slog.Warn("could not count active markets", "err", err)
	}

	var archiver archive.Archiver = archive.NopArchiver{}
	if cfg.Archive.Bucket != "" {
		s3a, err := archive.NewS3Archiver(ctx, archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			Bucket:    cfg.Archive.Bucket,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			PathStyle: cfg.Archive.PathStyle,
		})
		if err != nil {
			return err
		}
		archiver = s3a
		slog.Info("settlement archive enabled", "bucket", cfg.Archive.Bucket)
	}

	leaderboard, err := staking.NewLeaderboard(d.store, cfg.Leaderboard.CacheTTL.Duration)
	if err != nil {
		return err
	}
	defer leaderboard.Close()

	var verifier auth.Verifier = auth.NewEthVerifier(cfg.Auth.MaxSkew.Duration)
	if cfg.Auth.Insecure {
		slog.Warn("request signatures are NOT verified (auth.insecure); never use in production")
		verifier = auth.InsecureVerifier{}
	}

	hub := staking.NewWSHub()
	var faucetMax int64
	if cfg.Escrow.FaucetEnabled {
		faucetMax = cfg.Escrow.FaucetMax
		slog.Warn("development faucet enabled", "max", faucetMax)
		if cfg.Postgres.DSN != "" {
			slog.Warn("faucet mints into a durable ledger; disable escrow.faucet_enabled outside development",
				"max_per_call", faucetMax)
		}
	}
	svc := staking.NewService(d.engine, d.store, d.ledger, staking.Options{
		Hub:                 hub,
		Archiver:            archiver,
		Leaderboard:         leaderboard,
		FaucetMax:           faucetMax,
		LeaderboardLimit:    cfg.Leaderboard.DefaultLimit,
		LeaderboardMaxLimit: cfg.Leaderboard.MaxLimit,
	})

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      newRouter(cfg, svc, verifier),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("oracle-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down oracle-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("oracle-engine stopped")
	return err
}

func newRouter(cfg *config.Config, svc *staking.Service, verifier auth.Verifier) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"oracle-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/api/v1", svc.Routes(verifier))
	return r
}

// cors allows the configured origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	headers := strings.Join([]string{
		"Content-Type", auth.HeaderAddress, auth.HeaderTimestamp, auth.HeaderSignature,
	}, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowed["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", headers)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func seedActiveGauge(ctx context.Context, d *deps) error {
	markets, err := d.store.ListMarkets(ctx)
	if err != nil {
		return err
	}
	var active int
	for _, m := range markets {
		if m.Status == model.StatusActive {
			active++
		}
	}
	metrics.ActiveMarkets.Set(float64(active))
	return nil
}
