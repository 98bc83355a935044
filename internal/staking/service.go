// Package staking provides the HTTP handlers for creating markets, placing
// stakes, resolving markets, claiming payouts and querying positions.
//
// Amounts on the wire are integer base units (1e9 per token).
package staking

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/oracle-engine/internal/archive"
	"github.com/atmx/oracle-engine/internal/auth"
	"github.com/atmx/oracle-engine/internal/escrow"
	"github.com/atmx/oracle-engine/internal/market"
	"github.com/atmx/oracle-engine/internal/model"
	"github.com/atmx/oracle-engine/internal/store"
)

// Service handles market operations over HTTP. All mutations go through the
// engine; reads go straight to the store.
type Service struct {
	engine      *market.Engine
	store       store.Store
	ledger      escrow.Transferer
	hub         *WSHub // optional
	archiver    archive.Archiver
	leaderboard *Leaderboard
	opts        Options
}

// Options tunes the optional parts of the service.
type Options struct {
	Hub         *WSHub
	Archiver    archive.Archiver
	Leaderboard *Leaderboard
	// FaucetMax enables POST /accounts/{address}/airdrop when positive.
	FaucetMax           int64
	LeaderboardLimit    int
	LeaderboardMaxLimit int
}

// NewService creates a new staking service.
func NewService(engine *market.Engine, st store.Store, ledger escrow.Transferer, opts Options) *Service {
	if opts.Archiver == nil {
		opts.Archiver = archive.NopArchiver{}
	}
	if opts.LeaderboardLimit <= 0 {
		opts.LeaderboardLimit = 20
	}
	if opts.LeaderboardMaxLimit < opts.LeaderboardLimit {
		opts.LeaderboardMaxLimit = opts.LeaderboardLimit
	}
	return &Service{
		engine:      engine,
		store:       st,
		ledger:      ledger,
		hub:         opts.Hub,
		archiver:    opts.Archiver,
		leaderboard: opts.Leaderboard,
		opts:        opts,
	}
}

// Routes returns the /api/v1 router. Mutating routes require a request
// signature checked by v.
func (s *Service) Routes(v auth.Verifier) chi.Router {
	r := chi.NewRouter()

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/odds", s.GetOdds)
	r.Get("/markets/{marketID}/positions", s.ListMarketPositions)
	r.Get("/positions/{positionKey}", s.GetPosition)
	r.Get("/users/{address}/positions", s.ListUserPositions)
	r.Get("/leaderboard", s.GetLeaderboard)
	r.Get("/accounts/{address}/balance", s.GetBalance)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(v))
		r.Post("/markets", s.CreateMarket)
		r.Post("/markets/{marketID}/stakes", s.PlaceStake)
		r.Post("/markets/{marketID}/resolve", s.ResolveMarket)
		r.Post("/positions/{positionKey}/claim", s.ClaimPayout)
		if s.opts.FaucetMax > 0 {
			r.Post("/accounts/{address}/airdrop", s.Airdrop)
		}
	})
	return r
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	MarketID string `json:"market_id"`
	Question string `json:"question"`
	EndTime  int64  `json:"end_time"` // unix seconds
}

// StakeRequest is the JSON body for POST /markets/{marketID}/stakes.
type StakeRequest struct {
	Amount  int64  `json:"amount"`
	Outcome string `json:"outcome"`
	// Timestamp distinguishes several positions of one user in one market.
	// Zero uses the signed request time, so a replayed request is a 409.
	Timestamp int64 `json:"timestamp"`
}

// StakeResponse is returned from a successful stake.
type StakeResponse struct {
	PositionKey string         `json:"position_key"`
	Position    model.Position `json:"position"`
	Market      model.Market   `json:"market"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	WinningOutcome string `json:"winning_outcome"`
}

// OddsResponse is the current implied probability of each side.
type OddsResponse struct {
	MarketID     string          `json:"market_id"`
	PoolYes      int64           `json:"pool_yes"`
	PoolNo       int64           `json:"pool_no"`
	TotalPool    decimal.Decimal `json:"total_pool_tokens"`
	YesBps       int64           `json:"yes_bps"`
	NoBps        int64           `json:"no_bps"`
	YesPercent   decimal.Decimal `json:"yes_percent"`
	NoPercent    decimal.Decimal `json:"no_percent"`
	Status       string          `json:"status"`
	Participants int64           `json:"participant_count"`
}

// BalanceResponse is an account balance.
type BalanceResponse struct {
	Address string          `json:"address"`
	Balance int64           `json:"balance"`
	Tokens  decimal.Decimal `json:"tokens"`
}

// AirdropRequest is the JSON body for the development faucet.
type AirdropRequest struct {
	Amount int64 `json:"amount"`
}

// --- Mutating handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "BadRequest", http.StatusBadRequest)
		return
	}

	var end time.Time
	if req.EndTime != 0 {
		end = time.Unix(req.EndTime, 0).UTC()
	}
	m, err := s.engine.CreateMarket(r.Context(), p, market.CreateMarketParams{
		ID:       req.MarketID,
		Question: req.Question,
		EndTime:  end,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	s.hub.Publish(Event{Type: EventMarketCreated, MarketID: m.ID, User: string(m.Authority), OddsYes: market.EvenOdds})
	writeJSON(w, http.StatusCreated, m)
}

// PlaceStake handles POST /api/v1/markets/{marketID}/stakes
func (s *Service) PlaceStake(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req StakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "BadRequest", http.StatusBadRequest)
		return
	}
	outcome, err := model.ParseOutcome(req.Outcome)
	if err != nil {
		writeError(w, err.Error(), "InvalidOutcome", http.StatusBadRequest)
		return
	}

	res, err := s.engine.PlaceStake(r.Context(), p, market.StakeParams{
		MarketID:  chi.URLParam(r, "marketID"),
		Amount:    req.Amount,
		Outcome:   outcome,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	if s.leaderboard != nil {
		s.leaderboard.Invalidate()
	}
	yes, _, _ := market.ImpliedOdds(res.Market.PoolYes, res.Market.PoolNo)
	s.hub.Publish(Event{
		Type:     EventStakePlaced,
		MarketID: res.Market.ID,
		User:     string(p.Identity),
		Outcome:  string(outcome),
		Amount:   req.Amount,
		PoolYes:  res.Market.PoolYes,
		PoolNo:   res.Market.PoolNo,
		OddsYes:  yes,
	})
	writeJSON(w, http.StatusCreated, StakeResponse{
		PositionKey: res.Position.Key().String(),
		Position:    *res.Position,
		Market:      *res.Market,
	})
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "BadRequest", http.StatusBadRequest)
		return
	}
	outcome, err := model.ParseOutcome(req.WinningOutcome)
	if err != nil {
		writeError(w, err.Error(), "InvalidOutcome", http.StatusBadRequest)
		return
	}

	m, err := s.engine.ResolveMarket(r.Context(), p, chi.URLParam(r, "marketID"), outcome)
	if err != nil {
		writeErr(w, err)
		return
	}

	yes, _, _ := market.ImpliedOdds(m.PoolYes, m.PoolNo)
	s.hub.Publish(Event{
		Type:           EventMarketResolved,
		MarketID:       m.ID,
		PoolYes:        m.PoolYes,
		PoolNo:         m.PoolNo,
		OddsYes:        yes,
		WinningOutcome: string(outcome),
	})
	go s.archive(*m)
	writeJSON(w, http.StatusOK, m)
}

// archive uploads the settlement snapshot of a freshly resolved market.
// Failures are logged only.
func (s *Service) archive(m model.Market) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	positions, err := s.store.ListPositionsByMarket(ctx, m.ID)
	if err != nil {
		slog.Error("settlement archive: list positions", "market", m.ID, "err", err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	err = s.archiver.Archive(ctx, model.Settlement{
		Market:     m,
		Positions:  positions,
		ArchivedAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Error("settlement archive failed", "market", m.ID, "err", err)
		return
	}
	slog.Info("settlement archived", "market", m.ID, "key", archive.Key(m.ID), "positions", len(positions))
}

// ClaimPayout handles POST /api/v1/positions/{positionKey}/claim
func (s *Service) ClaimPayout(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	key, ok := positionKey(w, r)
	if !ok {
		return
	}

	pos, err := s.engine.ClaimPayout(r.Context(), p, key)
	if err != nil {
		writeErr(w, err)
		return
	}

	if s.leaderboard != nil {
		s.leaderboard.Invalidate()
	}
	s.hub.Publish(Event{
		Type:     EventPayoutClaimed,
		MarketID: pos.MarketID,
		User:     string(pos.User),
		Outcome:  string(pos.Outcome),
		Amount:   pos.PayoutAmount,
	})
	writeJSON(w, http.StatusOK, pos)
}

// Airdrop handles POST /api/v1/accounts/{address}/airdrop. Development only;
// callers may only fund their own account.
func (s *Service) Airdrop(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	addr, ok := address(w, r)
	if !ok {
		return
	}
	if addr != p.Identity {
		writeError(w, "airdrops go to the signer's own account", "Unauthorized", http.StatusForbidden)
		return
	}
	var req AirdropRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "BadRequest", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 || req.Amount > s.opts.FaucetMax {
		writeError(w, "amount must be between 1 and "+strconv.FormatInt(s.opts.FaucetMax, 10),
			"InvalidAmount", http.StatusBadRequest)
		return
	}
	if err := s.ledger.Credit(r.Context(), escrow.UserAccount(addr), req.Amount); err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("faucet airdrop", "user", addr, "amount", req.Amount)
	s.writeBalance(w, r, addr)
}

// --- Read handlers ---

// ListMarkets handles GET /api/v1/markets
// Optionally filtered by ?status=active|resolved.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	status := model.MarketStatus(r.URL.Query().Get("status"))
	if status != "" && status != model.StatusActive && status != model.StatusResolved {
		writeError(w, "status must be active or resolved", "BadRequest", http.StatusBadRequest)
		return
	}

	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	filtered := make([]model.Market, 0, len(markets))
	for _, m := range markets {
		if status == "" || m.Status == status {
			filtered = append(filtered, m)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetOdds handles GET /api/v1/markets/{marketID}/odds
func (s *Service) GetOdds(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	yes, no, err := market.ImpliedOdds(m.PoolYes, m.PoolNo)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OddsResponse{
		MarketID:     m.ID,
		PoolYes:      m.PoolYes,
		PoolNo:       m.PoolNo,
		TotalPool:    model.ToUnits(m.TotalVolume),
		YesBps:       yes,
		NoBps:        no,
		YesPercent:   model.OddsPercent(yes),
		NoPercent:    model.OddsPercent(no),
		Status:       string(m.Status),
		Participants: m.ParticipantCount,
	})
}

// ListMarketPositions handles GET /api/v1/markets/{marketID}/positions
func (s *Service) ListMarketPositions(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		writeErr(w, err)
		return
	}
	positions, err := s.store.ListPositionsByMarket(r.Context(), marketID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/positions/{positionKey}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	key, ok := positionKey(w, r)
	if !ok {
		return
	}
	pos, err := s.store.GetPosition(r.Context(), key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ListUserPositions handles GET /api/v1/users/{address}/positions
func (s *Service) ListUserPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := address(w, r)
	if !ok {
		return
	}
	positions, err := s.store.ListPositionsByUser(r.Context(), addr)
	if err != nil {
		writeErr(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetLeaderboard handles GET /api/v1/leaderboard?limit=N
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := s.opts.LeaderboardLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", "BadRequest", http.StatusBadRequest)
			return
		}
		limit = min(n, s.opts.LeaderboardMaxLimit)
	}

	var (
		stats []model.UserStats
		err   error
	)
	if s.leaderboard != nil {
		stats, err = s.leaderboard.Top(r.Context(), limit)
	} else {
		stats, err = s.store.Leaderboard(r.Context(), limit)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if stats == nil {
		stats = []model.UserStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetBalance handles GET /api/v1/accounts/{address}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := address(w, r)
	if !ok {
		return
	}
	s.writeBalance(w, r, addr)
}

func (s *Service) writeBalance(w http.ResponseWriter, r *http.Request, addr model.Identity) {
	bal, err := s.ledger.Balance(r.Context(), escrow.UserAccount(addr))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Address: string(addr), Balance: bal, Tokens: model.ToUnits(bal)})
}

// --- helpers ---

func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, "request is not signed", "Unauthenticated", http.StatusUnauthorized)
	}
	return p, ok
}

func address(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	addr, err := auth.NormalizeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err.Error(), "BadRequest", http.StatusBadRequest)
		return "", false
	}
	return addr, true
}

// positionKey parses "<address>:<market_id>:<timestamp>" and normalises the
// address so that lowercase keys resolve too.
func positionKey(w http.ResponseWriter, r *http.Request) (model.PositionKey, bool) {
	key, err := model.ParsePositionKey(chi.URLParam(r, "positionKey"))
	if err != nil {
		writeError(w, err.Error(), "BadRequest", http.StatusBadRequest)
		return model.PositionKey{}, false
	}
	user, err := auth.NormalizeAddress(string(key.User))
	if err != nil {
		writeError(w, err.Error(), "BadRequest", http.StatusBadRequest)
		return model.PositionKey{}, false
	}
	key.User = user
	return key, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
