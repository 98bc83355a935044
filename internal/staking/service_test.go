package staking_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"

	"github.com/atmx/oracle-engine/internal/auth"
	"github.com/atmx/oracle-engine/internal/escrow"
	"github.com/atmx/oracle-engine/internal/lock"
	"github.com/atmx/oracle-engine/internal/market"
	"github.com/atmx/oracle-engine/internal/model"
	"github.com/atmx/oracle-engine/internal/staking"
	"github.com/atmx/oracle-engine/internal/store"
)

type recordingArchiver struct {
	got chan model.Settlement
}

func (a *recordingArchiver) Archive(_ context.Context, s model.Settlement) error {
	a.got <- s
	return nil
}

type testEnv struct {
	router   chi.Router
	store    *store.MemoryStore
	ledger   *escrow.MemoryLedger
	archived chan model.Settlement
}

// newTestEnv creates a Service with in-memory store and ledger behind a chi
// router mounted at /api/v1.
func newTestEnv(t *testing.T, faucetMax int64) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	sealer, err := escrow.NewSealer([]byte("staking-test-capability-secret"))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	ledger := escrow.NewMemoryLedger(sealer)
	engine := market.NewEngine(ms, ledger, sealer, lock.NewKeyedMutex())

	lb, err := staking.NewLeaderboard(ms, 0)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	t.Cleanup(lb.Close)

	archiver := &recordingArchiver{got: make(chan model.Settlement, 4)}
	svc := staking.NewService(engine, ms, ledger, staking.Options{
		Archiver:    archiver,
		Leaderboard: lb,
		FaucetMax:   faucetMax,
	})

	r := chi.NewRouter()
	r.Mount("/api/v1", svc.Routes(auth.NewEthVerifier(time.Minute)))
	return &testEnv{router: r, store: ms, ledger: ledger, archived: archiver.got}
}

type user struct {
	key  *ecdsa.PrivateKey
	addr string
}

func newUser(t *testing.T) user {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return user{key: key, addr: ethcrypto.PubkeyToAddress(key.PublicKey).Hex()}
}

func (e *testEnv) fund(t *testing.T, u user, amount int64) {
	t.Helper()
	if err := e.ledger.Credit(context.Background(), escrow.UserAccount(model.Identity(u.addr)), amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) signed(t *testing.T, u user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	ts := time.Now().Unix()
	sig, err := auth.SignRequest(u.key, method, path, ts, raw)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAddress, u.addr)
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(auth.HeaderSignature, sig)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createMarket(t *testing.T, authority user, id string, end time.Time) model.Market {
	t.Helper()
	w := e.signed(t, authority, "POST", "/api/v1/markets", staking.CreateMarketRequest{
		MarketID: id, Question: "Will BTC close above 100k?", EndTime: end.Unix(),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create market: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	return m
}

func (e *testEnv) stake(t *testing.T, u user, marketID string, ts, amount int64, outcome string) staking.StakeResponse {
	t.Helper()
	w := e.signed(t, u, "POST", "/api/v1/markets/"+marketID+"/stakes", staking.StakeRequest{
		Amount: amount, Outcome: outcome, Timestamp: ts,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("stake: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp staking.StakeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return body["code"]
}

// --- Market creation ---

func TestCreateMarket(t *testing.T) {
	env := newTestEnv(t, 0)
	admin := newUser(t)

	m := env.createMarket(t, admin, "btc-100k", time.Now().Add(time.Hour))
	if string(m.Authority) != admin.addr {
		t.Errorf("authority = %s, want %s", m.Authority, admin.addr)
	}
	if m.Status != model.StatusActive {
		t.Errorf("status = %s, want active", m.Status)
	}

	w := env.signed(t, admin, "POST", "/api/v1/markets", staking.CreateMarketRequest{
		MarketID: "btc-100k", EndTime: time.Now().Add(time.Hour).Unix(),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate market: expected 409, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "AlreadyExists" {
		t.Errorf("code = %s, want AlreadyExists", code)
	}
}

func TestCreateMarket_Unsigned(t *testing.T) {
	env := newTestEnv(t, 0)
	w := env.do(t, "POST", "/api/v1/markets", staking.CreateMarketRequest{MarketID: "m", EndTime: 1})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestCreateMarket_Invalid(t *testing.T) {
	env := newTestEnv(t, 0)
	admin := newUser(t)

	w := env.signed(t, admin, "POST", "/api/v1/markets", staking.CreateMarketRequest{MarketID: "Bad ID", EndTime: 1})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", w.Code)
	}
	w = env.signed(t, admin, "POST", "/api/v1/markets", staking.CreateMarketRequest{MarketID: "no-end"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing end: expected 400, got %d", w.Code)
	}
}

// --- Full lifecycle ---

func TestLifecycle(t *testing.T) {
	env := newTestEnv(t, 0)
	admin, alice, bob := newUser(t), newUser(t), newUser(t)
	env.fund(t, alice, 1000)
	env.fund(t, bob, 1000)

	env.createMarket(t, admin, "rain", time.Now().Add(time.Hour))

	first := env.stake(t, alice, "rain", 1, 300, "yes")
	if first.Position.OddsAtStake != 5000 {
		t.Errorf("first stake odds = %d, want 5000", first.Position.OddsAtStake)
	}
	env.stake(t, bob, "rain", 1, 100, "NO")

	w := env.do(t, "GET", "/api/v1/markets/rain/odds", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("odds: expected 200, got %d", w.Code)
	}
	var odds staking.OddsResponse
	json.Unmarshal(w.Body.Bytes(), &odds)
	if odds.YesBps != 7500 || odds.NoBps != 2500 {
		t.Errorf("odds = %d/%d, want 7500/2500", odds.YesBps, odds.NoBps)
	}
	if odds.Participants != 2 {
		t.Errorf("participants = %d, want 2", odds.Participants)
	}

	// Only the authority resolves.
	w = env.signed(t, alice, "POST", "/api/v1/markets/rain/resolve", staking.ResolveRequest{WinningOutcome: "yes"})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-authority resolve: expected 403, got %d", w.Code)
	}

	claimPath := "/api/v1/positions/" + first.PositionKey + "/claim"
	w = env.signed(t, alice, "POST", claimPath, nil)
	if w.Code != http.StatusConflict || errorCode(t, w) != "MarketNotResolved" {
		t.Errorf("early claim: expected 409 MarketNotResolved, got %d %s", w.Code, w.Body.String())
	}

	w = env.signed(t, admin, "POST", "/api/v1/markets/rain/resolve", staking.ResolveRequest{WinningOutcome: "yes"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	select {
	case s := <-env.archived:
		if s.Market.ID != "rain" || len(s.Positions) != 2 {
			t.Errorf("archived %s with %d positions", s.Market.ID, len(s.Positions))
		}
	case <-time.After(2 * time.Second):
		t.Error("settlement was not archived")
	}

	w = env.signed(t, admin, "POST", "/api/v1/markets/rain/resolve", staking.ResolveRequest{WinningOutcome: "no"})
	if w.Code != http.StatusConflict || errorCode(t, w) != "MarketAlreadyResolved" {
		t.Errorf("second resolve: expected 409 MarketAlreadyResolved, got %d", w.Code)
	}

	// Bob cannot claim Alice's position.
	w = env.signed(t, bob, "POST", claimPath, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign claim: expected 403, got %d", w.Code)
	}

	w = env.signed(t, alice, "POST", claimPath, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var pos model.Position
	json.Unmarshal(w.Body.Bytes(), &pos)
	if pos.PayoutAmount != 400 || !pos.Claimed {
		t.Errorf("claim = %+v, want payout 400 claimed", pos)
	}

	w = env.signed(t, alice, "POST", claimPath, nil)
	if w.Code != http.StatusConflict || errorCode(t, w) != "AlreadyClaimed" {
		t.Errorf("double claim: expected 409 AlreadyClaimed, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/accounts/"+alice.addr+"/balance", nil)
	var bal staking.BalanceResponse
	json.Unmarshal(w.Body.Bytes(), &bal)
	if bal.Balance != 1100 {
		t.Errorf("alice balance = %d, want 1100", bal.Balance)
	}

	w = env.do(t, "GET", "/api/v1/leaderboard", nil)
	var board []model.UserStats
	json.Unmarshal(w.Body.Bytes(), &board)
	if len(board) != 2 || string(board[0].User) != alice.addr || board[0].TotalPayout != 400 {
		t.Errorf("leaderboard = %+v", board)
	}
}

func TestPlaceStake_Errors(t *testing.T) {
	env := newTestEnv(t, 0)
	admin, alice := newUser(t), newUser(t)
	env.fund(t, alice, 50)

	env.createMarket(t, admin, "open", time.Now().Add(time.Hour))
	env.createMarket(t, admin, "closed", time.Now().Add(-time.Minute))

	tests := []struct {
		name   string
		market string
		req    staking.StakeRequest
		status int
		code   string
	}{
		{"zero amount", "open", staking.StakeRequest{Amount: 0, Outcome: "yes", Timestamp: 1}, http.StatusBadRequest, "InvalidAmount"},
		{"bad outcome", "open", staking.StakeRequest{Amount: 1, Outcome: "maybe", Timestamp: 1}, http.StatusBadRequest, "InvalidOutcome"},
		{"expired", "closed", staking.StakeRequest{Amount: 1, Outcome: "yes", Timestamp: 1}, http.StatusConflict, "MarketExpired"},
		{"unknown market", "nope", staking.StakeRequest{Amount: 1, Outcome: "yes", Timestamp: 1}, http.StatusNotFound, "NotFound"},
		{"insufficient funds", "open", staking.StakeRequest{Amount: 51, Outcome: "yes", Timestamp: 1}, http.StatusPaymentRequired, "InsufficientFunds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.signed(t, alice, "POST", "/api/v1/markets/"+tt.market+"/stakes", tt.req)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if code := errorCode(t, w); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
		})
	}

	m, _ := env.store.GetMarket(context.Background(), "open")
	if m.TotalVolume != 0 || m.ParticipantCount != 0 {
		t.Errorf("failed stakes changed the market: %+v", m)
	}
}

// --- Queries ---

func TestListMarkets_StatusFilter(t *testing.T) {
	env := newTestEnv(t, 0)
	admin := newUser(t)
	env.createMarket(t, admin, "a", time.Now().Add(time.Hour))
	env.createMarket(t, admin, "b", time.Now().Add(time.Hour))
	if w := env.signed(t, admin, "POST", "/api/v1/markets/b/resolve", staking.ResolveRequest{WinningOutcome: "no"}); w.Code != http.StatusOK {
		t.Fatalf("resolve: %d", w.Code)
	}

	for status, want := range map[string]int{"": 2, "active": 1, "resolved": 1} {
		w := env.do(t, "GET", "/api/v1/markets?status="+status, nil)
		var markets []model.Market
		json.Unmarshal(w.Body.Bytes(), &markets)
		if len(markets) != want {
			t.Errorf("status=%q: got %d markets, want %d", status, len(markets), want)
		}
	}

	if w := env.do(t, "GET", "/api/v1/markets?status=open", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: expected 400, got %d", w.Code)
	}
}

func TestPositionQueries(t *testing.T) {
	env := newTestEnv(t, 0)
	admin, alice := newUser(t), newUser(t)
	env.fund(t, alice, 100)
	env.createMarket(t, admin, "m", time.Now().Add(time.Hour))
	resp := env.stake(t, alice, "m", 42, 10, "yes")

	w := env.do(t, "GET", "/api/v1/positions/"+resp.PositionKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get position: expected 200, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/users/"+alice.addr+"/positions", nil)
	var positions []model.Position
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 1 || positions[0].Timestamp != 42 {
		t.Errorf("user positions = %+v", positions)
	}

	w = env.do(t, "GET", "/api/v1/markets/m/positions", nil)
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 1 {
		t.Errorf("market positions = %d, want 1", len(positions))
	}

	if w := env.do(t, "GET", "/api/v1/markets/missing/positions", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown market: expected 404, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/positions/garbage", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad key: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/users/not-an-address/positions", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad address: expected 400, got %d", w.Code)
	}
}

// --- Faucet ---

func TestAirdrop(t *testing.T) {
	env := newTestEnv(t, 500)
	alice := newUser(t)
	path := "/api/v1/accounts/" + alice.addr + "/airdrop"

	w := env.signed(t, alice, "POST", path, staking.AirdropRequest{Amount: 200})
	if w.Code != http.StatusOK {
		t.Fatalf("airdrop: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var bal staking.BalanceResponse
	json.Unmarshal(w.Body.Bytes(), &bal)
	if bal.Balance != 200 {
		t.Errorf("balance = %d, want 200", bal.Balance)
	}

	if w := env.signed(t, alice, "POST", path, staking.AirdropRequest{Amount: 501}); w.Code != http.StatusBadRequest {
		t.Errorf("over cap: expected 400, got %d", w.Code)
	}
}

func TestAirdrop_RequiresOwnSignature(t *testing.T) {
	env := newTestEnv(t, 500)
	alice, mallory := newUser(t), newUser(t)
	path := "/api/v1/accounts/" + alice.addr + "/airdrop"

	if w := env.do(t, "POST", path, staking.AirdropRequest{Amount: 100}); w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned: expected 401, got %d", w.Code)
	}
	w := env.signed(t, mallory, "POST", path, staking.AirdropRequest{Amount: 100})
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign signer: expected 403, got %d", w.Code)
	}

	bal, _ := env.ledger.Balance(context.Background(), escrow.UserAccount(model.Identity(alice.addr)))
	if bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
}

func TestAirdrop_DisabledByDefault(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := newUser(t)
	w := env.signed(t, alice, "POST", "/api/v1/accounts/"+alice.addr+"/airdrop", staking.AirdropRequest{Amount: 1})
	if w.Code == http.StatusOK {
		t.Error("faucet should be disabled")
	}
}

// --- Replay ---

func TestPlaceStake_ReplayedRequestStakesOnce(t *testing.T) {
	env := newTestEnv(t, 0)
	admin, alice := newUser(t), newUser(t)
	env.fund(t, alice, 1000)
	env.createMarket(t, admin, "replay", time.Now().Add(time.Hour))

	path := "/api/v1/markets/replay/stakes"
	raw, _ := json.Marshal(staking.StakeRequest{Amount: 100, Outcome: "yes"})
	ts := time.Now().Unix()
	sig, err := auth.SignRequest(alice.key, "POST", path, ts, raw)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var codes []int
	for range 3 {
		req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(auth.HeaderAddress, alice.addr)
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderSignature, sig)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusCreated || codes[1] != http.StatusConflict || codes[2] != http.StatusConflict {
		t.Errorf("status codes = %v, want [201 409 409]", codes)
	}

	m, err := env.store.GetMarket(context.Background(), "replay")
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if m.PoolYes != 100 {
		t.Errorf("pool_yes = %d, want 100", m.PoolYes)
	}
	bal, _ := env.ledger.Balance(context.Background(), escrow.UserAccount(model.Identity(alice.addr)))
	if bal != 900 {
		t.Errorf("balance = %d, want 900", bal)
	}
}
