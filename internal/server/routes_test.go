package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgame/internal/config"
	"crashgame/internal/crashpoint"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/internal/models"
	"crashgame/internal/reconcile"
	"crashgame/internal/settlement"
	"crashgame/internal/stats"
	"crashgame/internal/store/memory"
)

type testServer struct {
	*FiberServer
	store   *memory.Store
	manager *game.Manager
	source  *crashpoint.Source
}

func newTestServer(t *testing.T, users ...string) *testServer {
	t.Helper()
	st := memory.New()
	led := ledger.NewService(st, ledger.Options{})
	for _, u := range users {
		require.NoError(t, led.Record(context.Background(), &models.Transaction{
			UserID: u,
			Amount: decimal.NewFromInt(1000),
			Type:   models.TxDeposit,
			Status: models.StatusConfirmed,
		}))
	}

	hub := game.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	src := crashpoint.NewSource(st)
	engine := settlement.NewEngine(st, led, settlement.Options{})
	manager := game.NewManager(hub, src, engine, st, nil, game.Config{})

	cfg := config.Defaults().Server
	cfg.RateLimitMax = 0
	srv := New(cfg, Deps{
		Store:     st,
		Hub:       hub,
		Manager:   manager,
		Ledger:    led,
		Crash:     src,
		Stats:     stats.NewService(st, st),
		Reconcile: reconcile.NewJob(st, st, reconcile.Options{}),
	})
	return &testServer{FiberServer: srv, store: st, manager: manager, source: src}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (s *testServer) startRound(t *testing.T, crash float64) {
	t.Helper()
	ctx := context.Background()
	_, err := s.source.SetSequence(ctx, []float64{crash})
	require.NoError(t, err)
	require.NoError(t, s.manager.StartRound(ctx))
}

func balanceOf(t *testing.T, s *testServer, user string) string {
	t.Helper()
	code, body := s.do(t, http.MethodGet, "/api/v1/wallet/"+user+"/balance", nil)
	require.Equal(t, http.StatusOK, code)
	return decimal.RequireFromString(body["balance"].(string)).StringFixed(2)
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)

	db := body["database"].(map[string]any)
	assert.Equal(t, "up", db["status"])
	cache := body["cache"].(map[string]any)
	assert.Equal(t, "disabled", cache["status"])
	g := body["game"].(map[string]any)
	assert.Equal(t, "waiting", g["round_status"])
	assert.EqualValues(t, 0, g["connected_clients"])
}

func TestGameStateHandler(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/api/v1/game/state", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "waiting", body["status"])
	assert.EqualValues(t, 1, body["multiplier"])
	assert.Empty(t, body["recentCrashes"])
}

func TestBetAndCashOut(t *testing.T) {
	s := newTestServer(t, "alice")
	s.startRound(t, 3.0)

	code, body := s.do(t, http.MethodPost, "/api/v1/game/bet", map[string]any{"userId": "alice", "amount": 100})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "900.00", balanceOf(t, s, "alice"))

	for range 10 {
		require.False(t, s.manager.Tick(context.Background()))
	}

	code, body = s.do(t, http.MethodPost, "/api/v1/game/cashout", map[string]any{"userId": "alice", "multiplier": 2.0})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 2, body["multiplier"])
	assert.Equal(t, "200.00", decimal.RequireFromString(body["winAmount"].(string)).StringFixed(2))
	assert.Equal(t, "1100.00", balanceOf(t, s, "alice"))

	code, body = s.do(t, http.MethodPost, "/api/v1/game/cashout", map[string]any{"userId": "alice"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_settled", body["reason"])

	code, body = s.do(t, http.MethodGet, "/api/v1/wallet/alice/transactions?type=game_win", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])
}

func TestPlaceBetRejections(t *testing.T) {
	s := newTestServer(t, "alice")

	code, body := s.do(t, http.MethodPost, "/api/v1/game/bet", map[string]any{"userId": "alice", "amount": 10})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "round_not_active", body["reason"])

	s.startRound(t, 5.0)
	tests := []struct {
		name   string
		body   map[string]any
		status int
		reason string
	}{
		{"missing user", map[string]any{"amount": 10}, http.StatusBadRequest, "invalid_request"},
		{"zero stake", map[string]any{"userId": "alice", "amount": 0}, http.StatusBadRequest, "invalid_stake"},
		{"sub-cent stake", map[string]any{"userId": "alice", "amount": "1.005"}, http.StatusBadRequest, "invalid_stake"},
		{"low auto cash-out", map[string]any{"userId": "alice", "amount": 10, "autoCashoutAt": 1.0}, http.StatusBadRequest, "invalid_auto_cashout"},
		{"insufficient balance", map[string]any{"userId": "alice", "amount": 5000}, http.StatusConflict, "insufficient_balance"},
		{"wrong round", map[string]any{"userId": "alice", "amount": 10, "roundId": "game-1700000000000"}, http.StatusConflict, "round_not_active"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(t, http.MethodPost, "/api/v1/game/bet", tt.body)
			assert.Equal(t, tt.status, code)
			assert.Equal(t, tt.reason, body["reason"])
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Equal(t, "1000.00", balanceOf(t, s, "alice"))
}

func TestWithdrawalFlow(t *testing.T) {
	s := newTestServer(t, "alice")

	code, body := s.do(t, http.MethodPost, "/api/v1/wallet/withdrawal", map[string]any{"userId": "alice", "amount": 100})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_amount", body["reason"])

	code, body = s.do(t, http.MethodPost, "/api/v1/wallet/withdrawal", map[string]any{"userId": "alice", "amount": 600})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "pending", body["adminApproval"])
	assert.Equal(t, "400.00", balanceOf(t, s, "alice"))
	id := body["id"].(string)

	code, body = s.do(t, http.MethodPut, "/api/v1/admin/withdrawals/"+id, map[string]any{"adminApproval": "rejected", "rejectionReason": "kyc"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "rejected", body["adminApproval"])
	assert.Equal(t, "400.00", balanceOf(t, s, "alice"), "rejection does not refund")

	code, body = s.do(t, http.MethodPut, "/api/v1/admin/withdrawals/"+id, map[string]any{"adminApproval": "approved"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_settled", body["reason"])

	code, _ = s.do(t, http.MethodPut, "/api/v1/admin/withdrawals/does-not-exist", map[string]any{"adminApproval": "approved"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDepositFlow(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodPost, "/api/v1/wallet/deposit", map[string]any{"userId": "bob", "amount": 250, "transactionId": "bank-42"})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "0.00", balanceOf(t, s, "bob"))

	code, body = s.do(t, http.MethodPut, "/api/v1/admin/deposits/"+body["id"].(string), map[string]any{"status": "confirmed"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "250.00", balanceOf(t, s, "bob"))

	code, body = s.do(t, http.MethodGet, "/api/v1/wallet/bob/transactions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["reason"])
}

func TestAdminCrashControl(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodPost, "/api/v1/admin/crash", map[string]any{"crashValue": 1.0})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_crash_value", body["reason"])

	code, body = s.do(t, http.MethodPost, "/api/v1/admin/crash", map[string]any{"crashValue": 2.5})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 2.5, body["crashValue"])

	code, body = s.do(t, http.MethodPost, "/api/v1/admin/crash-sequence", map[string]any{"crashValues": []float64{1.5, 2, 10}})
	require.Equal(t, http.StatusOK, code, body)
	assert.Len(t, body["crashValues"], 3)

	code, body = s.do(t, http.MethodGet, "/api/v1/admin/crash-sequence", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["active"])

	code, body = s.do(t, http.MethodPost, "/api/v1/admin/crash-sequence/deactivate", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["deactivated"])

	code, body = s.do(t, http.MethodGet, "/api/v1/admin/crash-sequence", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["active"])
	assert.Nil(t, body["sequence"])
}

func TestAdminReporting(t *testing.T) {
	s := newTestServer(t, "alice")
	s.startRound(t, 1.5)

	code, _ := s.do(t, http.MethodPost, "/api/v1/game/bet", map[string]any{"userId": "alice", "amount": 40})
	require.Equal(t, http.StatusCreated, code)
	for !s.manager.Tick(context.Background()) {
	}

	code, body := s.do(t, http.MethodGet, "/api/v1/admin/crash-history", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])

	code, body = s.do(t, http.MethodGet, "/api/v1/admin/bet-stats?timeFrame=hour", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1, body["totalBets"])
	assert.Equal(t, true, body["isProfit"])

	code, body = s.do(t, http.MethodGet, "/api/v1/admin/bet-stats?timeFrame=decade", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["reason"])

	code, body = s.do(t, http.MethodGet, "/api/v1/admin/games?page=1&limit=5", nil)
	require.Equal(t, http.StatusOK, code, body)
	games := body["games"].([]any)
	require.Len(t, games, 1)
	gameID := games[0].(map[string]any)["gameId"].(string)

	code, body = s.do(t, http.MethodGet, "/api/v1/admin/games/"+gameID, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1.5, body["crashPoint"])

	code, body = s.do(t, http.MethodGet, "/api/v1/admin/user-bets", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Len(t, body["bets"], 1)

	code, body = s.do(t, http.MethodPost, "/api/v1/admin/reconcile", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 0, body["scanned"])
}

func TestWebSocketUpgradeRequired(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodGet, "/ws", nil)
	assert.Equal(t, http.StatusUpgradeRequired, code)
}

type fakeConn struct {
	mu       sync.Mutex
	messages []game.WSMessage
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	var msg game.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) Close() error                     { return nil }

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *fakeConn) last() game.WSMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return game.WSMessage{}
	}
	return c.messages[len(c.messages)-1]
}

func TestClientMessages(t *testing.T) {
	s := newTestServer(t, "alice")
	conn := &fakeConn{}
	client := s.gameHub.RegisterClient(conn, "alice")
	ctx := context.Background()

	tests := []struct {
		name string
		msg  game.ClientMessage
		want string
	}{
		{"ping", game.ClientMessage{Type: game.ActionPing}, game.EventPong},
		{"game id", game.ClientMessage{Type: game.ActionRequestGameID}, game.EventGameID},
		{"bet without round", game.ClientMessage{Type: game.ActionPlaceBet, UserID: "alice", Amount: decimal.NewFromInt(5)}, game.EventError},
		{"unknown", game.ClientMessage{Type: "dance"}, game.EventError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := conn.count()
			s.handleClientMessage(ctx, client, tt.msg)
			require.Eventually(t, func() bool { return conn.count() > before }, time.Second, time.Millisecond)
			assert.Equal(t, tt.want, conn.last().Type)
		})
	}

	before := conn.count()
	s.handleClientMessage(ctx, client, game.ClientMessage{Type: game.ActionCashOut, UserID: "alice"})
	require.Eventually(t, func() bool { return conn.count() > before }, time.Second, time.Millisecond)
	m := conn.last()
	assert.Equal(t, game.EventError, m.Type)
	data, _ := m.Data.(map[string]any)
	assert.Equal(t, "round_not_active", data["reason"])
}
