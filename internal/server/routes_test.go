package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crashgame/internal/auth"
	"crashgame/internal/config"
	"crashgame/internal/game"
	"crashgame/internal/wallet"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "s3cret"

type fakeRounds struct {
	snap    game.RoundSnapshot
	history []float64
}

func (f fakeRounds) Snapshot() game.RoundSnapshot { return f.snap }
func (f fakeRounds) History() []float64           { return f.history }

type fakeHealth map[string]string

func (f fakeHealth) Health() map[string]string { return f }

type fixture struct {
	server   *FiberServer
	wallet   *wallet.Memory
	schedule *game.MemorySchedule
	retries  *game.MemoryRetryQueue
	rounds   *fakeRounds
	backends map[string]HealthChecker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := game.NewHub(zerolog.Nop(), nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	f := &fixture{
		wallet:   wallet.NewMemory(),
		schedule: game.NewMemorySchedule(),
		retries: game.NewMemoryRetryQueue(func(context.Context, game.RetryItem) error {
			return errors.New("still down")
		}, zerolog.Nop(), nil),
		rounds: &fakeRounds{
			snap:    game.RoundSnapshot{RoundID: "R1", Phase: game.PhaseWaiting, CurrentValue: 1, RemainingMs: 4200},
			history: []float64{2.5, 1.01, 13.37},
		},
		backends: map[string]HealthChecker{
			"database": fakeHealth{"status": "up"},
			"redis":    fakeHealth{"status": "up"},
		},
	}
	t.Cleanup(f.retries.Stop)

	f.server = New(Deps{
		Config:      config.ServerConfig{Port: 0, AdminToken: testAdminToken},
		Game:        game.DefaultConfig(),
		Rounds:      f.rounds,
		Hub:         hub,
		Wallet:      f.wallet,
		Balances:    f.wallet,
		Verifier:    auth.Dev{},
		Overrides:   f.schedule,
		DeadLetters: f.retries,
		Health:      f.backends,
		Gatherer:    prometheus.NewRegistry(),
		Logger:      zerolog.Nop(),
	})
	f.server.RegisterFiberRoutes()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.server.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func admin() map[string]string {
	return map[string]string{"X-Admin-Token": testAdminToken}
}

func TestHealthHandler(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	gameInfo, ok := body["game"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "running", gameInfo["status"])
	assert.Equal(t, "R1", gameInfo["round_id"])
	assert.EqualValues(t, 0, gameInfo["connected_clients"])

	f.backends["redis"] = fakeHealth{"status": "down", "error": "redis down"}
	status, _ = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestGameStateHandler(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/api/v1/game/state", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "R1", body["round_id"])
	assert.EqualValues(t, 4200, body["remaining_ms"])

	f.rounds.snap = game.RoundSnapshot{}
	status, _ = f.do(t, http.MethodGet, "/api/v1/game/state", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGameHistoryHandler(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/api/v1/game/history", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []interface{}{2.5, 1.01, 13.37}, body["history"])
}

func TestUserBalanceHandlers(t *testing.T) {
	f := newFixture(t)
	f.wallet.Set("alice", 120.5)

	status, body := f.do(t, http.MethodGet, "/api/v1/user/alice/balance", "", map[string]string{"Authorization": "Bearer alice"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", body["user_id"])
	assert.Equal(t, 120.5, body["balance"])

	reads := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "no token", want: http.StatusUnauthorized},
		{name: "not a bearer token", headers: map[string]string{"Authorization": "alice"}, want: http.StatusUnauthorized},
		{name: "rejected token", headers: map[string]string{"Authorization": "Bearer bot:alice"}, want: http.StatusUnauthorized},
		{name: "another participant", headers: map[string]string{"Authorization": "Bearer mallory"}, want: http.StatusForbidden},
		{name: "wrong admin token", headers: map[string]string{"X-Admin-Token": "nope"}, want: http.StatusUnauthorized},
		{name: "admin", headers: admin(), want: http.StatusOK},
	}
	for _, tt := range reads {
		t.Run("read "+tt.name, func(t *testing.T) {
			status, body := f.do(t, http.MethodGet, "/api/v1/user/alice/balance", "", tt.headers)
			assert.Equal(t, tt.want, status)
			if tt.want != http.StatusOK {
				assert.NotContains(t, body, "balance")
			}
		})
	}

	tests := []struct {
		name    string
		body    string
		headers map[string]string
		want    int
	}{
		{name: "missing token", body: `{"balance": 10}`, want: http.StatusUnauthorized},
		{name: "wrong token", body: `{"balance": 10}`, headers: map[string]string{"X-Admin-Token": "nope"}, want: http.StatusUnauthorized},
		{name: "negative balance", body: `{"balance": -1}`, headers: admin(), want: http.StatusBadRequest},
		{name: "malformed body", body: `{"balance":`, headers: admin(), want: http.StatusBadRequest},
		{name: "ok", body: `{"balance": 500}`, headers: admin(), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := f.do(t, http.MethodPost, "/api/v1/admin/user/alice/balance", tt.body, tt.headers)
			assert.Equal(t, tt.want, status)
		})
	}

	balance, err := f.wallet.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 500.0, balance)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	f := newFixture(t)
	f.server.cfg.AdminToken = ""

	status, _ := f.do(t, http.MethodGet, "/api/v1/admin/dead-letters", "", map[string]string{"X-Admin-Token": ""})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCreateOverrideHandler(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

	status, body := f.do(t, http.MethodPost, "/api/v1/admin/overrides",
		`{"at": "`+at.Format(time.RFC3339)+`", "target": 42.5}`, admin())
	require.Equal(t, http.StatusCreated, status)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	stored, ok := f.schedule.Get(id)
	require.True(t, ok)
	assert.True(t, stored.At.Equal(at))
	assert.Equal(t, 42.5, stored.Target)
	assert.False(t, stored.Used)

	status, _ = f.do(t, http.MethodPost, "/api/v1/admin/overrides", `{"target": 3}`, admin())
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/api/v1/admin/overrides",
		`{"at": "`+at.Format(time.RFC3339)+`", "target": 0.5}`, admin())
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDeadLettersHandler(t *testing.T) {
	f := newFixture(t)
	f.retries.Stop()
	w := game.Wager{ID: "w-1", RoundID: "R0", ParticipantID: "bob", Status: game.WagerLost}
	require.ErrorIs(t, f.retries.Enqueue(context.Background(), game.NewRetryItem(game.OpUpdateWager, w, errors.New("db down"))), game.ErrQueueStopped)

	status, body := f.do(t, http.MethodGet, "/api/v1/admin/dead-letters", "", admin())
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])

	f.server.deadLetters = nil
	status, _ = f.do(t, http.MethodGet, "/api/v1/admin/dead-letters", "", admin())
	assert.Equal(t, http.StatusNotImplemented, status)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := f.server.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	f := newFixture(t)

	resp, err := f.server.Test(httptest.NewRequest(http.MethodGet, "/ws", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
