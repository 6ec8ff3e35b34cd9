package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"crashgame/internal/auth"
	"crashgame/internal/game"
	"crashgame/internal/wallet"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type fakeConn struct {
	mu     sync.Mutex
	frames []frame
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) Close() error                     { return nil }

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Type)
	}
	return out
}

func (c *fakeConn) last(typ string) json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Type == typ {
			return c.frames[i].Data
		}
	}
	return nil
}

type fixedClock struct{ snap game.RoundSnapshot }

func (c fixedClock) Snapshot() game.RoundSnapshot { return c.snap }

type fakeLedger struct {
	mu       sync.Mutex
	placed   []game.PlaceRequest
	placeErr error
	cashErr  error
	balance  float64
}

func (l *fakeLedger) Place(_ context.Context, req game.PlaceRequest) (game.Wager, float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.placeErr != nil {
		return game.Wager{}, 0, l.placeErr
	}
	l.placed = append(l.placed, req)
	return game.Wager{ID: "w1", Slot: req.Slot, Stake: req.Stake}, l.balance - req.Stake, nil
}

func (l *fakeLedger) Cashout(_ context.Context, req game.CashoutRequest) (game.Payout, error) {
	if l.cashErr != nil {
		return game.Payout{}, l.cashErr
	}
	return game.Payout{WagerID: "w1", Slot: req.Slot, Multiplier: req.Multiplier, Payout: 40, Balance: 120}, nil
}

func (l *fakeLedger) PublicWagers(string) []game.PublicWager {
	return []game.PublicWager{{WagerID: "b1", DisplayName: "pilot", Slot: game.SlotFirst, Stake: 5, Status: game.WagerOpen}}
}

func (l *fakeLedger) ParticipantWagers(string, string) []game.Wager { return nil }

type fixture struct {
	hub    *game.Hub
	ledger *fakeLedger
	gw     *Gateway
	wallet *wallet.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := game.NewHub(zerolog.Nop(), nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	w := wallet.NewMemory()
	w.Set("alice", 100)
	ledger := &fakeLedger{balance: 100}
	gw := New(Deps{
		Ledger:   ledger,
		Clock:    fixedClock{snap: game.RoundSnapshot{RoundID: "R1", Phase: game.PhaseWaiting, CurrentValue: 1, RemainingMs: 3000}},
		Wallet:   w,
		Hub:      hub,
		Verifier: auth.Dev{},
		Logger:   zerolog.Nop(),
	})
	return &fixture{hub: hub, ledger: ledger, gw: gw, wallet: w}
}

func send(s *Session, typ string, data interface{}) {
	raw, _ := json.Marshal(map[string]interface{}{"type": typ, "data": data})
	s.Handle(context.Background(), raw)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func joined(t *testing.T, f *fixture, conn *fakeConn) *Session {
	t.Helper()
	s := f.gw.NewSession(conn)
	send(s, MSG_JOIN, map[string]string{"auth_token": "alice"})
	waitFor(t, func() bool { return len(conn.types()) >= 2 })
	return s
}

func TestSession_JoinSendsSnapshotAndBalance(t *testing.T) {
	f := newFixture(t)
	conn := &fakeConn{}
	joined(t, f, conn)

	assert.Equal(t, []string{game.MSG_SNAPSHOT, game.MSG_BALANCE_UPDATE}, conn.types())

	var snap struct {
		Round  game.RoundSnapshot `json:"round"`
		Wagers []json.RawMessage  `json:"wagers"`
	}
	require.NoError(t, json.Unmarshal(conn.last(game.MSG_SNAPSHOT), &snap))
	assert.Equal(t, "R1", snap.Round.RoundID)
	assert.Equal(t, int64(3000), snap.Round.RemainingMs)
	assert.Len(t, snap.Wagers, 1)

	var bal game.BalanceUpdateMessage
	require.NoError(t, json.Unmarshal(conn.last(game.MSG_BALANCE_UPDATE), &bal))
	assert.Equal(t, 100.0, bal.Balance)
	assert.Equal(t, 1, f.hub.GetClientCount())
}

func TestSession_RequiresJoin(t *testing.T) {
	f := newFixture(t)
	conn := &fakeConn{}
	s := f.gw.NewSession(conn)

	send(s, MSG_PLACE_WAGER, map[string]interface{}{"slot": "first", "stake": 10})
	assert.Equal(t, []string{game.MSG_ERROR}, conn.types())
	assert.Empty(t, f.ledger.placed)

	send(s, MSG_JOIN, map[string]string{"auth_token": ""})
	assert.Equal(t, []string{game.MSG_ERROR, game.MSG_ERROR}, conn.types())
	assert.Equal(t, 0, f.hub.GetClientCount())
}

func TestSession_PlaceWager(t *testing.T) {
	f := newFixture(t)
	conn := &fakeConn{}
	s := joined(t, f, conn)

	send(s, MSG_PLACE_WAGER, map[string]interface{}{"slot": "second", "stake": 20, "target": 2.5, "auto": true})
	waitFor(t, func() bool { return len(conn.types()) == 4 })

	assert.Equal(t, []string{game.MSG_SNAPSHOT, game.MSG_BALANCE_UPDATE, game.MSG_WAGER_ACCEPTED, game.MSG_BALANCE_UPDATE}, conn.types())
	require.Len(t, f.ledger.placed, 1)
	req := f.ledger.placed[0]
	assert.Equal(t, "alice", req.ParticipantID)
	assert.Equal(t, game.SlotSecond, req.Slot)
	assert.True(t, req.Auto)
	assert.Equal(t, 2.5, req.Target)

	var bal game.BalanceUpdateMessage
	require.NoError(t, json.Unmarshal(conn.last(game.MSG_BALANCE_UPDATE), &bal))
	assert.Equal(t, 80.0, bal.Balance)
}

func TestSession_WagerErrorCarriesSlot(t *testing.T) {
	f := newFixture(t)
	f.ledger.placeErr = &game.WagerError{Slot: game.SlotSecond, Reason: "insufficient balance", Err: game.ErrInsufficientFunds}
	conn := &fakeConn{}
	s := joined(t, f, conn)

	send(s, MSG_PLACE_WAGER, map[string]interface{}{"slot": "s", "stake": 20})
	waitFor(t, func() bool { return len(conn.types()) == 3 })

	var msg struct {
		Slot   string `json:"slot"`
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(conn.last(game.MSG_WAGER_ERROR), &msg))
	assert.Equal(t, "second", msg.Slot)
	assert.Equal(t, "insufficient balance", msg.Reason)
}

func TestSession_Cashout(t *testing.T) {
	f := newFixture(t)
	conn := &fakeConn{}
	s := joined(t, f, conn)

	send(s, MSG_CASHOUT, map[string]interface{}{"slot": "first", "multiplier": 2})
	waitFor(t, func() bool { return len(conn.types()) == 4 })

	var ok game.CashoutSuccessMessage
	require.NoError(t, json.Unmarshal(conn.last(game.MSG_CASHOUT_SUCCESS), &ok))
	assert.Equal(t, 40.0, ok.Payout)
	var bal game.BalanceUpdateMessage
	require.NoError(t, json.Unmarshal(conn.last(game.MSG_BALANCE_UPDATE), &bal))
	assert.Equal(t, 120.0, bal.Balance)
}

func TestSession_InvalidInput(t *testing.T) {
	f := newFixture(t)
	conn := &fakeConn{}
	s := joined(t, f, conn)

	s.Handle(context.Background(), []byte("{not json"))
	send(s, MSG_PLACE_WAGER, map[string]interface{}{"slot": "third", "stake": 1})
	send(s, "dance", nil)
	waitFor(t, func() bool { return len(conn.types()) == 5 })
	assert.Equal(t, []string{game.MSG_ERROR, game.MSG_ERROR, game.MSG_ERROR}, conn.types()[2:])
	assert.Empty(t, f.ledger.placed)
}

func TestSession_RateLimited(t *testing.T) {
	f := newFixture(t)
	f.gw.rate, f.gw.burst = 0.001, 2
	conn := &fakeConn{}
	s := joined(t, f, conn)

	for i := 0; i < 4; i++ {
		send(s, MSG_CASHOUT, map[string]interface{}{"slot": "first", "multiplier": 2})
	}
	waitFor(t, func() bool { return len(conn.types()) == 2+4+2 })

	var limited int
	for _, typ := range conn.types() {
		if typ == game.MSG_ERROR {
			limited++
		}
	}
	assert.Equal(t, 2, limited)
}

func TestSession_PingAndClose(t *testing.T) {
	f := newFixture(t)
	conn := &fakeConn{}
	s := f.gw.NewSession(conn)
	send(s, MSG_PING, nil)
	assert.Equal(t, []string{game.MSG_PONG}, conn.types())

	send(s, MSG_JOIN, map[string]string{"auth_token": "alice"})
	waitFor(t, func() bool { return f.hub.GetClientCount() == 1 })
	s.Close()
	waitFor(t, func() bool { return f.hub.GetClientCount() == 0 })
	s.Close()
}
