package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"crashgame/internal/auth"
	"crashgame/internal/game"
	"crashgame/internal/wallet"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	MSG_JOIN        = "join"
	MSG_PLACE_WAGER = "place_wager"
	MSG_CASHOUT     = "cashout"
	MSG_PING        = "ping"

	INBOUND_RATE  = 20
	INBOUND_BURST = 10
	REQUEST_LIMIT = 5 * time.Second
)

var ErrNotJoined = errors.New("join first")

// Ledger is the part of the wager ledger a session drives.
type Ledger interface {
	Place(ctx context.Context, req game.PlaceRequest) (game.Wager, float64, error)
	Cashout(ctx context.Context, req game.CashoutRequest) (game.Payout, error)
	PublicWagers(roundID string) []game.PublicWager
	ParticipantWagers(roundID, participantID string) []game.Wager
}

// Registry admits sessions to the broadcast group.
type Registry interface {
	Register(conn game.Conn, participantID string) *game.Client
	Unregister(client *game.Client)
	SendTo(participantID string, msg game.WSMessage)
}

type Deps struct {
	Ledger   Ledger
	Clock    game.RoundReader
	Wallet   wallet.Wallet
	Hub      Registry
	Verifier auth.Verifier
	Logger   zerolog.Logger
	// Rate and Burst bound inbound messages per connection. Zero uses the defaults.
	Rate  rate.Limit
	Burst int
}

// Gateway adapts websocket connections to the round engine.
type Gateway struct {
	ledger   Ledger
	clock    game.RoundReader
	wallet   wallet.Wallet
	hub      Registry
	verifier auth.Verifier
	log      zerolog.Logger
	rate     rate.Limit
	burst    int
}

func New(deps Deps) *Gateway {
	g := &Gateway{
		ledger:   deps.Ledger,
		clock:    deps.Clock,
		wallet:   deps.Wallet,
		hub:      deps.Hub,
		verifier: deps.Verifier,
		log:      deps.Logger,
		rate:     deps.Rate,
		burst:    deps.Burst,
	}
	if g.rate == 0 {
		g.rate = INBOUND_RATE
	}
	if g.burst == 0 {
		g.burst = INBOUND_BURST
	}
	return g
}

// Session is one connection. Handle is called from the connection's read
// loop only; replies after join go through the hub's writer.
type Session struct {
	g       *Gateway
	conn    game.Conn
	limiter *rate.Limiter

	mu       sync.Mutex
	identity auth.Identity
	client   *game.Client
}

func (g *Gateway) NewSession(conn game.Conn) *Session {
	return &Session{g: g, conn: conn, limiter: rate.NewLimiter(g.rate, g.burst)}
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type joinPayload struct {
	Token string `json:"auth_token"`
}

type placePayload struct {
	Slot   string  `json:"slot"`
	Stake  float64 `json:"stake"`
	Target float64 `json:"target"`
	Auto   bool    `json:"auto"`
}

type cashoutPayload struct {
	Slot       string  `json:"slot"`
	Multiplier float64 `json:"multiplier"`
}

// Handle processes one inbound frame.
func (s *Session) Handle(ctx context.Context, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.reply(game.NewMessage(game.MSG_ERROR, game.ErrorMessage{Reason: "malformed message"}))
		return
	}

	if msg.Type == MSG_PING {
		s.reply(game.NewMessage(game.MSG_PONG, nil))
		return
	}
	if msg.Type == MSG_JOIN {
		s.join(msg.Data)
		return
	}

	id, joined := s.participant()
	if !joined {
		s.reply(game.NewMessage(game.MSG_ERROR, game.ErrorMessage{Reason: ErrNotJoined.Error()}))
		return
	}
	if !s.limiter.Allow() {
		s.reply(game.NewMessage(game.MSG_ERROR, game.ErrorMessage{Reason: "too many requests"}))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, REQUEST_LIMIT)
	defer cancel()

	switch msg.Type {
	case MSG_PLACE_WAGER:
		s.place(ctx, id, msg.Data)
	case MSG_CASHOUT:
		s.cashout(ctx, id, msg.Data)
	default:
		s.reply(game.NewMessage(game.MSG_ERROR, game.ErrorMessage{Reason: "unknown message type " + msg.Type}))
	}
}

func (s *Session) participant() (auth.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.client != nil
}

func (s *Session) join(data json.RawMessage) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.reply(game.NewMessage(game.MSG_ERROR, game.ErrorMessage{Reason: "malformed join"}))
		return
	}
	id, err := s.g.verifier.Verify(p.Token)
	if err != nil {
		s.g.log.Warn().Err(err).Msg("join rejected")
		s.reply(game.NewMessage(game.MSG_ERROR, game.ErrorMessage{Reason: "authentication failed"}))
		return
	}

	s.mu.Lock()
	if s.client != nil {
		same := s.identity.ParticipantID == id.ParticipantID
		s.mu.Unlock()
		if !same {
			s.reply(game.NewMessage(game.MSG_ERROR, game.ErrorMessage{Reason: "session already joined"}))
			return
		}
		s.sendSnapshot(id)
		return
	}
	s.identity = id
	s.client = s.g.hub.Register(s.conn, id.ParticipantID)
	s.mu.Unlock()

	s.g.log.Info().Str("participant", id.ParticipantID).Msg("session joined")
	s.sendSnapshot(id)
}

// sendSnapshot pushes the round state, the public wager list and the
// participant's own wagers, followed by the balance.
func (s *Session) sendSnapshot(id auth.Identity) {
	snap := s.g.clock.Snapshot()
	s.reply(game.NewMessage(game.MSG_SNAPSHOT, game.SnapshotMessage{
		Round:  snap,
		Wagers: s.g.ledger.PublicWagers(snap.RoundID),
		Mine:   s.g.ledger.ParticipantWagers(snap.RoundID, id.ParticipantID),
	}))

	ctx, cancel := context.WithTimeout(context.Background(), game.LEDGER_CALL_TIMEOUT)
	defer cancel()
	balance, err := s.g.wallet.GetBalance(ctx, id.ParticipantID)
	if err != nil {
		s.g.log.Warn().Err(err).Str("participant", id.ParticipantID).Msg("balance lookup failed on join")
		return
	}
	s.reply(game.NewMessage(game.MSG_BALANCE_UPDATE, game.BalanceUpdateMessage{Balance: balance}))
}

func (s *Session) place(ctx context.Context, id auth.Identity, data json.RawMessage) {
	var p placePayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.reply(game.NewMessage(game.MSG_ERROR, game.ErrorMessage{Reason: "malformed place_wager"}))
		return
	}
	slot, err := game.ParseSlot(p.Slot)
	if err != nil {
		s.reply(game.NewMessage(game.MSG_ERROR, game.ErrorMessage{Reason: "invalid slot"}))
		return
	}

	w, balance, err := s.g.ledger.Place(ctx, game.PlaceRequest{
		ParticipantID: id.ParticipantID,
		DisplayName:   id.DisplayName,
		Slot:          slot,
		Stake:         p.Stake,
		Target:        p.Target,
		Auto:          p.Auto,
	})
	if err != nil {
		s.rejectWager(slot, err)
		return
	}
	s.g.hub.SendTo(id.ParticipantID, game.NewMessage(game.MSG_WAGER_ACCEPTED, game.WagerAcceptedMessage{
		WagerID: w.ID, Slot: w.Slot, Stake: w.Stake,
	}))
	s.g.hub.SendTo(id.ParticipantID, game.NewMessage(game.MSG_BALANCE_UPDATE, game.BalanceUpdateMessage{Balance: balance}))
}

func (s *Session) cashout(ctx context.Context, id auth.Identity, data json.RawMessage) {
	var p cashoutPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.reply(game.NewMessage(game.MSG_ERROR, game.ErrorMessage{Reason: "malformed cashout"}))
		return
	}
	slot, err := game.ParseSlot(p.Slot)
	if err != nil {
		s.reply(game.NewMessage(game.MSG_ERROR, game.ErrorMessage{Reason: "invalid slot"}))
		return
	}

	payout, err := s.g.ledger.Cashout(ctx, game.CashoutRequest{
		ParticipantID: id.ParticipantID,
		Slot:          slot,
		Multiplier:    p.Multiplier,
	})
	if err != nil {
		s.rejectWager(slot, err)
		return
	}
	s.g.hub.SendTo(id.ParticipantID, game.NewMessage(game.MSG_CASHOUT_SUCCESS, game.CashoutSuccessMessage{
		Slot: payout.Slot, Multiplier: payout.Multiplier, Payout: payout.Payout,
	}))
	s.g.hub.SendTo(id.ParticipantID, game.NewMessage(game.MSG_BALANCE_UPDATE, game.BalanceUpdateMessage{Balance: payout.Balance}))
}

// rejectWager answers only the requesting connection.
func (s *Session) rejectWager(slot game.Slot, err error) {
	s.reply(game.NewMessage(game.MSG_WAGER_ERROR, game.WagerErrorMessage{Slot: slot, Reason: game.Reason(err)}))
}

// reply writes to this connection only. Before join there is no writer
// goroutine yet, so the frame is written inline.
func (s *Session) reply(msg game.WSMessage) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		client.Send(msg)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.g.log.Error().Err(err).Str("type", msg.Type).Msg("marshal failed")
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(game.WRITE_TIMEOUT))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.g.log.Debug().Err(err).Msg("write before join failed")
	}
}

// Close leaves the broadcast group and waits for the writer to release the
// connection. Open wagers are not touched.
func (s *Session) Close() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		s.g.hub.Unregister(client)
		<-client.Exited()
	}
}
