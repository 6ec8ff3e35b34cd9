package game

import (
	"encoding/json"
	"fmt"
	"time"
)

type Phase string

const (
	PhaseWaiting  Phase = "WAITING"
	PhaseActive   Phase = "ACTIVE"
	PhaseTerminal Phase = "TERMINAL"
)

// Slot is one of the two independent bet positions a participant holds per round.
type Slot int

const (
	SlotFirst Slot = iota
	SlotSecond
)

var slotNames = map[Slot]string{
	SlotFirst:  "first",
	SlotSecond: "second",
}

func (s Slot) Valid() bool {
	_, ok := slotNames[s]
	return ok
}

func (s Slot) String() string {
	if name, ok := slotNames[s]; ok {
		return name
	}
	return fmt.Sprintf("slot(%d)", int(s))
}

func (s Slot) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid slot %d", int(s))
	}
	return json.Marshal(s.String())
}

func (s *Slot) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("slot must be a string: %w", err)
	}
	parsed, err := ParseSlot(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSlot accepts the slot names plus the single-letter forms older clients send.
func ParseSlot(name string) (Slot, error) {
	switch name {
	case "first", "f":
		return SlotFirst, nil
	case "second", "s":
		return SlotSecond, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSlot, name)
}

type WagerStatus string

const (
	WagerOpen   WagerStatus = "OPEN"
	WagerCashed WagerStatus = "CASHED"
	WagerLost   WagerStatus = "LOST"
	WagerVoid   WagerStatus = "VOID"
)

func (s WagerStatus) Terminal() bool {
	return s == WagerCashed || s == WagerLost || s == WagerVoid
}

// Round is owned by the Manager. Everything else sees it through RoundSnapshot.
type Round struct {
	ID           string     `json:"round_id"`
	Phase        Phase      `json:"phase"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	CrashValue   float64    `json:"-"` // hidden until terminal
	CurrentValue float64    `json:"current_value"`
	Forced       bool       `json:"-"`
}

// RoundSnapshot is an immutable view of the current round.
type RoundSnapshot struct {
	RoundID      string    `json:"round_id"`
	Phase        Phase     `json:"phase"`
	CurrentValue float64   `json:"current_value"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	RemainingMs  int64     `json:"remaining_ms"`
	FinalValue   float64   `json:"final_value,omitempty"`
	History      []float64 `json:"history"`
	terminalAt   time.Time
	crashValue   float64
}

// Wager is a single stake on one round in one slot.
type Wager struct {
	ID            string      `json:"wager_id"`
	RoundID       string      `json:"round_id"`
	ParticipantID string      `json:"participant_id"`
	DisplayName   string      `json:"display_name"`
	Slot          Slot        `json:"slot"`
	Stake         float64     `json:"stake"`
	Target        float64     `json:"target,omitempty"`
	Auto          bool        `json:"auto"`
	Status        WagerStatus `json:"status"`
	Multiplier    float64     `json:"multiplier,omitempty"`
	Payout        float64     `json:"payout"`
	Synthetic     bool        `json:"synthetic"`
	PlacedAt      time.Time   `json:"placed_at"`
	ResolvedAt    *time.Time  `json:"resolved_at,omitempty"`
}

type PlaceRequest struct {
	ParticipantID string  `json:"-"`
	DisplayName   string  `json:"-"`
	Slot          Slot    `json:"slot"`
	Stake         float64 `json:"stake"`
	Target        float64 `json:"target,omitempty"`
	Auto          bool    `json:"auto"`
}

type CashoutRequest struct {
	ParticipantID string  `json:"-"`
	Slot          Slot    `json:"slot"`
	Multiplier    float64 `json:"multiplier"`
}

type Payout struct {
	WagerID    string  `json:"wager_id"`
	Slot       Slot    `json:"slot"`
	Multiplier float64 `json:"multiplier"`
	Payout     float64 `json:"payout"`
	Balance    float64 `json:"balance"`
	Late       bool    `json:"-"`
}

// PublicWager is what other participants see in the active wagers list.
type PublicWager struct {
	WagerID     string      `json:"wager_id"`
	DisplayName string      `json:"display_name"`
	Slot        Slot        `json:"slot"`
	Stake       float64     `json:"stake"`
	Status      WagerStatus `json:"status"`
	Multiplier  float64     `json:"multiplier,omitempty"`
	Payout      float64     `json:"payout,omitempty"`
}

func (w Wager) Public() PublicWager {
	return PublicWager{
		WagerID:     w.ID,
		DisplayName: w.DisplayName,
		Slot:        w.Slot,
		Stake:       w.Stake,
		Status:      w.Status,
		Multiplier:  w.Multiplier,
		Payout:      w.Payout,
	}
}
