package game

const (
	MSG_PHASE_WAITING   = "phase_waiting"
	MSG_PHASE_ACTIVE    = "phase_active"
	MSG_VALUE_TICK      = "value_tick"
	MSG_ROUND_TERMINAL  = "round_terminal"
	MSG_WAGER_ACCEPTED  = "wager_accepted"
	MSG_WAGER_ERROR     = "wager_error"
	MSG_CASHOUT_SUCCESS = "cashout_success"
	MSG_BALANCE_UPDATE  = "balance_update"
	MSG_ROUND_FINISHED  = "round_finished"
	MSG_SNAPSHOT        = "snapshot"
	MSG_WAGER_PLACED    = "wager_placed"
	MSG_WAGER_CASHED    = "wager_cashed"
	MSG_PONG            = "pong"
	MSG_ERROR           = "error"
)

// WSMessage is the envelope for every message pushed to a session.
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type PhaseWaitingMessage struct {
	RoundID     string `json:"round_id"`
	RemainingMs int64  `json:"remaining_ms"`
}

type PhaseActiveMessage struct {
	RoundID string `json:"round_id"`
}

type ValueTickMessage struct {
	RoundID      string  `json:"round_id"`
	CurrentValue float64 `json:"current_value"`
	ElapsedMs    int64   `json:"elapsed_ms"`
}

type RoundTerminalMessage struct {
	RoundID    string    `json:"round_id"`
	FinalValue float64   `json:"final_value"`
	History    []float64 `json:"history"`
}

type WagerAcceptedMessage struct {
	WagerID string  `json:"wager_id"`
	Slot    Slot    `json:"slot"`
	Stake   float64 `json:"stake"`
}

type WagerErrorMessage struct {
	Slot   Slot   `json:"slot"`
	Reason string `json:"reason"`
}

type CashoutSuccessMessage struct {
	Slot       Slot    `json:"slot"`
	Multiplier float64 `json:"multiplier"`
	Payout     float64 `json:"payout"`
}

type BalanceUpdateMessage struct {
	Balance float64 `json:"balance"`
}

type SlotOutcome struct {
	WagerID    string      `json:"wager_id"`
	Status     WagerStatus `json:"status"`
	Stake      float64     `json:"stake"`
	Multiplier float64     `json:"multiplier,omitempty"`
	Payout     float64     `json:"payout"`
}

type RoundFinishedMessage struct {
	RoundID string                 `json:"round_id"`
	Outcome map[string]SlotOutcome `json:"per_slot_outcome"`
	Balance *float64               `json:"balance,omitempty"`
}

type SnapshotMessage struct {
	Round  RoundSnapshot `json:"round"`
	Wagers []PublicWager `json:"wagers"`
	Mine   []Wager       `json:"mine,omitempty"`
}

type ErrorMessage struct {
	Reason string `json:"reason"`
}

func NewMessage(msgType string, data interface{}) WSMessage {
	return WSMessage{Type: msgType, Data: data}
}
