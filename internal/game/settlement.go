package game

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crashgame/internal/wallet"

	"github.com/rs/zerolog"
)

// SettlementReport describes one Settle call.
type SettlementReport struct {
	RoundID  string
	Lost     int
	Notified int
	Repeated bool
}

type SettlementDeps struct {
	Ledger *Ledger
	Wallet wallet.Wallet
	Store  Persistence
	Hub    Broadcaster
	Logger zerolog.Logger
}

// Settlement sweeps a finished round and tells each real participant how
// their slots ended.
type Settlement struct {
	ledger *Ledger
	wallet wallet.Wallet
	store  Persistence
	hub    Broadcaster
	log    zerolog.Logger

	mu      sync.Mutex
	settled map[string]bool
	order   []string
}

func NewSettlement(deps SettlementDeps) *Settlement {
	return &Settlement{
		ledger:  deps.Ledger,
		wallet:  deps.Wallet,
		store:   deps.Store,
		hub:     deps.Hub,
		log:     deps.Logger,
		settled: make(map[string]bool),
	}
}

const settledMemory = 64

// markSettled returns false if roundID was already settled.
func (s *Settlement) markSettled(roundID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled[roundID] {
		return false
	}
	s.settled[roundID] = true
	s.order = append(s.order, roundID)
	if len(s.order) > settledMemory {
		delete(s.settled, s.order[0])
		s.order = s.order[1:]
	}
	return true
}

// Settle marks every remaining OPEN wager of roundID as LOST and sends
// round_finished to each participant with a real wager in the round.
// Calling it again for the same round changes nothing.
func (s *Settlement) Settle(ctx context.Context, roundID string) SettlementReport {
	report := SettlementReport{RoundID: roundID}
	lost := s.ledger.SettleRemaining(roundID)
	report.Lost = len(lost)
	if !s.markSettled(roundID) {
		report.Repeated = true
		if len(lost) > 0 {
			s.log.Error().Str("round", roundID).Int("lost", len(lost)).Msg("repeated settlement found open wagers")
		}
		return report
	}

	byParticipant := make(map[string][]Wager)
	var order []string
	for _, w := range s.ledger.Wagers(roundID) {
		if w.Synthetic {
			continue
		}
		if _, seen := byParticipant[w.ParticipantID]; !seen {
			order = append(order, w.ParticipantID)
		}
		byParticipant[w.ParticipantID] = append(byParticipant[w.ParticipantID], w)
	}

	for _, participantID := range order {
		msg := RoundFinishedMessage{RoundID: roundID, Outcome: make(map[string]SlotOutcome)}
		for _, w := range byParticipant[participantID] {
			msg.Outcome[w.Slot.String()] = SlotOutcome{
				WagerID:    w.ID,
				Status:     w.Status,
				Stake:      w.Stake,
				Multiplier: w.Multiplier,
				Payout:     w.Payout,
			}
		}
		bctx, cancel := context.WithTimeout(ctx, LEDGER_CALL_TIMEOUT)
		balance, err := s.wallet.GetBalance(bctx, participantID)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str("participant", participantID).Msg("balance lookup failed for round_finished")
		} else {
			msg.Balance = &balance
		}
		s.hub.SendTo(participantID, NewMessage(MSG_ROUND_FINISHED, msg))
		report.Notified++
	}

	s.log.Info().Str("round", roundID).Int("lost", report.Lost).Int("notified", report.Notified).Msg("round settled")
	return report
}

// VoidAbandoned voids the OPEN wagers of rounds that never reached TERMINAL,
// refunds their stakes and closes the rounds. It runs before the clock starts.
// A wager whose cashout credit already landed is closed as CASHED instead.
func (s *Settlement) VoidAbandoned(ctx context.Context) (int, error) {
	rounds, err := s.store.FindUnfinishedRounds(ctx)
	if err != nil {
		return 0, err
	}
	voided := 0
	for _, r := range rounds {
		wagers, err := s.store.FindOpenWagers(ctx, r.ID)
		if err != nil {
			return voided, err
		}
		for _, w := range wagers {
			paid, cashed, err := s.wallet.Applied(ctx, "cashout:"+w.ID)
			if err != nil {
				return voided, fmt.Errorf("check cashout of wager %s: %w", w.ID, err)
			}
			now := time.Now()
			w.ResolvedAt = &now
			if cashed {
				// Only the wager write was lost.
				w.Status = WagerCashed
				w.Payout = paid
				w.Multiplier = multiplierFor(w.Stake, paid)
				s.log.Warn().Str("round", r.ID).Str("wager", w.ID).Float64("payout", paid).
					Msg("abandoned wager was already cashed out, not refunding")
			} else {
				w.Status = WagerVoid
				w.Payout = 0
				reason := "void:" + w.ID
				if _, err := s.wallet.Credit(ctx, w.ParticipantID, w.Stake, reason); err != nil {
					s.log.Error().Err(err).Str("wager", w.ID).Msg("void refund failed, queued for retry")
					s.ledger.enqueueCredit(w, w.Stake, reason, err)
				}
				voided++
			}
			if err := s.store.UpdateWager(ctx, w); err != nil {
				s.log.Error().Err(err).Str("wager", w.ID).Msg("void write failed, queued for retry")
				s.ledger.enqueue(NewRetryItem(OpUpdateWager, w, err))
			}
		}
		now := time.Now()
		r.Phase = PhaseTerminal
		r.EndedAt = &now
		if err := s.store.UpdateRound(ctx, r); err != nil {
			s.log.Error().Err(err).Str("round", r.ID).Msg("closing abandoned round failed")
			continue
		}
		s.log.Warn().Str("round", r.ID).Int("wagers", len(wagers)).Msg("abandoned round voided")
	}
	return voided, nil
}
