package game

import (
	"sync"
	"time"
)

// RoundReader is the read-only view other components get of the current round.
type RoundReader interface {
	Snapshot() RoundSnapshot
}

// RoundState holds the current round and recent history. Only the Manager
// mutates it; everything else reads copies through Snapshot.
type RoundState struct {
	mu          sync.RWMutex
	round       *Round
	waitingEnds time.Time
	terminalAt  time.Time
	history     []float64
	historySize int
	now         func() time.Time
}

func NewRoundState(historySize int) *RoundState {
	if historySize <= 0 {
		historySize = HISTORY_SIZE
	}
	return &RoundState{historySize: historySize, now: time.Now}
}

func (s *RoundState) Snapshot() RoundSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := RoundSnapshot{History: append([]float64{}, s.history...)}
	if s.round == nil {
		return snap
	}
	now := s.now()
	snap.RoundID = s.round.ID
	snap.Phase = s.round.Phase
	snap.CurrentValue = s.round.CurrentValue
	snap.crashValue = s.round.CrashValue
	switch s.round.Phase {
	case PhaseWaiting:
		if rem := s.waitingEnds.Sub(now); rem > 0 {
			snap.RemainingMs = rem.Milliseconds()
		}
	case PhaseActive:
		snap.ElapsedMs = now.Sub(*s.round.StartedAt).Milliseconds()
	case PhaseTerminal:
		if s.round.StartedAt != nil {
			snap.ElapsedMs = s.terminalAt.Sub(*s.round.StartedAt).Milliseconds()
		}
		snap.FinalValue = s.round.CrashValue
		snap.terminalAt = s.terminalAt
	}
	return snap
}

// Round returns a copy of the current round record, crash value included.
func (s *RoundState) Round() (Round, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.round == nil {
		return Round{}, false
	}
	return *s.round, true
}

func (s *RoundState) History() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]float64{}, s.history...)
}

func (s *RoundState) begin(r Round, waitingEnds time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.round = &r
	s.waitingEnds = waitingEnds
	s.terminalAt = time.Time{}
}

func (s *RoundState) activate(target float64, forced bool, at time.Time) Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.round.Phase = PhaseActive
	s.round.CrashValue = target
	s.round.Forced = forced
	s.round.StartedAt = &at
	s.round.CurrentValue = MIN_VALUE
	return *s.round
}

// advance stores v unless it would move the value backwards.
func (s *RoundState) advance(v float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > s.round.CurrentValue {
		s.round.CurrentValue = v
	}
	return s.round.CurrentValue
}

func (s *RoundState) terminate(at time.Time) Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.round.Phase = PhaseTerminal
	s.round.CurrentValue = s.round.CrashValue
	s.round.EndedAt = &at
	s.terminalAt = at
	s.history = append([]float64{s.round.CrashValue}, s.history...)
	if len(s.history) > s.historySize {
		s.history = s.history[:s.historySize]
	}
	return *s.round
}
