package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Wallet is the balance ledger owned outside the round engine.
// Debit never lets a balance go below zero. Credit and Debit return the
// balance after the operation.
type Wallet interface {
	GetBalance(ctx context.Context, participantID string) (float64, error)
	Credit(ctx context.Context, participantID string, amount float64, reason string) (float64, error)
	Debit(ctx context.Context, participantID string, amount float64, reason string) (float64, error)
	// Applied reports whether a movement with reason was already applied and
	// the amount it moved.
	Applied(ctx context.Context, reason string) (float64, bool, error)
}

// Setter overwrites a balance. Only the admin surface uses it.
type Setter interface {
	SetBalance(ctx context.Context, participantID string, balance float64) error
}

type Entry struct {
	ParticipantID string
	Amount        float64
	Reason        string
	Balance       float64
}

// Memory is an in-process Wallet used by tests and local runs without Redis.
type Memory struct {
	mu       sync.Mutex
	balances map[string]float64
	journal  []Entry
	failNext error
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[string]float64)}
}

func (m *Memory) Set(participantID string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[participantID] = balance
}

func (m *Memory) SetBalance(_ context.Context, participantID string, balance float64) error {
	if balance < 0 {
		return ErrInvalidAmount
	}
	m.Set(participantID, round2(balance))
	return nil
}

// FailNext makes the next Credit or Debit return err.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Memory) GetBalance(_ context.Context, participantID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[participantID], nil
}

func (m *Memory) Credit(_ context.Context, participantID string, amount float64, reason string) (float64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	m.balances[participantID] = round2(m.balances[participantID] + amount)
	m.record(participantID, amount, reason)
	return m.balances[participantID], nil
}

func (m *Memory) Debit(_ context.Context, participantID string, amount float64, reason string) (float64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	bal := m.balances[participantID]
	if bal < amount {
		return bal, fmt.Errorf("%w: balance %.2f, need %.2f", ErrInsufficientFunds, bal, amount)
	}
	m.balances[participantID] = round2(bal - amount)
	m.record(participantID, -amount, reason)
	return m.balances[participantID], nil
}

func (m *Memory) Applied(_ context.Context, reason string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.journal {
		if e.Reason == reason {
			return math.Abs(e.Amount), true, nil
		}
	}
	return 0, false, nil
}

// Journal returns a copy of every applied movement.
func (m *Memory) Journal() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.journal...)
}

func (m *Memory) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *Memory) record(participantID string, amount float64, reason string) {
	m.journal = append(m.journal, Entry{
		ParticipantID: participantID,
		Amount:        amount,
		Reason:        reason,
		Balance:       m.balances[participantID],
	})
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
