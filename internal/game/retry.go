package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crashgame/internal/metrics"
	"crashgame/internal/wallet"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type RetryOp string

const (
	// OpUpdateWager rewrites a wager record whose status change did not persist.
	OpUpdateWager RetryOp = "update_wager"
	// OpCredit re-applies a wallet credit for a wager already marked CASHED or VOID.
	OpCredit RetryOp = "credit"
)

const (
	RETRY_MAX_ATTEMPTS = 5
	RETRY_BASE_BACKOFF = 500 * time.Millisecond
)

// RetryItem is a settlement side effect that failed once and must still land.
type RetryItem struct {
	ID         string    `json:"id"`
	Op         RetryOp   `json:"op"`
	Wager      Wager     `json:"wager"`
	Amount     float64   `json:"amount,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewRetryItem(op RetryOp, w Wager, cause error) RetryItem {
	item := RetryItem{
		ID:         uuid.NewString(),
		Op:         op,
		Wager:      w,
		EnqueuedAt: time.Now(),
	}
	if cause != nil {
		item.LastError = cause.Error()
	}
	return item
}

type RetryQueue interface {
	Enqueue(ctx context.Context, item RetryItem) error
}

type RetryHandler func(ctx context.Context, item RetryItem) error

// NewRetryHandler applies retry items against the wallet and the store.
func NewRetryHandler(w wallet.Wallet, store Persistence) RetryHandler {
	return func(ctx context.Context, item RetryItem) error {
		switch item.Op {
		case OpUpdateWager:
			return store.UpdateWager(ctx, item.Wager)
		case OpCredit:
			_, err := w.Credit(ctx, item.Wager.ParticipantID, item.Amount, item.Reason)
			return err
		}
		return fmt.Errorf("unknown retry op %q", item.Op)
	}
}

// MemoryRetryQueue retries items in process with exponential backoff and
// keeps the ones that exhaust their attempts as dead letters.
type MemoryRetryQueue struct {
	handler     RetryHandler
	maxAttempts int
	backoff     time.Duration
	log         zerolog.Logger
	metrics     *metrics.Metrics

	mu      sync.Mutex
	dead    []RetryItem
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewMemoryRetryQueue(handler RetryHandler, logger zerolog.Logger, m *metrics.Metrics) *MemoryRetryQueue {
	return &MemoryRetryQueue{
		handler:     handler,
		maxAttempts: RETRY_MAX_ATTEMPTS,
		backoff:     RETRY_BASE_BACKOFF,
		log:         logger,
		metrics:     m,
		stop:        make(chan struct{}),
	}
}

// WithBackoff overrides the attempt limit and base delay.
func (q *MemoryRetryQueue) WithBackoff(maxAttempts int, base time.Duration) *MemoryRetryQueue {
	q.maxAttempts = maxAttempts
	q.backoff = base
	return q
}

var ErrQueueStopped = errors.New("retry queue stopped")

func (q *MemoryRetryQueue) Enqueue(_ context.Context, item RetryItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		q.deadLetter(item)
		return ErrQueueStopped
	}
	q.metrics.SettlementFailure()
	q.wg.Add(1)
	go q.work(item)
	return nil
}

func (q *MemoryRetryQueue) work(item RetryItem) {
	defer q.wg.Done()
	delay := q.backoff
	for item.Attempts < q.maxAttempts {
		select {
		case <-time.After(delay):
		case <-q.stop:
			q.mu.Lock()
			q.deadLetter(item)
			q.mu.Unlock()
			return
		}
		item.Attempts++
		ctx, cancel := context.WithTimeout(context.Background(), LEDGER_CALL_TIMEOUT)
		err := q.handler(ctx, item)
		cancel()
		if err == nil {
			q.log.Info().Str("item", item.ID).Str("op", string(item.Op)).Str("wager", item.Wager.ID).
				Int("attempts", item.Attempts).Msg("retry succeeded")
			return
		}
		item.LastError = err.Error()
		q.log.Warn().Err(err).Str("item", item.ID).Str("op", string(item.Op)).Int("attempt", item.Attempts).Msg("retry failed")
		delay *= 2
	}
	q.mu.Lock()
	q.deadLetter(item)
	q.mu.Unlock()
}

// deadLetter must be called with q.mu held.
func (q *MemoryRetryQueue) deadLetter(item RetryItem) {
	q.dead = append(q.dead, item)
	q.metrics.DeadLetter()
	q.log.Error().Str("item", item.ID).Str("op", string(item.Op)).Str("wager", item.Wager.ID).
		Str("round", item.Wager.RoundID).Str("participant", item.Wager.ParticipantID).
		Int("attempts", item.Attempts).Str("last_error", item.LastError).Msg("settlement write dead-lettered")
}

func (q *MemoryRetryQueue) DeadLetters() []RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]RetryItem(nil), q.dead...)
}

// Stop abandons pending retries to the dead-letter list and waits for workers.
func (q *MemoryRetryQueue) Stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.stop)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
