package game

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"crashgame/internal/wallet"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRetryQueue_SucceedsAfterFailures(t *testing.T) {
	var calls atomic.Int32
	handler := func(context.Context, RetryItem) error {
		if calls.Add(1) < 3 {
			return errors.New("still down")
		}
		return nil
	}
	q := NewMemoryRetryQueue(handler, zerolog.Nop(), nil).WithBackoff(5, time.Millisecond)
	defer q.Stop()

	require.NoError(t, q.Enqueue(context.Background(), NewRetryItem(OpUpdateWager, Wager{ID: "w"}, nil)))
	assert.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, time.Millisecond)
	assert.Empty(t, q.DeadLetters())
}

func TestMemoryRetryQueue_DeadLetters(t *testing.T) {
	handler := func(context.Context, RetryItem) error { return errors.New("gone") }
	q := NewMemoryRetryQueue(handler, zerolog.Nop(), nil).WithBackoff(3, time.Millisecond)
	defer q.Stop()

	require.NoError(t, q.Enqueue(context.Background(), NewRetryItem(OpCredit, Wager{ID: "w9"}, errors.New("first"))))
	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, time.Second, time.Millisecond)

	dead := q.DeadLetters()[0]
	assert.Equal(t, "w9", dead.Wager.ID)
	assert.Equal(t, 3, dead.Attempts)
	assert.Equal(t, "gone", dead.LastError)
}

func TestMemoryRetryQueue_StopDeadLettersPending(t *testing.T) {
	handler := func(context.Context, RetryItem) error { return nil }
	q := NewMemoryRetryQueue(handler, zerolog.Nop(), nil).WithBackoff(3, time.Hour)

	require.NoError(t, q.Enqueue(context.Background(), NewRetryItem(OpUpdateWager, Wager{ID: "w1"}, nil)))
	q.Stop()
	assert.Len(t, q.DeadLetters(), 1)

	err := q.Enqueue(context.Background(), NewRetryItem(OpUpdateWager, Wager{ID: "w2"}, nil))
	assert.ErrorIs(t, err, ErrQueueStopped)
	assert.Len(t, q.DeadLetters(), 2)
}

func TestRetryHandler(t *testing.T) {
	w := wallet.NewMemory()
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateWager(ctx, Wager{ID: "w1", ParticipantID: "eve", Status: WagerOpen}))
	handler := NewRetryHandler(w, store)

	item := NewRetryItem(OpCredit, Wager{ID: "w1", ParticipantID: "eve"}, nil)
	item.Amount = 12.5
	item.Reason = "cashout:w1"
	require.NoError(t, handler(ctx, item))
	bal, _ := w.GetBalance(ctx, "eve")
	assert.Equal(t, 12.5, bal)

	require.NoError(t, handler(ctx, NewRetryItem(OpUpdateWager, Wager{ID: "w1", Status: WagerLost}, nil)))
	stored, _ := store.Wager("w1")
	assert.Equal(t, WagerLost, stored.Status)

	assert.Error(t, handler(ctx, RetryItem{Op: "bogus"}))
}
