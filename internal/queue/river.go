package queue

import (
	"context"
	"fmt"
	"math"
	"time"

	"crashgame/internal/game"
	"crashgame/internal/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog"
)

const SETTLEMENT_QUEUE = "settlement"

// SettlementRetryArgs is the durable form of a game.RetryItem.
type SettlementRetryArgs struct {
	Item game.RetryItem `json:"item"`
}

func (SettlementRetryArgs) Kind() string { return "settlement_retry" }

type settlementWorker struct {
	river.WorkerDefaults[SettlementRetryArgs]
	handler game.RetryHandler
	base    time.Duration
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func (w *settlementWorker) Work(ctx context.Context, job *river.Job[SettlementRetryArgs]) error {
	item := job.Args.Item
	item.Attempts = job.Attempt
	err := w.handler(ctx, item)
	if err == nil {
		w.log.Info().Str("item", item.ID).Str("op", string(item.Op)).Str("wager", item.Wager.ID).
			Int("attempts", job.Attempt).Msg("retry succeeded")
		return nil
	}
	if job.Attempt >= job.MaxAttempts {
		w.metrics.DeadLetter()
		w.log.Error().Err(err).Str("item", item.ID).Str("op", string(item.Op)).Str("wager", item.Wager.ID).
			Str("round", item.Wager.RoundID).Str("participant", item.Wager.ParticipantID).
			Int("attempts", job.Attempt).Msg("settlement write dead-lettered")
	} else {
		w.log.Warn().Err(err).Str("item", item.ID).Str("op", string(item.Op)).Int("attempt", job.Attempt).Msg("retry failed")
	}
	return err
}

// NextRetry doubles the delay after each failed attempt.
func (w *settlementWorker) NextRetry(job *river.Job[SettlementRetryArgs]) time.Time {
	delay := time.Duration(float64(w.base) * math.Pow(2, float64(job.Attempt-1)))
	return time.Now().Add(delay)
}

func (w *settlementWorker) Timeout(*river.Job[SettlementRetryArgs]) time.Duration {
	return game.LEDGER_CALL_TIMEOUT
}

// RiverRetryQueue keeps settlement retries as River jobs in Postgres, so they
// survive a restart. Jobs that exhaust their attempts are discarded by River
// and stay queryable in river_job.
type RiverRetryQueue struct {
	client      *river.Client[pgx.Tx]
	maxAttempts int
	log         zerolog.Logger
	metrics     *metrics.Metrics
}

var _ game.RetryQueue = (*RiverRetryQueue)(nil)

type RiverOptions struct {
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
}

func NewRiverRetryQueue(pool *pgxpool.Pool, handler game.RetryHandler, opts RiverOptions, logger zerolog.Logger, m *metrics.Metrics) (*RiverRetryQueue, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = game.RETRY_MAX_ATTEMPTS
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = game.RETRY_BASE_BACKOFF
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &settlementWorker{
		handler: handler,
		base:    opts.BaseBackoff,
		log:     logger,
		metrics: m,
	})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			SETTLEMENT_QUEUE: {MaxWorkers: opts.Workers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &RiverRetryQueue{client: client, maxAttempts: opts.MaxAttempts, log: logger, metrics: m}, nil
}

// Migrate installs or upgrades River's own tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{}); err != nil {
		return fmt.Errorf("run river migrations: %w", err)
	}
	return nil
}

func (q *RiverRetryQueue) Start(ctx context.Context) error {
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	q.log.Info().Str("queue", SETTLEMENT_QUEUE).Msg("settlement queue started")
	return nil
}

func (q *RiverRetryQueue) Stop(ctx context.Context) error {
	if err := q.client.Stop(ctx); err != nil {
		return fmt.Errorf("stop river client: %w", err)
	}
	q.log.Info().Msg("settlement queue stopped")
	return nil
}

func (q *RiverRetryQueue) Enqueue(ctx context.Context, item game.RetryItem) error {
	res, err := q.client.Insert(ctx, SettlementRetryArgs{Item: item}, &river.InsertOpts{
		Queue:       SETTLEMENT_QUEUE,
		MaxAttempts: q.maxAttempts,
	})
	if err != nil {
		q.metrics.DeadLetter()
		q.log.Error().Err(err).Str("item", item.ID).Str("wager", item.Wager.ID).Msg("settlement retry could not be queued")
		return fmt.Errorf("enqueue settlement retry: %w", err)
	}
	q.metrics.SettlementFailure()
	q.log.Debug().Int64("job", res.Job.ID).Str("op", string(item.Op)).Str("wager", item.Wager.ID).Msg("settlement retry queued")
	return nil
}
