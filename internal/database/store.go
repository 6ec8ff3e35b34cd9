package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crashgame/internal/game"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists rounds, wagers and schedule overrides in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ game.Persistence   = (*Store)(nil)
	_ game.ScheduleStore = (*Store)(nil)
)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateRound(ctx context.Context, r game.Round) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rounds (id, phase, crash_value, current_value, forced, created_at, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, string(r.Phase), r.CrashValue, r.CurrentValue, r.Forced, r.CreatedAt, r.StartedAt, r.EndedAt)
	if err != nil {
		return fmt.Errorf("insert round %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) UpdateRound(ctx context.Context, r game.Round) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rounds
		SET phase = $2, crash_value = $3, current_value = $4, forced = $5, started_at = $6, ended_at = $7
		WHERE id = $1`,
		r.ID, string(r.Phase), r.CrashValue, r.CurrentValue, r.Forced, r.StartedAt, r.EndedAt)
	if err != nil {
		return fmt.Errorf("update round %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update round %s: %w", r.ID, pgx.ErrNoRows)
	}
	return nil
}

func (s *Store) CreateWager(ctx context.Context, w game.Wager) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wagers (id, round_id, participant_id, display_name, slot, stake, target, auto,
		                    status, multiplier, payout, placed_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.RoundID, w.ParticipantID, w.DisplayName, int16(w.Slot), w.Stake, w.Target, w.Auto,
		string(w.Status), w.Multiplier, w.Payout, w.PlacedAt, w.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert wager %s: %w", w.ID, err)
	}
	return nil
}

func (s *Store) UpdateWager(ctx context.Context, w game.Wager) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE wagers
		SET status = $2, multiplier = $3, payout = $4, resolved_at = $5
		WHERE id = $1`,
		w.ID, string(w.Status), w.Multiplier, w.Payout, w.ResolvedAt)
	if err != nil {
		return fmt.Errorf("update wager %s: %w", w.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update wager %s: %w", w.ID, pgx.ErrNoRows)
	}
	return nil
}

const wagerColumns = `id, round_id, participant_id, display_name, slot, stake::float8, target::float8, auto,
	status, multiplier::float8, payout::float8, placed_at, resolved_at`

func (s *Store) FindOpenWagers(ctx context.Context, roundID string) ([]game.Wager, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+wagerColumns+` FROM wagers
		WHERE round_id = $1 AND status = 'OPEN' ORDER BY placed_at`, roundID)
	if err != nil {
		return nil, fmt.Errorf("query open wagers for %s: %w", roundID, err)
	}
	wagers, err := pgx.CollectRows(rows, scanWager)
	if err != nil {
		return nil, fmt.Errorf("scan open wagers for %s: %w", roundID, err)
	}
	return wagers, nil
}

// WagersByParticipant returns the most recent wagers of one participant.
func (s *Store) WagersByParticipant(ctx context.Context, participantID string, limit int) ([]game.Wager, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+wagerColumns+` FROM wagers
		WHERE participant_id = $1 ORDER BY placed_at DESC LIMIT $2`, participantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query wagers for %s: %w", participantID, err)
	}
	return pgx.CollectRows(rows, scanWager)
}

func scanWager(row pgx.CollectableRow) (game.Wager, error) {
	var (
		w      game.Wager
		slot   int16
		status string
	)
	err := row.Scan(&w.ID, &w.RoundID, &w.ParticipantID, &w.DisplayName, &slot, &w.Stake, &w.Target,
		&w.Auto, &status, &w.Multiplier, &w.Payout, &w.PlacedAt, &w.ResolvedAt)
	w.Slot = game.Slot(slot)
	w.Status = game.WagerStatus(status)
	return w, err
}

func (s *Store) FindUnfinishedRounds(ctx context.Context) ([]game.Round, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, phase, crash_value::float8, current_value::float8, forced, created_at, started_at, ended_at
		FROM rounds WHERE phase <> 'TERMINAL' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query unfinished rounds: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (game.Round, error) {
		var (
			r     game.Round
			phase string
		)
		err := row.Scan(&r.ID, &phase, &r.CrashValue, &r.CurrentValue, &r.Forced, &r.CreatedAt, &r.StartedAt, &r.EndedAt)
		r.Phase = game.Phase(phase)
		return r, err
	})
}

func (s *Store) CreateOverride(ctx context.Context, o game.Override) (game.Override, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO schedule_overrides (id, at, target) VALUES ($1, $2, $3)
		RETURNING created_at`, o.ID, o.At, o.Target).Scan(&o.CreatedAt)
	if err != nil {
		return game.Override{}, fmt.Errorf("insert override: %w", err)
	}
	return o, nil
}

func (s *Store) FindUnusedOverride(ctx context.Context, from, to time.Time) (*game.Override, error) {
	var o game.Override
	err := s.pool.QueryRow(ctx, `
		SELECT id, at, target::float8, used, used_at, created_at
		FROM schedule_overrides
		WHERE NOT used AND at BETWEEN $1 AND $2
		ORDER BY at LIMIT 1`, from, to).
		Scan(&o.ID, &o.At, &o.Target, &o.Used, &o.UsedAt, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find override: %w", err)
	}
	return &o, nil
}

// MarkUsed consumes an override. Two concurrent callers cannot both succeed.
func (s *Store) MarkUsed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedule_overrides SET used = TRUE, used_at = NOW()
		WHERE id = $1 AND NOT used`, id)
	if err != nil {
		return fmt.Errorf("mark override %s used: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return game.ErrOverrideUsed
	}
	return nil
}
