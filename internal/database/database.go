package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"crashgame/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Service represents a service that interacts with a database.
type Service interface {
	// Pool returns the underlying connection pool.
	Pool() *pgxpool.Pool

	// Health returns a map of health status information.
	Health() map[string]string

	// Close terminates the database connection.
	Close() error
}

type service struct {
	pool   *pgxpool.Pool
	name   string
	logger zerolog.Logger
}

func New(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (Service, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolCfg.MaxConns = 25
	poolCfg.MinConns = 2
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database %s: %w", cfg.Host, err)
	}

	logger.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("database connected")
	return &service{pool: pool, name: cfg.Database, logger: logger}, nil
}

func (s *service) Pool() *pgxpool.Pool {
	return s.pool
}

// Health checks the health of the database connection by pinging the database.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	pool := s.pool.Stat()
	stats["total_conns"] = strconv.Itoa(int(pool.TotalConns()))
	stats["idle_conns"] = strconv.Itoa(int(pool.IdleConns()))
	stats["acquired_conns"] = strconv.Itoa(int(pool.AcquiredConns()))
	stats["max_conns"] = strconv.Itoa(int(pool.MaxConns()))
	stats["acquire_count"] = strconv.FormatInt(pool.AcquireCount(), 10)
	stats["empty_acquire_count"] = strconv.FormatInt(pool.EmptyAcquireCount(), 10)

	if pool.AcquiredConns() > pool.MaxConns()*8/10 {
		stats["message"] = "The database is experiencing heavy load."
	}

	return stats
}

func (s *service) Close() error {
	s.logger.Info().Str("database", s.name).Msg("disconnected from database")
	s.pool.Close()
	return nil
}
