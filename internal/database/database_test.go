package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"crashgame/internal/config"
	"crashgame/internal/game"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testCfg config.DatabaseConfig

func mustStartPostgresContainer() (func(context.Context, ...testcontainers.TerminateOption) error, error) {
	var (
		dbName = "database"
		dbPwd  = "password"
		dbUser = "user"
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbContainer, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPwd),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, err
	}

	dbHost, err := dbContainer.Host(context.Background())
	if err != nil {
		return dbContainer.Terminate, err
	}

	dbPort, err := dbContainer.MappedPort(context.Background(), "5432/tcp")
	if err != nil {
		return dbContainer.Terminate, err
	}

	testCfg = config.DatabaseConfig{
		Host:     dbHost,
		Port:     dbPort.Port(),
		Database: dbName,
		Username: dbUser,
		Password: dbPwd,
		Schema:   "public",
	}
	return dbContainer.Terminate, migrateTestDB()
}

func migrateTestDB() error {
	db, err := sql.Open("pgx", testCfg.DSN())
	if err != nil {
		return err
	}
	defer db.Close()
	return RunMigrations(db, "../../migrations")
}

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}

	if os.Getenv("CI") == "" && !isDockerAvailable() {
		os.Exit(0)
	}

	teardown, err := mustStartPostgresContainer()
	if err != nil {
		if teardown != nil {
			teardown(context.Background())
		}
		os.Exit(0)
	}

	code := m.Run()

	if teardown != nil {
		teardown(context.Background())
	}

	os.Exit(code)
}

func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

func newTestService(t *testing.T) Service {
	t.Helper()
	srv, err := New(context.Background(), testCfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestHealth(t *testing.T) {
	stats := newTestService(t).Health()

	if stats["status"] != "up" {
		t.Fatalf("expected status to be up, got %s", stats["status"])
	}
	if _, ok := stats["error"]; ok {
		t.Fatalf("expected error not to be present")
	}
	if stats["message"] != "It's healthy" {
		t.Fatalf("expected message to be 'It's healthy', got %s", stats["message"])
	}
}

func TestMigrationVersion(t *testing.T) {
	db, err := sql.Open("pgx", testCfg.DSN())
	require.NoError(t, err)
	defer db.Close()

	version, dirty, err := GetMigrationVersion(db, "../../migrations")
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(3), version)
}

func TestStore_RoundAndWagerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newTestService(t).Pool())

	created := time.Now().UTC().Truncate(time.Millisecond)
	round := game.Round{ID: "R-db-1", Phase: game.PhaseWaiting, CreatedAt: created, CurrentValue: 1}
	require.NoError(t, store.CreateRound(ctx, round))
	require.Error(t, store.CreateRound(ctx, round), "duplicate round id")

	w := game.Wager{
		ID: "w-db-1", RoundID: round.ID, ParticipantID: "alice", DisplayName: "Alice",
		Slot: game.SlotSecond, Stake: 12.5, Target: 2, Auto: true, Status: game.WagerOpen, PlacedAt: created,
	}
	require.NoError(t, store.CreateWager(ctx, w))

	dup := w
	dup.ID = "w-db-2"
	require.Error(t, store.CreateWager(ctx, dup), "one wager per participant and slot")

	open, err := store.FindOpenWagers(ctx, round.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, game.SlotSecond, open[0].Slot)
	assert.Equal(t, 12.5, open[0].Stake)
	assert.True(t, open[0].Auto)

	unfinished, err := store.FindUnfinishedRounds(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, round.ID, unfinished[0].ID)

	resolved := time.Now().UTC()
	w.Status, w.Multiplier, w.Payout, w.ResolvedAt = game.WagerCashed, 2, 25, &resolved
	require.NoError(t, store.UpdateWager(ctx, w))

	open, err = store.FindOpenWagers(ctx, round.ID)
	require.NoError(t, err)
	assert.Empty(t, open)

	history, err := store.WagersByParticipant(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, game.WagerCashed, history[0].Status)
	assert.Equal(t, 25.0, history[0].Payout)

	round.Phase, round.CrashValue, round.CurrentValue, round.EndedAt = game.PhaseTerminal, 3.2, 3.2, &resolved
	require.NoError(t, store.UpdateRound(ctx, round))
	unfinished, err = store.FindUnfinishedRounds(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)

	assert.Error(t, store.UpdateWager(ctx, game.Wager{ID: "missing"}))
}

func TestStore_Overrides(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newTestService(t).Pool())

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	o, err := store.CreateOverride(ctx, game.Override{At: at, Target: 100})
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)

	found, err := store.FindUnusedOverride(ctx, at.Add(-time.Minute), at.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, 100.0, found.Target)

	miss, err := store.FindUnusedOverride(ctx, at.Add(time.Hour), at.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, store.MarkUsed(ctx, o.ID))
	assert.ErrorIs(t, store.MarkUsed(ctx, o.ID), game.ErrOverrideUsed)

	found, err = store.FindUnusedOverride(ctx, at.Add(-time.Minute), at.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, found)
}
