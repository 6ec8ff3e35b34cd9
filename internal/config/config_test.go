package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		defaultVal string
		envValue   string
		want       string
	}{
		{name: "Environment variable set", key: "TEST_VAR", defaultVal: "default", envValue: "custom", want: "custom"},
		{name: "Environment variable not set", key: "TEST_VAR_NOT_SET", defaultVal: "default", want: "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			if got := getEnv(tt.key, tt.defaultVal); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		defaultVal int
		envValue   string
		want       int
	}{
		{name: "Valid integer", key: "TEST_INT", defaultVal: 10, envValue: "42", want: 42},
		{name: "Invalid integer", key: "TEST_INT_INVALID", defaultVal: 10, envValue: "not_a_number", want: 10},
		{name: "Empty value", key: "TEST_INT_EMPTY", defaultVal: 5, want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			if got := getEnvAsInt(tt.key, tt.defaultVal); got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsMillis(t *testing.T) {
	t.Setenv("TEST_MS", "250")
	assert.Equal(t, 250*time.Millisecond, getEnvAsMillis("TEST_MS", time.Second))
	t.Setenv("TEST_MS", "soon")
	assert.Equal(t, time.Second, getEnvAsMillis("TEST_MS", time.Second))
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("AUTH_MODE", "dev")
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "cache:6380")
	t.Setenv("GAME_BETTING_MS", "2000")
	t.Setenv("GAME_MAX_STAKE", "500")
	t.Setenv("SETTLEMENT_QUEUE", "river")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.Game.BettingDuration)
	assert.Equal(t, 500.0, cfg.Game.MaxStake)
	assert.Equal(t, "river", cfg.Queue.Driver)
	assert.False(t, cfg.NATS.Enabled())
}

func TestLoad_GameFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
betting_ms: 8000
tick_ms: 100
max_crash: 250
buckets:
  - {weight: 1, min: 1.01, max: 10}
curve: {a: 0.2, b: 0.05}
bots: {min: 0, max: 3}
`), 0o600))

	t.Setenv("AUTH_MODE", "dev")
	t.Setenv("GAME_BETTING_MS", "2000")
	t.Setenv("GAME_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8*time.Second, cfg.Game.BettingDuration, "file overrides env")
	assert.Equal(t, 100*time.Millisecond, cfg.Game.TickInterval)
	assert.Equal(t, 250.0, cfg.Game.MaxCrash)
	require.Len(t, cfg.Game.Buckets, 1)
	assert.Equal(t, 10.0, cfg.Game.Buckets[0].Max)
	assert.Equal(t, 0.2, cfg.Game.Curve.A)
	assert.Equal(t, 3, cfg.Game.BotsMax)
	assert.Equal(t, 1.0, cfg.Game.MinStake, "unset keys keep defaults")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "jwt without secret", env: map[string]string{"AUTH_MODE": "jwt", "AUTH_JWT_SECRET": ""}},
		{name: "unknown auth mode", env: map[string]string{"AUTH_MODE": "open"}},
		{name: "unknown queue", env: map[string]string{"AUTH_MODE": "dev", "SETTLEMENT_QUEUE": "kafka"}},
		{name: "inverted stake range", env: map[string]string{"AUTH_MODE": "dev", "GAME_MIN_STAKE": "50", "GAME_MAX_STAKE": "10"}},
		{name: "missing game file", env: map[string]string{"AUTH_MODE": "dev", "GAME_CONFIG_FILE": "/nonexistent/game.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: "5432", Database: "crash", Username: "app", Password: "p@ss", Schema: "game"}
	assert.Equal(t, "postgres://app:p%40ss@db:5432/crash?search_path=game&sslmode=disable", d.DSN())
}
