package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"crashgame/internal/game"

	_ "github.com/joho/godotenv/autoload"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port       int
	AdminToken string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	Host           string
	Port           string
	Database       string
	Username       string
	Password       string
	Schema         string
	MigrationsPath string
}

// DSN is the pgx connection string for the database.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.Username, d.Password),
		Host:   d.Host + ":" + d.Port,
		Path:   "/" + d.Database,
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	if d.Schema != "" {
		q.Set("search_path", d.Schema)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type NATSConfig struct {
	URL    string
	Stream string
}

func (n NATSConfig) Enabled() bool {
	return n.URL != ""
}

type AuthConfig struct {
	// Mode is "jwt" or "dev". Dev mode trusts the token as the participant id.
	Mode      string
	JWTSecret string
}

type QueueConfig struct {
	// Driver is "memory" or "river".
	Driver  string
	Workers int
}

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Auth     AuthConfig
	Queue    QueueConfig
	Game     game.Config
	LogLevel string
}

// Load reads the environment (and .env) and overlays GAME_CONFIG_FILE when set.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Port:       getEnvAsInt("PORT", 8080),
			AdminToken: getEnv("ADMIN_TOKEN", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_URL", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Database: LoadDatabase(),
		NATS: NATSConfig{
			URL:    getEnv("NATS_URL", ""),
			Stream: getEnv("NATS_STREAM", "CRASH_ROUNDS"),
		},
		Auth: AuthConfig{
			Mode:      getEnv("AUTH_MODE", "jwt"),
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
		},
		Queue: QueueConfig{
			Driver:  getEnv("SETTLEMENT_QUEUE", "memory"),
			Workers: getEnvAsInt("SETTLEMENT_WORKERS", 4),
		},
		Game:     gameFromEnv(),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if path := os.Getenv("GAME_CONFIG_FILE"); path != "" {
		if err := overlayGameFile(&cfg.Game, path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDatabase reads only the database settings. The migration tool uses it
// so it does not need the game or auth configuration.
func LoadDatabase() DatabaseConfig {
	return DatabaseConfig{
		Host:           getEnv("BLUEPRINT_DB_HOST", "localhost"),
		Port:           getEnv("BLUEPRINT_DB_PORT", "5432"),
		Database:       getEnv("BLUEPRINT_DB_DATABASE", "crashgame"),
		Username:       getEnv("BLUEPRINT_DB_USERNAME", "postgres"),
		Password:       getEnv("BLUEPRINT_DB_PASSWORD", "postgres"),
		Schema:         getEnv("BLUEPRINT_DB_SCHEMA", "public"),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
	}
}

func (c Config) Validate() error {
	switch c.Auth.Mode {
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET is required when AUTH_MODE=jwt")
		}
	case "dev":
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.Auth.Mode)
	}
	switch c.Queue.Driver {
	case "memory", "river":
	default:
		return fmt.Errorf("unknown SETTLEMENT_QUEUE %q", c.Queue.Driver)
	}
	if err := c.Game.Validate(); err != nil {
		return fmt.Errorf("game config: %w", err)
	}
	return nil
}

func gameFromEnv() game.Config {
	g := game.DefaultConfig()
	g.BettingDuration = getEnvAsMillis("GAME_BETTING_MS", g.BettingDuration)
	g.TickInterval = getEnvAsMillis("GAME_TICK_MS", g.TickInterval)
	g.Cooldown = getEnvAsMillis("GAME_COOLDOWN_MS", g.Cooldown)
	g.MinStake = getEnvAsFloat("GAME_MIN_STAKE", g.MinStake)
	g.MaxStake = getEnvAsFloat("GAME_MAX_STAKE", g.MaxStake)
	g.CashoutTolerance = getEnvAsFloat("GAME_CASHOUT_TOLERANCE", g.CashoutTolerance)
	g.LateBetMaxValue = getEnvAsFloat("GAME_LATE_BET_MAX_VALUE", g.LateBetMaxValue)
	g.LateCashoutGrace = getEnvAsMillis("GAME_LATE_CASHOUT_GRACE_MS", g.LateCashoutGrace)
	g.MinCrash = getEnvAsFloat("GAME_MIN_CRASH", g.MinCrash)
	g.MaxCrash = getEnvAsFloat("GAME_MAX_CRASH", g.MaxCrash)
	g.OverrideSkew = getEnvAsMillis("GAME_OVERRIDE_SKEW_MS", g.OverrideSkew)
	g.BotsMin = getEnvAsInt("GAME_BOTS_MIN", g.BotsMin)
	g.BotsMax = getEnvAsInt("GAME_BOTS_MAX", g.BotsMax)
	g.HistorySize = getEnvAsInt("GAME_HISTORY_SIZE", g.HistorySize)
	return g
}

// gameFile is the YAML layout of GAME_CONFIG_FILE. Unset keys keep the
// environment value.
type gameFile struct {
	BettingMs        *int64        `yaml:"betting_ms"`
	TickMs           *int64        `yaml:"tick_ms"`
	CooldownMs       *int64        `yaml:"cooldown_ms"`
	MinStake         *float64      `yaml:"min_stake"`
	MaxStake         *float64      `yaml:"max_stake"`
	CashoutTolerance *float64      `yaml:"cashout_tolerance"`
	LateBetMaxValue  *float64      `yaml:"late_bet_max_value"`
	LateCashoutMs    *int64        `yaml:"late_cashout_grace_ms"`
	MinCrash         *float64      `yaml:"min_crash"`
	MaxCrash         *float64      `yaml:"max_crash"`
	OverrideSkewMs   *int64        `yaml:"override_skew_ms"`
	Buckets          []game.Bucket `yaml:"buckets"`
	Curve            *game.Curve   `yaml:"curve"`
	Bots             *struct {
		Min int `yaml:"min"`
		Max int `yaml:"max"`
	} `yaml:"bots"`
	HistorySize *int `yaml:"history_size"`
}

func overlayGameFile(g *game.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read game config: %w", err)
	}
	var f gameFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse game config %s: %w", path, err)
	}

	setMillis(&g.BettingDuration, f.BettingMs)
	setMillis(&g.TickInterval, f.TickMs)
	setMillis(&g.Cooldown, f.CooldownMs)
	setMillis(&g.LateCashoutGrace, f.LateCashoutMs)
	setMillis(&g.OverrideSkew, f.OverrideSkewMs)
	setFloat(&g.MinStake, f.MinStake)
	setFloat(&g.MaxStake, f.MaxStake)
	setFloat(&g.CashoutTolerance, f.CashoutTolerance)
	setFloat(&g.LateBetMaxValue, f.LateBetMaxValue)
	setFloat(&g.MinCrash, f.MinCrash)
	setFloat(&g.MaxCrash, f.MaxCrash)
	if len(f.Buckets) > 0 {
		g.Buckets = f.Buckets
	}
	if f.Curve != nil {
		g.Curve = *f.Curve
	}
	if f.Bots != nil {
		g.BotsMin, g.BotsMax = f.Bots.Min, f.Bots.Max
	}
	if f.HistorySize != nil {
		g.HistorySize = *f.HistorySize
	}
	return nil
}

func setMillis(dst *time.Duration, ms *int64) {
	if ms != nil {
		*dst = time.Duration(*ms) * time.Millisecond
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsMillis(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
