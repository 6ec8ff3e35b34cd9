package game

import (
	"errors"
	"fmt"
	"time"
)

const (
	BETTING_TIME          = 5 * time.Second
	TICK_INTERVAL         = 50 * time.Millisecond
	COOLDOWN_TIME         = 3 * time.Second
	MIN_BET_AMOUNT        = 1.0
	MAX_BET_AMOUNT        = 10000.0
	CASHOUT_TOLERANCE     = 1.0
	LATE_BET_MAX_VALUE    = 1.1
	LATE_CASHOUT_GRACE    = 500 * time.Millisecond
	MIN_CRASH_VALUE       = 1.01
	MAX_CRASH_VALUE       = 1000.0
	OVERRIDE_SKEW         = time.Minute
	HISTORY_SIZE          = 20
	LEDGER_CALL_TIMEOUT   = 3 * time.Second
	PERSIST_WRITE_TIMEOUT = 2 * time.Second
	ROUND_RECORD_ATTEMPTS = 3
	ROUND_RECORD_BACKOFF  = 100 * time.Millisecond
)

// Bucket is one band of the crash distribution. Weights are relative.
type Bucket struct {
	Weight float64 `yaml:"weight" json:"weight"`
	Min    float64 `yaml:"min" json:"min"`
	Max    float64 `yaml:"max" json:"max"`
}

// Curve holds the coefficients of 1 + a·t + (a·t)² − (b·t)³ + (b·t)⁴.
type Curve struct {
	A float64 `yaml:"a" json:"a"`
	B float64 `yaml:"b" json:"b"`
}

type Config struct {
	BettingDuration  time.Duration
	TickInterval     time.Duration
	Cooldown         time.Duration
	MinStake         float64
	MaxStake         float64
	CashoutTolerance float64
	LateBetMaxValue  float64
	LateCashoutGrace time.Duration
	MinCrash         float64
	MaxCrash         float64
	Buckets          []Bucket
	Curve            Curve
	OverrideSkew     time.Duration
	HistorySize      int
	BotsMin          int
	BotsMax          int
}

func DefaultBuckets() []Bucket {
	return []Bucket{
		{Weight: 0.6, Min: 1.01, Max: 2.0},
		{Weight: 0.3, Min: 2.0, Max: 3.0},
		{Weight: 0.1, Min: 3.0, Max: 5.0},
	}
}

func DefaultCurve() Curve {
	return Curve{A: 0.1, B: 0.05}
}

func DefaultConfig() Config {
	return Config{
		BettingDuration:  BETTING_TIME,
		TickInterval:     TICK_INTERVAL,
		Cooldown:         COOLDOWN_TIME,
		MinStake:         MIN_BET_AMOUNT,
		MaxStake:         MAX_BET_AMOUNT,
		CashoutTolerance: CASHOUT_TOLERANCE,
		LateBetMaxValue:  LATE_BET_MAX_VALUE,
		LateCashoutGrace: LATE_CASHOUT_GRACE,
		MinCrash:         MIN_CRASH_VALUE,
		MaxCrash:         MAX_CRASH_VALUE,
		Buckets:          DefaultBuckets(),
		Curve:            DefaultCurve(),
		OverrideSkew:     OVERRIDE_SKEW,
		HistorySize:      HISTORY_SIZE,
		BotsMin:          5,
		BotsMax:          20,
	}
}

func (c Config) Validate() error {
	if c.BettingDuration <= 0 || c.TickInterval <= 0 || c.Cooldown < 0 {
		return errors.New("durations must be positive")
	}
	if c.MinStake <= 0 || c.MaxStake < c.MinStake {
		return fmt.Errorf("invalid stake range [%.2f, %.2f]", c.MinStake, c.MaxStake)
	}
	if c.CashoutTolerance < 0 {
		return errors.New("cashout tolerance must not be negative")
	}
	if c.MinCrash < MIN_CRASH_VALUE {
		return fmt.Errorf("min crash must be at least %.2f", MIN_CRASH_VALUE)
	}
	if c.MaxCrash <= c.MinCrash {
		return fmt.Errorf("max crash %.2f must exceed min crash %.2f", c.MaxCrash, c.MinCrash)
	}
	if len(c.Buckets) == 0 {
		return errors.New("at least one crash bucket is required")
	}
	total := 0.0
	for i, b := range c.Buckets {
		if b.Weight < 0 {
			return fmt.Errorf("bucket %d has negative weight", i)
		}
		if b.Min >= b.Max {
			return fmt.Errorf("bucket %d has min %.2f >= max %.2f", i, b.Min, b.Max)
		}
		total += b.Weight
	}
	if total <= 0 {
		return errors.New("crash buckets carry no weight")
	}
	if c.Curve.A <= 0 || c.Curve.B < 0 {
		return errors.New("curve coefficient a must be positive and b non-negative")
	}
	if !c.Curve.Monotonic(10*time.Minute, c.TickInterval) {
		return fmt.Errorf("curve a=%.4f b=%.4f decreases within ten minutes", c.Curve.A, c.Curve.B)
	}
	if c.BotsMin < 0 || c.BotsMax < c.BotsMin {
		return fmt.Errorf("invalid bot range [%d, %d]", c.BotsMin, c.BotsMax)
	}
	if c.HistorySize <= 0 {
		return errors.New("history size must be positive")
	}
	return nil
}
