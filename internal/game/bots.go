package game

import (
	"math"
	"sync"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"
)

var botStakes = []float64{1, 2, 5, 10, 20, 25, 50, 100, 200, 500}

// BotFeed seeds synthetic wagers into each new round. Their cashouts are
// driven by the clock tick like any auto cashout and never reach the wallet.
type BotFeed struct {
	mu     sync.Mutex
	faker  *gofakeit.Faker
	ledger *Ledger
	min    int
	max    int
	ceil   float64
	log    zerolog.Logger
}

func NewBotFeed(ledger *Ledger, cfg Config, seed uint64, logger zerolog.Logger) *BotFeed {
	return &BotFeed{
		faker:  gofakeit.New(seed),
		ledger: ledger,
		min:    cfg.BotsMin,
		max:    cfg.BotsMax,
		ceil:   math.Min(cfg.MaxCrash, 20),
		log:    logger,
	}
}

// Seed places between min and max synthetic wagers on roundID.
func (f *BotFeed) Seed(roundID string) []Wager {
	if f == nil || f.max == 0 {
		return nil
	}
	f.mu.Lock()
	n := f.faker.Number(f.min, f.max)
	planned := make([]Wager, 0, n)
	for i := 0; i < n; i++ {
		planned = append(planned, Wager{
			ParticipantID: "bot:" + f.faker.UUID(),
			DisplayName:   f.faker.Username(),
			Slot:          Slot(f.faker.Number(0, 1)),
			Stake:         botStakes[f.faker.Number(0, len(botStakes)-1)],
			Target:        f.target(),
		})
	}
	f.mu.Unlock()

	placed := make([]Wager, 0, len(planned))
	for _, w := range planned {
		got, err := f.ledger.PlaceSynthetic(roundID, w)
		if err != nil {
			f.log.Debug().Err(err).Str("round", roundID).Msg("synthetic wager skipped")
			continue
		}
		placed = append(placed, got)
	}
	f.log.Debug().Str("round", roundID).Int("bots", len(placed)).Msg("synthetic wagers seeded")
	return placed
}

// target draws a cashout point biased toward low values: 1 / (1 - u) for a
// uniform u, capped at ceil.
func (f *BotFeed) target() float64 {
	u := f.faker.Float64Range(0, 0.95)
	t := floor2(1 / (1 - u))
	if t < MIN_CRASH_VALUE {
		t = MIN_CRASH_VALUE
	}
	if t > f.ceil {
		t = f.ceil
	}
	return t
}
