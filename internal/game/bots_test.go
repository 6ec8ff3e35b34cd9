package game

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestBotFeed_Seed(t *testing.T) {
	f := newLedgerFixture(t)
	cfg := DefaultConfig()
	feed := NewBotFeed(f.ledger, cfg, 3, zerolog.Nop())

	placed := feed.Seed(testRound)
	if len(placed) == 0 || len(placed) > cfg.BotsMax {
		t.Fatalf("Seed() placed %d wagers, want 1..%d", len(placed), cfg.BotsMax)
	}
	for _, w := range placed {
		if !w.Synthetic {
			t.Errorf("wager %s is not synthetic", w.ID)
		}
		if !strings.HasPrefix(w.ParticipantID, "bot:") {
			t.Errorf("participant %q should carry the bot prefix", w.ParticipantID)
		}
		if w.DisplayName == "" {
			t.Error("bot wager has no display name")
		}
		if w.Target < MIN_CRASH_VALUE || w.Target > 20 {
			t.Errorf("target %v outside [%v, 20]", w.Target, MIN_CRASH_VALUE)
		}
		if w.Status != WagerOpen {
			t.Errorf("status = %v, want OPEN", w.Status)
		}
	}
	if n := len(f.wallet.Journal()); n != 0 {
		t.Errorf("bots moved money %d times", n)
	}
}

func TestBotFeed_Disabled(t *testing.T) {
	f := newLedgerFixture(t)
	cfg := DefaultConfig()
	cfg.BotsMin, cfg.BotsMax = 0, 0
	if got := NewBotFeed(f.ledger, cfg, 1, zerolog.Nop()).Seed(testRound); len(got) != 0 {
		t.Errorf("disabled feed placed %d wagers", len(got))
	}

	var nilFeed *BotFeed
	if got := nilFeed.Seed(testRound); got != nil {
		t.Errorf("nil feed placed %d wagers", len(got))
	}
}

func TestBotFeed_TargetsFavourLowValues(t *testing.T) {
	f := newLedgerFixture(t)
	feed := NewBotFeed(f.ledger, DefaultConfig(), 11, zerolog.Nop())

	low := 0
	const n = 2000
	for i := 0; i < n; i++ {
		if feed.target() < 2 {
			low++
		}
	}
	if share := float64(low) / n; share < 0.45 {
		t.Errorf("share of targets below 2x = %.2f, want at least 0.45", share)
	}
}
