package game

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crashgame/internal/metrics"

	"github.com/rs/zerolog"
)

type ManagerDeps struct {
	Config     Config
	State      *RoundState
	Generator  *Generator
	Overrides  *OverrideHook
	Ledger     *Ledger
	Settlement *Settlement
	Bots       *BotFeed
	Hub        Broadcaster
	Store      Persistence
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// Manager is the round clock. It is the only thing that advances a round.
type Manager struct {
	cfg        Config
	state      *RoundState
	gen        *Generator
	overrides  *OverrideHook
	ledger     *Ledger
	settlement *Settlement
	bots       *BotFeed
	hub        Broadcaster
	recorder   *AsyncRecorder
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time

	nonce    int
	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
	mu       sync.Mutex
}

func NewManager(deps ManagerDeps) *Manager {
	return &Manager{
		cfg:        deps.Config,
		state:      deps.State,
		gen:        deps.Generator,
		overrides:  deps.Overrides,
		ledger:     deps.Ledger,
		settlement: deps.Settlement,
		bots:       deps.Bots,
		hub:        deps.Hub,
		recorder:   NewAsyncRecorder(deps.Store, deps.Logger),
		metrics:    deps.Metrics,
		log:        deps.Logger,
		now:        time.Now,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.gameLoop()
}

// Stop ends the loop between ticks and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
	m.recorder.Close()
}

func (m *Manager) Snapshot() RoundSnapshot {
	return m.state.Snapshot()
}

func (m *Manager) gameLoop() {
	defer close(m.done)
	for {
		select {
		case <-m.stopChan:
			m.log.Info().Msg("game loop stopped")
			return
		default:
			if !m.runRound() {
				m.log.Info().Msg("game loop stopped mid-round")
				return
			}
		}
	}
}

// sleep waits for d and reports false if the manager was stopped first.
func (m *Manager) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.stopChan:
		return false
	}
}

// runRound drives one round from WAITING to the end of cooldown. It returns
// false if the manager was stopped.
func (m *Manager) runRound() bool {
	m.nonce++
	now := m.now()
	roundID := fmt.Sprintf("R%d-%d", now.Unix(), m.nonce)

	forcedTarget, forced := m.overrides.FindOverrideFor(context.Background(), now)

	round := Round{
		ID:           roundID,
		Phase:        PhaseWaiting,
		CreatedAt:    now,
		CurrentValue: MIN_VALUE,
	}
	m.state.begin(round, now.Add(m.cfg.BettingDuration))
	recorded := m.ledger.OpenPending(roundID)
	m.recorder.CreateRound(round, recorded)
	m.bots.Seed(roundID)

	m.log.Info().Str("round", roundID).Bool("forced", forced).Msg("round waiting")
	m.hub.Broadcast(NewMessage(MSG_PHASE_WAITING, PhaseWaitingMessage{
		RoundID:     roundID,
		RemainingMs: m.cfg.BettingDuration.Milliseconds(),
	}))

	if !m.sleep(m.cfg.BettingDuration) {
		return false
	}

	target := forcedTarget
	if !forced {
		target = m.gen.CrashTarget()
	}
	startTime := m.now()
	active := m.state.activate(target, forced, startTime)
	m.recorder.UpdateRound(active)
	m.log.Debug().Str("round", roundID).Float64("target", target).Msg("round active")
	m.hub.Broadcast(NewMessage(MSG_PHASE_ACTIVE, PhaseActiveMessage{RoundID: roundID}))

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for running := true; running; {
		select {
		case <-ticker.C:
			running = m.tick(roundID, target, startTime)
		case <-m.stopChan:
			return false
		}
	}

	final := m.state.terminate(m.now())
	m.hub.Broadcast(NewMessage(MSG_ROUND_TERMINAL, RoundTerminalMessage{
		RoundID:    roundID,
		FinalValue: final.CrashValue,
		History:    m.state.History(),
	}))

	report := m.settlement.Settle(context.Background(), roundID)
	m.recorder.UpdateRound(final)
	m.metrics.RoundFinished(final.CrashValue, final.Forced)
	m.log.Info().Str("round", roundID).Float64("crash", final.CrashValue).Bool("forced", final.Forced).
		Int("lost", report.Lost).Int("notified", report.Notified).Msg("round ended")

	return m.sleep(m.cfg.Cooldown)
}

// tick advances the value once. It returns false when the round has reached
// its target.
func (m *Manager) tick(roundID string, target float64, startTime time.Time) bool {
	elapsed := m.now().Sub(startTime)
	value := m.cfg.Curve.ValueAt(elapsed.Seconds())

	if value >= target {
		// Wagers whose target sits between the last tick and the crash still pay.
		snap := m.state.Snapshot()
		snap.CurrentValue = target
		m.ledger.AutoCashouts(snap)
		return false
	}

	value = m.state.advance(value)
	m.metrics.Tick()
	m.hub.Broadcast(NewMessage(MSG_VALUE_TICK, ValueTickMessage{
		RoundID:      roundID,
		CurrentValue: value,
		ElapsedMs:    elapsed.Milliseconds(),
	}))
	m.ledger.AutoCashouts(m.state.Snapshot())
	return true
}
