package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crashgame/internal/metrics"
	"crashgame/internal/wallet"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type wagerKey struct {
	round       string
	participant string
	slot        Slot
}

// keyLocks hands out one mutex per (round, participant, slot). Every ledger
// operation on a wager runs under its key lock.
type keyLocks struct {
	mu    sync.Mutex
	locks map[wagerKey]*sync.Mutex
}

func (k *keyLocks) get(key wagerKey) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[wagerKey]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	return l
}

func (k *keyLocks) lock(key wagerKey) func() {
	l := k.get(key)
	l.Lock()
	return l.Unlock
}

// tryLock is lock without waiting. The bool is false if the key is held.
func (k *keyLocks) tryLock(key wagerKey) (func(), bool) {
	l := k.get(key)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

// dropRound forgets the locks of every round except keep.
func (k *keyLocks) dropRound(keep string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key := range k.locks {
		if key.round != keep {
			delete(k.locks, key)
		}
	}
}

// book is the set of wagers recorded for one round.
type book struct {
	roundID string
	mu      sync.RWMutex
	wagers  map[wagerKey]*Wager
	order   []wagerKey

	// recorded is closed once the round row is stored or has failed for good.
	recorded   chan struct{}
	recordOnce sync.Once
	recordErr  error
}

func (b *book) markRecorded(err error) {
	b.recordOnce.Do(func() {
		b.recordErr = err
		close(b.recorded)
	})
}

// awaitRecorded blocks until the round row exists. Wager rows reference it.
func (b *book) awaitRecorded(ctx context.Context) error {
	select {
	case <-b.recorded:
		return b.recordErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *book) get(key wagerKey) (*Wager, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.wagers[key]
	return w, ok
}

func (b *book) add(key wagerKey, w *Wager) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wagers[key] = w
	b.order = append(b.order, key)
}

func (b *book) keys() []wagerKey {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]wagerKey(nil), b.order...)
}

type LedgerDeps struct {
	Config  Config
	Clock   RoundReader
	Wallet  wallet.Wallet
	Store   Persistence
	Hub     Broadcaster
	Retry   RetryQueue
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Ledger records the wagers of the current round and applies place,
// cashout and settlement to them.
type Ledger struct {
	cfg      Config
	clock    RoundReader
	wallet   wallet.Wallet
	store    Persistence
	hub      Broadcaster
	retry    RetryQueue
	metrics  *metrics.Metrics
	log      zerolog.Logger
	locks    keyLocks
	now      func() time.Time
	recorder *AsyncRecorder

	mu      sync.RWMutex
	current *book
}

func NewLedger(deps LedgerDeps) *Ledger {
	return &Ledger{
		cfg:      deps.Config,
		clock:    deps.Clock,
		wallet:   deps.Wallet,
		store:    deps.Store,
		hub:      deps.Hub,
		retry:    deps.Retry,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		now:      time.Now,
		recorder: NewAsyncRecorder(deps.Store, deps.Logger),
	}
}

// Open starts a fresh book for roundID whose round row already exists. The
// previous round's book is dropped.
func (l *Ledger) Open(roundID string) {
	l.OpenPending(roundID)(nil)
}

// OpenPending starts a fresh book for roundID while its round row is still
// being written. Real placements wait until the returned func is called; a
// non-nil error makes them fail without touching the wallet.
func (l *Ledger) OpenPending(roundID string) func(error) {
	b := &book{roundID: roundID, wagers: make(map[wagerKey]*Wager), recorded: make(chan struct{})}
	l.mu.Lock()
	l.current = b
	l.mu.Unlock()
	l.locks.dropRound(roundID)
	return b.markRecorded
}

func (l *Ledger) book(roundID string) (*book, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.current == nil || l.current.roundID != roundID {
		return nil, false
	}
	return l.current, true
}

// Close flushes pending wager writes.
func (l *Ledger) Close() {
	l.recorder.Close()
}

func (l *Ledger) bettingOpen(snap RoundSnapshot) bool {
	switch snap.Phase {
	case PhaseWaiting:
		return true
	case PhaseActive:
		return snap.CurrentValue <= l.cfg.LateBetMaxValue
	}
	return false
}

func (l *Ledger) validatePlace(req PlaceRequest) *WagerError {
	if !req.Slot.Valid() {
		return rejectf(req.Slot, ErrInvalidSlot, "invalid slot")
	}
	if req.ParticipantID == "" {
		return rejectf(req.Slot, ErrInvalidSlot, "unknown participant")
	}
	if req.Stake < l.cfg.MinStake || req.Stake > l.cfg.MaxStake {
		return rejectf(req.Slot, ErrStakeOutOfRange, "stake must be between %.2f and %.2f", l.cfg.MinStake, l.cfg.MaxStake)
	}
	if req.Auto && req.Target == 0 {
		return rejectf(req.Slot, ErrInvalidTarget, "auto cashout needs a target")
	}
	if req.Target != 0 && (req.Target < MIN_CRASH_VALUE || req.Target > l.cfg.MaxCrash) {
		return rejectf(req.Slot, ErrInvalidTarget, "target must be between %.2f and %.2f", MIN_CRASH_VALUE, l.cfg.MaxCrash)
	}
	return nil
}

// Place debits the stake and records an OPEN wager for the current round.
// If the record cannot be created the stake is credited back.
func (l *Ledger) Place(ctx context.Context, req PlaceRequest) (Wager, float64, error) {
	if werr := l.validatePlace(req); werr != nil {
		return l.rejectPlace(req, werr)
	}
	snap := l.clock.Snapshot()
	if !l.bettingOpen(snap) {
		return l.rejectPlace(req, rejectf(req.Slot, ErrBettingClosed, "betting is closed"))
	}
	b, ok := l.book(snap.RoundID)
	if !ok {
		return l.rejectPlace(req, rejectf(req.Slot, ErrBettingClosed, "no round is open for betting"))
	}

	rctx, cancel := context.WithTimeout(ctx, PERSIST_WRITE_TIMEOUT)
	err := b.awaitRecorded(rctx)
	cancel()
	if err != nil {
		l.log.Error().Err(err).Str("round", snap.RoundID).Str("participant", req.ParticipantID).Msg("round not recorded, wager refused")
		return l.rejectPlace(req, rejectf(req.Slot, fmt.Errorf("%w: %v", ErrPersistence, err), "round is not available for betting, try again"))
	}

	key := wagerKey{round: snap.RoundID, participant: req.ParticipantID, slot: req.Slot}
	unlock := l.locks.lock(key)
	defer unlock()

	if _, exists := b.get(key); exists {
		return l.rejectPlace(req, rejectf(req.Slot, ErrDuplicateWager, "a wager is already placed on the %s slot", req.Slot))
	}

	w := Wager{
		ID:            uuid.NewString(),
		RoundID:       snap.RoundID,
		ParticipantID: req.ParticipantID,
		DisplayName:   req.DisplayName,
		Slot:          req.Slot,
		Stake:         roundCents(req.Stake),
		Target:        req.Target,
		Auto:          req.Auto && req.Target > 0,
		Status:        WagerOpen,
		PlacedAt:      l.now(),
	}

	wctx, cancel := context.WithTimeout(ctx, LEDGER_CALL_TIMEOUT)
	balance, err := l.wallet.Debit(wctx, w.ParticipantID, w.Stake, "wager:"+w.ID)
	cancel()
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			return l.rejectPlace(req, rejectf(req.Slot, ErrInsufficientFunds, "insufficient balance"))
		}
		l.log.Error().Err(err).Str("participant", w.ParticipantID).Msg("debit failed")
		return l.rejectPlace(req, rejectf(req.Slot, fmt.Errorf("%w: %v", ErrWallet, err), "wallet unavailable, try again"))
	}

	sctx, cancel := context.WithTimeout(ctx, PERSIST_WRITE_TIMEOUT)
	err = l.store.CreateWager(sctx, w)
	cancel()
	if err != nil {
		l.log.Error().Err(err).Str("wager", w.ID).Str("participant", w.ParticipantID).Msg("wager record failed, refunding stake")
		l.refund(w, "refund:"+w.ID)
		return l.rejectPlace(req, rejectf(req.Slot, fmt.Errorf("%w: %v", ErrPersistence, err), "wager could not be recorded, stake refunded"))
	}

	b.add(key, &w)
	l.metrics.WagerPlaced("real")
	l.hub.Broadcast(NewMessage(MSG_WAGER_PLACED, w.Public()))
	l.log.Info().Str("round", w.RoundID).Str("participant", w.ParticipantID).Str("slot", w.Slot.String()).
		Float64("stake", w.Stake).Str("wager", w.ID).Msg("wager placed")
	return w, balance, nil
}

func (l *Ledger) rejectPlace(req PlaceRequest, werr *WagerError) (Wager, float64, error) {
	l.metrics.WagerRejected(Code(werr))
	return Wager{}, 0, werr
}

// refund credits the stake of w back. A failed credit goes to the retry queue.
func (l *Ledger) refund(w Wager, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), LEDGER_CALL_TIMEOUT)
	defer cancel()
	if _, err := l.wallet.Credit(ctx, w.ParticipantID, w.Stake, reason); err != nil {
		l.log.Error().Err(err).Str("wager", w.ID).Msg("refund failed, queued for retry")
		l.enqueueCredit(w, w.Stake, reason, err)
	}
}

func (l *Ledger) enqueueCredit(w Wager, amount float64, reason string, cause error) {
	item := NewRetryItem(OpCredit, w, cause)
	item.Amount = amount
	item.Reason = reason
	l.enqueue(item)
}

func (l *Ledger) enqueue(item RetryItem) {
	if l.retry == nil {
		l.log.Error().Str("op", string(item.Op)).Str("wager", item.Wager.ID).Msg("no retry queue, write lost")
		return
	}
	if err := l.retry.Enqueue(context.Background(), item); err != nil {
		l.log.Error().Err(err).Str("op", string(item.Op)).Str("wager", item.Wager.ID).Msg("retry enqueue failed")
	}
}

// persist writes w without blocking the caller. A failed write is retried.
func (l *Ledger) persist(w Wager) {
	if w.Synthetic {
		return
	}
	l.recorder.UpdateWager(w, func(err error) {
		l.enqueue(NewRetryItem(OpUpdateWager, w, err))
	})
}

// Cashout pays out an OPEN wager at the claimed multiplier, or converts a
// just-settled LOST wager when the claim beat the crash within the grace window.
func (l *Ledger) Cashout(ctx context.Context, req CashoutRequest) (Payout, error) {
	if !req.Slot.Valid() {
		return l.rejectCashout(rejectf(req.Slot, ErrInvalidSlot, "invalid slot"))
	}
	snap := l.clock.Snapshot()
	b, ok := l.book(snap.RoundID)
	if !ok {
		return l.rejectCashout(rejectf(req.Slot, ErrNoOpenWager, "no wager on the %s slot", req.Slot))
	}

	key := wagerKey{round: snap.RoundID, participant: req.ParticipantID, slot: req.Slot}
	unlock := l.locks.lock(key)
	defer unlock()

	w, ok := b.get(key)
	if !ok || w.Synthetic {
		return l.rejectCashout(rejectf(req.Slot, ErrNoOpenWager, "no wager on the %s slot", req.Slot))
	}
	claim := floor2(req.Multiplier)
	if claim < MIN_VALUE {
		return l.rejectCashout(rejectf(req.Slot, ErrCashoutRejected, "multiplier must be at least %.2f", MIN_VALUE))
	}
	// Re-read under the key lock; the clock may have moved on.
	snap = l.clock.Snapshot()
	if snap.RoundID != w.RoundID {
		return l.rejectCashout(rejectf(req.Slot, ErrCashoutRejected, "round is over"))
	}

	late, werr := l.checkCashout(*w, claim, snap)
	if werr != nil {
		return l.rejectCashout(werr)
	}

	payout := payoutFor(w.Stake, claim)
	cctx, cancel := context.WithTimeout(ctx, LEDGER_CALL_TIMEOUT)
	balance, err := l.wallet.Credit(cctx, w.ParticipantID, payout, "cashout:"+w.ID)
	cancel()
	if err != nil {
		l.log.Error().Err(err).Str("wager", w.ID).Msg("cashout credit failed")
		return l.rejectCashout(rejectf(req.Slot, fmt.Errorf("%w: %v", ErrWallet, err), "wallet unavailable, try again"))
	}

	prev := w.Status
	resolved := l.now()
	w.Status = WagerCashed
	w.Multiplier = claim
	w.Payout = payout
	w.ResolvedAt = &resolved
	out := *w

	path := "live"
	if late {
		path = "late"
		l.log.Warn().Str("round", out.RoundID).Str("participant", out.ParticipantID).Str("slot", out.Slot.String()).
			Float64("claimed", claim).Float64("final", snap.FinalValue).Bool("was_lost", prev == WagerLost).
			Dur("after_terminal", resolved.Sub(snap.terminalAt)).Msg("late cashout accepted")
	}
	l.metrics.Cashout(path, payout)
	l.persist(out)
	l.hub.Broadcast(NewMessage(MSG_WAGER_CASHED, out.Public()))
	l.log.Info().Str("round", out.RoundID).Str("participant", out.ParticipantID).Str("slot", out.Slot.String()).
		Float64("multiplier", claim).Float64("payout", payout).Str("path", path).Msg("cashout")
	return Payout{WagerID: out.ID, Slot: out.Slot, Multiplier: claim, Payout: payout, Balance: balance, Late: late}, nil
}

// checkCashout decides whether claim is payable for w against snap.
func (l *Ledger) checkCashout(w Wager, claim float64, snap RoundSnapshot) (bool, *WagerError) {
	switch w.Status {
	case WagerOpen:
	case WagerLost:
		if snap.Phase != PhaseTerminal {
			return false, rejectf(w.Slot, ErrCashoutRejected, "wager is already settled")
		}
	case WagerCashed:
		return false, rejectf(w.Slot, ErrNoOpenWager, "the %s slot is already cashed out", w.Slot)
	default:
		return false, rejectf(w.Slot, ErrNoOpenWager, "the %s slot has no open wager", w.Slot)
	}

	switch snap.Phase {
	case PhaseActive:
		if claim > snap.CurrentValue+l.cfg.CashoutTolerance {
			return false, rejectf(w.Slot, ErrCashoutRejected, "multiplier %.2f is ahead of the round at %.2f", claim, snap.CurrentValue)
		}
		if claim >= snap.crashValue {
			return false, rejectf(w.Slot, ErrCashoutRejected, "round crashed before %.2f", claim)
		}
		return false, nil
	case PhaseTerminal:
		if claim >= snap.FinalValue {
			return false, rejectf(w.Slot, ErrCashoutRejected, "round crashed at %.2f", snap.FinalValue)
		}
		if l.now().Sub(snap.terminalAt) > l.cfg.LateCashoutGrace {
			return false, rejectf(w.Slot, ErrCashoutRejected, "cashout arrived after the round ended")
		}
		return true, nil
	}
	return false, rejectf(w.Slot, ErrCashoutRejected, "round has not started")
}

func (l *Ledger) rejectCashout(werr *WagerError) (Payout, error) {
	l.metrics.WagerRejected(Code(werr))
	return Payout{}, werr
}

// AutoCashouts cashes every OPEN wager whose target the round has reached.
// Statuses change here; wallet credits for real wagers run in the background.
// A wager whose key is held by a manual cashout is left for the next tick.
func (l *Ledger) AutoCashouts(snap RoundSnapshot) []Wager {
	if snap.Phase != PhaseActive {
		return nil
	}
	b, ok := l.book(snap.RoundID)
	if !ok {
		return nil
	}
	var cashed []Wager
	for _, key := range b.keys() {
		w, ok := b.get(key)
		if !ok || !w.Auto {
			continue
		}
		unlock, ok := l.locks.tryLock(key)
		if !ok {
			l.log.Debug().Str("round", snap.RoundID).Str("participant", key.participant).
				Str("slot", key.slot.String()).Msg("auto cashout skipped, wager busy")
			continue
		}
		if w.Status == WagerOpen && w.Target <= snap.CurrentValue && w.Target < snap.crashValue {
			resolved := l.now()
			w.Status = WagerCashed
			w.Multiplier = w.Target
			w.Payout = payoutFor(w.Stake, w.Target)
			w.ResolvedAt = &resolved
			cashed = append(cashed, *w)
		}
		unlock()
	}

	for _, w := range cashed {
		l.hub.Broadcast(NewMessage(MSG_WAGER_CASHED, w.Public()))
		if w.Synthetic {
			continue
		}
		l.metrics.Cashout("auto", w.Payout)
		go l.creditAuto(w)
	}
	return cashed
}

func (l *Ledger) creditAuto(w Wager) {
	ctx, cancel := context.WithTimeout(context.Background(), LEDGER_CALL_TIMEOUT)
	defer cancel()
	reason := "cashout:" + w.ID
	balance, err := l.wallet.Credit(ctx, w.ParticipantID, w.Payout, reason)
	if err != nil {
		l.log.Error().Err(err).Str("wager", w.ID).Msg("auto cashout credit failed, queued for retry")
		l.enqueueCredit(w, w.Payout, reason, err)
		l.persist(w)
		return
	}
	l.persist(w)
	l.hub.SendTo(w.ParticipantID, NewMessage(MSG_CASHOUT_SUCCESS, CashoutSuccessMessage{
		Slot:       w.Slot,
		Multiplier: w.Multiplier,
		Payout:     w.Payout,
	}))
	l.hub.SendTo(w.ParticipantID, NewMessage(MSG_BALANCE_UPDATE, BalanceUpdateMessage{Balance: balance}))
	l.log.Info().Str("round", w.RoundID).Str("participant", w.ParticipantID).Str("slot", w.Slot.String()).
		Float64("multiplier", w.Multiplier).Float64("payout", w.Payout).Msg("auto cashout")
}

// PlaceSynthetic records a bot wager. It never touches the wallet or the store.
func (l *Ledger) PlaceSynthetic(roundID string, w Wager) (Wager, error) {
	b, ok := l.book(roundID)
	if !ok {
		return Wager{}, rejectf(w.Slot, ErrBettingClosed, "no round is open for betting")
	}
	key := wagerKey{round: roundID, participant: w.ParticipantID, slot: w.Slot}
	unlock := l.locks.lock(key)
	defer unlock()
	if _, exists := b.get(key); exists {
		return Wager{}, rejectf(w.Slot, ErrDuplicateWager, "duplicate synthetic wager")
	}
	w.ID = uuid.NewString()
	w.RoundID = roundID
	w.Synthetic = true
	w.Status = WagerOpen
	w.Auto = w.Target > 0
	w.PlacedAt = l.now()
	b.add(key, &w)
	l.metrics.WagerPlaced("synthetic")
	l.hub.Broadcast(NewMessage(MSG_WAGER_PLACED, w.Public()))
	return w, nil
}

// SettleRemaining marks every OPEN wager of roundID as LOST and returns them.
// A second call finds nothing left to settle.
func (l *Ledger) SettleRemaining(roundID string) []Wager {
	b, ok := l.book(roundID)
	if !ok {
		return nil
	}
	var lost []Wager
	for _, key := range b.keys() {
		unlock := l.locks.lock(key)
		w, ok := b.get(key)
		if ok && w.Status == WagerOpen {
			resolved := l.now()
			w.Status = WagerLost
			w.Multiplier = 0
			w.Payout = 0
			w.ResolvedAt = &resolved
			lost = append(lost, *w)
		}
		unlock()
	}
	for _, w := range lost {
		l.persist(w)
	}
	return lost
}

// Wagers returns copies of every wager recorded for roundID in placement order.
func (l *Ledger) Wagers(roundID string) []Wager {
	b, ok := l.book(roundID)
	if !ok {
		return nil
	}
	keys := b.keys()
	out := make([]Wager, 0, len(keys))
	for _, key := range keys {
		unlock := l.locks.lock(key)
		if w, ok := b.get(key); ok {
			out = append(out, *w)
		}
		unlock()
	}
	return out
}

// PublicWagers is the active wagers list shown to everyone.
func (l *Ledger) PublicWagers(roundID string) []PublicWager {
	wagers := l.Wagers(roundID)
	out := make([]PublicWager, 0, len(wagers))
	for _, w := range wagers {
		out = append(out, w.Public())
	}
	return out
}

// ParticipantWagers returns the wagers participantID holds in roundID.
func (l *Ledger) ParticipantWagers(roundID, participantID string) []Wager {
	var out []Wager
	for _, w := range l.Wagers(roundID) {
		if w.ParticipantID == participantID && !w.Synthetic {
			out = append(out, w)
		}
	}
	return out
}
