package game

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Persistence is the round and wager record store. Writes replace the whole
// record keyed by ID.
type Persistence interface {
	CreateRound(ctx context.Context, r Round) error
	UpdateRound(ctx context.Context, r Round) error
	CreateWager(ctx context.Context, w Wager) error
	UpdateWager(ctx context.Context, w Wager) error
	FindOpenWagers(ctx context.Context, roundID string) ([]Wager, error)
	FindUnfinishedRounds(ctx context.Context) ([]Round, error)
}

// Broadcaster delivers messages to every session or to the sessions of one
// participant. Both calls must return without waiting on network I/O.
type Broadcaster interface {
	Broadcast(msg WSMessage)
	SendTo(participantID string, msg WSMessage)
}

// MemoryStore is a Persistence kept in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	rounds  map[string]Round
	wagers  map[string]Wager
	failing map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:  make(map[string]Round),
		wagers:  make(map[string]Wager),
		failing: make(map[string]error),
	}
}

// Fail makes every call to op ("CreateWager", "UpdateWager", ...) return err
// until cleared with a nil err.
func (s *MemoryStore) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failing, op)
		return
	}
	s.failing[op] = err
}

func (s *MemoryStore) CreateRound(_ context.Context, r Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing["CreateRound"]; err != nil {
		return err
	}
	if _, ok := s.rounds[r.ID]; ok {
		return fmt.Errorf("round %s already exists", r.ID)
	}
	s.rounds[r.ID] = r
	return nil
}

func (s *MemoryStore) UpdateRound(_ context.Context, r Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing["UpdateRound"]; err != nil {
		return err
	}
	s.rounds[r.ID] = r
	return nil
}

func (s *MemoryStore) CreateWager(_ context.Context, w Wager) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing["CreateWager"]; err != nil {
		return err
	}
	if _, ok := s.wagers[w.ID]; ok {
		return fmt.Errorf("wager %s already exists", w.ID)
	}
	s.wagers[w.ID] = w
	return nil
}

func (s *MemoryStore) UpdateWager(_ context.Context, w Wager) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing["UpdateWager"]; err != nil {
		return err
	}
	if _, ok := s.wagers[w.ID]; !ok {
		return fmt.Errorf("wager %s not found", w.ID)
	}
	s.wagers[w.ID] = w
	return nil
}

func (s *MemoryStore) FindOpenWagers(_ context.Context, roundID string) ([]Wager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing["FindOpenWagers"]; err != nil {
		return nil, err
	}
	var out []Wager
	for _, w := range s.wagers {
		if w.RoundID == roundID && w.Status == WagerOpen {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out, nil
}

func (s *MemoryStore) FindUnfinishedRounds(_ context.Context) ([]Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Round
	for _, r := range s.rounds {
		if r.Phase != PhaseTerminal {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Wager(id string) (Wager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wagers[id]
	return w, ok
}

func (s *MemoryStore) GetRound(id string) (Round, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	return r, ok
}

type recordJob struct {
	name  string
	write func(ctx context.Context) error
	fail  func(err error)
	// done, when set, receives the final result of the write.
	done func(err error)
	// attempts above 1 retries the write in place, keeping later writes behind it.
	attempts int
}

func (j recordJob) finish(err error) {
	if j.done != nil {
		j.done(err)
	}
	if err != nil && j.fail != nil {
		j.fail(err)
	}
}

// AsyncRecorder runs persistence writes off the caller's goroutine with a
// bounded timeout, so the round clock never waits on the database.
type AsyncRecorder struct {
	store   Persistence
	timeout time.Duration
	jobs    chan recordJob
	log     zerolog.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

func NewAsyncRecorder(store Persistence, logger zerolog.Logger) *AsyncRecorder {
	r := &AsyncRecorder{
		store:   store,
		timeout: PERSIST_WRITE_TIMEOUT,
		jobs:    make(chan recordJob, 1024),
		log:     logger,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *AsyncRecorder) run() {
	defer r.wg.Done()
	for job := range r.jobs {
		err := r.attempt(job)
		if err != nil {
			r.log.Error().Err(err).Str("op", job.name).Msg("persistence write failed")
		}
		job.finish(err)
	}
}

func (r *AsyncRecorder) attempt(job recordJob) error {
	var err error
	for i := 0; i < max(job.attempts, 1); i++ {
		if i > 0 {
			r.log.Warn().Err(err).Str("op", job.name).Int("attempt", i).Msg("persistence write failed, retrying")
			time.Sleep(ROUND_RECORD_BACKOFF << (i - 1))
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err = job.write(ctx)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

func (r *AsyncRecorder) enqueue(job recordJob) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.log.Warn().Str("op", job.name).Msg("recorder closed, dropping write")
		job.finish(fmt.Errorf("%w: recorder closed", ErrPersistence))
		return
	}
	select {
	case r.jobs <- job:
	default:
		r.log.Error().Str("op", job.name).Msg("recorder queue full, dropping write")
		job.finish(fmt.Errorf("%w: recorder queue full", ErrPersistence))
	}
}

// CreateRound writes round, retrying a failed insert, and then calls done
// with the final result. done may be nil.
func (r *AsyncRecorder) CreateRound(round Round, done func(error)) {
	r.enqueue(recordJob{
		name:     "CreateRound",
		write:    func(ctx context.Context) error { return r.store.CreateRound(ctx, round) },
		done:     done,
		attempts: ROUND_RECORD_ATTEMPTS,
	})
}

func (r *AsyncRecorder) UpdateRound(round Round) {
	r.enqueue(recordJob{name: "UpdateRound", write: func(ctx context.Context) error {
		return r.store.UpdateRound(ctx, round)
	}})
}

// UpdateWager writes w and calls onFail if the write does not land.
func (r *AsyncRecorder) UpdateWager(w Wager, onFail func(error)) {
	r.enqueue(recordJob{
		name:  "UpdateWager",
		write: func(ctx context.Context) error { return r.store.UpdateWager(ctx, w) },
		fail:  onFail,
	})
}

// Close drains queued writes.
func (r *AsyncRecorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
