package game

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrOverrideUsed = errors.New("override already used")

// Override is an admin-entered forced crash value for a moment in time.
type Override struct {
	ID        string     `json:"id"`
	At        time.Time  `json:"at"`
	Target    float64    `json:"target"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ScheduleStore finds and consumes override entries. FindUnusedOverride
// returns nil when nothing matches. MarkUsed fails with ErrOverrideUsed if
// the entry was consumed already.
type ScheduleStore interface {
	FindUnusedOverride(ctx context.Context, from, to time.Time) (*Override, error)
	MarkUsed(ctx context.Context, id string) error
}

// OverrideHook substitutes a scheduled crash value for the generator's.
type OverrideHook struct {
	store    ScheduleStore
	skew     time.Duration
	minCrash float64
	maxCrash float64
	log      zerolog.Logger
}

func NewOverrideHook(store ScheduleStore, cfg Config, logger zerolog.Logger) *OverrideHook {
	return &OverrideHook{
		store:    store,
		skew:     cfg.OverrideSkew,
		minCrash: cfg.MinCrash,
		maxCrash: cfg.MaxCrash,
		log:      logger,
	}
}

// FindOverrideFor returns the target of an unused entry within ±skew of now
// and consumes it. Lookup or consume failures mean no override.
func (h *OverrideHook) FindOverrideFor(ctx context.Context, now time.Time) (float64, bool) {
	if h == nil || h.store == nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(ctx, PERSIST_WRITE_TIMEOUT)
	defer cancel()

	entry, err := h.store.FindUnusedOverride(ctx, now.Add(-h.skew), now.Add(h.skew))
	if err != nil {
		h.log.Error().Err(err).Msg("override lookup failed")
		return 0, false
	}
	if entry == nil {
		return 0, false
	}
	if err := h.store.MarkUsed(ctx, entry.ID); err != nil {
		h.log.Warn().Err(err).Str("override", entry.ID).Msg("override not consumed, ignoring")
		return 0, false
	}
	target := entry.Target
	switch {
	case target < h.minCrash:
		target = h.minCrash
	case target > h.maxCrash:
		target = h.maxCrash
	}
	h.log.Info().Str("override", entry.ID).Float64("target", target).Time("at", entry.At).Msg("schedule override applied")
	return target, true
}

// MemorySchedule is a ScheduleStore kept in process memory.
type MemorySchedule struct {
	mu      sync.Mutex
	entries map[string]*Override
}

func NewMemorySchedule() *MemorySchedule {
	return &MemorySchedule{entries: make(map[string]*Override)}
}

func (s *MemorySchedule) CreateOverride(_ context.Context, o Override) (Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	stored := o
	s.entries[o.ID] = &stored
	return o, nil
}

func (s *MemorySchedule) FindUnusedOverride(_ context.Context, from, to time.Time) (*Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []*Override
	for _, o := range s.entries {
		if !o.Used && !o.At.Before(from) && !o.At.After(to) {
			matches = append(matches, o)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].At.Before(matches[j].At) })
	found := *matches[0]
	return &found, nil
}

func (s *MemorySchedule) MarkUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.entries[id]
	if !ok || o.Used {
		return ErrOverrideUsed
	}
	now := time.Now()
	o.Used = true
	o.UsedAt = &now
	return nil
}

func (s *MemorySchedule) Get(id string) (Override, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.entries[id]
	if !ok {
		return Override{}, false
	}
	return *o, true
}
