package game

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Component is a long-running part of the round engine with a start and a
// stop, such as the hub, the clock or the retry queue.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

type funcComponent struct {
	name  string
	start func(ctx context.Context) error
	stop  func() error
}

func (c funcComponent) Name() string { return c.name }

func (c funcComponent) Start(ctx context.Context) error {
	if c.start == nil {
		return nil
	}
	return c.start(ctx)
}

func (c funcComponent) Stop() error {
	if c.stop == nil {
		return nil
	}
	return c.stop()
}

// ComponentFunc wraps a start and stop pair. Either may be nil.
func ComponentFunc(name string, start func(ctx context.Context) error, stop func() error) Component {
	return funcComponent{name: name, start: start, stop: stop}
}

// Supervisor starts components in registration order and stops them in
// reverse.
type Supervisor struct {
	components []Component
	started    int
	log        zerolog.Logger
}

func NewSupervisor(logger zerolog.Logger) *Supervisor {
	return &Supervisor{log: logger}
}

func (s *Supervisor) Register(c Component) {
	s.components = append(s.components, c)
}

func (s *Supervisor) Components() []string {
	names := make([]string, 0, len(s.components))
	for _, c := range s.components {
		names = append(names, c.Name())
	}
	return names
}

// StartAll starts every component. If one fails, those already started are
// stopped again.
func (s *Supervisor) StartAll(ctx context.Context) error {
	for i, c := range s.components {
		if err := c.Start(ctx); err != nil {
			s.started = i
			stopErr := s.StopAll()
			return errors.Join(fmt.Errorf("start %s: %w", c.Name(), err), stopErr)
		}
		s.log.Info().Str("name", c.Name()).Msg("component started")
	}
	s.started = len(s.components)
	return nil
}

// StopAll stops started components in reverse order and joins their errors.
func (s *Supervisor) StopAll() error {
	var errs []error
	for i := s.started - 1; i >= 0; i-- {
		c := s.components[i]
		if err := c.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
			continue
		}
		s.log.Info().Str("name", c.Name()).Msg("component stopped")
	}
	s.started = 0
	return errors.Join(errs...)
}
