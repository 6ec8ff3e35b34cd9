package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"crashgame/internal/game"

	"github.com/rs/zerolog"
)

const (
	EVENT_BUFFER    = 1024
	PUBLISH_TIMEOUT = 2 * time.Second
)

// mirrored lists the message types copied to the event stream. Ticks stay local.
var mirrored = map[string]bool{
	game.MSG_PHASE_WAITING:  true,
	game.MSG_PHASE_ACTIVE:   true,
	game.MSG_ROUND_TERMINAL: true,
	game.MSG_WAGER_PLACED:   true,
	game.MSG_WAGER_CASHED:   true,
	game.MSG_ROUND_FINISHED: true,
}

type Event struct {
	Type          string      `json:"type"`
	ParticipantID string      `json:"participant_id,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	At            time.Time   `json:"at"`
}

// Tee delivers every message to the wrapped broadcaster and copies the
// mirrored ones to a Publisher from its own goroutine.
type Tee struct {
	inner  game.Broadcaster
	pub    Publisher
	events chan Event
	log    zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

var _ game.Broadcaster = (*Tee)(nil)

func NewTee(inner game.Broadcaster, pub Publisher, logger zerolog.Logger) *Tee {
	return &Tee{
		inner:  inner,
		pub:    pub,
		events: make(chan Event, EVENT_BUFFER),
		log:    logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (t *Tee) Broadcast(msg game.WSMessage) {
	t.inner.Broadcast(msg)
	t.mirror("", msg)
}

func (t *Tee) SendTo(participantID string, msg game.WSMessage) {
	t.inner.SendTo(participantID, msg)
	t.mirror(participantID, msg)
}

func (t *Tee) mirror(participantID string, msg game.WSMessage) {
	if !mirrored[msg.Type] {
		return
	}
	ev := Event{Type: msg.Type, ParticipantID: participantID, Data: msg.Data, At: time.Now()}
	select {
	case t.events <- ev:
	default:
		t.log.Warn().Str("type", msg.Type).Msg("event buffer full, dropping event")
	}
}

func (t *Tee) Run() {
	defer close(t.done)
	for {
		select {
		case ev := <-t.events:
			t.publish(ev)
		case <-t.stop:
			for {
				select {
				case ev := <-t.events:
					t.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (t *Tee) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		t.log.Error().Err(err).Str("type", ev.Type).Msg("marshal event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), PUBLISH_TIMEOUT)
	defer cancel()
	if err := t.pub.Publish(ctx, SUBJECT_PREFIX+ev.Type, data); err != nil {
		t.log.Warn().Err(err).Str("type", ev.Type).Msg("publish event")
	}
}

// Stop flushes buffered events and waits for Run to return.
func (t *Tee) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}
