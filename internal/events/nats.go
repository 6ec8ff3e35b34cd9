package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crashgame/internal/config"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const SUBJECT_PREFIX = "crash.rounds."

// Publisher sends one event payload to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// JetStream publishes round events into a JetStream stream covering crash.rounds.>.
type JetStream struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream string
	log    zerolog.Logger
}

func Connect(ctx context.Context, cfg config.NATSConfig, logger zerolog.Logger) (*JetStream, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("crash-round-engine"),
		nats.Timeout(10*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize jetstream: %w", err)
	}

	p := &JetStream{conn: conn, js: js, stream: cfg.Stream, log: logger}
	if err := p.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info().Str("url", cfg.URL).Str("stream", cfg.Stream).Msg("nats connected")
	return p, nil
}

func (p *JetStream) ensureStream(ctx context.Context) error {
	_, err := p.js.Stream(ctx, p.stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("check stream %s: %w", p.stream, err)
	}
	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     p.stream,
		Subjects: []string{SUBJECT_PREFIX + ">"},
		MaxAge:   24 * time.Hour,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", p.stream, err)
	}
	p.log.Info().Str("stream", p.stream).Msg("created jetstream stream")
	return nil
}

func (p *JetStream) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(ctx, subject, data)
	return err
}

func (p *JetStream) Close() error {
	return p.conn.Drain()
}
