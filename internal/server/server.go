package server

import (
	"context"
	"time"

	"crashgame/internal/auth"
	"crashgame/internal/config"
	"crashgame/internal/game"
	"crashgame/internal/gateway"
	"crashgame/internal/wallet"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// HealthChecker reports the state of one backing service.
type HealthChecker interface {
	Health() map[string]string
}

// RoundView is the read side of the round clock.
type RoundView interface {
	Snapshot() game.RoundSnapshot
	History() []float64
}

type OverrideCreator interface {
	CreateOverride(ctx context.Context, o game.Override) (game.Override, error)
}

type DeadLetterSource interface {
	DeadLetters() []game.RetryItem
}

type Deps struct {
	Config      config.ServerConfig
	Game        game.Config
	Rounds      RoundView
	Hub         *game.Hub
	Gateway     *gateway.Gateway
	Wallet      wallet.Wallet
	Balances    wallet.Setter
	Verifier    auth.Verifier
	Overrides   OverrideCreator
	DeadLetters DeadLetterSource
	Health      map[string]HealthChecker
	Gatherer    prometheus.Gatherer
	Logger      zerolog.Logger
}

type FiberServer struct {
	*fiber.App

	cfg         config.ServerConfig
	game        game.Config
	rounds      RoundView
	hub         *game.Hub
	gateway     *gateway.Gateway
	wallet      wallet.Wallet
	balances    wallet.Setter
	verifier    auth.Verifier
	overrides   OverrideCreator
	deadLetters DeadLetterSource
	health      map[string]HealthChecker
	gatherer    prometheus.Gatherer
	log         zerolog.Logger
}

func New(deps Deps) *FiberServer {
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:          "crashgame",
			AppName:               "crashgame",
			ReadTimeout:           10 * time.Second,
			WriteTimeout:          10 * time.Second,
			IdleTimeout:           120 * time.Second,
			StrictRouting:         false,
			DisableStartupMessage: true,
		}),

		cfg:         deps.Config,
		game:        deps.Game,
		rounds:      deps.Rounds,
		hub:         deps.Hub,
		gateway:     deps.Gateway,
		wallet:      deps.Wallet,
		balances:    deps.Balances,
		verifier:    deps.Verifier,
		overrides:   deps.Overrides,
		deadLetters: deps.DeadLetters,
		health:      deps.Health,
		gatherer:    deps.Gatherer,
		log:         deps.Logger,
	}
	if server.gatherer == nil {
		server.gatherer = prometheus.DefaultGatherer
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			// Sessions and scrapes are not rate limited.
			return c.Path() == "/ws" || c.Path() == "/metrics"
		},
	}))

	return server
}

// Shutdown stops accepting requests and waits up to timeout for open ones.
func (s *FiberServer) Shutdown(timeout time.Duration) error {
	s.log.Info().Msg("http server shutting down")
	return s.App.ShutdownWithTimeout(timeout)
}
