package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crashgame/internal/auth"
	"crashgame/internal/cache"
	"crashgame/internal/config"
	"crashgame/internal/database"
	"crashgame/internal/events"
	"crashgame/internal/game"
	"crashgame/internal/gateway"
	"crashgame/internal/logging"
	"crashgame/internal/metrics"
	"crashgame/internal/queue"
	"crashgame/internal/server"
	"crashgame/internal/wallet"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

const SHUTDOWN_TIMEOUT = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "crashgame",
		Usage: "crash game round engine",
		Commands: []*cli.Command{
			serveCommand(),
			tokenCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the round clock and the websocket/http server",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "migrate",
				Usage:   "apply database migrations before starting",
				Value:   true,
				EnvVars: []string{"MIGRATE_ON_START"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(c.Context, cfg, c.Bool("migrate"))
		},
	}
}

// tokenCommand issues a session token for local testing with AUTH_MODE=jwt.
func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "issue a signed session token",
		ArgsUsage: "<participant-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "display name"},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: crashgame token <participant-id>", 2)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Auth.Mode != "jwt" {
				return cli.Exit("AUTH_MODE is not jwt", 2)
			}
			token, err := auth.NewJWT(cfg.Auth.JWTSecret).Issue(auth.Identity{
				ParticipantID: c.Args().First(),
				DisplayName:   c.String("name"),
			}, c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func serve(ctx context.Context, cfg config.Config, runMigrations bool) error {
	level := logging.ParseLevel(cfg.LogLevel)
	logger := func(component string) zerolog.Logger {
		return logging.NewWithWriter(os.Stdout, component, level)
	}
	log := logger("server")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	redisSvc, err := cache.New(ctx, cfg.Redis, logger("cache"))
	if err != nil {
		return err
	}
	defer redisSvc.Close()
	balances := wallet.NewRedis(redisSvc.GetClient())

	db, err := database.New(ctx, cfg.Database, logger("database"))
	if err != nil {
		return err
	}
	defer db.Close()

	if runMigrations {
		if err := migrateSchema(cfg.Database); err != nil {
			return err
		}
		if cfg.Queue.Driver == "river" {
			if err := queue.Migrate(ctx, db.Pool()); err != nil {
				return err
			}
		}
	}
	store := database.NewStore(db.Pool())

	hub := game.NewHub(logger("ws"), m)
	var broadcaster game.Broadcaster = hub
	var tee *events.Tee
	if cfg.NATS.Enabled() {
		js, err := events.Connect(ctx, cfg.NATS, logger("events"))
		if err != nil {
			return err
		}
		defer js.Close()
		tee = events.NewTee(hub, js, logger("events"))
		broadcaster = tee
	}

	supervisor := game.NewSupervisor(logger("game"))
	supervisor.Register(game.ComponentFunc("hub",
		func(context.Context) error { go hub.Run(); return nil },
		func() error { hub.Stop(); return nil },
	))
	if tee != nil {
		supervisor.Register(game.ComponentFunc("events",
			func(context.Context) error { go tee.Run(); return nil },
			func() error { tee.Stop(); return nil },
		))
	}

	handler := game.NewRetryHandler(balances, store)
	var retry game.RetryQueue
	var deadLetters server.DeadLetterSource
	switch cfg.Queue.Driver {
	case "river":
		rq, err := queue.NewRiverRetryQueue(db.Pool(), handler, queue.RiverOptions{Workers: cfg.Queue.Workers}, logger("queue"), m)
		if err != nil {
			return err
		}
		retry = rq
		supervisor.Register(game.ComponentFunc("queue", rq.Start, func() error {
			stopCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
			defer cancel()
			return rq.Stop(stopCtx)
		}))
	default:
		mq := game.NewMemoryRetryQueue(handler, logger("queue"), m)
		retry = mq
		deadLetters = mq
		supervisor.Register(game.ComponentFunc("queue", nil, func() error { mq.Stop(); return nil }))
	}

	state := game.NewRoundState(cfg.Game.HistorySize)
	ledger := game.NewLedger(game.LedgerDeps{
		Config:  cfg.Game,
		Clock:   state,
		Wallet:  balances,
		Store:   store,
		Hub:     broadcaster,
		Retry:   retry,
		Metrics: m,
		Logger:  logger("ledger"),
	})
	settlement := game.NewSettlement(game.SettlementDeps{
		Ledger: ledger,
		Wallet: balances,
		Store:  store,
		Hub:    broadcaster,
		Logger: logger("settlement"),
	})
	seed := uint64(time.Now().UnixNano())
	manager := game.NewManager(game.ManagerDeps{
		Config:     cfg.Game,
		State:      state,
		Generator:  game.NewGenerator(cfg.Game, seed),
		Overrides:  game.NewOverrideHook(store, cfg.Game, logger("game")),
		Ledger:     ledger,
		Settlement: settlement,
		Bots:       game.NewBotFeed(ledger, cfg.Game, seed^0x9e3779b97f4a7c15, logger("bots")),
		Hub:        broadcaster,
		Store:      store,
		Metrics:    m,
		Logger:     logger("game"),
	})

	supervisor.Register(game.ComponentFunc("recovery", func(ctx context.Context) error {
		voided, err := settlement.VoidAbandoned(ctx)
		if err != nil {
			return fmt.Errorf("void abandoned rounds: %w", err)
		}
		if voided > 0 {
			log.Warn().Int("wagers", voided).Msg("voided wagers of abandoned rounds")
		}
		return nil
	}, nil))
	supervisor.Register(game.ComponentFunc("clock",
		func(context.Context) error { manager.Start(); return nil },
		func() error { manager.Stop(); ledger.Close(); return nil },
	))

	verifier := auth.New(cfg.Auth)
	gw := gateway.New(gateway.Deps{
		Ledger:   ledger,
		Clock:    state,
		Wallet:   balances,
		Hub:      hub,
		Verifier: verifier,
		Logger:   logger("ws"),
	})
	srv := server.New(server.Deps{
		Config:      cfg.Server,
		Game:        cfg.Game,
		Rounds:      state,
		Hub:         hub,
		Gateway:     gw,
		Wallet:      balances,
		Balances:    balances,
		Verifier:    verifier,
		Overrides:   store,
		DeadLetters: deadLetters,
		Health: map[string]server.HealthChecker{
			"database": db,
			"redis":    redisSvc,
		},
		Gatherer: reg,
		Logger:   log,
	})
	srv.RegisterFiberRoutes()

	if err := supervisor.StartAll(ctx); err != nil {
		return err
	}

	listenErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info().Str("addr", addr).Str("queue", cfg.Queue.Driver).Bool("events", tee != nil).Msg("server starting")
		listenErr <- srv.Listen(addr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	var runErr error
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case err := <-listenErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	if err := srv.Shutdown(SHUTDOWN_TIMEOUT); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := supervisor.StopAll(); err != nil {
		log.Error().Err(err).Msg("component shutdown")
	}
	log.Info().Msg("stopped")
	return runErr
}

func migrateSchema(cfg config.DatabaseConfig) error {
	sqlDB, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer sqlDB.Close()
	return database.RunMigrations(sqlDB, cfg.MigrationsPath)
}
