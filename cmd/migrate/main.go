package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"crashgame/internal/config"
	"crashgame/internal/database"
	"crashgame/internal/logging"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func main() {
	log := logging.New("migrate")
	cfg := config.LoadDatabase()

	app := &cli.App{
		Name:  "migrate",
		Usage: "database migration tool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "path",
				Usage: "directory holding the migration files",
				Value: cfg.MigrationsPath,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "run all pending migrations",
				Action: withDB(cfg, func(c *cli.Context, db *sql.DB) error {
					log.Info().Str("path", c.String("path")).Msg("running migrations")
					if err := database.RunMigrations(db, c.String("path")); err != nil {
						return err
					}
					log.Info().Msg("migrations completed")
					return nil
				}),
			},
			{
				Name:  "down",
				Usage: "roll back the last migration",
				Action: withDB(cfg, func(c *cli.Context, db *sql.DB) error {
					if err := database.RollbackMigration(db, c.String("path")); err != nil {
						return err
					}
					log.Info().Msg("rollback completed")
					return nil
				}),
			},
			{
				Name:  "version",
				Usage: "show the current migration version",
				Action: withDB(cfg, func(c *cli.Context, db *sql.DB) error {
					version, dirty, err := database.GetMigrationVersion(db, c.String("path"))
					if err != nil {
						return err
					}
					ev := log.Info()
					if dirty {
						ev = log.Warn()
					}
					ev.Uint("version", version).Bool("dirty", dirty).Msg("current migration version")
					return nil
				}),
			},
			{
				Name:      "create",
				Usage:     "create a new pair of migration files",
				ArgsUsage: "<name>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("usage: migrate create <name>", 2)
					}
					return createMigration(log, c.String("path"), c.Args().First())
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("migrate failed")
		os.Exit(1)
	}
}

func withDB(cfg config.DatabaseConfig, fn func(c *cli.Context, db *sql.DB) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		db, err := sql.Open("pgx", cfg.DSN())
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		return fn(c, db)
	}
}

// createMigration numbers the new pair one past the highest existing version.
func createMigration(log zerolog.Logger, dir, name string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	next := 1
	for _, file := range files {
		prefix, _, ok := strings.Cut(file.Name(), "_")
		if !ok || file.IsDir() {
			continue
		}
		if v, err := strconv.Atoi(prefix); err == nil && v >= next {
			next = v + 1
		}
	}

	base := fmt.Sprintf("%06d_%s", next, name)
	upFile := filepath.Join(dir, base+".up.sql")
	downFile := filepath.Join(dir, base+".down.sql")

	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n", name, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		return fmt.Errorf("create up migration: %w", err)
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		return fmt.Errorf("create down migration: %w", err)
	}

	log.Info().Str("up", upFile).Str("down", downFile).Msg("created migration files")
	return nil
}
