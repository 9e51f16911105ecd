// Command rulesctl is the operator CLI for the admin3 rules service: it
// applies migrations and rule packs, validates packs offline, dry-runs an
// entry point against a pack and issues admin API keys.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v3"

	"github.com/matt-riley/admin3-rules/internal/actions"
	"github.com/matt-riley/admin3-rules/internal/core"
	"github.com/matt-riley/admin3-rules/internal/engine"
	"github.com/matt-riley/admin3-rules/internal/functions"
	"github.com/matt-riley/admin3-rules/internal/logging"
	"github.com/matt-riley/admin3-rules/internal/repository"
	"github.com/matt-riley/admin3-rules/internal/seed"
	"github.com/matt-riley/admin3-rules/internal/service"
	"github.com/matt-riley/admin3-rules/internal/templates"
	"github.com/matt-riley/admin3-rules/internal/vat"
	"github.com/matt-riley/admin3-rules/migrations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "rulesctl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "rulesctl",
		Usage: "Operate the admin3 rules service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "debug, info, warn or error", Sources: cli.EnvVars("LOG_LEVEL")},
		},
		Commands: []*cli.Command{
			migrateCommand(),
			seedCommand(),
			validateCommand(),
			executeCommand(),
			apiKeyCommand(),
		},
	}
}

func databaseFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "database-url",
		Usage:    "PostgreSQL connection string",
		Sources:  cli.EnvVars("DATABASE_URL"),
		Required: true,
	}
}

func fileFlag() cli.Flag {
	return &cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "YAML rule pack", Required: true}
}

func loggerFor(cmd *cli.Command) *slog.Logger {
	return logging.NewWithFormat(cmd.Root().String("log-level"), logging.FormatText)
}

func out(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func connect(ctx context.Context, cmd *cli.Command) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cmd.String("database-url"))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations",
		Flags: []cli.Flag{databaseFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			pool, err := connect(ctx, cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := migrations.Up(pool); err != nil {
				return err
			}
			version, err := migrations.Version(pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "schema at version %d\n", version)
			return nil
		},
	}
}

func seedCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "Apply a rule pack to the database",
		Flags: []cli.Flag{
			databaseFlag(),
			fileFlag(),
			&cli.StringFlag{Name: "actor", Value: seed.DefaultActor, Usage: "actor recorded in the audit log"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			pack, err := seed.LoadFile(cmd.String("file"))
			if err != nil {
				return err
			}

			pool, err := connect(ctx, cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			log := loggerFor(cmd)
			svc, err := service.New(ctx, repository.NewPostgresRepository(pool), service.WithLogger(log))
			if err != nil {
				return fmt.Errorf("init service: %w", err)
			}

			summary, err := seed.NewApplier(svc, seed.WithLogger(log), seed.WithActor(cmd.String("actor"))).Apply(ctx, pack)
			if err != nil {
				return err
			}
			return writeJSON(out(cmd), summary)
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Check a rule pack without touching a database",
		Flags: []cli.Flag{fileFlag()},
		Action: func(_ context.Context, cmd *cli.Command) error {
			pack, err := seed.LoadFile(cmd.String("file"))
			if err != nil {
				return err
			}
			if err := seed.Validate(pack); err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "ok: %d schemas, %d templates, %d rules\n",
				len(pack.Schemas), len(pack.Templates), len(pack.Rules))
			return nil
		},
	}
}

func executeCommand() *cli.Command {
	return &cli.Command{
		Name:  "execute",
		Usage: "Dry-run an entry point against a rule pack in memory",
		Flags: []cli.Flag{
			fileFlag(),
			&cli.StringFlag{Name: "entry-point", Aliases: []string{"e"}, Usage: "entry point name", Required: true},
			&cli.StringFlag{Name: "context", Aliases: []string{"c"}, Value: "{}", Usage: "context JSON object"},
			&cli.StringFlag{Name: "context-file", Usage: "read the context JSON from a file"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			payload := []byte(cmd.String("context"))
			if path := cmd.String("context-file"); path != "" {
				var err error
				if payload, err = os.ReadFile(path); err != nil {
					return fmt.Errorf("read context: %w", err)
				}
			}
			data, err := core.DecodeJSON(payload)
			if err != nil {
				return fmt.Errorf("decode context: %w", err)
			}
			if _, ok := data.(map[string]any); !ok {
				return fmt.Errorf("context must be a JSON object")
			}

			pack, err := seed.LoadFile(cmd.String("file"))
			if err != nil {
				return err
			}
			eng, err := packEngine(ctx, pack, loggerFor(cmd))
			if err != nil {
				return err
			}

			result, err := eng.Execute(ctx, cmd.String("entry-point"), data, engine.DryRun())
			if err != nil {
				return err
			}
			return writeJSON(out(cmd), result)
		},
	}
}

// packEngine loads pack into an in-memory store and wires an engine over it.
func packEngine(ctx context.Context, pack seed.Pack, log *slog.Logger) (*engine.Engine, error) {
	repo := repository.NewMemoryRepository()
	pipeline := vat.New(vat.DefaultTables())
	registry := functions.New(pipeline, repo, functions.WithLogger(log))

	svc, err := service.New(ctx, repo, service.WithLogger(log), service.WithFunctions(registry))
	if err != nil {
		return nil, fmt.Errorf("init service: %w", err)
	}
	if _, err := seed.NewApplier(svc, seed.WithLogger(log)).Apply(ctx, pack); err != nil {
		return nil, err
	}

	dispatcher := actions.New(svc, templates.New(registry, templates.WithLogger(log)),
		actions.WithLogger(log),
		actions.WithCart(repo),
		actions.WithVAT(pipeline),
		actions.WithFunctions(registry),
	)
	return engine.New(svc, dispatcher, engine.WithLogger(log), engine.WithCache(svc.Cache())), nil
}

func apiKeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "apikey",
		Usage: "Manage admin API keys",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create an API key and print its bearer token once",
				Flags: []cli.Flag{
					databaseFlag(),
					&cli.StringFlag{Name: "name", Usage: "key description", Required: true},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					pool, err := connect(ctx, cmd)
					if err != nil {
						return err
					}
					defer pool.Close()

					keyID, secret, err := repository.NewPostgresRepository(pool).CreateAPIKey(ctx, cmd.String("name"))
					if err != nil {
						return err
					}
					fmt.Fprintf(out(cmd), "%s.%s\n", keyID, secret)
					return nil
				},
			},
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
