// Command mamori runs the guardrail server and its maintenance tasks.
//
//	mamori                                     serve the HTTP and MCP APIs
//	mamori migrate-spans                       normalize stored spans to the current version
//	mamori llm-targets add MODEL ENDPOINT KEY  store an LLM target with an encrypted key
//	mamori llm-targets list                    list stored LLM targets
//	mamori llm-targets reencrypt               re-seal stored keys under the newest secret key
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/mamori"
	"github.com/ashita-ai/mamori/internal/config"
	"github.com/ashita-ai/mamori/internal/secrets"
	"github.com/ashita-ai/mamori/internal/spans"
	"github.com/ashita-ai/mamori/internal/storage"
	"github.com/ashita-ai/mamori/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0(os.Args[1:]))
}

func run0(args []string) int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("MAMORI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, args); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 || args[0] == "serve" {
		app, err := mamori.New(mamori.WithVersion(version), mamori.WithLogger(logger))
		if err != nil {
			return err
		}
		return app.Run(ctx)
	}

	switch args[0] {
	case "migrate-spans":
		return withDB(ctx, logger, func(db *storage.DB) error {
			stats, err := spans.Migrate(ctx, db, spans.MigrationBatchSize, logger)
			if err != nil {
				return fmt.Errorf("migrate spans: %w", err)
			}
			logger.Info("span migration complete", "scanned", stats.Scanned, "updated", stats.Updated, "batches", stats.Batches)
			return nil
		})
	case "llm-targets":
		return llmTargets(ctx, logger, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func llmTargets(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return errors.New("llm-targets: expected add, list or reencrypt")
	}
	return withDB(ctx, logger, func(db *storage.DB) error {
		switch args[0] {
		case "add":
			if len(args) != 4 {
				return errors.New("usage: mamori llm-targets add MODEL ENDPOINT KEY")
			}
			box, err := secretBox()
			if err != nil {
				return err
			}
			sealed, err := box.Encrypt(args[3])
			if err != nil {
				return err
			}
			t, err := db.CreateLLMTarget(ctx, storage.StoredLLMTarget{Model: args[1], Endpoint: args[2], APIKeyEncrypted: sealed})
			if err != nil {
				return err
			}
			logger.Info("llm target stored", "id", t.ID, "model", t.Model)
			return nil

		case "list":
			targets, err := db.ListLLMTargets(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tMODEL\tENDPOINT\tCREATED")
			for _, t := range targets {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Model, t.Endpoint, t.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()

		case "reencrypt":
			box, err := secretBox()
			if err != nil {
				return err
			}
			n, err := db.ReencryptLLMTargets(ctx, box.Reencrypt)
			if err != nil {
				return err
			}
			logger.Info("llm targets re-encrypted", "updated", n)
			return nil

		default:
			return fmt.Errorf("llm-targets: unknown subcommand %q", args[0])
		}
	})
}

func secretBox() (*secrets.Box, error) {
	box, err := secrets.New(config.SecretKeysFromEnv())
	if err != nil {
		return nil, fmt.Errorf("MAMORI_SECRET_KEYS: %w", err)
	}
	return box, nil
}

// withDB opens the database with migrations applied and runs fn.
func withDB(ctx context.Context, logger *slog.Logger, fn func(db *storage.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := storage.New(ctx, cfg.DatabaseURL, "", logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return fn(db)
}
