package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"PerpClient/internal/observability"
	"PerpClient/internal/persistence"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list applied migrations")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  PERP_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  PERP_MIGRATIONS_DIR  - read migrations from disk instead of the embedded set")
		os.Exit(1)
	}
	_ = godotenv.Load()
	logger := observability.NewLogger("migrate")

	pgURL := os.Getenv("PERP_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/perpclient?sslmode=disable"
	}

	var migrations fs.FS
	if dir := os.Getenv("PERP_MIGRATIONS_DIR"); dir != "" {
		migrations = os.DirFS(dir)
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, migrations, logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		rolled, err := migrator.Down(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		if !rolled {
			logger.Info().Msg("nothing to roll back")
			return
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		applied, err := migrator.Applied(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, v := range applied {
			fmt.Println(v)
		}
		logger.Info().Int("applied", len(applied)).Msg("migration status")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
