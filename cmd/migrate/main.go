// Command migrate applies the learning-log schema (assessments, alerts,
// feedback, freezes, audit events) with goose. The SQL files are embedded,
// so the binary needs only a database URL.
//
//	migrate [-database URL] [-timeout 1m] <up|down|status|version|redo|up-to N|down-to N>
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/verifai/internal/logging"
	"github.com/mbd888/verifai/migrations"
)

var commands = map[string]int{
	"up": 0, "down": 0, "status": 0, "version": 0, "redo": 0,
	"up-to": 1, "down-to": 1,
}

func main() {
	_ = godotenv.Load()

	dbURL := flag.String("database", os.Getenv("DATABASE_URL"), "Postgres URL (default $DATABASE_URL)")
	timeout := flag.Duration("timeout", time.Minute, "abort if migrations take longer")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] <up|down|status|version|redo|up-to N|down-to N>")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	command, rest := args[0], args[1:]
	if want, ok := commands[command]; !ok || len(rest) != want {
		flag.Usage()
		os.Exit(2)
	}
	if *dbURL == "" {
		logger.Error("no database configured, set DATABASE_URL or -database")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *dbURL, command, rest); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", command)
}

func run(ctx context.Context, dbURL, command string, args []string) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return migrations.Run(ctx, command, db, args...)
}
