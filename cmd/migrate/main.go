// Database migration CLI tool
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ajitpratap0/brokercore/internal/config"
	"github.com/ajitpratap0/brokercore/internal/db"
)

func main() {
	command := flag.String("command", "migrate", "Command to run: migrate or status")
	configPath := flag.String("config", "", "Path to config file used when -db is empty")
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "Database connection URL")
	flag.Parse()

	if *dbURL == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		*dbURL = db.URL(cfg.Database)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := run(ctx, *command, *dbURL); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command, url string) error {
	if command != "migrate" && command != "status" {
		return fmt.Errorf("unknown command: %s\nUsage: migrate -command=[migrate|status]", command)
	}

	migrator, err := db.OpenMigrator(url)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close database connection: %v\n", err)
		}
	}()

	switch command {
	case "migrate":
		applied, err := migrator.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		fmt.Printf("Applied %d migration(s)\n", applied)
	case "status":
		if err := migrator.Status(ctx, os.Stdout); err != nil {
			return fmt.Errorf("status check failed: %w", err)
		}
	}
	return nil
}
