package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	dbfs "github.com/garnizeh/insightpipe/db"
	"github.com/garnizeh/insightpipe/internal/config"
	"github.com/garnizeh/insightpipe/internal/db"
)

func main() {
	configPath := flag.String("config", "", "Path to config YAML file")
	noSeed := flag.Bool("no-seed", false, "skip seeding the default schema and prompt template")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	targets := []string{cfg.DatabaseURL}
	if cfg.QueueDatabaseURL != "" && cfg.QueueDatabaseURL != cfg.DatabaseURL {
		targets = append(targets, cfg.QueueDatabaseURL)
	}
	for i, dsn := range targets {
		database, err := db.New(ctx, dsn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "DB init error: %v\n", err)
			os.Exit(1)
		}

		// seeds only belong in the main store
		if i > 0 || *noSeed {
			err = db.Migrate(ctx, database, dbfs.Migrations, nil)
		} else {
			err = db.Migrate(ctx, database, dbfs.Migrations, dbfs.SeedFiles)
		}
		database.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Migration runner error: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("Database initialized successfully.")
}
