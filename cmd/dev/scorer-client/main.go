// Command scorer-client scores one sample signal against a local Ollama
// instance using the seeded prompt template and schema.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	dbfs "github.com/garnizeh/insightpipe/db"

	"github.com/garnizeh/insightpipe/internal/ai"
	"github.com/garnizeh/insightpipe/internal/analysis"
	"github.com/garnizeh/insightpipe/internal/config"
	"github.com/garnizeh/insightpipe/internal/db"
	"github.com/garnizeh/insightpipe/internal/repository/sqldb"
	"github.com/garnizeh/insightpipe/pkg/models"
	"github.com/garnizeh/insightpipe/pkg/ollama"
)

func main() {
	model := flag.String("model", "", "model name (defaults to engine.model)")
	title := flag.String("title", "Is there a tool that reminds clients to pay invoices?", "signal title")
	text := flag.String("text", "I spend hours every month chasing late payments. Would happily pay for something that automates it.", "signal body")
	flag.Parse()

	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatal(err)
	}
	if *model != "" {
		cfg.EngineConfig.Model = *model
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	d, err := db.New(ctx, ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer d.Close()
	if err := db.Migrate(ctx, d, dbfs.Migrations, dbfs.SeedFiles); err != nil {
		log.Fatal(err)
	}
	repo := sqldb.New(d, nil)

	client, err := ollama.NewDefaultClient(ollama.Config(cfg.Ollama))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	engine, err := ai.NewEngine(ctx, client, cfg.EngineConfig, repo, repo)
	if err != nil {
		log.Fatal(err)
	}

	sig := models.RawSignal{
		ID:          "sample",
		Source:      models.SourceManual,
		ExternalID:  "sample",
		Title:       *title,
		RawText:     *text,
		CollectedAt: time.Now().Unix(),
	}
	out, err := engine.Score(ctx, sig)
	if err != nil {
		log.Fatalf("score: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(analysis.BuildInsight(sig, out)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
