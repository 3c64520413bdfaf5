package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"parkwise/internal/database"
	"parkwise/internal/export"
	"parkwise/internal/service"

	"github.com/rs/zerolog"
)

// Offline maintenance: recompute every lot's counters from its spaces and
// optionally write an occupancy workbook. Run it against a stopped engine.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		dbPath    = flag.String("db", "./data/parkwise.db", "path to sqlite db")
		exportDir = flag.String("export", "", "write an occupancy report into this directory")
		timeout   = flag.Duration("timeout", 30*time.Second, "overall deadline")
	)
	flag.Parse()

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	lots, err := db.ListLots(ctx)
	if err != nil {
		return fmt.Errorf("list lots: %w", err)
	}

	changed, err := service.NewReconciler(db, 0, &logger).ReconcileAll(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	if *exportDir != "" {
		path, err := export.NewExporter(db, *exportDir, &logger).Save(ctx)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		fmt.Printf("report: %s\n", path)
	}

	fmt.Printf("done: lots=%d repaired=%d\n", len(lots), changed)
	return nil
}
