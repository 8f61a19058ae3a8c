package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/stock_batches/config"
	"github.com/mmdatafocus/stock_batches/utils"
	"github.com/mmdatafocus/stock_batches/workflow"
	"github.com/sirupsen/logrus"
)

// legacy-backfill turns stock recorded before batch tracking into batch 001
// for every affected product. Products are otherwise backfilled lazily on
// their first batch operation; running this once keeps reports consistent.
func main() {
	dryRun := flag.Bool("dry-run", true, "Print candidates without writing")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	engine, err := workflow.NewEngine(db, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := utils.SetUserNameInContext(context.Background(), "legacy-backfill")
	result, err := engine.BackfillLegacyBatches(ctx, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "legacy backfill failed: %v\n", err)
		os.Exit(1)
	}

	if *dryRun {
		fmt.Println("[dry-run] no changes were written")
	}
	logger.WithFields(logrus.Fields{
		"dry_run":    *dryRun,
		"candidates": result.Candidates,
		"backfilled": result.Backfilled,
	}).Info("legacy backfill done")
	fmt.Printf("candidates=%d backfilled=%d\n", len(result.Candidates), len(result.Backfilled))
}
