package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/stock_batches/config"
	"github.com/mmdatafocus/stock_batches/utils"
	"github.com/mmdatafocus/stock_batches/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	asOfStr := flag.String("as-of", "", "Optional: expire batches with expiry on or before this date (YYYY-MM-DD). Defaults to now.")
	lockTTL := flag.Duration("lock-ttl", 10*time.Minute, "Redis job lock TTL")
	flag.Parse()

	var asOf time.Time
	if strings.TrimSpace(*asOfStr) != "" {
		d, err := time.Parse("2006-01-02", strings.TrimSpace(*asOfStr))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid as-of date: %v\n", err)
			os.Exit(1)
		}
		asOf = d
	}

	ctx := utils.SetUserNameInContext(context.Background(), "expiry-sweep")

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	if strings.TrimSpace(os.Getenv("REDIS_ADDRESS")) != "" {
		if err := config.ConnectRedis(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "redis unavailable, running without job lock: %v\n", err)
		}
	}
	logger := config.GetLogger()

	release, err := utils.ObtainJobLock(ctx, "expiry-sweep", *lockTTL)
	if errors.Is(err, utils.ErrLockNotObtained) {
		fmt.Println("another expiry sweep is running; nothing to do")
		return
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "job lock: %v\n", err)
		os.Exit(1)
	}
	defer release()

	engine, err := workflow.NewEngine(db, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	result, err := engine.ExpireBatches(ctx, asOf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "expiry sweep failed: %v\n", err)
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"batches":       result.ExpiredBatchIds,
		"units_removed": result.UnitsRemoved,
		"products":      result.Products,
		"repriced":      result.Repriced,
	}).Info("expiry sweep done")
	fmt.Printf("expired_batches=%d units_removed=%d products=%d\n",
		len(result.ExpiredBatchIds), result.UnitsRemoved, len(result.Products))
}
