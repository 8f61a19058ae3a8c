package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/stock_batches/config"
	"github.com/mmdatafocus/stock_batches/utils"
	"github.com/mmdatafocus/stock_batches/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	productIDs := flag.String("product-ids", "", "Optional: comma separated product ids (default all products)")
	mode := flag.String("mode", "", "Optional: pricing mode override (manual/fifo-derived). Defaults to PRICING_MODE.")
	lockTTL := flag.Duration("lock-ttl", 10*time.Minute, "Redis job lock TTL")
	flag.Parse()

	ids, err := parseIds(*productIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --product-ids: %v\n", err)
		os.Exit(1)
	}

	ctx := utils.SetUserNameInContext(context.Background(), "price-refresh")

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

	release, err := utils.ObtainJobLock(ctx, "price-refresh", *lockTTL)
	if errors.Is(err, utils.ErrLockNotObtained) {
		fmt.Println("another price refresh is running; nothing to do")
		return
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "job lock: %v\n", err)
		os.Exit(1)
	}
	defer release()

	opts := []workflow.EngineOption{}
	if strings.TrimSpace(*mode) != "" {
		policy, err := workflow.NewPricingPolicy(strings.TrimSpace(*mode))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		opts = append(opts, workflow.WithPricingPolicy(policy))
	}
	engine, err := workflow.NewEngine(db, logger, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	result, err := engine.RefreshPrices(ctx, ids...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "price refresh failed: %v\n", err)
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"mode":     engine.PricingMode(),
		"checked":  result.Checked,
		"repriced": result.Repriced,
		"failed":   result.Failed,
	}).Info("price refresh done")
	fmt.Printf("checked=%d repriced=%d failed=%d\n", result.Checked, len(result.Repriced), len(result.Failed))
	if len(result.Failed) > 0 {
		os.Exit(2)
	}
}

func parseIds(csv string) ([]int, error) {
	ids := make([]int, 0)
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%q is not a product id", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
