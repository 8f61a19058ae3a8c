package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/stock_batches/config"
	"github.com/mmdatafocus/stock_batches/workflow"
)

func main() {
	productID := flag.Int("product-id", 0, "Optional: check a single product")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	engine, err := workflow.NewEngine(db, config.GetLogger())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ids := []int{}
	if *productID > 0 {
		ids = append(ids, *productID)
	}
	drifts, err := engine.CheckStockConsistency(context.Background(), ids...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "consistency check failed: %v\n", err)
		os.Exit(1)
	}
	if len(drifts) == 0 {
		fmt.Println("OK: every product's stock matches its batches")
		return
	}
	for _, d := range drifts {
		fmt.Printf("product=%d name=%q current_stock=%d batch_stock=%d diff=%d\n",
			d.ProductId, d.ProductName, d.CurrentStock, d.BatchStock, d.Difference())
	}
	os.Exit(2)
}
