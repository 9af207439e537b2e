package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"tickstock-stream/common/database"
	"tickstock-stream/internal/config"
	"tickstock-stream/internal/flow"
	"tickstock-stream/internal/models"
	"tickstock-stream/internal/repository"

	"go.uber.org/zap"
)

func main() {
	var since = flag.Duration("since", time.Hour, "Look back window")
	var limit = flag.Int("limit", 1000, "Max flow records to read")
	var budget = flag.Duration("budget", 100*time.Millisecond, "Latency budget from first to last checkpoint")
	var xlsxPath = flag.String("xlsx", "", "Write the records to this XLSX file")
	var apiURL = flag.String("url", "", "Read from a running service (e.g. http://localhost:8080) instead of the database")
	flag.Parse()

	from := time.Now().Add(-*since)
	records, err := loadRecords(*apiURL, from, *limit)
	if err != nil {
		log.Fatalf("Failed to query flow records: %v", err)
	}

	order, groups := flow.GroupByFlow(records)
	fmt.Printf("=== %d flows (%d records) since %s ===\n", len(order), len(records), from.Format(time.RFC3339))

	var undelivered, slow, rejected int
	for _, id := range order {
		recs := groups[id]
		lat := flow.LatencyOf(id, recs)

		delivered, wasRejected := false, false
		for _, rec := range recs {
			switch rec.Checkpoint {
			case models.CheckpointDelivered:
				delivered = true
			case models.CheckpointRejected:
				wasRejected = true
			}
		}

		switch {
		case wasRejected:
			rejected++
			fmt.Printf("REJECTED     %s (%d checkpoints)\n", id, lat.Checkpoints)
		case !delivered:
			undelivered++
			fmt.Printf("UNDELIVERED  %s last=%s at %s\n", id, lat.Last, lat.LastAt.Format(time.RFC3339Nano))
		case lat.Latency > *budget:
			slow++
			fmt.Printf("SLOW         %s %.3fms (%s -> %s)\n", id, lat.LatencyMS, lat.First, lat.Last)
		}
	}

	fmt.Printf("\nundelivered=%d slow=%d rejected=%d ok=%d\n",
		undelivered, slow, rejected, len(order)-undelivered-slow-rejected)

	if *xlsxPath != "" {
		f, err := os.Create(*xlsxPath)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", *xlsxPath, err)
		}
		if err := flow.ExportXLSX(f, records); err != nil {
			f.Close()
			log.Fatalf("Failed to export: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("Failed to write %s: %v", *xlsxPath, err)
		}
		fmt.Printf("wrote %s\n", *xlsxPath)
	}
}

func loadRecords(apiURL string, from time.Time, limit int) ([]models.FlowRecord, error) {
	if apiURL != "" {
		return newFlowsClient(apiURL).FlowsSince(from, limit)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, err
	}
	defer database.Close(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return repository.NewFlowRepository(db, zap.NewNop()).FlowsSince(ctx, from, limit)
}
