package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/ha1tch/loom/pkg/storage"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: loom-scrub <db-path> [retention-days]")
		fmt.Println("Example: loom-scrub ./loom.db 30")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	retentionDays := 30
	if len(os.Args) > 2 {
		days, err := strconv.Atoi(os.Args[2])
		if err != nil || days < 0 {
			log.Fatalf("invalid retention days: %s", os.Args[2])
		}
		retentionDays = days
	}

	if err := scrub(dbPath, retentionDays); err != nil {
		log.Fatal(err)
	}
}

// scrub hard-deletes property rows that were tombstoned before the
// retention cutoff. Identity mappings are never touched, so entity key
// ids stay stable across scrubs.
func scrub(dbPath string, retentionDays int) error {
	ctx := context.Background()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database does not exist: %s", dbPath)
	}

	store, err := storage.NewStore("sqlite", map[string]interface{}{
		"db_path": dbPath,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	fmt.Printf("Scrubbing tombstones older than %s...\n", cutoff.Format(time.RFC3339))

	n, err := store.ScrubTombstones(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("scrub failed: %w", err)
	}

	fmt.Printf("Removed %d tombstoned rows\n", n)
	return nil
}
