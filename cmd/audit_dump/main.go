// Command audit_dump exports the mutation audit trail and inferred fill
// events of one position as CSV, for reconstructing what the system believed
// and did around an incident.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"positionGuard/internal/adapters/logger"
	"positionGuard/internal/adapters/sqlite"
)

func main() {
	dbPath := flag.String("db", "./data/position_guard.db", "Path to the SQLite database")
	positionID := flag.Int64("position", 0, "Position id to export (required)")
	out := flag.String("out", "", "Output file (default: stdout)")
	withFills := flag.Bool("fills", false, "Append inferred fill events after the audit trail")
	flag.Parse()

	if *positionID <= 0 {
		flag.Usage()
		log.Fatal("a positive -position is required")
	}

	appLogger, err := logger.NewZapLogger("error")
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("failed to open database %s: %v", *dbPath, err)
	}
	defer repo.Close()

	dst := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("failed to create %s: %v", *out, err)
		}
		defer f.Close()
		dst = f
	}

	ctx := context.Background()
	w := csv.NewWriter(dst)
	defer w.Flush()

	if err := writeAuditTrail(ctx, w, repo, *positionID); err != nil {
		log.Fatalf("failed to export audit trail: %v", err)
	}
	if *withFills {
		if err := writeFillEvents(ctx, w, repo, *positionID); err != nil {
			log.Fatalf("failed to export fill events: %v", err)
		}
	}
}

func writeAuditTrail(ctx context.Context, w *csv.Writer, repo *sqlite.Repository, positionID int64) error {
	trail, err := repo.FindAuditByPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if err := w.Write([]string{"id", "position_id", "action", "outcome", "error", "detail", "created_at"}); err != nil {
		return err
	}
	for _, entry := range trail {
		record := []string{
			strconv.FormatInt(entry.ID, 10),
			strconv.FormatInt(entry.PositionID, 10),
			entry.Action,
			string(entry.Outcome),
			entry.Error,
			entry.Detail,
			entry.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func writeFillEvents(ctx context.Context, w *csv.Writer, repo *sqlite.Repository, positionID int64) error {
	fills, err := repo.FindByPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if err := w.Write(nil); err != nil { // blank separator row
		return err
	}
	if err := w.Write([]string{"id", "position_id", "order_id", "type", "size", "price", "inferred_at", "processed"}); err != nil {
		return err
	}
	for _, ev := range fills {
		record := []string{
			strconv.FormatInt(ev.ID, 10),
			strconv.FormatInt(ev.PositionID, 10),
			ev.OrderID,
			string(ev.Type),
			fmt.Sprintf("%g", ev.Size),
			fmt.Sprintf("%g", ev.Price),
			ev.InferredAt.Format("2006-01-02T15:04:05.000Z07:00"),
			strconv.FormatBool(ev.Processed),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}
