package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/sfrdragon/11-19-strat/internal/adapters/logger"
	"github.com/sfrdragon/11-19-strat/internal/adapters/sqlite"
	"github.com/sfrdragon/11-19-strat/internal/domain"
)

// Dumps the newest engine journal events for operational inspection.
func main() {
	dbPath := flag.String("db", "./data/engine_events.db", "path to the journal database")
	kind := flag.String("kind", "", "filter by event kind (e.g. LIQUIDATION, REVERSAL_RESOLVED); empty for all")
	limit := flag.Int("limit", 50, "maximum number of events to print")
	flag.Parse()

	stdLogger := logger.NewStdLogger(logger.LevelError)

	journal, err := sqlite.NewJournal(sqlite.Config{DBPath: *dbPath, Logger: stdLogger})
	if err != nil {
		log.Fatalf("Failed to open journal at %s: %v", *dbPath, err)
	}
	defer journal.Close()

	events, err := journal.Recent(context.Background(), domain.EventKind(*kind), *limit)
	if err != nil {
		log.Fatalf("Failed to query events: %v", err)
	}
	if len(events) == 0 {
		log.Println("No events recorded.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tKIND\tPOSITION\tORDER\tQTY\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%v\t%s\n",
			ev.ID, ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Kind,
			ev.PositionID, ev.OrderID, ev.Quantity, ev.Detail)
	}
	w.Flush()
}
