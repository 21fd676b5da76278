// Package sqlite implements the event journal on a local SQLite database.
// The journal is append-only observability: the engine records what it did,
// and never reads it back to drive control decisions.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/sfrdragon/11-19-strat/internal/domain"
	"github.com/sfrdragon/11-19-strat/internal/ports"
)

// Journal implements ports.EventJournal using SQLite.
type Journal struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite journal.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewJournal opens (or creates) the journal database.
func NewJournal(cfg Config) (*Journal, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite journal")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/engine_events.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w: %w", filepath.Dir(dbPath), ports.ErrJournalConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %w", dbPath, ports.ErrJournalConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrJournalConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}

	// SQLite serializes writes internally; a single connection avoids driver
	// level lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	j := &Journal{db: db, logger: cfg.Logger}
	if err := j.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize journal schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}

	cfg.Logger.Info(context.Background(), "SQLite journal ready", map[string]interface{}{"path": dbPath})
	return j, nil
}

func (j *Journal) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS engine_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		symbol TEXT NOT NULL,
		position_id TEXT NOT NULL DEFAULT '',
		order_id TEXT NOT NULL DEFAULT '',
		price REAL NOT NULL DEFAULT 0,
		quantity REAL NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_engine_events_kind_created ON engine_events (kind, created_at);
	CREATE INDEX IF NOT EXISTS idx_engine_events_position ON engine_events (position_id);
	`
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		j.logger.Info(context.Background(), "Closing SQLite journal")
		return j.db.Close()
	}
	return nil
}

// Record appends one event and fills in its assigned ID.
func (j *Journal) Record(ctx context.Context, event *domain.EngineEvent) error {
	const query = `
	INSERT INTO engine_events (kind, symbol, position_id, order_id, price, quantity, detail, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	result, err := j.db.ExecContext(ctx, query,
		string(event.Kind), event.Symbol, event.PositionID, event.OrderID,
		event.Price, event.Quantity, event.Detail, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w: %w", event.Kind, ports.ErrJournalWriteFailed, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID for event %s: %w: %w", event.Kind, ports.ErrJournalWriteFailed, err)
	}
	event.ID = id
	return nil
}

// Recent returns the newest events of the given kind, newest first. An empty
// kind returns events of every kind.
func (j *Journal) Recent(ctx context.Context, kind domain.EventKind, limit int) ([]*domain.EngineEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if kind == "" {
		const query = `
		SELECT id, kind, symbol, position_id, order_id, price, quantity, detail, created_at
		FROM engine_events ORDER BY id DESC LIMIT ?`
		rows, err = j.db.QueryContext(ctx, query, limit)
	} else {
		const query = `
		SELECT id, kind, symbol, position_id, order_id, price, quantity, detail, created_at
		FROM engine_events WHERE kind = ? ORDER BY id DESC LIMIT ?`
		rows, err = j.db.QueryContext(ctx, query, string(kind), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w: %w", ports.ErrJournalQueryFailed, err)
	}
	defer rows.Close()

	events := make([]*domain.EngineEvent, 0, limit)
	for rows.Next() {
		ev := &domain.EngineEvent{}
		var kindStr string
		if err := rows.Scan(&ev.ID, &kindStr, &ev.Symbol, &ev.PositionID, &ev.OrderID,
			&ev.Price, &ev.Quantity, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w: %w", ports.ErrJournalQueryFailed, err)
		}
		ev.Kind = domain.EventKind(kindStr)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w: %w", ports.ErrJournalQueryFailed, err)
	}
	return events, nil
}
