package diagnostics

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists diagnostic records to SQLite. It exists for
// deployments that want to inspect host-error/network-error/stall
// history after the fact rather than relying solely on log lines.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) a SQLite-backed diagnostics
// store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open diagnostics database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate diagnostics database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		detail_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
	CREATE INDEX IF NOT EXISTS idx_records_ts ON records(ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append writes a record to the store, assigning an id if Record.ID is
// empty.
func (s *Store) Append(r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	var detailJSON sql.NullString
	if len(r.Detail) > 0 {
		b, err := json.Marshal(r.Detail)
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
		detailJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO records (id, ts, kind, message, detail_json) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp.Format(time.RFC3339Nano), string(r.Kind), r.Message, detailJSON,
	)
	return err
}

// Recent returns the most recent records, newest first, bounded by
// limit (a non-positive limit defaults to 100).
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT id, ts, kind, message, detail_json FROM records ORDER BY ts DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts, kind string
		var detailJSON sql.NullString
		if err := rows.Scan(&r.ID, &ts, &kind, &r.Message, &detailJSON); err != nil {
			return nil, err
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		r.Kind = Kind(kind)
		if detailJSON.Valid {
			if err := json.Unmarshal([]byte(detailJSON.String), &r.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal detail: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sink adapts a Store (or a nil *Store, as a no-op) into something
// that can subscribe to a Bus and persist everything it publishes.
// Sink blocks until the bus channel is closed (via Bus.Unsubscribe) or
// stop is closed, whichever comes first.
func (s *Store) Sink(bus *Bus, stop <-chan struct{}) {
	if s == nil || bus == nil {
		return
	}
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return
			}
			_ = s.Append(r) // best-effort; a diagnostics write must never block the caller
		case <-stop:
			return
		}
	}
}
