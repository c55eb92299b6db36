package audit

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore persists entries in a single SQLite table keyed by entry id,
// with secondary indexes on timestamp, event kind and operator. Insertion
// order is the autoincrement seq column.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const entryColumns = "id, ts, ts_ms, operator, kind, resource, details, metadata, hash, prev_hash"

// OpenSQLiteStore opens (or creates) the ledger database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database %s: %w", path, err)
	}
	// One connection keeps writes and the seq ordering strictly serial.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			ts         TEXT NOT NULL,
			ts_ms      INTEGER NOT NULL,
			operator   TEXT NOT NULL DEFAULT '',
			kind       TEXT NOT NULL DEFAULT '',
			resource   TEXT NOT NULL DEFAULT '',
			details    TEXT NOT NULL DEFAULT '',
			metadata   TEXT NOT NULL DEFAULT '',
			hash       TEXT NOT NULL,
			prev_hash  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries(ts_ms);
		CREATE INDEX IF NOT EXISTS idx_entries_kind ON entries(kind);
		CREATE INDEX IF NOT EXISTS idx_entries_operator ON entries(operator);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// OpenSQLiteStoreReadOnly opens an existing ledger database for reading.
// It never creates the file or its schema.
func OpenSQLiteStoreReadOnly(path string) (*SQLiteStore, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no ledger database at %s", path)
		}
		return nil, fmt.Errorf("checking ledger database %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening ledger database %s: %w", path, err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	md, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.TimestampMs, e.Operator, string(e.Kind),
		e.Resource, e.Details, md, e.Hash, e.PreviousHash,
	)
	if err != nil {
		return fmt.Errorf("inserting entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) All(ctx context.Context) ([]Entry, error) {
	return s.selectEntries(ctx, "SELECT "+entryColumns+" FROM entries ORDER BY seq ASC")
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	cf, err := f.compile()
	if err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Operator != "" {
		where = append(where, "operator = ?")
		args = append(args, f.Operator)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts_ms >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts_ms <= ?")
		args = append(args, f.Until.UnixMilli())
	}

	query := "SELECT " + entryColumns + " FROM entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	// The resource glob is matched in Go, so LIMIT can only be pushed into
	// SQL when there is no glob.
	if f.Resource == "" && f.Limit > 0 {
		query = "SELECT " + entryColumns + " FROM (" +
			strings.Replace(query, "SELECT "+entryColumns, "SELECT seq, "+entryColumns, 1) +
			" ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC"
		args = append(args, f.Limit)
		return s.selectEntries(ctx, query, args...)
	}

	entries, err := s.selectEntries(ctx, query+" ORDER BY seq ASC", args...)
	if err != nil {
		return nil, err
	}
	return cf.apply(entries), nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entries"); err != nil {
		return fmt.Errorf("clearing ledger: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) selectEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind, md string
		err := rows.Scan(
			&e.ID, &e.Timestamp, &e.TimestampMs, &e.Operator, &kind,
			&e.Resource, &e.Details, &md, &e.Hash, &e.PreviousHash,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		e.Kind = EventKind(kind)
		if e.Metadata, err = decodeMetadata(md); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func encodeMetadata(md Metadata) (string, error) {
	if len(md) == 0 {
		return "", nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}
	return string(data), nil
}

// decodeMetadata keeps numbers as json.Number so they re-encode to the
// exact bytes that were hashed.
func decodeMetadata(s string) (Metadata, error) {
	if s == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var md Metadata
	if err := dec.Decode(&md); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	return md, nil
}
