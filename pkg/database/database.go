package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrSnapshotNotFound indicates nothing has been saved for the collection yet.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrUnknownCollection indicates a collection name outside Collections.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrPersistence wraps every failure to write a snapshot. It is logged by
	// the Gateway and never returned to callers of Save.
	ErrPersistence = errors.New("persistence failure")
)

// Backend stores one opaque payload per collection.
type Backend interface {
	Load(ctx context.Context, c Collection) ([]byte, error)
	Save(ctx context.Context, c Collection, version uint64, payload []byte) error
	Close() error
}

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

var _ Backend = (*DB)(nil)

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Snapshots are written by one goroutine per collection; a single
	// connection keeps SQLite from ever seeing two writers.
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates the snapshot table if it doesn't exist
func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS Snapshot (
	collection TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	payload BLOB NOT NULL,
	compressed INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
`
	_, err := db.writeConn.Exec(schema)
	return err
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Load returns the last payload saved for c.
func (db *DB) Load(ctx context.Context, c Collection) ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}

	var (
		payload    []byte
		compressed bool
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT payload, compressed FROM Snapshot WHERE collection = ?`, string(c),
	).Scan(&payload, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s snapshot: %w", c, err)
	}
	if compressed {
		payload, err = decompressPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s snapshot: %w", c, err)
		}
	}
	return payload, nil
}

// Save replaces the payload stored for c. Large payloads are stored
// LZ4-compressed.
func (db *DB) Save(ctx context.Context, c Collection, version uint64, payload []byte) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}

	stored, compressed := compressPayload(payload)
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Snapshot (collection, version, payload, compressed, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			compressed = excluded.compressed,
			updated_at = excluded.updated_at
	`, string(c), int64(version), stored, compressed, nowMillis())
	if err != nil {
		return fmt.Errorf("failed to save %s snapshot: %w", c, err)
	}
	return nil
}

// SnapshotInfo describes one stored snapshot.
type SnapshotInfo struct {
	Collection Collection
	Version    uint64
	Bytes      int // as stored
	Compressed bool
	UpdatedAt  time.Time
}

// Describe lists metadata for every stored snapshot, ordered by collection.
func (db *DB) Describe(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT collection, version, length(payload), compressed, updated_at
		FROM Snapshot
		ORDER BY collection ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var infos []SnapshotInfo
	for rows.Next() {
		var (
			info      SnapshotInfo
			name      string
			version   int64
			updatedAt int64
		)
		if err := rows.Scan(&name, &version, &info.Bytes, &info.Compressed, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		info.Collection = Collection(name)
		info.Version = uint64(version)
		info.UpdatedAt = time.UnixMilli(updatedAt)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}
