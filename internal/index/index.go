// Package index is the SQLite metadata index: sync cursor, remote/local id
// mapping, cached sort metadata and label membership. All access goes
// through one connection behind one lock.
package index

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotMapped is returned when a remote id has no local mapping.
var ErrNotMapped = errors.New("remote id not mapped")

const cursorKey = "state"

// Index is the metadata database for one mailbox.
type Index struct {
	mu sync.Mutex
	db *sqlx.DB
}

// Metadata is the cached sort/display data for one local message.
type Metadata struct {
	LocalID   string `db:"local_id"`
	Timestamp int64  `db:"date_timestamp"`
	Subject   string `db:"subject"`
	Sender    string `db:"sender"`
}

// Open opens or creates the index at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Index, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: the writer lock and the in-memory database both need it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"}
	if !memory {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the database connection.
func (x *Index) Close() error {
	return x.db.Close()
}

// Cursor returns the last persisted sync cursor, zero if never synced.
func (x *Index) Cursor(ctx context.Context) (uint64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var id int64
	err := x.db.GetContext(ctx, &id, `SELECT last_sync_id FROM sync_state WHERE key = ?`, cursorKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}
	return uint64(id), nil
}

// SetCursor persists the sync cursor.
func (x *Index) SetCursor(ctx context.Context, cursor uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	_, err := x.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, last_sync_id) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET last_sync_id = excluded.last_sync_id
	`, cursorKey, int64(cursor))
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// MapIDs inserts or replaces the local id for remoteID.
func (x *Index) MapIDs(ctx context.Context, remoteID, localID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	_, err := x.db.ExecContext(ctx, `
		INSERT INTO message_map (remote_id, local_id) VALUES (?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET local_id = excluded.local_id
	`, remoteID, localID)
	if err != nil {
		return fmt.Errorf("failed to map %s -> %s: %w", remoteID, localID, err)
	}
	return nil
}

// Remap points remoteID at newLocalID, carrying labels and metadata over in
// the same transaction. It returns the previous local id.
func (x *Index) Remap(ctx context.Context, remoteID, newLocalID string) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var oldLocalID string
	err = tx.GetContext(ctx, &oldLocalID, `SELECT local_id FROM message_map WHERE remote_id = ?`, remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", remoteID, ErrNotMapped)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", remoteID, err)
	}
	if oldLocalID == newLocalID {
		return oldLocalID, nil
	}

	// label_map follows through ON UPDATE CASCADE.
	if _, err := tx.ExecContext(ctx, `UPDATE message_map SET local_id = ? WHERE remote_id = ?`, newLocalID, remoteID); err != nil {
		return "", fmt.Errorf("failed to remap %s: %w", remoteID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE message_metadata SET local_id = ? WHERE local_id = ?`, newLocalID, oldLocalID); err != nil {
		return "", fmt.Errorf("failed to move metadata for %s: %w", remoteID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return oldLocalID, nil
}

// Unmap removes the mapping for remoteID together with its labels and
// metadata. It returns the local id that was mapped, if any.
func (x *Index) Unmap(ctx context.Context, remoteID string) (string, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx, err := x.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var localID string
	err = tx.GetContext(ctx, &localID, `SELECT local_id FROM message_map WHERE remote_id = ?`, remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up %s: %w", remoteID, err)
	}

	for _, q := range []string{
		`DELETE FROM label_map WHERE local_id = ?`,
		`DELETE FROM message_metadata WHERE local_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, localID); err != nil {
			return "", false, fmt.Errorf("failed to unmap %s: %w", remoteID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM message_map WHERE remote_id = ?`, remoteID); err != nil {
		return "", false, fmt.Errorf("failed to unmap %s: %w", remoteID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return localID, true, nil
}

// LookupLocal returns the local id mapped to remoteID.
func (x *Index) LookupLocal(ctx context.Context, remoteID string) (string, bool, error) {
	return x.lookup(ctx, `SELECT local_id FROM message_map WHERE remote_id = ?`, remoteID)
}

// LookupRemote returns the remote id mapped to localID.
func (x *Index) LookupRemote(ctx context.Context, localID string) (string, bool, error) {
	return x.lookup(ctx, `SELECT remote_id FROM message_map WHERE local_id = ?`, localID)
}

func (x *Index) lookup(ctx context.Context, query, arg string) (string, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var id string
	err := x.db.GetContext(ctx, &id, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up %s: %w", arg, err)
	}
	return id, true, nil
}

// AllMappings returns every remote id with its local id.
func (x *Index) AllMappings(ctx context.Context) (map[string]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var rows []struct {
		RemoteID string `db:"remote_id"`
		LocalID  string `db:"local_id"`
	}
	if err := x.db.SelectContext(ctx, &rows, `SELECT remote_id, local_id FROM message_map`); err != nil {
		return nil, fmt.Errorf("failed to load mappings: %w", err)
	}

	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.RemoteID] = r.LocalID
	}
	return out, nil
}

// MappingCount returns the number of mapped messages.
func (x *Index) MappingCount(ctx context.Context) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var n int
	if err := x.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM message_map`); err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return n, nil
}

// UpsertMetadata caches sort/display metadata for a local message.
func (x *Index) UpsertMetadata(ctx context.Context, m Metadata) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	_, err := x.db.NamedExecContext(ctx, `
		INSERT INTO message_metadata (local_id, date_timestamp, subject, sender)
		VALUES (:local_id, :date_timestamp, :subject, :sender)
		ON CONFLICT(local_id) DO UPDATE SET
			date_timestamp = excluded.date_timestamp,
			subject = excluded.subject,
			sender = excluded.sender
	`, m)
	if err != nil {
		return fmt.Errorf("failed to save metadata for %s: %w", m.LocalID, err)
	}
	return nil
}

// Metadata returns the cached metadata for localID.
func (x *Index) Metadata(ctx context.Context, localID string) (Metadata, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var m Metadata
	err := x.db.GetContext(ctx, &m, `
		SELECT local_id, date_timestamp, subject, sender
		FROM message_metadata WHERE local_id = ?
	`, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, fmt.Errorf("failed to load metadata for %s: %w", localID, err)
	}
	return m, true, nil
}

// SortedIDs returns up to limit local ids, newest first.
func (x *Index) SortedIDs(ctx context.Context, limit int) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var ids []string
	err := x.db.SelectContext(ctx, &ids, `
		SELECT local_id FROM message_metadata
		ORDER BY date_timestamp DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load sorted ids: %w", err)
	}
	return ids, nil
}
