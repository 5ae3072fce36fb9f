package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrSessionNotFound means no record exists for the id.
var ErrSessionNotFound = errors.New("session not found")

// errSessionExists means an insert lost a race with another creation of the
// same id. The caller re-reads the winner's record.
var errSessionExists = errors.New("session already exists")

// Record is the durable per-session row. The persisted-state blob itself
// lives in the session working directory, not here; the store owns identity,
// budgets, and lifecycle timestamps.
type Record struct {
	ID             string
	TransportKey   string
	Language       string
	Fuel           uint64
	MemoryBytes    int64
	Timeout        time.Duration
	AutoPersist    bool
	CreatedAt      time.Time
	LastActiveAt   time.Time
	ExecutionCount int64
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	transport_key   TEXT NOT NULL,
	language        TEXT NOT NULL,
	fuel            INTEGER NOT NULL,
	memory_bytes    INTEGER NOT NULL,
	timeout_ns      INTEGER NOT NULL,
	auto_persist    INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	last_active_at  INTEGER NOT NULL,
	execution_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_transport ON sessions(transport_key);
CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);
`

// Store is the durable session-record store, backed by sqlite. All mutation
// goes through the Manager; the store itself only guards its own rows.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the session database at path.
// Storage being unavailable here is fatal to the engine, per the
// configuration-error contract.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize session schema: %w", err)
	}

	return &Store{db: db}, nil
}

// CreateWithinLimit inserts a new record only while the transport key holds
// fewer than max sessions. Count and insert execute as a single statement, so
// concurrent creations on one key cannot overshoot the ceiling.
func (s *Store) CreateWithinLimit(ctx context.Context, rec Record, max int) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, transport_key, language, fuel, memory_bytes, timeout_ns, auto_persist, created_at, last_active_at, execution_count)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, 0
		WHERE (SELECT COUNT(*) FROM sessions WHERE transport_key = ?) < ?`,
		rec.ID, rec.TransportKey, rec.Language,
		int64(rec.Fuel), rec.MemoryBytes, int64(rec.Timeout),
		boolToInt(rec.AutoPersist),
		rec.CreatedAt.UnixNano(), rec.LastActiveAt.UnixNano(),
		rec.TransportKey, max,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("create session %s: %w", rec.ID, errSessionExists)
		}
		return fmt.Errorf("create session %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: transport %q at ceiling %d", ErrSessionLimitExceeded, rec.TransportKey, max)
	}
	return nil
}

// Get returns the record for id, or ErrSessionNotFound.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transport_key, language, fuel, memory_bytes, timeout_ns, auto_persist, created_at, last_active_at, execution_count
		FROM sessions WHERE id = ?`, id)
	return scanRecord(row)
}

// Touch updates the last-active timestamp and increments the execution
// count after a completed execution.
func (s *Store) Touch(ctx context.Context, id string, lastActive time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_active_at = ?, execution_count = execution_count + 1
		WHERE id = ?`, lastActive.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("touch session %s: %w", id, ErrSessionNotFound)
	}
	return nil
}

// Delete removes a record. Deleting a missing record is not an error: the
// janitor and explicit destroy may race.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// CountByTransport returns the number of non-evicted sessions owned by a
// transport key.
func (s *Store) CountByTransport(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE transport_key = ?`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions for %s: %w", key, err)
	}
	return n, nil
}

// ListIdleBefore returns all records whose last activity predates cutoff.
func (s *Store) ListIdleBefore(ctx context.Context, cutoff time.Time) ([]Record, error) {
	return s.list(ctx, `
		SELECT id, transport_key, language, fuel, memory_bytes, timeout_ns, auto_persist, created_at, last_active_at, execution_count
		FROM sessions WHERE last_active_at < ?`, cutoff.UnixNano())
}

// List returns all records.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	return s.list(ctx, `
		SELECT id, transport_key, language, fuel, memory_bytes, timeout_ns, auto_persist, created_at, last_active_at, execution_count
		FROM sessions ORDER BY created_at`)
}

// ListByTransport returns all records owned by a transport key.
func (s *Store) ListByTransport(ctx context.Context, key string) ([]Record, error) {
	return s.list(ctx, `
		SELECT id, transport_key, language, fuel, memory_bytes, timeout_ns, auto_persist, created_at, last_active_at, execution_count
		FROM sessions WHERE transport_key = ? ORDER BY created_at`, key)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var fuel, timeoutNS, createdNS, lastActiveNS int64
	var autoPersist int
	err := row.Scan(
		&rec.ID, &rec.TransportKey, &rec.Language,
		&fuel, &rec.MemoryBytes, &timeoutNS, &autoPersist,
		&createdNS, &lastActiveNS, &rec.ExecutionCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrSessionNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan session: %w", err)
	}
	rec.Fuel = uint64(fuel)
	rec.Timeout = time.Duration(timeoutNS)
	rec.AutoPersist = autoPersist != 0
	rec.CreatedAt = time.Unix(0, createdNS)
	rec.LastActiveAt = time.Unix(0, lastActiveNS)
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
