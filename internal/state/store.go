// Package state persists daemon runtime state in an encrypted SQLite
// database: the heartbeat the status command reads, and the dispatcher's
// alert throttle records. Persisting the records means restarting the
// daemon cannot be used to re-arm alert throttling.
package state

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/tunnelguard/tunnelguard/internal/domain"
)

const stateDBName = "state.db"

// Store is the encrypted state database. The key is the SQLCipher
// passphrase supplied via PRAGMA key in the DSN.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (or creates) the state database under dataDir.
func Open(dataDir string, key []byte) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, stateDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096",
		dbPath, hex.EncodeToString(key))

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to state database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS heartbeat (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pid INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		last_beat INTEGER NOT NULL,
		app_version TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS alert_records (
		dedupe_key TEXT PRIMARY KEY,
		first_seen INTEGER NOT NULL,
		last_sent_at INTEGER NOT NULL,
		occurrence_count INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Heartbeat is the daemon liveness row the status command reads.
type Heartbeat struct {
	PID       int
	StartedAt time.Time
	LastBeat  time.Time
	Version   string
}

// UpdateHeartbeat records the daemon as alive now. StartedAt is written
// once per process and kept on subsequent beats.
func (s *Store) UpdateHeartbeat(pid int, version string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO heartbeat (id, pid, started_at, last_beat, app_version)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pid = excluded.pid,
			last_beat = excluded.last_beat,
			app_version = excluded.app_version`,
		pid, now, now, version,
	)
	return err
}

// LastHeartbeat returns the most recent heartbeat, or nil if the daemon
// has never run against this database.
func (s *Store) LastHeartbeat() (*Heartbeat, error) {
	row := s.db.QueryRow(`SELECT pid, started_at, last_beat, app_version FROM heartbeat WHERE id = 1`)

	var pid int
	var started, beat int64
	var version string
	if err := row.Scan(&pid, &started, &beat, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &Heartbeat{
		PID:       pid,
		StartedAt: time.Unix(started, 0),
		LastBeat:  time.Unix(beat, 0),
		Version:   version,
	}, nil
}

// --- domain.AlertRecordStore implementation ---

// UpsertAlertRecord writes one throttle record, replacing any existing
// row for the same dedupe key.
func (s *Store) UpsertAlertRecord(rec domain.AlertRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO alert_records (dedupe_key, first_seen, last_sent_at, occurrence_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(dedupe_key) DO UPDATE SET
			first_seen = excluded.first_seen,
			last_sent_at = excluded.last_sent_at,
			occurrence_count = excluded.occurrence_count`,
		rec.DedupeKey, rec.FirstSeen.Unix(), rec.LastSentAt.Unix(), rec.OccurrenceCount,
	)
	return err
}

// AlertRecords returns all persisted throttle records.
func (s *Store) AlertRecords() ([]domain.AlertRecord, error) {
	rows, err := s.db.Query(`SELECT dedupe_key, first_seen, last_sent_at, occurrence_count FROM alert_records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.AlertRecord
	for rows.Next() {
		var rec domain.AlertRecord
		var first, sent int64
		if err := rows.Scan(&rec.DedupeKey, &first, &sent, &rec.OccurrenceCount); err != nil {
			return nil, err
		}
		rec.FirstSeen = time.Unix(first, 0)
		rec.LastSentAt = time.Unix(sent, 0)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PruneAlertRecords deletes records whose last send predates olderThan
// and reports how many were removed.
func (s *Store) PruneAlertRecords(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM alert_records WHERE last_sent_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Path returns the database file location.
func (s *Store) Path() string { return s.dbPath }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ensure Store implements domain.AlertRecordStore.
var _ domain.AlertRecordStore = (*Store)(nil)
