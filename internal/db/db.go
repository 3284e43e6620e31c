// Package db records listening sessions into sqlite: every decoded
// observation, annotation edit and CSV export, keyed by a session ID.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/beacon.report/internal/beacon"
)

// DefaultPath is the session database used when none is configured.
const DefaultPath = "beacon.db"

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

type DB struct {
	*sql.DB
	path string
}

// OpenDB opens the database at path without touching the schema.
func OpenDB(path string) (*DB, error) {
	dsn := "file:" + path
	for i, p := range pragmas {
		sep := "&"
		if i == 0 {
			sep = "?"
		}
		dsn += sep + "_pragma=" + p
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens the database at path and applies all pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

// Session is one run of the receiver against a port.
type Session struct {
	ID        string     `json:"session_id"`
	Port      string     `json:"port"`
	BaudRate  int        `json:"baud_rate"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	db *DB
}

// SessionStats counts what a session has recorded.
type SessionStats struct {
	Observations int `json:"observations"`
	Devices      int `json:"devices"`
	Annotations  int `json:"annotations"`
	Exports      int `json:"exports"`
}

// StartSession creates a new session row with a random ID.
func (db *DB) StartSession(ctx context.Context, port string, baudRate int, at time.Time) (*Session, error) {
	s := &Session{
		ID:        uuid.New().String(),
		Port:      port,
		BaudRate:  baudRate,
		StartedAt: at.UTC(),
		db:        db,
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, port, baud_rate, started_at) VALUES (?, ?, ?, ?)`,
		s.ID, s.Port, s.BaudRate, at.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return s, nil
}

// End stamps the session end time.
func (s *Session) End(ctx context.Context, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, at.UnixNano(), s.ID,
	); err != nil {
		return fmt.Errorf("failed to end session %s: %w", s.ID, err)
	}
	ended := at.UTC()
	s.EndedAt = &ended
	return nil
}

// RecordObservation stores one decoded frame.
func (s *Session) RecordObservation(ctx context.Context, f beacon.Frame, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observations (session_id, mac_address, rssi, trailer, observed_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, f.ID(), f.RSSI, f.Trailer[:], at.UnixNano(),
	)
	return err
}

// RecordAnnotation stores an operator edit of distance or comment.
func (s *Session) RecordAnnotation(ctx context.Context, id, field, value string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO annotations (session_id, mac_address, field, value, annotated_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, id, field, value, at.UnixNano(),
	)
	return err
}

// RecordExport stores a completed CSV export.
func (s *Session) RecordExport(ctx context.Context, path string, rows int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exports (session_id, path, row_count, exported_at) VALUES (?, ?, ?, ?)`,
		s.ID, path, rows, at.UnixNano(),
	)
	return err
}

// Sessions lists all sessions, newest first.
func (db *DB) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, port, baud_rate, started_at, ended_at FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.Port, &s.BaudRate, &started, &ended); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SessionStats counts the rows recorded for sessionID.
func (db *DB) SessionStats(ctx context.Context, sessionID string) (SessionStats, error) {
	var st SessionStats
	err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM observations WHERE session_id = ?),
			(SELECT COUNT(DISTINCT mac_address) FROM observations WHERE session_id = ?),
			(SELECT COUNT(*) FROM annotations WHERE session_id = ?),
			(SELECT COUNT(*) FROM exports WHERE session_id = ?)
	`, sessionID, sessionID, sessionID, sessionID).Scan(&st.Observations, &st.Devices, &st.Annotations, &st.Exports)
	if err != nil {
		return st, fmt.Errorf("failed to count session %s: %w", sessionID, err)
	}
	return st, nil
}
