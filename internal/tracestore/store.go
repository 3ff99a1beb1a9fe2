// Package tracestore persists capture sessions and their traces to SQLite.
//
// Traces arrive one at a time from the acquisition loop but are written in
// batches to keep insert overhead off the capture path. Waves are stored as
// little-endian float64 blobs.
package tracestore

import (
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/scalab/tracecap/internal/capture"
)

const schema = `
	CREATE TABLE IF NOT EXISTS capture_sessions (
		session_id   TEXT PRIMARY KEY,
		description  TEXT,
		key_hex      TEXT NOT NULL,
		started_at   TEXT NOT NULL,
		completed_at TEXT,
		trace_count  INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS traces (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		input      BLOB NOT NULL,
		output     BLOB NOT NULL,
		trig_count INTEGER NOT NULL,
		wave       BLOB NOT NULL,
		FOREIGN KEY (session_id) REFERENCES capture_sessions(session_id)
	);

	CREATE INDEX IF NOT EXISTS idx_traces_session_seq ON traces(session_id, seq);
`

// Store provides persistence for capture sessions and traces.
type Store struct {
	db        *sql.DB
	batchSize int
}

// Open opens (or creates) the trace database at path. batchSize controls how
// many appended traces are buffered before a batched insert; values below 1
// fall back to 1.
func Open(path string, batchSize int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening trace db %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating trace schema: %w", err)
	}

	if batchSize < 1 {
		batchSize = 1
	}
	return &Store{db: db, batchSize: batchSize}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SessionRecord describes one persisted capture session.
type SessionRecord struct {
	SessionID   string
	Description string
	KeyHex      string
	StartedAt   time.Time
	CompletedAt *time.Time
	TraceCount  int
}

// Session is an open capture session accepting appended traces.
type Session struct {
	store *Store

	// ID identifies the session across tables and tooling output.
	ID string

	pending []capture.TraceExt
	seq     int
}

// BeginSession inserts a new session row and returns a handle for appending
// traces to it. key is the fixed key the session captures under.
func (s *Store) BeginSession(description string, key []byte) (*Session, error) {
	id := uuid.New().String()
	query := `
		INSERT INTO capture_sessions (session_id, description, key_hex, started_at)
		VALUES (?, ?, ?, ?)
	`
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(query, id, description, hex.EncodeToString(key),
			time.Now().UTC().Format(time.RFC3339))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting session %s: %w", id, err)
	}
	return &Session{store: s, ID: id, pending: make([]capture.TraceExt, 0, s.batchSize)}, nil
}

// Append buffers one trace for the session, flushing to the database once a
// full batch has accumulated.
func (sess *Session) Append(tr capture.TraceExt) error {
	sess.pending = append(sess.pending, tr)
	if len(sess.pending) >= sess.store.batchSize {
		return sess.Flush()
	}
	return nil
}

// Flush writes all buffered traces in a single transaction.
func (sess *Session) Flush() error {
	if len(sess.pending) == 0 {
		return nil
	}
	batch := sess.pending
	err := retryOnBusy(func() error {
		tx, err := sess.store.db.Begin()
		if err != nil {
			return err
		}
		stmt, err := tx.Prepare(`
			INSERT INTO traces (session_id, seq, input, output, trig_count, wave)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			tx.Rollback()
			return err
		}
		defer stmt.Close()

		for i, tr := range batch {
			_, err := stmt.Exec(sess.ID, sess.seq+i, tr.DutIO.Input[:],
				tr.DutIO.Expected, tr.TrigCount, encodeWave(tr.Wave))
			if err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("flushing %d traces for session %s: %w", len(batch), sess.ID, err)
	}
	sess.seq += len(batch)
	sess.pending = sess.pending[:0]
	return nil
}

// Close flushes any buffered traces and marks the session complete.
func (sess *Session) Close() error {
	if err := sess.Flush(); err != nil {
		return err
	}
	query := `UPDATE capture_sessions SET completed_at = ?, trace_count = ? WHERE session_id = ?`
	err := retryOnBusy(func() error {
		_, err := sess.store.db.Exec(query,
			time.Now().UTC().Format(time.RFC3339), sess.seq, sess.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("completing session %s: %w", sess.ID, err)
	}
	return nil
}

// Count reports how many traces the session has persisted so far, not
// counting any still buffered.
func (sess *Session) Count() int {
	return sess.seq
}

// GetSession returns a single session record by ID.
func (s *Store) GetSession(sessionID string) (*SessionRecord, error) {
	query := `
		SELECT session_id, description, key_hex, started_at, completed_at, trace_count
		FROM capture_sessions
		WHERE session_id = ?
	`
	var rec SessionRecord
	var description, completedAt sql.NullString
	var startedAt string
	err := s.db.QueryRow(query, sessionID).Scan(
		&rec.SessionID, &description, &rec.KeyHex, &startedAt, &completedAt, &rec.TraceCount)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", sessionID, err)
	}
	rec.Description = description.String
	rec.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err == nil {
			rec.CompletedAt = &t
		}
	}
	return &rec, nil
}

// ListSessions returns all sessions, most recent first.
func (s *Store) ListSessions() ([]SessionRecord, error) {
	query := `
		SELECT session_id, description, key_hex, started_at, completed_at, trace_count
		FROM capture_sessions
		ORDER BY started_at DESC
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var description, completedAt sql.NullString
		var startedAt string
		if err := rows.Scan(&rec.SessionID, &description, &rec.KeyHex,
			&startedAt, &completedAt, &rec.TraceCount); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		rec.Description = description.String
		rec.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if completedAt.Valid {
			if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
				rec.CompletedAt = &t
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SessionTraces loads all traces for a session in sequence order. The
// session's fixed key is restored onto each record.
func (s *Store) SessionTraces(sessionID string) ([]capture.TraceExt, error) {
	rec, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(rec.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding key for session %s: %w", sessionID, err)
	}

	query := `
		SELECT input, output, trig_count, wave
		FROM traces
		WHERE session_id = ?
		ORDER BY seq
	`
	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying traces for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []capture.TraceExt
	for rows.Next() {
		var input, output, wave []byte
		var trig int
		if err := rows.Scan(&input, &output, &trig, &wave); err != nil {
			return nil, fmt.Errorf("scanning trace row: %w", err)
		}
		var tr capture.TraceExt
		copy(tr.DutIO.Key[:], key)
		copy(tr.DutIO.Input[:], input)
		tr.DutIO.Expected = output
		tr.TrigCount = trig
		tr.Wave = decodeWave(wave)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func encodeWave(wave []float64) []byte {
	buf := make([]byte, 8*len(wave))
	for i, v := range wave {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeWave(buf []byte) []float64 {
	wave := make([]float64, len(buf)/8)
	for i := range wave {
		wave[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return wave
}
