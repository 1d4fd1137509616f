package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StreamSession is the persisted history of one stream.
type StreamSession struct {
	ID         uuid.UUID  `json:"id"`
	Serial     string     `json:"serial"`
	BufferSize int        `json:"buffer_size"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	Buffers    uint64     `json:"buffers"`
	Bytes      uint64     `json:"bytes"`
	Error      string     `json:"error,omitempty"`
}

// RecordSessionStart inserts an open session row.
func (db *DB) RecordSessionStart(id uuid.UUID, serial string, bufferSize int, started time.Time) error {
	_, err := db.Exec(`
		INSERT INTO stream_sessions (session_id, serial, buffer_size, started_at_ms)
		VALUES (?, ?, ?, ?)
	`, id.String(), serial, bufferSize, started.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

// RecordSessionStop closes the session row with its final counters and the
// error the stream ended with, if any.
func (db *DB) RecordSessionStop(id uuid.UUID, stopped time.Time, buffers, bytes uint64, streamErr error) error {
	msg := ""
	if streamErr != nil {
		msg = streamErr.Error()
	}
	res, err := db.Exec(`
		UPDATE stream_sessions
		SET stopped_at_ms = ?, buffers = ?, bytes = ?, error = ?
		WHERE session_id = ?
	`, stopped.UnixMilli(), int64(buffers), int64(bytes), msg, id.String())
	if err != nil {
		return fmt.Errorf("failed to record session stop: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first. An empty serial
// matches every device.
func (db *DB) RecentSessions(serial string, limit int) ([]StreamSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT session_id, serial, buffer_size, started_at_ms, stopped_at_ms, buffers, bytes, error
		FROM stream_sessions
		WHERE ? = '' OR serial = ?
		ORDER BY started_at_ms DESC
		LIMIT ?
	`, serial, serial, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []StreamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Session returns the session with the given id, or ErrNotFound.
func (db *DB) Session(id uuid.UUID) (StreamSession, error) {
	row := db.QueryRow(`
		SELECT session_id, serial, buffer_size, started_at_ms, stopped_at_ms, buffers, bytes, error
		FROM stream_sessions
		WHERE session_id = ?
	`, id.String())
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StreamSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, err
}

func scanSession(s scanner) (StreamSession, error) {
	var (
		out      StreamSession
		id       string
		started  int64
		stopped  sql.NullInt64
		buffers  int64
		byteSize int64
	)
	if err := s.Scan(&id, &out.Serial, &out.BufferSize, &started, &stopped, &buffers, &byteSize, &out.Error); err != nil {
		return StreamSession{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return StreamSession{}, fmt.Errorf("bad session id %q: %w", id, err)
	}
	out.ID = parsed
	out.StartedAt = time.UnixMilli(started).UTC()
	if stopped.Valid {
		t := time.UnixMilli(stopped.Int64).UTC()
		out.StoppedAt = &t
	}
	out.Buffers = uint64(buffers)
	out.Bytes = uint64(byteSize)
	return out, nil
}
