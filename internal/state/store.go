// Package state keeps the session registry: the bridge between stoker's
// per-job world and the host's notion of a continuing conversation. A session
// row records the engine-side session handle the host needs to build resume
// options for the next job. No job outcomes or history are stored.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is one row of the registry.
type Session struct {
	SessionID     string
	EngineSession string
	LastJobID     string
	UpdatedAt     time.Time
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Touch upserts a session row. Empty engineSession keeps the stored handle:
// not every engine message carries one.
func (s *Store) Touch(ctx context.Context, sessionID, engineSession, jobID string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID is empty")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, engine_session, last_job_id, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  engine_session = CASE WHEN excluded.engine_session != '' THEN excluded.engine_session ELSE sessions.engine_session END,
  last_job_id    = excluded.last_job_id,
  updated_at     = excluded.updated_at;
`, sessionID, engineSession, jobID, now)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Get returns one session or ErrSessionNotFound.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID is empty")
	}

	row := s.db.QueryRowContext(ctx, `
SELECT session_id, engine_session, last_job_id, updated_at
FROM sessions
WHERE session_id = ?;
`, sessionID)

	var (
		sess       Session
		engineSess sql.NullString
		lastJob    sql.NullString
		updatedAtS string
	)
	err := row.Scan(&sess.SessionID, &engineSess, &lastJob, &updatedAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	sess.EngineSession = engineSess.String
	sess.LastJobID = lastJob.String
	if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		sess.UpdatedAt = t
	}
	return &sess, nil
}

// List returns all sessions, most recently updated first.
func (s *Store) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, engine_session, last_job_id, updated_at
FROM sessions
ORDER BY updated_at DESC;
`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var (
			sess       Session
			engineSess sql.NullString
			lastJob    sql.NullString
			updatedAtS string
		)
		if err := rows.Scan(&sess.SessionID, &engineSess, &lastJob, &updatedAtS); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.EngineSession = engineSess.String
		sess.LastJobID = lastJob.String
		if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
			sess.UpdatedAt = t
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// Delete removes a session. Deleting an unknown session is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID is empty")
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE session_id = ?;", sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
