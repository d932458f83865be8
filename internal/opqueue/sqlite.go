package opqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage keeps one serialized queue blob per session in a local
// SQLite file, overwritten on every enqueue/dequeue. Sessions share the
// file but never each other's row.
type SQLiteStorage struct {
	db        *sql.DB
	sessionID string
}

// OpenDB opens (creating if needed) the local queue database.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_state (
			session_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure queue_state: %w", err)
	}
	return db, nil
}

func NewSQLiteStorage(db *sql.DB, sessionID string) *SQLiteStorage {
	return &SQLiteStorage{db: db, sessionID: sessionID}
}

func (s *SQLiteStorage) Load(ctx context.Context) (State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM queue_state WHERE session_id=?`, s.sessionID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read queue state: %w", err)
	}

	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return State{}, fmt.Errorf("decode queue state: %w", err)
	}
	return state, nil
}

func (s *SQLiteStorage) Save(ctx context.Context, state State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode queue state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_state (session_id, state, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (session_id) DO UPDATE SET state=excluded.state, updated_at=CURRENT_TIMESTAMP
	`, s.sessionID, string(raw))
	if err != nil {
		return fmt.Errorf("write queue state: %w", err)
	}
	return nil
}
