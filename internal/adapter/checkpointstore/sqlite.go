package checkpointstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"discovery-agent/internal/domain"
)

// SQLiteStore persists checkpoints in a SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ domain.CheckpointStore         = (*SQLiteStore)(nil)
	_ domain.SessionCheckpointLister = (*SQLiteStore)(nil)
	_ domain.CheckpointPurger        = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate checkpoint db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			step       INTEGER NOT NULL,
			phase      TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, step);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_expiry ON checkpoints(expires_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, session_id, step, phase, data, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			step       = excluded.step,
			phase      = excluded.phase,
			data       = excluded.data,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		cp.ID, cp.SessionID, cp.Step, string(cp.Phase), string(data),
		cp.Timestamp.UnixNano(), cp.ExpiresAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*domain.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM checkpoints WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LoadSession returns a session's checkpoints ordered by step.
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) ([]domain.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM checkpoints WHERE session_id = ? ORDER BY step, created_at", sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Checkpoint
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		cp, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// PurgeExpired deletes rows whose expiry is before now.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE expires_at < ?", now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func decode(data string) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
