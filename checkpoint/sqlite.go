package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/langgraph-go/stategraph/errors"
)

// SqliteSaver is a SQLite-based checkpoint saver.
type SqliteSaver struct {
	db         *sql.DB
	serializer Serializer
}

// NewSqliteSaver opens (or creates) a SQLite database at dbPath.
func NewSqliteSaver(dbPath string) (*SqliteSaver, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	saver, err := NewSqliteSaverWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return saver, nil
}

// NewSqliteSaverWithDB creates a saver over an existing database handle.
func NewSqliteSaverWithDB(db *sql.DB) (*SqliteSaver, error) {
	saver := &SqliteSaver{
		db:         db,
		serializer: JSONSerializer{},
	}
	if err := saver.setup(); err != nil {
		return nil, err
	}
	return saver, nil
}

// setup creates the necessary tables.
func (s *SqliteSaver) setup() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		node TEXT NOT NULL,
		next TEXT NOT NULL,
		status TEXT NOT NULL,
		checkpoint BLOB NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(session_id, step_index)
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, step_index DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return errors.WrapError(err, errors.ErrorCodePersistence, "create tables")
	}
	return nil
}

// Load returns the latest checkpoint of a session.
func (s *SqliteSaver) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoint FROM checkpoints WHERE session_id = ? ORDER BY step_index DESC LIMIT 1`,
		sessionID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err, "load checkpoint", sessionID, -1)
	}
	return decodeCheckpoint(s.serializer, data)
}

// Save appends a checkpoint inside a transaction.
func (s *SqliteSaver) Save(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := s.serializer.Serialize(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "begin transaction", cp.SessionID, cp.StepIndex)
	}
	defer tx.Rollback()

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(step_index) FROM checkpoints WHERE session_id = ?`, cp.SessionID,
	).Scan(&latest); err != nil {
		return storageError(err, "read latest step", cp.SessionID, cp.StepIndex)
	}
	if latest.Valid && int(latest.Int64) >= cp.StepIndex {
		return stepConflict(cp.SessionID, cp.StepIndex, int(latest.Int64))
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (id, session_id, step_index, node, next, status, checkpoint, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.StepIndex, cp.Node, cp.Next, string(cp.Status), data,
		cp.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return storageError(err, "save checkpoint", cp.SessionID, cp.StepIndex)
	}
	if err := tx.Commit(); err != nil {
		return storageError(err, "commit checkpoint", cp.SessionID, cp.StepIndex)
	}
	return nil
}

// List returns checkpoints of a session, newest first.
func (s *SqliteSaver) List(ctx context.Context, sessionID string, limit int) ([]*Checkpoint, error) {
	query := `SELECT checkpoint FROM checkpoints WHERE session_id = ? ORDER BY step_index DESC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "list checkpoints", sessionID, -1)
	}
	defer rows.Close()

	result := make([]*Checkpoint, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, storageError(err, "scan checkpoint", sessionID, -1)
		}
		cp, err := decodeCheckpoint(s.serializer, data)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "list checkpoints", sessionID, -1)
	}
	return result, nil
}

// Delete removes a session.
func (s *SqliteSaver) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return storageError(err, "delete session", sessionID, -1)
	}
	return nil
}

// Sessions returns the stored session ids.
func (s *SqliteSaver) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM checkpoints ORDER BY session_id`)
	if err != nil {
		return nil, storageError(err, "list sessions", "", -1)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database connection.
func (s *SqliteSaver) Close() error {
	return s.db.Close()
}
