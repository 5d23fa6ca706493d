package checkpoint

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/langgraph-go/stategraph/errors"
)

// PostgresSaver is a PostgreSQL-based checkpoint saver.
type PostgresSaver struct {
	pool       *pgxpool.Pool
	serializer Serializer
}

// PostgresConfig holds configuration for PostgreSQL connection.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int32
	MinConnections  int32
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration
}

// ConnString renders the config as a libpq connection string.
func (c *PostgresConfig) ConnString() string {
	sslMode := "disable"
	if c.SSLMode != "" {
		sslMode = c.SSLMode
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode,
	)
}

// NewPostgresSaver creates a new PostgreSQL checkpoint saver.
func NewPostgresSaver(ctx context.Context, connString string) (*PostgresSaver, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	return newPostgresSaver(ctx, config)
}

// NewPostgresSaverWithConfig creates a new PostgreSQL checkpoint saver with explicit config.
func NewPostgresSaverWithConfig(ctx context.Context, cfg *PostgresConfig) (*PostgresSaver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	config, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConnections > 0 {
		config.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		config.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.MaxConnLifetime > 0 {
		config.MaxConnLifetime = cfg.MaxConnLifetime
	}
	return newPostgresSaver(ctx, config)
}

// NewPostgresSaverWithPool creates a saver over an existing pool.
func NewPostgresSaverWithPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresSaver, error) {
	saver := &PostgresSaver{pool: pool, serializer: JSONSerializer{}}
	if err := saver.setup(ctx); err != nil {
		return nil, err
	}
	return saver, nil
}

func newPostgresSaver(ctx context.Context, config *pgxpool.Config) (*PostgresSaver, error) {
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	saver, err := NewPostgresSaverWithPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return saver, nil
}

// setup creates the necessary tables.
func (s *PostgresSaver) setup(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS stategraph_checkpoints (
			id UUID PRIMARY KEY,
			session_id TEXT NOT NULL,
			step_index INTEGER NOT NULL CHECK (step_index >= 0),
			node TEXT NOT NULL,
			next TEXT NOT NULL,
			status TEXT NOT NULL,
			checkpoint JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (session_id, step_index)
		);
		CREATE INDEX IF NOT EXISTS idx_stategraph_checkpoints_session
			ON stategraph_checkpoints (session_id, step_index DESC);
	`)
	if err != nil {
		return errors.WrapError(err, errors.ErrorCodePersistence, "create tables")
	}
	return nil
}

// Load returns the latest checkpoint of a session.
func (s *PostgresSaver) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT checkpoint FROM stategraph_checkpoints
		 WHERE session_id = $1 ORDER BY step_index DESC LIMIT 1`,
		sessionID,
	).Scan(&data)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err, "load checkpoint", sessionID, -1)
	}
	return decodeCheckpoint(s.serializer, data)
}

// Save appends a checkpoint. A transaction-scoped advisory lock on the
// session id orders concurrent writers of the same session.
func (s *PostgresSaver) Save(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := s.serializer.Serialize(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageError(err, "begin transaction", cp.SessionID, cp.StepIndex)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, cp.SessionID); err != nil {
		return storageError(err, "lock session", cp.SessionID, cp.StepIndex)
	}

	var latest *int
	if err := tx.QueryRow(ctx,
		`SELECT MAX(step_index) FROM stategraph_checkpoints WHERE session_id = $1`, cp.SessionID,
	).Scan(&latest); err != nil {
		return storageError(err, "read latest step", cp.SessionID, cp.StepIndex)
	}
	if latest != nil && *latest >= cp.StepIndex {
		return stepConflict(cp.SessionID, cp.StepIndex, *latest)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO stategraph_checkpoints
		 (id, session_id, step_index, node, next, status, checkpoint, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ID, cp.SessionID, cp.StepIndex, cp.Node, cp.Next, string(cp.Status), data, cp.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return stepConflict(cp.SessionID, cp.StepIndex, cp.StepIndex)
		}
		return storageError(err, "save checkpoint", cp.SessionID, cp.StepIndex)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageError(err, "commit checkpoint", cp.SessionID, cp.StepIndex)
	}
	return nil
}

// List returns checkpoints of a session, newest first.
func (s *PostgresSaver) List(ctx context.Context, sessionID string, limit int) ([]*Checkpoint, error) {
	query := `SELECT checkpoint FROM stategraph_checkpoints WHERE session_id = $1 ORDER BY step_index DESC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresSaver) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM stategraph_checkpoints WHERE session_id = $1`, sessionID); err != nil {
		return storageError(err, "delete session", sessionID, -1)
	}
	return nil
}

// Sessions returns the stored session ids.
func (s *PostgresSaver) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT session_id FROM stategraph_checkpoints ORDER BY session_id`)
	if err != nil {
		return nil, storageError(err, "list sessions", "", -1)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Close closes the connection pool.
func (s *PostgresSaver) Close() error {
	s.pool.Close()
	return nil
}
