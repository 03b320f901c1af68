package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_image_digests (
	id BIGSERIAL PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	image TEXT NOT NULL,
	digest TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS workflow_image_digests_workflow_idx
	ON workflow_image_digests (workflow_id);
`

type SQLConfig struct {
	URI             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func DefaultSQLConfig(uri string) SQLConfig {
	return SQLConfig{
		URI:             uri,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

func (c SQLConfig) Validate() error {
	if c.URI == "" {
		return errors.New("store uri is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("max open connections must be >= 1")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("max idle connections must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max idle connections must be <= max open connections")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("connection max lifetime must be >= 0")
	}
	if c.ConnMaxIdleTime < 0 {
		return errors.New("connection max idle time must be >= 0")
	}
	return nil
}

var _ Store = &SQL{}

// SQL persists mappings in Postgres. Rows are append only; uniqueness of
// (workflow_id, image) is not enforced since LoadAll resolves duplicates
// deterministically.
type SQL struct {
	db *sql.DB
}

func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQL, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &SQL{db: db}, nil
}

// EnsureSchema creates the mapping table when it does not exist yet.
func (s *SQL) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *SQL) LoadAll(ctx context.Context, workflowID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT image, digest FROM workflow_image_digests WHERE workflow_id = $1 ORDER BY id`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("load mappings for workflow %s: %w", workflowID, err)
	}
	defer rows.Close()

	// Ascending id order makes the last write win for duplicate rows.
	mappings := map[string]string{}
	for rows.Next() {
		var image, dgst string
		if err := rows.Scan(&image, &dgst); err != nil {
			return nil, fmt.Errorf("scan mapping for workflow %s: %w", workflowID, err)
		}
		mappings[image] = dgst
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load mappings for workflow %s: %w", workflowID, err)
	}
	return mappings, nil
}

func (s *SQL) Put(ctx context.Context, workflowID, image, dgst string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_image_digests (workflow_id, image, digest) VALUES ($1, $2, $3)`,
		workflowID, image, dgst,
	)
	if err != nil {
		return fmt.Errorf("persist mapping %s for workflow %s: %w", image, workflowID, err)
	}
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}
