package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDriver stores each collection as a two-column table.
type PostgresDriver struct{}

func (PostgresDriver) Name() string { return DriverPostgres }

// Open parses uri as a pgx DSN. A non-empty database overrides the database
// named in the DSN.
func (PostgresDriver) Open(ctx context.Context, uri, database string) (Conn, error) {
	if uri == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	if database != "" {
		cfg.ConnConfig.Database = database
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresConn{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// PostgresConn is a pgx pool bound to one database.
type PostgresConn struct {
	pool *pgxpool.Pool
}

func (s *PostgresConn) Collection(name string) Collection {
	return &pgCollection{pool: s.pool, table: pgx.Identifier{name}.Sanitize()}
}

func (s *PostgresConn) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return pgErr(s.pool.Ping(ctx))
}

func (s *PostgresConn) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// EnsureIndex creates the collection table. The primary key on key is the
// unique index.
func (s *PostgresConn) EnsureIndex(ctx context.Context, collection string) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`, pgx.Identifier{collection}.Sanitize())
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", pgErr(err))
	}
	return nil
}

type pgCollection struct {
	pool  *pgxpool.Pool
	table string
}

func (c *pgCollection) FindOne(ctx context.Context, key string) (*Entry, error) {
	var value string
	err := c.pool.QueryRow(ctx, `SELECT value FROM `+c.table+` WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pgErr(err)
	}
	return &Entry{Key: key, Value: value}, nil
}

func (c *pgCollection) Upsert(ctx context.Context, key, value string) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO `+c.table+` (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return pgErr(err)
}

func (c *pgCollection) DeleteOne(ctx context.Context, key string) (int64, error) {
	tag, err := c.pool.Exec(ctx, `DELETE FROM `+c.table+` WHERE key = $1`, key)
	if err != nil {
		return 0, pgErr(err)
	}
	return tag.RowsAffected(), nil
}

func (c *pgCollection) FindKeys(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT key FROM `+c.table)
	if err != nil {
		return nil, pgErr(err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, pgErr(err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// pgErr tags everything the server did not answer with a PgError as
// ErrUnavailable: dial failures, dropped connections and timeouts.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	var pgError *pgconn.PgError
	if errors.As(err, &pgError) {
		return err
	}
	return Unavailable(err)
}
