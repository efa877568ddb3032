package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Conn is the transactional handle the store holds for its lifetime.
// Both provider variants return the same abstraction; nothing downstream
// inspects which variant produced it.
type Conn interface {
	Prepare(ctx context.Context, name, sql string) error
	Deallocate(ctx context.Context, name string) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Tx is the subset of a database transaction the store uses. Mutating
// operations run inside one and commit or roll back on every path.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Provider supplies the single live connection the store owns.
type Provider interface {
	Acquire(ctx context.Context) (Conn, error)
}

// PoolProvider resolves a named data source to a DSN and checks a single
// connection out of a pgx pool built from it.
type PoolProvider struct {
	// Datasource names the environment variable holding the DSN.
	Datasource string
}

func (p *PoolProvider) Acquire(ctx context.Context) (Conn, error) {
	dsn := os.Getenv(p.Datasource)
	if dsn == "" {
		return nil, fmt.Errorf("%w: data source %q is not registered", ErrConnection, p.Datasource)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing DSN for data source %q: %v", ErrConnection, p.Datasource, err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 0 // the store holds its connection indefinitely
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: building pool for data source %q: %v", ErrConnection, p.Datasource, err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: checking out connection: %v", ErrConnection, err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Release()
		pool.Close()
		return nil, fmt.Errorf("%w: pinging database: %v", ErrConnection, err)
	}

	log.Info().Str("datasource", p.Datasource).Msg("connected to PostgreSQL through pool")
	return &pooledConn{pool: pool, conn: conn}, nil
}

// DirectProvider dials the database with embedded credentials and creates
// the database when it does not exist yet.
type DirectProvider struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

func (p *DirectProvider) Acquire(ctx context.Context) (Conn, error) {
	conn, err := pgx.Connect(ctx, p.dsn(p.Database))
	if isPgErr(err, pgerrcode.InvalidCatalogName) {
		if createErr := p.createDatabase(ctx); createErr != nil {
			return nil, fmt.Errorf("%w: creating database %q: %v", ErrConnection, p.Database, createErr)
		}
		conn, err = pgx.Connect(ctx, p.dsn(p.Database))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s:%d/%s: %v", ErrConnection, p.Host, p.Port, p.Database, err)
	}

	log.Info().Str("database", p.Database).Msg("connected to PostgreSQL directly")
	return &directConn{conn: conn}, nil
}

// createDatabase connects to the maintenance database and issues CREATE
// DATABASE. Loses the race gracefully if another process created it first.
func (p *DirectProvider) createDatabase(ctx context.Context) error {
	admin, err := pgx.Connect(ctx, p.dsn("postgres"))
	if err != nil {
		return fmt.Errorf("connecting to maintenance database: %w", err)
	}
	defer admin.Close(ctx)

	log.Info().Str("database", p.Database).Msg("database does not exist, creating it")
	_, err = admin.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{p.Database}.Sanitize())
	if err != nil && !isPgErr(err, pgerrcode.DuplicateDatabase) {
		return err
	}
	return nil
}

func (p *DirectProvider) dsn(database string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.Username, p.Password),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + database,
	}
	return u.String()
}

// directConn adapts a single *pgx.Conn to the Conn interface.
type directConn struct {
	conn *pgx.Conn
}

func (c *directConn) Prepare(ctx context.Context, name, sql string) error {
	_, err := c.conn.Prepare(ctx, name, sql)
	return err
}

func (c *directConn) Deallocate(ctx context.Context, name string) error {
	return c.conn.Deallocate(ctx, name)
}

func (c *directConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

func (c *directConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *directConn) Begin(ctx context.Context) (Tx, error) {
	return c.conn.Begin(ctx)
}

func (c *directConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *directConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// pooledConn adapts a checked-out *pgxpool.Conn. Close releases the
// connection back to the pool and shuts the pool down with it, since the
// pool exists only to serve this one handle.
type pooledConn struct {
	pool *pgxpool.Pool
	conn *pgxpool.Conn
}

func (c *pooledConn) Prepare(ctx context.Context, name, sql string) error {
	_, err := c.conn.Conn().Prepare(ctx, name, sql)
	return err
}

func (c *pooledConn) Deallocate(ctx context.Context, name string) error {
	return c.conn.Conn().Deallocate(ctx, name)
}

func (c *pooledConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

func (c *pooledConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *pooledConn) Begin(ctx context.Context) (Tx, error) {
	return c.conn.Begin(ctx)
}

func (c *pooledConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pooledConn) Close(_ context.Context) error {
	c.conn.Release()
	c.pool.Close()
	return nil
}
