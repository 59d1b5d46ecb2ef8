// Package postgres implements platform.Platform on a PostgreSQL cluster where
// every environment is a database.
//
// Cloning uses CREATE DATABASE ... TEMPLATE, which requires that nothing else is
// connected to the source while the copy runs. The creation time of each
// database is stored in its comment so listings can order backups even when
// names are ambiguous.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/envsync/internal/platform"
)

const commentPrefix = "envsync:created_at="

// MaxNameLength is NAMEDATALEN-1. Postgres truncates longer identifiers
// silently, so two long names could address the same database.
const MaxNameLength = 63

// SQLSTATE codes the platform maps to sentinel errors.
const (
	codeInvalidCatalogName = "3D000"
	codeDuplicateDatabase  = "42P04"
)

// Platform manages environments through an admin connection pool.
//
// The pool should connect to a maintenance database (usually "postgres") that
// is never itself an environment.
type Platform struct {
	admin  *pgxpool.Pool
	base   *pgx.ConnConfig
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Platform.
type Option func(*Platform)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithNow overrides the clock used to stamp created databases.
func WithNow(now func() time.Time) Option {
	return func(p *Platform) {
		if now != nil {
			p.now = now
		}
	}
}

// Connect opens the admin pool for dsn and verifies it.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Platform, error) {
	if dsn == "" {
		return nil, errors.New("postgres platform: dsn is required")
	}
	base, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Platform{admin: pool, base: base, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Close closes the admin pool.
func (p *Platform) Close() error {
	p.admin.Close()
	return nil
}

// connect opens a short-lived connection to one environment database.
func (p *Platform) connect(ctx context.Context, env string) (*pgx.Conn, error) {
	if err := checkName(env); err != nil {
		return nil, err
	}
	cfg := p.base.Copy()
	cfg.Database = env
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, mapError(env, err)
	}
	return conn, nil
}

// CloneEnvironment runs CREATE DATABASE dst TEMPLATE src and stamps its comment.
func (p *Platform) CloneEnvironment(ctx context.Context, src, dst string) error {
	if err := checkName(src); err != nil {
		return fmt.Errorf("clone %s to %s: %w", src, dst, err)
	}
	if err := checkName(dst); err != nil {
		return fmt.Errorf("clone %s to %s: %w", src, dst, err)
	}
	if _, err := p.admin.Exec(ctx, cloneSQL(src, dst)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeInvalidCatalogName {
			return fmt.Errorf("clone %s to %s: %s: %w", src, dst, src, platform.ErrNotFound)
		}
		return fmt.Errorf("clone %s to %s: %w", src, dst, mapError(dst, err))
	}
	if _, err := p.admin.Exec(ctx, commentSQL(dst, p.now())); err != nil {
		// The clone exists; a missing comment only degrades listing order.
		p.logger.Warn("stamp creation time failed", "event", "clone_comment_failed", "name", dst, "error", err)
	}
	p.logger.Debug("environment cloned", "event", "clone", "src", src, "dst", dst)
	return nil
}

// DropEnvironment runs DROP DATABASE ... WITH (FORCE), terminating sessions.
func (p *Platform) DropEnvironment(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	if _, err := p.admin.Exec(ctx, dropSQL(name)); err != nil {
		return fmt.Errorf("drop %s: %w", name, mapError(name, err))
	}
	p.logger.Debug("environment dropped", "event", "drop", "name", name)
	return nil
}

// EnvironmentExists checks pg_database.
func (p *Platform) EnvironmentExists(ctx context.Context, name string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`
	var exists bool
	if err := p.admin.QueryRow(ctx, query, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s: %w", name, err)
	}
	return exists, nil
}

// ListEnvironments lists non-template databases whose name starts with prefix.
func (p *Platform) ListEnvironments(ctx context.Context, prefix string) ([]platform.Listing, error) {
	const query = `SELECT d.datname, COALESCE(shobj_description(d.oid, 'pg_database'), '')
		FROM pg_database d
		WHERE NOT d.datistemplate AND starts_with(d.datname, $1)
		ORDER BY d.datname ASC`
	rows, err := p.admin.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	listings := []platform.Listing{}
	for rows.Next() {
		var name, comment string
		if err := rows.Scan(&name, &comment); err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		listings = append(listings, platform.Listing{Name: name, CreatedAt: parseComment(comment)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate environments: %w", err)
	}
	return listings, nil
}

// CountRelations counts tables and views outside the system schemas.
func (p *Platform) CountRelations(ctx context.Context, env string) (int, error) {
	rels, err := p.ListRelations(ctx, env)
	if err != nil {
		return 0, err
	}
	return len(rels), nil
}

// ListRelations returns schema.name for every table and view outside the system schemas.
func (p *Platform) ListRelations(ctx context.Context, env string) ([]string, error) {
	conn, err := p.connect(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer conn.Close(ctx)

	const query = `SELECT table_schema || '.' || table_name
		FROM information_schema.tables
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		  AND table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY 1 ASC`
	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list relations in %s: %w", env, err)
	}
	rels, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect relations: %w", err)
	}
	if rels == nil {
		rels = []string{}
	}
	return rels, nil
}

// ListCatalogColumns reads information_schema.columns for base tables.
func (p *Platform) ListCatalogColumns(ctx context.Context, env string, excludeSchemas []string) ([]platform.CatalogColumn, error) {
	conn, err := p.connect(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("list catalog columns: %w", err)
	}
	defer conn.Close(ctx)

	if excludeSchemas == nil {
		excludeSchemas = []string{}
	}
	const query = `SELECT c.table_schema, c.table_name, c.column_name, c.data_type
		FROM information_schema.columns c
		JOIN information_schema.tables t
		  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE t.table_type = 'BASE TABLE' AND NOT (c.table_schema = ANY($1))
		ORDER BY c.table_schema, c.table_name, c.ordinal_position`
	rows, err := conn.Query(ctx, query, excludeSchemas)
	if err != nil {
		return nil, fmt.Errorf("query catalog of %s: %w", env, err)
	}
	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (platform.CatalogColumn, error) {
		var c platform.CatalogColumn
		err := row.Scan(&c.Schema, &c.Table, &c.Column, &c.DataType)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect catalog columns: %w", err)
	}
	if cols == nil {
		cols = []platform.CatalogColumn{}
	}
	return cols, nil
}

// CountRows counts values of one column matching pred.
func (p *Platform) CountRows(ctx context.Context, env string, pred platform.Predicate) (int64, error) {
	if err := pred.Validate(); err != nil {
		return 0, err
	}
	conn, err := p.connect(ctx, env)
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	defer conn.Close(ctx)

	query, args := countSQL(pred)
	var n int64
	if err := conn.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", tableRef(pred), err)
	}
	return n, nil
}

// ExecuteUpdate masks matching values with a single UPDATE.
func (p *Platform) ExecuteUpdate(ctx context.Context, env string, pred platform.Predicate, rw platform.Rewrite) (int64, error) {
	if err := pred.Validate(); err != nil {
		return 0, err
	}
	if err := rw.Validate(); err != nil {
		return 0, err
	}
	conn, err := p.connect(ctx, env)
	if err != nil {
		return 0, fmt.Errorf("execute update: %w", err)
	}
	defer conn.Close(ctx)

	query, args := updateSQL(pred, rw)
	tag, err := conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", tableRef(pred), err)
	}
	return tag.RowsAffected(), nil
}

func mapError(env string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeInvalidCatalogName:
			return fmt.Errorf("%s: %w", env, platform.ErrNotFound)
		case codeDuplicateDatabase:
			return fmt.Errorf("%s: %w", env, platform.ErrExists)
		}
	}
	return err
}

func parseComment(comment string) time.Time {
	raw, ok := strings.CutPrefix(comment, commentPrefix)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

var _ platform.Platform = (*Platform)(nil)
