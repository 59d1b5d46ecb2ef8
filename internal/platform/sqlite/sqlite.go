// Package sqlite implements platform.Platform over a directory of SQLite
// database files, one file per environment.
//
// Cloning uses VACUUM INTO, which produces a consistent, compacted copy of a
// live database. Masking runs inside SQLite through two Go functions registered
// on every connection:
//
//   - regexp(pattern, value): backs the REGEXP operator with Go's regexp package
//   - envsync_mask(value, token, prefix, policy): applies platform.Rewrite
//
// Both sides therefore evaluate exactly the same email predicate and rewrite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/envsync/internal/platform"
)

// DriverName is the database/sql driver carrying the envsync SQL functions.
const DriverName = "sqlite3_envsync"

const fileExt = ".db"

var validName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

var registerOnce sync.Once

// register installs the envsync driver. Safe to call repeatedly.
func register() {
	registerOnce.Do(func() {
		sql.Register(DriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				if err := conn.RegisterFunc("regexp", regexpFunc, true); err != nil {
					return fmt.Errorf("register regexp: %w", err)
				}
				if err := conn.RegisterFunc("envsync_mask", maskFunc, true); err != nil {
					return fmt.Errorf("register envsync_mask: %w", err)
				}
				return nil
			},
		})
	})
}

var patternCache sync.Map // pattern string -> *regexp.Regexp

func regexpFunc(pattern string, value interface{}) (bool, error) {
	s, ok := value.(string)
	if !ok {
		return false, nil
	}
	cached, ok := patternCache.Load(pattern)
	if !ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		cached, _ = patternCache.LoadOrStore(pattern, re)
	}
	return cached.(*regexp.Regexp).MatchString(s), nil
}

func maskFunc(value interface{}, token string, prefix int64, policy string) interface{} {
	s, ok := value.(string)
	if !ok {
		return value
	}
	rw := platform.Rewrite{Token: token, VisiblePrefix: int(prefix), Policy: platform.ShortPolicy(policy)}
	return rw.Apply(s)
}

// Platform stores each environment as <root>/<name>.db.
//
// Thread-safety: Platform holds no per-environment state and is safe for
// concurrent use; SQLite's own locking serializes writers to one file.
type Platform struct {
	root   string
	logger *slog.Logger
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

// New returns a platform rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Platform, error) {
	register()
	if dir == "" {
		return nil, fmt.Errorf("sqlite platform: root directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root %q: %w", abs, err)
	}
	p := &Platform{root: abs, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Root returns the absolute directory holding environment files.
func (p *Platform) Root() string {
	return p.root
}

// Close is a no-op; connections are opened per call.
func (p *Platform) Close() error {
	return nil
}

func (p *Platform) path(name string) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("invalid environment name %q", name)
	}
	return filepath.Join(p.root, name+fileExt), nil
}

func (p *Platform) existingPath(name string) (string, error) {
	path, err := p.path(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", name, platform.ErrNotFound)
		}
		return "", fmt.Errorf("stat %s: %w", name, err)
	}
	return path, nil
}

// open connects to an existing environment. mode is "ro" or "rw"; neither creates files.
func (p *Platform) open(name, mode string) (*sql.DB, error) {
	path, err := p.existingPath(name)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(DriverName, fmt.Sprintf("file:%s?mode=%s&_busy_timeout=5000", path, mode))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// CloneEnvironment copies src into a new file for dst using VACUUM INTO.
func (p *Platform) CloneEnvironment(ctx context.Context, src, dst string) error {
	dstPath, err := p.path(dst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dstPath); err == nil {
		return fmt.Errorf("clone %s to %s: %w", src, dst, platform.ErrExists)
	}

	db, err := p.open(src, "ro")
	if err != nil {
		return fmt.Errorf("clone %s to %s: %w", src, dst, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "VACUUM INTO "+quoteLiteral(dstPath)); err != nil {
		removeFiles(dstPath)
		return fmt.Errorf("clone %s to %s: %w", src, dst, err)
	}
	p.logger.Debug("environment cloned", "event", "clone", "src", src, "dst", dst)
	return nil
}

// DropEnvironment deletes the environment file and its WAL side files.
func (p *Platform) DropEnvironment(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	path, err := p.existingPath(name)
	if err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	removeFiles(path+"-wal", path+"-shm")
	p.logger.Debug("environment dropped", "event", "drop", "name", name)
	return nil
}

// EnvironmentExists reports whether the environment file exists.
func (p *Platform) EnvironmentExists(ctx context.Context, name string) (bool, error) {
	_, err := p.existingPath(name)
	if errors.Is(err, platform.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ListEnvironments lists environment files whose name starts with prefix.
// CreatedAt is the file modification time.
func (p *Platform) ListEnvironments(ctx context.Context, prefix string) ([]platform.Listing, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}

	listings := []platform.Listing{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), fileExt)
		if !strings.HasPrefix(name, prefix) || !validName.MatchString(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Dropped between ReadDir and Info.
			continue
		}
		listings = append(listings, platform.Listing{Name: name, CreatedAt: info.ModTime().UTC()})
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].Name < listings[j].Name })
	return listings, nil
}

// CreateEnvironment creates an empty environment. Used by seeding and tests.
func (p *Platform) CreateEnvironment(ctx context.Context, name string) error {
	path, err := p.path(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("create %s: %w", name, platform.ErrExists)
	}
	db, err := sql.Open(DriverName, fmt.Sprintf("file:%s?mode=rwc", path))
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	return nil
}

func removeFiles(paths ...string) {
	for _, path := range paths {
		_ = os.Remove(path)
	}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

var _ platform.Platform = (*Platform)(nil)
