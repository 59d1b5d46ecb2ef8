// Package platform defines the data platform collaborator: the system that
// physically holds environments and can clone, drop, and query them.
//
// The orchestrator never reaches around this interface. Implementations live in
// subpackages: sqlite (one database file per environment), postgres (one
// database per environment, cloned from a template), and platformtest (fault
// injection for tests).
package platform

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the named environment does not exist.
	ErrNotFound = errors.New("environment not found")

	// ErrExists indicates a clone destination is already taken.
	ErrExists = errors.New("environment already exists")

	// ErrInvalidName indicates a name the platform cannot represent exactly.
	ErrInvalidName = errors.New("invalid environment name")
)

// Platform is the set of primitives the orchestrator needs from the data platform.
//
// Every method honours ctx cancellation and deadlines; a cancelled clone must not
// leave a partially created destination behind.
type Platform interface {
	// CloneEnvironment creates dst as a full copy of src. dst must not exist.
	CloneEnvironment(ctx context.Context, src, dst string) error

	// DropEnvironment removes name and everything in it.
	DropEnvironment(ctx context.Context, name string) error

	// EnvironmentExists reports whether name is currently live.
	EnvironmentExists(ctx context.Context, name string) (bool, error)

	// ListEnvironments returns environments whose name starts with prefix,
	// ordered by name.
	ListEnvironments(ctx context.Context, prefix string) ([]Listing, error)

	// CountRelations returns the number of top-level tables and views in env.
	CountRelations(ctx context.Context, env string) (int, error)

	// ListRelations returns the qualified names of tables and views in env, sorted.
	ListRelations(ctx context.Context, env string) ([]string, error)

	// ListCatalogColumns returns every table column in env outside excludeSchemas.
	ListCatalogColumns(ctx context.Context, env string, excludeSchemas []string) ([]CatalogColumn, error)

	// CountRows counts rows of one column matching p.
	CountRows(ctx context.Context, env string, p Predicate) (int64, error)

	// ExecuteUpdate rewrites the column values matching p and returns the number
	// of rows the platform reports as updated.
	ExecuteUpdate(ctx context.Context, env string, p Predicate, rw Rewrite) (int64, error)

	// Close releases platform resources.
	Close() error
}

// Listing is one environment as reported by the platform.
type Listing struct {
	Name      string
	CreatedAt time.Time // Zero when the platform cannot tell
}

// CatalogColumn is one column of the platform's schema catalog.
type CatalogColumn struct {
	Schema   string
	Table    string
	Column   string
	DataType string
}
