// Package discovery classifies catalog columns that probably hold personal
// data, using column-name markers and declared types only.
//
// Row values are never read. Every Discover call queries the catalog again;
// nothing is cached, since the schema of a target changes with each refresh.
package discovery

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/envsync/internal/model"
	"github.com/roach88/envsync/internal/platform"
)

// DefaultMarkers are the column-name substrings that flag a column.
var DefaultMarkers = []string{"EMAIL", "CONTACT", "MAIL"}

// DefaultExcludedSchemas are the catalog's own reflection schemas.
var DefaultExcludedSchemas = []string{"information_schema", "pg_catalog", "pg_toast"}

// textualTypes are declared types, normalized by normalizeType, that hold text.
var textualTypes = map[string]bool{
	"TEXT":                       true,
	"TINYTEXT":                   true,
	"MEDIUMTEXT":                 true,
	"LONGTEXT":                   true,
	"NTEXT":                      true,
	"VARCHAR":                    true,
	"VARCHAR2":                   true,
	"NVARCHAR":                   true,
	"NVARCHAR2":                  true,
	"CHAR":                       true,
	"NCHAR":                      true,
	"CHARACTER":                  true,
	"CHARACTER VARYING":          true,
	"NATIONAL CHARACTER":         true,
	"NATIONAL CHARACTER VARYING": true,
	"VARYING CHARACTER":          true,
	"NATIVE CHARACTER":           true,
	"STRING":                     true,
	"CLOB":                       true,
	"NCLOB":                      true,
	"CITEXT":                     true,
}

// Discoverer scans one platform's catalogs.
//
// Thread-safety: Discoverer is safe for concurrent use.
type Discoverer struct {
	platform platform.Platform
	markers  []marker
	excluded []string
	logger   *slog.Logger
}

type marker struct {
	name   string
	folded string
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithMarkers replaces the marker substrings. Empty markers are ignored.
func WithMarkers(markers ...string) Option {
	return func(d *Discoverer) {
		d.markers = d.markers[:0]
		for _, m := range markers {
			if strings.TrimSpace(m) == "" {
				continue
			}
			d.markers = append(d.markers, marker{name: m, folded: fold(m)})
		}
	}
}

// WithExcludedSchemas replaces the excluded schema set.
func WithExcludedSchemas(schemas ...string) Option {
	return func(d *Discoverer) { d.excluded = slices.Clone(schemas) }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Discoverer) { d.logger = l }
}

// New creates a Discoverer with the default markers and exclusions.
func New(p platform.Platform, opts ...Option) *Discoverer {
	d := &Discoverer{
		platform: p,
		excluded: slices.Clone(DefaultExcludedSchemas),
		logger:   slog.Default(),
	}
	WithMarkers(DefaultMarkers...)(d)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Markers returns the configured marker substrings.
func (d *Discoverer) Markers() []string {
	out := make([]string, len(d.markers))
	for i, m := range d.markers {
		out[i] = m.name
	}
	return out
}

// Discover returns the sensitive columns of target as a lazy sequence.
// The catalog is read when iteration starts. A catalog error is yielded once
// and ends the sequence.
func (d *Discoverer) Discover(ctx context.Context, target string) iter.Seq2[model.ColumnClassification, error] {
	return func(yield func(model.ColumnClassification, error) bool) {
		cols, err := d.platform.ListCatalogColumns(ctx, target, d.excluded)
		if err != nil {
			yield(model.ColumnClassification{}, fmt.Errorf("discover %s: %w", target, err))
			return
		}
		d.logger.Debug("catalog scanned", "event", "discovery_scan", "target", target, "columns", len(cols))

		for _, col := range cols {
			if d.isExcluded(col.Schema) {
				continue
			}
			c, ok := d.Classify(col)
			if !ok {
				continue
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Classify reports whether one catalog column is sensitive.
func (d *Discoverer) Classify(col platform.CatalogColumn) (model.ColumnClassification, bool) {
	if !IsTextual(col.DataType) {
		return model.ColumnClassification{}, false
	}
	name := fold(col.Column)
	for _, m := range d.markers {
		if strings.Contains(name, m.folded) {
			return model.ColumnClassification{
				Schema:   col.Schema,
				Table:    col.Table,
				Column:   col.Column,
				DataType: col.DataType,
				Reason:   fmt.Sprintf("name contains %q", m.name),
			}, true
		}
	}
	return model.ColumnClassification{}, false
}

func (d *Discoverer) isExcluded(schema string) bool {
	folded := fold(schema)
	for _, s := range d.excluded {
		if fold(s) == folded {
			return true
		}
	}
	return false
}

// IsTextual reports whether a declared type holds text. Length and
// precision arguments are ignored: VARCHAR(320) is textual.
func IsTextual(declared string) bool {
	return textualTypes[normalizeType(declared)]
}

func normalizeType(declared string) string {
	t := strings.ToUpper(strings.TrimSpace(declared))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return strings.Join(strings.Fields(t), " ")
}

// fold normalizes to NFC and applies Unicode case folding, so composed and
// decomposed spellings of a name compare equal. A Caser holds state, so each
// call gets its own.
func fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[model.ColumnClassification, error]) ([]model.ColumnClassification, error) {
	out := []model.ColumnClassification{}
	for c, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
