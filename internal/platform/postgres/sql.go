package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/envsync/internal/platform"
)

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name: %w", platform.ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%s is %d bytes, limit %d: %w", name, len(name), MaxNameLength, platform.ErrInvalidName)
	}
	return nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func cloneSQL(src, dst string) string {
	return fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s", ident(dst), ident(src))
}

func dropSQL(name string) string {
	return fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", ident(name))
}

// commentSQL stamps a database with its creation time. COMMENT takes no bind parameters.
func commentSQL(name string, created time.Time) string {
	return fmt.Sprintf("COMMENT ON DATABASE %s IS %s",
		ident(name), literal(commentPrefix+created.UTC().Format(time.RFC3339Nano)))
}

func tableRef(pred platform.Predicate) string {
	schema := pred.Schema
	if schema == "" {
		schema = "public"
	}
	return pgx.Identifier{schema, pred.Table}.Sanitize()
}

// where returns the predicate condition, numbering placeholders from first.
func where(pred platform.Predicate, first int) (string, []any) {
	col := ident(pred.Column)
	switch pred.Kind {
	case platform.MatchContains:
		return fmt.Sprintf("strpos(%s, $%d) > 0", col, first), []any{pred.Value}
	default:
		return fmt.Sprintf("%s IS NOT NULL AND %s <> '' AND %s ~ $%d", col, col, col, first),
			[]any{platform.EmailPattern}
	}
}

func countSQL(pred platform.Predicate) (string, []any) {
	cond, args := where(pred, 1)
	return fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", tableRef(pred), cond), args
}

// maskExpr renders platform.Rewrite.Apply in SQL. $1 is the token and $2 the
// visible prefix length.
func maskExpr(col string, policy platform.ShortPolicy) string {
	local := fmt.Sprintf("split_part(%s, '@', 1)", col)
	domain := fmt.Sprintf("substr(%s, strpos(%s, '@'))", col, col)
	short := "''"
	if policy == platform.ShortPrefix {
		short = fmt.Sprintf("left(%s, least($2::int, greatest(length(%s) - 1, 0)))", local, local)
	}
	return fmt.Sprintf("CASE WHEN length(%s) > $2::int THEN left(%s, $2::int) ELSE %s END || $1::text || %s",
		local, local, short, domain)
}

func updateSQL(pred platform.Predicate, rw platform.Rewrite) (string, []any) {
	col := ident(pred.Column)
	cond, condArgs := where(pred, 3)
	query := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s", tableRef(pred), col, maskExpr(col, rw.Policy), cond)
	args := append([]any{rw.Token, rw.VisiblePrefix}, condArgs...)
	return query, args
}
