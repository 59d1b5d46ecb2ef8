package sqlite

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/envsync/internal/platform"
)

// mainSchema is the schema name SQLite gives the primary database.
const mainSchema = "main"

// CountRelations counts user tables and views.
func (p *Platform) CountRelations(ctx context.Context, env string) (int, error) {
	rels, err := p.ListRelations(ctx, env)
	if err != nil {
		return 0, err
	}
	return len(rels), nil
}

// ListRelations returns main.<name> for every user table and view, sorted.
func (p *Platform) ListRelations(ctx context.Context, env string) ([]string, error) {
	db, err := p.open(env, "ro")
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list relations in %s: %w", env, err)
	}
	defer rows.Close()

	rels := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		rels = append(rels, mainSchema+"."+name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relations: %w", err)
	}
	return rels, nil
}

// ListCatalogColumns walks pragma_table_info for every user table.
// SQLite has a single schema, main, which can itself be excluded.
func (p *Platform) ListCatalogColumns(ctx context.Context, env string, excludeSchemas []string) ([]platform.CatalogColumn, error) {
	cols := []platform.CatalogColumn{}
	if slices.Contains(excludeSchemas, mainSchema) {
		return cols, nil
	}

	db, err := p.open(env, "ro")
	if err != nil {
		return nil, fmt.Errorf("list catalog columns: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT m.name, c.name, c.type
		FROM sqlite_master AS m
		JOIN pragma_table_info(m.name) AS c
		WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite\_%' ESCAPE '\'
		ORDER BY m.name ASC, c.cid ASC`)
	if err != nil {
		return nil, fmt.Errorf("query catalog of %s: %w", env, err)
	}
	defer rows.Close()

	for rows.Next() {
		col := platform.CatalogColumn{Schema: mainSchema}
		if err := rows.Scan(&col.Table, &col.Column, &col.DataType); err != nil {
			return nil, fmt.Errorf("scan catalog column: %w", err)
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog columns: %w", err)
	}
	return cols, nil
}

// CountRows counts values of one column matching p.
func (p *Platform) CountRows(ctx context.Context, env string, pred platform.Predicate) (int64, error) {
	if err := pred.Validate(); err != nil {
		return 0, err
	}
	db, err := p.open(env, "ro")
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	defer db.Close()

	where, args := whereClause(pred)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", tableRef(pred), where)

	var n int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", tableRef(pred), err)
	}
	return n, nil
}

// ExecuteUpdate rewrites matching values in a single statement.
func (p *Platform) ExecuteUpdate(ctx context.Context, env string, pred platform.Predicate, rw platform.Rewrite) (int64, error) {
	if err := pred.Validate(); err != nil {
		return 0, err
	}
	if err := rw.Validate(); err != nil {
		return 0, err
	}
	db, err := p.open(env, "rw")
	if err != nil {
		return 0, fmt.Errorf("execute update: %w", err)
	}
	defer db.Close()

	col := quoteIdent(pred.Column)
	where, whereArgs := whereClause(pred)
	query := fmt.Sprintf("UPDATE %s SET %s = envsync_mask(%s, ?, ?, ?) WHERE %s",
		tableRef(pred), col, col, where)
	args := append([]any{rw.Token, int64(rw.VisiblePrefix), string(rw.Policy)}, whereArgs...)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", tableRef(pred), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func tableRef(pred platform.Predicate) string {
	schema := pred.Schema
	if schema == "" {
		schema = mainSchema
	}
	return quoteIdent(schema) + "." + quoteIdent(pred.Table)
}

func whereClause(pred platform.Predicate) (string, []any) {
	col := quoteIdent(pred.Column)
	switch pred.Kind {
	case platform.MatchContains:
		return fmt.Sprintf("instr(%s, ?) > 0", col), []any{pred.Value}
	default:
		return fmt.Sprintf("%s IS NOT NULL AND %s <> '' AND %s REGEXP ?", col, col, col), []any{platform.EmailPattern}
	}
}
