package sqlite

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fixture describes environments to create, with their tables and rows.
//
// Example:
//
//	environments:
//	  - name: prod
//	    tables:
//	      - name: users
//	        columns:
//	          - {name: id, type: INTEGER}
//	          - {name: email, type: TEXT}
//	        rows:
//	          - [1, alice@example.com]
type Fixture struct {
	Environments []FixtureEnvironment `yaml:"environments"`
}

// FixtureEnvironment is one environment in a fixture.
type FixtureEnvironment struct {
	Name   string         `yaml:"name"`
	Tables []FixtureTable `yaml:"tables"`
	Views  []FixtureView  `yaml:"views,omitempty"`
}

// FixtureTable is one table and its rows.
type FixtureTable struct {
	Name    string          `yaml:"name"`
	Columns []FixtureColumn `yaml:"columns"`
	Rows    [][]any         `yaml:"rows,omitempty"`
}

// FixtureColumn is one column definition.
type FixtureColumn struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// FixtureView is a view defined by a SELECT statement.
type FixtureView struct {
	Name   string `yaml:"name"`
	Select string `yaml:"select"`
}

// LoadFixture reads a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()
	return DecodeFixture(f)
}

// DecodeFixture decodes a fixture strictly: unknown fields are errors.
func DecodeFixture(r io.Reader) (*Fixture, error) {
	var fx Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	if err := fx.Validate(); err != nil {
		return nil, err
	}
	return &fx, nil
}

// Validate checks names are present and rows fit their tables.
func (fx *Fixture) Validate() error {
	seen := map[string]bool{}
	for i, env := range fx.Environments {
		if env.Name == "" {
			return fmt.Errorf("environments[%d]: name is required", i)
		}
		if seen[env.Name] {
			return fmt.Errorf("environments[%d]: duplicate environment %q", i, env.Name)
		}
		seen[env.Name] = true
		for j, tbl := range env.Tables {
			if tbl.Name == "" || len(tbl.Columns) == 0 {
				return fmt.Errorf("%s.tables[%d]: name and columns are required", env.Name, j)
			}
			for k, row := range tbl.Rows {
				if len(row) != len(tbl.Columns) {
					return fmt.Errorf("%s.%s.rows[%d]: has %d values, table has %d columns",
						env.Name, tbl.Name, k, len(row), len(tbl.Columns))
				}
			}
		}
	}
	return nil
}

// Seed creates every environment in the fixture. Existing environments are an error.
func (p *Platform) Seed(ctx context.Context, fx *Fixture) error {
	for _, env := range fx.Environments {
		if err := p.CreateEnvironment(ctx, env.Name); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		if err := p.populate(ctx, env); err != nil {
			return fmt.Errorf("seed %s: %w", env.Name, err)
		}
		p.logger.Info("environment seeded", "event", "seed", "name", env.Name, "tables", len(env.Tables))
	}
	return nil
}

func (p *Platform) populate(ctx context.Context, env FixtureEnvironment) error {
	db, err := p.open(env.Name, "rw")
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, tbl := range env.Tables {
		defs := make([]string, len(tbl.Columns))
		marks := make([]string, len(tbl.Columns))
		for i, c := range tbl.Columns {
			defs[i] = strings.TrimSpace(quoteIdent(c.Name) + " " + c.Type)
			marks[i] = "?"
		}
		ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(tbl.Name), strings.Join(defs, ", "))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", tbl.Name, err)
		}

		insert := fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(tbl.Name), strings.Join(marks, ", "))
		for i, row := range tbl.Rows {
			if _, err := tx.ExecContext(ctx, insert, row...); err != nil {
				return fmt.Errorf("insert %s row %d: %w", tbl.Name, i, err)
			}
		}
	}
	for _, v := range env.Views {
		ddl := fmt.Sprintf("CREATE VIEW %s AS %s", quoteIdent(v.Name), v.Select)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create view %s: %w", v.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
