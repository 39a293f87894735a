// Package catalog talks to information_schema and pg_catalog to describe
// a table: its columns, primary key, and foreign keys in both directions.
// It holds no state and does no caching; internal/statscache sits in
// front of it for that. Grounded on the introspection queries in
// pkg/pgx/schema/schema.go, reshaped around the Table Stats model from
// the specification (adds ReferencedBy and groups multi-column foreign
// keys by constraint name).
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pg "github.com/kaibyao/pgrest/pkg/pgx"
)

// ErrNotFound is returned when the requested table does not exist in any
// non-system schema reachable from the search path.
var ErrNotFound = errors.New("catalog: table not found")

// Column describes one column of a table as seen by the query compiler.
type Column struct {
	Name       string
	SQLType    string // canonical lower-case Postgres type name (e.g. "int4", "numeric")
	IsNullable bool
}

// ForeignKeyConstraint is one outgoing FOREIGN KEY constraint. Columns and
// ReferredColumns are parallel slices; for a simple FK both have length 1.
// The FK Resolver only ever walks the one Columns/ReferredColumns pair that
// matches a given referring column (see ColumnFor), but the full constraint
// is retained so composite FKs are classified correctly per spec §4.4 step 6.
type ForeignKeyConstraint struct {
	Name            string
	Columns         []string
	ReferredTable   string
	ReferredColumns []string
}

// ColumnFor returns the referred column paired with referringCol in this
// constraint, and whether referringCol is part of it at all.
func (fk ForeignKeyConstraint) ColumnFor(referringCol string) (string, bool) {
	for i, c := range fk.Columns {
		if c == referringCol {
			return fk.ReferredColumns[i], true
		}
	}
	return "", false
}

// IncomingReference is one foreign key on some other table that points at
// this table.
type IncomingReference struct {
	ReferringTable  string
	ReferringColumn string
	Column          string // the column on this table being referenced
}

// TableStats is the subset of catalog information the compiler needs to
// build SQL against one table.
type TableStats struct {
	Table        string
	Columns      []Column
	PrimaryKey   []string
	References   []ForeignKeyConstraint
	ReferencedBy []IncomingReference
}

// HasColumn reports whether name is a column of the table.
func (t *TableStats) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Column returns the named column and whether it exists.
func (t *TableStats) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ReferenceFor returns the outgoing foreign key constraint whose Columns
// includes referringCol, and the referred column paired with it.
func (t *TableStats) ReferenceFor(referringCol string) (ForeignKeyConstraint, string, bool) {
	for _, fk := range t.References {
		if referred, ok := fk.ColumnFor(referringCol); ok {
			return fk, referred, true
		}
	}
	return ForeignKeyConstraint{}, "", false
}

// FetchTableStats checks that table exists, then issues the three fixed
// introspection queries against the live catalog and assembles a
// TableStats for table. table must already be
// validated as [A-Za-z0-9_]+ by the caller; this function still uses bind
// parameters for every catalog predicate.
func FetchTableStats(ctx context.Context, conn pg.Conn, table string) (*TableStats, error) {
	exists, err := tableExists(ctx, conn, table)
	if err != nil {
		return nil, fmt.Errorf("catalog: check table exists: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	cols, pk, err := fetchColumns(ctx, conn, table)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch columns: %w", err)
	}

	refs, err := fetchOutgoingReferences(ctx, conn, table)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch foreign keys: %w", err)
	}

	refBy, err := fetchIncomingReferences(ctx, conn, table)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch incoming references: %w", err)
	}

	return &TableStats{
		Table:        table,
		Columns:      cols,
		PrimaryKey:   pk,
		References:   refs,
		ReferencedBy: refBy,
	}, nil
}

// ListTables enumerates base tables on the search path, grounded on the
// original Rust implementation's get_all_tables (table_api.rs) and used by
// the "list of endpoints" root route.
func ListTables(ctx context.Context, conn pg.Conn) ([]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = ANY (current_schemas(false))
		  AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func tableExists(ctx context.Context, conn pg.Conn, table string) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = ANY (current_schemas(false))
			  AND table_name = $1
			  AND table_type = 'BASE TABLE'
		)`, table).Scan(&exists)
	return exists, err
}

func fetchColumns(ctx context.Context, conn pg.Conn, table string) ([]Column, []string, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			c.column_name,
			c.udt_name,
			c.is_nullable = 'YES',
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage kcu
					ON tc.constraint_name = kcu.constraint_name
					AND tc.table_schema = kcu.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY'
					AND tc.table_schema = ANY (current_schemas(false))
					AND tc.table_name = $1
					AND kcu.column_name = c.column_name
			) AS is_primary_key
		FROM information_schema.columns c
		WHERE c.table_schema = ANY (current_schemas(false)) AND c.table_name = $1
		ORDER BY c.ordinal_position`, table)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var cols []Column
	var pk []string
	for rows.Next() {
		var col Column
		var isPK bool
		if err := rows.Scan(&col.Name, &col.SQLType, &col.IsNullable, &isPK); err != nil {
			return nil, nil, err
		}
		col.SQLType = strings.TrimPrefix(col.SQLType, "_")
		cols = append(cols, col)
		if isPK {
			pk = append(pk, col.Name)
		}
	}
	return cols, pk, rows.Err()
}

// fetchOutgoingReferences pairs each referring key_column_usage row with
// the referred key's column (through referential_constraints), groups the
// rows by constraint_name so that multi-column foreign keys are represented
// as a single ForeignKeyConstraint per spec §4.4 step 6, rather than one row
// per column pair as the teacher's queryForeignKeys does.
func fetchOutgoingReferences(ctx context.Context, conn pg.Conn, table string) ([]ForeignKeyConstraint, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			tc.constraint_name,
			kcu.column_name,
			kcu.ordinal_position,
			ccu.table_name AS referred_table,
			ccu.column_name AS referred_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.referential_constraints rc
			ON rc.constraint_name = tc.constraint_name
			AND rc.constraint_schema = tc.constraint_schema
		JOIN information_schema.key_column_usage ccu
			ON ccu.constraint_name = rc.unique_constraint_name
			AND ccu.constraint_schema = rc.unique_constraint_schema
			AND ccu.ordinal_position = kcu.position_in_unique_constraint
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = ANY (current_schemas(false))
			AND tc.table_name = $1
		ORDER BY tc.constraint_name, kcu.ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	order := make([]string, 0, 4)
	byName := make(map[string]*ForeignKeyConstraint)
	for rows.Next() {
		var name, col, referredTable, referredCol string
		var pos int
		if err := rows.Scan(&name, &col, &pos, &referredTable, &referredCol); err != nil {
			return nil, err
		}
		fk, ok := byName[name]
		if !ok {
			fk = &ForeignKeyConstraint{Name: name, ReferredTable: referredTable}
			byName[name] = fk
			order = append(order, name)
		}
		fk.Columns = append(fk.Columns, col)
		fk.ReferredColumns = append(fk.ReferredColumns, referredCol)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ForeignKeyConstraint, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out, nil
}

func fetchIncomingReferences(ctx context.Context, conn pg.Conn, table string) ([]IncomingReference, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			tc.table_name AS referring_table,
			kcu.column_name AS referring_column,
			ccu.column_name AS column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.referential_constraints rc
			ON rc.constraint_name = tc.constraint_name
			AND rc.constraint_schema = tc.constraint_schema
		JOIN information_schema.key_column_usage ccu
			ON ccu.constraint_name = rc.unique_constraint_name
			AND ccu.constraint_schema = rc.unique_constraint_schema
			AND ccu.ordinal_position = kcu.position_in_unique_constraint
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = ANY (current_schemas(false))
			AND ccu.table_name = $1
		ORDER BY tc.table_name, kcu.ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []IncomingReference
	for rows.Next() {
		var ref IncomingReference
		if err := rows.Scan(&ref.ReferringTable, &ref.ReferringColumn, &ref.Column); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
