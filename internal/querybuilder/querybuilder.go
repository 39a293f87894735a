// Package querybuilder is the Statement Builder: five pure functions,
// one per CRUD operation plus the raw-SQL escape hatch, each turning a
// catalog.TableStats, a resolved fkresolve.Result, and a set of already
// -parsed request fragments into a (sql, params, labels) triple ready for
// the connection pool. No function here talks to the database or touches
// an http.Request; pkg/restapi owns both of those.
//
// Grounded on pkg/rest/query.go's buildSelectQuery/buildInsertQuery/
// buildUpdateQuery/buildDeleteQuery, generalized to thread a join list and
// already-rewritten identifiers through instead of assuming a single flat
// table.
package querybuilder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kaibyao/pgrest/internal/catalog"
	"github.com/kaibyao/pgrest/internal/compileerr"
	"github.com/kaibyao/pgrest/internal/fkresolve"
	"github.com/kaibyao/pgrest/internal/sqlfrag"
)

// DefaultLimit is applied when a SELECT's limit option is zero or negative.
const DefaultLimit = 10000

// Plan is the specification's Query Plan, trimmed to what execution needs:
// the finished SQL text, its positional parameters, and (when rows are
// expected back) the JSON labels in column order. WantRows distinguishes
// a mutating statement with no RETURNING (envelope: {"num_rows": N}) from
// one that returns rows; Labels is nil until a row-returning plan either
// names its columns (every builder but BuildRawSQL) or defers to the
// driver's own field descriptions (BuildRawSQL).
type Plan struct {
	SQL      string
	Params   []any
	Labels   []string
	WantRows bool
}

// CollectIdentifiers gathers every dotted path referenced across a set of
// already-parsed fragments, in first-occurrence order, for the caller to
// hand to fkresolve.Resolve before calling any Build* function. Nil
// fragments are ignored so callers can pass optional fragments directly.
func CollectIdentifiers(fragments ...*sqlfrag.ParsedFragment) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}
	for _, pf := range fragments {
		if pf == nil {
			continue
		}
		switch pf.Shape {
		case sqlfrag.ColumnList:
			for _, c := range pf.Columns {
				add(c.Path)
			}
		case sqlfrag.OrderList:
			for _, o := range pf.Order {
				add(o.Path)
			}
		default:
			for _, id := range pf.Identifiers {
				add(id.Path)
			}
		}
	}
	return out
}

// ValueIdentifiers scans an UPDATE body for string values that are
// themselves dotted foreign-key paths (per the specification's
// `{"name": "team_id.coach_id.name"}` example), for inclusion in the
// identifier set resolved before BuildUpdate runs. A bare single-segment
// value is never treated as an identifier reference here — it is
// indistinguishable from a plain text value that happens to match a
// column name, so the specification's dotted-path convention is taken as
// the deliberate signal rather than any valid identifier shape.
func ValueIdentifiers(values map[string]any) []string {
	var out []string
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if strings.Contains(s, ".") && sqlfrag.ValidIdentifier(s) {
			out = append(out, s)
		}
	}
	return out
}

// ReturningIdentifiers filters a returning_columns list down to the
// entries that are dotted foreign-key paths, for inclusion in the
// identifier set resolved before BuildUpdate/BuildDelete run. BuildInsert
// never calls this: its RETURNING list may not contain dotted paths at
// all, and rejects any that do.
func ReturningIdentifiers(columns []string) []string {
	var out []string
	for _, c := range columns {
		if strings.Contains(c, ".") {
			out = append(out, c)
		}
	}
	return out
}

// SelectInput is BuildSelect's request-params argument. Columns is
// required; the Request Adapter is responsible for calling Introspect
// directly, without ever constructing a SelectInput, when the client sent
// no `columns` parameter at all (per spec §4.5, introspection issues no
// SQL).
type SelectInput struct {
	Columns  *sqlfrag.ParsedFragment
	Distinct *sqlfrag.ParsedFragment
	Where    *sqlfrag.ParsedFragment
	GroupBy  *sqlfrag.ParsedFragment
	OrderBy  *sqlfrag.ParsedFragment
	Limit    int
	Offset   int
}

// BuildSelect compiles a SELECT against fk.Root's table and fk.Joins.
func BuildSelect(stats *catalog.TableStats, fk *fkresolve.Result, in SelectInput) (*Plan, error) {
	if in.Columns == nil {
		return nil, compileerr.New(compileerr.SyntaxError, "BuildSelect requires a parsed columns list; use Introspect when columns is absent")
	}

	exprs, labels := buildProjection(in.Columns, fk)
	if len(exprs) == 0 {
		return nil, compileerr.New(compileerr.SyntaxError, "columns list must name at least one column")
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if in.Distinct != nil && len(in.Distinct.Columns) > 0 {
		b.WriteString("DISTINCT ON (")
		b.WriteString(strings.Join(buildColumnListExprs(in.Distinct, fk), ", "))
		b.WriteString(") ")
	}
	b.WriteString(strings.Join(exprs, ", "))
	fmt.Fprintf(&b, " FROM %s AS %s", quoteIdent(stats.Table), fk.Root.Alias)
	writeJoins(&b, fk.Joins)

	if in.Where != nil {
		b.WriteString(" WHERE ")
		b.WriteString(rewriteExpression(in.Where, fk))
	}
	if in.GroupBy != nil && len(in.GroupBy.Columns) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(buildColumnListExprs(in.GroupBy, fk), ", "))
	}
	if in.OrderBy != nil && len(in.OrderBy.Order) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(buildOrderBy(in.OrderBy, fk))
	}

	limit := in.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	offset := in.Offset
	if offset < 0 {
		offset = 0
	}
	fmt.Fprintf(&b, " LIMIT %d OFFSET %d", limit, offset)

	return &Plan{SQL: b.String(), Labels: labels, WantRows: true}, nil
}

// InsertInput is BuildInsert's request-params argument. Rows is the
// decoded JSON body array; ReturningColumns and ConflictTarget are plain
// (non-dotted) column names, since neither RETURNING nor ON CONFLICT on
// an INSERT can join (spec §4.5).
type InsertInput struct {
	Rows             []map[string]any
	ConflictAction   string // "", "nothing", or "update"
	ConflictTarget   []string
	ReturningColumns []string
}

// BuildInsert compiles a multi-row INSERT. The column list is the union
// of keys across every row, in alphabetical order for determinism; a row
// missing a key emits NULL for that column rather than being rejected.
func BuildInsert(stats *catalog.TableStats, in InsertInput) (*Plan, error) {
	if len(in.Rows) == 0 {
		return nil, compileerr.New(compileerr.SyntaxError, "insert body must contain at least one row")
	}

	colSet := make(map[string]bool)
	for _, row := range in.Rows {
		for col := range row {
			colSet[col] = true
		}
	}
	cols := make([]string, 0, len(colSet))
	for col := range colSet {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		if !stats.HasColumn(col) {
			return nil, compileerr.New(compileerr.UnknownColumn, "unknown column %q", col).WithPath(col)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", quoteIdent(stats.Table), joinIdents(cols))

	var params []any
	for r, row := range in.Rows {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for i, col := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			params = append(params, row[col])
			fmt.Fprintf(&b, "$%d", len(params))
		}
		b.WriteString(")")
	}

	switch in.ConflictAction {
	case "":
	case "nothing":
		b.WriteString(" ON CONFLICT")
		if len(in.ConflictTarget) > 0 {
			fmt.Fprintf(&b, " (%s)", joinIdents(in.ConflictTarget))
		}
		b.WriteString(" DO NOTHING")
	case "update":
		if len(in.ConflictTarget) == 0 {
			return nil, compileerr.New(compileerr.SyntaxError, "conflict_target is required when conflict_action=update")
		}
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET ", joinIdents(in.ConflictTarget))
		first := true
		for _, col := range cols {
			if containsStr(in.ConflictTarget, col) {
				continue
			}
			if !first {
				b.WriteString(", ")
			}
			first = false
			fmt.Fprintf(&b, "%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col))
		}
	default:
		return nil, compileerr.New(compileerr.SyntaxError, "unknown conflict_action %q", in.ConflictAction)
	}

	plan := &Plan{SQL: "", Params: params}
	if len(in.ReturningColumns) > 0 {
		for _, col := range in.ReturningColumns {
			if strings.Contains(col, ".") {
				return nil, compileerr.New(compileerr.UnsupportedFeature, "RETURNING may not use dotted foreign-key paths on INSERT").WithPath(col)
			}
			if !stats.HasColumn(col) {
				return nil, compileerr.New(compileerr.UnknownColumn, "unknown column %q", col).WithPath(col)
			}
		}
		fmt.Fprintf(&b, " RETURNING %s", joinIdents(in.ReturningColumns))
		plan.Labels = in.ReturningColumns
		plan.WantRows = true
	}
	plan.SQL = b.String()
	return plan, nil
}

// UpdateInput is BuildUpdate's request-params argument. Values is the
// decoded JSON body; per spec §4.5, each value is either a plain scalar
// (bound as a parameter) or a dotted foreign-key path naming the source
// of the new value (rewritten through fk.Rewrite, never parameterized).
type UpdateInput struct {
	Values           map[string]any
	Where            *sqlfrag.ParsedFragment
	ReturningColumns []string
}

// BuildUpdate compiles an UPDATE. When fk.Joins is non-empty the
// statement takes the `UPDATE ... SET ... FROM <joins> WHERE <join
// predicate> [AND (...)]` shape the specification requires for updates
// whose WHERE or RETURNING fragment crosses a foreign key.
func BuildUpdate(stats *catalog.TableStats, fk *fkresolve.Result, in UpdateInput) (*Plan, error) {
	if len(in.Values) == 0 {
		return nil, compileerr.New(compileerr.SyntaxError, "update body must set at least one column")
	}

	cols := make([]string, 0, len(in.Values))
	for col := range in.Values {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	setClauses := make([]string, 0, len(cols))
	var params []any
	for _, col := range cols {
		if !stats.HasColumn(col) {
			return nil, compileerr.New(compileerr.UnknownColumn, "unknown column %q", col).WithPath(col)
		}
		val := in.Values[col]
		if s, ok := val.(string); ok && strings.Contains(s, ".") && sqlfrag.ValidIdentifier(s) {
			rewritten, ok := fk.Rewrite[s]
			if !ok {
				return nil, compileerr.New(compileerr.UnknownForeignKey, "unresolved identifier %q", s).WithPath(s)
			}
			setClauses = append(setClauses, fmt.Sprintf("%s = %s", quoteIdent(col), rewritten))
			continue
		}
		params = append(params, val)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", quoteIdent(col), len(params)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s AS %s SET %s", quoteIdent(stats.Table), fk.Root.Alias, strings.Join(setClauses, ", "))
	writeFromJoinPredicate(&b, fk.Joins, in.Where, fk)

	plan := &Plan{SQL: "", Params: params}
	if len(in.ReturningColumns) > 0 {
		exprs, labels, err := returningProjection(stats, fk, in.ReturningColumns)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, " RETURNING %s", strings.Join(exprs, ", "))
		plan.Labels = labels
		plan.WantRows = true
	}
	plan.SQL = b.String()
	return plan, nil
}

// DeleteInput is BuildDelete's request-params argument.
type DeleteInput struct {
	ConfirmDelete    bool
	Where            *sqlfrag.ParsedFragment
	ReturningColumns []string
}

// BuildDelete compiles a DELETE. ConfirmDelete being false is a boundary
// error (spec §4.5), reported before anything else is validated.
func BuildDelete(stats *catalog.TableStats, fk *fkresolve.Result, in DeleteInput) (*Plan, error) {
	if !in.ConfirmDelete {
		return nil, compileerr.New(compileerr.ConfirmationRequired, "confirm_delete is required for table row deletion")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "DELETE FROM %s AS %s", quoteIdent(stats.Table), fk.Root.Alias)
	writeUsingJoinPredicate(&b, fk.Joins, in.Where, fk)

	plan := &Plan{SQL: ""}
	if len(in.ReturningColumns) > 0 {
		exprs, labels, err := returningProjection(stats, fk, in.ReturningColumns)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, " RETURNING %s", strings.Join(exprs, ", "))
		plan.Labels = labels
		plan.WantRows = true
	}
	plan.SQL = b.String()
	return plan, nil
}

// BuildRawSQL wraps the client's literal SQL text unmodified: no
// rewriting, no FK resolution, exactly the specification's escape hatch.
// wantRows mirrors the `is_returning_columns` query parameter; when false
// the adapter reports only the affected row count.
func BuildRawSQL(sql string, wantRows bool) (*Plan, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, compileerr.New(compileerr.SyntaxError, "empty SQL statement")
	}
	return &Plan{SQL: sql, WantRows: wantRows}, nil
}

// returningProjection builds a RETURNING list for UPDATE/DELETE, where
// (unlike INSERT) dotted paths are permitted because the statement already
// has the join product available via its FROM/USING clause.
func returningProjection(stats *catalog.TableStats, fk *fkresolve.Result, columns []string) ([]string, []string, error) {
	exprs := make([]string, 0, len(columns))
	labels := make([]string, 0, len(columns))
	for _, col := range columns {
		rewritten, ok := fk.Rewrite[col]
		if !ok {
			if !stats.HasColumn(col) {
				return nil, nil, compileerr.New(compileerr.UnknownColumn, "unknown column %q", col).WithPath(col)
			}
			rewritten = fk.Root.Alias + "." + col
		}
		exprs = append(exprs, rewritten+" AS "+quoteIdent(col))
		labels = append(labels, col)
	}
	return exprs, labels, nil
}

func writeJoins(b *strings.Builder, joins []fkresolve.Join) {
	for _, j := range joins {
		fmt.Fprintf(b, " INNER JOIN %s AS %s ON %s.%s = %s.%s",
			quoteIdent(j.Table), j.Alias,
			j.ParentAlias, quoteIdent(j.ReferringColumn),
			j.Alias, quoteIdent(j.ColumnReferred))
	}
}

// writeFromJoinPredicate emits UPDATE's `FROM <tables> WHERE <join
// predicate> [AND (<where>)]` tail, or a plain WHERE when there are no
// joins at all.
func writeFromJoinPredicate(b *strings.Builder, joins []fkresolve.Join, where *sqlfrag.ParsedFragment, fk *fkresolve.Result) {
	if len(joins) == 0 {
		if where != nil {
			b.WriteString(" WHERE ")
			b.WriteString(rewriteExpression(where, fk))
		}
		return
	}
	fromParts := make([]string, 0, len(joins))
	whereParts := make([]string, 0, len(joins))
	for _, j := range joins {
		fromParts = append(fromParts, fmt.Sprintf("%s AS %s", quoteIdent(j.Table), j.Alias))
		whereParts = append(whereParts, fmt.Sprintf("%s.%s = %s.%s", j.ParentAlias, quoteIdent(j.ReferringColumn), j.Alias, quoteIdent(j.ColumnReferred)))
	}
	fmt.Fprintf(b, " FROM %s WHERE %s", strings.Join(fromParts, ", "), strings.Join(whereParts, " AND "))
	if where != nil {
		b.WriteString(" AND (")
		b.WriteString(rewriteExpression(where, fk))
		b.WriteString(")")
	}
}

// writeUsingJoinPredicate is writeFromJoinPredicate's DELETE counterpart:
// the join product is named via USING rather than FROM.
func writeUsingJoinPredicate(b *strings.Builder, joins []fkresolve.Join, where *sqlfrag.ParsedFragment, fk *fkresolve.Result) {
	if len(joins) == 0 {
		if where != nil {
			b.WriteString(" WHERE ")
			b.WriteString(rewriteExpression(where, fk))
		}
		return
	}
	usingParts := make([]string, 0, len(joins))
	whereParts := make([]string, 0, len(joins))
	for _, j := range joins {
		usingParts = append(usingParts, fmt.Sprintf("%s AS %s", quoteIdent(j.Table), j.Alias))
		whereParts = append(whereParts, fmt.Sprintf("%s.%s = %s.%s", j.ParentAlias, quoteIdent(j.ReferringColumn), j.Alias, quoteIdent(j.ColumnReferred)))
	}
	fmt.Fprintf(b, " USING %s WHERE %s", strings.Join(usingParts, ", "), strings.Join(whereParts, " AND "))
	if where != nil {
		b.WriteString(" AND (")
		b.WriteString(rewriteExpression(where, fk))
		b.WriteString(")")
	}
}

// buildProjection turns a ColumnList ParsedFragment into SELECT-list
// expressions and their parallel JSON labels, deduplicating only exact
// (path, label) repeats so two differently-aliased references to the same
// dotted path still each get their own projected column.
func buildProjection(pf *sqlfrag.ParsedFragment, fk *fkresolve.Result) ([]string, []string) {
	seen := make(map[string]bool)
	var exprs, labels []string
	for _, c := range pf.Columns {
		label := c.Alias
		if label == "" {
			label = c.Path
		}
		key := c.Path + "\x00" + label
		if seen[key] {
			continue
		}
		seen[key] = true
		exprs = append(exprs, fk.Rewrite[c.Path]+" AS "+quoteIdent(label))
		labels = append(labels, label)
	}
	return exprs, labels
}

func buildColumnListExprs(pf *sqlfrag.ParsedFragment, fk *fkresolve.Result) []string {
	exprs := make([]string, 0, len(pf.Columns))
	for _, c := range pf.Columns {
		exprs = append(exprs, fk.Rewrite[c.Path])
	}
	return exprs
}

func buildOrderBy(pf *sqlfrag.ParsedFragment, fk *fkresolve.Result) string {
	parts := make([]string, 0, len(pf.Order))
	for _, o := range pf.Order {
		expr := fk.Rewrite[o.Path]
		if o.Descending {
			expr += " DESC"
		} else {
			expr += " ASC"
		}
		if o.NullsSet {
			if o.NullsFirst {
				expr += " NULLS FIRST"
			} else {
				expr += " NULLS LAST"
			}
		}
		parts = append(parts, expr)
	}
	return strings.Join(parts, ", ")
}

func rewriteExpression(pf *sqlfrag.ParsedFragment, fk *fkresolve.Result) string {
	return sqlfrag.ApplyRewrite(pf.Text, pf.Identifiers, fk.Rewrite)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func joinIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func containsStr(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// ColumnInfo is one column of an Introspection response.
type ColumnInfo struct {
	Name       string `json:"name"`
	SQLType    string `json:"sql_type"`
	IsNullable bool   `json:"is_nullable"`
}

// ForeignKeyInfo is one outgoing reference of an Introspection response.
type ForeignKeyInfo struct {
	Columns         []string `json:"columns"`
	ReferredTable   string   `json:"referred_table"`
	ReferredColumns []string `json:"referred_columns"`
}

// IncomingReferenceInfo is one incoming reference of an Introspection
// response.
type IncomingReferenceInfo struct {
	ReferringTable  string `json:"referring_table"`
	ReferringColumn string `json:"referring_column"`
	Column          string `json:"column"`
}

// Introspection is what BuildSelect's caller returns in place of running
// any SQL when the client sent no `columns` parameter (spec §4.5).
type Introspection struct {
	Table        string                  `json:"table"`
	Columns      []ColumnInfo            `json:"columns"`
	PrimaryKey   []string                `json:"primary_key"`
	References   []ForeignKeyInfo        `json:"references"`
	ReferencedBy []IncomingReferenceInfo `json:"referenced_by"`
}

// Introspect derives an Introspection directly from Table Stats.
func Introspect(stats *catalog.TableStats) Introspection {
	cols := make([]ColumnInfo, 0, len(stats.Columns))
	for _, c := range stats.Columns {
		cols = append(cols, ColumnInfo{Name: c.Name, SQLType: c.SQLType, IsNullable: c.IsNullable})
	}
	refs := make([]ForeignKeyInfo, 0, len(stats.References))
	for _, r := range stats.References {
		refs = append(refs, ForeignKeyInfo{Columns: r.Columns, ReferredTable: r.ReferredTable, ReferredColumns: r.ReferredColumns})
	}
	refBy := make([]IncomingReferenceInfo, 0, len(stats.ReferencedBy))
	for _, r := range stats.ReferencedBy {
		refBy = append(refBy, IncomingReferenceInfo{ReferringTable: r.ReferringTable, ReferringColumn: r.ReferringColumn, Column: r.Column})
	}
	return Introspection{
		Table:        stats.Table,
		Columns:      cols,
		PrimaryKey:   stats.PrimaryKey,
		References:   refs,
		ReferencedBy: refBy,
	}
}
