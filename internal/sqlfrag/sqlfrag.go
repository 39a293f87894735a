// Package sqlfrag is the SQL Fragment Parser. It accepts the four
// fragment shapes the specification names — expression, column list,
// order list, assignment list — by prepending a synthetic prefix that
// turns the client-supplied fragment into a complete statement, handing
// that to github.com/pganalyze/pg_query_go/v5 (a real binding onto
// PostgreSQL's own grammar), and walking the resulting parse tree.
//
// Grounded on pkg/x/pgcache/pgcache.go's use of pg_query.ParseToJSON: this
// package works against the JSON rendering of the parse tree rather than
// the generated protobuf structs directly (see DESIGN.md for why), which
// makes identifier extraction a generic recursive walk instead of a
// hand-written visitor for every node type in the grammar. Byte offsets
// recorded by the parser let the FK Resolver's rewrite map be applied by
// textual splice, without needing a round-trip through Deparse.
package sqlfrag

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"

	"github.com/kaibyao/pgrest/internal/compileerr"
)

// Shape identifies which of the four fragment grammars a client-supplied
// string is parsed as.
type Shape int

const (
	Expression Shape = iota
	ColumnList
	OrderList
	AssignmentList
)

func (s Shape) String() string {
	switch s {
	case Expression:
		return "expression"
	case ColumnList:
		return "column_list"
	case OrderList:
		return "order_list"
	case AssignmentList:
		return "assignment_list"
	default:
		return "unknown"
	}
}

// singleIdentifierRE matches a single unqualified identifier.
var singleIdentifierRE = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// dottedIdentifierRE matches a dotted path of two or more segments.
var dottedIdentifierRE = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)+$`)

// ValidIdentifier reports whether s is a bare identifier or a dotted path
// of such identifiers, per spec §3/§4.3.
func ValidIdentifier(s string) bool {
	return singleIdentifierRE.MatchString(s) || dottedIdentifierRE.MatchString(s)
}

// Identifier is one dotted-path occurrence found anywhere in a parsed
// fragment, located by byte offset within the fragment's own text (not
// the synthetic wrapped statement).
type Identifier struct {
	Path  string
	Start int
	End   int
}

// ColumnElement is one item of a ColumnList fragment: a dotted path plus
// its optional explicit alias.
type ColumnElement struct {
	Path  string
	Alias string // "" if no AS alias was given
}

// OrderElement is one item of an OrderList fragment.
type OrderElement struct {
	Path       string
	Descending bool
	NullsFirst bool
	NullsSet   bool // whether NULLS FIRST/LAST was explicit
}

// AssignmentElement is one item of an AssignmentList fragment: a target
// column name and its value, which is either a literal string constant
// or an expression containing dotted identifiers to be rewritten.
type AssignmentElement struct {
	Column      string
	IsLiteral   bool
	LiteralText string // valid when IsLiteral
}

// ParsedFragment is the specification's Parsed Fragment: the underlying
// SQL plus, for shapes with a notion of element, a parallel list of
// (original_label, optional alias)-equivalent structures.
type ParsedFragment struct {
	Shape       Shape
	Text        string // the fragment exactly as the client wrote it
	Identifiers []Identifier
	Columns     []ColumnElement     // populated for ColumnList
	Order       []OrderElement      // populated for OrderList
	Assignments []AssignmentElement // populated for AssignmentList
}

const (
	exprPrefix   = "SELECT * FROM _ WHERE "
	colListPre   = "SELECT "
	colListPost  = " FROM _"
	orderPrefix  = "SELECT * FROM _ ORDER BY "
	assignPrefix = "UPDATE _ SET "
)

// Parse parses fragment as shape and returns the structured result, or a
// *compileerr.Error (SyntaxError, UnsupportedFeature, or InvalidIdentifier)
// describing why it was rejected.
func Parse(fragment string, shape Shape) (*ParsedFragment, error) {
	if strings.TrimSpace(fragment) == "" {
		return nil, compileerr.New(compileerr.SyntaxError, "empty %s fragment", shape)
	}

	var wrapped string
	var prefixLen int
	switch shape {
	case Expression:
		wrapped = exprPrefix + fragment
		prefixLen = len(exprPrefix)
	case ColumnList:
		wrapped = colListPre + fragment + colListPost
		prefixLen = len(colListPre)
	case OrderList:
		wrapped = orderPrefix + fragment
		prefixLen = len(orderPrefix)
	case AssignmentList:
		wrapped = assignPrefix + fragment
		prefixLen = len(assignPrefix)
	default:
		return nil, compileerr.New(compileerr.SyntaxError, "unknown fragment shape")
	}

	rawJSON, err := pg_query.ParseToJSON(wrapped)
	if err != nil {
		return nil, compileerr.Wrap(compileerr.SyntaxError, err, "cannot parse %s fragment", shape).
			WithOffset(offsetFromParseError(err.Error(), prefixLen))
	}

	var tree map[string]any
	if err := json.Unmarshal([]byte(rawJSON), &tree); err != nil {
		return nil, compileerr.Wrap(compileerr.SyntaxError, err, "cannot decode parse tree")
	}

	stmts, _ := tree["stmts"].([]any)
	if len(stmts) == 0 {
		return nil, compileerr.New(compileerr.SyntaxError, "empty %s fragment", shape)
	}
	if len(stmts) > 1 {
		return nil, compileerr.New(compileerr.UnsupportedFeature, "fragment contains multiple statements")
	}

	rawStmt, _ := stmts[0].(map[string]any)
	stmtNode, _ := rawStmt["stmt"].(map[string]any)
	if stmtNode == nil {
		return nil, compileerr.New(compileerr.SyntaxError, "empty %s fragment", shape)
	}

	if err := rejectUnsupported(stmtNode, shape); err != nil {
		return nil, err
	}

	pf := &ParsedFragment{Shape: shape, Text: fragment}
	pf.Identifiers = collectIdentifiers(stmtNode, prefixLen, len(wrapped))

	switch shape {
	case ColumnList:
		selStmt, _ := firstValue(stmtNode, "SelectStmt").(map[string]any)
		pf.Columns, err = extractColumnElements(selStmt, prefixLen)
	case OrderList:
		selStmt, _ := firstValue(stmtNode, "SelectStmt").(map[string]any)
		pf.Order, err = extractOrderElements(selStmt)
	case AssignmentList:
		updStmt, _ := firstValue(stmtNode, "UpdateStmt").(map[string]any)
		pf.Assignments, err = extractAssignments(updStmt, prefixLen, wrapped)
	}
	if err != nil {
		return nil, err
	}

	for _, id := range pf.Identifiers {
		if !ValidIdentifier(id.Path) {
			return nil, compileerr.New(compileerr.InvalidIdentifier, "invalid identifier %q", id.Path).WithPath(id.Path)
		}
	}

	return pf, nil
}

// firstValue returns node[key]; pg_query's JSON renders a Node as a
// single-key map {"<NodeType>": {...}}, so key is the node type looked for.
func firstValue(node map[string]any, key string) any {
	return node[key]
}

// offsetFromParseError tries to recover a byte offset from libpg_query's
// error text ("syntax error at or near ... at character N") and rebases
// it onto the fragment's own coordinates. Best-effort: returns 0 when the
// message doesn't carry a recognizable offset.
func offsetFromParseError(msg string, prefixLen int) int {
	const marker = "at character "
	idx := strings.LastIndex(msg, marker)
	if idx < 0 {
		return 0
	}
	rest := msg[idx+len(marker):]
	var n int
	if _, err := fmt.Sscanf(rest, "%d", &n); err != nil {
		return 0
	}
	n -= prefixLen + 1 // libpg_query character positions are 1-based
	if n < 0 {
		n = 0
	}
	return n
}

// rejectUnsupported walks the statement looking for grammar the
// specification explicitly disallows: BETWEEN, bit-string literals, and
// (for predicate shapes) subqueries.
func rejectUnsupported(node map[string]any, shape Shape) error {
	var found *compileerr.Error
	walk(node, func(key string, m map[string]any) {
		if found != nil {
			return
		}
		switch key {
		case "A_Expr":
			if kind, _ := m["kind"].(string); kind == "AEXPR_BETWEEN" || kind == "AEXPR_NOT_BETWEEN" ||
				kind == "AEXPR_BETWEEN_SYM" || kind == "AEXPR_NOT_BETWEEN_SYM" {
				found = compileerr.New(compileerr.UnsupportedFeature, "BETWEEN is not supported")
			}
		case "A_Const":
			if _, ok := m["bsval"]; ok {
				found = compileerr.New(compileerr.UnsupportedFeature, "bit-string literals are not supported")
			}
		case "SubLink":
			if shape == Expression {
				found = compileerr.New(compileerr.UnsupportedFeature, "subqueries are not supported in this position")
			}
		case "RangeSubselect":
			found = compileerr.New(compileerr.UnsupportedFeature, "subqueries are not supported in this position")
		}
	})
	if found != nil {
		return found
	}
	return nil
}

// walk visits every (nodeType, fields) pair anywhere in a decoded
// pg_query JSON tree. pg_query renders each AST node as a single-key map
// {"NodeType": {...fields}}; walk calls visit once per such map it finds,
// at any depth, then continues into its fields and slices.
func walk(node any, visit func(key string, m map[string]any)) {
	switch v := node.(type) {
	case map[string]any:
		for k, val := range v {
			if m, ok := val.(map[string]any); ok {
				visit(k, m)
			}
			walk(val, visit)
		}
	case []any:
		for _, item := range v {
			walk(item, visit)
		}
	}
}

// collectIdentifiers finds every ColumnRef in the subtree and rebases its
// location onto the fragment's own text (a negative result is clamped to
// 0; no upper bound is checked, and wrappedLen is not used), skipping any
// reference that is a bare wildcard ("*").
func collectIdentifiers(node any, prefixLen, wrappedLen int) []Identifier {
	var out []Identifier
	walk(node, func(key string, m map[string]any) {
		if key != "ColumnRef" {
			return
		}
		path, ok := columnRefPath(m)
		if !ok {
			return
		}
		loc := intField(m, "location")
		start := loc - prefixLen
		if start < 0 {
			start = 0
		}
		end := start + len(path)
		out = append(out, Identifier{Path: path, Start: start, End: end})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// columnRefPath reconstructs the dotted path named by a ColumnRef node's
// "fields" list, skipping (and rejecting as non-identifier) the "*"
// wildcard marker A_Star.
func columnRefPath(m map[string]any) (string, bool) {
	fields, _ := m["fields"].([]any)
	segs := make([]string, 0, len(fields))
	for _, f := range fields {
		fm, ok := f.(map[string]any)
		if !ok {
			continue
		}
		if _, isStar := fm["A_Star"]; isStar {
			return "", false
		}
		strNode, _ := fm["String"].(map[string]any)
		if strNode == nil {
			continue
		}
		if s, ok := stringField(strNode, "sval", "str"); ok {
			segs = append(segs, s)
		}
	}
	if len(segs) == 0 {
		return "", false
	}
	return strings.Join(segs, "."), true
}

// ApplyRewrite splices rewrite[id.Path] in place of each identifier's
// original text in fragment, processing in reverse byte-offset order so
// earlier offsets stay valid as later ones are replaced. Identifiers with
// no entry in rewrite are left untouched, which is never expected to
// happen for a fully-resolved fkresolve.Result but is not itself an error
// here — that's the caller's concern.
func ApplyRewrite(fragment string, identifiers []Identifier, rewrite map[string]string) string {
	ordered := make([]Identifier, len(identifiers))
	copy(ordered, identifiers)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start > ordered[j].Start })

	out := fragment
	for _, id := range ordered {
		replacement, ok := rewrite[id.Path]
		if !ok {
			continue
		}
		if id.Start < 0 || id.End > len(out) || id.Start > id.End {
			continue
		}
		out = out[:id.Start] + replacement + out[id.End:]
	}
	return out
}

func stringField(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k].(string); ok {
			return v, true
		}
	}
	return "", false
}

func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		if v, ok := m[k].(float64); ok {
			return int(v)
		}
	}
	return 0
}

// extractColumnElements reads SelectStmt.targetList, matching each
// ResTarget against the already-collected identifier list by textual
// position so the original dotted label survives even when the client
// wrote an explicit alias.
func extractColumnElements(selStmt map[string]any, prefixLen int) ([]ColumnElement, error) {
	if selStmt == nil {
		return nil, compileerr.New(compileerr.SyntaxError, "empty column list")
	}
	targets, _ := selStmt["targetList"].([]any)
	elems := make([]ColumnElement, 0, len(targets))
	for _, t := range targets {
		tm, _ := t.(map[string]any)
		rt, _ := tm["ResTarget"].(map[string]any)
		if rt == nil {
			return nil, compileerr.New(compileerr.SyntaxError, "unsupported column list element")
		}
		val, _ := rt["val"].(map[string]any)
		colRef, _ := val["ColumnRef"].(map[string]any)
		if colRef == nil {
			return nil, compileerr.New(compileerr.UnsupportedFeature, "column list elements must be plain column references")
		}
		path, ok := columnRefPath(colRef)
		if !ok {
			return nil, compileerr.New(compileerr.UnsupportedFeature, "column list may not use '*'")
		}
		alias, _ := rt["name"].(string)
		elems = append(elems, ColumnElement{Path: path, Alias: alias})
	}
	return elems, nil
}

// extractOrderElements reads SelectStmt.sortClause and maps pg_query's enum
// string rendering of each SortBy's direction and nulls placement onto our
// boolean flags; absence means the grammar's default (ascending, and
// PostgreSQL's per-direction default nulls ordering).
func extractOrderElements(selStmt map[string]any) ([]OrderElement, error) {
	if selStmt == nil {
		return nil, compileerr.New(compileerr.SyntaxError, "empty order list")
	}
	sortClause, _ := selStmt["sortClause"].([]any)
	elems := make([]OrderElement, 0, len(sortClause))
	for _, s := range sortClause {
		sm, _ := s.(map[string]any)
		sb, _ := sm["SortBy"].(map[string]any)
		if sb == nil {
			return nil, compileerr.New(compileerr.SyntaxError, "unsupported order list element")
		}
		node, _ := sb["node"].(map[string]any)
		colRef, _ := node["ColumnRef"].(map[string]any)
		if colRef == nil {
			return nil, compileerr.New(compileerr.UnsupportedFeature, "order list elements must be plain column references")
		}
		path, ok := columnRefPath(colRef)
		if !ok {
			return nil, compileerr.New(compileerr.UnsupportedFeature, "order list may not use '*'")
		}

		dir, _ := stringField(sb, "sortbyDir", "sortby_dir")
		nulls, hasNulls := stringField(sb, "sortbyNulls", "sortby_nulls")

		elems = append(elems, OrderElement{
			Path:       path,
			Descending: dir == "SORTBY_DESC",
			NullsFirst: nulls == "SORTBY_NULLS_FIRST",
			NullsSet:   hasNulls && nulls != "SORTBY_NULLS_DEFAULT",
		})
	}
	return elems, nil
}

// extractAssignments reads UpdateStmt.targetList. A target's value is a
// literal when its expression is a bare A_Const string with no nested
// ColumnRef; otherwise it's marked non-literal, and its expression text is
// not recorded here (its identifiers are in ParsedFragment.Identifiers).
// prefixLen and wrapped are not used.
func extractAssignments(updStmt map[string]any, prefixLen int, wrapped string) ([]AssignmentElement, error) {
	if updStmt == nil {
		return nil, compileerr.New(compileerr.SyntaxError, "empty assignment list")
	}
	targets, _ := updStmt["targetList"].([]any)
	elems := make([]AssignmentElement, 0, len(targets))
	for _, t := range targets {
		tm, _ := t.(map[string]any)
		rt, _ := tm["ResTarget"].(map[string]any)
		if rt == nil {
			return nil, compileerr.New(compileerr.SyntaxError, "unsupported assignment list element")
		}
		name, _ := rt["name"].(string)
		if name == "" || !singleIdentifierRE.MatchString(name) {
			return nil, compileerr.New(compileerr.InvalidIdentifier, "invalid assignment target %q", name)
		}
		val, _ := rt["val"].(map[string]any)

		hasColumnRef := false
		walk(val, func(key string, _ map[string]any) {
			if key == "ColumnRef" {
				hasColumnRef = true
			}
		})

		if !hasColumnRef {
			if lit, ok := val["A_Const"].(map[string]any); ok {
				if sval, ok := lit["sval"].(map[string]any); ok {
					if s, ok := stringField(sval, "sval", "str"); ok {
						elems = append(elems, AssignmentElement{Column: name, IsLiteral: true, LiteralText: s})
						continue
					}
				}
			}
		}

		elems = append(elems, AssignmentElement{Column: name})
	}
	return elems, nil
}
