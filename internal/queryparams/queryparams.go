// Package queryparams turns the query string of an incoming HTTP request
// into the already-parsed fragments the Statement Builder and FK Resolver
// expect, honoring the parameter names of spec.md §6 (columns, where,
// group_by, order_by, distinct, conflict_action, conflict_target,
// returning_columns, confirm_delete, is_returning_columns) rather than
// PostgREST's select/order naming.
//
// Grounded on pkg/rest/query.go's parseQueryParams and
// pkg/rest/order_by.go's parseOrderParam, adapted to parse straight into
// sqlfrag.ParsedFragment values instead of a bespoke FilterParam/OrderParam
// tree, since internal/sqlfrag already carries its own dotted-identifier
// bookkeeping.
package queryparams

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/kaibyao/pgrest/internal/compileerr"
	"github.com/kaibyao/pgrest/internal/sqlfrag"
)

// DefaultLimit and DefaultOffset are spec.md §6's stated GET defaults.
const (
	DefaultLimit  = 10000
	DefaultOffset = 0
)

// SelectParams is the parsed form of every query parameter GET /{table}
// recognizes. Columns is nil exactly when the client omitted the columns
// parameter, which tells the Request Adapter to return an introspection
// response instead of issuing SQL (spec §4.5).
type SelectParams struct {
	Columns  *sqlfrag.ParsedFragment
	Distinct *sqlfrag.ParsedFragment
	Where    *sqlfrag.ParsedFragment
	GroupBy  *sqlfrag.ParsedFragment
	OrderBy  *sqlfrag.ParsedFragment
	Limit    int
	Offset   int
}

// ParseSelect parses GET's recognized query parameters.
func ParseSelect(r *http.Request) (SelectParams, error) {
	q := r.URL.Query()
	var out SelectParams
	var err error

	if v := q.Get("columns"); v != "" {
		if out.Columns, err = sqlfrag.Parse(v, sqlfrag.ColumnList); err != nil {
			return SelectParams{}, err
		}
	}
	if v := q.Get("distinct"); v != "" {
		if out.Distinct, err = sqlfrag.Parse(v, sqlfrag.ColumnList); err != nil {
			return SelectParams{}, err
		}
	}
	if v := q.Get("where"); v != "" {
		if out.Where, err = sqlfrag.Parse(v, sqlfrag.Expression); err != nil {
			return SelectParams{}, err
		}
	}
	if v := q.Get("group_by"); v != "" {
		if out.GroupBy, err = sqlfrag.Parse(v, sqlfrag.ColumnList); err != nil {
			return SelectParams{}, err
		}
	}
	if v := q.Get("order_by"); v != "" {
		if out.OrderBy, err = sqlfrag.Parse(v, sqlfrag.OrderList); err != nil {
			return SelectParams{}, err
		}
	}

	if out.Limit, err = parseIntDefault(q.Get("limit"), DefaultLimit); err != nil {
		return SelectParams{}, err
	}
	if out.Offset, err = parseIntDefault(q.Get("offset"), DefaultOffset); err != nil {
		return SelectParams{}, err
	}
	return out, nil
}

// WriteParams is the parsed form of POST /{table}'s query parameters.
type WriteParams struct {
	ConflictAction   string
	ConflictTarget   []string
	ReturningColumns []string
}

// ParseWrite parses POST's recognized query parameters. None of them can
// fail to parse on their own; querybuilder.BuildInsert rejects invalid
// combinations.
func ParseWrite(r *http.Request) WriteParams {
	q := r.URL.Query()
	return WriteParams{
		ConflictAction:   q.Get("conflict_action"),
		ConflictTarget:   splitCSV(q.Get("conflict_target")),
		ReturningColumns: splitCSV(q.Get("returning_columns")),
	}
}

// MutateParams is the parsed form of PUT and DELETE's query parameters.
// ConfirmDelete is only meaningful on DELETE; PUT handlers ignore it.
type MutateParams struct {
	Where            *sqlfrag.ParsedFragment
	ReturningColumns []string
	ConfirmDelete    bool
}

// ParseMutate parses PUT/DELETE's recognized query parameters.
func ParseMutate(r *http.Request) (MutateParams, error) {
	q := r.URL.Query()
	var out MutateParams
	if v := q.Get("where"); v != "" {
		pf, err := sqlfrag.Parse(v, sqlfrag.Expression)
		if err != nil {
			return MutateParams{}, err
		}
		out.Where = pf
	}
	out.ReturningColumns = splitCSV(q.Get("returning_columns"))
	out.ConfirmDelete = parseBool(q.Get("confirm_delete"))
	return out, nil
}

// SQLParams is the parsed form of POST /sql's query parameters.
type SQLParams struct {
	IsReturningColumns bool
}

// ParseSQL parses /sql's recognized query parameters.
func ParseSQL(r *http.Request) SQLParams {
	return SQLParams{IsReturningColumns: parseBool(r.URL.Query().Get("is_returning_columns"))}
}

func parseIntDefault(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, compileerr.New(compileerr.SyntaxError, "invalid integer %q", v)
	}
	return n, nil
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
