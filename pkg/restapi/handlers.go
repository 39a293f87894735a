package restapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kaibyao/pgrest/internal/catalog"
	"github.com/kaibyao/pgrest/internal/compileerr"
	"github.com/kaibyao/pgrest/internal/fkresolve"
	"github.com/kaibyao/pgrest/internal/metrics"
	"github.com/kaibyao/pgrest/internal/querybuilder"
	"github.com/kaibyao/pgrest/internal/queryparams"
	"github.com/kaibyao/pgrest/internal/rowdecode"
	"github.com/kaibyao/pgrest/internal/sqlfrag"
	"github.com/kaibyao/pgrest/pkg/httputil"
)

// registerHandlers wires every route spec §6 lists under the configured
// scope ("/api" by default). The cache-reset route is only served when
// the operator opted into it, per spec §6's configuration table; otherwise
// its path answers 404 instead of falling through to POST /{table}.
func (s *Server) registerHandlers() {
	api := s.router.Group(s.cfg.scopeName())
	api.Handle("GET /", http.HandlerFunc(s.handleIndex))
	api.Handle("GET /{table}", http.HandlerFunc(s.handleSelect))
	api.Handle("POST /{table}", http.HandlerFunc(s.handleInsert))
	api.Handle("PUT /{table}", http.HandlerFunc(s.handleUpdate))
	api.Handle("DELETE /{table}", http.HandlerFunc(s.handleDelete))
	api.Handle("POST /sql", http.HandlerFunc(s.handleRawSQL))
	if s.cfg.IsCacheResetEndpointEnabled {
		api.Handle("POST /reset_table_stats_cache", http.HandlerFunc(s.handleResetCache))
	} else {
		api.Handle("POST /reset_table_stats_cache", http.NotFoundHandler())
	}
}

// handleIndex lists every base table reachable from the search path, per
// spec §6's "GET / — list of endpoints".
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	tables, err := catalog.ListTables(r.Context(), s.pool)
	if err != nil {
		writeError(w, wrapDBError(err))
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]any{"tables": tables})
}

// handleSelect serves GET /{table}: a SELECT when `columns` is present,
// or a catalog introspection response issuing no SQL at all when it is
// absent (spec §4.5).
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	table := r.PathValue("table")
	if err := validateTableName(table); err != nil {
		writeError(w, err)
		return
	}

	params, err := queryparams.ParseSelect(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if params.Columns == nil {
		stats, err := s.fetchStats(ctx, table)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.JSON(w, http.StatusOK, querybuilder.Introspect(stats))
		return
	}

	identifiers := querybuilder.CollectIdentifiers(params.Columns, params.Distinct, params.Where, params.GroupBy, params.OrderBy)
	fk, err := fkresolve.Resolve(ctx, s.stats, table, identifiers, fkresolve.DefaultMaxDepth)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.fetchStats(ctx, table)
	if err != nil {
		writeError(w, err)
		return
	}

	plan, err := querybuilder.BuildSelect(stats, fk, querybuilder.SelectInput{
		Columns:  params.Columns,
		Distinct: params.Distinct,
		Where:    params.Where,
		GroupBy:  params.GroupBy,
		OrderBy:  params.OrderBy,
		Limit:    params.Limit,
		Offset:   params.Offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.execute(w, r, plan, "select")
}

// handleInsert serves POST /{table}. INSERT never joins, so it validates
// the table directly through fetchStats rather than fkresolve.Resolve,
// matching querybuilder.BuildInsert's signature (no fkresolve.Result
// argument at all).
func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	table := r.PathValue("table")
	if err := validateTableName(table); err != nil {
		writeError(w, err)
		return
	}

	rows, err := decodeInsertBody(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}

	stats, err := s.fetchStats(ctx, table)
	if err != nil {
		writeError(w, err)
		return
	}

	write := queryparams.ParseWrite(r)
	plan, err := querybuilder.BuildInsert(stats, querybuilder.InsertInput{
		Rows:             rows,
		ConflictAction:   write.ConflictAction,
		ConflictTarget:   write.ConflictTarget,
		ReturningColumns: write.ReturningColumns,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.execute(w, r, plan, "insert")
}

// handleUpdate serves PUT /{table}.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	table := r.PathValue("table")
	if err := validateTableName(table); err != nil {
		writeError(w, err)
		return
	}

	var values map[string]any
	if err := decodeJSONBody(r.Body, &values); err != nil {
		writeError(w, err)
		return
	}

	mutate, err := queryparams.ParseMutate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	identifiers := querybuilder.CollectIdentifiers(mutate.Where)
	identifiers = append(identifiers, querybuilder.ValueIdentifiers(values)...)
	identifiers = append(identifiers, querybuilder.ReturningIdentifiers(mutate.ReturningColumns)...)

	fk, err := fkresolve.Resolve(ctx, s.stats, table, identifiers, fkresolve.DefaultMaxDepth)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.fetchStats(ctx, table)
	if err != nil {
		writeError(w, err)
		return
	}

	plan, err := querybuilder.BuildUpdate(stats, fk, querybuilder.UpdateInput{
		Values:           values,
		Where:            mutate.Where,
		ReturningColumns: mutate.ReturningColumns,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.execute(w, r, plan, "update")
}

// handleDelete serves DELETE /{table}. confirm_delete is checked by
// querybuilder.BuildDelete itself; the handler only needs to thread it
// through.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	table := r.PathValue("table")
	if err := validateTableName(table); err != nil {
		writeError(w, err)
		return
	}

	mutate, err := queryparams.ParseMutate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	identifiers := querybuilder.CollectIdentifiers(mutate.Where)
	identifiers = append(identifiers, querybuilder.ReturningIdentifiers(mutate.ReturningColumns)...)

	fk, err := fkresolve.Resolve(ctx, s.stats, table, identifiers, fkresolve.DefaultMaxDepth)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.fetchStats(ctx, table)
	if err != nil {
		writeError(w, err)
		return
	}

	plan, err := querybuilder.BuildDelete(stats, fk, querybuilder.DeleteInput{
		ConfirmDelete:    mutate.ConfirmDelete,
		Where:            mutate.Where,
		ReturningColumns: mutate.ReturningColumns,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.execute(w, r, plan, "delete")
}

// handleRawSQL serves POST /sql: the client's literal statement,
// unparsed and unresolved, per spec §4.5's escape hatch.
func (s *Server) handleRawSQL(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, compileerr.Wrap(compileerr.SyntaxError, err, "reading request body"))
		return
	}

	sqlParams := queryparams.ParseSQL(r)
	plan, err := querybuilder.BuildRawSQL(string(body), sqlParams.IsReturningColumns)
	if err != nil {
		writeError(w, err)
		return
	}
	s.execute(w, r, plan, "sql")
}

// handleResetCache serves the optional POST /reset_table_stats_cache.
func (s *Server) handleResetCache(w http.ResponseWriter, r *http.Request) {
	s.stats.Reset()
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// execute runs plan against the pool and writes the response envelope
// spec §6 defines: an array of rows when the plan wants rows back,
// otherwise {"num_rows": N}. operation labels the query-duration metric
// (select, insert, update, delete, sql).
func (s *Server) execute(w http.ResponseWriter, r *http.Request, plan *querybuilder.Plan, operation string) {
	ctx := r.Context()
	start := time.Now()
	defer func() {
		metrics.QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	if !plan.WantRows {
		tag, err := s.pool.Exec(ctx, plan.SQL, plan.Params...)
		if err != nil {
			writeError(w, wrapDBError(err))
			return
		}
		httputil.JSON(w, http.StatusOK, map[string]int64{"num_rows": tag.RowsAffected()})
		return
	}

	rows, err := s.pool.Query(ctx, plan.SQL, plan.Params...)
	if err != nil {
		writeError(w, wrapDBError(err))
		return
	}
	defer rows.Close()

	labels := plan.Labels
	if labels == nil {
		labels = fieldLabels(rows)
	}

	results, err := rowdecode.DecodeRows(rows, labels)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, results)
}

// fieldLabels derives JSON labels from the driver's own field
// descriptions, for BuildRawSQL's plans, which leave Plan.Labels nil
// since the client's literal SQL text determines the result columns.
func fieldLabels(rows pgx.Rows) []string {
	fields := rows.FieldDescriptions()
	labels := make([]string, len(fields))
	for i, fd := range fields {
		labels[i] = fd.Name
	}
	return labels
}

// validateTableName rejects a {table} path value containing anything
// outside the identifier alphabet before it ever reaches the catalog,
// per spec §7's InvalidIdentifier kind. A dotted path is not a valid
// table name even though sqlfrag.ValidIdentifier accepts one, so a bare
// single-segment check is layered on top.
func validateTableName(table string) error {
	if table == "" || strings.Contains(table, ".") || !sqlfrag.ValidIdentifier(table) {
		return compileerr.New(compileerr.InvalidIdentifier, "invalid table name %q", table)
	}
	return nil
}

func decodeJSONBody(body io.Reader, dst any) error {
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return compileerr.Wrap(compileerr.SyntaxError, err, "decoding request body")
	}
	return nil
}

// decodeInsertBody accepts either a single JSON object or an array of
// objects, matching the multi-row shape querybuilder.InsertInput.Rows
// expects (spec §4.5: "a single row is a one-element array of rows").
func decodeInsertBody(body io.Reader) ([]map[string]any, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, compileerr.Wrap(compileerr.SyntaxError, err, "reading request body")
	}

	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err == nil {
		return rows, nil
	}

	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, compileerr.Wrap(compileerr.SyntaxError, err, "decoding request body")
	}
	return []map[string]any{row}, nil
}
