package restapi

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kaibyao/pgrest/internal/compileerr"
	"github.com/kaibyao/pgrest/internal/metrics"
	"github.com/kaibyao/pgrest/pkg/httputil"
)

// errorEnvelope is spec §6's error response shape: {"error": "<kind>",
// "message": "<detail>"}. It is deliberately distinct from
// httputil.ErrorResponse, which is generic ambient infra shared by every
// service built on pkg/httputil, not this one API's own contract.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError renders err as the JSON error envelope, converting it to a
// *compileerr.Error first if it isn't one already.
func writeError(w http.ResponseWriter, err error) {
	var ce *compileerr.Error
	if !compileerr.As(err, &ce) {
		ce = wrapDBError(err)
	}
	metrics.CompileErrors.WithLabelValues(string(ce.Kind)).Inc()
	httputil.JSON(w, statusForKind(ce.Kind), errorEnvelope{
		Error:   string(ce.Kind),
		Message: ce.Error(),
	})
}

// statusForKind maps a compile-error Kind onto an HTTP status per spec §7:
// 400 for every compile-time kind (including ConfirmationRequired), 404
// for UnknownTable, 500 for DatabaseError, 503/504 for the two kinds the
// pool/driver raise on resource exhaustion or expiry.
func statusForKind(kind compileerr.Kind) int {
	switch kind {
	case compileerr.UnknownTable:
		return http.StatusNotFound
	case compileerr.DatabaseError:
		return http.StatusInternalServerError
	case compileerr.ServiceUnavailable:
		return http.StatusServiceUnavailable
	case compileerr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

// unknownTableErr builds the UnknownTable compile error, matching the
// message shape internal/fkresolve's own fetchStats uses so a 404 looks
// the same whether it originated from FK resolution or a direct lookup.
func unknownTableErr(table string) *compileerr.Error {
	return compileerr.New(compileerr.UnknownTable, "unknown table %q", table)
}

// wrapDBError converts a raw driver/pool error into a DatabaseError,
// surfacing the PostgreSQL SQLSTATE in the message per spec §7 ("database
// errors are returned verbatim in their SQLSTATE category").
func wrapDBError(err error) *compileerr.Error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return compileerr.Wrap(compileerr.DatabaseError, err, "%s (%s)", pgErr.Message, pgErr.Code)
	}
	return compileerr.Wrap(compileerr.DatabaseError, err, "database error")
}
