package rowdecode

import (
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/kaibyao/pgrest/internal/compileerr"
)

// fakeRows implements pgx.Rows over a fixed matrix of already-typed
// column values, so DecodeRows is exercised without a live database. Each
// row's values are pre-typed exactly as the real driver would leave them
// in the destination DecodeRows passes to Scan (e.g. *string for a
// nullable text column, pgtype.Numeric by value for numeric), matching
// the fake-driven style of internal/statscache's own tests.
type fakeRows struct {
	fields []pgconn.FieldDescription
	data   [][]any
	idx    int
}

func (r *fakeRows) Close() {}
func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }
func (r *fakeRows) Values() ([]any, error) { return nil, nil }
func (r *fakeRows) RawValues() [][]byte { return nil }
func (r *fakeRows) Conn() *pgx.Conn { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	for i, d := range dest {
		switch d := d.(type) {
		case **bool:
			*d, _ = row[i].(*bool)
		case **int64:
			*d, _ = row[i].(*int64)
		case **float64:
			*d, _ = row[i].(*float64)
		case *pgtype.Numeric:
			*d = row[i].(pgtype.Numeric)
		case **string:
			*d, _ = row[i].(*string)
		case **[]byte:
			*d, _ = row[i].(*[]byte)
		case *pgtype.Date:
			*d = row[i].(pgtype.Date)
		case *pgtype.Time:
			*d = row[i].(pgtype.Time)
		case *pgtype.Timestamp:
			*d = row[i].(pgtype.Timestamp)
		case *pgtype.Timestamptz:
			*d = row[i].(pgtype.Timestamptz)
		case *pgtype.UUID:
			*d = row[i].(pgtype.UUID)
		case **net.HardwareAddr:
			*d, _ = row[i].(*net.HardwareAddr)
		case *pgtype.Hstore:
			*d = row[i].(pgtype.Hstore)
		default:
			return compileerr.New(compileerr.DatabaseError, "fakeRows: unsupported dest type %T", d)
		}
	}
	return nil
}

func field(name string, oid uint32) pgconn.FieldDescription {
	return pgconn.FieldDescription{Name: name, DataTypeOID: oid}
}

func strPtr(s string) *string    { return &s }
func i64Ptr(n int64) *int64      { return &n }
func f64Ptr(f float64) *float64  { return &f }
func boolPtr(b bool) *bool       { return &b }

func TestDecodeRowsScalarTypes(t *testing.T) {
	rows := &fakeRows{
		fields: []pgconn.FieldDescription{
			field("active", pgtype.BoolOID),
			field("wins", pgtype.Int8OID),
			field("rating", pgtype.Float8OID),
			field("name", pgtype.TextOID),
		},
		data: [][]any{
			{boolPtr(true), i64Ptr(42), f64Ptr(3.5), strPtr("Robb")},
		},
	}

	out, err := DecodeRows(rows, []string{"active", "wins", "rating", "name"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, true, out[0]["active"])
	require.Equal(t, int64(42), out[0]["wins"])
	require.Equal(t, 3.5, out[0]["rating"])
	require.Equal(t, "Robb", out[0]["name"])
}

func TestDecodeRowsNullValues(t *testing.T) {
	rows := &fakeRows{
		fields: []pgconn.FieldDescription{
			field("active", pgtype.BoolOID),
			field("name", pgtype.TextOID),
		},
		data: [][]any{
			{(*bool)(nil), (*string)(nil)},
		},
	}

	out, err := DecodeRows(rows, []string{"active", "name"})
	require.NoError(t, err)
	require.Nil(t, out[0]["active"])
	require.Nil(t, out[0]["name"])
}

func TestDecodeRowsBytea(t *testing.T) {
	rows := &fakeRows{
		fields: []pgconn.FieldDescription{field("payload", pgtype.ByteaOID)},
		data:   [][]any{{&[]byte{0xDE, 0xAD, 0xBE, 0xEF}}},
	}

	out, err := DecodeRows(rows, []string{"payload"})
	require.NoError(t, err)
	require.Equal(t, `\xdeadbeef`, out[0]["payload"])
}

func TestDecodeRowsNumericPreservesPrecision(t *testing.T) {
	n := pgtype.Numeric{Int: big.NewInt(12345), Exp: -2, Valid: true}
	rows := &fakeRows{
		fields: []pgconn.FieldDescription{field("price", pgtype.NumericOID)},
		data:   [][]any{{n}},
	}

	out, err := DecodeRows(rows, []string{"price"})
	require.NoError(t, err)
	require.Equal(t, "123.45", out[0]["price"])
}

func TestDecodeRowsNumericNegativeScale(t *testing.T) {
	n := pgtype.Numeric{Int: big.NewInt(-500), Exp: 2, Valid: true}
	rows := &fakeRows{
		fields: []pgconn.FieldDescription{field("total", pgtype.NumericOID)},
		data:   [][]any{{n}},
	}

	out, err := DecodeRows(rows, []string{"total"})
	require.NoError(t, err)
	require.Equal(t, "-50000", out[0]["total"])
}

func TestDecodeRowsDateTimeTypes(t *testing.T) {
	date := pgtype.Date{Time: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Valid: true}
	tod := pgtype.Time{Microseconds: (13*3600 + 45*60 + 9) * 1_000_000, Valid: true}
	ts := pgtype.Timestamp{Time: time.Date(2024, 3, 1, 13, 45, 9, 0, time.UTC), Valid: true}
	tstz := pgtype.Timestamptz{Time: time.Date(2024, 3, 1, 13, 45, 9, 0, time.UTC), Valid: true}

	rows := &fakeRows{
		fields: []pgconn.FieldDescription{
			field("d", pgtype.DateOID),
			field("t", pgtype.TimeOID),
			field("ts", pgtype.TimestampOID),
			field("tstz", pgtype.TimestamptzOID),
		},
		data: [][]any{{date, tod, ts, tstz}},
	}

	out, err := DecodeRows(rows, []string{"d", "t", "ts", "tstz"})
	require.NoError(t, err)
	require.Equal(t, "2024-03-01", out[0]["d"])
	require.Equal(t, "13:45:09", out[0]["t"])
	require.Equal(t, "2024-03-01 13:45:09", out[0]["ts"])
	require.Equal(t, "2024-03-01T13:45:09Z", out[0]["tstz"])
}

func TestDecodeRowsUUID(t *testing.T) {
	var id pgtype.UUID
	copy(id.Bytes[:], []byte{
		0x11, 0x11, 0x11, 0x11,
		0x22, 0x22,
		0x33, 0x33,
		0x44, 0x44,
		0x55, 0x55, 0x55, 0x55, 0x55, 0x55,
	})
	id.Valid = true

	rows := &fakeRows{
		fields: []pgconn.FieldDescription{field("id", pgtype.UUIDOID)},
		data:   [][]any{{id}},
	}

	out, err := DecodeRows(rows, []string{"id"})
	require.NoError(t, err)
	require.Equal(t, "11111111-2222-3333-4444-555555555555", out[0]["id"])
}

func TestDecodeRowsJSON(t *testing.T) {
	payload := []byte(`{"a":1,"b":["x","y"]}`)
	rows := &fakeRows{
		fields: []pgconn.FieldDescription{field("doc", pgtype.JSONBOID)},
		data:   [][]any{{&payload}},
	}

	out, err := DecodeRows(rows, []string{"doc"})
	require.NoError(t, err)
	decoded, ok := out[0]["doc"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(1), decoded["a"])
}

func TestDecodeRowsMultipleRows(t *testing.T) {
	rows := &fakeRows{
		fields: []pgconn.FieldDescription{field("name", pgtype.TextOID)},
		data: [][]any{
			{strPtr("Robb")},
			{strPtr("Sansa")},
		},
	}

	out, err := DecodeRows(rows, []string{"name"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "Robb", out[0]["name"])
	require.Equal(t, "Sansa", out[1]["name"])
}

func TestDecodeRowsRejectsUnsupportedType(t *testing.T) {
	rows := &fakeRows{
		fields: []pgconn.FieldDescription{field("flags", pgtype.BitOID)},
		data:   [][]any{{}},
	}

	_, err := DecodeRows(rows, []string{"flags"})
	require.Error(t, err)
	var ce *compileerr.Error
	require.True(t, compileerr.As(err, &ce))
	require.Equal(t, compileerr.UnsupportedFeature, ce.Kind)
}

func TestDecodeRowsLabelCountMismatch(t *testing.T) {
	rows := &fakeRows{
		fields: []pgconn.FieldDescription{field("name", pgtype.TextOID)},
		data:   [][]any{{strPtr("Robb")}},
	}

	_, err := DecodeRows(rows, []string{"name", "extra"})
	require.Error(t, err)
}
