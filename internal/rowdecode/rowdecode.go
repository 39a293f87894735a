// Package rowdecode is the Row Decoder. It turns a driver result set into
// the JSON-compatible shape spec.md §4.6 defines per Postgres type, keyed
// by the Statement Builder's own labels rather than the synthetic alias
// names the Statement Builder used internally.
//
// Grounded on pkg/rest/server.go's pgRowsToJSON, which scans every row
// into `any` and trusts the driver's default Go representation. That is
// too coarse here: numeric must stay a string to preserve precision,
// bytea needs the `\x` hex form, hstore needs to come back as an object,
// and a handful of types (bit, varbit, unknown) must fail loudly rather
// than decode into something misleading. So each column is scanned into
// a type-specific pgtype destination chosen from its OID, then converted
// explicitly.
package rowdecode

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/kaibyao/pgrest/internal/compileerr"
)

type kind int

const (
	kindUnsupported kind = iota
	kindBool
	kindInt
	kindFloat
	kindNumeric
	kindString
	kindBytea
	kindDate
	kindTime
	kindTimestamp
	kindTimestamptz
	kindUUID
	kindMacaddr
	kindJSON
	kindHstore
)

// kindForOID classifies a column by the name its OID resolves to in m,
// not by a fixed OID constant, so extension types registered at pool
// setup (hstore, citext) are recognized the same way the builtins are.
func kindForOID(m *pgtype.Map, oid uint32) kind {
	t, ok := m.TypeForOID(oid)
	if !ok {
		return kindUnsupported
	}
	switch t.Name {
	case "bool":
		return kindBool
	case "int2", "int4", "int8", "oid":
		return kindInt
	case "float4", "float8":
		return kindFloat
	case "numeric":
		return kindNumeric
	case "text", "varchar", "bpchar", "name", "citext":
		return kindString
	case "bytea":
		return kindBytea
	case "date":
		return kindDate
	case "time":
		return kindTime
	case "timestamp":
		return kindTimestamp
	case "timestamptz":
		return kindTimestamptz
	case "uuid":
		return kindUUID
	case "macaddr":
		return kindMacaddr
	case "json", "jsonb":
		return kindJSON
	case "hstore":
		return kindHstore
	default:
		return kindUnsupported
	}
}

func (k kind) newDest() any {
	switch k {
	case kindBool:
		return new(*bool)
	case kindInt:
		return new(*int64)
	case kindFloat:
		return new(*float64)
	case kindNumeric:
		return new(pgtype.Numeric)
	case kindString:
		return new(*string)
	case kindBytea:
		return new(*[]byte)
	case kindDate:
		return new(pgtype.Date)
	case kindTime:
		return new(pgtype.Time)
	case kindTimestamp:
		return new(pgtype.Timestamp)
	case kindTimestamptz:
		return new(pgtype.Timestamptz)
	case kindUUID:
		return new(pgtype.UUID)
	case kindMacaddr:
		return new(*net.HardwareAddr)
	case kindJSON:
		return new(*[]byte)
	case kindHstore:
		return new(pgtype.Hstore)
	default:
		return new(any)
	}
}

func (k kind) toJSON(dest any) (any, error) {
	switch k {
	case kindBool:
		p := *dest.(**bool)
		if p == nil {
			return nil, nil
		}
		return *p, nil
	case kindInt:
		p := *dest.(**int64)
		if p == nil {
			return nil, nil
		}
		return *p, nil
	case kindFloat:
		p := *dest.(**float64)
		if p == nil {
			return nil, nil
		}
		return *p, nil
	case kindNumeric:
		n := dest.(*pgtype.Numeric)
		if !n.Valid {
			return nil, nil
		}
		return formatNumeric(*n), nil
	case kindString:
		p := *dest.(**string)
		if p == nil {
			return nil, nil
		}
		return *p, nil
	case kindBytea:
		p := *dest.(**[]byte)
		if p == nil {
			return nil, nil
		}
		return `\x` + hex.EncodeToString(*p), nil
	case kindDate:
		d := dest.(*pgtype.Date)
		if !d.Valid {
			return nil, nil
		}
		return d.Time.Format("2006-01-02"), nil
	case kindTime:
		tm := dest.(*pgtype.Time)
		if !tm.Valid {
			return nil, nil
		}
		return formatTimeOfDay(tm.Microseconds), nil
	case kindTimestamp:
		ts := dest.(*pgtype.Timestamp)
		if !ts.Valid {
			return nil, nil
		}
		return formatTimestamp(ts.Time), nil
	case kindTimestamptz:
		ts := dest.(*pgtype.Timestamptz)
		if !ts.Valid {
			return nil, nil
		}
		return ts.Time.Format(time.RFC3339Nano), nil
	case kindUUID:
		u := dest.(*pgtype.UUID)
		if !u.Valid {
			return nil, nil
		}
		id, err := uuid.FromBytes(u.Bytes[:])
		if err != nil {
			return nil, err
		}
		return id.String(), nil
	case kindMacaddr:
		p := *dest.(**net.HardwareAddr)
		if p == nil {
			return nil, nil
		}
		return p.String(), nil
	case kindJSON:
		p := *dest.(**[]byte)
		if p == nil {
			return nil, nil
		}
		var v any
		if err := json.Unmarshal(*p, &v); err != nil {
			return nil, err
		}
		return v, nil
	case kindHstore:
		h := dest.(*pgtype.Hstore)
		if *h == nil {
			return nil, nil
		}
		return map[string]*string(*h), nil
	default:
		return nil, fmt.Errorf("unsupported column type")
	}
}

// formatNumeric renders a pgtype.Numeric as a decimal string without ever
// routing the value through a float64, so precision is preserved exactly
// as the spec requires.
func formatNumeric(n pgtype.Numeric) string {
	if n.NaN {
		return "NaN"
	}
	if n.Int == nil {
		return "0"
	}
	digits := new(big.Int).Abs(n.Int).String()
	neg := n.Int.Sign() < 0

	var s string
	switch {
	case n.Exp == 0:
		s = digits
	case n.Exp > 0:
		s = digits + strings.Repeat("0", int(n.Exp))
	default:
		frac := int(-n.Exp)
		for len(digits) <= frac {
			digits = "0" + digits
		}
		s = digits[:len(digits)-frac] + "." + digits[len(digits)-frac:]
	}
	if neg {
		s = "-" + s
	}
	return s
}

func formatTimeOfDay(micros int64) string {
	h := micros / 3_600_000_000
	micros %= 3_600_000_000
	m := micros / 60_000_000
	micros %= 60_000_000
	s := micros / 1_000_000
	us := micros % 1_000_000

	base := fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	if us == 0 {
		return base
	}
	if us%1000 == 0 {
		return fmt.Sprintf("%s.%03d", base, us/1000)
	}
	return fmt.Sprintf("%s.%06d", base, us)
}

func formatTimestamp(t time.Time) string {
	base := t.Format("2006-01-02 15:04:05")
	ns := t.Nanosecond()
	if ns == 0 {
		return base
	}
	if ns%1_000_000 == 0 {
		return fmt.Sprintf("%s.%03d", base, ns/1_000_000)
	}
	return fmt.Sprintf("%s.%09d", base, ns)
}

// DecodeRows scans every remaining row of rows into a JSON-compatible map
// keyed by labels, which must be in the same order as
// rows.FieldDescriptions(). The caller retains ownership of rows and is
// responsible for closing it.
func DecodeRows(rows pgx.Rows, labels []string) ([]map[string]any, error) {
	fields := rows.FieldDescriptions()
	if len(labels) != len(fields) {
		return nil, compileerr.New(compileerr.DatabaseError,
			"column count %d does not match label count %d", len(fields), len(labels))
	}

	typeMap := pgtype.NewMap()
	if conn := rows.Conn(); conn != nil {
		typeMap = conn.TypeMap()
	}

	kinds := make([]kind, len(fields))
	for i, fd := range fields {
		k := kindForOID(typeMap, fd.DataTypeOID)
		if k == kindUnsupported {
			return nil, compileerr.New(compileerr.UnsupportedFeature,
				"column %q has an unsupported type for JSON output", labels[i]).WithPath(labels[i])
		}
		kinds[i] = k
	}

	var out []map[string]any
	for rows.Next() {
		dest := make([]any, len(fields))
		for i, k := range kinds {
			dest[i] = k.newDest()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, compileerr.Wrap(compileerr.DatabaseError, err, "scanning row")
		}

		row := make(map[string]any, len(labels))
		for i, label := range labels {
			v, err := kinds[i].toJSON(dest[i])
			if err != nil {
				return nil, compileerr.Wrap(compileerr.DatabaseError, err, "decoding column %q", label)
			}
			row[label] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
