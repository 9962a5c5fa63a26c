package postgres

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Row is one result row as an ordered mapping of column name to value.
type Row struct {
	Columns []string
	Values  []any
}

// NewRow builds a row from alternating column names and values.
func NewRow(pairs ...any) Row {
	var row Row
	for i := 0; i+1 < len(pairs); i += 2 {
		row.Columns = append(row.Columns, pairs[i].(string))
		row.Values = append(row.Values, pairs[i+1])
	}
	return row
}

func scanRow(rows pgx.Rows) (Row, error) {
	values, err := rows.Values()
	if err != nil {
		return Row{}, err
	}
	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, fd := range fields {
		columns[i] = fd.Name
	}
	return Row{Columns: columns, Values: values}, nil
}

// Get returns the value of column name.
func (r Row) Get(name string) (any, bool) {
	for i, column := range r.Columns {
		if column == name {
			return r.Values[i], true
		}
	}
	return nil, false
}

// String returns the column as text. NULL and absent columns yield "".
func (r Row) String(name string) string {
	value, _ := r.Get(name)
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case [16]byte:
		return formatUUID(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// StringPtr is like String but keeps NULL as nil.
func (r Row) StringPtr(name string) *string {
	value, ok := r.Get(name)
	if !ok || value == nil {
		return nil
	}
	s := r.String(name)
	return &s
}

// Float returns a numeric column as float64; NULL yields nil.
func (r Row) Float(name string) (*float64, error) {
	value, ok := r.Get(name)
	if !ok || value == nil {
		return nil, nil
	}
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int64:
		f = float64(v)
	case int32:
		f = float64(v)
	case int:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		f = parsed
	case pgtype.Numeric:
		fv, err := v.Float64Value()
		if err != nil || !fv.Valid {
			return nil, err
		}
		f = fv.Float64
	default:
		return nil, fmt.Errorf("column %s: unexpected numeric type %T", name, value)
	}
	return &f, nil
}

// Int returns an integer column; NULL yields 0.
func (r Row) Int(name string) (int64, error) {
	value, ok := r.Get(name)
	if !ok || value == nil {
		return 0, nil
	}
	switch v := value.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("column %s: unexpected integer type %T", name, value)
	}
}

// Time returns a timestamp column.
func (r Row) Time(name string) (time.Time, error) {
	value, ok := r.Get(name)
	if !ok || value == nil {
		return time.Time{}, fmt.Errorf("column %s is null", name)
	}
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		return time.Parse(time.RFC3339Nano, v)
	default:
		return time.Time{}, fmt.Errorf("column %s: unexpected timestamp type %T", name, value)
	}
}

func formatUUID(u [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}
