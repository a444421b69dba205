// Package decode turns raw record payloads into typed SQLite values
// using a projected table plan. Memo columns are left NULL here; the
// conversion engine reassembles memos and fills those columns per row.
package decode

// ValueKind tags a decoded value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInt
	KindReal
	KindText
	KindBlob
)

// Value is a decoded column value. The SQLite binder dispatches on Kind.
type Value struct {
	Kind ValueKind
	Int  int64
	Real float64
	Text string
	Blob []byte
}

// Null returns the SQL NULL value.
func Null() Value { return Value{Kind: KindNull} }

// Int64 wraps an integer value.
func Int64(v int64) Value { return Value{Kind: KindInt, Int: v} }

// Real64 wraps a floating-point value.
func Real64(v float64) Value { return Value{Kind: KindReal, Real: v} }

// Text8 wraps a text value.
func Text8(v string) Value { return Value{Kind: KindText, Text: v} }

// Blob8 wraps a blob value.
func Blob8(v []byte) Value { return Value{Kind: KindBlob, Blob: v} }

// Arg converts the value to a database/sql driver argument.
func (v Value) Arg() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindReal:
		return v.Real
	case KindText:
		return v.Text
	case KindBlob:
		return v.Blob
	default:
		return nil
	}
}

// IsNull reports whether the value is SQL NULL.
func (v Value) IsNull() bool { return v.Kind == KindNull }
