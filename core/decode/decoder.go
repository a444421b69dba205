package decode

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/clarionkit/tpsconvert/core/errors"
	"github.com/clarionkit/tpsconvert/core/schema"
	"github.com/clarionkit/tpsconvert/core/tps"
)

// DefaultCodePage is used when no code page is configured.
const DefaultCodePage = "cp437"

// clarionEpoch anchors the date numbering: day 4 is 1801-01-01.
var clarionEpoch = time.Date(1800, time.December, 28, 0, 0, 0, 0, time.UTC)

// doubleNull is the 8-byte sentinel distinguishing a missing DOUBLE
// from a stored 0.0.
var doubleNull = [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Decoder converts raw record payloads into column values. It is safe
// for concurrent use once constructed.
type Decoder struct {
	codePage string
	charset  *charmap.Charmap // nil means pass bytes through as UTF-8
}

// NewDecoder builds a decoder for the given code page name. An empty
// name selects DefaultCodePage.
func NewDecoder(codePage string) (*Decoder, error) {
	if codePage == "" {
		codePage = DefaultCodePage
	}
	cs, err := lookupCharset(codePage)
	if err != nil {
		return nil, err
	}
	return &Decoder{codePage: codePage, charset: cs}, nil
}

// CodePage returns the configured code page name.
func (d *Decoder) CodePage() string { return d.codePage }

func lookupCharset(name string) (*charmap.Charmap, error) {
	switch strings.ToLower(name) {
	case "cp437", "ibm437":
		return charmap.CodePage437, nil
	case "cp850", "ibm850":
		return charmap.CodePage850, nil
	case "cp852", "ibm852":
		return charmap.CodePage852, nil
	case "cp1250", "windows-1250":
		return charmap.Windows1250, nil
	case "cp1251", "windows-1251":
		return charmap.Windows1251, nil
	case "cp1252", "windows-1252":
		return charmap.Windows1252, nil
	case "latin1", "iso-8859-1":
		return charmap.ISO8859_1, nil
	case "utf-8", "utf8":
		return nil, nil
	}
	return nil, errors.Wrapf(errors.ErrEncoding, "unknown code page %q", name)
}

// text decodes raw bytes with the configured code page. Undecodable
// bytes become the replacement rune.
func (d *Decoder) text(raw []byte) string {
	if d.charset == nil {
		return string(raw)
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		b.WriteRune(d.charset.DecodeByte(c))
	}
	return b.String()
}

// DecodeRow decodes one record payload against a projected table. The
// returned slice is ordered like t.Columns; memo columns come back
// NULL. record and table identify the row in errors.
func (d *Decoder) DecodeRow(payload []byte, t *schema.Table, table uint8, record uint32) ([]Value, error) {
	out := make([]Value, 0, len(t.Columns))
	for i := range t.Columns {
		c := &t.Columns[i]
		switch c.Kind {
		case schema.ColMemo:
			out = append(out, Null())
		case schema.ColArray:
			v, err := d.decodeArray(payload, c.Array)
			if err != nil {
				return nil, errors.NewRow(table, record, c.Name, payload, fmt.Errorf("%w: %w", errors.ErrRowDecode, err))
			}
			out = append(out, v)
		default:
			v, err := d.decodeScalar(payload, c.Field)
			if err != nil {
				return nil, errors.NewRow(table, record, c.Name, payload, fmt.Errorf("%w: %w", errors.ErrRowDecode, err))
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// DecodeRowLenient decodes every column it can, substituting NULL for
// columns that fail. complete reports whether the whole row decoded.
func (d *Decoder) DecodeRowLenient(payload []byte, t *schema.Table) ([]Value, bool) {
	out := make([]Value, 0, len(t.Columns))
	complete := true
	for i := range t.Columns {
		c := &t.Columns[i]
		var v Value
		var err error
		switch c.Kind {
		case schema.ColMemo:
			v = Null()
		case schema.ColArray:
			v, err = d.decodeArray(payload, c.Array)
		default:
			v, err = d.decodeScalar(payload, c.Field)
		}
		if err != nil {
			v = Null()
			complete = false
		}
		out = append(out, v)
	}
	return out, complete
}

// MemoValue converts an assembled memo payload to its column value.
// Text memos go through the code page; binary memos stay raw.
func (d *Decoder) MemoValue(m *tps.MemoDef, data []byte) Value {
	if data == nil {
		return Null()
	}
	if m.Binary() {
		return Blob8(data)
	}
	return Text8(strings.TrimRight(d.text(data), "\x00"))
}

// decodeScalar decodes a non-array field at its record offset.
func (d *Decoder) decodeScalar(payload []byte, f *tps.FieldDef) (Value, error) {
	raw, err := slice(payload, int(f.Offset), int(f.Length))
	if err != nil {
		return Value{}, err
	}
	return d.element(f.Type, raw, f.Decimals)
}

// element decodes one value of the given type from exactly its bytes.
func (d *Decoder) element(typ uint8, raw []byte, decimals uint8) (Value, error) {
	switch typ {
	case tps.TypeByte:
		if len(raw) < 1 {
			return Value{}, fmt.Errorf("byte field with no bytes")
		}
		return Int64(int64(raw[0])), nil
	case tps.TypeShort:
		if len(raw) < 2 {
			return Value{}, fmt.Errorf("short field truncated")
		}
		return Int64(int64(int16(binary.LittleEndian.Uint16(raw)))), nil
	case tps.TypeUShort:
		if len(raw) < 2 {
			return Value{}, fmt.Errorf("ushort field truncated")
		}
		return Int64(int64(binary.LittleEndian.Uint16(raw))), nil
	case tps.TypeLong:
		if len(raw) < 4 {
			return Value{}, fmt.Errorf("long field truncated")
		}
		return Int64(int64(int32(binary.LittleEndian.Uint32(raw)))), nil
	case tps.TypeULong:
		if len(raw) < 4 {
			return Value{}, fmt.Errorf("ulong field truncated")
		}
		return Int64(int64(binary.LittleEndian.Uint32(raw))), nil
	case tps.TypeSReal:
		if len(raw) < 4 {
			return Value{}, fmt.Errorf("sreal field truncated")
		}
		return Real64(float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))), nil
	case tps.TypeDouble:
		if len(raw) < 8 {
			return Value{}, fmt.Errorf("double field truncated")
		}
		if [8]byte(raw[:8]) == doubleNull {
			return Null(), nil
		}
		return Real64(math.Float64frombits(binary.LittleEndian.Uint64(raw))), nil
	case tps.TypeDecimal:
		return decodeDecimal(raw, decimals)
	case tps.TypeDate:
		return decodeDate(raw)
	case tps.TypeTime:
		return decodeTime(raw)
	case tps.TypeString:
		return Text8(strings.TrimRight(d.text(raw), " \x00")), nil
	case tps.TypeCString:
		if i := indexNul(raw); i >= 0 {
			raw = raw[:i]
		}
		return Text8(d.text(raw)), nil
	case tps.TypePString:
		if len(raw) < 1 {
			return Value{}, fmt.Errorf("pstring field with no length byte")
		}
		n := int(raw[0])
		if n > len(raw)-1 {
			n = len(raw) - 1
		}
		return Text8(d.text(raw[1 : 1+n])), nil
	case tps.TypeGroup:
		return Text8(base64.StdEncoding.EncodeToString(raw)), nil
	default:
		return Value{}, fmt.Errorf("unknown field type 0x%02X", typ)
	}
}

// decodeDecimal unpacks BCD with the sign in the high nibble of the
// first byte: 0xD marks a negative value.
func decodeDecimal(raw []byte, decimals uint8) (Value, error) {
	if len(raw) == 0 {
		return Value{}, fmt.Errorf("decimal field with no bytes")
	}
	neg := raw[0]>>4 == 0xD
	digits := make([]byte, 0, len(raw)*2-1)
	digits = append(digits, raw[0]&0x0F)
	for _, b := range raw[1:] {
		digits = append(digits, b>>4, b&0x0F)
	}
	var n int64
	for _, d := range digits {
		if d > 9 {
			return Value{}, fmt.Errorf("invalid BCD nibble 0x%X", d)
		}
		n = n*10 + int64(d)
	}
	v := float64(n) / math.Pow10(int(decimals))
	if neg {
		v = -v
	}
	return Real64(v), nil
}

// decodeDate renders a day count as an ISO-8601 date. Day zero is the
// stored NULL.
func decodeDate(raw []byte) (Value, error) {
	if len(raw) < 4 {
		return Value{}, fmt.Errorf("date field truncated")
	}
	days := binary.LittleEndian.Uint32(raw)
	if days == 0 {
		return Null(), nil
	}
	d := clarionEpoch.AddDate(0, 0, int(days))
	return Text8(d.Format("2006-01-02")), nil
}

// decodeTime renders centiseconds since midnight as HH:MM:SS.cc. An
// all-ones value is the stored NULL; zero is a valid midnight.
func decodeTime(raw []byte) (Value, error) {
	if len(raw) < 4 {
		return Value{}, fmt.Errorf("time field truncated")
	}
	cs := binary.LittleEndian.Uint32(raw)
	if cs == 0xFFFFFFFF {
		return Null(), nil
	}
	sec := cs / 100
	return Text8(fmt.Sprintf("%02d:%02d:%02d.%02d", sec/3600, sec/60%60, sec%60, cs%100)), nil
}

// decodeArray decodes an array descriptor to its JSON text column.
// BYTE elements serialize as booleans; missing DOUBLE elements stay
// null in the JSON.
func (d *Decoder) decodeArray(payload []byte, a *schema.ArrayFieldInfo) (Value, error) {
	elems := make([]any, 0, a.ElementCount)
	appendElem := func(typ uint8, raw []byte, decimals uint8) error {
		v, err := d.element(typ, raw, decimals)
		if err != nil {
			return err
		}
		elems = append(elems, jsonElem(typ, v))
		return nil
	}

	if a.Kind == schema.SingleField {
		f := a.Members[0]
		stride := f.ElementSize()
		for i := 0; i < a.ElementCount; i++ {
			raw, err := slice(payload, int(f.Offset)+i*stride, stride)
			if err != nil {
				return Value{}, err
			}
			if err := appendElem(f.Type, raw, f.Decimals); err != nil {
				return Value{}, err
			}
		}
	} else {
		for _, m := range a.Members {
			raw, err := slice(payload, int(m.Offset), int(m.Length))
			if err != nil {
				return Value{}, err
			}
			if err := appendElem(m.Type, raw, m.Decimals); err != nil {
				return Value{}, err
			}
		}
	}

	b, err := json.Marshal(elems)
	if err != nil {
		return Value{}, err
	}
	return Text8(string(b)), nil
}

// jsonElem converts a decoded element to its JSON representation.
func jsonElem(typ uint8, v Value) any {
	if v.IsNull() {
		return nil
	}
	if typ == tps.TypeByte {
		return v.Int != 0
	}
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindReal:
		return v.Real
	case KindText:
		return v.Text
	case KindBlob:
		return base64.StdEncoding.EncodeToString(v.Blob)
	}
	return nil
}

func slice(payload []byte, off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(payload) {
		return nil, fmt.Errorf("field bytes [%d,%d) past record end %d", off, off+n, len(payload))
	}
	return payload[off : off+n], nil
}

func indexNul(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
