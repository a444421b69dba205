package tps

import (
	"encoding/binary"
	"fmt"

	"github.com/clarionkit/tpsconvert/core/errors"
)

// Clarion field type codes as stored in definition records.
const (
	TypeByte    = 0x01
	TypeShort   = 0x02
	TypeUShort  = 0x03
	TypeDate    = 0x04
	TypeTime    = 0x05
	TypeLong    = 0x06
	TypeULong   = 0x07
	TypeSReal   = 0x08
	TypeDouble  = 0x09
	TypeDecimal = 0x0A
	TypeString  = 0x12
	TypeCString = 0x13
	TypePString = 0x14
	TypeGroup   = 0x16
)

// fallbackFieldLimit is the field count above which a strict parse is
// considered implausible and the tolerant rescan takes over.
const fallbackFieldLimit = 30

// defHeaderSize is the fixed prefix of a definition block.
const defHeaderSize = 10

// FieldDef describes one field of a table record.
type FieldDef struct {
	Type         uint8
	Offset       uint16 // byte offset inside the record
	Name         string // as stored, prefix included
	ElementCount uint16 // >1 marks an array field
	Length       uint16 // total byte length of all elements
	Flags        uint16
	Decimals     uint8 // BCD scale for TypeDecimal
}

// ElementSize returns the byte size of a single array element.
func (f FieldDef) ElementSize() int {
	if f.ElementCount <= 1 {
		return int(f.Length)
	}
	return int(f.Length) / int(f.ElementCount)
}

// MemoDef describes one memo column attached to a table.
type MemoDef struct {
	Name   string
	Flags  uint8 // bit0 set: binary payload, no text decoding
	Length uint16
}

// Binary reports whether the memo holds raw bytes rather than text.
func (m MemoDef) Binary() bool { return m.Flags&0x01 != 0 }

// IndexDef describes one index over a table's fields.
type IndexDef struct {
	Name          string
	Unique        bool
	FieldOrdinals []uint16 // positions into TableDef.Fields
}

// DefSource records which parse path produced a table definition.
type DefSource uint8

const (
	// DefStrict means the definition parsed cleanly.
	DefStrict DefSource = iota
	// DefRecovered means the tolerant rescan salvaged the definition.
	DefRecovered
	// DefMinimal means nothing survived and a raw-record definition was
	// synthesized.
	DefMinimal
)

func (s DefSource) String() string {
	switch s {
	case DefStrict:
		return "strict"
	case DefRecovered:
		return "recovered"
	case DefMinimal:
		return "minimal"
	}
	return fmt.Sprintf("DefSource(%d)", uint8(s))
}

// RawRecordFieldName is the synthetic field a minimal definition carries.
const RawRecordFieldName = "RAW_RECORD"

// TableDef is a parsed table definition. Raw always holds the assembled
// definition bytes so downstream consumers can re-derive anything the
// parse dropped.
type TableDef struct {
	MinVersion   uint16
	RecordLength uint16
	Fields       []FieldDef
	Memos        []MemoDef
	Indexes      []IndexDef
	Source       DefSource
	Raw          []byte
}

// ParseTableDef parses an assembled definition block for a table. A
// clean parse is preferred; implausible or inconsistent definitions go
// through a tolerant rescan, and when nothing at all survives a minimal
// raw-record definition is synthesized. The returned definition always
// carries the raw bytes. The error is non-nil only when raw is too short
// to hold even a definition header.
func ParseTableDef(table uint8, raw []byte) (*TableDef, error) {
	if len(raw) < defHeaderSize {
		return nil, errors.NewDef(table, "definition shorter than its header")
	}
	def, err := parseStrict(raw)
	if err == nil {
		def.Source = DefStrict
		def.Raw = raw
		return def, nil
	}
	def = parseTolerant(raw)
	if len(def.Fields) > 0 {
		def.Source = DefRecovered
		def.Raw = raw
		return def, nil
	}
	return minimalDef(raw), nil
}

// parseStrict parses the definition layout exactly, failing on any
// inconsistency.
func parseStrict(raw []byte) (*TableDef, error) {
	d := &TableDef{
		MinVersion:   binary.LittleEndian.Uint16(raw[0:]),
		RecordLength: binary.LittleEndian.Uint16(raw[2:]),
	}
	fieldCount := int(binary.LittleEndian.Uint16(raw[4:]))
	memoCount := int(binary.LittleEndian.Uint16(raw[6:]))
	indexCount := int(binary.LittleEndian.Uint16(raw[8:]))
	if fieldCount > fallbackFieldLimit {
		return nil, fmt.Errorf("implausible field count %d", fieldCount)
	}

	off := defHeaderSize
	for i := 0; i < fieldCount; i++ {
		f, n, err := parseFieldEntry(raw, off)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		if int(f.Offset)+int(f.Length) > int(d.RecordLength) {
			return nil, fmt.Errorf("field %d extends past record", i)
		}
		d.Fields = append(d.Fields, f)
		off += n
	}
	for i := 0; i < memoCount; i++ {
		m, n, err := parseMemoEntry(raw, off)
		if err != nil {
			return nil, fmt.Errorf("memo %d: %w", i, err)
		}
		d.Memos = append(d.Memos, m)
		off += n
	}
	for i := 0; i < indexCount; i++ {
		ix, n, err := parseIndexEntry(raw, off, len(d.Fields))
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		d.Indexes = append(d.Indexes, ix)
		off += n
	}
	return d, nil
}

// parseFieldEntry reads one field entry at off.
func parseFieldEntry(raw []byte, off int) (FieldDef, int, error) {
	var f FieldDef
	if off+3 > len(raw) {
		return f, 0, fmt.Errorf("entry prefix truncated")
	}
	f.Type = raw[off]
	f.Offset = binary.LittleEndian.Uint16(raw[off+1:])
	name, n, ok := cstringAt(raw, off+3)
	if !ok {
		return f, 0, fmt.Errorf("unterminated name")
	}
	f.Name = name
	p := off + 3 + n
	if p+7 > len(raw) {
		return f, 0, fmt.Errorf("entry tail truncated")
	}
	f.ElementCount = binary.LittleEndian.Uint16(raw[p:])
	f.Length = binary.LittleEndian.Uint16(raw[p+2:])
	f.Flags = binary.LittleEndian.Uint16(raw[p+4:])
	f.Decimals = raw[p+6]
	if f.ElementCount == 0 {
		f.ElementCount = 1
	}
	if f.Length == 0 {
		return f, 0, fmt.Errorf("zero-length field")
	}
	if int(f.Length)%int(f.ElementCount) != 0 {
		return f, 0, fmt.Errorf("length %d not divisible by %d elements", f.Length, f.ElementCount)
	}
	return f, p + 7 - off, nil
}

// parseMemoEntry reads one memo entry at off.
func parseMemoEntry(raw []byte, off int) (MemoDef, int, error) {
	var m MemoDef
	name, n, ok := cstringAt(raw, off)
	if !ok {
		return m, 0, fmt.Errorf("unterminated name")
	}
	m.Name = name
	p := off + n
	if p+3 > len(raw) {
		return m, 0, fmt.Errorf("entry tail truncated")
	}
	m.Flags = raw[p]
	m.Length = binary.LittleEndian.Uint16(raw[p+1:])
	return m, p + 3 - off, nil
}

// parseIndexEntry reads one index entry at off. fieldCount bounds the
// ordinals an index may reference.
func parseIndexEntry(raw []byte, off, fieldCount int) (IndexDef, int, error) {
	var ix IndexDef
	name, n, ok := cstringAt(raw, off)
	if !ok {
		return ix, 0, fmt.Errorf("unterminated name")
	}
	ix.Name = name
	p := off + n
	if p+2 > len(raw) {
		return ix, 0, fmt.Errorf("entry tail truncated")
	}
	ix.Unique = raw[p]&0x01 != 0
	count := int(raw[p+1])
	p += 2
	if p+2*count > len(raw) {
		return ix, 0, fmt.Errorf("ordinal list truncated")
	}
	for i := 0; i < count; i++ {
		ord := binary.LittleEndian.Uint16(raw[p+2*i:])
		if int(ord) >= fieldCount {
			return ix, 0, fmt.Errorf("ordinal %d out of range", ord)
		}
		ix.FieldOrdinals = append(ix.FieldOrdinals, ord)
	}
	return ix, p + 2*count - off, nil
}

// parseTolerant rescans a definition that failed the strict parse,
// keeping every field entry that can be salvaged. Truncated names are
// kept as far as they go. Fields that start outside the record or
// overlap an earlier one are dropped; offsets are not clamped, and a
// field running past the record end keeps its declared length, with
// only its in-record bytes checked for overlap. Memo and index
// sections are parsed until the first inconsistency.
func parseTolerant(raw []byte) *TableDef {
	d := &TableDef{
		MinVersion:   binary.LittleEndian.Uint16(raw[0:]),
		RecordLength: binary.LittleEndian.Uint16(raw[2:]),
	}
	fieldCount := int(binary.LittleEndian.Uint16(raw[4:]))
	memoCount := int(binary.LittleEndian.Uint16(raw[6:]))
	indexCount := int(binary.LittleEndian.Uint16(raw[8:]))

	covered := make([]bool, int(d.RecordLength))
	off := defHeaderSize
	for i := 0; i < fieldCount && off < len(raw); i++ {
		f, n, err := parseFieldEntryLoose(raw, off)
		if err != nil {
			break
		}
		off += n
		if !claimExtent(covered, int(f.Offset), int(f.Length)) {
			continue
		}
		d.Fields = append(d.Fields, f)
	}
	for i := 0; i < memoCount && off < len(raw); i++ {
		m, n, err := parseMemoEntry(raw, off)
		if err != nil {
			break
		}
		d.Memos = append(d.Memos, m)
		off += n
	}
	for i := 0; i < indexCount && off < len(raw); i++ {
		ix, n, err := parseIndexEntry(raw, off, len(d.Fields))
		if err != nil {
			break
		}
		d.Indexes = append(d.Indexes, ix)
		off += n
	}
	return d
}

// parseFieldEntryLoose is parseFieldEntry with recovery: a missing NUL
// takes the rest of the buffer as the name. Offset and length are
// returned as declared; parseTolerant checks them against the record.
func parseFieldEntryLoose(raw []byte, off int) (FieldDef, int, error) {
	f, n, err := parseFieldEntry(raw, off)
	if err == nil {
		return f, n, nil
	}
	if off+3 > len(raw) {
		return f, 0, err
	}
	f.Type = raw[off]
	f.Offset = binary.LittleEndian.Uint16(raw[off+1:])
	name, nlen, ok := cstringAt(raw, off+3)
	if !ok {
		// take what is there and stop after this entry
		f.Name = string(raw[off+3:])
		f.ElementCount = 1
		f.Length = 1
		return f, len(raw) - off, nil
	}
	f.Name = name
	p := off + 3 + nlen
	if p+7 > len(raw) {
		f.ElementCount = 1
		f.Length = 1
		return f, len(raw) - off, nil
	}
	f.ElementCount = binary.LittleEndian.Uint16(raw[p:])
	f.Length = binary.LittleEndian.Uint16(raw[p+2:])
	f.Flags = binary.LittleEndian.Uint16(raw[p+4:])
	f.Decimals = raw[p+6]
	if f.ElementCount == 0 {
		f.ElementCount = 1
	}
	if f.Length == 0 {
		f.Length = 1
	}
	return f, p + 7 - off, nil
}

// claimExtent marks [off, off+length) as covered. The extent is clamped
// to the record; a claim overlapping an already-covered byte fails.
func claimExtent(covered []bool, off, length int) bool {
	if off >= len(covered) {
		return false
	}
	end := off + length
	if end > len(covered) {
		end = len(covered)
	}
	for i := off; i < end; i++ {
		if covered[i] {
			return false
		}
	}
	for i := off; i < end; i++ {
		covered[i] = true
	}
	return true
}

// minimalDef synthesizes a one-field definition exposing the raw record
// bytes when no field survives parsing.
func minimalDef(raw []byte) *TableDef {
	recLen := binary.LittleEndian.Uint16(raw[2:])
	if recLen == 0 {
		recLen = 1
	}
	return &TableDef{
		RecordLength: recLen,
		Fields: []FieldDef{{
			Type:         TypeGroup,
			Offset:       0,
			Name:         RawRecordFieldName,
			ElementCount: 1,
			Length:       recLen,
		}},
		Source: DefMinimal,
		Raw:    raw,
	}
}

// cstringAt reads a NUL-terminated string starting at off. The returned
// length includes the terminator.
func cstringAt(raw []byte, off int) (string, int, bool) {
	for i := off; i < len(raw); i++ {
		if raw[i] == 0 {
			return string(raw[off:i]), i - off + 1, true
		}
	}
	return "", 0, false
}
