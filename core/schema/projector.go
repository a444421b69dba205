package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clarionkit/tpsconvert/core/errors"
	"github.com/clarionkit/tpsconvert/core/tps"
)

// Auxiliary table names written alongside the converted data.
const (
	SchemaTable = "_schema"
	ResumeTable = "_resume"
)

// RecNoColumn is the leading column every projected table carries: the
// TopSpeed record number of the row.
const RecNoColumn = "RECNO"

// ColumnKind says what feeds a projected column.
type ColumnKind uint8

const (
	ColScalar ColumnKind = iota
	ColArray
	ColMemo
)

// Column is one projected SQLite column and its data source.
type Column struct {
	Name string
	Type string // SQLite type keyword
	Kind ColumnKind

	Field *tps.FieldDef   // set for ColScalar
	Array *ArrayFieldInfo // set for ColArray
	Memo  *tps.MemoDef    // set for ColMemo
}

// Table is the full projection of one table: its SQLite name, the
// ordered column plan, and the DDL to create it.
type Table struct {
	Name    string // prefixed, sanitized SQLite table name
	Source  string // original TopSpeed table name
	Prefix  string
	Columns []Column // RECNO excluded; it is always first in DDL and inserts

	CreateSQL string
	IndexSQL  []string
}

// sqliteReserved lists keywords that cannot stand alone as table names
// even when quoted consumers are sloppy. Tables named after one get a
// _TABLE suffix.
var sqliteReserved = map[string]bool{
	"ORDER": true, "GROUP": true, "TABLE": true, "INDEX": true,
	"SELECT": true, "WHERE": true, "FROM": true, "TO": true,
	"DEFAULT": true, "CHECK": true, "TRANSACTION": true, "VALUES": true,
	"CREATE": true, "DROP": true, "UPDATE": true, "DELETE": true,
	"INSERT": true, "JOIN": true, "UNION": true, "LIMIT": true,
}

// SanitizeName makes a TopSpeed identifier usable as a SQLite
// identifier: the `PRE:` table prefix is stripped, separator characters
// become underscores, and a leading digit is guarded.
func SanitizeName(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		switch c := name[i]; c {
		case '-', ' ', '.', '/', '\\':
			b.WriteByte('_')
		default:
			b.WriteByte(c)
		}
	}
	out := b.String()
	if out == "" {
		return "_"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

// TableName builds the final SQLite table name from a source table name
// and a file prefix.
func TableName(source, prefix string) string {
	name := SanitizeName(source)
	if sqliteReserved[strings.ToUpper(name)] {
		name += "_TABLE"
	}
	return prefix + name
}

// columnType maps a field type code to its SQLite column type.
func columnType(fieldType uint8) string {
	switch fieldType {
	case tps.TypeByte, tps.TypeShort, tps.TypeUShort, tps.TypeLong, tps.TypeULong:
		return "INTEGER"
	case tps.TypeDouble, tps.TypeSReal, tps.TypeDecimal:
		return "REAL"
	case tps.TypeDate, tps.TypeTime:
		return "TEXT"
	case tps.TypeString, tps.TypeCString, tps.TypePString:
		return "TEXT"
	case tps.TypeGroup:
		return "TEXT" // base64 of the raw bytes
	default:
		return "BLOB"
	}
}

// Project maps a table definition plus its array descriptors to a
// SQLite table. Fields absorbed by an array collapse into one TEXT
// column placed where the array's first member sat; memo columns follow
// the record fields. Index names carry the same prefix as the table.
func Project(source string, def *tps.TableDef, arrays []ArrayFieldInfo, prefix string) (*Table, error) {
	if def == nil || len(def.Fields) == 0 {
		return nil, errors.NewDef(0, "projecting an empty definition")
	}
	t := &Table{
		Name:   TableName(source, prefix),
		Source: source,
		Prefix: prefix,
	}

	absorbed := make(map[string]*ArrayFieldInfo)
	first := make(map[string]bool)
	for i := range arrays {
		a := &arrays[i]
		for j, m := range a.Members {
			absorbed[memberKey(m)] = a
			if j == 0 {
				first[memberKey(m)] = true
			}
		}
	}

	used := map[string]int{RecNoColumn: 1}
	uniqueName := func(base string) string {
		name := base
		for n := used[base]; name == RecNoColumn || used[name] > 0; {
			n++
			used[base] = n
			name = fmt.Sprintf("%s_%d", base, n)
		}
		used[name]++
		return name
	}

	colForField := make(map[string]string)
	for i := range def.Fields {
		f := &def.Fields[i]
		key := memberKey(*f)
		if a := absorbed[key]; a != nil {
			if !first[key] {
				colForField[key] = colForField[memberKey(a.Members[0])]
				continue
			}
			name := uniqueName(SanitizeName(a.BaseName))
			colForField[key] = name
			t.Columns = append(t.Columns, Column{Name: name, Type: "TEXT", Kind: ColArray, Array: a})
			continue
		}
		name := uniqueName(SanitizeName(f.Name))
		colForField[key] = name
		t.Columns = append(t.Columns, Column{Name: name, Type: columnType(f.Type), Kind: ColScalar, Field: f})
	}
	for i := range def.Memos {
		m := &def.Memos[i]
		typ := "TEXT"
		if m.Binary() {
			typ = "BLOB"
		}
		t.Columns = append(t.Columns, Column{Name: uniqueName(SanitizeName(m.Name)), Type: typ, Kind: ColMemo, Memo: m})
	}

	var ddl strings.Builder
	fmt.Fprintf(&ddl, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(t.Name))
	fmt.Fprintf(&ddl, "  %s INTEGER", quoteIdent(RecNoColumn))
	for _, c := range t.Columns {
		fmt.Fprintf(&ddl, ",\n  %s %s", quoteIdent(c.Name), c.Type)
	}
	ddl.WriteString("\n)")
	t.CreateSQL = ddl.String()

	for _, ix := range def.Indexes {
		cols := make([]string, 0, len(ix.FieldOrdinals))
		seen := make(map[string]bool)
		for _, ord := range ix.FieldOrdinals {
			if int(ord) >= len(def.Fields) {
				continue
			}
			col := colForField[memberKey(def.Fields[ord])]
			if col == "" || seen[col] {
				continue
			}
			seen[col] = true
			cols = append(cols, quoteIdent(col))
		}
		if len(cols) == 0 {
			continue
		}
		unique := ""
		if ix.Unique {
			unique = "UNIQUE "
		}
		ixName := prefix + SanitizeName(ix.Name)
		t.IndexSQL = append(t.IndexSQL, fmt.Sprintf(
			"CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, quoteIdent(ixName), quoteIdent(t.Name), strings.Join(cols, ", ")))
	}
	return t, nil
}

// InsertSQL builds the parameterized insert statement for a projected
// table. RECNO is always the first placeholder.
func (t *Table) InsertSQL() string {
	cols := make([]string, 0, len(t.Columns)+1)
	cols = append(cols, quoteIdent(RecNoColumn))
	for _, c := range t.Columns {
		cols = append(cols, quoteIdent(c.Name))
	}
	marks := strings.Repeat("?, ", len(cols))
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(t.Name), strings.Join(cols, ", "), marks[:len(marks)-2])
}

// ArrayFieldsJSON renders the table's array descriptors for the _schema
// table, keyed by column name.
func (t *Table) ArrayFieldsJSON() (string, error) {
	type entry struct {
		Kind         string `json:"kind"`
		BaseName     string `json:"base_name"`
		ElementType  uint8  `json:"element_type"`
		ElementCount int    `json:"element_count"`
	}
	m := make(map[string]entry)
	for _, c := range t.Columns {
		if c.Kind != ColArray {
			continue
		}
		m[c.Name] = entry{
			Kind:         c.Array.Kind.String(),
			BaseName:     c.Array.BaseName,
			ElementType:  c.Array.ElementType,
			ElementCount: c.Array.ElementCount,
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "encode array fields")
	}
	return string(b), nil
}

// SchemaTableDDL creates the _schema bookkeeping table.
func SchemaTableDDL() string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (table_name TEXT PRIMARY KEY, array_fields TEXT, source_prefix TEXT)",
		quoteIdent(SchemaTable))
}

// SchemaInsertSQL upserts one _schema row.
func SchemaInsertSQL() string {
	return fmt.Sprintf(
		"INSERT INTO %s (table_name, array_fields, source_prefix) VALUES (?, ?, ?) "+
			"ON CONFLICT(table_name) DO UPDATE SET array_fields = excluded.array_fields, source_prefix = excluded.source_prefix",
		quoteIdent(SchemaTable))
}

// ResumeTableDDL creates the _resume checkpoint table. It exists only
// in databases left by an interrupted run.
func ResumeTableDDL() string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (table_name TEXT PRIMARY KEY, last_record INTEGER, source_hash TEXT)",
		quoteIdent(ResumeTable))
}

func memberKey(f tps.FieldDef) string {
	return fmt.Sprintf("%s@%d", f.Name, f.Offset)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
