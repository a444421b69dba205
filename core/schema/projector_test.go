package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/clarionkit/tpsconvert/core/tps"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"CUS:NAME", "NAME"},
		{"ORDER-DATE", "ORDER_DATE"},
		{"a b.c/d\\e", "a_b_c_d_e"},
		{"9LIVES", "_9LIVES"},
		{"PLAIN", "PLAIN"},
		{"", "_"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTableName(t *testing.T) {
	tests := []struct {
		source string
		prefix string
		want   string
	}{
		{"CUSTOMERS", "phd_", "phd_CUSTOMERS"},
		{"ORDER", "", "ORDER_TABLE"},
		{"GROUP", "mod_", "mod_GROUP_TABLE"},
		{"SALES-2024", "phd_", "phd_SALES_2024"},
	}
	for _, tt := range tests {
		if got := TableName(tt.source, tt.prefix); got != tt.want {
			t.Errorf("TableName(%q, %q) = %q, want %q", tt.source, tt.prefix, got, tt.want)
		}
	}
}

func projectFixture(t *testing.T, prefix string) *Table {
	t.Helper()
	def := &tps.TableDef{
		RecordLength: 62,
		Fields: []tps.FieldDef{
			field("CUS:ID", tps.TypeLong, 0, 1, 4),
			field("CUS:NAME", tps.TypeString, 4, 1, 30),
			field("CUS:PROD1", tps.TypeDouble, 34, 1, 8),
			field("CUS:PROD2", tps.TypeDouble, 42, 1, 8),
			field("CUS:WHEN", tps.TypeDate, 50, 1, 4),
		},
		Memos: []tps.MemoDef{
			{Name: "CUS:NOTES", Flags: 0},
			{Name: "CUS:PHOTO", Flags: 1},
		},
		Indexes: []tps.IndexDef{
			{Name: "CUS:KEYID", Unique: true, FieldOrdinals: []uint16{0}},
			{Name: "CUS:KEYPROD", FieldOrdinals: []uint16{2, 3}},
		},
	}
	arrays := Analyze(def)
	tbl, err := Project("CUSTOMERS", def, arrays, prefix)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	return tbl
}

func TestProjectColumns(t *testing.T) {
	tbl := projectFixture(t, "phd_")
	if tbl.Name != "phd_CUSTOMERS" {
		t.Errorf("table name = %q", tbl.Name)
	}
	want := []struct {
		name string
		typ  string
		kind ColumnKind
	}{
		{"ID", "INTEGER", ColScalar},
		{"NAME", "TEXT", ColScalar},
		{"PROD", "TEXT", ColArray},
		{"WHEN", "TEXT", ColScalar},
		{"NOTES", "TEXT", ColMemo},
		{"PHOTO", "BLOB", ColMemo},
	}
	if len(tbl.Columns) != len(want) {
		t.Fatalf("got %d columns, want %d: %+v", len(tbl.Columns), len(want), tbl.Columns)
	}
	for i, w := range want {
		c := tbl.Columns[i]
		if c.Name != w.name || c.Type != w.typ || c.Kind != w.kind {
			t.Errorf("column %d = {%s %s %d}, want {%s %s %d}", i, c.Name, c.Type, c.Kind, w.name, w.typ, w.kind)
		}
	}
}

func TestProjectDDL(t *testing.T) {
	tbl := projectFixture(t, "phd_")
	if !strings.Contains(tbl.CreateSQL, `"phd_CUSTOMERS"`) {
		t.Errorf("create DDL missing table name: %s", tbl.CreateSQL)
	}
	if !strings.Contains(tbl.CreateSQL, `"RECNO" INTEGER`) {
		t.Errorf("create DDL missing record number column: %s", tbl.CreateSQL)
	}
	if len(tbl.IndexSQL) != 2 {
		t.Fatalf("got %d index statements, want 2: %v", len(tbl.IndexSQL), tbl.IndexSQL)
	}
	if !strings.Contains(tbl.IndexSQL[0], "CREATE UNIQUE INDEX") || !strings.Contains(tbl.IndexSQL[0], `"phd_KEYID"`) {
		t.Errorf("index 0 = %s", tbl.IndexSQL[0])
	}
	// both PROD members map to the one array column, deduplicated
	if !strings.Contains(tbl.IndexSQL[1], `("PROD")`) {
		t.Errorf("index 1 = %s", tbl.IndexSQL[1])
	}
	for _, stmt := range tbl.IndexSQL {
		if !strings.Contains(stmt, `"phd_`) {
			t.Errorf("index not prefixed like its table: %s", stmt)
		}
	}
}

func TestProjectInsertSQL(t *testing.T) {
	tbl := projectFixture(t, "")
	sql := tbl.InsertSQL()
	if !strings.HasPrefix(sql, `INSERT INTO "CUSTOMERS" ("RECNO", "ID"`) {
		t.Errorf("insert = %s", sql)
	}
	if got := strings.Count(sql, "?"); got != len(tbl.Columns)+1 {
		t.Errorf("got %d placeholders, want %d", got, len(tbl.Columns)+1)
	}
}

func TestArrayFieldsJSON(t *testing.T) {
	tbl := projectFixture(t, "mod_")
	raw, err := tbl.ArrayFieldsJSON()
	if err != nil {
		t.Fatalf("ArrayFieldsJSON: %v", err)
	}
	var m map[string]map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("invalid JSON %q: %v", raw, err)
	}
	e, ok := m["PROD"]
	if !ok {
		t.Fatalf("PROD entry missing: %v", m)
	}
	if e["kind"] != "multi_field" || e["element_count"] != float64(2) {
		t.Errorf("entry = %v", e)
	}
}

func TestProjectDuplicateColumnNames(t *testing.T) {
	def := &tps.TableDef{
		RecordLength: 8,
		Fields: []tps.FieldDef{
			field("A:VAL", tps.TypeLong, 0, 1, 4),
			field("B:VAL", tps.TypeLong, 4, 1, 4),
		},
	}
	tbl, err := Project("T", def, nil, "")
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if tbl.Columns[0].Name == tbl.Columns[1].Name {
		t.Errorf("duplicate column names survived: %+v", tbl.Columns)
	}
}

func TestProjectMinimalDefinition(t *testing.T) {
	def := &tps.TableDef{
		RecordLength: 32,
		Fields: []tps.FieldDef{
			field(tps.RawRecordFieldName, tps.TypeGroup, 0, 1, 32),
		},
		Source: tps.DefMinimal,
	}
	tbl, err := Project("BROKEN", def, nil, "phd_")
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if len(tbl.Columns) != 1 || tbl.Columns[0].Type != "TEXT" {
		t.Errorf("columns = %+v", tbl.Columns)
	}
}
