package convert

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"

	"github.com/clarionkit/tpsconvert/core/errors"
	"github.com/clarionkit/tpsconvert/core/resilience"
	"github.com/clarionkit/tpsconvert/core/schema"
	"github.com/clarionkit/tpsconvert/core/sqlite"
	"github.com/clarionkit/tpsconvert/core/tps"
)

// entry encodes one page entry: length prefix, table, type, body.
func entry(table, typ uint8, body []byte) []byte {
	b := make([]byte, 4, 4+len(body))
	binary.LittleEndian.PutUint16(b[0:], uint16(len(body)))
	b[2] = table
	b[3] = typ
	return append(b, body...)
}

func nameRec(table uint8, name string) []byte {
	return entry(table, tps.RecordTypeTableName, append([]byte(name), 0))
}

func defRec(table uint8, raw []byte) []byte {
	b := make([]byte, 2, 2+len(raw))
	return entry(table, tps.RecordTypeTableDef, append(b, raw...))
}

func dataRec(table uint8, recNo uint32, payload []byte) []byte {
	b := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(b, recNo)
	return entry(table, tps.RecordTypeData, append(b, payload...))
}

func memoRec(table uint8, owner uint32, idx uint8, seq uint16, data []byte) []byte {
	b := make([]byte, 7, 7+len(data))
	binary.BigEndian.PutUint32(b[0:], owner)
	b[4] = idx
	binary.LittleEndian.PutUint16(b[5:], seq)
	return entry(table, tps.RecordTypeMemo, append(b, data...))
}

type page struct {
	entries [][]byte
	badSum  bool
}

func (p page) render(ref uint32) []byte {
	var payload []byte
	for _, e := range p.entries {
		payload = append(payload, e...)
	}
	hdr := make([]byte, tps.PageHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:], ref)
	binary.LittleEndian.PutUint16(hdr[4:], uint16(tps.PageHeaderSize+len(payload)))
	binary.LittleEndian.PutUint16(hdr[6:], uint16(len(payload)))
	binary.LittleEndian.PutUint16(hdr[8:], uint16(len(p.entries)))
	var sum uint16
	for _, b := range payload {
		sum += uint16(b)
	}
	if p.badSum {
		sum ^= 0xFFFF
	}
	binary.LittleEndian.PutUint16(hdr[11:], sum)
	return append(hdr, payload...)
}

// writeSource assembles a TopSpeed file named name under a temp dir.
func writeSource(t *testing.T, name string, pages ...page) string {
	t.Helper()
	var body []byte
	ref := uint32(tps.HeaderSize)
	for _, p := range pages {
		img := p.render(ref)
		body = append(body, img...)
		ref += uint32(len(img))
	}
	total := tps.HeaderSize + len(body)

	hdr := make([]byte, tps.HeaderSize)
	binary.LittleEndian.PutUint16(hdr[0x04:], tps.HeaderSize)
	binary.LittleEndian.PutUint32(hdr[0x06:], uint32(total))
	binary.LittleEndian.PutUint32(hdr[0x0A:], uint32(total))
	copy(hdr[0x0E:], tps.Magic[:])
	binary.LittleEndian.PutUint32(hdr[0x1A:], tps.HeaderSize)
	binary.LittleEndian.PutUint16(hdr[0x1E:], 3)

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, append(hdr, body...), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func defHeader(minVer, recLen, fields, memos, indexes uint16) []byte {
	b := make([]byte, 10)
	binary.LittleEndian.PutUint16(b[0:], minVer)
	binary.LittleEndian.PutUint16(b[2:], recLen)
	binary.LittleEndian.PutUint16(b[4:], fields)
	binary.LittleEndian.PutUint16(b[6:], memos)
	binary.LittleEndian.PutUint16(b[8:], indexes)
	return b
}

func fieldEntry(typ byte, offset uint16, name string, elems, length, flags uint16, decimals byte) []byte {
	b := []byte{typ}
	b = append(b, byte(offset), byte(offset>>8))
	b = append(b, name...)
	b = append(b, 0)
	b = append(b, byte(elems), byte(elems>>8))
	b = append(b, byte(length), byte(length>>8))
	b = append(b, byte(flags), byte(flags>>8))
	b = append(b, decimals)
	return b
}

func memoEntry(name string, flags byte, length uint16) []byte {
	b := append([]byte(name), 0, flags)
	return append(b, byte(length), byte(length>>8))
}

func indexEntry(name string, flags byte, ordinals ...uint16) []byte {
	b := append([]byte(name), 0, flags, byte(len(ordinals)))
	for _, o := range ordinals {
		b = append(b, byte(o), byte(o>>8))
	}
	return b
}

// customersDef describes a 19-byte record: ID LONG, NAME STRING(12),
// FLAGS BYTE[3], plus a text memo and a unique index on ID.
func customersDef() []byte {
	raw := defHeader(1, 19, 3, 1, 1)
	raw = append(raw, fieldEntry(tps.TypeLong, 0, "CUS:ID", 1, 4, 0, 0)...)
	raw = append(raw, fieldEntry(tps.TypeString, 4, "CUS:NAME", 1, 12, 0, 0)...)
	raw = append(raw, fieldEntry(tps.TypeByte, 16, "CUS:FLAGS", 3, 3, 0, 0)...)
	raw = append(raw, memoEntry("CUS:NOTES", 0, 256)...)
	raw = append(raw, indexEntry("CUS:KEYID", 0x01, 0)...)
	return raw
}

func customerPayload(id uint32, name string, flags [3]byte) []byte {
	b := make([]byte, 19)
	binary.LittleEndian.PutUint32(b[0:], id)
	copy(b[4:16], []byte(name+"            ")[:12])
	copy(b[16:], flags[:])
	return b
}

func outputPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "out.sqlite")
}

func openOutput(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConvertEndToEnd(t *testing.T) {
	good := page{entries: [][]byte{
		nameRec(1, "CUSTOMERS"),
		defRec(1, customersDef()),
		dataRec(1, 1, customerPayload(101, "ALICE", [3]byte{1, 0, 1})),
		dataRec(1, 2, customerPayload(102, "BOB", [3]byte{0, 0, 0})),
		// memo chunks arrive out of order; sequence wins
		memoRec(1, 1, 0, 1, []byte("memo")),
		memoRec(1, 1, 0, 0, []byte("hello ")),
	}}
	corrupt := page{
		entries: [][]byte{dataRec(1, 9, customerPayload(999, "LOST", [3]byte{}))},
		badSum:  true,
	}
	tail := page{entries: [][]byte{
		dataRec(1, 3, customerPayload(103, "CAROL", [3]byte{0, 1, 0})),
	}}
	src := writeSource(t, "customers.phd", good, corrupt, tail)
	out := outputPath(t)

	rep, err := Convert(context.Background(), SourcesFromPaths([]string{src}), out, Config{
		Probe: resilience.FixedProbe(1),
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if rep.TablesTotal != 1 || rep.TablesOK != 1 {
		t.Errorf("tables = %d total %d ok", rep.TablesTotal, rep.TablesOK)
	}
	if rep.RowsWritten != 3 || rep.RowsSkipped != 0 {
		t.Errorf("rows = %d written %d skipped", rep.RowsWritten, rep.RowsSkipped)
	}
	if rep.CorruptPages != 1 {
		t.Errorf("corrupt pages = %d, want 1", rep.CorruptPages)
	}
	if rep.Cancelled {
		t.Error("run reported cancelled")
	}
	if rep.RunID == "" {
		t.Error("missing run id")
	}

	db := openOutput(t, out)

	var n int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'phd_CUSTOMERS'`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("phd_CUSTOMERS table: n=%d err=%v", n, err)
	}
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'phd_KEYID'`).Scan(&n); err != nil || n != 1 {
		t.Errorf("phd_KEYID index: n=%d err=%v", n, err)
	}
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE name = '_resume'`).Scan(&n); err != nil || n != 0 {
		t.Errorf("_resume left behind: n=%d err=%v", n, err)
	}

	var arrayFields, prefix string
	err = db.QueryRow(`SELECT array_fields, source_prefix FROM "_schema" WHERE table_name = 'phd_CUSTOMERS'`).
		Scan(&arrayFields, &prefix)
	if err != nil {
		t.Fatalf("_schema row: %v", err)
	}
	if prefix != "phd_" {
		t.Errorf("source_prefix = %q", prefix)
	}
	if arrayFields == "{}" {
		t.Errorf("array_fields = %q, want FLAGS descriptor", arrayFields)
	}

	rows, err := db.Query(`SELECT "RECNO", "ID", "NAME", "FLAGS", "NOTES" FROM "phd_CUSTOMERS" ORDER BY "RECNO"`)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	defer rows.Close()
	type row struct {
		recno, id int64
		name      string
		flags     string
		notes     sql.NullString
	}
	var got []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.recno, &r.id, &r.name, &r.flags, &r.notes); err != nil {
			t.Fatal(err)
		}
		got = append(got, r)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	want := []row{
		{1, 101, "ALICE", "[true,false,true]", sql.NullString{String: "hello memo", Valid: true}},
		{2, 102, "BOB", "[false,false,false]", sql.NullString{}},
		{3, 103, "CAROL", "[false,true,false]", sql.NullString{}},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestConvertRowErrorPolicies(t *testing.T) {
	buildSource := func(t *testing.T) string {
		def := defHeader(1, 4, 1, 0, 0)
		def = append(def, fieldEntry(tps.TypeLong, 0, "ID", 1, 4, 0, 0)...)
		p := page{entries: [][]byte{
			nameRec(1, "NUMS"),
			defRec(1, def),
			dataRec(1, 1, []byte{1, 0, 0, 0}),
			dataRec(1, 2, []byte{2, 0}), // truncated record
			dataRec(1, 3, []byte{3, 0, 0, 0}),
		}}
		return writeSource(t, "nums.tps", p)
	}

	t.Run("skip", func(t *testing.T) {
		out := outputPath(t)
		rep, err := Convert(context.Background(), SourcesFromPaths([]string{buildSource(t)}), out, Config{
			Probe: resilience.FixedProbe(1),
		})
		if err != nil {
			t.Fatalf("Convert: %v", err)
		}
		if rep.RowsWritten != 2 || rep.RowsSkipped != 1 {
			t.Errorf("rows = %d written %d skipped", rep.RowsWritten, rep.RowsSkipped)
		}
		if rep.TablesPartial != 1 {
			t.Errorf("partial tables = %d, want 1", rep.TablesPartial)
		}
	})

	t.Run("partial", func(t *testing.T) {
		out := outputPath(t)
		rep, err := Convert(context.Background(), SourcesFromPaths([]string{buildSource(t)}), out, Config{
			OnRowError: PolicyPartial,
			Probe:      resilience.FixedProbe(1),
		})
		if err != nil {
			t.Fatalf("Convert: %v", err)
		}
		if rep.RowsWritten != 3 || rep.RowsSkipped != 0 {
			t.Errorf("rows = %d written %d skipped", rep.RowsWritten, rep.RowsSkipped)
		}
		if rep.TablesPartial != 1 {
			t.Errorf("partial tables = %d, want 1", rep.TablesPartial)
		}
		db := openOutput(t, out)
		var nulls int
		if err := db.QueryRow(`SELECT COUNT(*) FROM "NUMS" WHERE "ID" IS NULL`).Scan(&nulls); err != nil {
			t.Fatal(err)
		}
		if nulls != 1 {
			t.Errorf("null rows = %d, want 1", nulls)
		}
	})

	t.Run("abort", func(t *testing.T) {
		out := outputPath(t)
		rep, err := Convert(context.Background(), SourcesFromPaths([]string{buildSource(t)}), out, Config{
			OnRowError: PolicyAbort,
			Probe:      resilience.FixedProbe(1),
		})
		if err != nil {
			t.Fatalf("Convert: %v", err)
		}
		if rep.TablesFailed != 1 {
			t.Fatalf("failed tables = %d, want 1", rep.TablesFailed)
		}
		if !errors.Is(rep.Tables[0].Err, errors.ErrRowDecode) {
			t.Errorf("table error %v does not wrap row decode", rep.Tables[0].Err)
		}
	})
}

func TestConvertRawOnlyTable(t *testing.T) {
	// data with no table definition converts as base64 of the payload
	p := page{entries: [][]byte{
		dataRec(5, 1, []byte("abc")),
		dataRec(5, 2, []byte("defg")),
	}}
	src := writeSource(t, "orphan.tps", p)
	out := outputPath(t)

	rep, err := Convert(context.Background(), SourcesFromPaths([]string{src}), out, Config{
		Probe: resilience.FixedProbe(1),
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if rep.RowsWritten != 2 {
		t.Fatalf("rows written = %d, want 2", rep.RowsWritten)
	}

	db := openOutput(t, out)
	var raw string
	err = db.QueryRow(`SELECT "` + tps.RawRecordFieldName + `" FROM "TABLE_5" WHERE "RECNO" = 1`).Scan(&raw)
	if err != nil {
		t.Fatalf("select raw row: %v", err)
	}
	want := `"` + base64.StdEncoding.EncodeToString([]byte("abc")) + `"`
	if raw != want {
		t.Errorf("raw column = %q, want %q", raw, want)
	}
}

// cancelProbe cancels the run's context the first time the governor
// asks for memory pressure, then reads as an idle process.
type cancelProbe struct {
	cancel context.CancelFunc
	fired  bool
}

func (p *cancelProbe) RSS() int64 {
	if !p.fired {
		p.fired = true
		p.cancel()
	}
	return 1
}

func TestConvertResumeAfterCancel(t *testing.T) {
	const total = 250
	def := defHeader(1, 4, 1, 0, 0)
	def = append(def, fieldEntry(tps.TypeLong, 0, "ID", 1, 4, 0, 0)...)
	entries := [][]byte{nameRec(1, "NUMS"), defRec(1, def)}
	for i := uint32(1); i <= total; i++ {
		entries = append(entries, dataRec(1, i, []byte{byte(i), byte(i >> 8), 0, 0}))
	}
	src := writeSource(t, "nums.tps", page{entries: entries})
	out := outputPath(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rep, err := Convert(ctx, SourcesFromPaths([]string{src}), out, Config{
		Probe: &cancelProbe{cancel: cancel},
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !rep.Cancelled {
		t.Fatal("run not reported cancelled")
	}
	if rep.TablesPartial != 1 {
		t.Fatalf("partial tables = %d, want 1", rep.TablesPartial)
	}
	if !errors.Is(rep.Tables[0].Err, errors.ErrCancelled) {
		t.Fatalf("table error = %v", rep.Tables[0].Err)
	}
	firstRun := rep.RowsWritten
	if firstRun == 0 || firstRun >= total {
		t.Fatalf("first run wrote %d rows, want a strict subset", firstRun)
	}

	db := openOutput(t, out)
	var last int64
	if err := db.QueryRow(`SELECT last_record FROM "_resume" WHERE table_name = 'NUMS'`).Scan(&last); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if last != firstRun {
		t.Errorf("checkpoint last_record = %d, want %d", last, firstRun)
	}
	db.Close()

	rep2, err := Convert(context.Background(), SourcesFromPaths([]string{src}), out, Config{
		Resume: true,
		Probe:  resilience.FixedProbe(1),
	})
	if err != nil {
		t.Fatalf("resume Convert: %v", err)
	}
	if rep2.RowsWritten != total-firstRun {
		t.Errorf("resume wrote %d rows, want %d", rep2.RowsWritten, total-firstRun)
	}

	db = openOutput(t, out)
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM "NUMS"`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != total {
		t.Errorf("row count = %d, want %d", n, total)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = '_resume'`).Scan(&n); err != nil || n != 0 {
		t.Errorf("_resume left behind: n=%d err=%v", n, err)
	}
}

func TestConvertResumeIgnoresChangedSource(t *testing.T) {
	def := defHeader(1, 4, 1, 0, 0)
	def = append(def, fieldEntry(tps.TypeLong, 0, "ID", 1, 4, 0, 0)...)
	p := page{entries: [][]byte{
		nameRec(1, "NUMS"),
		defRec(1, def),
		dataRec(1, 1, []byte{1, 0, 0, 0}),
		dataRec(1, 2, []byte{2, 0, 0, 0}),
	}}
	src := writeSource(t, "nums.tps", p)
	out := outputPath(t)

	db := openOutput(t, out)
	if _, err := db.Exec(schema.ResumeTableDDL()); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(
		`INSERT INTO "_resume" (table_name, last_record, source_hash) VALUES ('NUMS', 2, 'stale')`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	rep, err := Convert(context.Background(), SourcesFromPaths([]string{src}), out, Config{
		Resume: true,
		Probe:  resilience.FixedProbe(1),
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if rep.RowsWritten != 2 {
		t.Errorf("rows written = %d, want 2 despite stale checkpoint", rep.RowsWritten)
	}
}

func TestConvertCancelledBeforeStart(t *testing.T) {
	p := page{entries: [][]byte{dataRec(1, 1, []byte("x"))}}
	src := writeSource(t, "a.tps", p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := Convert(ctx, SourcesFromPaths([]string{src}), outputPath(t), Config{
		Probe: resilience.FixedProbe(1),
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !rep.Cancelled {
		t.Error("run not reported cancelled")
	}
	if rep.RowsWritten != 0 {
		t.Errorf("rows written = %d, want 0", rep.RowsWritten)
	}
}

func TestConvertMemoryLimitExceeded(t *testing.T) {
	const total = 220 // enough records to cross one batch boundary
	def := defHeader(1, 4, 1, 0, 0)
	def = append(def, fieldEntry(tps.TypeLong, 0, "ID", 1, 4, 0, 0)...)
	entries := [][]byte{nameRec(1, "NUMS"), defRec(1, def)}
	for i := uint32(1); i <= total; i++ {
		entries = append(entries, dataRec(1, i, []byte{byte(i), 0, 0, 0}))
	}
	src := writeSource(t, "nums.tps", page{entries: entries})

	rep, err := Convert(context.Background(), SourcesFromPaths([]string{src}), outputPath(t), Config{
		MemoryLimit: 1 << 20,
		Probe:       resilience.FixedProbe(2 << 20), // pinned above the limit
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if rep.TablesFailed != 1 {
		t.Fatalf("failed tables = %d, want 1", rep.TablesFailed)
	}
	if !errors.Is(rep.Tables[0].Err, errors.ErrMemoryExceeded) {
		t.Errorf("table error = %v", rep.Tables[0].Err)
	}
}

func TestConvertOutputLocked(t *testing.T) {
	p := page{entries: [][]byte{dataRec(1, 1, []byte("x"))}}
	src := writeSource(t, "a.tps", p)
	out := outputPath(t)

	// hold the lock the way a concurrent run would
	held := flock.New(out + ".lock")
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("acquire lock: locked=%v err=%v", locked, err)
	}
	defer held.Unlock()

	_, err = Convert(context.Background(), SourcesFromPaths([]string{src}), out, Config{
		Probe: resilience.FixedProbe(1),
	})
	if err == nil {
		t.Fatal("Convert succeeded against a locked output")
	}
	if !errors.Is(err, errors.ErrSQLite) {
		t.Errorf("error = %v", err)
	}
}
