package convert

import (
	"context"
	"database/sql"
	"encoding/base64"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/clarionkit/tpsconvert/core/decode"
	"github.com/clarionkit/tpsconvert/core/errors"
	"github.com/clarionkit/tpsconvert/core/resilience"
	"github.com/clarionkit/tpsconvert/core/schema"
	"github.com/clarionkit/tpsconvert/core/sqlite"
	"github.com/clarionkit/tpsconvert/core/tps"
	"github.com/clarionkit/tpsconvert/internal/logging"
)

// tablePlan binds one source table to its projected SQLite shape.
type tablePlan struct {
	source  Source
	reader  *tps.Reader
	num     uint8
	def     *tps.TableDef
	table   *schema.Table
	rawOnly bool // minimal definition: store base64 of the payload
	est     int64
}

// Convert runs a full conversion of the given sources into one SQLite
// file. The context cancels cooperatively between batches; a cancelled
// run leaves _resume checkpoints and reports Cancelled.
func Convert(ctx context.Context, sources []Source, outPath string, cfg Config) (*Report, error) {
	cfg = cfg.withDefaults()
	start := time.Now()
	rep := &Report{RunID: uuid.NewString()}
	ctx = logging.WithRunID(ctx, rep.RunID)

	lock := flock.New(outPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "lock output")
	}
	if !locked {
		return nil, errors.Wrapf(errors.ErrSQLite, "output %s is locked by another conversion", outPath)
	}
	defer lock.Unlock()

	dec, err := decode.NewDecoder(cfg.CodePage)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.Open(outPath)
	if err != nil {
		return nil, errors.Wrap(err, "open output")
	}
	defer db.Close()
	cache := cfg.MemoryLimit / 4
	if cache <= 0 {
		cache = 64 << 20
	}
	if err := sqlite.WriterPragmas(db, cache); err != nil {
		return nil, err
	}

	var readers []*tps.Reader
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	var plans []*tablePlan
	for _, src := range sources {
		r, err := tps.NewReader(src.Path, func(perr *errors.PageError) {
			logging.PageSkipped(src.Path, perr.PageRef, perr.Reason)
		})
		if err != nil {
			return nil, err
		}
		readers = append(readers, r)
		srcPlans, err := planSource(src, r)
		if err != nil {
			return nil, err
		}
		plans = append(plans, srcPlans...)
	}

	if err := emitDDL(db, plans); err != nil {
		return nil, err
	}

	checkpoints := map[string]checkpoint{}
	if cfg.Resume {
		checkpoints, err = loadCheckpoints(db)
		if err != nil {
			return nil, err
		}
	}
	fingerprints := make(map[string]string, len(sources))
	for _, src := range sources {
		fp, err := sourceFingerprint(src.Path)
		if err != nil {
			fp = ""
		}
		fingerprints[src.Path] = fp
	}

	// All writes funnel through one goroutine for the life of the run.
	w := newWriter(db)
	defer w.stop()

	runTable := func(p *tablePlan) TableResult {
		resumeFrom := int64(0)
		fp := fingerprints[p.source.Path]
		if cp, ok := checkpoints[p.table.Name]; ok && cp.sourceHash == fp {
			resumeFrom = cp.lastRecord
		}
		settings := resilience.Resolve(cfg.Profile, p.est, cfg.MemoryLimit)
		gov := resilience.NewGovernor(settings, cfg.Probe)
		return convertTable(ctx, p, dec, gov, w, cfg, resumeFrom, fp)
	}

	cancelled := false
	serial, parallel := partitionPlans(plans, cfg)
	for _, p := range serial {
		if cancelled || ctx.Err() != nil {
			break
		}
		res := runTable(p)
		if errors.Is(res.Err, errors.ErrCancelled) {
			cancelled = true
		}
		rep.addTable(res)
	}
	if len(parallel) > 0 && !cancelled {
		results := make([]TableResult, len(parallel))
		sem := make(chan struct{}, cfg.ParallelTables)
		var wg sync.WaitGroup
		for i, p := range parallel {
			wg.Add(1)
			go func(i int, p *tablePlan) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results[i] = runTable(p)
			}(i, p)
		}
		wg.Wait()
		for _, res := range results {
			if errors.Is(res.Err, errors.ErrCancelled) {
				cancelled = true
			}
			rep.addTable(res)
		}
	}

	cancelled = cancelled || ctx.Err() != nil
	if !cancelled {
		w.do(func() error {
			for _, p := range plans {
				clearCheckpoint(db, p.table.Name)
			}
			dropResumeIfEmpty(db)
			return nil
		})
	}

	for _, r := range readers {
		rep.CorruptPages += r.CorruptPages()
	}
	rep.Cancelled = cancelled
	rep.finish(start)
	logging.InfoContext(ctx, "conversion_done",
		"tables_total", rep.TablesTotal,
		"tables_ok", rep.TablesOK,
		"rows_written", rep.RowsWritten,
		"rows_skipped", rep.RowsSkipped,
		"corrupt_pages", rep.CorruptPages,
		"cancelled", rep.Cancelled,
	)
	return rep, nil
}

// planSource projects every table a reader exposes.
func planSource(src Source, r *tps.Reader) ([]*tablePlan, error) {
	var out []*tablePlan
	for _, num := range r.TableNumbers() {
		name := r.TableName(num)
		var def *tps.TableDef
		raw, err := r.RawDefinition(num)
		if err == nil {
			def, err = tps.ParseTableDef(num, raw)
			if err != nil {
				def = nil
			}
		}
		if def == nil {
			// data with no usable definition still converts, as raw bytes
			def = &tps.TableDef{
				Fields: []tps.FieldDef{{
					Type: tps.TypeGroup, Name: tps.RawRecordFieldName, ElementCount: 1,
				}},
				Source: tps.DefMinimal,
			}
		}
		arrays := schema.Analyze(def)
		table, err := schema.Project(name, def, arrays, src.Prefix)
		if err != nil {
			return nil, err
		}
		out = append(out, &tablePlan{
			source:  src,
			reader:  r,
			num:     num,
			def:     def,
			table:   table,
			rawOnly: def.Source == tps.DefMinimal,
			est:     r.EstimatedRecords(num) * int64(def.RecordLength+64),
		})
	}
	return out, nil
}

// emitDDL creates every table and index before any data moves, plus
// the _schema bookkeeping rows.
func emitDDL(db *sql.DB, plans []*tablePlan) error {
	if _, err := db.Exec(schema.SchemaTableDDL()); err != nil {
		return errors.Wrap(err, "create schema table")
	}
	for _, p := range plans {
		if _, err := db.Exec(p.table.CreateSQL); err != nil {
			return errors.NewWrite(p.table.Name, err)
		}
		for _, ix := range p.table.IndexSQL {
			if _, err := db.Exec(ix); err != nil {
				return errors.NewWrite(p.table.Name, err)
			}
		}
		fields, err := p.table.ArrayFieldsJSON()
		if err != nil {
			return err
		}
		if _, err := db.Exec(schema.SchemaInsertSQL(), p.table.Name, fields, p.source.Prefix); err != nil {
			return errors.NewWrite(schema.SchemaTable, err)
		}
	}
	return nil
}

// partitionPlans splits tables into a sequential set and a set decoded
// by parallel workers. Parallelism is honored only for tables whose
// resolved profile allows it.
func partitionPlans(plans []*tablePlan, cfg Config) (serial, parallel []*tablePlan) {
	for _, p := range plans {
		s := resilience.Resolve(cfg.Profile, p.est, cfg.MemoryLimit)
		if cfg.ParallelTables > 1 && s.ParallelOK {
			parallel = append(parallel, p)
		} else {
			serial = append(serial, p)
		}
	}
	return serial, parallel
}

// convertTable streams one table's records into batched inserts.
func convertTable(ctx context.Context, p *tablePlan, dec *decode.Decoder, gov *resilience.Governor, w *writer, cfg Config, resumeFrom int64, fingerprint string) TableResult {
	res := TableResult{Name: p.table.Name}
	tableStart := time.Now()
	logging.TableStart(p.source.Path, p.table.Name, p.num, p.reader.EstimatedRecords(p.num),
		"profile", gov.Settings().Profile.String())

	var memos *memoStore
	if hasMemoColumns(p.table) {
		var err error
		memos, err = collectMemos(p.reader, p.num)
		if err != nil {
			res.Status = TableFailed
			res.Err = err
			return res
		}
	}

	insert := p.table.InsertSQL()
	var batch [][]any
	var lastCommitted int64
	partialRows := false

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		rows := batch
		batch = nil
		err := w.do(func() error { return execBatch(w.db, insert, rows) })
		if err != nil {
			return errors.NewWrite(p.table.Name, err)
		}
		lastCommitted = rows[len(rows)-1][0].(int64)
		res.RowsWritten += int64(len(rows))
		return nil
	}

	finish := func(status TableStatus, err error) TableResult {
		res.Status = status
		res.Err = err
		if status == TableOK && (res.RowsSkipped > 0 || partialRows) {
			res.Status = TablePartial
		}
		logging.TableDone(p.source.Path, p.table.Name, res.RowsWritten, res.RowsSkipped, time.Since(tableStart),
			"status", res.Status.String())
		return res
	}

	it := p.reader.Records(p.num)
	for {
		rec, err := it.Next()
		if err == io.EOF {
			if ferr := flush(); ferr != nil {
				return finish(TableFailed, ferr)
			}
			return finish(TableOK, nil)
		}
		if err != nil {
			return finish(TableFailed, err)
		}
		if int64(rec.RecordNumber) <= resumeFrom {
			continue
		}

		row, ok := decodeRecord(dec, p, rec)
		if !ok {
			switch cfg.OnRowError {
			case PolicyAbort:
				return finish(TableFailed, errors.NewRow(p.num, rec.RecordNumber, "", rec.Payload, errors.ErrRowDecode))
			case PolicyPartial:
				var complete bool
				row, complete = dec.DecodeRowLenient(rec.Payload, p.table)
				if !complete {
					partialRows = true
				}
			default:
				res.RowsSkipped++
				logging.RowSkipped(p.source.Path, p.table.Name, rec.RecordNumber, errors.ErrRowDecode)
				continue
			}
		}
		fillMemos(dec, p.table, memos, rec.RecordNumber, row)

		args := make([]any, 0, len(row)+1)
		args = append(args, int64(rec.RecordNumber))
		for _, v := range row {
			args = append(args, v.Arg())
		}
		batch = append(batch, args)

		if len(batch) >= gov.BatchSize() {
			if err := flush(); err != nil {
				return finish(TableFailed, err)
			}
			old := gov.BatchSize()
			if next := gov.AfterBatch(old, 0); next != old {
				logging.BatchResized(p.table.Name, old, next, 0)
			}
			if gov.OverLimit() {
				return finish(TableFailed, errors.Wrapf(errors.ErrMemoryExceeded,
					"table %s after remediation", p.table.Name))
			}
			if ctx.Err() != nil {
				w.do(func() error {
					return saveCheckpoint(w.db, p.table.Name, lastCommitted, fingerprint)
				})
				return finish(TablePartial, errors.Wrap(errors.ErrCancelled, "conversion"))
			}
		}
	}
}

// decodeRecord decodes one record per the table plan. Raw-only tables
// store the payload base64-encoded as JSON text.
func decodeRecord(dec *decode.Decoder, p *tablePlan, rec tps.Record) ([]decode.Value, bool) {
	if p.rawOnly {
		row := make([]decode.Value, len(p.table.Columns))
		enc := `"` + base64.StdEncoding.EncodeToString(rec.Payload) + `"`
		for i := range row {
			if p.table.Columns[i].Kind == schema.ColMemo {
				row[i] = decode.Null()
			} else {
				row[i] = decode.Text8(enc)
			}
		}
		return row, true
	}
	row, err := dec.DecodeRow(rec.Payload, p.table, p.num, rec.RecordNumber)
	return row, err == nil
}

// fillMemos replaces memo-column placeholders with assembled values.
func fillMemos(dec *decode.Decoder, t *schema.Table, memos *memoStore, recNo uint32, row []decode.Value) {
	var idx uint8
	for i := range t.Columns {
		c := &t.Columns[i]
		if c.Kind != schema.ColMemo {
			continue
		}
		row[i] = dec.MemoValue(c.Memo, memos.get(recNo, idx))
		idx++
	}
}

func hasMemoColumns(t *schema.Table) bool {
	for _, c := range t.Columns {
		if c.Kind == schema.ColMemo {
			return true
		}
	}
	return false
}

// execBatch inserts one batch in a single transaction.
func execBatch(db *sql.DB, insert string, rows [][]any) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(insert)
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, args := range rows {
		if _, err := stmt.Exec(args...); err != nil {
			stmt.Close()
			tx.Rollback()
			if isDiskFull(err) {
				return errors.Wrap(errors.ErrDiskFull, err.Error())
			}
			return err
		}
	}
	stmt.Close()
	return tx.Commit()
}

func isDiskFull(err error) bool {
	return err != nil && strings.Contains(err.Error(), "disk is full")
}

// writer serializes all SQLite writes onto one goroutine.
type writer struct {
	db   *sql.DB
	ch   chan func()
	once sync.Once
}

func newWriter(db *sql.DB) *writer {
	w := &writer{db: db, ch: make(chan func())}
	go func() {
		for f := range w.ch {
			f()
		}
	}()
	return w
}

// do runs f on the writer goroutine and returns its error.
func (w *writer) do(f func() error) error {
	errc := make(chan error, 1)
	w.ch <- func() { errc <- f() }
	return <-errc
}

func (w *writer) stop() {
	w.once.Do(func() { close(w.ch) })
}
