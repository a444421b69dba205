package tps

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/zeebo/blake3"

	"github.com/clarionkit/tpsconvert/core/errors"
)

// CorruptPageFunc receives every corrupt page the reader skips.
// Duplicate reports for byte-identical payloads are suppressed.
type CorruptPageFunc func(err *errors.PageError)

// pageIndexEntry is the in-memory index entry for one page.
type pageIndexEntry struct {
	Ref            uint32
	Size           uint16
	RecordCount    uint16
	HierarchyLevel uint8
}

func pageLess(a, b pageIndexEntry) bool { return a.Ref < b.Ref }

// tableMeta is what the metadata pass learned about one table.
type tableMeta struct {
	name      string
	defBlocks []defBlock
	dataPages []uint32
	memoPages []uint32
	dataCount int64
}

// Reader provides random access to a TopSpeed file: the page index,
// table metadata, and lazy per-table record streams.
type Reader struct {
	f      *os.File
	path   string
	size   int64
	header FileHeader

	index  *btree.BTreeG[pageIndexEntry]
	tables map[uint8]*tableMeta

	corruptMu    sync.Mutex
	corruptPages int
	seenCorrupt  map[[32]byte]struct{}
	onCorrupt    CorruptPageFunc
}

// NewReader opens a TopSpeed file, validates its header, indexes its
// pages and runs the metadata pass. onCorrupt may be nil.
func NewReader(path string, onCorrupt CorruptPageFunc) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open source")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat source")
	}

	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return nil, &errors.HeaderError{Path: path, Message: "short read", Err: errors.ErrInvalidHeader}
	}
	h, err := ParseHeader(hdr, path, st.Size())
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &Reader{
		f:           f,
		path:        path,
		size:        st.Size(),
		header:      h,
		index:       btree.NewG(8, pageLess),
		tables:      make(map[uint8]*tableMeta),
		seenCorrupt: make(map[[32]byte]struct{}),
		onCorrupt:   onCorrupt,
	}
	if err := r.buildIndex(); err != nil {
		f.Close()
		return nil, err
	}
	if err := r.scanMetadata(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Path returns the source file path.
func (r *Reader) Path() string { return r.path }

// Header returns the parsed file header.
func (r *Reader) Header() FileHeader { return r.header }

// CorruptPages returns the number of pages skipped so far.
func (r *Reader) CorruptPages() int {
	r.corruptMu.Lock()
	defer r.corruptMu.Unlock()
	return r.corruptPages
}

// PageCount returns the number of indexed pages.
func (r *Reader) PageCount() int { return r.index.Len() }

// reportCorrupt counts a corrupt page and notifies the callback once per
// distinct payload.
func (r *Reader) reportCorrupt(perr *errors.PageError, raw []byte) {
	r.corruptMu.Lock()
	defer r.corruptMu.Unlock()
	r.corruptPages++
	if raw != nil {
		sum := blake3.Sum256(raw)
		if _, seen := r.seenCorrupt[sum]; seen {
			return
		}
		r.seenCorrupt[sum] = struct{}{}
	}
	if r.onCorrupt != nil {
		r.onCorrupt(perr)
	}
}

// buildIndex walks page headers sequentially from the page root.
// A corrupt header skips forward to the next aligned offset that parses.
func (r *Reader) buildIndex() error {
	buf := make([]byte, PageHeaderSize)
	ref := int64(r.header.PageRootRef)
	for ref+PageHeaderSize <= r.size {
		if _, err := r.f.ReadAt(buf, ref); err != nil {
			return errors.Wrap(err, "read page header")
		}
		h, err := parsePageHeader(buf, uint32(ref))
		if err != nil || ref+int64(h.Size) > r.size {
			if err == nil {
				err = errors.NewPage(uint32(ref), "page extends past end of file")
			}
			if perr, ok := err.(*errors.PageError); ok {
				r.reportCorrupt(perr, nil)
			}
			next := (ref + pageAlign) &^ (pageAlign - 1)
			if next <= ref {
				break
			}
			ref = next
			continue
		}
		r.index.ReplaceOrInsert(pageIndexEntry{
			Ref:            h.Ref,
			Size:           h.Size,
			RecordCount:    h.RecordCount,
			HierarchyLevel: h.HierarchyLevel,
		})
		ref += int64(h.Size)
	}
	if r.index.Len() == 0 {
		return errors.NewHeader(r.path, "no readable pages")
	}
	return nil
}

// loadPage reads, validates and decompresses one indexed page.
func (r *Reader) loadPage(e pageIndexEntry) (*Page, error) {
	raw := make([]byte, int(e.Size)-PageHeaderSize)
	hdr := make([]byte, PageHeaderSize)
	if _, err := r.f.ReadAt(hdr, int64(e.Ref)); err != nil {
		return nil, errors.NewPage(e.Ref, "header re-read failed")
	}
	h, err := parsePageHeader(hdr, e.Ref)
	if err != nil {
		return nil, err
	}
	if _, err := r.f.ReadAt(raw, int64(e.Ref)+PageHeaderSize); err != nil {
		return nil, errors.NewPage(e.Ref, "payload read failed")
	}
	payload, err := decodePayload(h, raw)
	if err != nil {
		if perr, ok := err.(*errors.PageError); ok {
			r.reportCorrupt(perr, raw)
		}
		return nil, err
	}
	return &Page{Header: h, Payload: payload}, nil
}

// meta returns the metadata bucket for a table, creating it on demand.
func (r *Reader) meta(table uint8) *tableMeta {
	m := r.tables[table]
	if m == nil {
		m = &tableMeta{}
		r.tables[table] = m
	}
	return m
}

// scanMetadata makes one pass over leaf pages collecting table names,
// definition blocks, and the page sets holding each table's data and
// memo records. Payloads are not retained.
func (r *Reader) scanMetadata() error {
	var scanErr error
	r.index.Ascend(func(e pageIndexEntry) bool {
		if e.HierarchyLevel != 0 {
			return true
		}
		page, err := r.loadPage(e)
		if err != nil {
			return true // already counted
		}
		entries, err := splitEntries(e.Ref, page.Payload, int(e.RecordCount))
		if err != nil {
			if perr, ok := err.(*errors.PageError); ok {
				r.reportCorrupt(perr, page.Payload)
			}
			return true
		}
		for _, ent := range entries {
			switch ent.recordType {
			case RecordTypeData:
				m := r.meta(ent.tableNumber)
				m.dataCount++
				if n := len(m.dataPages); n == 0 || m.dataPages[n-1] != e.Ref {
					m.dataPages = append(m.dataPages, e.Ref)
				}
			case RecordTypeMemo:
				m := r.meta(ent.tableNumber)
				if n := len(m.memoPages); n == 0 || m.memoPages[n-1] != e.Ref {
					m.memoPages = append(m.memoPages, e.Ref)
				}
			case RecordTypeTableDef:
				blk, err := parseDefRecord(ent, e.Ref)
				if err == nil {
					m := r.meta(ent.tableNumber)
					m.defBlocks = append(m.defBlocks, defBlock{block: blk.block, data: append([]byte(nil), blk.data...)})
				}
			case RecordTypeTableName:
				if name, ok := parseNameRecord(ent); ok {
					r.meta(ent.tableNumber).name = name
				}
			}
		}
		return true
	})
	return scanErr
}

// TableNumbers returns the numbers of all tables that have a name,
// definition, data or memo record, in ascending order.
func (r *Reader) TableNumbers() []uint8 {
	nums := make([]uint8, 0, len(r.tables))
	for n := range r.tables {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// TableName returns the recorded name for a table, or TABLE_<n> when the
// file carries no name record for it.
func (r *Reader) TableName(table uint8) string {
	if m := r.tables[table]; m != nil && m.name != "" {
		return m.name
	}
	return fmt.Sprintf("TABLE_%d", table)
}

// RawDefinition returns the assembled raw definition bytes for a table.
func (r *Reader) RawDefinition(table uint8) ([]byte, error) {
	m := r.tables[table]
	if m == nil || len(m.defBlocks) == 0 {
		return nil, errors.NewDef(table, "no definition records")
	}
	blocks := append([]defBlock(nil), m.defBlocks...)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].block < blocks[j].block })
	var out []byte
	for _, b := range blocks {
		out = append(out, b.data...)
	}
	return out, nil
}

// EstimatedRecords returns the data-record count seen during the
// metadata pass.
func (r *Reader) EstimatedRecords(table uint8) int64 {
	if m := r.tables[table]; m != nil {
		return m.dataCount
	}
	return 0
}

// RecordIterator streams one table's data records in page order. It is
// finite and not restartable; obtain a fresh iterator for a new pass.
type RecordIterator struct {
	r       *Reader
	table   uint8
	pages   []uint32
	pageIdx int
	pending []Record
}

// Records returns a new iterator over a table's data records.
func (r *Reader) Records(table uint8) *RecordIterator {
	var pages []uint32
	if m := r.tables[table]; m != nil {
		pages = m.dataPages
	}
	return &RecordIterator{r: r, table: table, pages: pages}
}

// Next returns the next record. It returns io.EOF when the stream is
// exhausted; corrupt pages are skipped, not surfaced.
func (it *RecordIterator) Next() (Record, error) {
	for {
		if len(it.pending) > 0 {
			rec := it.pending[0]
			it.pending = it.pending[1:]
			return rec, nil
		}
		if it.pageIdx >= len(it.pages) {
			return Record{}, io.EOF
		}
		ref := it.pages[it.pageIdx]
		it.pageIdx++
		e, ok := it.r.index.Get(pageIndexEntry{Ref: ref})
		if !ok {
			continue
		}
		page, err := it.r.loadPage(e)
		if err != nil {
			continue // counted by loadPage
		}
		entries, err := splitEntries(ref, page.Payload, int(e.RecordCount))
		if err != nil {
			if perr, isPage := err.(*errors.PageError); isPage {
				it.r.reportCorrupt(perr, page.Payload)
			}
			continue
		}
		for _, ent := range entries {
			if ent.recordType != RecordTypeData || ent.tableNumber != it.table {
				continue
			}
			rec, err := parseDataRecord(ent, ref)
			if err != nil {
				continue
			}
			rec.Payload = append([]byte(nil), rec.Payload...)
			it.pending = append(it.pending, rec)
		}
	}
}

// ForEachMemo visits every memo chunk belonging to a table, in page
// order then entry order.
func (r *Reader) ForEachMemo(table uint8, visit func(chunk MemoChunk) error) error {
	m := r.tables[table]
	if m == nil {
		return nil
	}
	for _, ref := range m.memoPages {
		e, ok := r.index.Get(pageIndexEntry{Ref: ref})
		if !ok {
			continue
		}
		page, err := r.loadPage(e)
		if err != nil {
			continue
		}
		entries, err := splitEntries(ref, page.Payload, int(e.RecordCount))
		if err != nil {
			continue
		}
		for _, ent := range entries {
			if ent.recordType != RecordTypeMemo || ent.tableNumber != table {
				continue
			}
			chunk, err := parseMemoRecord(ent, ref)
			if err != nil {
				continue
			}
			chunk.Data = append([]byte(nil), chunk.Data...)
			if err := visit(chunk); err != nil {
				return err
			}
		}
	}
	return nil
}
