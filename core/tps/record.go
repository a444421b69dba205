package tps

import (
	"encoding/binary"

	"github.com/clarionkit/tpsconvert/core/errors"
)

// Record types found in the entry header. Values below 0xF0 are index
// entries, which the conversion core treats as opaque.
const (
	RecordTypeData      = 0xF3
	RecordTypeTableDef  = 0xFA
	RecordTypeMemo      = 0xFC
	RecordTypeTableName = 0xFE
)

// entryPrefixSize is the fixed prefix of every page entry:
// u16le data length, u8 table number, u8 record type.
const entryPrefixSize = 4

// Record is a data record: the smallest decodable unit of user data.
type Record struct {
	TableNumber  uint8
	RecordNumber uint32
	Payload      []byte
}

// MemoChunk is one piece of a memo value. Chunks sharing the same
// (table, owner, memo index) concatenate in sequence order.
type MemoChunk struct {
	TableNumber uint8
	Owner       uint32 // record number the memo belongs to
	MemoIndex   uint8
	Sequence    uint16
	Data        []byte
}

// defBlock is one chunk of a table definition; definitions can span
// several records, ordered by block number.
type defBlock struct {
	block uint16
	data  []byte
}

// pageEntry is a raw entry split out of a decompressed page payload.
type pageEntry struct {
	tableNumber uint8
	recordType  uint8
	body        []byte
}

// splitEntries walks a decompressed leaf-page payload and returns its
// entries. count comes from the page header; a short payload is an error
// attributed to the page.
func splitEntries(pageRef uint32, payload []byte, count int) ([]pageEntry, error) {
	entries := make([]pageEntry, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		if off+entryPrefixSize > len(payload) {
			return nil, errors.NewPage(pageRef, "entry prefix past payload end")
		}
		n := int(binary.LittleEndian.Uint16(payload[off:]))
		table := payload[off+2]
		typ := payload[off+3]
		off += entryPrefixSize
		if off+n > len(payload) {
			return nil, errors.NewPage(pageRef, "entry body past payload end")
		}
		entries = append(entries, pageEntry{
			tableNumber: table,
			recordType:  typ,
			body:        payload[off : off+n],
		})
		off += n
	}
	return entries, nil
}

// parseDataRecord interprets a RecordTypeData entry body.
func parseDataRecord(e pageEntry, pageRef uint32) (Record, error) {
	if len(e.body) < 4 {
		return Record{}, errors.NewPage(pageRef, "data record shorter than its number")
	}
	return Record{
		TableNumber:  e.tableNumber,
		RecordNumber: binary.BigEndian.Uint32(e.body[:4]),
		Payload:      e.body[4:],
	}, nil
}

// parseMemoRecord interprets a RecordTypeMemo entry body.
func parseMemoRecord(e pageEntry, pageRef uint32) (MemoChunk, error) {
	if len(e.body) < 7 {
		return MemoChunk{}, errors.NewPage(pageRef, "memo record header truncated")
	}
	return MemoChunk{
		TableNumber: e.tableNumber,
		Owner:       binary.BigEndian.Uint32(e.body[:4]),
		MemoIndex:   e.body[4],
		Sequence:    binary.LittleEndian.Uint16(e.body[5:]),
		Data:        e.body[7:],
	}, nil
}

// parseDefRecord interprets a RecordTypeTableDef entry body.
func parseDefRecord(e pageEntry, pageRef uint32) (defBlock, error) {
	if len(e.body) < 2 {
		return defBlock{}, errors.NewPage(pageRef, "definition record truncated")
	}
	return defBlock{
		block: binary.LittleEndian.Uint16(e.body[:2]),
		data:  e.body[2:],
	}, nil
}

// parseNameRecord interprets a RecordTypeTableName entry body:
// a NUL-terminated table name. The entry's table number is the mapping
// target.
func parseNameRecord(e pageEntry) (string, bool) {
	for i, b := range e.body {
		if b == 0 {
			return string(e.body[:i]), i > 0
		}
	}
	if len(e.body) == 0 {
		return "", false
	}
	return string(e.body), true
}
