// Package tps reads the TopSpeed page-oriented database file format
// (.tps, .phd, .mod). It exposes the file header, the page index, and
// lazy record streams; table definitions are parsed by this package but
// interpreted downstream.
package tps

import (
	"encoding/binary"

	"github.com/clarionkit/tpsconvert/core/errors"
)

// HeaderSize is the fixed size of the TopSpeed file header block.
const HeaderSize = 0x200

// Magic is the four-byte TopSpeed signature found at offset 0x0E.
var Magic = [4]byte{'t', 'O', 'p', 'S'}

// MaxVersion is the newest TopSpeed layout revision this reader handles.
const MaxVersion = 3

// FileHeader is the parsed TopSpeed file header.
type FileHeader struct {
	HeaderOffset      uint32 // must be 0
	HeaderLen         uint16 // must be HeaderSize
	FileSize          uint32
	AllocatedFileSize uint32
	LastIssuedRow     uint32
	ChangeCount       uint32
	PageRootRef       uint32 // byte offset of the first page
	Version           uint16
}

// ParseHeader parses the header block of a TopSpeed file. actualSize is
// the real on-disk size of the file, used to reject truncated images.
func ParseHeader(buf []byte, path string, actualSize int64) (FileHeader, error) {
	var h FileHeader
	if len(buf) < HeaderSize {
		return h, errors.NewHeader(path, "file shorter than header block")
	}
	h.HeaderOffset = binary.LittleEndian.Uint32(buf[0x00:])
	h.HeaderLen = binary.LittleEndian.Uint16(buf[0x04:])
	h.FileSize = binary.LittleEndian.Uint32(buf[0x06:])
	h.AllocatedFileSize = binary.LittleEndian.Uint32(buf[0x0A:])
	h.LastIssuedRow = binary.BigEndian.Uint32(buf[0x12:])
	h.ChangeCount = binary.LittleEndian.Uint32(buf[0x16:])
	h.PageRootRef = binary.LittleEndian.Uint32(buf[0x1A:])
	h.Version = binary.LittleEndian.Uint16(buf[0x1E:])

	if buf[0x0E] != Magic[0] || buf[0x0F] != Magic[1] || buf[0x10] != Magic[2] || buf[0x11] != Magic[3] {
		return h, errors.NewHeader(path, "missing tOpS signature")
	}
	if h.HeaderOffset != 0 {
		return h, errors.NewHeader(path, "header offset is not zero")
	}
	if h.HeaderLen != HeaderSize {
		return h, errors.NewHeader(path, "unexpected header length")
	}
	if int64(h.FileSize) > actualSize {
		return h, errors.NewHeader(path, "declared file size exceeds on-disk size")
	}
	if h.Version > MaxVersion {
		return h, &errors.HeaderError{Path: path, Message: "file revision too new", Err: errors.ErrUnsupportedVersion}
	}
	if h.PageRootRef < HeaderSize || int64(h.PageRootRef) >= actualSize {
		return h, errors.NewHeader(path, "page root outside file")
	}
	return h, nil
}
