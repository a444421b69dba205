package tps

import (
	"encoding/binary"

	"github.com/clarionkit/tpsconvert/core/errors"
)

// PageHeaderSize is the size of the on-disk page header.
const PageHeaderSize = 13

// pageAlign is the boundary the reader realigns to after a corrupt page.
const pageAlign = 0x100

// PageHeader is the fixed header that starts every page.
type PageHeader struct {
	Ref              uint32 // byte offset of the page; must equal its position
	Size             uint16 // page size including the header
	UncompressedSize uint16 // payload size after decompression
	RecordCount      uint16
	HierarchyLevel   uint8 // 0 = leaf/data page
	Checksum         uint16
}

// Compressed reports whether the page payload is RLE-compressed.
func (h PageHeader) Compressed() bool {
	return int(h.Size)-PageHeaderSize < int(h.UncompressedSize)
}

// PayloadSize returns the on-disk payload length.
func (h PageHeader) PayloadSize() int {
	return int(h.Size) - PageHeaderSize
}

// Page is a parsed page: its header plus the decompressed payload.
type Page struct {
	Header  PageHeader
	Payload []byte
}

// parsePageHeader parses and validates a page header read at offset ref.
func parsePageHeader(buf []byte, ref uint32) (PageHeader, error) {
	var h PageHeader
	if len(buf) < PageHeaderSize {
		return h, errors.NewPage(ref, "truncated page header")
	}
	h.Ref = binary.LittleEndian.Uint32(buf[0:])
	h.Size = binary.LittleEndian.Uint16(buf[4:])
	h.UncompressedSize = binary.LittleEndian.Uint16(buf[6:])
	h.RecordCount = binary.LittleEndian.Uint16(buf[8:])
	h.HierarchyLevel = buf[10]
	h.Checksum = binary.LittleEndian.Uint16(buf[11:])

	if h.Ref != ref {
		return h, errors.NewPage(ref, "self-offset mismatch")
	}
	if int(h.Size) < PageHeaderSize {
		return h, errors.NewPage(ref, "page smaller than its header")
	}
	if h.PayloadSize() > int(h.UncompressedSize) {
		return h, errors.NewPage(ref, "payload larger than uncompressed size")
	}
	return h, nil
}

// payloadChecksum is the sum of the raw on-disk payload bytes mod 65536.
func payloadChecksum(payload []byte) uint16 {
	var sum uint16
	for _, b := range payload {
		sum += uint16(b)
	}
	return sum
}

// decodePayload validates the checksum and decompresses when needed.
func decodePayload(h PageHeader, raw []byte) ([]byte, error) {
	if payloadChecksum(raw) != h.Checksum {
		return nil, errors.NewPage(h.Ref, "checksum mismatch")
	}
	if !h.Compressed() {
		if len(raw) != int(h.UncompressedSize) {
			return nil, errors.NewPage(h.Ref, "literal payload size mismatch")
		}
		return raw, nil
	}
	out, err := Decompress(raw, int(h.UncompressedSize))
	if err != nil {
		return nil, &errors.PageError{PageRef: h.Ref, Reason: "rle decode failed", Err: err}
	}
	return out, nil
}
