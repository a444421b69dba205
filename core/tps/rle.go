package tps

import (
	"fmt"
)

// RLE codec for page payloads.
//
// Token stream: control byte c.
//   - c in 1..0x7F: literal run, the next c bytes are copied verbatim
//   - c >= 0x80:    repeat run, the next byte repeated (c & 0x7F) + 3 times
//
// A zero control byte is invalid. The decoded output must match the
// uncompressed size declared by the page header exactly.

const (
	repeatFlag = 0x80
	minRepeat  = 3
	maxLiteral = 0x7F
	maxRepeat  = 0x7F + minRepeat
)

// Decompress expands an RLE payload to exactly want bytes.
func Decompress(in []byte, want int) ([]byte, error) {
	out := make([]byte, 0, want)
	i := 0
	for i < len(in) {
		c := in[i]
		i++
		if c == 0 {
			return nil, fmt.Errorf("rle: zero control byte at %d", i-1)
		}
		if c < repeatFlag {
			n := int(c)
			if i+n > len(in) {
				return nil, fmt.Errorf("rle: literal run of %d overruns input", n)
			}
			out = append(out, in[i:i+n]...)
			i += n
			continue
		}
		if i >= len(in) {
			return nil, fmt.Errorf("rle: repeat run missing value byte")
		}
		n := int(c&0x7F) + minRepeat
		v := in[i]
		i++
		for k := 0; k < n; k++ {
			out = append(out, v)
		}
	}
	if len(out) != want {
		return nil, fmt.Errorf("rle: decoded %d bytes, want %d", len(out), want)
	}
	return out, nil
}

// Compress encodes a payload with the page RLE codec. The output is only
// used when a run of at least minRepeat identical bytes exists; callers
// that want the smaller of literal/compressed forms compare lengths.
func Compress(in []byte) []byte {
	var out []byte
	i := 0
	for i < len(in) {
		// measure the run starting at i
		run := 1
		for i+run < len(in) && in[i+run] == in[i] && run < maxRepeat {
			run++
		}
		if run >= minRepeat {
			out = append(out, byte(repeatFlag|(run-minRepeat)), in[i])
			i += run
			continue
		}
		// literal chunk: scan forward until a compressible run or the cap
		start := i
		for i < len(in) && i-start < maxLiteral {
			run = 1
			for i+run < len(in) && in[i+run] == in[i] && run < maxRepeat {
				run++
			}
			if run >= minRepeat {
				break
			}
			i += run
		}
		if i-start > maxLiteral {
			i = start + maxLiteral
		}
		out = append(out, byte(i-start))
		out = append(out, in[start:i]...)
	}
	return out
}
