package convert

import (
	"sort"

	"github.com/clarionkit/tpsconvert/core/tps"
)

// memoStore holds a table's reassembled memo values keyed by owning
// record number and memo index.
type memoStore struct {
	data map[uint32]map[uint8][]byte
}

type memoChunkRef struct {
	seq  uint16
	data []byte
}

// collectMemos drains a table's memo chunks from the reader and
// concatenates them in sequence order.
func collectMemos(r *tps.Reader, table uint8) (*memoStore, error) {
	pending := make(map[uint32]map[uint8][]memoChunkRef)
	err := r.ForEachMemo(table, func(c tps.MemoChunk) error {
		byIdx := pending[c.Owner]
		if byIdx == nil {
			byIdx = make(map[uint8][]memoChunkRef)
			pending[c.Owner] = byIdx
		}
		byIdx[c.MemoIndex] = append(byIdx[c.MemoIndex], memoChunkRef{seq: c.Sequence, data: c.Data})
		return nil
	})
	if err != nil {
		return nil, err
	}

	st := &memoStore{data: make(map[uint32]map[uint8][]byte, len(pending))}
	for owner, byIdx := range pending {
		out := make(map[uint8][]byte, len(byIdx))
		for idx, chunks := range byIdx {
			sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].seq < chunks[j].seq })
			var buf []byte
			for _, c := range chunks {
				buf = append(buf, c.data...)
			}
			out[idx] = buf
		}
		st.data[owner] = out
	}
	return st, nil
}

// get returns the assembled memo payload for a record, or nil when the
// record has none at that index.
func (s *memoStore) get(owner uint32, idx uint8) []byte {
	if s == nil {
		return nil
	}
	return s.data[owner][idx]
}
