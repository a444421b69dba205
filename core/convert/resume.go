package convert

import (
	"database/sql"
	"encoding/hex"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/clarionkit/tpsconvert/core/errors"
	"github.com/clarionkit/tpsconvert/core/schema"
)

// sourceFingerprint identifies a source file for resume validation:
// a hash over its header block and size. A file that changed between
// runs produces a different fingerprint and its checkpoints are
// ignored.
func sourceFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "fingerprint source")
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", errors.Wrap(err, "fingerprint source")
	}

	h := blake3.New()
	if _, err := io.CopyN(h, f, 0x200); err != nil && err != io.EOF {
		return "", errors.Wrap(err, "fingerprint source")
	}
	var size [8]byte
	for i, s := 0, st.Size(); i < 8; i++ {
		size[i] = byte(s >> (8 * i))
	}
	h.Write(size[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}

// checkpoint is one _resume row.
type checkpoint struct {
	lastRecord int64
	sourceHash string
}

// loadCheckpoints reads the _resume table if it exists. A missing
// table yields an empty map.
func loadCheckpoints(db *sql.DB) (map[string]checkpoint, error) {
	var exists int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
		schema.ResumeTable).Scan(&exists)
	if err != nil {
		return nil, errors.Wrap(err, "probe resume table")
	}
	out := make(map[string]checkpoint)
	if exists == 0 {
		return out, nil
	}
	rows, err := db.Query(`SELECT table_name, last_record, source_hash FROM "_resume"`)
	if err != nil {
		return nil, errors.Wrap(err, "read resume table")
	}
	defer rows.Close()
	for rows.Next() {
		var name, hash string
		var last int64
		if err := rows.Scan(&name, &last, &hash); err != nil {
			return nil, errors.Wrap(err, "scan resume row")
		}
		out[name] = checkpoint{lastRecord: last, sourceHash: hash}
	}
	return out, rows.Err()
}

// saveCheckpoint upserts one table's resume position.
func saveCheckpoint(db *sql.DB, table string, lastRecord int64, sourceHash string) error {
	if _, err := db.Exec(schema.ResumeTableDDL()); err != nil {
		return errors.Wrap(err, "create resume table")
	}
	_, err := db.Exec(
		`INSERT INTO "_resume" (table_name, last_record, source_hash) VALUES (?, ?, ?) `+
			`ON CONFLICT(table_name) DO UPDATE SET last_record = excluded.last_record, source_hash = excluded.source_hash`,
		table, lastRecord, sourceHash)
	return errors.Wrap(err, "save checkpoint")
}

// clearCheckpoint removes a table's resume position after it converts
// to completion.
func clearCheckpoint(db *sql.DB, table string) {
	db.Exec(`DELETE FROM "_resume" WHERE table_name = ?`, table)
}

// dropResumeIfEmpty removes the _resume table once nothing is left in
// it, so only interrupted databases carry one.
func dropResumeIfEmpty(db *sql.DB) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM "_resume"`).Scan(&n); err == nil && n == 0 {
		db.Exec(`DROP TABLE "_resume"`)
	}
}
