// Package convert orchestrates TopSpeed to SQLite conversion: it opens
// source files, projects their schemas, and streams records into
// batched inserts under memory governance.
package convert

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/clarionkit/tpsconvert/core/decode"
	"github.com/clarionkit/tpsconvert/core/resilience"
)

// RowErrorPolicy decides what happens to a record that fails to decode.
type RowErrorPolicy uint8

const (
	// PolicySkip drops the record and counts it.
	PolicySkip RowErrorPolicy = iota
	// PolicyPartial inserts the row with NULLs for failed columns.
	PolicyPartial
	// PolicyAbort stops the table at the first bad record.
	PolicyAbort
)

func (p RowErrorPolicy) String() string {
	switch p {
	case PolicyPartial:
		return "partial"
	case PolicyAbort:
		return "abort"
	}
	return "skip"
}

// ParseRowErrorPolicy maps a configuration string to a policy.
func ParseRowErrorPolicy(s string) (RowErrorPolicy, error) {
	switch s {
	case "", "skip":
		return PolicySkip, nil
	case "partial":
		return PolicyPartial, nil
	case "abort":
		return PolicyAbort, nil
	}
	return PolicySkip, fmt.Errorf("unknown on_row_error policy %q", s)
}

// Config carries the options for one conversion run.
type Config struct {
	// MemoryLimit caps resident memory budgeting. Zero selects the
	// profile default.
	MemoryLimit int64
	// Profile overrides automatic size classification.
	Profile resilience.Profile
	// CodePage names the text decoding code page. Empty selects cp437.
	CodePage string
	// OnRowError selects the per-record failure policy.
	OnRowError RowErrorPolicy
	// ParallelTables bounds concurrent table decoding. Values above one
	// are honored only under the enterprise profile.
	ParallelTables int
	// Resume continues from _resume checkpoints left by an interrupted
	// run against the same sources.
	Resume bool

	// Probe overrides the platform memory probe.
	Probe resilience.MemoryProbe
}

func (c Config) withDefaults() Config {
	if c.CodePage == "" {
		c.CodePage = decode.DefaultCodePage
	}
	if c.ParallelTables < 1 {
		c.ParallelTables = 1
	}
	return c
}

// Source is one input file and the table-name prefix its contents get.
type Source struct {
	Path   string
	Prefix string
}

// PrefixForPath derives the table-name prefix from a source file's
// extension.
func PrefixForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".phd":
		return "phd_"
	case ".mod":
		return "mod_"
	}
	return ""
}

// SourcesFromPaths builds the source list for a set of file paths,
// preserving input order.
func SourcesFromPaths(paths []string) []Source {
	out := make([]Source, 0, len(paths))
	for _, p := range paths {
		out = append(out, Source{Path: p, Prefix: PrefixForPath(p)})
	}
	return out
}
