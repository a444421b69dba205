package convert

import "testing"

func TestParseRowErrorPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    RowErrorPolicy
		wantErr bool
	}{
		{"", PolicySkip, false},
		{"skip", PolicySkip, false},
		{"partial", PolicyPartial, false},
		{"abort", PolicyAbort, false},
		{"explode", PolicySkip, true},
	}
	for _, tt := range tests {
		got, err := ParseRowErrorPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRowErrorPolicy(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRowErrorPolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPrefixForPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"data/claims.phd", "phd_"},
		{"data/CLAIMS.PHD", "phd_"},
		{"data/lookup.mod", "mod_"},
		{"data/plain.tps", ""},
		{"noext", ""},
	}
	for _, tt := range tests {
		if got := PrefixForPath(tt.path); got != tt.want {
			t.Errorf("PrefixForPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestSourcesFromPaths(t *testing.T) {
	srcs := SourcesFromPaths([]string{"a.phd", "b.tps"})
	if len(srcs) != 2 {
		t.Fatalf("got %d sources", len(srcs))
	}
	if srcs[0].Prefix != "phd_" || srcs[1].Prefix != "" {
		t.Errorf("prefixes = %q, %q", srcs[0].Prefix, srcs[1].Prefix)
	}
}

func TestReportCounters(t *testing.T) {
	var r Report
	r.addTable(TableResult{Name: "A", Status: TableOK, RowsWritten: 10})
	r.addTable(TableResult{Name: "B", Status: TablePartial, RowsWritten: 5, RowsSkipped: 2})
	r.addTable(TableResult{Name: "C", Status: TableFailed})

	if r.TablesTotal != 3 || r.TablesOK != 1 || r.TablesPartial != 1 || r.TablesFailed != 1 {
		t.Errorf("table counters = %+v", r)
	}
	if r.RowsWritten != 15 || r.RowsSkipped != 2 {
		t.Errorf("row counters = %d written %d skipped", r.RowsWritten, r.RowsSkipped)
	}
}
