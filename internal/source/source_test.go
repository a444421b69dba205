package source

import (
	"archive/zip"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/ulikunitz/xz"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenPassThrough(t *testing.T) {
	path := writeTemp(t, "plain.tps", []byte("data"))
	s, err := Open([]string{path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if len(s.Files) != 1 || s.Files[0] != path {
		t.Errorf("files = %v", s.Files)
	}
}

func TestOpenMissingInput(t *testing.T) {
	if _, err := Open([]string{filepath.Join(t.TempDir(), "absent.tps")}); err == nil {
		t.Fatal("Open succeeded on a missing input")
	}
}

func TestOpenBundle(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "sample.phz")
	f, err := os.Create(bundle)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	// .mod first in the archive to prove the .phd-first ordering
	for _, m := range []struct{ name, body string }{
		{"nested/sample.mod", "mod-bytes"},
		{"nested/sample.phd", "phd-bytes"},
		{"readme.txt", "ignored"},
	} {
		w, err := zw.Create(m.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(m.body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	s, err := Open([]string{bundle})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if len(s.Files) != 2 {
		t.Fatalf("files = %v", s.Files)
	}
	if filepath.Base(s.Files[0]) != "sample.phd" || filepath.Base(s.Files[1]) != "sample.mod" {
		t.Errorf("order = %v, want phd then mod", s.Files)
	}
	got, err := os.ReadFile(s.Files[0])
	if err != nil || string(got) != "phd-bytes" {
		t.Errorf("extracted phd = %q err=%v", got, err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.Files[0]); !os.IsNotExist(err) {
		t.Errorf("temp file survives Close: %v", err)
	}
}

func TestOpenEmptyBundle(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "empty.phz")
	f, err := os.Create(bundle)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("no topspeed here"))
	zw.Close()
	f.Close()

	if _, err := Open([]string{bundle}); err == nil {
		t.Fatal("Open succeeded on a bundle with no TopSpeed members")
	}
}

func TestOpenDecompressesGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.phd.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	gz.Write([]byte("phd payload"))
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s, err := Open([]string{path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if len(s.Files) != 1 || filepath.Base(s.Files[0]) != "claims.phd" {
		t.Fatalf("files = %v", s.Files)
	}
	got, err := os.ReadFile(s.Files[0])
	if err != nil || string(got) != "phd payload" {
		t.Errorf("decompressed = %q err=%v", got, err)
	}
}

func TestOpenDecompressesXz(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lookup.mod.xz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	xw, err := xz.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	xw.Write([]byte("mod payload"))
	if err := xw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s, err := Open([]string{path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if len(s.Files) != 1 || filepath.Base(s.Files[0]) != "lookup.mod" {
		t.Fatalf("files = %v", s.Files)
	}
	got, err := os.ReadFile(s.Files[0])
	if err != nil || string(got) != "mod payload" {
		t.Errorf("decompressed = %q err=%v", got, err)
	}
}
