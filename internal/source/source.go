// Package source resolves conversion inputs into plain TopSpeed files:
// .phz bundles unpack, .xz and .gz files decompress to temporary
// copies, and everything else passes through untouched.
package source

import (
	"archive/zip"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/clarionkit/tpsconvert/core/errors"
)

// Set is the resolved input list. Close removes any temporary files
// produced while resolving.
type Set struct {
	Files []string

	tempDir string
}

// Open resolves every input path in order. On error the partially
// built set is cleaned up.
func Open(paths []string) (*Set, error) {
	s := &Set{}
	for _, p := range paths {
		if err := s.add(p); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close removes the temporary files behind unpacked or decompressed
// inputs. Pass-through files are untouched.
func (s *Set) Close() error {
	if s.tempDir == "" {
		return nil
	}
	return os.RemoveAll(s.tempDir)
}

func (s *Set) add(path string) error {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".phz"):
		return s.unpackBundle(path)
	case strings.HasSuffix(lower, ".xz"):
		return s.decompress(path, func(r io.Reader) (io.Reader, error) {
			return xz.NewReader(r)
		})
	case strings.HasSuffix(lower, ".gz"):
		return s.decompress(path, func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		})
	}
	if _, err := os.Stat(path); err != nil {
		return errors.Wrap(err, "stat input")
	}
	s.Files = append(s.Files, path)
	return nil
}

func (s *Set) temp() (string, error) {
	if s.tempDir != "" {
		return s.tempDir, nil
	}
	dir, err := os.MkdirTemp("", "tpsconvert-*")
	if err != nil {
		return "", errors.Wrap(err, "create temp dir")
	}
	s.tempDir = dir
	return dir, nil
}

// unpackBundle extracts a .phz zip's TopSpeed members. Members extract
// under their base name only, and .phd files sort ahead of .mod so the
// data tables convert before the model tables.
func (s *Set) unpackBundle(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return errors.Wrapf(err, "open bundle %s", path)
	}
	defer zr.Close()

	dir, err := s.temp()
	if err != nil {
		return err
	}

	var extracted []string
	for _, f := range zr.File {
		name := filepath.Base(f.Name)
		switch strings.ToLower(filepath.Ext(name)) {
		case ".phd", ".mod", ".tps":
		default:
			continue
		}
		dst := filepath.Join(dir, name)
		if err := extractMember(f, dst); err != nil {
			return errors.Wrapf(err, "extract %s from %s", f.Name, path)
		}
		extracted = append(extracted, dst)
	}
	if len(extracted) == 0 {
		return errors.Wrapf(errors.ErrInvalidHeader, "bundle %s holds no TopSpeed files", path)
	}
	sort.Slice(extracted, func(i, j int) bool {
		ri, rj := extRank(extracted[i]), extRank(extracted[j])
		if ri != rj {
			return ri < rj
		}
		return extracted[i] < extracted[j]
	})
	s.Files = append(s.Files, extracted...)
	return nil
}

func extRank(path string) int {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".phd":
		return 0
	case ".mod":
		return 1
	}
	return 2
}

func extractMember(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// decompress copies one compressed input to a temporary file named
// after the input minus its compression suffix.
func (s *Set) decompress(path string, wrap func(io.Reader) (io.Reader, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open input")
	}
	defer f.Close()

	r, err := wrap(f)
	if err != nil {
		return errors.Wrapf(err, "decompress %s", path)
	}

	dir, err := s.temp()
	if err != nil {
		return err
	}
	base := filepath.Base(path)
	dst := filepath.Join(dir, base[:len(base)-len(filepath.Ext(base))])
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "create temp copy")
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return errors.Wrapf(err, "decompress %s", path)
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "finish temp copy")
	}
	s.Files = append(s.Files, dst)
	return nil
}
